// Package warpsignerrors implements the error taxonomy every WarpSign
// component raises through, so the CLI can map a failure to the exit code
// and user-facing message appropriate for its kind, independent of which
// layer produced it.
package warpsignerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for exit-code mapping and log formatting.
type Kind string

const (
	KindUser    Kind = "user"    // bad flags, missing files, malformed config
	KindAuth    Kind = "auth"    // SRP/2FA failures, expired sessions
	KindPortal  Kind = "portal"  // Developer Portal RPC failures
	KindBundle  Kind = "bundle"  // malformed ipa/Mach-O/plist input
	KindSigner  Kind = "signer"  // code-signing collaborator failures
)

// Error is the concrete type every WarpSign failure is wrapped in before
// crossing a package boundary.
type Error struct {
	Kind       Kind
	Code       string // stable machine-readable tag, e.g. "BadCredentials"
	Message    string
	Cause      error
	Identifier string // bundle identifier in scope, if any
	Bundle     string // bundle path in scope, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Identifier != "" {
		msg = fmt.Sprintf("%s (identifier=%s)", msg, e.Identifier)
	}
	if e.Bundle != "" {
		msg = fmt.Sprintf("%s (bundle=%s)", msg, e.Bundle)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// With returns a copy of e annotated with bundle/identifier context,
// mirroring the teacher's habit of threading pkg/errors.Wrap context
// through call sites rather than constructing a fresh error type per site.
func (e *Error) With(bundle, identifier string) *Error {
	c := *e
	c.Bundle = bundle
	c.Identifier = identifier
	return &c
}

// User-facing constructors, one per named error in the taxonomy.

func BadCredentials(cause error) *Error {
	return newErr(KindAuth, "BadCredentials", "Apple ID or password was rejected", cause)
}

func TwoFactorFailed(cause error) *Error {
	return newErr(KindAuth, "TwoFactorFailed", "two-factor verification code was rejected", cause)
}

func SessionLockedOut(cause error) *Error {
	return newErr(KindAuth, "SessionLockedOut", "account is temporarily locked after too many verification attempts", cause)
}

func TeamAmbiguous(teams []string) *Error {
	return newErr(KindUser, "TeamAmbiguous", fmt.Sprintf("account belongs to multiple teams, pass --team: %v", teams), nil)
}

func CapabilityUnavailable(capability, teamID string) *Error {
	return newErr(KindPortal, "CapabilityUnavailable", fmt.Sprintf("capability %s is not available to team %s", capability, teamID), nil)
}

func IdentifierConflict(identifier string) *Error {
	return newErr(KindPortal, "IdentifierConflict", "identifier is already registered with incompatible capabilities", nil).With("", identifier)
}

func ProfileCreationFailed(cause error) *Error {
	return newErr(KindPortal, "ProfileCreationFailed", "Developer Portal refused to issue a provisioning profile", cause)
}

func PortalUnavailable(cause error) *Error {
	return newErr(KindPortal, "PortalUnavailable", "Developer Portal did not respond", cause)
}

func RateLimited(cause error) *Error {
	return newErr(KindPortal, "RateLimited", "Developer Portal is rate limiting this account", cause)
}

func NestedIdentifierMismatch(parent, child string) *Error {
	return newErr(KindBundle, "NestedIdentifierMismatch", fmt.Sprintf("nested bundle %s is not prefixed by its parent's mapped identifier %s", child, parent), nil)
}

func IdentifierTooLong(identifier string) *Error {
	return newErr(KindBundle, "IdentifierTooLong", "rewritten identifier does not fit in the Mach-O section's available padding", nil).With("", identifier)
}

func UnsupportedMachO(cause error) *Error {
	return newErr(KindBundle, "UnsupportedMachO", "binary is not a format WarpSign can rewrite", cause)
}

func PlistRoundTripFailed(cause error) *Error {
	return newErr(KindBundle, "PlistRoundTripFailed", "plist did not survive decode/encode unchanged", cause)
}

func SignerFailed(cause error) *Error {
	return newErr(KindSigner, "SignerFailed", "code-signing collaborator returned an error", cause)
}

func UserError(format string, args ...any) *Error {
	return newErr(KindUser, "UserError", fmt.Sprintf(format, args...), nil)
}

// As reports whether err is (or wraps) a *Error, mirroring the standard
// library idiom used throughout the teacher's pkg/errors call sites.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
