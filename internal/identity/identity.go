// Package identity implements WarpSign's Identifier Allocator: the
// deterministic mapping of an app's original bundle identifiers to
// identifiers registered on the caller's team, per spec §4.3. It is pure
// with respect to the network — callers supply the team's already-fetched
// identifier list and receive back the allocation plan plus whichever new
// identifiers must be created.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/warpsign/warpsign/internal/portal"
	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

// MaxIdentifierLength is Apple's hard cap on a bundle identifier's length.
const MaxIdentifierLength = 255

var invalidChar = regexp.MustCompile(`[^A-Za-z0-9.-]`)

// PrefixMode selects how Allocate derives a new identifier from the
// original when --force-original-id is not set.
type PrefixMode int

const (
	// Concat produces "<prefix>.<sanitised-original>", the spec's default.
	Concat PrefixMode = iota
	// LengthPreserving keeps the allocated identifier the same byte length
	// as the original, hashing prefix+original into a fixed-width suffix
	// instead of concatenating — supplemented from original_source's
	// bundle_id.py which offers this mode for apps that embed their
	// bundle id length in a fixed-size on-disk struct.
	LengthPreserving
)

// Flags mirrors the caller-controlled knobs from spec §6 that affect
// allocation policy.
type Flags struct {
	Prefix           string
	ForceOriginalID  bool
	Mode             PrefixMode
	ReuseIdentifiers bool
}

// Allocation is the resolved mapping for a single bundle plus whatever
// portal mutation is needed to realise it.
type Allocation struct {
	Original    string
	New         string
	Existing    *portal.Identifier // non-nil if New already exists on the team
	NeedsCreate bool
}

// Allocator holds the team's already-known identifiers so repeated calls
// to Allocate within one run see a consistent, growing picture.
type Allocator struct {
	flags  Flags
	teamID string
	known  map[string]portal.Identifier // identifier string -> portal record
}

// New returns an Allocator seeded with teamID's currently registered
// identifiers.
func New(teamID string, existing []portal.Identifier, flags Flags) *Allocator {
	known := make(map[string]portal.Identifier, len(existing))
	for _, id := range existing {
		known[id.Attributes.Identifier] = id
	}
	return &Allocator{flags: flags, teamID: teamID, known: known}
}

// Sanitise replaces every character outside [A-Za-z0-9.-] with '-', per
// spec §4.3's mapping policy.
func Sanitise(s string) string {
	return invalidChar.ReplaceAllString(s, "-")
}

// Allocate resolves original (a bundle identifier as found in the
// archive) to its new team-scoped identifier. --force-original-id needs a
// distribution certificate; the caller has already checked that
// precondition before calling in.
func (a *Allocator) Allocate(original string) (Allocation, error) {
	var newID string
	if a.flags.ForceOriginalID {
		newID = original
	} else {
		switch a.flags.Mode {
		case LengthPreserving:
			newID = lengthPreserving(a.flags.Prefix, original)
		default:
			newID = fmt.Sprintf("%s.%s", a.flags.Prefix, Sanitise(original))
		}
	}
	if len(newID) > MaxIdentifierLength {
		return Allocation{}, warpsignerrors.IdentifierTooLong(newID)
	}

	if existing, ok := a.known[newID]; ok {
		return Allocation{Original: original, New: newID, Existing: &existing, NeedsCreate: false}, nil
	}
	return Allocation{Original: original, New: newID, NeedsCreate: true}, nil
}

// Register records that newID now exists on the team, so subsequent
// Allocate/CheckTree calls (and idempotent re-runs within the same
// process) see it without a fresh portal round trip.
func (a *Allocator) Register(id portal.Identifier) {
	a.known[id.Attributes.Identifier] = id
}

// DerivePrefix computes the spec's default deterministic prefix: a short
// hash of the root bundle identifier and the team id, used when the
// caller passes no explicit --prefix.
func DerivePrefix(rootIdentifier, teamID string) string {
	h := sha256.Sum256([]byte(rootIdentifier + "|" + teamID))
	return "ws" + hex.EncodeToString(h[:])[:10]
}

// CheckTree verifies the tree-consistency invariant of spec §4.3: if
// child's original identifier was original-parent-prefixed by parent's,
// the new identifiers must maintain that relation.
func CheckTree(parentOriginal, parentNew, childOriginal, childNew string) error {
	if !strings.HasPrefix(childOriginal, parentOriginal+".") {
		return nil // no prefix relation to preserve
	}
	if !strings.HasPrefix(childNew, parentNew+".") {
		return warpsignerrors.NestedIdentifierMismatch(parentNew, childNew)
	}
	return nil
}

// lengthPreserving derives a new identifier the same byte length as
// original: "<prefix>." followed by a hex digest truncated/padded to fill
// the remaining space.
func lengthPreserving(prefix, original string) string {
	head := prefix + "."
	remaining := len(original) - len(head)
	if remaining <= 0 {
		return Sanitise(original)
	}
	h := sha256.Sum256([]byte(prefix + "|" + original))
	digest := hex.EncodeToString(h[:])
	for len(digest) < remaining {
		digest += digest
	}
	return head + digest[:remaining]
}
