package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	macho "github.com/blacktop/go-macho"
	"github.com/warpsign/warpsign/internal/bundle"
	"github.com/warpsign/warpsign/internal/codesign"
	"github.com/warpsign/warpsign/internal/codesign/resources"
	"github.com/warpsign/warpsign/internal/portal"
	"github.com/warpsign/warpsign/internal/reconcile"
	"github.com/warpsign/warpsign/internal/utils"
	"github.com/warpsign/warpsign/internal/warpsignerrors"
	wsmacho "github.com/warpsign/warpsign/pkg/macho"
	pl "github.com/warpsign/warpsign/pkg/plist"
)

// SignRequest is everything a Signer needs to produce a fresh embedded
// signature for one bundle. The orchestrator has already rewritten the
// bundle's Info.plist and __info_plist section and embedded its
// provisioning profile by the time it calls Sign; a Signer only needs to
// strip the stale signature, assemble the CodeResources manifest, and
// produce and append a new one.
type SignRequest struct {
	Bundle       *bundle.AppBundle
	Entitlements bundle.Entitlements
	Cert         CertificateIdentity
}

// Signer is the pluggable collaborator spec §4.6 describes: WarpSign
// ships LocalSigner, which signs in-process using the caller's .p12, but
// a `sign-ci` deployment can substitute an implementation that dispatches
// the same request to a remote build machine holding the private key
// instead.
type Signer interface {
	Sign(ctx context.Context, req SignRequest) error
}

// LocalSigner signs bundles in-process, wiring together the Mach-O
// Rewriter, the CodeResources builder, and internal/codesign's CMS
// signature production. It is WarpSign's default Signer.
type LocalSigner struct{}

func (s *LocalSigner) Sign(ctx context.Context, req SignRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := req.Bundle

	entXML, err := pl.Encode(map[string]any(req.Entitlements), pl.XMLFormat)
	if err != nil {
		return warpsignerrors.PlistRoundTripFailed(err)
	}

	execRel, err := filepath.Rel(b.Path, b.ExecutablePath)
	if err != nil {
		return fmt.Errorf("orchestrator: %s is not under bundle root %s: %w", b.ExecutablePath, b.Path, err)
	}
	if err := resources.CreateCodeResources(b.Path, execRel); err != nil {
		return fmt.Errorf("orchestrator: failed to build CodeResources for %s: %w", b.Path, err)
	}
	codeResourcesData, err := os.ReadFile(filepath.Join(b.Path, resources.CodeResourcesPath))
	if err != nil {
		return err
	}

	infoPlistData, err := os.ReadFile(filepath.Join(b.Path, "Info.plist"))
	if err != nil {
		return err
	}

	raw, err := wsmacho.ReadFile(b.ExecutablePath)
	if err != nil {
		return err
	}

	allowGetTaskAllow, _ := req.Entitlements["get-task-allow"].(bool)
	conf := &codesign.CMSConfig{CertChain: req.Cert.Chain, PrivateKey: req.Cert.PrivateKey}
	signSlice := func(data []byte, m *macho.File) ([]byte, error) {
		stripped, err := wsmacho.StripCodeSignature(data, m)
		if err != nil {
			return nil, err
		}
		execSegBase, execSegLimit := wsmacho.TextSegmentBounds(m)
		superblob, err := codesign.Sign(stripped, b.NewIdentifier, req.Cert.TeamID, entXML, infoPlistData, codeResourcesData, execSegBase, execSegLimit, allowGetTaskAllow, conf)
		if err != nil {
			return nil, warpsignerrors.SignerFailed(err)
		}
		return wsmacho.AppendCodeSignature(stripped, m, superblob)
	}

	var final []byte
	if wsmacho.IsFat(raw) {
		fat, err := wsmacho.NewFatFile(raw)
		if err != nil {
			return err
		}
		defer fat.Close()
		slices := make([][]byte, len(fat.Arches))
		for i, a := range fat.Arches {
			slice, err := signSlice(raw[a.Offset:a.Offset+a.Size], a.File)
			if err != nil {
				return err
			}
			slices[i] = slice
		}
		final = wsmacho.RebuildFat(fat.Arches, slices)
	} else {
		m, err := wsmacho.Open(b.ExecutablePath)
		if err != nil {
			return err
		}
		final, err = signSlice(raw, m)
		m.Close()
		if err != nil {
			return err
		}
	}

	info, err := os.Stat(b.ExecutablePath)
	if err != nil {
		return err
	}
	return os.WriteFile(b.ExecutablePath, final, info.Mode())
}

// ensureProfile resolves the provisioning profile bundle b signs against:
// an already-issued one covering b's identifier if one exists in
// profiles or profileCache and actually satisfies plan's entitlement set,
// otherwise a freshly created one. The result is embedded as
// embedded.mobileprovision before CodeResources is built, so its hash is
// included in the bundle's manifest like any other resource.
func (o *Orchestrator) ensureProfile(ctx context.Context, cert CertificateIdentity, identifierID string, b *bundle.AppBundle, plan reconcile.Plan, profiles []portal.Profile, cache map[string]*portal.Profile) (*portal.Profile, error) {
	want := make([]string, 0, len(plan.Entitlements))
	for key := range plan.Entitlements {
		want = append(want, key)
	}

	if p, ok := cache[identifierID]; ok && profileSatisfies(p, want) {
		return p, writeProfile(b, p)
	}
	for i := range profiles {
		p := profiles[i]
		if len(p.Relationships.BundleID.Data) == 0 || p.Relationships.BundleID.Data[0].ID != identifierID {
			continue
		}
		if p.IsExpired() || p.IsInvalid() {
			continue
		}
		if !profileSatisfies(&p, want) {
			continue
		}
		cache[identifierID] = &p
		return &p, writeProfile(b, &p)
	}

	profileType := portal.ProfileIOSAppStore
	if cert.Kind == 0 { // reconcile.CertDevelopment
		profileType = portal.ProfileIOSAppDevelopment
	}
	created, err := o.Portal.CreateProfile(ctx, cert.TeamID, b.NewIdentifier+" (WarpSign)", profileType, identifierID, cert.CertificateID, nil)
	if err != nil {
		return nil, err
	}
	cache[identifierID] = created
	return created, writeProfile(b, created)
}

func writeProfile(b *bundle.AppBundle, p *portal.Profile) error {
	path := filepath.Join(b.Path, "embedded.mobileprovision")
	return os.WriteFile(path, p.Attributes.ProfileContent, 0o644)
}

// profileSatisfies reports whether p's embedded plist already grants
// every entitlement key in want, so ensureProfile can reuse it instead of
// minting a replacement. A profile that fails to decode is treated as
// not satisfying anything, falling back to creating a fresh one rather
// than signing against a profile of unknown content.
func profileSatisfies(p *portal.Profile, want []string) bool {
	decoded, err := portal.DecodeProfile(p.Attributes.ProfileContent)
	if err != nil {
		return false
	}
	return decoded.Satisfies(want, nil)
}

// rewriteAndSign performs the per-bundle steps of §4.6 step 6 that
// precede handing off to a Signer: patching CFBundleIdentifier (and any
// --patch-* flags) into both the on-disk Info.plist and the executable's
// embedded __info_plist section, then delegating the rest to signer.
func rewriteAndSign(ctx context.Context, signer Signer, b *bundle.AppBundle, plan reconcile.Plan, cert CertificateIdentity, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if opts.IconPath != "" && b.Kind == bundle.App {
		if err := replaceIcon(b, opts.IconPath); err != nil {
			return err
		}
	}

	newInfoPlist, err := patchInfoPlist(b, opts)
	if err != nil {
		return err
	}

	raw, err := wsmacho.ReadFile(b.ExecutablePath)
	if err != nil {
		return err
	}

	var patched []byte
	if wsmacho.IsFat(raw) {
		fat, err := wsmacho.NewFatFile(raw)
		if err != nil {
			return err
		}
		defer fat.Close()
		slices := make([][]byte, len(fat.Arches))
		for i, a := range fat.Arches {
			p, err := wsmacho.PatchInfoPlist(raw[a.Offset:a.Offset+a.Size], a.File, newInfoPlist)
			if err != nil {
				logTooLongHexDump(err, b, newInfoPlist)
				return err
			}
			slices[i] = p
		}
		patched = wsmacho.RebuildFat(fat.Arches, slices)
	} else {
		m, err := wsmacho.Open(b.ExecutablePath)
		if err != nil {
			return err
		}
		patched, err = wsmacho.PatchInfoPlist(raw, m, newInfoPlist)
		m.Close()
		if err != nil {
			logTooLongHexDump(err, b, newInfoPlist)
			return err
		}
	}

	info, err := os.Stat(b.ExecutablePath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(b.ExecutablePath, patched, info.Mode()); err != nil {
		return err
	}

	return signer.Sign(ctx, SignRequest{
		Bundle:       b,
		Entitlements: plan.Entitlements,
		Cert:         cert,
	})
}

// logTooLongHexDump logs a diagnostic hex dump of the plist bytes that
// did not fit in a slice's __info_plist section, so a user hitting
// IdentifierTooLong can see exactly what was being embedded.
func logTooLongHexDump(err error, b *bundle.AppBundle, plist []byte) {
	if we, ok := warpsignerrors.As(err); ok && we.Code == "IdentifierTooLong" {
		log.WithField("bundle", b.OriginalIdentifier).Debug("__info_plist section too small for rewritten plist:\n" + utils.HexDump(plist, 0))
	}
}

// patchInfoPlist reads b's on-disk Info.plist, rewrites CFBundleIdentifier
// to b.NewIdentifier plus whatever --patch-* flags request, writes it back,
// and returns the new bytes for embedding into the Mach-O's __info_plist
// section. XML plists (virtually all Info.plists Xcode emits) are patched
// through OrderedDict to preserve key order; the rare binary-format
// Info.plist falls back to an unordered map round trip.
func patchInfoPlist(b *bundle.AppBundle, opts Options) ([]byte, error) {
	path := filepath.Join(b.Path, "Info.plist")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: failed to read %s: %w", path, err)
	}

	var out []byte
	if pl.DetectFormat(raw) == pl.BinaryFormat {
		var m map[string]any
		if err := pl.Decode(raw, &m); err != nil {
			return nil, warpsignerrors.PlistRoundTripFailed(err)
		}
		m["CFBundleIdentifier"] = b.NewIdentifier
		applyPlistFlags(m, opts)
		out, err = pl.Encode(m, pl.BinaryFormat)
		if err != nil {
			return nil, warpsignerrors.PlistRoundTripFailed(err)
		}
	} else {
		dict, err := pl.DecodeOrderedXML(raw)
		if err != nil {
			return nil, warpsignerrors.PlistRoundTripFailed(err)
		}
		dict.Set("CFBundleIdentifier", b.NewIdentifier)
		applyOrderedPlistFlags(dict, opts)
		out, err = pl.EncodeOrderedXML(dict)
		if err != nil {
			return nil, warpsignerrors.PlistRoundTripFailed(err)
		}
	}

	if err := os.WriteFile(path, out, 0o644); err != nil {
		return nil, err
	}
	return out, nil
}

func applyPlistFlags(m map[string]any, opts Options) {
	if opts.PatchFileSharing {
		m["UIFileSharingEnabled"] = true
	}
	if opts.PatchPromotion {
		m["CADisableMinimumFrameDurationOnPhone"] = true
	}
}

func applyOrderedPlistFlags(dict *pl.OrderedDict, opts Options) {
	if opts.PatchFileSharing {
		dict.Set("UIFileSharingEnabled", true)
	}
	if opts.PatchPromotion {
		dict.Set("CADisableMinimumFrameDurationOnPhone", true)
	}
}

// replaceIcon overwrites a flat CFBundleIconFile PNG named in b's
// Info.plist with iconPath's contents. Apps that ship their icon in a
// compiled Assets.car asset catalog instead (every app built with a
// recent Xcode) are not covered here: recompiling a catalog requires
// actool, which has no equivalent anywhere in the corpus, so --icon only
// takes effect on apps still using the legacy flat-file icon convention.
func replaceIcon(b *bundle.AppBundle, iconPath string) error {
	raw, err := os.ReadFile(filepath.Join(b.Path, "Info.plist"))
	if err != nil {
		return err
	}
	info, err := pl.ParseAppInfo(raw)
	if err != nil {
		return warpsignerrors.PlistRoundTripFailed(err)
	}
	if info.CFBundleIconFile == "" {
		return nil
	}
	iconData, err := os.ReadFile(iconPath)
	if err != nil {
		return fmt.Errorf("orchestrator: failed to read replacement icon %s: %w", iconPath, err)
	}
	dest := filepath.Join(b.Path, info.CFBundleIconFile)
	if filepath.Ext(dest) == "" {
		dest += ".png"
	}
	return os.WriteFile(dest, iconData, 0o644)
}
