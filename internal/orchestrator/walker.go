package orchestrator

import (
	"os"
	"path/filepath"

	"github.com/warpsign/warpsign/internal/bundle"
	"github.com/warpsign/warpsign/internal/warpsignerrors"
	wsmacho "github.com/warpsign/warpsign/pkg/macho"
	pl "github.com/warpsign/warpsign/pkg/plist"
)

// walkBundleTree builds the inventory step of spec §4.6: it parses path's
// Info.plist, opens its executable to recover the entitlements the
// original signer declared, classifies path's Kind from the directory it
// lives under, and recurses into Frameworks/PlugIns/Watch. A directory
// cycle (a symlink looping back into an ancestor) is impossible to build
// this way since every recursive call only descends into subdirectories
// it lists, so no explicit cycle check is needed beyond what os.ReadDir
// itself would surface as a read error.
func walkBundleTree(rootPath string) (*bundle.AppBundle, error) {
	return walkOne(rootPath, bundle.App)
}

func walkOne(path string, kind bundle.Kind) (*bundle.AppBundle, error) {
	infoPath := filepath.Join(path, "Info.plist")
	raw, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, warpsignerrors.UserError("bundle %s has no Info.plist: %v", path, err)
	}
	info, err := pl.ParseAppInfo(raw)
	if err != nil {
		return nil, warpsignerrors.PlistRoundTripFailed(err)
	}
	if info.CFBundleIdentifier == "" || info.CFBundleExecutable == "" {
		return nil, warpsignerrors.UserError("bundle %s's Info.plist is missing CFBundleIdentifier or CFBundleExecutable", path)
	}

	execPath := filepath.Join(path, info.CFBundleExecutable)
	execData, err := wsmacho.ReadFile(execPath)
	if err != nil {
		return nil, err
	}
	m, err := wsmacho.Open(execPath)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	sig, err := wsmacho.ReadEmbeddedSignature(execData, m)
	if err != nil {
		return nil, err
	}
	ents := bundle.Entitlements{}
	if len(sig.Entitlements) > 0 {
		var decoded map[string]any
		if err := pl.Decode(sig.Entitlements, &decoded); err != nil {
			return nil, warpsignerrors.PlistRoundTripFailed(err)
		}
		ents = bundle.Entitlements(decoded)
	}

	displayName := info.CFBundleName
	if displayName == "" {
		displayName = info.CFBundleIdentifier
	}

	b := &bundle.AppBundle{
		Path:               path,
		OriginalIdentifier: info.CFBundleIdentifier,
		DisplayName:        displayName,
		ExecutablePath:     execPath,
		Kind:               kind,
		Entitlements:       ents,
	}

	nested, err := walkNested(path)
	if err != nil {
		return nil, err
	}
	b.Nested = nested
	return b, nil
}

// nestedRoots names the subdirectories Xcode places embedded bundles
// under and the Kind those directories imply.
var nestedRoots = []struct {
	dir  string
	kind bundle.Kind
}{
	{"PlugIns", bundle.Extension},
	{"Frameworks", bundle.Framework},
	{"Watch", bundle.WatchApp},
}

func walkNested(parent string) ([]*bundle.AppBundle, error) {
	var out []*bundle.AppBundle
	for _, root := range nestedRoots {
		dir := filepath.Join(parent, root.dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // no such subdirectory, nothing embedded of this kind
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue // bare dylibs under Frameworks/ carry no Info.plist to inventory by identifier
			}
			suffix := filepath.Ext(e.Name())
			if suffix != ".framework" && suffix != ".appex" && suffix != ".app" {
				continue
			}
			kind := root.kind
			if suffix == ".appex" {
				kind = bundle.Extension
			} else if suffix == ".app" {
				kind = bundle.WatchApp
			}
			child, err := walkOne(filepath.Join(dir, e.Name()), kind)
			if err != nil {
				return nil, err
			}
			out = append(out, child)
		}
	}
	return out, nil
}
