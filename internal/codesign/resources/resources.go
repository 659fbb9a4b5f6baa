// Package resources builds the _CodeSignature/CodeResources manifest that
// seals every file inside a re-signed .app bundle, grounded on the
// teacher's internal/codesign/resources but reshaped for iOS's flat
// bundle layout (no Contents/ prefix, nested code lives under
// Frameworks/ and PlugIns/ instead of macOS's Contents/{Library,MacOS}).
package resources

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	macho "github.com/blacktop/go-macho"
	"github.com/blacktop/go-plist"

	wsmacho "github.com/warpsign/warpsign/pkg/macho"
	pl "github.com/warpsign/warpsign/pkg/plist"
)

// frameworksDirectory and pluginsDirectory hold nested code whose seal is
// recorded as a cdhash rather than a content hash.
const frameworksDirectory = "Frameworks"
const pluginsDirectory = "PlugIns"
const watchDirectory = "Watch"
const CodeResourcesPath = "_CodeSignature/CodeResources"

type hash2 struct {
	CDHash      []byte `plist:"cdhash,omitempty" xml:"cdhash,omitempty"`
	Requirement string `plist:"requirement,omitempty" xml:"requirement,omitempty"`
	Hash2       []byte `plist:"hash2,omitempty" xml:"hash2,omitempty"`
	Symlink     string `plist:"symlink,omitempty" xml:"symlink,omitempty"`
	Optional    bool   `plist:"optional,omitempty" xml:"optional,omitempty"`
}

type CodeResources struct {
	Files  map[string][]byte `plist:"files,omitempty" xml:"files,omitempty"`
	Files2 map[string]hash2  `plist:"files2,omitempty" xml:"files2,omitempty"`
	Rules  map[string]any    `plist:"rules,omitempty" xml:"rules,omitempty"`
	Rules2 map[string]any    `plist:"rules2,omitempty" xml:"rules2,omitempty"`
}

// CreateCodeResources walks an unpacked .app bundle rooted at dir and
// writes its _CodeSignature/CodeResources manifest, excluding the main
// executable (mainExecutable, the CFBundleExecutable path relative to
// dir) and any nested code under Frameworks/PlugIns/Watch, which are
// sealed by cdhash rather than by content hash.
func CreateCodeResources(dir, mainExecutable string) error {
	cr := &CodeResources{
		Files:  make(map[string][]byte),
		Files2: make(map[string]hash2),
		Rules:  make(map[string]any),
		Rules2: make(map[string]any),
	}
	// rules
	cr.Rules["^.*"] = true
	cr.Rules["^Info\\.plist$"] = struct {
		Omit   bool    `plist:"omit,omitempty" xml:"omit,omitempty"`
		Weight float64 `plist:"weight,omitempty" xml:"weight,omitempty"`
	}{
		Omit:   true,
		Weight: 10,
	}
	cr.Rules["^PkgInfo$"] = struct {
		Omit   bool    `plist:"omit,omitempty" xml:"omit,omitempty"`
		Weight float64 `plist:"weight,omitempty" xml:"weight,omitempty"`
	}{
		Omit:   true,
		Weight: 10,
	}
	cr.Rules["^.*\\.lproj/"] = struct {
		Optional bool    `plist:"optional,omitempty" xml:"optional,omitempty"`
		Weight   float64 `plist:"weight,omitempty" xml:"weight,omitempty"`
	}{
		Optional: true,
		Weight:   1000,
	}
	cr.Rules["^.*\\.lproj/locversion.plist$"] = struct {
		Omit   bool    `plist:"omit,omitempty" xml:"omit,omitempty"`
		Weight float64 `plist:"weight,omitempty" xml:"weight,omitempty"`
	}{
		Omit:   true,
		Weight: 1100,
	}
	cr.Rules["^embedded\\.mobileprovision$"] = struct {
		Weight float64 `plist:"weight,omitempty" xml:"weight,omitempty"`
	}{
		Weight: 20,
	}
	// rules2
	cr.Rules2[".*\\.dSYM($|/)"] = struct {
		Weight float64 `plist:"weight,omitempty" xml:"weight,omitempty"`
	}{
		Weight: 11,
	}
	cr.Rules2["^(.*/)?\\.DS_Store$"] = struct {
		Omit   bool    `plist:"omit,omitempty" xml:"omit,omitempty"`
		Weight float64 `plist:"weight,omitempty" xml:"weight,omitempty"`
	}{
		Omit:   true,
		Weight: 2000,
	}
	cr.Rules2["^(Frameworks|PlugIns|Watch)/"] = struct {
		Nested bool    `plist:"nested,omitempty" xml:"nested,omitempty"`
		Weight float64 `plist:"weight,omitempty" xml:"weight,omitempty"`
	}{
		Nested: true,
		Weight: 10,
	}
	cr.Rules2["^.*"] = true
	cr.Rules2["^Info\\.plist$"] = struct {
		Omit   bool    `plist:"omit,omitempty" xml:"omit,omitempty"`
		Weight float64 `plist:"weight,omitempty" xml:"weight,omitempty"`
	}{
		Omit:   true,
		Weight: 20,
	}
	cr.Rules2["^PkgInfo$"] = struct {
		Omit   bool    `plist:"omit,omitempty" xml:"omit,omitempty"`
		Weight float64 `plist:"weight,omitempty" xml:"weight,omitempty"`
	}{
		Omit:   true,
		Weight: 20,
	}
	cr.Rules2["^.*\\.lproj/"] = struct {
		Optional bool    `plist:"optional,omitempty" xml:"optional,omitempty"`
		Weight   float64 `plist:"weight,omitempty" xml:"weight,omitempty"`
	}{
		Optional: true,
		Weight:   1000,
	}
	cr.Rules2["^.*\\.lproj/locversion.plist$"] = struct {
		Omit   bool    `plist:"omit,omitempty" xml:"omit,omitempty"`
		Weight float64 `plist:"weight,omitempty" xml:"weight,omitempty"`
	}{
		Omit:   true,
		Weight: 1100,
	}
	cr.Rules2["^[^/]+$"] = struct {
		Nested bool    `plist:"nested,omitempty" xml:"nested,omitempty"`
		Weight float64 `plist:"weight,omitempty" xml:"weight,omitempty"`
	}{
		Nested: true,
		Weight: 10,
	}
	cr.Rules2["^embedded\\.mobileprovision$"] = struct {
		Weight float64 `plist:"weight,omitempty" xml:"weight,omitempty"`
	}{
		Weight: 20,
	}

	nestedRoots := []string{frameworksDirectory, pluginsDirectory, watchDirectory}
	for _, nested := range nestedRoots {
		if err := sealNestedCode(dir, nested, cr); err != nil {
			return err
		}
	}

	if err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if relPath == "." || relPath == mainExecutable {
			return nil
		}
		if relPath == "_CodeSignature" || strings.HasPrefix(relPath, "_CodeSignature"+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		for _, nested := range nestedRoots {
			if relPath == nested || strings.HasPrefix(relPath, nested+string(filepath.Separator)) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		fi, err := os.Lstat(path)
		if err != nil {
			return fmt.Errorf("file %s does not exist", path)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			symlink, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to eval symlink %s: %w", path, err)
			}
			cr.Files2[relPath] = hash2{Symlink: symlink}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		h1 := sha1.New()
		if _, err := io.Copy(h1, f); err != nil {
			return err
		}
		cr.Files[relPath] = h1.Sum(nil)

		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		h2 := sha256.New()
		if _, err := io.Copy(h2, f); err != nil {
			return err
		}
		cr.Files2[relPath] = hash2{Hash2: h2.Sum(nil)}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, CodeResourcesPath)), 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(filepath.Join(dir, CodeResourcesPath)), err)
	}
	f, err := os.Create(filepath.Join(dir, CodeResourcesPath))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", CodeResourcesPath, err)
	}
	defer f.Close()

	enc := plist.NewEncoder(f)
	enc.Indent("\t")
	return enc.Encode(cr)
}

// sealNestedCode records a cdhash for every nested bundle (a .framework,
// .appex or .app) found directly under dir/subdir,
// instead of hashing its contents file by file.
func sealNestedCode(dir, subdir string, cr *CodeResources) error {
	root := filepath.Join(dir, subdir)
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if !regexp.MustCompile(`^[^/]+/[^/]+\.(framework|appex|app)/Info\.plist$`).MatchString(filepath.ToSlash(relPath)) {
			return nil
		}
		dat, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		ainfo, err := pl.ParseAppInfo(dat)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if ainfo.CFBundleExecutable == "" {
			return nil
		}
		bundleDir := filepath.Dir(path)
		execPath := filepath.Join(bundleDir, ainfo.CFBundleExecutable)

		execData, err := os.ReadFile(execPath)
		if err != nil {
			return nil
		}
		m, err := macho.Open(execPath)
		if err != nil {
			return nil
		}
		defer m.Close()

		sig, err := wsmacho.ReadEmbeddedSignature(execData, m)
		if err != nil || len(sig.CDHash) == 0 {
			return fmt.Errorf("no code signature in %s", execPath)
		}
		nestedRel, err := filepath.Rel(dir, bundleDir)
		if err != nil {
			return err
		}
		cr.Files2[nestedRel] = hash2{CDHash: sig.CDHash}
		return nil
	})
}
