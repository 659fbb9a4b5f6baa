// Package archive implements WarpSign's Archive I/O layer: unpacking an
// .ipa's Payload/<App>.app tree to a scratch directory and repacking it,
// preserving file permissions and symlinks exactly as spec §4.6 steps 1
// and 8 require. Grounded on the zip-walking shape of
// sassoftware-relic's ipa.go (readPlist/readZipFile), generalised from
// single-file extraction to a full unpack/repack round trip, since no
// third-party zip library appears anywhere in the retrieved corpus.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

// PayloadDir is the fixed top-level directory an .ipa stores its app
// bundle under.
const PayloadDir = "Payload"

// Unpack extracts every entry of the zip archive at ipaPath into dir,
// which must already exist with restrictive permissions (the orchestrator
// creates it via os.MkdirTemp). Symlinks are recreated as symlinks;
// regular files keep their original mode bits.
func Unpack(ipaPath, dir string) error {
	r, err := zip.OpenReader(ipaPath)
	if err != nil {
		return warpsignerrors.UserError("failed to open %s as a zip archive: %v", ipaPath, err)
	}
	defer r.Close()

	for _, zf := range r.File {
		if err := extractEntry(zf, dir); err != nil {
			return fmt.Errorf("archive: failed to extract %s: %w", zf.Name, err)
		}
	}
	return nil
}

func extractEntry(zf *zip.File, dir string) error {
	cleanName := filepath.Clean(zf.Name)
	if strings.HasPrefix(cleanName, "..") {
		return fmt.Errorf("zip entry escapes archive root: %s", zf.Name)
	}
	target := filepath.Join(dir, cleanName)

	mode := zf.Mode()
	if mode&os.ModeSymlink != 0 {
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		linkTarget, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(string(linkTarget), target)
	}
	if zf.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, rc)
	return err
}

// FindAppBundle returns the relative path (within dir) of the single
// Payload/<Name>.app root an unpacked .ipa must contain.
func FindAppBundle(dir string) (string, error) {
	payload := filepath.Join(dir, PayloadDir)
	entries, err := os.ReadDir(payload)
	if err != nil {
		return "", warpsignerrors.UserError("archive has no %s directory: %v", PayloadDir, err)
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), ".app") {
			return filepath.Join(PayloadDir, e.Name()), nil
		}
	}
	return "", warpsignerrors.UserError("no .app bundle found under %s", PayloadDir)
}

// Repack walks dir and writes every entry into a new zip archive at
// outPath, in deterministic path order, preserving symlinks and mode
// bits. Entry timestamps are taken from the files under dir, so two runs
// over the same input also differ in those.
func Repack(dir, outPath string) error {
	var paths []string
	if err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		paths = append(paths, rel)
		return nil
	}); err != nil {
		return fmt.Errorf("archive: failed to walk %s: %w", dir, err)
	}
	sort.Strings(paths)

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("archive: failed to create %s: %w", outPath, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, rel := range paths {
		if err := addEntry(zw, dir, rel); err != nil {
			zw.Close()
			return fmt.Errorf("archive: failed to add %s: %w", rel, err)
		}
	}
	return zw.Close()
}

func addEntry(zw *zip.Writer, dir, rel string) error {
	full := filepath.Join(dir, rel)
	fi, err := os.Lstat(full)
	if err != nil {
		return err
	}
	zipName := path.Join(strings.Split(rel, string(filepath.Separator))...)

	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return err
	}
	hdr.Name = zipName
	hdr.Method = zip.Deflate

	if fi.Mode()&os.ModeSymlink != 0 {
		hdr.Name = zipName
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		linkTarget, err := os.Readlink(full)
		if err != nil {
			return err
		}
		_, err = w.Write([]byte(linkTarget))
		return err
	}
	if fi.IsDir() {
		hdr.Name = zipName + "/"
		_, err := zw.CreateHeader(hdr)
		return err
	}

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
