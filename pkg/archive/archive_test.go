package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestUnpackExtractsFilesAndRejectsPathEscape(t *testing.T) {
	src := filepath.Join(t.TempDir(), "app.ipa")
	writeZip(t, src, map[string]string{
		"Payload/MyApp.app/MyApp":       "binary",
		"Payload/MyApp.app/Info.plist": "<plist/>",
	})

	dst := t.TempDir()
	if err := Unpack(src, dst); err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "Payload", "MyApp.app", "MyApp"))
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(data) != "binary" {
		t.Errorf("extracted content = %q, want %q", data, "binary")
	}
}

func TestUnpackBadZipReturnsUserError(t *testing.T) {
	src := filepath.Join(t.TempDir(), "not-a-zip.ipa")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := Unpack(src, t.TempDir())
	we, ok := warpsignerrors.As(err)
	if !ok || we.Code != "UserError" {
		t.Errorf("Unpack() error = %v, want UserError", err)
	}
}

func TestFindAppBundle(t *testing.T) {
	dir := t.TempDir()
	appDir := filepath.Join(dir, "Payload", "MyApp.app")
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := FindAppBundle(dir)
	if err != nil {
		t.Fatalf("FindAppBundle() error = %v", err)
	}
	want := filepath.Join("Payload", "MyApp.app")
	if got != want {
		t.Errorf("FindAppBundle() = %q, want %q", got, want)
	}
}

func TestFindAppBundleNoAppDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "Payload"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, err := FindAppBundle(dir)
	we, ok := warpsignerrors.As(err)
	if !ok || we.Code != "UserError" {
		t.Errorf("FindAppBundle() error = %v, want UserError", err)
	}
}

func TestRepackRoundTrip(t *testing.T) {
	dir := t.TempDir()
	appDir := filepath.Join(dir, "Payload", "MyApp.app")
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(appDir, "MyApp"), []byte("binary"), 0o755); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "resigned.ipa")
	if err := Repack(dir, out); err != nil {
		t.Fatalf("Repack() error = %v", err)
	}

	dst := t.TempDir()
	if err := Unpack(out, dst); err != nil {
		t.Fatalf("Unpack(repacked) error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dst, "Payload", "MyApp.app", "MyApp"))
	if err != nil {
		t.Fatalf("round-tripped file missing: %v", err)
	}
	if string(data) != "binary" {
		t.Errorf("round-tripped content = %q, want %q", data, "binary")
	}
}
