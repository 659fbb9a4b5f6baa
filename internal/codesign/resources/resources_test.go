package resources

import (
	"crypto/sha1"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	pl "github.com/warpsign/warpsign/pkg/plist"
)

func TestCreateCodeResourcesHashesFilesExcludingExecutable(t *testing.T) {
	dir := t.TempDir()

	mainExecutable := "MyApp"
	if err := os.WriteFile(filepath.Join(dir, mainExecutable), []byte("not-really-macho"), 0o755); err != nil {
		t.Fatal(err)
	}
	assetData := []byte("asset contents")
	if err := os.WriteFile(filepath.Join(dir, "Asset.png"), assetData, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := CreateCodeResources(dir, mainExecutable); err != nil {
		t.Fatalf("CreateCodeResources() error = %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, CodeResourcesPath))
	if err != nil {
		t.Fatalf("failed to read %s: %v", CodeResourcesPath, err)
	}

	var cr CodeResources
	if err := pl.Decode(raw, &cr); err != nil {
		t.Fatalf("failed to decode %s: %v", CodeResourcesPath, err)
	}

	if _, ok := cr.Files[mainExecutable]; ok {
		t.Error("CodeResources.Files includes the main executable, want it excluded")
	}

	wantSHA1 := sha1.Sum(assetData)
	gotSHA1, ok := cr.Files["Asset.png"]
	if !ok {
		t.Fatal("CodeResources.Files missing Asset.png")
	}
	if string(gotSHA1) != string(wantSHA1[:]) {
		t.Errorf("Files[Asset.png] sha1 = %x, want %x", gotSHA1, wantSHA1)
	}

	wantSHA256 := sha256.Sum256(assetData)
	gotEntry, ok := cr.Files2["Asset.png"]
	if !ok {
		t.Fatal("CodeResources.Files2 missing Asset.png")
	}
	if string(gotEntry.Hash2) != string(wantSHA256[:]) {
		t.Errorf("Files2[Asset.png].Hash2 = %x, want %x", gotEntry.Hash2, wantSHA256)
	}
}

func TestCreateCodeResourcesRecordsSymlinks(t *testing.T) {
	dir := t.TempDir()
	mainExecutable := "MyApp"
	if err := os.WriteFile(filepath.Join(dir, mainExecutable), []byte("bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "real.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("real.txt", filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported in this environment: %v", err)
	}

	if err := CreateCodeResources(dir, mainExecutable); err != nil {
		t.Fatalf("CreateCodeResources() error = %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, CodeResourcesPath))
	if err != nil {
		t.Fatal(err)
	}
	var cr CodeResources
	if err := pl.Decode(raw, &cr); err != nil {
		t.Fatal(err)
	}

	entry, ok := cr.Files2["link.txt"]
	if !ok || entry.Symlink != "real.txt" {
		t.Errorf("Files2[link.txt] = %+v, want Symlink=real.txt", entry)
	}
}
