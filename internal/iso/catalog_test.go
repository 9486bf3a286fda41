package iso

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cochaviz/kiln/arch"
)

func TestCatalogResolve(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	catalog := `
images:
  - key: debian-12-amd64
    arch: amd64
    filename: missing-amd64.iso
    sha256: deadbeef
  - key: debian-12-arm64
    arch: aarch64
    filename: debian-arm64.iso
  - arch: x86_64
    filename: debian-amd64.iso
    sha256: ABCDEF
`
	if err := os.WriteFile(filepath.Join(dir, CatalogFile), []byte(catalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "debian-arm64.iso"), []byte("arm iso"), 0o644); err != nil {
		t.Fatalf("write iso: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "debian-amd64.iso"), []byte("x86 iso"), 0o644); err != nil {
		t.Fatalf("write iso: %v", err)
	}

	c := Catalog{Dir: dir}

	arm, err := c.Resolve(arch.ARM64)
	if err != nil {
		t.Fatalf("Resolve(arm64) error = %v", err)
	}
	sum := sha256.Sum256([]byte("arm iso"))
	if arm.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("expected computed checksum, got %q", arm.Checksum)
	}
	if arm.Key != "debian-12-arm64" || arm.Arch != arch.ARM64 {
		t.Fatalf("unexpected arm image %+v", arm)
	}

	x86, err := c.Resolve(arch.X86_64)
	if err != nil {
		t.Fatalf("Resolve(x86_64) error = %v", err)
	}
	if x86.Key != "debian-amd64" || x86.Checksum != "abcdef" {
		t.Fatalf("expected to skip missing file and use the second entry, got %+v", x86)
	}
}

func TestCatalogNotDownloaded(t *testing.T) {
	t.Parallel()

	_, err := Catalog{Dir: t.TempDir()}.Resolve(arch.ARM64)
	if !errors.Is(err, ErrNotDownloaded) {
		t.Fatalf("Resolve() error = %v, want ErrNotDownloaded", err)
	}
}
