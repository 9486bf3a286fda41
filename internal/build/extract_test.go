package build

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/kiln/arch"
)

func writeInstallerISO(t *testing.T, files map[string]string) string {
	t.Helper()

	src := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(src, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	defer writer.Cleanup()
	if err := writer.AddLocalDirectory(src, "/"); err != nil {
		t.Fatalf("AddLocalDirectory() error = %v", err)
	}

	isoPath := filepath.Join(t.TempDir(), "installer.iso")
	out, err := os.Create(isoPath)
	if err != nil {
		t.Fatalf("create iso: %v", err)
	}
	defer out.Close()
	if err := writer.WriteTo(out, "KILNTEST"); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	return isoPath
}

func TestExtractBootFiles(t *testing.T) {
	t.Parallel()

	isoPath := writeInstallerISO(t, map[string]string{
		"install.a64/vmlinuz":   "kernel-a64",
		"install.a64/initrd.gz": "initrd-a64",
		"custom/linux":          "custom-kernel",
	})

	t.Run("default layout", func(t *testing.T) {
		t.Parallel()
		dest := t.TempDir()
		files, err := ExtractBootFiles(isoPath, arch.ARM64, BootFiles{}, dest)
		if err != nil {
			t.Fatalf("ExtractBootFiles() error = %v", err)
		}
		assertFileContent(t, files.Kernel, "kernel-a64")
		assertFileContent(t, files.Initrd, "initrd-a64")
	})

	t.Run("override", func(t *testing.T) {
		t.Parallel()
		files, err := ExtractBootFiles(isoPath, arch.ARM64, BootFiles{Kernel: "/custom/linux"}, t.TempDir())
		if err != nil {
			t.Fatalf("ExtractBootFiles() error = %v", err)
		}
		assertFileContent(t, files.Kernel, "custom-kernel")
		assertFileContent(t, files.Initrd, "initrd-a64")
	})

	t.Run("missing layout", func(t *testing.T) {
		t.Parallel()
		_, err := ExtractBootFiles(isoPath, arch.X86_64, BootFiles{}, t.TempDir())
		if !errors.Is(err, ErrBootFileNotFound) {
			t.Fatalf("ExtractBootFiles() error = %v, want ErrBootFileNotFound", err)
		}
	})
}

func TestExtractBootFilesRejectsNonISO(t *testing.T) {
	t.Parallel()

	bogus := filepath.Join(t.TempDir(), "bogus.iso")
	if err := os.WriteFile(bogus, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ExtractBootFiles(bogus, arch.X86_64, BootFiles{}, t.TempDir()); err == nil {
		t.Fatal("ExtractBootFiles() accepted a non-iso file")
	}
}

func TestInstallerPaths(t *testing.T) {
	t.Parallel()

	paths, err := InstallerPaths(arch.X86_64, BootFiles{})
	if err != nil {
		t.Fatalf("InstallerPaths() error = %v", err)
	}
	if paths.Kernel != "install.amd/vmlinuz" || paths.Initrd != "install.amd/initrd.gz" {
		t.Fatalf("InstallerPaths() = %+v", paths)
	}
	if _, err := InstallerPaths(arch.Architecture("riscv64"), BootFiles{}); err == nil {
		t.Fatal("InstallerPaths() accepted an unknown architecture")
	}
}

func TestISONameMatches(t *testing.T) {
	t.Parallel()

	cases := []struct {
		identifier string
		want       string
		dir        bool
		match      bool
	}{
		{identifier: "VMLINUZ.;1", want: "vmlinuz", match: true},
		{identifier: "vmlinuz", want: "vmlinuz", match: true},
		{identifier: "INITRD.GZ;1", want: "initrd.gz", match: true},
		{identifier: "INSTALL_AMD", want: "install.amd", dir: true, match: true},
		{identifier: "install.a64", want: "install.a64", dir: true, match: true},
		{identifier: "VMLINUZ.;1", want: "initrd.gz", match: false},
		{identifier: "INSTALL_A64", want: "install.amd", dir: true, match: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.identifier+"/"+tc.want, func(t *testing.T) {
			t.Parallel()
			if got := isoNameMatches(tc.identifier, tc.want, tc.dir); got != tc.match {
				t.Fatalf("isoNameMatches(%q, %q) = %v, want %v", tc.identifier, tc.want, got, tc.match)
			}
		})
	}
}

func assertFileContent(t *testing.T, path, want string) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if string(got) != want {
		t.Fatalf("%s = %q, want %q", path, got, want)
	}
}
