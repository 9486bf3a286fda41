package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/kiln/arch"
)

func testPaths(t *testing.T) Paths {
	t.Helper()
	root := t.TempDir()
	return Paths{
		Home:       filepath.Join(root, "home"),
		ConfigHome: filepath.Join(root, "config"),
		DataHome:   filepath.Join(root, "data"),
		WorkingDir: filepath.Join(root, "project"),
	}
}

func TestDefaultOrdersProjectBeforeGlobal(t *testing.T) {
	t.Parallel()

	paths := testPaths(t)
	cfg := Default(paths)

	if len(cfg.ScriptDirs) != 2 {
		t.Fatalf("expected two script dirs, got %v", cfg.ScriptDirs)
	}
	if cfg.ScriptDirs[0] != filepath.Join(paths.WorkingDir, "scripts") {
		t.Fatalf("project-local script dir should come first, got %v", cfg.ScriptDirs)
	}
	if cfg.ProfileDirs[1] != filepath.Join(paths.ConfigHome, "kiln", "profiles") {
		t.Fatalf("unexpected global profile dir: %v", cfg.ProfileDirs)
	}
	if cfg.ImageDir != filepath.Join(paths.DataHome, "kiln", "images") {
		t.Fatalf("unexpected image dir %q", cfg.ImageDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadLayersFileThenEnvironment(t *testing.T) {
	t.Parallel()

	paths := testPaths(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
image_dir: ~/images
builders:
  aarch64: local
  amd64: buildbox
remotes:
  buildbox:
    host: 10.0.0.5
    user: builder
defaults:
  memory: 4096
  ssh_timeout: 20m
hypervisor:
  accelerator: tcg
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	environ := []string{
		"KILN_DEFAULT_CPUS=8",
		"KILN_ISO_DIR=/srv/isos",
		"UNRELATED=1",
	}

	cfg, err := Load(paths, path, true, environ)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ImageDir != filepath.Join(paths.Home, "images") {
		t.Fatalf("expected ~ expansion, got %q", cfg.ImageDir)
	}
	if cfg.ISODir != "/srv/isos" {
		t.Fatalf("expected env override for iso dir, got %q", cfg.ISODir)
	}
	if cfg.Defaults.MemoryMB != 4096 || cfg.Defaults.CPUs != 8 {
		t.Fatalf("unexpected defaults: %+v", cfg.Defaults)
	}
	if cfg.Defaults.SSHTimeout != 20*time.Minute {
		t.Fatalf("expected ssh timeout from file, got %v", cfg.Defaults.SSHTimeout)
	}
	if cfg.Defaults.DiskSize != "20G" {
		t.Fatalf("expected untouched default disk size, got %q", cfg.Defaults.DiskSize)
	}
	if cfg.Hypervisor.Accelerator != "tcg" {
		t.Fatalf("unexpected accelerator %q", cfg.Hypervisor.Accelerator)
	}

	mappings := cfg.BuilderMappings()
	if mappings[arch.ARM64] != LocalBuilder || mappings[arch.X86_64] != "buildbox" {
		t.Fatalf("unexpected builder mappings: %v", mappings)
	}
	if cfg.Remotes["buildbox"].Host != "10.0.0.5" {
		t.Fatalf("unexpected remotes: %v", cfg.Remotes)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	paths := testPaths(t)
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	if _, err := Load(paths, missing, false, nil); err != nil {
		t.Fatalf("Load() implicit missing file error = %v", err)
	}
	if _, err := Load(paths, missing, true, nil); err == nil {
		t.Fatal("Load() expected error for explicit missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cfg := Default(testPaths(t))
	cfg.Builders = map[string]string{"sparc": "local"}
	cfg.Hypervisor.Accelerator = "whpx"
	cfg.Defaults.CPUs = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"sparc", "whpx", "cpus"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Validate() error %q should mention %q", err, want)
		}
	}
}
