package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
)

func TestScriptResolverPrefersProfileSpecificAcrossDirectories(t *testing.T) {
	t.Parallel()

	local := t.TempDir()
	global := t.TempDir()

	writeFile(t, filepath.Join(local, "base", "default.sh"), "echo local default\n")
	writeFile(t, filepath.Join(global, "base", "web.sh"), "echo global web\n")
	writeFile(t, filepath.Join(global, "finalize", "default.sh"), "echo finalize\n")
	writeFile(t, filepath.Join(local, "finalize", "default.sh"), "echo local finalize\n")

	resolver := ScriptResolver{Dirs: []string{local, global}}
	scripts, missing, err := resolver.Resolve("web", []string{"base", "finalize", "extras"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if len(scripts) != 2 {
		t.Fatalf("expected two scripts, got %d", len(scripts))
	}
	if scripts[0].Path != filepath.Join(global, "base", "web.sh") {
		t.Fatalf("profile-specific script should win, got %s", scripts[0].Path)
	}
	if scripts[1].Path != filepath.Join(local, "finalize", "default.sh") {
		t.Fatalf("project-local default should win, got %s", scripts[1].Path)
	}
	if len(missing) != 1 || missing[0] != "extras" {
		t.Fatalf("unexpected missing list %v", missing)
	}

	sum := sha256.Sum256([]byte("echo global web\n"))
	if scripts[0].Digest != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected digest %s", scripts[0].Digest)
	}
	if got := Digests(scripts); len(got) != 2 || got[1] != scripts[1].Digest {
		t.Fatalf("Digests() = %v", got)
	}
}

func TestScriptResolverRejectsNestedNames(t *testing.T) {
	t.Parallel()

	resolver := ScriptResolver{Dirs: []string{t.TempDir()}}
	if _, _, err := resolver.Resolve("default", []string{"../escape"}); err == nil {
		t.Fatal("Resolve() expected error for nested script name")
	}
}
