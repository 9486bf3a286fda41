package cache

import (
	"regexp"
	"testing"

	"github.com/cochaviz/kiln/arch"
)

var hexKey = regexp.MustCompile(`^[0-9a-f]{16}$`)

func TestKeyIsDeterministicAndOrderIndependent(t *testing.T) {
	t.Parallel()

	a := map[string]any{
		"username": "kiln",
		"memory":   2048,
		"mirror":   map[string]any{"host": "deb.debian.org", "path": "/debian"},
		"packages": []any{"sudo", "curl"},
	}
	// Same content, different construction order.
	b := map[string]any{}
	b["packages"] = []any{"sudo", "curl"}
	b["mirror"] = map[string]any{"path": "/debian", "host": "deb.debian.org"}
	b["memory"] = 2048
	b["username"] = "kiln"

	digests := []string{"aaa", "bbb"}
	first := Key(a, digests, "checksum", arch.ARM64)
	for i := 0; i < 20; i++ {
		if got := Key(b, digests, "checksum", arch.ARM64); got != first {
			t.Fatalf("Key() = %s on iteration %d, want %s", got, i, first)
		}
	}
	if !hexKey.MatchString(first) {
		t.Fatalf("Key() = %q, want 16 lowercase hex characters", first)
	}
}

func TestKeyNormalizesArchitecture(t *testing.T) {
	t.Parallel()

	fields := map[string]any{"username": "kiln"}
	if Key(fields, nil, "sum", "aarch64") != Key(fields, nil, "sum", arch.ARM64) {
		t.Fatal("Key() should treat architecture aliases identically")
	}
}

func TestKeyChangesWithEveryInput(t *testing.T) {
	t.Parallel()

	fields := map[string]any{"username": "kiln"}
	base := Key(fields, []string{"a", "b"}, "sum", arch.ARM64)

	variants := map[string]string{
		"fields":       Key(map[string]any{"username": "root"}, []string{"a", "b"}, "sum", arch.ARM64),
		"script order": Key(fields, []string{"b", "a"}, "sum", arch.ARM64),
		"checksum":     Key(fields, []string{"a", "b"}, "sum2", arch.ARM64),
		"arch":         Key(fields, []string{"a", "b"}, "sum", arch.X86_64),
	}
	for name, key := range variants {
		if key == base {
			t.Fatalf("changing %s did not change the key", name)
		}
	}
}
