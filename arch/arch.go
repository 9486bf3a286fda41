package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture is the canonical token for a target CPU family.
type Architecture string

const (
	X86_64 Architecture = "x86_64"
	ARM64  Architecture = "arm64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		ARM64,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, ARM64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// QemuFamily returns the suffix qemu uses for its system emulator binary.
func (a Architecture) QemuFamily() string {
	switch a {
	case X86_64:
		return "x86_64"
	case ARM64:
		return "aarch64"
	default:
		return ""
	}
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// MustParse is like Parse but panics on error.
func MustParse(value string) Architecture {
	arch, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return arch
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(ARM64), "aarch64":
		return ARM64
	default:
		return ""
	}
}

// Host returns the normalized architecture of the running process, or "" when
// the host is not a supported build machine.
func Host() Architecture {
	return Normalize(runtime.GOARCH)
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
