package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/config"
)

type stubBuilder struct{}

func (stubBuilder) Build(context.Context, build.Request) (build.Result, error) {
	return build.Result{SessionID: "local"}, nil
}

func TestSelect(t *testing.T) {
	t.Parallel()

	r := &Router{
		Host: arch.X86_64,
		Mappings: map[arch.Architecture]string{
			arch.ARM64: "pi",
		},
		Remotes: map[string]config.Remote{"pi": {Host: "pi.lan", User: "builder"}},
		Local:   stubBuilder{},
	}

	b, err := r.Select(arch.X86_64)
	if err != nil {
		t.Fatalf("Select(x86_64) error = %v", err)
	}
	if _, ok := b.(stubBuilder); !ok {
		t.Fatalf("Select(x86_64) = %T, want local builder", b)
	}

	b, err = r.Select(arch.ARM64)
	if err != nil {
		t.Fatalf("Select(arm64) error = %v", err)
	}
	_, err = b.Build(context.Background(), build.Request{})
	if !errors.Is(err, ErrRemoteUnsupported) {
		t.Fatalf("remote Build() error = %v, want ErrRemoteUnsupported", err)
	}
	if !strings.Contains(err.Error(), "pi.lan:22") {
		t.Fatalf("remote Build() error = %v, want address", err)
	}
}

func TestSelectErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		mappings map[arch.Architecture]string
		target   arch.Architecture
		want     error
	}{
		{name: "unmapped foreign arch", target: arch.ARM64, want: ErrHostMismatch},
		{name: "explicit local foreign arch", mappings: map[arch.Architecture]string{arch.ARM64: Local}, target: arch.ARM64, want: ErrHostMismatch},
		{name: "unknown remote", mappings: map[arch.Architecture]string{arch.ARM64: "missing"}, target: arch.ARM64, want: ErrUnknownRemote},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := &Router{Host: arch.X86_64, Mappings: tc.mappings, Local: stubBuilder{}}
			if _, err := r.Select(tc.target); !errors.Is(err, tc.want) {
				t.Fatalf("Select(%s) error = %v, want %v", tc.target, err, tc.want)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	r := New(config.Config{
		Builders: map[string]string{"aarch64": "pi", "amd64": "local"},
		Remotes:  map[string]config.Remote{"pi": {Host: "pi.lan", Port: 2200}},
	}, stubBuilder{})
	r.Host = arch.X86_64

	if got := r.Describe(arch.X86_64); got != "local" {
		t.Fatalf("Describe(x86_64) = %q", got)
	}
	if got := r.Describe(arch.ARM64); got != "remote pi (pi.lan:2200)" {
		t.Fatalf("Describe(arm64) = %q", got)
	}

	r.Mappings = nil
	if got := r.Describe(arch.ARM64); !strings.Contains(got, "unavailable") {
		t.Fatalf("Describe(arm64) = %q, want unavailable", got)
	}
}
