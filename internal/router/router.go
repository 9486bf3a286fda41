// Package router decides which builder serves a target architecture.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/config"
)

// Local is the mapping value that selects the host's own builder.
const Local = "local"

var (
	// ErrHostMismatch is returned when a local build is requested for an
	// architecture the host cannot build natively.
	ErrHostMismatch = errors.New("target architecture does not match host")
	// ErrUnknownRemote is returned when a mapping names a remote that is not configured.
	ErrUnknownRemote = errors.New("unknown remote builder")
	// ErrRemoteUnsupported is returned by remote builders.
	ErrRemoteUnsupported = errors.New("remote builds are not supported yet")
)

// Router maps target architectures to builders.
type Router struct {
	Host     arch.Architecture
	Mappings map[arch.Architecture]string
	Remotes  map[string]config.Remote
	Local    build.Builder
}

// New creates a router for the host from cfg.
func New(cfg config.Config, local build.Builder) *Router {
	return &Router{
		Host:     arch.Host(),
		Mappings: cfg.BuilderMappings(),
		Remotes:  cfg.Remotes,
		Local:    local,
	}
}

// Select returns the builder for target. A missing mapping means local.
func (r *Router) Select(target arch.Architecture) (build.Builder, error) {
	if !target.IsValid() {
		return nil, fmt.Errorf("select builder: unsupported architecture %q", target)
	}

	name := r.mapping(target)
	if name == Local {
		if target != r.Host {
			return nil, fmt.Errorf("%w: cannot build %s on a %s host without a remote builder mapping", ErrHostMismatch, target, r.Host)
		}
		if r.Local == nil {
			return nil, errors.New("select builder: no local builder configured")
		}
		return r.Local, nil
	}

	remote, ok := r.Remotes[name]
	if !ok {
		return nil, fmt.Errorf("%w %q for %s", ErrUnknownRemote, name, target)
	}
	return &remoteBuilder{name: name, remote: remote}, nil
}

// Describe explains how target would be built, for status output.
func (r *Router) Describe(target arch.Architecture) string {
	name := r.mapping(target)
	if name == Local {
		if target != r.Host {
			return fmt.Sprintf("local (unavailable: host is %s)", r.Host)
		}
		return "local"
	}
	remote, ok := r.Remotes[name]
	if !ok {
		return fmt.Sprintf("remote %s (not configured)", name)
	}
	return fmt.Sprintf("remote %s (%s)", name, address(remote))
}

func (r *Router) mapping(target arch.Architecture) string {
	name := r.Mappings[target]
	if name == "" {
		return Local
	}
	return name
}

type remoteBuilder struct {
	name   string
	remote config.Remote
}

func (b *remoteBuilder) Build(context.Context, build.Request) (build.Result, error) {
	return build.Result{}, build.NewError(build.KindDependency, build.PhaseNone,
		fmt.Errorf("%w: %s on %s", ErrRemoteUnsupported, b.name, address(b.remote)))
}

// address is host:port of r, defaulting the port to 22.
func address(r config.Remote) string {
	port := r.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(r.Host, strconv.Itoa(port))
}
