// Package manager resolves build requests and serves the image cache to the CLI.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/hypervisor"
	"github.com/cochaviz/kiln/internal/iso"
	"github.com/cochaviz/kiln/internal/profile"
)

// ErrNoImage is returned when no image is registered for a profile and architecture.
var ErrNoImage = errors.New("no image found")

// ProfileLoader resolves profile names.
type ProfileLoader interface {
	Load(name string) (profile.Profile, error)
}

// ScriptResolver resolves provisioning-script names for a profile.
type ScriptResolver interface {
	Resolve(profileName string, names []string) ([]profile.Script, []string, error)
}

// SourceResolver finds the installer medium for an architecture.
type SourceResolver interface {
	Resolve(a arch.Architecture) (iso.SourceImage, error)
}

// BuilderSelector picks the builder for an architecture.
type BuilderSelector interface {
	Select(target arch.Architecture) (build.Builder, error)
	Describe(target arch.Architecture) string
}

// DiskTool converts and inspects cached images.
type DiskTool interface {
	Accelerate(target arch.Architecture) (hypervisor.Acceleration, error)
	Convert(ctx context.Context, src, dst string, format hypervisor.DiskFormat) error
	Resize(ctx context.Context, path, size string) error
}

// Manager ties profile, script and source resolution to the router and the registry.
type Manager struct {
	Logger   *slog.Logger
	Host     arch.Architecture
	ImageDir string
	Profiles ProfileLoader
	Scripts  ScriptResolver
	Sources  SourceResolver
	Router   BuilderSelector
	Registry *cache.Registry
	Disks    DiskTool
}

// Plan is the outcome of a dry run.
type Plan struct {
	Profile    string
	Arch       arch.Architecture
	Supported  bool
	Builder    string
	Source     *iso.SourceImage
	Scripts    []profile.Script
	Missing    []string
	CacheKey   string
	CachedPath string
	Warnings   []string
}

// Hit reports whether a build would be served from the cache.
func (p Plan) Hit() bool {
	return p.CachedPath != ""
}

// RunOptions tune Run.
type RunOptions struct {
	// Force rebuilds even when a cached image matches.
	Force bool
}

// Outcome describes a completed Run.
type Outcome struct {
	Hit       bool
	Entry     cache.Entry
	SessionID string
	Duration  time.Duration
	Missing   []string
}

// Plan runs every resolution step without side effects. Problems that would
// stop a real build become warnings; only an unusable profile or architecture
// is an error.
func (m *Manager) Plan(_ context.Context, name, archFlag string) (Plan, error) {
	prof, target, err := m.resolveProfile(name, archFlag)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{Profile: prof.Name, Arch: target, Supported: prof.Supports(target)}
	if !plan.Supported {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("profile %s does not list %s in its architectures", prof.Name, target))
	}

	if _, err := m.Router.Select(target); err != nil {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("builder: %v", err))
	}
	plan.Builder = m.Router.Describe(target)

	scripts, missing, err := m.Scripts.Resolve(prof.Name, prof.Scripts())
	if err != nil {
		return Plan{}, build.NewError(build.KindConfiguration, build.PhaseNone, err)
	}
	plan.Scripts, plan.Missing = scripts, missing
	for _, name := range missing {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("script %s not found; it will be skipped", name))
	}

	source, err := m.Sources.Resolve(target)
	switch {
	case err == nil:
		plan.Source = &source
		plan.CacheKey = cache.Key(prof.Fields(), profile.Digests(scripts), source.Checksum, target)
		plan.CachedPath = m.Registry.CachedImage(prof.Name, target, plan.CacheKey)
	case errors.Is(err, iso.ErrNotDownloaded):
		plan.Warnings = append(plan.Warnings, err.Error())
	default:
		return Plan{}, build.NewError(build.KindDependency, build.PhaseNone, err)
	}
	return plan, nil
}

// Run builds name for the requested architecture unless a matching image is
// already cached.
func (m *Manager) Run(ctx context.Context, name, archFlag string, opts RunOptions) (Outcome, error) {
	prof, target, err := m.resolveProfile(name, archFlag)
	if err != nil {
		return Outcome{}, err
	}
	logger := m.logger().With("profile", prof.Name, "arch", target)

	if !prof.Supports(target) {
		return Outcome{}, build.NewError(build.KindConfiguration, build.PhaseNone,
			fmt.Errorf("profile %s does not support %s (architectures: %v)", prof.Name, target, prof.Architectures()))
	}

	scripts, missing, err := m.Scripts.Resolve(prof.Name, prof.Scripts())
	if err != nil {
		return Outcome{}, build.NewError(build.KindConfiguration, build.PhaseNone, err)
	}
	for _, name := range missing {
		logger.Warn("provisioning script not found; skipping", "script", name)
	}

	builder, err := m.Router.Select(target)
	if err != nil {
		return Outcome{}, build.NewError(build.KindConfiguration, build.PhaseNone, err)
	}

	source, err := m.Sources.Resolve(target)
	if err != nil {
		return Outcome{}, build.NewError(build.KindDependency, build.PhaseNone, err)
	}

	key := cache.Key(prof.Fields(), profile.Digests(scripts), source.Checksum, target)
	logger = logger.With("cache_key", key)

	if !opts.Force {
		if path := m.Registry.CachedImage(prof.Name, target, key); path != "" {
			entry, ok, err := m.Registry.Lookup(prof.Name, target)
			if err == nil && ok {
				logger.Info("using cached image", "path", path)
				return Outcome{Hit: true, Entry: entry, Missing: missing}, nil
			}
		}
	} else {
		logger.Info("cache lookup skipped")
	}

	logger.Info("cache miss; building image", "source", source.Path)
	res, err := builder.Build(ctx, build.Request{
		Profile:  prof,
		Arch:     target,
		Source:   source,
		Scripts:  scripts,
		CacheKey: key,
		ImageDir: m.ImageDir,
	})
	if err != nil {
		return Outcome{}, err
	}
	logger.Info("image built", "path", res.Entry.Path, "duration", res.Duration.Round(time.Second))
	return Outcome{Entry: res.Entry, SessionID: res.SessionID, Duration: res.Duration, Missing: missing}, nil
}

// List returns every registered image ordered by key.
func (m *Manager) List() ([]cache.Entry, error) {
	return m.Registry.Entries()
}

// Show returns the registered image for name and the requested architecture.
func (m *Manager) Show(name, archFlag string) (cache.Entry, error) {
	target, err := m.parseArch(archFlag)
	if err != nil {
		return cache.Entry{}, err
	}
	entry, ok, err := m.Registry.Lookup(name, target)
	if err != nil {
		return cache.Entry{}, err
	}
	if !ok {
		return cache.Entry{}, fmt.Errorf("%w for %s", ErrNoImage, cache.EntryKey(name, target))
	}
	return entry, nil
}

// CleanMode selects what Clean removes.
type CleanMode int

const (
	// CleanOrphaned drops entries whose image file is gone.
	CleanOrphaned CleanMode = iota
	// CleanAll deletes every image and entry.
	CleanAll
)

// Clean prunes the registry and returns the removed keys.
func (m *Manager) Clean(mode CleanMode) ([]string, error) {
	switch mode {
	case CleanOrphaned:
		return m.Registry.CleanOrphaned()
	case CleanAll:
		return m.Registry.CleanAll()
	default:
		return nil, fmt.Errorf("unknown clean mode %d", mode)
	}
}

// ArchStatus describes how one architecture would be built.
type ArchStatus struct {
	Arch        arch.Architecture
	Builder     string
	Accelerator string
}

// Status summarises the host and the cache.
type Status struct {
	Host         arch.Architecture
	ImageDir     string
	CachedImages int
	Arches       []ArchStatus
}

// Status reports the host architecture, the builder for every supported
// architecture and the number of cached images.
func (m *Manager) Status() (Status, error) {
	entries, err := m.Registry.Entries()
	if err != nil {
		return Status{}, err
	}

	status := Status{Host: m.host(), ImageDir: m.ImageDir, CachedImages: len(entries)}
	for _, a := range arch.Supported() {
		row := ArchStatus{Arch: a, Builder: m.Router.Describe(a)}
		accel, err := m.Disks.Accelerate(a)
		if err != nil {
			row.Accelerator = "unavailable: " + err.Error()
		} else {
			row.Accelerator = fmt.Sprintf("%s (%s)", accel.Mode, accel.Tier)
		}
		status.Arches = append(status.Arches, row)
	}
	return status, nil
}

// ExportOptions describe where and how a cached image is written.
type ExportOptions struct {
	Profile string
	Arch    string
	Dest    string
	Format  string
	Size    string
}

// Export converts the cached image to Dest and records the deployment.
func (m *Manager) Export(ctx context.Context, opts ExportOptions) (cache.Deployment, error) {
	entry, err := m.Show(opts.Profile, opts.Arch)
	if err != nil {
		return cache.Deployment{}, err
	}
	format, err := hypervisor.ParseDiskFormat(opts.Format)
	if err != nil {
		return cache.Deployment{}, err
	}
	if strings.TrimSpace(opts.Dest) == "" {
		return cache.Deployment{}, errors.New("export destination is required")
	}

	dest, err := filepath.Abs(opts.Dest)
	if err != nil {
		return cache.Deployment{}, fmt.Errorf("resolve destination: %w", err)
	}
	if dest == entry.Path {
		return cache.Deployment{}, fmt.Errorf("refusing to export %s onto itself", entry.Key())
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return cache.Deployment{}, fmt.Errorf("create destination directory: %w", err)
	}

	logger := m.logger().With("image", entry.Key(), "dest", dest, "format", format)
	logger.Info("exporting image")
	if err := m.Disks.Convert(ctx, entry.Path, dest, format); err != nil {
		return cache.Deployment{}, err
	}
	if opts.Size != "" {
		if err := m.Disks.Resize(ctx, dest, opts.Size); err != nil {
			_ = os.Remove(dest)
			return cache.Deployment{}, err
		}
	}

	deployment := cache.Deployment{Target: dest, TargetKind: "file", DeployedAt: time.Now().UTC()}
	if err := m.Registry.RecordDeployment(entry.Profile, entry.Arch, deployment); err != nil {
		return cache.Deployment{}, err
	}
	logger.Info("image exported")
	return deployment, nil
}

func (m *Manager) resolveProfile(name, archFlag string) (profile.Profile, arch.Architecture, error) {
	target, err := m.parseArch(archFlag)
	if err != nil {
		return profile.Profile{}, "", err
	}
	prof, err := m.Profiles.Load(strings.TrimSpace(name))
	if err != nil {
		return profile.Profile{}, "", build.NewError(build.KindConfiguration, build.PhaseNone, err)
	}
	return prof, target, nil
}

// parseArch normalizes the --arch flag, defaulting to the host.
func (m *Manager) parseArch(value string) (arch.Architecture, error) {
	if strings.TrimSpace(value) == "" {
		return m.host(), nil
	}
	target, err := arch.Parse(value)
	if err != nil {
		return "", build.NewError(build.KindConfiguration, build.PhaseNone, err)
	}
	return target, nil
}

func (m *Manager) host() arch.Architecture {
	if m.Host != "" {
		return m.Host
	}
	return arch.Host()
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
