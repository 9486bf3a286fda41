package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/kiln/arch"
)

// RegistryVersion is written into every registry file.
const RegistryVersion = 1

// Deployment records one time an image was written somewhere.
type Deployment struct {
	Target     string    `json:"target"`
	TargetKind string    `json:"target_kind"`
	DeployedAt time.Time `json:"deployed_at"`
}

// Entry is the durable record of one built image.
type Entry struct {
	Profile     string            `json:"profile"`
	Arch        arch.Architecture `json:"arch"`
	Path        string            `json:"path"`
	Filename    string            `json:"filename"`
	SourceImage string            `json:"source_image"`
	CacheKey    string            `json:"cache_key"`
	BuildTime   time.Time         `json:"build_time"`
	Size        int64             `json:"size"`
	Deployments []Deployment      `json:"deployments"`
}

// Key returns the registry key for the entry.
func (e Entry) Key() string {
	return EntryKey(e.Profile, e.Arch)
}

// EntryKey formats the registry key for a (profile, architecture) pair.
func EntryKey(profile string, a arch.Architecture) string {
	return profile + "-" + string(a)
}

type document struct {
	Version int              `json:"version"`
	Images  map[string]Entry `json:"images"`
}

// Registry persists image metadata in a single JSON file. Mutations hold an
// exclusive lock on a sibling lock file and replace the file by rename.
type Registry struct {
	Path string
}

// NewRegistry returns a registry backed by path.
func NewRegistry(path string) *Registry {
	return &Registry{Path: path}
}

// Entries lists all entries sorted by key.
func (r *Registry) Entries() ([]Entry, error) {
	doc, err := r.load()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(doc.Images))
	for key := range doc.Images {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		out = append(out, doc.Images[key])
	}
	return out, nil
}

// Lookup returns the entry for the pair.
func (r *Registry) Lookup(profile string, a arch.Architecture) (Entry, bool, error) {
	doc, err := r.load()
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok := doc.Images[EntryKey(profile, a)]
	return entry, ok, nil
}

// CachedImage returns the image path when the pair is registered with key and
// the file still exists. Every other outcome, including an unreadable
// registry, is a miss.
func (r *Registry) CachedImage(profile string, a arch.Architecture, key string) string {
	entry, ok, err := r.Lookup(profile, a)
	if err != nil || !ok {
		return ""
	}
	if key == "" || entry.CacheKey != key {
		return ""
	}
	info, err := os.Stat(entry.Path)
	if err != nil || !info.Mode().IsRegular() {
		return ""
	}
	return entry.Path
}

// Register stores entry, replacing any previous entry for the same pair.
func (r *Registry) Register(entry Entry) error {
	if entry.Profile == "" || !entry.Arch.IsValid() {
		return fmt.Errorf("register: invalid entry %q", entry.Key())
	}
	if entry.Path == "" || entry.CacheKey == "" {
		return fmt.Errorf("register %s: path and cache key are required", entry.Key())
	}
	if entry.Filename == "" {
		entry.Filename = filepath.Base(entry.Path)
	}
	if entry.BuildTime.IsZero() {
		entry.BuildTime = time.Now().UTC()
	}
	if entry.Deployments == nil {
		entry.Deployments = []Deployment{}
	}

	return r.update(func(doc *document) error {
		doc.Images[entry.Key()] = entry
		return nil
	})
}

// RecordDeployment appends a deployment to an existing entry.
func (r *Registry) RecordDeployment(profile string, a arch.Architecture, deployment Deployment) error {
	if deployment.DeployedAt.IsZero() {
		deployment.DeployedAt = time.Now().UTC()
	}
	return r.update(func(doc *document) error {
		key := EntryKey(profile, a)
		entry, ok := doc.Images[key]
		if !ok {
			return fmt.Errorf("no image registered for %s", key)
		}
		entry.Deployments = append(entry.Deployments, deployment)
		doc.Images[key] = entry
		return nil
	})
}

// CleanOrphaned drops entries whose image file no longer exists and returns
// their keys.
func (r *Registry) CleanOrphaned() ([]string, error) {
	var removed []string
	err := r.update(func(doc *document) error {
		for key, entry := range doc.Images {
			if _, err := os.Stat(entry.Path); errors.Is(err, fs.ErrNotExist) {
				delete(doc.Images, key)
				removed = append(removed, key)
			}
		}
		return nil
	})
	sort.Strings(removed)
	return removed, err
}

// CleanAll deletes every image file and entry. Entries whose file could not be
// removed stay registered.
func (r *Registry) CleanAll() ([]string, error) {
	var (
		removed []string
		errs    []error
	)
	err := r.update(func(doc *document) error {
		for key, entry := range doc.Images {
			if err := os.Remove(entry.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("remove %s: %w", entry.Path, err))
				continue
			}
			delete(doc.Images, key)
			removed = append(removed, key)
		}
		return nil
	})
	sort.Strings(removed)
	return removed, errors.Join(append(errs, err)...)
}

func (r *Registry) load() (document, error) {
	doc := document{Version: RegistryVersion, Images: map[string]Entry{}}
	data, err := os.ReadFile(r.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("read registry: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse registry %s: %w", r.Path, err)
	}
	if doc.Images == nil {
		doc.Images = map[string]Entry{}
	}
	return doc, nil
}

func (r *Registry) update(mutate func(*document) error) error {
	if r.Path == "" {
		return errors.New("registry path is not configured")
	}
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	unlock, err := lockFile(r.Path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	if err := mutate(&doc); err != nil {
		return err
	}
	doc.Version = RegistryVersion
	return writeAtomic(r.Path, doc)
}

func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open registry lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock registry: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func writeAtomic(path string, doc document) error {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(append(payload, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync registry temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod registry temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}
