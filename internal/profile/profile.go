package profile

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/kiln/arch"
)

// DefaultName is the profile that exists without any file on disk.
const DefaultName = "default"

// ErrUnknownProfile is returned by Loader.Load when no file defines the name.
var ErrUnknownProfile = errors.New("unknown profile")

//go:embed defaults.yaml
var embeddedDefaults []byte

// Profile is a named bag of answer-file fields and build overrides. The zero
// value is an empty profile; values are never mutated after construction.
type Profile struct {
	Name   string
	fields map[string]any
}

// New copies fields into a Profile.
func New(name string, fields map[string]any) Profile {
	return Profile{Name: name, fields: deepCopyMap(fields)}
}

// Fields returns a copy of the merged field map.
func (p Profile) Fields() map[string]any {
	return deepCopyMap(p.fields)
}

// Empty reports whether the profile has no fields.
func (p Profile) Empty() bool {
	return len(p.fields) == 0
}

// String returns the field as a string, or "" when absent.
func (p Profile) String(key string) string {
	switch v := p.fields[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the field as an int when it holds a number or numeric string.
func (p Profile) Int(key string) (int, bool) {
	switch v := p.fields[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	default:
		return 0, false
	}
}

// Strings returns a list field; a scalar becomes a one-element list.
func (p Profile) Strings(key string) []string {
	switch v := p.fields[key].(type) {
	case nil:
		return nil
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

// Map returns a nested map field.
func (p Profile) Map(key string) map[string]any {
	if m, ok := p.fields[key].(map[string]any); ok {
		return deepCopyMap(m)
	}
	return nil
}

func (p Profile) DiskSize(fallback string) string {
	if size := p.String("disk_size"); size != "" {
		return size
	}
	return fallback
}

func (p Profile) MemoryMB(fallback int) int {
	if n, ok := p.Int("memory"); ok && n > 0 {
		return n
	}
	return fallback
}

func (p Profile) CPUs(fallback int) int {
	if n, ok := p.Int("cpus"); ok && n > 0 {
		return n
	}
	return fallback
}

// SSHTimeout accepts either a Go duration string or a number of seconds.
func (p Profile) SSHTimeout(fallback time.Duration) time.Duration {
	raw := p.String("ssh_timeout")
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func (p Profile) Username(fallback string) string {
	if user := p.String("username"); user != "" {
		return user
	}
	return fallback
}

// Scripts returns the ordered provisioning-script names.
func (p Profile) Scripts() []string {
	return p.Strings("scripts")
}

// Architectures returns the normalized supported architectures. Unknown
// entries are dropped.
func (p Profile) Architectures() []arch.Architecture {
	var out []arch.Architecture
	for _, raw := range p.Strings("architectures") {
		if a := arch.Normalize(raw); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Supports reports whether the profile may be built for a. A profile without an
// architecture list supports every architecture.
func (p Profile) Supports(a arch.Architecture) bool {
	if _, declared := p.fields["architectures"]; !declared {
		return true
	}
	for _, candidate := range p.Architectures() {
		if candidate == a {
			return true
		}
	}
	return false
}

// Loader resolves profile names against YAML files in Dirs, merged over the
// built-in defaults. Earlier directories win.
type Loader struct {
	Dirs     []string
	Defaults map[string]any
}

// Resolve returns the merged field map for name, or an empty map when no file
// defines it.
func (l Loader) Resolve(name string) (map[string]any, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	defaults, err := l.defaults()
	if err != nil {
		return nil, err
	}

	overlay, found, err := l.readProfile(name)
	if err != nil {
		return nil, err
	}
	if !found {
		if name == DefaultName {
			return defaults, nil
		}
		return map[string]any{}, nil
	}
	return mergeMaps(defaults, overlay), nil
}

// Load is Resolve plus ErrUnknownProfile for names nothing defines.
func (l Loader) Load(name string) (Profile, error) {
	fields, err := l.Resolve(name)
	if err != nil {
		return Profile{}, err
	}
	if len(fields) == 0 {
		return Profile{}, fmt.Errorf("%w %q (searched %s)", ErrUnknownProfile, name, strings.Join(l.Dirs, ", "))
	}
	return New(name, fields), nil
}

func (l Loader) defaults() (map[string]any, error) {
	if l.Defaults != nil {
		return deepCopyMap(l.Defaults), nil
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(embeddedDefaults, &out); err != nil {
		return nil, fmt.Errorf("parse built-in profile defaults: %w", err)
	}
	return out, nil
}

func (l Loader) readProfile(name string) (map[string]any, bool, error) {
	for _, dir := range l.Dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, name+ext)
			data, err := os.ReadFile(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, false, fmt.Errorf("read profile %s: %w", path, err)
			}
			out := map[string]any{}
			if err := yaml.Unmarshal(data, &out); err != nil {
				return nil, false, fmt.Errorf("parse profile %s: %w", path, err)
			}
			return out, true, nil
		}
	}
	return nil, false, nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("profile name is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid profile name %q", name)
	}
	return nil
}

// mergeMaps overlays b onto a. Nested maps merge, everything else replaces.
func mergeMaps(a, b map[string]any) map[string]any {
	out := deepCopyMap(a)
	for key, value := range b {
		if nested, ok := value.(map[string]any); ok {
			if existing, ok := out[key].(map[string]any); ok {
				out[key] = mergeMaps(existing, nested)
				continue
			}
		}
		out[key] = deepCopyValue(value)
	}
	return out
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = deepCopyValue(value)
	}
	return out
}

func deepCopyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return deepCopyMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	default:
		return v
	}
}
