package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultScriptName is the fallback file looked up when no profile-specific
// script exists.
const DefaultScriptName = "default"

// Script is one resolved provisioning step. Content is read once.
type Script struct {
	Name    string
	Path    string
	Content []byte
	Digest  string
}

// ScriptResolver finds provisioning scripts under Dirs, project-local first.
//
// For a script named n and profile p the candidates are <dir>/n/p.sh across all
// dirs, then <dir>/n/default.sh across all dirs.
type ScriptResolver struct {
	Dirs []string
}

// Resolve returns the scripts in the requested order and the names that could
// not be found.
func (r ScriptResolver) Resolve(profileName string, names []string) ([]Script, []string, error) {
	var (
		scripts []Script
		missing []string
	)

	for _, name := range names {
		if name == "" || filepath.Base(name) != name {
			return nil, nil, fmt.Errorf("invalid script name %q", name)
		}

		path, err := r.locate(profileName, name)
		if err != nil {
			return nil, nil, err
		}
		if path == "" {
			missing = append(missing, name)
			continue
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("read script %s: %w", path, err)
		}
		sum := sha256.Sum256(content)
		scripts = append(scripts, Script{
			Name:    name,
			Path:    path,
			Content: content,
			Digest:  hex.EncodeToString(sum[:]),
		})
	}

	return scripts, missing, nil
}

func (r ScriptResolver) locate(profileName, name string) (string, error) {
	for _, base := range []string{profileName, DefaultScriptName} {
		for _, dir := range r.Dirs {
			path := filepath.Join(dir, name, base+".sh")
			info, err := os.Stat(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return "", fmt.Errorf("stat script %s: %w", path, err)
			}
			if info.Mode().IsRegular() {
				return path, nil
			}
		}
	}
	return "", nil
}

// Digests returns the script digests in order.
func Digests(scripts []Script) []string {
	out := make([]string, 0, len(scripts))
	for _, s := range scripts {
		out = append(out, s.Digest)
	}
	return out
}
