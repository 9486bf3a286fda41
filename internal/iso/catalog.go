// Package iso resolves the installer medium for an architecture from the local
// ISO directory. Downloading is handled elsewhere; this package only looks.
package iso

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/kiln/arch"
)

// CatalogFile is the index the downloader maintains inside the ISO directory.
const CatalogFile = "catalog.yaml"

// ErrNotDownloaded means no usable medium exists locally for the architecture.
var ErrNotDownloaded = errors.New("source image not downloaded")

// SourceImage references one boot medium on disk.
type SourceImage struct {
	Key      string            `json:"key"`
	Arch     arch.Architecture `json:"arch"`
	Path     string            `json:"path"`
	Checksum string            `json:"checksum"`
}

type catalogEntry struct {
	Key      string `yaml:"key"`
	Arch     string `yaml:"arch"`
	Filename string `yaml:"filename"`
	SHA256   string `yaml:"sha256"`
}

type catalogDocument struct {
	Images []catalogEntry `yaml:"images"`
}

// Catalog reads Dir/catalog.yaml.
type Catalog struct {
	Dir string
}

// Resolve returns the first catalog entry for a whose file exists. Entries
// without a recorded checksum are hashed.
func (c Catalog) Resolve(a arch.Architecture) (SourceImage, error) {
	doc, err := c.read()
	if err != nil {
		return SourceImage{}, err
	}

	for _, entry := range doc.Images {
		if arch.Normalize(entry.Arch) != a {
			continue
		}
		path := entry.Filename
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.Dir, path)
		}

		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return SourceImage{}, fmt.Errorf("stat source image %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}

		checksum := strings.ToLower(strings.TrimSpace(entry.SHA256))
		if checksum == "" {
			if checksum, err = fileSHA256(path); err != nil {
				return SourceImage{}, err
			}
		}

		key := entry.Key
		if key == "" {
			key = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		return SourceImage{Key: key, Arch: a, Path: path, Checksum: checksum}, nil
	}

	return SourceImage{}, fmt.Errorf("%w for %s in %s", ErrNotDownloaded, a, c.Dir)
}

func (c Catalog) read() (catalogDocument, error) {
	var doc catalogDocument
	path := filepath.Join(c.Dir, CatalogFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("read iso catalog: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse iso catalog %s: %w", path, err)
	}
	return doc, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open source image: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash source image: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
