package build

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/kiln/arch"
)

// InstallerPaths returns where the Debian installer keeps its netboot kernel
// and initrd for target. Non-empty override fields replace the defaults.
func InstallerPaths(target arch.Architecture, overrides BootFiles) (BootFiles, error) {
	var paths BootFiles
	switch target {
	case arch.X86_64:
		paths = BootFiles{Kernel: "install.amd/vmlinuz", Initrd: "install.amd/initrd.gz"}
	case arch.ARM64:
		paths = BootFiles{Kernel: "install.a64/vmlinuz", Initrd: "install.a64/initrd.gz"}
	default:
		return BootFiles{}, fmt.Errorf("no installer layout for architecture %q", target)
	}
	if overrides.Kernel != "" {
		paths.Kernel = strings.TrimPrefix(overrides.Kernel, "/")
	}
	if overrides.Initrd != "" {
		paths.Initrd = strings.TrimPrefix(overrides.Initrd, "/")
	}
	return paths, nil
}

// ExtractBootFiles copies the installer kernel and initrd from the ISO at
// isoPath into destDir.
func ExtractBootFiles(isoPath string, target arch.Architecture, overrides BootFiles, destDir string) (BootFiles, error) {
	paths, err := InstallerPaths(target, overrides)
	if err != nil {
		return BootFiles{}, err
	}

	f, err := os.Open(isoPath)
	if err != nil {
		return BootFiles{}, fmt.Errorf("open install medium: %w", err)
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		return BootFiles{}, fmt.Errorf("read iso9660 image %s: %w", isoPath, err)
	}
	root, err := image.RootDir()
	if err != nil {
		return BootFiles{}, fmt.Errorf("read iso9660 root: %w", err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return BootFiles{}, fmt.Errorf("create boot dir: %w", err)
	}

	kernel := filepath.Join(destDir, path.Base(paths.Kernel))
	if err := extractISOFile(root, paths.Kernel, kernel); err != nil {
		return BootFiles{}, err
	}
	initrd := filepath.Join(destDir, path.Base(paths.Initrd))
	if initrd == kernel {
		initrd += ".initrd"
	}
	if err := extractISOFile(root, paths.Initrd, initrd); err != nil {
		return BootFiles{}, err
	}

	return BootFiles{Kernel: kernel, Initrd: initrd}, nil
}

func extractISOFile(root *iso9660.File, rel, dest string) error {
	file, err := findISOFile(root, rel)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, file.Reader()); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", rel, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dest, err)
	}
	return nil
}

func findISOFile(root *iso9660.File, rel string) (*iso9660.File, error) {
	segments := isoSplitPath(rel)
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrBootFileNotFound)
	}

	current := root
	for i, segment := range segments {
		last := i == len(segments)-1
		children, err := current.GetChildren()
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", path.Join(segments[:i]...), err)
		}

		var next *iso9660.File
		for _, child := range children {
			// Intermediate segments must be directories and the last one a file.
			if child.IsDir() == last {
				continue
			}
			if isoNameMatches(child.Name(), segment, !last) {
				next = child
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %s", ErrBootFileNotFound, rel)
		}
		current = next
	}
	return current, nil
}
