package hypervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/kiln/arch"
)

// ErrFirmwareMissing means no UEFI code image exists for an architecture that needs one.
var ErrFirmwareMissing = errors.New("uefi firmware code image not found")

// pflashSize is the size the aarch64 virt machine expects for each flash unit.
const pflashSize = 64 << 20

// FirmwareConfig lists candidate firmware files in priority order.
type FirmwareConfig struct {
	Code []string
	Vars []string
}

// Firmware is a read-only code image and a private writable variable store.
type Firmware struct {
	Code string
	Vars string
}

// RequiresFirmware reports whether target cannot boot without UEFI images.
func RequiresFirmware(target arch.Architecture) bool {
	switch target {
	case arch.ARM64:
		return true
	case arch.X86_64:
		return false
	default:
		return false
	}
}

// ResolveFirmware prepares UEFI images for target inside workDir. It returns
// nil for architectures that boot with the emulator's built-in firmware.
func ResolveFirmware(target arch.Architecture, cfg FirmwareConfig, workDir string) (*Firmware, error) {
	if !RequiresFirmware(target) {
		return nil, nil
	}

	code := firstRegularFile(cfg.Code)
	if code == "" {
		return nil, fmt.Errorf("%w for %s (searched %s)", ErrFirmwareMissing, target, strings.Join(cfg.Code, ", "))
	}

	info, err := os.Stat(code)
	if err != nil {
		return nil, fmt.Errorf("stat firmware code: %w", err)
	}
	if info.Size() < pflashSize {
		padded := filepath.Join(workDir, "efi-code.fd")
		if err := copyPadded(code, padded, pflashSize); err != nil {
			return nil, fmt.Errorf("pad firmware code: %w", err)
		}
		code = padded
	}

	vars := filepath.Join(workDir, "efi-vars.fd")
	if template := firstRegularFile(cfg.Vars); template != "" {
		if err := copyPadded(template, vars, pflashSize); err != nil {
			return nil, fmt.Errorf("copy firmware vars: %w", err)
		}
	} else if err := copyPadded("", vars, pflashSize); err != nil {
		return nil, fmt.Errorf("create firmware vars: %w", err)
	}

	return &Firmware{Code: code, Vars: vars}, nil
}

func firstRegularFile(candidates []string) string {
	for _, path := range candidates {
		if path == "" {
			continue
		}
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path
		}
	}
	return ""
}

// copyPadded copies src (or nothing, when src is empty) into dst and extends
// dst with zeros to at least size bytes.
func copyPadded(src, dst string, size int64) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	var written int64
	if src != "" {
		in, err := os.Open(src)
		if err != nil {
			out.Close()
			return err
		}
		written, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return err
		}
	}

	if written < size {
		if err := out.Truncate(size); err != nil {
			out.Close()
			return err
		}
	}
	return out.Close()
}
