package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// DiskFormat is a qemu-img image format.
type DiskFormat string

const (
	FormatQCOW2 DiskFormat = "qcow2"
	FormatRaw   DiskFormat = "raw"
	FormatVMDK  DiskFormat = "vmdk"
	FormatVDI   DiskFormat = "vdi"
	FormatVHDX  DiskFormat = "vhdx"
)

// ParseDiskFormat validates a user supplied format name.
func ParseDiskFormat(value string) (DiskFormat, error) {
	switch f := DiskFormat(strings.ToLower(strings.TrimSpace(value))); f {
	case FormatQCOW2, FormatRaw, FormatVMDK, FormatVDI, FormatVHDX:
		return f, nil
	case "":
		return FormatQCOW2, nil
	default:
		return "", fmt.Errorf("unsupported disk format %q", value)
	}
}

// ImageInfo is the subset of `qemu-img info --output=json` kiln reports.
type ImageInfo struct {
	Filename        string `json:"filename"`
	Format          string `json:"format"`
	VirtualSize     int64  `json:"virtual-size"`
	ActualSize      int64  `json:"actual-size"`
	BackingFilename string `json:"backing-filename,omitempty"`
}

// ToolError carries the external tool's own diagnostic output.
type ToolError struct {
	Tool   string
	Args   []string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	output := strings.TrimSpace(e.Output)
	if output == "" {
		return fmt.Sprintf("%s %s: %v", e.Tool, strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s %s: %v (output: %s)", e.Tool, strings.Join(e.Args, " "), e.Err, output)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// MissingToolError reports a binary that is not on PATH.
type MissingToolError struct {
	Name string
	Err  error
}

func (e *MissingToolError) Error() string {
	return fmt.Sprintf("%s not found: %v", e.Name, e.Err)
}

func (e *MissingToolError) Unwrap() error {
	return e.Err
}

// CreateDisk creates a blank image. size uses qemu-img syntax such as "20G".
func (q *Qemu) CreateDisk(ctx context.Context, path string, format DiskFormat, size string) error {
	if strings.TrimSpace(size) == "" {
		return fmt.Errorf("create disk %s: size is required", path)
	}
	_, err := q.qemuImg(ctx, "create", "-q", "-f", string(format), path, size)
	return err
}

// Info inspects an image.
func (q *Qemu) Info(ctx context.Context, path string) (ImageInfo, error) {
	out, err := q.qemuImg(ctx, "info", "--output=json", path)
	if err != nil {
		return ImageInfo{}, err
	}
	var info ImageInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return ImageInfo{}, fmt.Errorf("decode qemu-img info for %s: %w", path, err)
	}
	return info, nil
}

// Convert writes src to dst in format.
func (q *Qemu) Convert(ctx context.Context, src, dst string, format DiskFormat) error {
	_, err := q.qemuImg(ctx, "convert", "-O", string(format), src, dst)
	return err
}

// Resize grows or shrinks path. Shrinking needs an explicit "--shrink" from qemu-img,
// which kiln never passes.
func (q *Qemu) Resize(ctx context.Context, path, size string) error {
	_, err := q.qemuImg(ctx, "resize", "-q", path, size)
	return err
}

func (q *Qemu) qemuImg(ctx context.Context, args ...string) ([]byte, error) {
	tool := q.Tools.qemuImg()
	cmd := exec.CommandContext(ctx, tool, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	q.logger().Debug("running qemu-img", "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		output := stderr.String()
		if strings.TrimSpace(output) == "" {
			output = stdout.String()
		}
		return nil, &ToolError{Tool: tool, Args: args, Output: output, Err: err}
	}
	return stdout.Bytes(), nil
}
