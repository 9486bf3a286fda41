package hypervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/kiln/arch"
)

// fakeQemuImg writes a shell script that stands in for qemu-img.
func fakeQemuImg(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qemu-img")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake qemu-img: %v", err)
	}
	return path
}

func TestCreateDiskPassesArguments(t *testing.T) {
	t.Parallel()

	argsFile := filepath.Join(t.TempDir(), "args")
	tool := fakeQemuImg(t, `echo "$@" > `+argsFile)
	q := &Qemu{Tools: Tools{QemuImg: tool}}

	if err := q.CreateDisk(context.Background(), "/work/disk.qcow2", FormatQCOW2, "20G"); err != nil {
		t.Fatalf("CreateDisk() error = %v", err)
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "create -q -f qcow2 /work/disk.qcow2 20G" {
		t.Fatalf("unexpected qemu-img arguments %q", got)
	}
}

func TestCreateDiskSurfacesToolDiagnostic(t *testing.T) {
	t.Parallel()

	tool := fakeQemuImg(t, `echo "qemu-img: Invalid image size specified" >&2; exit 1`)
	q := &Qemu{Tools: Tools{QemuImg: tool}}

	err := q.CreateDisk(context.Background(), "/work/disk.qcow2", FormatQCOW2, "lots")
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("CreateDisk() error = %v, want *ToolError", err)
	}
	if !strings.Contains(toolErr.Output, "Invalid image size specified") {
		t.Fatalf("expected qemu-img diagnostic in error, got %q", toolErr.Output)
	}
	if !strings.Contains(err.Error(), "Invalid image size specified") {
		t.Fatalf("error string should carry diagnostic: %v", err)
	}

	if err := q.CreateDisk(context.Background(), "/work/disk.qcow2", FormatQCOW2, ""); err == nil {
		t.Fatal("CreateDisk() expected error for empty size")
	}
}

func TestInfoParsesJSON(t *testing.T) {
	t.Parallel()

	tool := fakeQemuImg(t, `cat <<'JSON'
{
    "virtual-size": 21474836480,
    "filename": "disk.qcow2",
    "format": "qcow2",
    "actual-size": 1966080,
    "dirty-flag": false
}
JSON`)
	q := &Qemu{Tools: Tools{QemuImg: tool}}

	info, err := q.Info(context.Background(), "disk.qcow2")
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.VirtualSize != 21474836480 || info.ActualSize != 1966080 || info.Format != "qcow2" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestConvertAndResizeFailLoudly(t *testing.T) {
	t.Parallel()

	tool := fakeQemuImg(t, `echo "qemu-img: Could not open 'src': No such file" >&2; exit 1`)
	q := &Qemu{Tools: Tools{QemuImg: tool}}

	if err := q.Convert(context.Background(), "src", "dst", FormatRaw); err == nil || !strings.Contains(err.Error(), "Could not open") {
		t.Fatalf("Convert() error = %v, want tool diagnostic", err)
	}
	if err := q.Resize(context.Background(), "src", "+5G"); err == nil || !strings.Contains(err.Error(), "Could not open") {
		t.Fatalf("Resize() error = %v, want tool diagnostic", err)
	}
}

func TestPreflightReportsMissingTool(t *testing.T) {
	t.Parallel()

	q := &Qemu{Tools: Tools{QemuImg: filepath.Join(t.TempDir(), "no-such-qemu-img")}}
	err := q.Preflight(arch.X86_64)
	var missing *MissingToolError
	if !errors.As(err, &missing) {
		t.Fatalf("Preflight() error = %v, want *MissingToolError", err)
	}
}
