package qemu

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/hypervisor"
)

// fakeSystem installs a stand-in for qemu-system-x86_64 that ignores its
// arguments and runs body.
func fakeSystem(t *testing.T, body string) *hypervisor.Qemu {
	t.Helper()
	dir := t.TempDir()
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(filepath.Join(dir, "fake-qemu-x86_64"), []byte(script), 0o755); err != nil {
		t.Fatalf("write fake qemu: %v", err)
	}
	return &hypervisor.Qemu{
		Tools: hypervisor.Tools{SystemPrefix: filepath.Join(dir, "fake-qemu-")},
		Host:  hypervisor.HostInfo{Arch: arch.X86_64, OS: "linux"},
	}
}

func machineConfig(t *testing.T) build.MachineConfig {
	return build.MachineConfig{
		Name:     "default-x86_64-installer",
		Arch:     arch.X86_64,
		MemoryMB: 512,
		CPUs:     1,
		Disk:     filepath.Join(t.TempDir(), "disk.qcow2"),
		NoReboot: true,
	}
}

func TestLaunchedMachineReportsStillRunning(t *testing.T) {
	t.Parallel()

	h := New(fakeSystem(t, "exec sleep 30"), hypervisor.FirmwareConfig{})
	m, err := h.Launch(context.Background(), machineConfig(t))
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer m.Kill()

	if m.PID() <= 0 {
		t.Fatalf("PID() = %d", m.PID())
	}
	err = m.Wait(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, build.ErrMachineRunning) {
		t.Fatalf("Wait() error = %v, want build.ErrMachineRunning", err)
	}
	if err := m.Kill(); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
}

func TestLaunchedMachineCleanExit(t *testing.T) {
	t.Parallel()

	h := New(fakeSystem(t, "exit 0"), hypervisor.FirmwareConfig{})
	m, err := h.Launch(context.Background(), machineConfig(t))
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if err := m.Wait(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestPrepareFirmware(t *testing.T) {
	t.Parallel()

	h := New(fakeSystem(t, "exit 0"), hypervisor.FirmwareConfig{
		Code: []string{filepath.Join(t.TempDir(), "missing-code.fd")},
	})

	fw, err := h.PrepareFirmware(arch.X86_64, t.TempDir())
	if err != nil || fw != nil {
		t.Fatalf("PrepareFirmware(x86_64) = %v, %v; want nil, nil", fw, err)
	}

	if _, err := h.PrepareFirmware(arch.ARM64, t.TempDir()); !errors.Is(err, hypervisor.ErrFirmwareMissing) {
		t.Fatalf("PrepareFirmware(arm64) error = %v, want ErrFirmwareMissing", err)
	}

	code := filepath.Join(t.TempDir(), "code.fd")
	if err := os.WriteFile(code, make([]byte, 1024), 0o644); err != nil {
		t.Fatalf("write code: %v", err)
	}
	h.Firmware = hypervisor.FirmwareConfig{Code: []string{code}}
	workDir := t.TempDir()
	fw, err = h.PrepareFirmware(arch.ARM64, workDir)
	if err != nil {
		t.Fatalf("PrepareFirmware(arm64) error = %v", err)
	}
	if filepath.Dir(fw.Vars) != workDir {
		t.Fatalf("vars %q not inside work dir %q", fw.Vars, workDir)
	}
}
