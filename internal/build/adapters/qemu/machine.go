// Package qemu binds internal/hypervisor to the build orchestrator.
package qemu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/hypervisor"
)

// Ensure Hypervisor implements the build.Hypervisor interface.
var _ build.Hypervisor = (*Hypervisor)(nil)

// Hypervisor runs build machines as detached qemu-system processes.
type Hypervisor struct {
	Qemu     *hypervisor.Qemu
	Firmware hypervisor.FirmwareConfig
}

// New returns a Hypervisor backed by q.
func New(q *hypervisor.Qemu, firmware hypervisor.FirmwareConfig) *Hypervisor {
	return &Hypervisor{Qemu: q, Firmware: firmware}
}

func (h *Hypervisor) Preflight(target arch.Architecture) error {
	return h.Qemu.Preflight(target)
}

func (h *Hypervisor) CreateDisk(ctx context.Context, path, size string) error {
	return h.Qemu.CreateDisk(ctx, path, hypervisor.FormatQCOW2, size)
}

func (h *Hypervisor) PrepareFirmware(target arch.Architecture, workDir string) (*build.Firmware, error) {
	fw, err := hypervisor.ResolveFirmware(target, h.Firmware, workDir)
	if err != nil || fw == nil {
		return nil, err
	}
	return &build.Firmware{Code: fw.Code, Vars: fw.Vars}, nil
}

func (h *Hypervisor) ReservePort() (int, error) {
	return hypervisor.FreePort()
}

func (h *Hypervisor) Launch(ctx context.Context, cfg build.MachineConfig) (build.Machine, error) {
	spec := hypervisor.MachineSpec{
		Name:       cfg.Name,
		Arch:       cfg.Arch,
		MemoryMB:   cfg.MemoryMB,
		CPUs:       cfg.CPUs,
		Disk:       cfg.Disk,
		DiskFormat: hypervisor.FormatQCOW2,
		CDROM:      cfg.CDROM,
		Kernel:     cfg.Kernel,
		Initrd:     cfg.Initrd,
		Append:     cfg.Append,
		SSHPort:    cfg.SSHPort,
		NoReboot:   cfg.NoReboot,
		SerialLog:  cfg.SerialLog,
	}
	if cfg.Firmware != nil {
		spec.Firmware = &hypervisor.Firmware{Code: cfg.Firmware.Code, Vars: cfg.Firmware.Vars}
	}

	p, err := h.Qemu.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &machine{process: p}, nil
}

type machine struct {
	process *hypervisor.Process
}

func (m *machine) PID() int {
	return m.process.PID()
}

func (m *machine) Wait(ctx context.Context, timeout time.Duration) error {
	err := m.process.Wait(ctx, timeout)
	if errors.Is(err, hypervisor.ErrWaitTimeout) {
		return fmt.Errorf("%w: %w", build.ErrMachineRunning, err)
	}
	return err
}

func (m *machine) Shutdown(timeout time.Duration) error {
	return m.process.Shutdown(timeout)
}

func (m *machine) Kill() error {
	return m.process.Kill()
}

func (m *machine) Output() string {
	return m.process.Output()
}
