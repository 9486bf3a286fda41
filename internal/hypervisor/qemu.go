// Package hypervisor drives qemu-img and qemu-system directly.
package hypervisor

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cochaviz/kiln/arch"
)

// Tools names the external binaries. Empty fields use the PATH defaults.
type Tools struct {
	QemuImg      string
	SystemPrefix string
}

func (t Tools) qemuImg() string {
	if t.QemuImg != "" {
		return t.QemuImg
	}
	return "qemu-img"
}

// SystemBinary returns the emulator for target, e.g. qemu-system-aarch64.
func (t Tools) SystemBinary(target arch.Architecture) string {
	prefix := t.SystemPrefix
	if prefix == "" {
		prefix = "qemu-system-"
	}
	return prefix + target.QemuFamily()
}

// Qemu builds and launches qemu invocations for one host.
type Qemu struct {
	Tools       Tools
	Host        HostInfo
	Accelerator string
	Logger      *slog.Logger
}

// New returns a Qemu bound to the detected host.
func New(tools Tools, accelerator string, logger *slog.Logger) *Qemu {
	return &Qemu{
		Tools:       tools,
		Host:        DetectHost(),
		Accelerator: accelerator,
		Logger:      logger,
	}
}

func (q *Qemu) logger() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}

// Preflight checks that every binary needed to build for target is installed.
func (q *Qemu) Preflight(target arch.Architecture) error {
	if !target.IsValid() {
		return fmt.Errorf("unsupported architecture %q", target)
	}
	for _, tool := range []string{q.Tools.qemuImg(), q.Tools.SystemBinary(target)} {
		if _, err := exec.LookPath(tool); err != nil {
			return &MissingToolError{Name: tool, Err: err}
		}
	}
	return nil
}

// Accelerate reports the accelerator Command would use for target.
func (q *Qemu) Accelerate(target arch.Architecture) (Acceleration, error) {
	return SelectAccelerator(q.Host, target, q.Accelerator)
}

// StartMode selects how a machine's stdio is wired.
type StartMode int

const (
	// ModeDetached runs in its own session with serial output in a file.
	ModeDetached StartMode = iota
	// ModeForeground streams the serial console to the caller's writers.
	ModeForeground
	// ModeConsole attaches the serial console and monitor to the terminal.
	ModeConsole
)

func (m StartMode) String() string {
	switch m {
	case ModeDetached:
		return "detached"
	case ModeForeground:
		return "foreground"
	case ModeConsole:
		return "console"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// MachineSpec describes one qemu-system invocation.
type MachineSpec struct {
	Name       string
	Arch       arch.Architecture
	MemoryMB   int
	CPUs       int
	Disk       string
	DiskFormat DiskFormat
	CDROM      string
	Kernel     string
	Initrd     string
	Append     string
	SSHPort    int
	NoReboot   bool
	Firmware   *Firmware
	SerialLog  string
}

// SerialConsole is the kernel console device for target's machine type.
func SerialConsole(target arch.Architecture) string {
	switch target {
	case arch.ARM64:
		return "ttyAMA0"
	case arch.X86_64:
		return "ttyS0"
	default:
		return "ttyS0"
	}
}

func machineType(target arch.Architecture) string {
	switch target {
	case arch.ARM64:
		return "virt"
	case arch.X86_64:
		return "q35"
	default:
		return ""
	}
}

// Command returns the full argv (binary first) for spec.
func (q *Qemu) Command(spec MachineSpec, mode StartMode) ([]string, Acceleration, error) {
	if err := spec.validate(); err != nil {
		return nil, Acceleration{}, err
	}
	accel, err := q.Accelerate(spec.Arch)
	if err != nil {
		return nil, Acceleration{}, err
	}

	accelArg := string(accel.Mode)
	if accel.Mode == AccelTCG {
		accelArg += ",thread=multi"
	}

	args := []string{
		q.Tools.SystemBinary(spec.Arch),
		"-name", "kiln-" + spec.Name,
		"-machine", machineType(spec.Arch),
		"-accel", accelArg,
		"-cpu", accel.CPU,
		"-m", strconv.Itoa(spec.MemoryMB),
		"-smp", strconv.Itoa(spec.CPUs),
	}

	if spec.Firmware != nil {
		args = append(args,
			"-drive", "if=pflash,format=raw,unit=0,readonly=on,file="+spec.Firmware.Code,
			"-drive", "if=pflash,format=raw,unit=1,file="+spec.Firmware.Vars,
		)
	} else if RequiresFirmware(spec.Arch) {
		return nil, Acceleration{}, fmt.Errorf("%w for %s", ErrFirmwareMissing, spec.Arch)
	}

	format := spec.DiskFormat
	if format == "" {
		format = FormatQCOW2
	}
	args = append(args, "-drive", fmt.Sprintf("file=%s,if=virtio,format=%s", spec.Disk, format))

	if spec.CDROM != "" {
		args = append(args,
			"-device", "virtio-scsi-pci,id=scsi0",
			"-drive", fmt.Sprintf("file=%s,if=none,id=cd0,media=cdrom,readonly=on", spec.CDROM),
			"-device", "scsi-cd,bus=scsi0.0,drive=cd0",
		)
	}

	netdev := "user,id=net0"
	if spec.SSHPort > 0 {
		netdev += fmt.Sprintf(",hostfwd=tcp:127.0.0.1:%d-:22", spec.SSHPort)
	}
	args = append(args,
		"-netdev", netdev,
		"-device", "virtio-net-pci,netdev=net0",
		"-device", "virtio-rng-pci",
	)

	if spec.Kernel != "" {
		args = append(args, "-kernel", spec.Kernel)
		if spec.Initrd != "" {
			args = append(args, "-initrd", spec.Initrd)
		}
		if spec.Append != "" {
			args = append(args, "-append", spec.Append)
		}
	}

	if spec.NoReboot {
		args = append(args, "-no-reboot")
	}

	switch mode {
	case ModeDetached:
		serial := "null"
		if spec.SerialLog != "" {
			serial = "file:" + spec.SerialLog
		}
		args = append(args, "-display", "none", "-monitor", "none", "-serial", serial)
	case ModeForeground:
		args = append(args, "-display", "none", "-monitor", "none", "-serial", "stdio")
	case ModeConsole:
		args = append(args, "-nographic")
	default:
		return nil, Acceleration{}, fmt.Errorf("unknown start mode %v", mode)
	}

	return args, accel, nil
}

func (s MachineSpec) validate() error {
	var problems []string
	if !s.Arch.IsValid() {
		problems = append(problems, fmt.Sprintf("unsupported architecture %q", s.Arch))
	}
	if s.Disk == "" {
		problems = append(problems, "disk is required")
	}
	if s.MemoryMB <= 0 || s.CPUs <= 0 {
		problems = append(problems, "memory and cpus must be positive")
	}
	if s.Kernel == "" && (s.Initrd != "" || s.Append != "") {
		problems = append(problems, "initrd and append require a kernel")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid machine spec: %s", strings.Join(problems, "; "))
	}
	return nil
}
