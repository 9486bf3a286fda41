package hypervisor

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/kiln/arch"
)

// AccelMode is the value passed to qemu's -accel flag.
type AccelMode string

const (
	AccelKVM AccelMode = "kvm"
	AccelHVF AccelMode = "hvf"
	AccelTCG AccelMode = "tcg"
)

// Tier orders accelerator choices from fastest to slowest.
type Tier int

const (
	TierHardware Tier = iota
	TierMatchingCPU
	TierGeneric
)

func (t Tier) String() string {
	switch t {
	case TierHardware:
		return "hardware"
	case TierMatchingCPU:
		return "matching-cpu emulation"
	case TierGeneric:
		return "generic emulation"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Acceleration is the outcome of accelerator selection.
type Acceleration struct {
	Mode   AccelMode
	CPU    string
	Tier   Tier
	Reason string
}

// Emulated reports whether the guest runs under software emulation.
func (a Acceleration) Emulated() bool {
	return a.Mode == AccelTCG
}

// HostInfo describes the capabilities relevant for accelerator selection.
type HostInfo struct {
	Arch arch.Architecture
	OS   string
	KVM  bool
}

// KVMDevice is probed for read/write access on linux hosts.
const KVMDevice = "/dev/kvm"

// DetectHost inspects the running machine.
func DetectHost() HostInfo {
	host := HostInfo{Arch: arch.Host(), OS: runtime.GOOS}
	if host.OS == "linux" {
		host.KVM = unix.Access(KVMDevice, unix.R_OK|unix.W_OK) == nil
	}
	return host
}

// SelectAccelerator picks hardware acceleration when the host supports it for
// target, then TCG with the host's own CPU model family, then generic TCG.
// forced may be "", "kvm", "hvf" or "tcg".
func SelectAccelerator(host HostInfo, target arch.Architecture, forced string) (Acceleration, error) {
	native := host.Arch != "" && host.Arch == target

	hardware, hwReason := hardwareMode(host, native)

	switch AccelMode(forced) {
	case "":
		if hardware != "" {
			return Acceleration{Mode: hardware, CPU: "host", Tier: TierHardware, Reason: hwReason}, nil
		}
		return softwareAcceleration(native, target, hwReason), nil
	case AccelKVM, AccelHVF:
		if hardware != AccelMode(forced) {
			return Acceleration{}, fmt.Errorf("accelerator %s requested but unavailable: %s", forced, hwReason)
		}
		return Acceleration{Mode: hardware, CPU: "host", Tier: TierHardware, Reason: "forced by configuration"}, nil
	case AccelTCG:
		accel := softwareAcceleration(native, target, "forced by configuration")
		return accel, nil
	default:
		return Acceleration{}, fmt.Errorf("unknown accelerator %q", forced)
	}
}

func hardwareMode(host HostInfo, native bool) (AccelMode, string) {
	if !native {
		return "", fmt.Sprintf("host architecture %s differs from target", host.Arch)
	}
	switch host.OS {
	case "linux":
		if host.KVM {
			return AccelKVM, "kvm available"
		}
		return "", KVMDevice + " is not accessible"
	case "darwin":
		return AccelHVF, "hypervisor.framework available"
	default:
		return "", fmt.Sprintf("no hardware accelerator on %s", host.OS)
	}
}

func softwareAcceleration(native bool, target arch.Architecture, reason string) Acceleration {
	if native {
		return Acceleration{Mode: AccelTCG, CPU: "max", Tier: TierMatchingCPU, Reason: reason}
	}
	return Acceleration{Mode: AccelTCG, CPU: genericCPU(target), Tier: TierGeneric, Reason: reason}
}

func genericCPU(target arch.Architecture) string {
	switch target {
	case arch.ARM64:
		return "cortex-a57"
	case arch.X86_64:
		return "qemu64"
	default:
		return "max"
	}
}
