package build

import "strconv"

// Phase is a step of the two-boot build state machine.
type Phase int

// Phases in the order a session passes through them.
const (
	PhaseNone Phase = iota
	PhaseDiskCreated
	PhaseAuxServerRunning
	PhaseInstallerKernelExtracted
	PhaseInstallerBooted
	PhaseInstallComplete
	PhaseSystemBooted
	PhaseShellReady
	PhaseProvisioned
	PhaseFinalized
	PhaseShutDown
	PhaseRegistered
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseDiskCreated:
		return "disk_created"
	case PhaseAuxServerRunning:
		return "aux_server_running"
	case PhaseInstallerKernelExtracted:
		return "installer_kernel_extracted"
	case PhaseInstallerBooted:
		return "installer_booted"
	case PhaseInstallComplete:
		return "install_complete"
	case PhaseSystemBooted:
		return "system_booted"
	case PhaseShellReady:
		return "shell_ready"
	case PhaseProvisioned:
		return "provisioned"
	case PhaseFinalized:
		return "finalized"
	case PhaseShutDown:
		return "shut_down"
	case PhaseRegistered:
		return "registered"
	case PhaseFailed:
		return "failed"
	default:
		return "phase(" + strconv.Itoa(int(p)) + ")"
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseRegistered || p == PhaseFailed
}
