package build

import (
	"time"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/iso"
	"github.com/cochaviz/kiln/internal/profile"
)

// Request is everything the orchestrator needs for one build. It is fully
// resolved by the caller; the orchestrator does no lookups of its own.
type Request struct {
	Profile  profile.Profile
	Arch     arch.Architecture
	Source   iso.SourceImage
	Scripts  []profile.Script
	CacheKey string
	// ImageDir receives the finished disk image.
	ImageDir string
}

// Result describes a registered image.
type Result struct {
	SessionID string
	Entry     cache.Entry
	Duration  time.Duration
}

// Event is a progress notification emitted while a build runs.
type Event struct {
	Phase   Phase
	Message string
	// Attempt and Remaining are set while waiting for the remote shell.
	Attempt   int
	Remaining time.Duration
}

// ProgressFunc receives build events. It is called from the build goroutine.
type ProgressFunc func(Event)

// BootFiles are the installer kernel and initrd extracted from the medium.
type BootFiles struct {
	Kernel string
	Initrd string
}

// Firmware is a UEFI code image and the session's variable store.
type Firmware struct {
	Code string
	Vars string
}

// MachineConfig describes one boot of the build machine.
type MachineConfig struct {
	Name     string
	Arch     arch.Architecture
	MemoryMB int
	CPUs     int
	Disk     string
	CDROM    string
	Kernel   string
	Initrd   string
	Append   string
	SSHPort  int
	NoReboot bool
	Firmware *Firmware
	// SerialLog receives the guest's serial console.
	SerialLog string
}

// AnswerRequest configures the answer-file server for one session.
type AnswerRequest struct {
	Profile       profile.Profile
	Username      string
	AuthorizedKey string
	TemplateDir   string
}
