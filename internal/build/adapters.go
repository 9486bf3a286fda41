package build

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/answer"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/remote"
)

// Builder produces a registered image for a request.
type Builder interface {
	Build(ctx context.Context, req Request) (Result, error)
}

// Hypervisor creates disks and boots machines.
type Hypervisor interface {
	Preflight(target arch.Architecture) error
	CreateDisk(ctx context.Context, path, size string) error
	// PrepareFirmware returns nil when target needs no UEFI images.
	PrepareFirmware(target arch.Architecture, workDir string) (*Firmware, error)
	// ReservePort picks a free host port for SSH forwarding.
	ReservePort() (int, error)
	Launch(ctx context.Context, cfg MachineConfig) (Machine, error)
}

// Machine is a running build machine.
type Machine interface {
	PID() int
	// Wait returns nil on a clean exit and ErrMachineRunning on timeout.
	Wait(ctx context.Context, timeout time.Duration) error
	Shutdown(timeout time.Duration) error
	Kill() error
	// Output is the tail of the emulator's own stdout and stderr.
	Output() string
}

// Shell is an authenticated remote shell on the build machine.
type Shell interface {
	Execute(ctx context.Context, command string, elevated bool) (remote.Result, error)
	ExecuteStream(ctx context.Context, command string, elevated bool, stdout, stderr io.Writer) (int, error)
	UploadContent(ctx context.Context, content []byte, remotePath string, mode os.FileMode, elevated bool) error
	Close() error
}

// ShellTarget is where and as whom the orchestrator connects.
type ShellTarget struct {
	Host string
	Port int
	User string
	Key  remote.KeyPair
}

// ShellDialer waits for the guest's SSH service and connects to it. Budget
// exhaustion is reported as ErrShellNotReady.
type ShellDialer interface {
	WaitForBanner(ctx context.Context, addr string, timeout, interval time.Duration) error
	Connect(ctx context.Context, target ShellTarget, timeout, interval time.Duration, progress func(remote.Attempt)) (Shell, error)
}

// AnswerServer serves the answer file and post-install script.
type AnswerServer interface {
	Start(ctx context.Context) error
	Stop() error
	Port() int
	AnswerFileURL(host string) string
	Log() string
}

// AnswerServerFactory constructs an unstarted AnswerServer.
type AnswerServerFactory func(AnswerRequest) (AnswerServer, error)

// BootFileExtractor copies the installer kernel and initrd out of a medium.
type BootFileExtractor func(isoPath string, target arch.Architecture, overrides BootFiles, destDir string) (BootFiles, error)

// Registrar records a finished image.
type Registrar interface {
	Register(entry cache.Entry) error
}

// NewAnswerServer is the default AnswerServerFactory.
func NewAnswerServer(req AnswerRequest) (AnswerServer, error) {
	return answer.New(answer.Options{
		Profile:       req.Profile,
		Username:      req.Username,
		AuthorizedKey: req.AuthorizedKey,
		TemplateDir:   req.TemplateDir,
	})
}
