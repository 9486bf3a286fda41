package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrWaitTimeout is returned by Process.Wait when the process outlives the timeout.
var ErrWaitTimeout = errors.New("timed out waiting for process exit")

const pollInterval = 100 * time.Millisecond

// ProcessAlive reports whether pid exists. A process owned by someone else
// (EPERM) counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return true
	case errors.Is(err, unix.EPERM):
		return true
	default:
		return false
	}
}

// Process is a detached machine started by Start.
type Process struct {
	pid  int
	done chan struct{}

	mu      sync.Mutex
	exitErr error
	output  *tailBuffer
}

// Start launches spec in its own session and returns without waiting. The
// process keeps running if kiln exits.
func (q *Qemu) Start(ctx context.Context, spec MachineSpec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	argv, accel, err := q.Command(spec, ModeDetached)
	if err != nil {
		return nil, err
	}
	q.logAccel(spec, accel)

	q.logger().Debug("starting qemu", "mode", ModeDetached.String(), "argv", strings.Join(argv, " "))
	p, err := startDetached(argv)
	if err != nil {
		return nil, err
	}

	q.logger().Info("machine started", "name", spec.Name, "pid", p.pid, "ssh_port", spec.SSHPort)
	return p, nil
}

// Run starts spec in the foreground and streams its serial console until it exits.
func (q *Qemu) Run(ctx context.Context, spec MachineSpec, stdout, stderr io.Writer) error {
	argv, accel, err := q.Command(spec, ModeForeground)
	if err != nil {
		return err
	}
	q.logAccel(spec, accel)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s exited: %w", argv[0], err)
	}
	return nil
}

// Console starts spec attached to the terminal.
func (q *Qemu) Console(ctx context.Context, spec MachineSpec) error {
	argv, accel, err := q.Command(spec, ModeConsole)
	if err != nil {
		return err
	}
	q.logAccel(spec, accel)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s exited: %w", argv[0], err)
	}
	return ctx.Err()
}

func (q *Qemu) logAccel(spec MachineSpec, accel Acceleration) {
	logger := q.logger().With("name", spec.Name, "accel", string(accel.Mode), "cpu", accel.CPU, "tier", accel.Tier.String())
	if accel.Emulated() {
		logger.Warn("using QEMU software emulation", "host_arch", q.Host.Arch, "requested_arch", spec.Arch, "reason", accel.Reason)
		return
	}
	logger.Debug("using hardware acceleration")
}

func startDetached(argv []string) (*Process, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	tail := newTailBuffer(8 << 10)
	cmd.Stdout = tail
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	p := &Process{
		pid:    cmd.Process.Pid,
		done:   make(chan struct{}),
		output: tail,
	}
	go p.reap(cmd)
	return p, nil
}

func (p *Process) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	p.mu.Lock()
	if err != nil {
		if out := strings.TrimSpace(p.output.String()); out != "" {
			err = fmt.Errorf("%w (output: %s)", err, out)
		}
	}
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.pid
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the exit error after Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Output returns the tail of the process's stdout and stderr.
func (p *Process) Output() string {
	return p.output.String()
}

// Running reports whether the process still exists.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return ProcessAlive(p.pid)
	}
}

// Wait blocks until the process exits, the timeout elapses or ctx is done.
// It returns the process's exit error, ErrWaitTimeout or ctx.Err().
func (p *Process) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.ExitErr()
	case <-timer.C:
		return fmt.Errorf("%w after %s (pid %d)", ErrWaitTimeout, timeout, p.pid)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown sends SIGTERM, waits up to timeout for the process to go away and
// then kills it.
func (p *Process) Shutdown(timeout time.Duration) error {
	if !p.Running() {
		return nil
	}
	if err := unix.Kill(p.pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal pid %d: %w", p.pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !p.Running() {
			return nil
		}
		select {
		case <-p.done:
			return nil
		case <-time.After(pollInterval):
		}
	}
	return p.Kill()
}

// Kill sends SIGKILL. A process that is already gone is not an error.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := unix.Kill(p.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill pid %d: %w", p.pid, err)
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
