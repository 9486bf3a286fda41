package build

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies build failures for callers and exit codes.
type Kind int

const (
	KindInternal Kind = iota
	KindConfiguration
	KindDependency
	KindExtraction
	KindTimeout
	KindProvisioning
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindDependency:
		return "dependency"
	case KindExtraction:
		return "extraction"
	case KindTimeout:
		return "timeout"
	case KindProvisioning:
		return "provisioning"
	case KindCanceled:
		return "canceled"
	default:
		return "internal"
	}
}

var (
	// ErrMachineRunning is returned by Machine.Wait when the timeout elapses first.
	ErrMachineRunning = errors.New("machine still running")
	// ErrShellNotReady wraps readiness failures that exhausted their budget.
	ErrShellNotReady = errors.New("remote shell not ready")
	// ErrBootFileNotFound is returned when the installer kernel or initrd is absent.
	ErrBootFileNotFound = errors.New("boot file not found on install medium")
)

// Error is a failed build, tagged with the phase it failed in.
type Error struct {
	Kind  Kind
	Phase Phase
	Err   error
	// Output is diagnostic text from the failing tool or command.
	Output string
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s error", e.Kind)
	if e.Phase != PhaseNone {
		fmt.Fprintf(&b, " after %s", e.Phase)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var buildErr *Error
	if errors.As(err, &buildErr) {
		return buildErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindInternal
}

// NewError builds an *Error unless err already is one.
func NewError(kind Kind, phase Phase, err error) error {
	if err == nil {
		return nil
	}
	var buildErr *Error
	if errors.As(err, &buildErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		kind = KindCanceled
	}
	return &Error{Kind: kind, Phase: phase, Err: err}
}

func withOutput(kind Kind, phase Phase, err error, output string) error {
	wrapped := NewError(kind, phase, err)
	var buildErr *Error
	if errors.As(wrapped, &buildErr) && buildErr.Output == "" {
		buildErr.Output = output
	}
	return wrapped
}
