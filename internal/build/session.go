package build

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cochaviz/kiln/internal/remote"
)

// Session holds every live handle of one build attempt. It exists only in
// memory and is torn down on every exit path.
type Session struct {
	ID       string
	Request  Request
	WorkDir  string
	DiskPath string
	SSHPort  int

	Machine  Machine
	Answers  AnswerServer
	Shell    Shell
	Key      remote.KeyPair
	Boot     BootFiles
	Firmware *Firmware

	phase    Phase
	cleanups []cleanup
	logger   *slog.Logger
}

type cleanup struct {
	name string
	fn   func() error
	done bool
}

func newSession(id string, req Request, logger *slog.Logger) *Session {
	return &Session{ID: id, Request: req, logger: logger}
}

// Phase is the last phase the session reached.
func (s *Session) Phase() Phase {
	return s.phase
}

// advance moves to next, which must directly follow the current phase.
func (s *Session) advance(next Phase) error {
	if s.phase.Terminal() {
		return fmt.Errorf("session %s is %s", s.ID, s.phase)
	}
	if next != s.phase+1 || next == PhaseFailed {
		return fmt.Errorf("invalid transition %s -> %s", s.phase, next)
	}
	s.phase = next
	return nil
}

func (s *Session) fail() {
	if s.phase != PhaseRegistered {
		s.phase = PhaseFailed
	}
}

// onCleanup pushes fn onto the teardown stack.
func (s *Session) onCleanup(name string, fn func() error) {
	s.cleanups = append(s.cleanups, cleanup{name: name, fn: fn})
}

// teardown runs pending cleanups in reverse order. Each runs at most once;
// failures are logged and returned joined for tests, never to the user.
func (s *Session) teardown() error {
	var errs []error
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		c := &s.cleanups[i]
		if c.done {
			continue
		}
		c.done = true
		if err := c.fn(); err != nil {
			s.logger.Warn("cleanup failed", "step", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		s.logger.Debug("cleanup done", "step", c.name)
	}
	return errors.Join(errs...)
}
