package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNotReady is returned by WaitForReady when the budget runs out.
var ErrNotReady = errors.New("remote shell not ready")

// Attempt is reported to the caller after every failed connection attempt.
type Attempt struct {
	Number    int
	Remaining time.Duration
	Err       error
}

// WaitForReady dials target until it succeeds, the timeout elapses or a
// non-transient error occurs.
func WaitForReady(ctx context.Context, target Target, timeout, interval time.Duration, progress func(Attempt)) (*Client, error) {
	deadline := time.Now().Add(timeout)

	for number := 1; ; number++ {
		attemptTarget := target
		if remaining := time.Until(deadline); remaining > 0 && remaining < target.connectTimeout() {
			attemptTarget.ConnectTimeout = remaining
		}

		client, err := Dial(ctx, attemptTarget)
		if err == nil {
			return client, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsTransient(err) {
			return nil, err
		}

		remaining := max(time.Until(deadline), 0)
		if progress != nil {
			progress(Attempt{Number: number, Remaining: remaining, Err: err})
		}
		if remaining == 0 {
			return nil, fmt.Errorf("%w at %s after %d attempts: %w", ErrNotReady, target.Addr(), number, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(interval, remaining)):
		}
	}
}

// IsTransient reports whether err is expected while a guest is still booting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var handshake *HandshakeError
	if errors.As(err, &handshake) {
		return true
	}

	for _, errno := range []error{
		unix.ECONNREFUSED,
		unix.ECONNRESET,
		unix.ECONNABORTED,
		unix.EHOSTUNREACH,
		unix.ENETUNREACH,
		unix.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
