package hypervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrServiceNotReady is returned by WaitForBanner when the budget runs out.
var ErrServiceNotReady = errors.New("forwarded service did not answer")

// FreePort asks the kernel for an unused TCP port on the loopback interface.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WaitForBanner polls addr until the service greets with an "SSH-" banner.
// qemu's user-mode forwarder accepts connections before the guest listens, so
// a bare connect proves nothing.
func WaitForBanner(ctx context.Context, addr string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		ioTimeout := min(remaining, 10*time.Second)
		if lastErr = probeBanner(ctx, addr, ioTimeout); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(interval, max(time.Until(deadline), 0))):
		}
	}

	return fmt.Errorf("%w at %s within %s: %v", ErrServiceNotReady, addr, timeout, lastErr)
}

func probeBanner(ctx context.Context, addr string, ioTimeout time.Duration) error {
	dialer := net.Dialer{Timeout: ioTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
		return err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read banner: %w", err)
	}
	if !strings.HasPrefix(line, "SSH-") {
		return fmt.Errorf("unexpected banner %q", strings.TrimSpace(line))
	}
	return nil
}
