// Package ssh binds internal/remote to the build orchestrator.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/hypervisor"
	"github.com/cochaviz/kiln/internal/remote"
)

// Ensure Dialer implements the build.ShellDialer interface.
var _ build.ShellDialer = (*Dialer)(nil)

// Dialer waits for a forwarded guest SSH port and opens a remote.Client.
type Dialer struct {
	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration
}

func (d *Dialer) WaitForBanner(ctx context.Context, addr string, timeout, interval time.Duration) error {
	err := hypervisor.WaitForBanner(ctx, addr, timeout, interval)
	if errors.Is(err, hypervisor.ErrServiceNotReady) {
		return fmt.Errorf("%w: %w", build.ErrShellNotReady, err)
	}
	return err
}

func (d *Dialer) Connect(ctx context.Context, target build.ShellTarget, timeout, interval time.Duration, progress func(remote.Attempt)) (build.Shell, error) {
	client, err := remote.WaitForReady(ctx, remote.Target{
		Host:           target.Host,
		Port:           target.Port,
		User:           target.User,
		Signer:         target.Key.Signer,
		ConnectTimeout: d.ConnectTimeout,
	}, timeout, interval, progress)
	if errors.Is(err, remote.ErrNotReady) {
		return nil, fmt.Errorf("%w: %w", build.ErrShellNotReady, err)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}
