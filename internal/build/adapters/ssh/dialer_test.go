package ssh

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/remote"
)

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestWaitForBannerMapsTimeout(t *testing.T) {
	t.Parallel()

	d := &Dialer{}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(closedPort(t)))
	err := d.WaitForBanner(context.Background(), addr, 200*time.Millisecond, 50*time.Millisecond)
	if !errors.Is(err, build.ErrShellNotReady) {
		t.Fatalf("WaitForBanner() error = %v, want build.ErrShellNotReady", err)
	}
}

func TestConnectMapsTimeout(t *testing.T) {
	t.Parallel()

	key, err := remote.GenerateKeyPair("kiln-test")
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	attempts := 0
	d := &Dialer{ConnectTimeout: time.Second}
	_, err = d.Connect(context.Background(), build.ShellTarget{
		Host: "127.0.0.1",
		Port: closedPort(t),
		User: "kiln",
		Key:  key,
	}, 200*time.Millisecond, 50*time.Millisecond, func(remote.Attempt) { attempts++ })
	if !errors.Is(err, build.ErrShellNotReady) {
		t.Fatalf("Connect() error = %v, want build.ErrShellNotReady", err)
	}
	if !errors.Is(err, remote.ErrNotReady) {
		t.Fatalf("Connect() error = %v should still wrap remote.ErrNotReady", err)
	}
	if attempts == 0 {
		t.Fatal("progress callback never invoked")
	}
}
