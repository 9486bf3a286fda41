package remote

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"
)

// testServer is an SSH server that runs exec requests through the local sh.
type testServer struct {
	addr     *net.TCPAddr
	listener net.Listener
}

func newTestServer(t *testing.T, authorized ssh.PublicKey) *testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	config.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, config)
		}
	}()

	return &testServer{addr: l.Addr().(*net.TCPAddr), listener: l}
}

func serveConn(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests)
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		cmd := exec.Command("sh", "-c", payload.Command)
		cmd.Stdin = ch
		cmd.Stdout = ch
		cmd.Stderr = ch.Stderr()
		status := 0
		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				status = exitErr.ExitCode()
			} else {
				status = 127
			}
		}
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
		return
	}
}

func testKey(t *testing.T) KeyPair {
	t.Helper()
	key, err := GenerateKeyPair("kiln-test")
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	return key
}

func connect(t *testing.T, user string) *Client {
	t.Helper()
	key := testKey(t)
	srv := newTestServer(t, key.Signer.PublicKey())

	client, err := Dial(context.Background(), Target{
		Host:   "127.0.0.1",
		Port:   srv.addr.Port,
		User:   user,
		Signer: key.Signer,
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestGenerateKeyPair(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	if !strings.HasPrefix(key.AuthorizedKey, "ssh-ed25519 ") {
		t.Fatalf("unexpected authorized key %q", key.AuthorizedKey)
	}
	if !strings.HasSuffix(key.AuthorizedKey, " kiln-test") {
		t.Fatalf("authorized key missing comment: %q", key.AuthorizedKey)
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key.AuthorizedKey))
	if err != nil {
		t.Fatalf("ParseAuthorizedKey() error = %v", err)
	}
	if !bytes.Equal(parsed.Marshal(), key.Signer.PublicKey().Marshal()) {
		t.Fatal("authorized key does not match signer")
	}
}

func TestExecuteCapturesOutputAndStatus(t *testing.T) {
	t.Parallel()

	client := connect(t, "kiln")

	res, err := client.Execute(context.Background(), "echo hello; echo oops >&2; exit 3", false)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Stdout != "hello\n" || res.Stderr != "oops\n" || res.ExitCode != 3 {
		t.Fatalf("unexpected result %+v", res)
	}

	var stdout bytes.Buffer
	code, err := client.ExecuteStream(context.Background(), "printf 'a\\nb\\n'", false, &stdout, nil)
	if err != nil {
		t.Fatalf("ExecuteStream() error = %v", err)
	}
	if code != 0 || stdout.String() != "a\nb\n" {
		t.Fatalf("ExecuteStream() = %d, %q", code, stdout.String())
	}
}

func TestExecuteHonoursContext(t *testing.T) {
	t.Parallel()

	client := connect(t, "kiln")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Execute(ctx, "sleep 10", false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Fatalf("Execute() took %s after cancellation", elapsed)
	}
}

func TestUploadContent(t *testing.T) {
	t.Parallel()

	client := connect(t, "kiln")
	dest := filepath.Join(t.TempDir(), "nested", "script.sh")

	if err := client.UploadContent(context.Background(), []byte("#!/bin/sh\necho hi\n"), dest, 0o750, false); err != nil {
		t.Fatalf("UploadContent() error = %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(data) != "#!/bin/sh\necho hi\n" {
		t.Fatalf("unexpected content %q", data)
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o750 {
		t.Fatalf("mode = %v, want 0750", info.Mode().Perm())
	}
}

func TestUploadElevatedStagesThroughTemp(t *testing.T) {
	t.Parallel()

	client := connect(t, "kiln")
	// env runs its arguments unchanged, standing in for sudo.
	client.elevate = "env"

	src := filepath.Join(t.TempDir(), "local.txt")
	if err := os.WriteFile(src, []byte("payload"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "etc", "kiln", "payload.txt")

	if err := client.Upload(context.Background(), src, dest, 0o644, true); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected content %q", data)
	}

	if err := client.UploadContent(context.Background(), []byte("x"), "relative/path", 0o644, true); err == nil {
		t.Fatal("UploadContent() expected error for relative path")
	}
}

func TestWrapElevation(t *testing.T) {
	t.Parallel()

	user := &Client{user: "kiln", elevate: "sudo -n"}
	if got := user.wrap("echo 'hi'", true); got != `sudo -n sh -c 'echo '\''hi'\'''` {
		t.Fatalf("wrap() = %q", got)
	}
	if got := user.wrap("id", false); got != "id" {
		t.Fatalf("wrap() unelevated = %q", got)
	}

	root := &Client{user: "root", elevate: "sudo -n"}
	if got := root.wrap("id", true); got != "id" {
		t.Fatalf("wrap() as root = %q", got)
	}
}

func TestWaitForReadyConnects(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	srv := newTestServer(t, key.Signer.PublicKey())

	client, err := WaitForReady(context.Background(), Target{
		Host:   "127.0.0.1",
		Port:   srv.addr.Port,
		User:   "kiln",
		Signer: key.Signer,
	}, 5*time.Second, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("WaitForReady() error = %v", err)
	}
	client.Close()
}

func TestWaitForReadyTimesOut(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	key := testKey(t)
	var attempts []Attempt
	_, err = WaitForReady(context.Background(), Target{
		Host:   "127.0.0.1",
		Port:   port,
		User:   "kiln",
		Signer: key.Signer,
	}, 400*time.Millisecond, 50*time.Millisecond, func(a Attempt) {
		attempts = append(attempts, a)
	})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("WaitForReady() error = %v, want ErrNotReady", err)
	}
	if len(attempts) < 2 {
		t.Fatalf("expected several attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.Number != i+1 {
			t.Fatalf("attempt %d numbered %d", i, a.Number)
		}
		if a.Err == nil {
			t.Fatalf("attempt %d missing error", i)
		}
	}
}

func TestWaitForReadyTreatsAuthFailureAsTransient(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testKey(t).Signer.PublicKey())
	wrong := testKey(t)

	calls := 0
	_, err := WaitForReady(context.Background(), Target{
		Host:   "127.0.0.1",
		Port:   srv.addr.Port,
		User:   "kiln",
		Signer: wrong.Signer,
	}, 300*time.Millisecond, 50*time.Millisecond, func(Attempt) { calls++ })
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("WaitForReady() error = %v, want ErrNotReady", err)
	}
	if calls == 0 {
		t.Fatal("progress callback never invoked")
	}
}

func TestWaitForReadyStopsOnConfigurationError(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := WaitForReady(context.Background(), Target{Host: "127.0.0.1", Port: 22, User: "kiln"},
		time.Second, 10*time.Millisecond, func(Attempt) { calls++ })
	if err == nil || errors.Is(err, ErrNotReady) {
		t.Fatalf("WaitForReady() error = %v, want immediate configuration error", err)
	}
	if calls != 0 {
		t.Fatalf("progress called %d times for a non-transient error", calls)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "refused", err: &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", unix.ECONNREFUSED)}, want: true},
		{name: "handshake", err: &HandshakeError{Err: errors.New("ssh: handshake failed: EOF")}, want: true},
		{name: "deadline", err: os.ErrDeadlineExceeded, want: true},
		{name: "other", err: errors.New("ssh target has no key or password"), want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
