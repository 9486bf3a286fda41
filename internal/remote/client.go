// Package remote is a small SSH client for driving freshly installed guests.
// It returns errors and progress to its caller and never logs.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

const defaultConnectTimeout = 15 * time.Second

// Target describes how to reach and authenticate to a guest.
type Target struct {
	Host           string
	Port           int
	User           string
	Signer         ssh.Signer
	Password       string
	ConnectTimeout time.Duration
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) clientConfig() (*ssh.ClientConfig, error) {
	if t.Host == "" || t.Port <= 0 {
		return nil, fmt.Errorf("invalid ssh target %q", t.Addr())
	}
	if t.User == "" {
		return nil, errors.New("ssh user is required")
	}

	var auth []ssh.AuthMethod
	if t.Signer != nil {
		auth = append(auth, ssh.PublicKeys(t.Signer))
	}
	if t.Password != "" {
		auth = append(auth, ssh.Password(t.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh target has no key or password")
	}

	return &ssh.ClientConfig{
		User: t.User,
		Auth: auth,
		// Build guests generate fresh host keys on every install.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.connectTimeout(),
	}, nil
}

func (t Target) connectTimeout() time.Duration {
	if t.ConnectTimeout > 0 {
		return t.ConnectTimeout
	}
	return defaultConnectTimeout
}

// HandshakeError wraps failures that happen after the TCP connection is up.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Result is the captured outcome of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandError reports a remote command that exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("remote command %q exited with status %d", e.Command, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// Client is one authenticated SSH connection.
type Client struct {
	conn *ssh.Client
	user string
	// elevate prefixes commands that need root when the user is not root.
	elevate string
}

// Dial makes a single connection attempt.
func Dial(ctx context.Context, target Target) (*Client, error) {
	config, err := target.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Now().Add(config.Timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, target.Addr(), config)
	stop()
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &HandshakeError{Err: err}
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, err
	}

	return &Client{
		conn:    ssh.NewClient(c, chans, reqs),
		user:    target.User,
		elevate: "sudo -n",
	}, nil
}

// Close terminates the connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Execute runs command and captures its output. A non-zero exit status is
// reported through Result.ExitCode, not as an error.
func (c *Client) Execute(ctx context.Context, command string, elevated bool) (Result, error) {
	var stdout, stderr bytes.Buffer
	code, err := c.run(ctx, c.wrap(command, elevated), nil, &stdout, &stderr)
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}, err
}

// ExecuteStream is Execute with output pushed to the provided writers as it arrives.
func (c *Client) ExecuteStream(ctx context.Context, command string, elevated bool, stdout, stderr io.Writer) (int, error) {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return c.run(ctx, c.wrap(command, elevated), nil, stdout, stderr)
}

// Upload copies a local file to remotePath.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode, elevated bool) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	return c.upload(ctx, f, remotePath, mode, elevated)
}

// UploadContent writes content to remotePath.
func (c *Client) UploadContent(ctx context.Context, content []byte, remotePath string, mode os.FileMode, elevated bool) error {
	return c.upload(ctx, bytes.NewReader(content), remotePath, mode, elevated)
}

// upload streams r through cat. Elevated uploads land in /tmp first and are
// moved into place with root privileges.
func (c *Client) upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode, elevated bool) error {
	if !path.IsAbs(remotePath) {
		return fmt.Errorf("remote path %q must be absolute", remotePath)
	}

	staged := elevated && !c.isRoot()
	dest := remotePath
	if staged {
		dest = "/tmp/kiln-" + uuid.NewString()
	}

	write := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %04o %s",
		shellQuote(path.Dir(dest)), shellQuote(dest), mode.Perm(), shellQuote(dest))
	if staged {
		write = "umask 077 && " + write
	}

	var stderr bytes.Buffer
	code, err := c.run(ctx, write, r, io.Discard, &stderr)
	if err != nil {
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	if code != 0 {
		return &CommandError{Command: write, ExitCode: code, Stderr: stderr.String()}
	}
	if !staged {
		return nil
	}

	move := fmt.Sprintf("install -D -m %04o %s %s; status=$?; rm -f %s; exit $status",
		mode.Perm(), shellQuote(dest), shellQuote(remotePath), shellQuote(dest))
	res, err := c.Execute(ctx, move, true)
	if err != nil {
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	if res.ExitCode != 0 {
		return &CommandError{Command: move, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}

func (c *Client) run(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return -1, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		return exitStatus(err)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		return -1, ctx.Err()
	}
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

func (c *Client) isRoot() bool {
	return c.user == "root"
}

func (c *Client) wrap(command string, elevated bool) string {
	if !elevated || c.isRoot() {
		return command
	}
	return c.elevate + " sh -c " + shellQuote(command)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
