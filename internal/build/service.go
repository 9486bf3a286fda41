package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/kiln/internal/answer"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/hypervisor"
	"github.com/cochaviz/kiln/internal/remote"
)

// Ensure Orchestrator implements the Builder interface.
var _ Builder = (*Orchestrator)(nil)

const outputTail = 8 << 10

// Orchestrator drives one local build through both boots and registers the
// resulting image.
type Orchestrator struct {
	Logger     *slog.Logger
	Hypervisor Hypervisor
	Shells     ShellDialer
	Registry   Registrar
	// Answers defaults to NewAnswerServer.
	Answers AnswerServerFactory
	// Extract defaults to ExtractBootFiles.
	Extract     BootFileExtractor
	Defaults    config.BuildDefaults
	TemplateDir string
	Progress    ProgressFunc
	// ScriptOutput, when set, receives provisioning output as it arrives.
	ScriptOutput io.Writer
}

type step struct {
	phase Phase
	kind  Kind
	run   func(context.Context, *Session) error
}

// Build runs the full pipeline for req. On any failure, including
// cancellation, every resource the session acquired is released before the
// error is returned.
func (o *Orchestrator) Build(ctx context.Context, req Request) (result Result, err error) {
	if err := o.validate(req); err != nil {
		return Result{}, NewError(KindConfiguration, PhaseNone, err)
	}

	id := uuid.NewString()
	logger := o.logger().With("session", id, "profile", req.Profile.Name, "arch", string(req.Arch))
	session := newSession(id, req, logger)
	defer func() {
		if p := recover(); p != nil {
			session.fail()
			_ = session.teardown()
			panic(p)
		}
		if err != nil {
			session.fail()
		}
		_ = session.teardown()
	}()

	if err := o.Hypervisor.Preflight(req.Arch); err != nil {
		return Result{}, NewError(KindDependency, PhaseNone, err)
	}
	if _, err := os.Stat(req.Source.Path); err != nil {
		return Result{}, NewError(KindDependency, PhaseNone, fmt.Errorf("source image: %w", err))
	}

	started := time.Now()
	logger.Info("starting build", "source", req.Source.Path, "cache_key", req.CacheKey, "scripts", len(req.Scripts))

	entry, err := o.run(ctx, session)
	if err != nil {
		logger.Error("build failed", "error", err)
		return Result{}, err
	}

	duration := time.Since(started)
	logger.Info("build complete", "path", entry.Path, "size", entry.Size, "duration", duration)
	return Result{SessionID: id, Entry: entry, Duration: duration}, nil
}

func (o *Orchestrator) run(ctx context.Context, s *Session) (cache.Entry, error) {
	var entry cache.Entry
	steps := []step{
		{PhaseDiskCreated, KindInternal, o.createDisk},
		{PhaseAuxServerRunning, KindInternal, o.startAnswerServer},
		{PhaseInstallerKernelExtracted, KindExtraction, o.extractBootFiles},
		{PhaseInstallerBooted, KindInternal, o.bootInstaller},
		{PhaseInstallComplete, KindTimeout, o.waitForInstall},
		{PhaseSystemBooted, KindInternal, o.bootSystem},
		{PhaseShellReady, KindTimeout, o.waitForShell},
		{PhaseProvisioned, KindProvisioning, o.provision},
		{PhaseFinalized, KindProvisioning, o.finalize},
		{PhaseShutDown, KindInternal, o.shutdown},
		{PhaseRegistered, KindInternal, func(ctx context.Context, s *Session) error {
			var err error
			entry, err = o.register(ctx, s)
			return err
		}},
	}

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return cache.Entry{}, NewError(KindCanceled, s.Phase(), err)
		}
		if err := st.run(ctx, s); err != nil {
			return cache.Entry{}, NewError(st.kind, s.Phase(), err)
		}
		if err := s.advance(st.phase); err != nil {
			return cache.Entry{}, NewError(KindInternal, s.Phase(), err)
		}
		s.logger.Info("phase complete", "phase", st.phase.String())
		o.emit(Event{Phase: st.phase, Message: st.phase.String()})
	}
	return entry, nil
}

func (o *Orchestrator) createDisk(ctx context.Context, s *Session) error {
	req := s.Request
	if err := os.MkdirAll(req.ImageDir, 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}
	// The work dir lives next to the final image so registration is a rename.
	workDir, err := os.MkdirTemp(req.ImageDir, ".build-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	s.WorkDir = workDir
	s.onCleanup("remove work dir", func() error {
		if err := os.RemoveAll(workDir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})

	firmware, err := o.Hypervisor.PrepareFirmware(req.Arch, workDir)
	if err != nil {
		return NewError(KindDependency, s.Phase(), err)
	}
	s.Firmware = firmware

	s.DiskPath = filepath.Join(workDir, imageFilename(req))
	size := req.Profile.DiskSize(o.Defaults.DiskSize)
	if err := o.Hypervisor.CreateDisk(ctx, s.DiskPath, size); err != nil {
		return withOutput(KindInternal, s.Phase(), err, toolOutput(err))
	}
	s.logger.Info("disk created", "path", s.DiskPath, "size", size)
	return nil
}

func (o *Orchestrator) startAnswerServer(ctx context.Context, s *Session) error {
	key, err := remote.GenerateKeyPair(keyComment(s.ID))
	if err != nil {
		return err
	}
	s.Key = key

	factory := o.Answers
	if factory == nil {
		factory = NewAnswerServer
	}
	srv, err := factory(AnswerRequest{
		Profile:       s.Request.Profile,
		Username:      o.username(s.Request),
		AuthorizedKey: key.AuthorizedKey,
		TemplateDir:   o.TemplateDir,
	})
	if err != nil {
		return NewError(KindConfiguration, s.Phase(), err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start answer server: %w", err)
	}
	s.Answers = srv
	s.onCleanup("stop answer server", srv.Stop)

	s.logger.Info("answer server listening", "port", srv.Port())
	return nil
}

func (o *Orchestrator) extractBootFiles(_ context.Context, s *Session) error {
	extract := o.Extract
	if extract == nil {
		extract = ExtractBootFiles
	}
	overrides := BootFiles{
		Kernel: s.Request.Profile.String("installer_kernel"),
		Initrd: s.Request.Profile.String("installer_initrd"),
	}
	boot, err := extract(s.Request.Source.Path, s.Request.Arch, overrides, filepath.Join(s.WorkDir, "boot"))
	if err != nil {
		return err
	}
	s.Boot = boot
	s.logger.Debug("installer extracted", "kernel", boot.Kernel, "initrd", boot.Initrd)
	return nil
}

func (o *Orchestrator) bootInstaller(ctx context.Context, s *Session) error {
	cfg := o.machineConfig(s, "installer")
	cfg.CDROM = s.Request.Source.Path
	cfg.Kernel = s.Boot.Kernel
	cfg.Initrd = s.Boot.Initrd
	cfg.Append = InstallerAppend(s.Answers.AnswerFileURL(answer.GuestHost), hypervisor.SerialConsole(s.Request.Arch))

	s.onCleanup("kill machine", func() error {
		if s.Machine == nil {
			return nil
		}
		return s.Machine.Kill()
	})

	machine, err := o.Hypervisor.Launch(ctx, cfg)
	if err != nil {
		return fmt.Errorf("boot installer: %w", err)
	}
	s.Machine = machine
	s.logger.Info("installer booted", "pid", machine.PID())
	return nil
}

func (o *Orchestrator) waitForInstall(ctx context.Context, s *Session) error {
	budget := s.Request.Profile.SSHTimeout(o.Defaults.SSHTimeout)
	o.emit(Event{Phase: s.Phase(), Message: "installing"})

	err := s.Machine.Wait(ctx, budget)
	switch {
	case err == nil:
	case errors.Is(err, ErrMachineRunning):
		output := tailFile(filepath.Join(s.WorkDir, "installer-serial.log"), outputTail)
		if s.Answers != nil {
			requests := s.Answers.Log()
			if requests == "" {
				requests = "(no requests)\n"
			}
			output += "\n--- answer server requests ---\n" + requests
		}
		return withOutput(KindTimeout, s.Phase(),
			fmt.Errorf("installer did not finish within %s: %w", budget, err), output)
	case ctx.Err() != nil:
		return err
	default:
		return withOutput(KindInternal, s.Phase(), fmt.Errorf("installer exited abnormally: %w", err), s.Machine.Output())
	}

	// The guest no longer needs the answer file.
	if err := s.Answers.Stop(); err != nil {
		s.logger.Warn("stop answer server", "error", err)
	}
	return nil
}

func (o *Orchestrator) bootSystem(ctx context.Context, s *Session) error {
	port, err := o.Hypervisor.ReservePort()
	if err != nil {
		return err
	}
	s.SSHPort = port

	cfg := o.machineConfig(s, "system")
	cfg.SSHPort = port

	machine, err := o.Hypervisor.Launch(ctx, cfg)
	if err != nil {
		return fmt.Errorf("boot installed system: %w", err)
	}
	s.Machine = machine
	s.logger.Info("system booted", "pid", machine.PID(), "ssh_port", port)
	return nil
}

func (o *Orchestrator) waitForShell(ctx context.Context, s *Session) error {
	budget := s.Request.Profile.SSHTimeout(o.Defaults.SSHTimeout)
	deadline := time.Now().Add(budget)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.SSHPort))

	o.emit(Event{Phase: s.Phase(), Message: "waiting for ssh banner"})
	if err := o.Shells.WaitForBanner(ctx, addr, budget, o.Defaults.PollInterval); err != nil {
		return o.shellError(s, err)
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return fmt.Errorf("%w: budget of %s spent waiting for banner", ErrShellNotReady, budget)
	}

	target := ShellTarget{Host: "127.0.0.1", Port: s.SSHPort, User: o.username(s.Request), Key: s.Key}
	shell, err := o.Shells.Connect(ctx, target, remaining, o.Defaults.PollInterval, func(a remote.Attempt) {
		s.logger.Debug("ssh not ready", "attempt", a.Number, "remaining", a.Remaining, "error", a.Err)
		o.emit(Event{Phase: s.Phase(), Message: "waiting for ssh", Attempt: a.Number, Remaining: a.Remaining})
	})
	if err != nil {
		return o.shellError(s, err)
	}
	s.Shell = shell
	s.onCleanup("close shell", func() error {
		if s.Shell == nil {
			return nil
		}
		shell := s.Shell
		s.Shell = nil
		return shell.Close()
	})

	if delay := o.Defaults.SettleDelay; delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil
}

func (o *Orchestrator) shellError(s *Session, err error) error {
	if errors.Is(err, ErrShellNotReady) {
		return withOutput(KindTimeout, s.Phase(), err, s.Machine.Output())
	}
	return NewError(KindInternal, s.Phase(), err)
}

func (o *Orchestrator) provision(ctx context.Context, s *Session) error {
	for i, script := range s.Request.Scripts {
		remotePath := fmt.Sprintf("%s/%02d-%s.sh", ScriptDir, i+1, script.Name)
		logger := s.logger.With("script", script.Name)
		o.emit(Event{Phase: s.Phase(), Message: "running " + script.Name})

		if err := s.Shell.UploadContent(ctx, script.Content, remotePath, 0o755, true); err != nil {
			return fmt.Errorf("upload script %s: %w", script.Name, err)
		}

		started := time.Now()
		code, output, err := o.runRemote(ctx, s, remotePath)
		if err != nil {
			return withOutput(KindProvisioning, s.Phase(), fmt.Errorf("script %s: %w", script.Name, err), output)
		}
		if code != 0 {
			return &Error{
				Kind:   KindProvisioning,
				Phase:  s.Phase(),
				Err:    fmt.Errorf("script %s exited with status %d", script.Name, code),
				Output: output,
			}
		}
		logger.Info("script complete", "duration", time.Since(started).Round(time.Millisecond))
	}
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, s *Session) error {
	code, output, err := o.runRemote(ctx, s, finalizeScript(keyComment(s.ID)))
	if err != nil {
		return withOutput(KindProvisioning, s.Phase(), fmt.Errorf("finalize: %w", err), output)
	}
	if code != 0 {
		return &Error{
			Kind:   KindProvisioning,
			Phase:  s.Phase(),
			Err:    fmt.Errorf("finalize exited with status %d", code),
			Output: output,
		}
	}
	return nil
}

// runRemote runs command elevated within the per-command timeout and returns
// its combined output.
func (o *Orchestrator) runRemote(ctx context.Context, s *Session, command string) (int, string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, o.Defaults.CommandTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	var outW, errW io.Writer = &stdout, &stderr
	if o.ScriptOutput != nil {
		outW = io.MultiWriter(&stdout, o.ScriptOutput)
		errW = io.MultiWriter(&stderr, o.ScriptOutput)
	}

	code, err := s.Shell.ExecuteStream(cmdCtx, command, true, outW, errW)
	output := formatOutput(stdout.String(), stderr.String())
	if err != nil && ctx.Err() == nil && errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return code, output, &Error{
			Kind:   KindTimeout,
			Phase:  s.Phase(),
			Err:    fmt.Errorf("remote command exceeded %s: %w", o.Defaults.CommandTimeout, err),
			Output: output,
		}
	}
	return code, output, err
}

func (o *Orchestrator) shutdown(ctx context.Context, s *Session) error {
	o.emit(Event{Phase: s.Phase(), Message: "shutting down"})

	poweroffCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	// The connection usually drops before an exit status arrives.
	if _, err := s.Shell.Execute(poweroffCtx, "systemctl poweroff", true); err != nil {
		s.logger.Debug("poweroff returned", "error", err)
	}
	cancel()

	if s.Shell != nil {
		_ = s.Shell.Close()
		s.Shell = nil
	}

	err := s.Machine.Wait(ctx, o.Defaults.ShutdownGrace)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMachineRunning):
		s.logger.Warn("guest did not power off in time, stopping machine", "grace", o.Defaults.ShutdownGrace)
		return s.Machine.Shutdown(o.Defaults.ShutdownTimeout)
	case ctx.Err() != nil:
		return err
	default:
		s.logger.Debug("machine exited", "error", err)
		return nil
	}
}

func (o *Orchestrator) register(_ context.Context, s *Session) (cache.Entry, error) {
	req := s.Request
	dest := filepath.Join(req.ImageDir, imageFilename(req))
	if err := os.Rename(s.DiskPath, dest); err != nil {
		return cache.Entry{}, fmt.Errorf("move image into place: %w", err)
	}
	s.DiskPath = dest

	info, err := os.Stat(dest)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("stat image: %w", err)
	}
	if !info.Mode().IsRegular() {
		return cache.Entry{}, fmt.Errorf("image %s is not a regular file", dest)
	}

	entry := cache.Entry{
		Profile:     req.Profile.Name,
		Arch:        req.Arch,
		Path:        dest,
		Filename:    filepath.Base(dest),
		SourceImage: req.Source.Key,
		CacheKey:    req.CacheKey,
		BuildTime:   time.Now().UTC(),
		Size:        info.Size(),
		Deployments: []cache.Deployment{},
	}
	if err := o.Registry.Register(entry); err != nil {
		return cache.Entry{}, fmt.Errorf("register image: %w", err)
	}
	return entry, nil
}

func (o *Orchestrator) machineConfig(s *Session, role string) MachineConfig {
	req := s.Request
	return MachineConfig{
		Name:      fmt.Sprintf("%s-%s-%s", req.Profile.Name, req.Arch, role),
		Arch:      req.Arch,
		MemoryMB:  req.Profile.MemoryMB(o.Defaults.MemoryMB),
		CPUs:      req.Profile.CPUs(o.Defaults.CPUs),
		Disk:      s.DiskPath,
		NoReboot:  true,
		Firmware:  s.Firmware,
		SerialLog: filepath.Join(s.WorkDir, role+"-serial.log"),
	}
}

func (o *Orchestrator) validate(req Request) error {
	var problems []error
	if req.Profile.Name == "" {
		problems = append(problems, errors.New("profile name is required"))
	}
	if !req.Arch.IsValid() {
		problems = append(problems, fmt.Errorf("unsupported architecture %q", req.Arch))
	}
	if req.Source.Path == "" {
		problems = append(problems, errors.New("source image path is required"))
	}
	if req.CacheKey == "" {
		problems = append(problems, errors.New("cache key is required"))
	}
	if req.ImageDir == "" {
		problems = append(problems, errors.New("image dir is required"))
	}
	if o.Hypervisor == nil || o.Shells == nil || o.Registry == nil {
		problems = append(problems, errors.New("orchestrator is missing a hypervisor, shell dialer or registry"))
	}
	return errors.Join(problems...)
}

func (o *Orchestrator) username(req Request) string {
	return req.Profile.Username(o.Defaults.SSHUser)
}

func (o *Orchestrator) emit(event Event) {
	if o.Progress != nil {
		o.Progress(event)
	}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// InstallerAppend is the kernel command line for an unattended install.
func InstallerAppend(answerURL, console string) string {
	return strings.Join([]string{
		"auto=true",
		"priority=critical",
		"preseed/url=" + answerURL,
		"DEBIAN_FRONTEND=text",
		"console=" + console + ",115200n8",
	}, " ")
}

func imageFilename(req Request) string {
	return cache.EntryKey(req.Profile.Name, req.Arch) + ".qcow2"
}

func keyComment(sessionID string) string {
	return "kiln-build-" + sessionID
}

func formatOutput(stdout, stderr string) string {
	var b strings.Builder
	if s := strings.TrimSpace(stdout); s != "" {
		b.WriteString("stdout:\n")
		b.WriteString(tail(s, outputTail))
		b.WriteString("\n")
	}
	if s := strings.TrimSpace(stderr); s != "" {
		b.WriteString("stderr:\n")
		b.WriteString(tail(s, outputTail))
		b.WriteString("\n")
	}
	return b.String()
}

func toolOutput(err error) string {
	var toolErr *hypervisor.ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Output
	}
	return ""
}

func tailFile(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return tail(string(data), n)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
