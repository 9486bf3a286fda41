package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cochaviz/kiln/internal/build"
	qemuadapter "github.com/cochaviz/kiln/internal/build/adapters/qemu"
	sshadapter "github.com/cochaviz/kiln/internal/build/adapters/ssh"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/hypervisor"
	"github.com/cochaviz/kiln/internal/iso"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/manager"
	"github.com/cochaviz/kiln/internal/profile"
	"github.com/cochaviz/kiln/internal/router"
)

const (
	defaultLogLevel  = "warning"
	defaultLogFormat = "cli"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelWarn)

	switcher := logging.NewSwitchHandler(logging.NewCLI(os.Stderr, &levelVar).Handler())
	logger := slog.New(switcher)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, switcher, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		var buildErr *build.Error
		if errors.As(err, &buildErr) && buildErr.Output != "" {
			fmt.Fprintf(os.Stderr, "--- output ---\n%s\n--------------\n", buildErr.Output)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// session holds what the root command resolves before any subcommand runs.
type session struct {
	logger *slog.Logger
	cfg    config.Config
}

func newRootCommand(logger *slog.Logger, switcher *logging.SwitchHandler, levelVar *slog.LevelVar) *cobra.Command {
	var (
		logLevel   string
		logFormat  string
		configPath string
		state      = &session{logger: logger}
	)

	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Build cached virtual machine images from installation profiles",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", defaultLogFormat, "Log output format (cli, json)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file (default <config home>/kiln/config.yaml)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		levelVar.Set(level)
		switcher.Set(logging.New(mode, os.Stderr, levelVar).Handler())

		paths, err := resolvePaths()
		if err != nil {
			return err
		}
		explicit := configPath != ""
		if !explicit {
			configPath = config.DefaultFile(paths)
		}
		cfg, err := config.Load(paths, configPath, explicit, os.Environ())
		if err != nil {
			return err
		}
		state.cfg = cfg
		logger.Debug("configuration loaded", "file", configPath, "image_dir", cfg.ImageDir, "iso_dir", cfg.ISODir)
		return nil
	}

	root.AddCommand(newBuildCommand(state))
	return root
}

// resolvePaths is the only place kiln reads the process environment for
// directory layout.
func resolvePaths() (config.Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return config.Paths{}, fmt.Errorf("resolve home directory: %w", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		return config.Paths{}, fmt.Errorf("resolve working directory: %w", err)
	}
	return config.Paths{
		Home:       home,
		ConfigHome: os.Getenv("XDG_CONFIG_HOME"),
		DataHome:   os.Getenv("XDG_DATA_HOME"),
		WorkingDir: wd,
	}, nil
}

// newManager wires the concrete collaborators for cfg. progress may be nil;
// stream copies provisioning output to stderr.
func newManager(logger *slog.Logger, cfg config.Config, progress build.ProgressFunc, stream bool) *manager.Manager {
	qemu := hypervisor.New(hypervisor.Tools{
		QemuImg:      cfg.Hypervisor.QemuImg,
		SystemPrefix: cfg.Hypervisor.SystemPrefix,
	}, cfg.Hypervisor.Accelerator, logger.With("component", "hypervisor"))

	registry := cache.NewRegistry(cfg.RegistryPath())

	orchestrator := &build.Orchestrator{
		Logger: logger.With("component", "build"),
		Hypervisor: qemuadapter.New(qemu, hypervisor.FirmwareConfig{
			Code: cfg.Hypervisor.FirmwareCode,
			Vars: cfg.Hypervisor.FirmwareVars,
		}),
		Shells:      &sshadapter.Dialer{},
		Registry:    registry,
		Answers:     build.NewAnswerServer,
		Extract:     build.ExtractBootFiles,
		Defaults:    cfg.Defaults,
		TemplateDir: cfg.TemplateDir,
		Progress:    progress,
	}
	if stream {
		orchestrator.ScriptOutput = os.Stderr
	}

	return &manager.Manager{
		Logger:   logger.With("component", "manager"),
		ImageDir: cfg.ImageDir,
		Profiles: profile.Loader{Dirs: cfg.ProfileDirs},
		Scripts:  profile.ScriptResolver{Dirs: cfg.ScriptDirs},
		Sources:  iso.Catalog{Dir: cfg.ISODir},
		Router:   router.New(cfg, orchestrator),
		Registry: registry,
		Disks:    qemu,
	}
}

func displayPath(path string) string {
	if wd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(wd, path); err == nil && len(rel) < len(path) && rel[0] != '.' {
			return rel
		}
	}
	return path
}
