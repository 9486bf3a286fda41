// Package config holds the explicit configuration passed into every kiln
// component. Nothing outside this package and cmd/ consults the process
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/kiln/arch"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "KILN_"

// LocalBuilder is the builder mapping value that selects the current host.
const LocalBuilder = "local"

// Paths are the host locations from which defaults are derived. They are
// resolved once at the entry point.
type Paths struct {
	Home       string
	ConfigHome string
	DataHome   string
	WorkingDir string
}

// Config describes everything a build needs to locate inputs and drive QEMU.
type Config struct {
	ImageDir    string   `yaml:"image_dir" env:"IMAGE_DIR"`
	ISODir      string   `yaml:"iso_dir" env:"ISO_DIR"`
	ProfileDirs []string `yaml:"profile_dirs" env:"PROFILE_DIRS" envSeparator:":"`
	ScriptDirs  []string `yaml:"script_dirs" env:"SCRIPT_DIRS" envSeparator:":"`
	TemplateDir string   `yaml:"template_dir" env:"TEMPLATE_DIR"`

	// Builders maps a target architecture to "local" or the name of an entry in Remotes.
	Builders map[string]string `yaml:"builders" env:"BUILDERS"`
	Remotes  map[string]Remote `yaml:"remotes"`

	Defaults   BuildDefaults    `yaml:"defaults" envPrefix:"DEFAULT_"`
	Hypervisor HypervisorConfig `yaml:"hypervisor" envPrefix:"QEMU_"`
}

// Remote identifies a build host reachable over SSH.
type Remote struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
}

// BuildDefaults apply when a profile does not override them.
type BuildDefaults struct {
	DiskSize        string        `yaml:"disk_size" env:"DISK_SIZE"`
	MemoryMB        int           `yaml:"memory" env:"MEMORY"`
	CPUs            int           `yaml:"cpus" env:"CPUS"`
	SSHUser         string        `yaml:"ssh_user" env:"SSH_USER"`
	SSHTimeout      time.Duration `yaml:"ssh_timeout" env:"SSH_TIMEOUT"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	SettleDelay     time.Duration `yaml:"settle_delay" env:"SETTLE_DELAY"`
	CommandTimeout  time.Duration `yaml:"command_timeout" env:"COMMAND_TIMEOUT"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// HypervisorConfig locates the QEMU tooling and firmware.
type HypervisorConfig struct {
	QemuImg      string   `yaml:"qemu_img" env:"IMG"`
	SystemPrefix string   `yaml:"system_prefix" env:"SYSTEM_PREFIX"`
	Accelerator  string   `yaml:"accelerator" env:"ACCELERATOR"`
	FirmwareCode []string `yaml:"firmware_code" env:"FIRMWARE_CODE" envSeparator:":"`
	FirmwareVars []string `yaml:"firmware_vars" env:"FIRMWARE_VARS" envSeparator:":"`
}

// DefaultFirmwareCode lists well-known aarch64 UEFI code images across distributions and Homebrew.
var DefaultFirmwareCode = []string{
	"/usr/share/AAVMF/AAVMF_CODE.fd",
	"/usr/share/qemu-efi-aarch64/QEMU_EFI.fd",
	"/usr/share/edk2/aarch64/QEMU_EFI-pflash.raw",
	"/usr/share/qemu/edk2-aarch64-code.fd",
	"/opt/homebrew/share/qemu/edk2-aarch64-code.fd",
	"/usr/local/share/qemu/edk2-aarch64-code.fd",
}

// DefaultFirmwareVars lists matching writable variable store templates.
var DefaultFirmwareVars = []string{
	"/usr/share/AAVMF/AAVMF_VARS.fd",
	"/usr/share/edk2/aarch64/vars-template-pflash.raw",
	"/usr/share/qemu/edk2-arm-vars.fd",
	"/opt/homebrew/share/qemu/edk2-arm-vars.fd",
	"/usr/local/share/qemu/edk2-arm-vars.fd",
}

// Default returns the configuration used when no file or environment overrides exist.
func Default(paths Paths) Config {
	configHome := paths.ConfigHome
	if configHome == "" {
		configHome = filepath.Join(paths.Home, ".config")
	}
	dataHome := paths.DataHome
	if dataHome == "" {
		dataHome = filepath.Join(paths.Home, ".local", "share")
	}

	var profileDirs, scriptDirs []string
	if paths.WorkingDir != "" {
		profileDirs = append(profileDirs, filepath.Join(paths.WorkingDir, "profiles"))
		scriptDirs = append(scriptDirs, filepath.Join(paths.WorkingDir, "scripts"))
	}
	profileDirs = append(profileDirs, filepath.Join(configHome, "kiln", "profiles"))
	scriptDirs = append(scriptDirs, filepath.Join(configHome, "kiln", "scripts"))

	return Config{
		ImageDir:    filepath.Join(dataHome, "kiln", "images"),
		ISODir:      filepath.Join(dataHome, "kiln", "isos"),
		ProfileDirs: profileDirs,
		ScriptDirs:  scriptDirs,
		Builders:    map[string]string{},
		Remotes:     map[string]Remote{},
		Defaults: BuildDefaults{
			DiskSize:        "20G",
			MemoryMB:        2048,
			CPUs:            2,
			SSHUser:         "kiln",
			SSHTimeout:      45 * time.Minute,
			PollInterval:    5 * time.Second,
			SettleDelay:     10 * time.Second,
			CommandTimeout:  30 * time.Minute,
			ShutdownGrace:   60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Hypervisor: HypervisorConfig{
			QemuImg:      "qemu-img",
			SystemPrefix: "qemu-system-",
			FirmwareCode: append([]string(nil), DefaultFirmwareCode...),
			FirmwareVars: append([]string(nil), DefaultFirmwareVars...),
		},
	}
}

// DefaultFile is where Load looks when no explicit path is given.
func DefaultFile(paths Paths) string {
	configHome := paths.ConfigHome
	if configHome == "" {
		configHome = filepath.Join(paths.Home, ".config")
	}
	return filepath.Join(configHome, "kiln", "config.yaml")
}

// Load layers the YAML file at path (optional unless explicit is set) and
// KILN_* entries from environ over Default(paths).
func Load(paths Paths, path string, explicit bool, environ []string) (Config, error) {
	cfg := Default(paths)

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
		Prefix:      EnvPrefix,
	}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.expand(paths.Home)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would fail later in a less obvious place.
func (c Config) Validate() error {
	var errs []error
	if c.ImageDir == "" {
		errs = append(errs, errors.New("image_dir must be set"))
	}
	if c.ISODir == "" {
		errs = append(errs, errors.New("iso_dir must be set"))
	}
	for key, target := range c.Builders {
		if arch.Normalize(key) == "" {
			errs = append(errs, fmt.Errorf("builders: unsupported architecture %q", key))
		}
		if strings.TrimSpace(target) == "" {
			errs = append(errs, fmt.Errorf("builders: empty target for %q", key))
		}
	}
	d := c.Defaults
	if d.MemoryMB <= 0 || d.CPUs <= 0 {
		errs = append(errs, errors.New("defaults: memory and cpus must be positive"))
	}
	if d.SSHTimeout <= 0 || d.PollInterval <= 0 || d.CommandTimeout <= 0 {
		errs = append(errs, errors.New("defaults: ssh_timeout, poll_interval and command_timeout must be positive"))
	}
	switch c.Hypervisor.Accelerator {
	case "", "kvm", "hvf", "tcg":
	default:
		errs = append(errs, fmt.Errorf("hypervisor: unknown accelerator %q", c.Hypervisor.Accelerator))
	}
	return errors.Join(errs...)
}

// BuilderMappings returns Builders keyed by canonical architecture.
func (c Config) BuilderMappings() map[arch.Architecture]string {
	out := make(map[arch.Architecture]string, len(c.Builders))
	for key, target := range c.Builders {
		if a := arch.Normalize(key); a != "" {
			out[a] = strings.TrimSpace(target)
		}
	}
	return out
}

// RegistryPath is the single registry file for ImageDir.
func (c Config) RegistryPath() string {
	return filepath.Join(c.ImageDir, "registry.json")
}

func (c *Config) expand(home string) {
	c.ImageDir = expandHome(c.ImageDir, home)
	c.ISODir = expandHome(c.ISODir, home)
	c.TemplateDir = expandHome(c.TemplateDir, home)
	for i := range c.ProfileDirs {
		c.ProfileDirs[i] = expandHome(c.ProfileDirs[i], home)
	}
	for i := range c.ScriptDirs {
		c.ScriptDirs[i] = expandHome(c.ScriptDirs[i], home)
	}
	for name, remote := range c.Remotes {
		remote.KeyPath = expandHome(remote.KeyPath, home)
		c.Remotes[name] = remote
	}
}

func expandHome(path, home string) string {
	if home == "" || path == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
