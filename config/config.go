package config

import (
	"fmt"
	"path/filepath"
	"runtime"

	units "github.com/docker/go-units"
	coretypes "github.com/projecteru2/core/types"
)

// stateDir is the hidden directory under BuildDir holding checkpoint,
// locks, and the VM index.
const stateDir = ".ffubuilder"

// VMConfig describes the build VM handed to the hypervisor collaborator.
type VMConfig struct {
	// Name of the build VM. Defaults to "ffubuilder-<buildId prefix>" when empty.
	Name string `json:"name"`
	// CPU count for the build VM.
	CPU int `json:"cpu"`
	// Memory is a human size string, e.g. "8G".
	Memory string `json:"memory"`
	// SwitchName is the virtual switch the VM attaches to.
	SwitchName string `json:"switch_name"`
}

// Config holds global ffubuilder configuration.
type Config struct {
	// BuildDir is the base directory for build artifacts and state.
	BuildDir string `json:"build_dir"`
	// ISOPath is the Windows installation ISO the build starts from.
	ISOPath string `json:"iso_path"`
	// VHDXSize is a human size string for the scratch disk, e.g. "30G".
	VHDXSize string `json:"vhdx_size"`
	// PoolSize is the goroutine pool size for concurrent downloads.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size"`
	// StopTimeoutSeconds bounds the graceful VM shutdown wait.
	StopTimeoutSeconds int `json:"stop_timeout_seconds"`

	// DriverURLs and UpdateURLs list the payloads fetched during the
	// download phases.
	DriverURLs []string `json:"driver_urls"`
	UpdateURLs []string `json:"update_urls"`

	// AppsDir holds installers packed into the apps ISO. Optional.
	AppsDir string `json:"apps_dir"`
	// USBTarget is a mounted USB stick to receive the deployment media.
	// USB creation is skipped when empty.
	USBTarget string `json:"usb_target"`

	// VM configures the build VM.
	VM VMConfig `json:"vm"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BuildDir:           "/var/lib/ffubuilder",
		VHDXSize:           "30G",
		PoolSize:           runtime.NumCPU(),
		StopTimeoutSeconds: 300,
		VM: VMConfig{
			CPU:    4,
			Memory: "8G",
		},
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Validate checks the parseable fields once at startup.
func (c *Config) Validate() error {
	if c.BuildDir == "" {
		return fmt.Errorf("build_dir must not be empty")
	}
	if _, err := units.RAMInBytes(c.VHDXSize); err != nil {
		return fmt.Errorf("invalid vhdx_size %q: %w", c.VHDXSize, err)
	}
	if _, err := units.RAMInBytes(c.VM.Memory); err != nil {
		return fmt.Errorf("invalid vm.memory %q: %w", c.VM.Memory, err)
	}
	return nil
}

// VHDXBytes returns the parsed scratch disk size.
func (c *Config) VHDXBytes() (int64, error) {
	return units.RAMInBytes(c.VHDXSize)
}

// MemoryBytes returns the parsed VM memory size.
func (v *VMConfig) MemoryBytes() (int64, error) {
	return units.RAMInBytes(v.Memory)
}

// StateDir returns the hidden state directory.
func (c *Config) StateDir() string { return filepath.Join(c.BuildDir, stateDir) }

// BuildLock returns the path of the flock serializing whole builds.
func (c *Config) BuildLock() string { return filepath.Join(c.StateDir(), "builder.lock") }

// VMIndexFile returns the persisted VM index path.
func (c *Config) VMIndexFile() string { return filepath.Join(c.StateDir(), "vms.json") }

// VMIndexLock returns the VM index flock path.
func (c *Config) VMIndexLock() string { return filepath.Join(c.StateDir(), "vms.lock") }

// TempDir returns the scratch directory for in-flight downloads.
func (c *Config) TempDir() string { return filepath.Join(c.BuildDir, "tmp") }

// DriversDir returns the downloaded-drivers folder.
func (c *Config) DriversDir() string { return filepath.Join(c.BuildDir, "drivers") }

// UpdatesDir returns the downloaded-updates folder.
func (c *Config) UpdatesDir() string { return filepath.Join(c.BuildDir, "updates") }

// OfficeDir returns the downloaded-Office folder.
func (c *Config) OfficeDir() string { return filepath.Join(c.BuildDir, "office") }

// MountDir returns the DISM mount directory for offline servicing.
func (c *Config) MountDir() string { return filepath.Join(c.BuildDir, "mount") }

// VHDXPath returns the scratch disk path.
func (c *Config) VHDXPath() string { return filepath.Join(c.BuildDir, "scratch.vhdx") }

// AppsISOPath returns the generated apps ISO path.
func (c *Config) AppsISOPath() string { return filepath.Join(c.BuildDir, "apps.iso") }

// FFUPath returns the captured FFU image path.
func (c *Config) FFUPath() string { return filepath.Join(c.BuildDir, "capture.ffu") }

// DeployDir returns the deployment media folder.
func (c *Config) DeployDir() string { return filepath.Join(c.BuildDir, "deploy") }

// DeployISOPath returns the deployment media ISO path.
func (c *Config) DeployISOPath() string { return filepath.Join(c.BuildDir, "deploy.iso") }
