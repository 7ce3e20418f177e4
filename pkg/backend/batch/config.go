package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config configures the batch launcher backend.
type Config struct {
	// Home is the platform installation directory containing scripts/.
	Home string `yaml:"home" json:"home"`

	// ScratchDir is where per-call input and output directories are
	// created. Empty means the system temp directory.
	ScratchDir string `yaml:"scratch_dir" json:"scratch_dir"`

	// ClientVersion is passed to the launcher and written into exchange
	// metadata.
	ClientVersion string `yaml:"client_version" json:"client_version"`

	// MinPlatformVersion is the oldest platform accepted.
	MinPlatformVersion string `yaml:"min_platform_version" json:"min_platform_version"`

	// PollInterval is reported to the orchestrator. Runs are synchronous,
	// so it only spaces out status reads.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// GOOS selects launcher name and argument quoting. Defaults to the
	// running platform.
	GOOS string `yaml:"-" json:"-"`
}

// DefaultConfig returns the configuration for the running platform.
func DefaultConfig() Config {
	return Config{
		Home:               DefaultHome(runtime.GOOS),
		ClientVersion:      "9.10.0",
		MinPlatformVersion: "9.5.0",
		PollInterval:       10 * time.Millisecond,
		GOOS:               runtime.GOOS,
	}
}

// DefaultHome is the usual installation directory on goos. Other systems
// have no standard location and fall back to the working directory.
func DefaultHome(goos string) string {
	switch goos {
	case "windows":
		return "C:/Program Files/RapidMiner Studio"
	case "darwin":
		return "/Applications/RapidMiner Studio.app/Contents/Resources/RapidMiner-Studio"
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// Validate checks the configuration and that the installation exists.
func (c *Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("platform home is required")
	}
	scripts := filepath.Join(c.Home, scriptsDir)
	info, err := os.Stat(scripts)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("platform home %q has no %s directory; set the installation path explicitly", c.Home, scriptsDir)
	}
	if _, err := parseVersion(c.MinPlatformVersion); err != nil {
		return fmt.Errorf("invalid minimum platform version: %w", err)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ClientVersion == "" {
		c.ClientVersion = def.ClientVersion
	}
	if c.MinPlatformVersion == "" {
		c.MinPlatformVersion = def.MinPlatformVersion
	}
	if c.PollInterval == 0 {
		c.PollInterval = def.PollInterval
	}
	if c.GOOS == "" {
		c.GOOS = def.GOOS
	}
}
