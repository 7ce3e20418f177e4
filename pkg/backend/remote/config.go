package remote

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config configures the remote service backend.
type Config struct {
	// URL is the service base URL, scheme and host included.
	URL string `yaml:"url" json:"url" validate:"required,url"`

	// Username owns the temp folder jobs stage their data in.
	Username string `yaml:"username" json:"username"`

	// TempFolder overrides the per-user temp folder /home/<user>/tmp/.
	TempFolder string `yaml:"temp_folder" json:"temp_folder"`

	// SizeLimitKB rejects larger uploads before sending them and larger
	// downloads before reading them. Zero disables the check.
	SizeLimitKB int64 `yaml:"size_limit_kb" json:"size_limit_kb" validate:"min=0"`

	// PollInterval is the delay between two job status requests.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// DefaultConfig returns a configuration for the service at serverURL.
func DefaultConfig(serverURL string) Config {
	return Config{
		URL:            serverURL,
		SizeLimitKB:    50000,
		PollInterval:   6 * time.Second,
		RequestTimeout: 5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("service url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("service url %q is not absolute", c.URL)
	}
	if c.SizeLimitKB < 0 {
		return fmt.Errorf("size limit must not be negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.TempFolder != "" && !strings.HasPrefix(c.TempFolder, "/") {
		return fmt.Errorf("temp folder must be an absolute repository path")
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.URL)
	if c.PollInterval == 0 {
		c.PollInterval = def.PollInterval
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	c.URL = strings.TrimSuffix(c.URL, "/")
}

// sizeLimit is the limit in bytes, or 0.
func (c *Config) sizeLimit() int64 {
	return c.SizeLimitKB * 1024
}

// tempFolder is the repository folder job namespaces are created in.
func (c *Config) tempFolder() string {
	if c.TempFolder != "" {
		return c.TempFolder
	}
	if c.Username != "" {
		return "/home/" + c.Username + "/tmp/"
	}
	return "/tmp/"
}
