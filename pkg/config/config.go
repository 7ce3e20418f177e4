package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/minerlink/minerlink/pkg/auth"
	"github.com/minerlink/minerlink/pkg/backend/batch"
	"github.com/minerlink/minerlink/pkg/backend/remote"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/journal"
	"github.com/minerlink/minerlink/pkg/orchestrator"
	"github.com/minerlink/minerlink/pkg/telemetry"
	"github.com/minerlink/minerlink/pkg/transports/ssh"
)

// Environment variables read by ApplyEnv.
const (
	EnvHome      = "MINERLINK_HOME"
	EnvServerURL = "MINERLINK_SERVER_URL"
	EnvToken     = "MINERLINK_TOKEN"
	EnvLogLevel  = "LOG_LEVEL"
)

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	return &Config{
		Telemetry:    *telemetry.DefaultConfig(),
		Server:       ServerConfig{Config: remote.DefaultConfig("")},
		Batch:        batch.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Journal: JournalConfig{Config: journal.Config{
			Path:        defaultJournalPath(),
			BusyTimeout: 5 * time.Second,
		}},
	}
}

func defaultJournalPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "minerlink-journal.db"
	}
	return filepath.Join(dir, "minerlink", "journal.db")
}

// Load reads the given sources, applies the environment and validates the
// result. Without sources it starts from the defaults.
func Load(sources ...string) (*Config, error) {
	var cfg *Config
	if len(sources) == 0 {
		cfg = Default()
	} else {
		l, err := NewLoader()
		if err != nil {
			return nil, err
		}
		if cfg, err = l.Load(sources...); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvHome); ok && v != "" {
		c.Batch.Home = v
	}
	if v, ok := lookup(EnvServerURL); ok && v != "" {
		c.Server.URL = v
	}
	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Server.Auth.Token = v
		if c.Server.Auth.Method == "" {
			c.Server.Auth.Method = AuthToken
		}
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Telemetry.Logging.Level = v
	}
}

// applyDefaults fills what a partial document left at zero.
func (c *Config) applyDefaults() {
	def := remote.DefaultConfig("")
	if c.Server.PollInterval == 0 {
		c.Server.PollInterval = def.PollInterval
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = def.RequestTimeout
	}
	if c.Batch.GOOS == "" {
		c.Batch.GOOS = runtime.GOOS
	}
	if s := c.Filesystem.SFTP; s != nil {
		d := ssh.DefaultConfig(s.Host, s.User)
		if s.Port == 0 {
			s.Port = d.Port
		}
		if s.AuthMethod == "" {
			s.AuthMethod = d.AuthMethod
		}
		if s.KnownHostsPath == "" {
			s.KnownHostsPath = d.KnownHostsPath
		}
		if s.Root == "" {
			s.Root = d.Root
		}
		if s.ConnectionTimeout == 0 {
			s.ConnectionTimeout = d.ConnectionTimeout
		}
		if s.MaxKeepAliveRetries == 0 {
			s.MaxKeepAliveRetries = d.MaxKeepAliveRetries
		}
		if s.ProxyHost != "" && s.ProxyPort == 0 {
			s.ProxyPort = d.ProxyPort
		}
	}
	if c.Journal.Path == "" {
		c.Journal.Path = defaultJournalPath()
	}
}

// Validate checks struct constraints. The server section is only checked
// once a URL is set.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.StructExcept(c, "Server"); err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "invalid configuration", err)
	}
	if c.Server.Configured() {
		if err := v.Struct(c.Server); err != nil {
			return errs.Wrap(errs.KindInvalidArgument, "invalid server configuration", err)
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "invalid telemetry configuration", err)
	}
	if s := c.Filesystem.SFTP; s != nil {
		if err := s.Validate(); err != nil {
			return errs.Wrap(errs.KindInvalidArgument, "invalid sftp configuration", err)
		}
	}
	return nil
}

// Provider builds the token provider the auth section describes. It
// returns nil when requests go unauthenticated.
func (a AuthConfig) Provider() (auth.TokenProvider, error) {
	method := a.Method
	if method == "" {
		switch {
		case a.Token != "":
			method = AuthToken
		case a.Keycloak != nil:
			method = AuthKeycloak
		case a.Username != "":
			method = AuthBasic
		default:
			method = AuthNone
		}
	}

	switch method {
	case AuthNone:
		return nil, nil
	case AuthBasic:
		if a.Username == "" {
			return nil, errs.New(errs.KindInvalidArgument, "basic authentication needs a username")
		}
		return auth.Basic{Username: a.Username, Password: a.Password}, nil
	case AuthToken:
		if a.Token == "" {
			return nil, errs.New(errs.KindInvalidArgument, "token authentication needs a token")
		}
		return auth.APIToken{Token: a.Token}, nil
	case AuthKeycloak:
		if a.Keycloak == nil {
			return nil, errs.New(errs.KindInvalidArgument, "keycloak authentication needs a keycloak section")
		}
		if err := validator.New().Struct(a.Keycloak); err != nil {
			return nil, errs.Wrap(errs.KindInvalidArgument, "invalid keycloak configuration", err)
		}
		return auth.NewKeycloak(*a.Keycloak), nil
	}
	return nil, errs.Newf(errs.KindInvalidArgument, "unknown authentication method %q", method)
}
