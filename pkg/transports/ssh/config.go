package ssh

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// Config holds the settings for reaching a shared repository directory over
// SFTP.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `yaml:"host" json:"host" validate:"required"`

	// Port is the SSH port (default: 22)
	Port int `yaml:"port" json:"port" validate:"min=1,max=65535"`

	// User is the SSH username
	User string `yaml:"user" json:"user" validate:"required"`

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod `yaml:"auth_method" json:"auth_method" validate:"omitempty,oneof=password key"`

	// Password for password-based authentication
	Password string `yaml:"password,omitempty" json:"-"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `yaml:"private_key_path,omitempty" json:"private_key_path,omitempty"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `yaml:"private_key_passphrase,omitempty" json:"-"`

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string `yaml:"known_hosts_path,omitempty" json:"known_hosts_path,omitempty"`

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking" json:"strict_host_key_checking"`

	// Root is the remote directory that repository paths are resolved under
	Root string `yaml:"root" json:"root"`

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`

	// KeepAliveInterval is the interval for sending keep-alive messages.
	// Zero disables keep-alive.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" json:"keep_alive_interval"`

	// MaxKeepAliveRetries is the number of failed keep-alives tolerated
	MaxKeepAliveRetries int `yaml:"max_keep_alive_retries" json:"max_keep_alive_retries"`

	// ProxyHost is the hostname of a jump host (optional)
	ProxyHost string `yaml:"proxy_host,omitempty" json:"proxy_host,omitempty"`

	// ProxyPort is the port of the jump host
	ProxyPort int `yaml:"proxy_port,omitempty" json:"proxy_port,omitempty"`

	// ProxyUser is the username for the jump host
	ProxyUser string `yaml:"proxy_user,omitempty" json:"proxy_user,omitempty"`

	// ProxyPassword authenticates against the jump host
	ProxyPassword string `yaml:"proxy_password,omitempty" json:"-"`

	// ProxyPrivateKeyPath is the jump host's private key
	ProxyPrivateKeyPath string `yaml:"proxy_private_key_path,omitempty" json:"proxy_private_key_path,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		Root:                  "/",
		ConnectionTimeout:     30 * time.Second,
		MaxKeepAliveRetries:   3,
		ProxyPort:             22,
	}
}

// Validate checks if the configuration is valid. For key authentication
// without an explicit key the usual ~/.ssh identities are tried.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			homeDir := os.Getenv("HOME")
			for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
				keyPath := filepath.Join(homeDir, ".ssh", name)
				if _, err := os.Stat(keyPath); err == nil {
					c.PrivateKeyPath = keyPath
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.Root != "" && !path.IsAbs(c.Root) {
		return fmt.Errorf("root must be an absolute remote path: %s", c.Root)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
	}

	return nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := authMethods(c.AuthMethod, c.Password, c.PrivateKeyPath, c.PrivateKeyPassphrase)
	if err != nil {
		return nil, err
	}
	return c.clientConfig(c.User, auth)
}

func (c *Config) buildProxyClientConfig() (*ssh.ClientConfig, error) {
	method := AuthMethodKey
	if c.ProxyPassword != "" {
		method = AuthMethodPassword
	}
	auth, err := authMethods(method, c.ProxyPassword, c.ProxyPrivateKeyPath, "")
	if err != nil {
		return nil, err
	}
	return c.clientConfig(c.ProxyUser, auth)
}

func (c *Config) clientConfig(user string, auth []ssh.AuthMethod) (*ssh.ClientConfig, error) {
	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func authMethods(method AuthMethod, password, keyPath, passphrase string) ([]ssh.AuthMethod, error) {
	switch method {
	case AuthMethodPassword:
		// Many servers prompt through keyboard-interactive instead of
		// accepting the password method directly.
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	return nil, fmt.Errorf("unsupported auth method: %s", method)
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProxyAddress returns the formatted proxy address (host:port).
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.ProxyHost, c.ProxyPort)
}

// IsProxyEnabled returns true if a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}
