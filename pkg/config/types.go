package config

import (
	"fmt"

	"github.com/minerlink/minerlink/pkg/auth"
	"github.com/minerlink/minerlink/pkg/backend/batch"
	"github.com/minerlink/minerlink/pkg/backend/filesystem"
	"github.com/minerlink/minerlink/pkg/backend/remote"
	"github.com/minerlink/minerlink/pkg/journal"
	"github.com/minerlink/minerlink/pkg/orchestrator"
	"github.com/minerlink/minerlink/pkg/telemetry"
	"github.com/minerlink/minerlink/pkg/transports/ssh"
	"github.com/minerlink/minerlink/pkg/webapi"
)

// Config is the complete client configuration.
type Config struct {
	// Telemetry configures logging, metrics, tracing and job events.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Server configures the remote backend. It is only validated when a
	// URL is set.
	Server ServerConfig `yaml:"server" json:"server"`

	// Filesystem configures the checkout backend.
	Filesystem FilesystemConfig `yaml:"filesystem" json:"filesystem"`

	// Batch configures the local installation backend.
	Batch batch.Config `yaml:"batch" json:"batch"`

	// Orchestrator holds the defaults of process runs.
	Orchestrator orchestrator.Config `yaml:"orchestrator" json:"orchestrator"`

	// Journal configures the job journal.
	Journal JournalConfig `yaml:"journal" json:"journal"`

	// Connections configures the connection catalog.
	Connections ConnectionsConfig `yaml:"connections" json:"connections"`

	// WebAPI names scoring endpoints.
	WebAPI map[string]webapi.Config `yaml:"webapi" json:"webapi" validate:"omitempty,dive"`
}

// ServerConfig is the remote service and the credentials used against it.
type ServerConfig struct {
	remote.Config `yaml:",inline"`

	// Queue is the default queue of remote runs.
	Queue string `yaml:"queue" json:"queue"`

	Auth AuthConfig `yaml:"auth" json:"auth"`
}

// Configured reports whether a server was set up.
func (s ServerConfig) Configured() bool { return s.URL != "" }

// Auth methods.
const (
	AuthNone     = "none"
	AuthBasic    = "basic"
	AuthToken    = "token"
	AuthKeycloak = "keycloak"
)

// AuthConfig selects how requests are authenticated. An empty Method is
// inferred from the fields that are set.
type AuthConfig struct {
	Method   string                `yaml:"method" json:"method" validate:"omitempty,oneof=none basic token keycloak"`
	Username string                `yaml:"username" json:"username"`
	Password string                `yaml:"password" json:"-"`
	Token    string                `yaml:"token" json:"-"`
	Keycloak *auth.KeycloakConfig `yaml:"keycloak,omitempty" json:"keycloak,omitempty"`
}

// FilesystemConfig is a local checkout or, with SFTP set, a checkout on a
// remote host.
type FilesystemConfig struct {
	filesystem.Config `yaml:",inline"`

	SFTP *ssh.Config `yaml:"sftp,omitempty" json:"sftp,omitempty"`
}

// JournalConfig enables the job journal.
type JournalConfig struct {
	journal.Config `yaml:",inline"`

	Enabled bool `yaml:"enabled" json:"enabled"`
}

// ConnectionsConfig locates the connection definitions of a project.
type ConnectionsConfig struct {
	// Root is the project directory holding the Connections folder.
	Root string `yaml:"root" json:"root"`

	// Project names the project. Defaults to the base name of Root.
	Project string `yaml:"project" json:"project"`

	// ShowGroups prefixes every key with its group.
	ShowGroups bool `yaml:"show_groups" json:"show_groups"`
}

// ValidationError is a problem found while loading, with its position
// when known.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (v ValidationError) String() string {
	s := v.Message
	if v.Path != "" {
		s = v.Path + ": " + s
	}
	if v.File != "" {
		if v.Line > 0 {
			return fmt.Sprintf("%s:%d:%d: %s", v.File, v.Line, v.Column, s)
		}
		return v.File + ": " + s
	}
	return s
}
