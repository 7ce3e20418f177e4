// Package config loads the minerlink client configuration.
//
// # Overview
//
// A single Config covers telemetry, the remote server and its credentials,
// the filesystem and batch backends, orchestrator defaults, the job
// journal, the connection catalog and named Web API endpoints.
//
// # Sources
//
// Configuration is read from CUE files, CUE package directories or YAML
// files. Several sources are unified, so a value set in two places must
// agree. Every source is checked against the embedded CUE schema (see
// schema.cue) and then decoded over Default, so a document only needs the
// settings it changes. Durations are written as Go duration strings such
// as "90s".
//
// After decoding, ApplyEnv overrides a few settings from the environment:
//
//	MINERLINK_HOME        installation directory of the batch backend
//	MINERLINK_SERVER_URL  remote server URL
//	MINERLINK_TOKEN       API token, selects token authentication
//	LOG_LEVEL             log level
//
// Validate then checks the validator struct tags of every section. The
// server section is only checked once a URL is set.
//
// # Usage Example
//
//	cfg, err := config.Load("minerlink.cue")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	provider, err := cfg.Server.Auth.Provider()
//
// # Errors
//
// Rejected sources fail with an errs.KindInvalidArgument error wrapping a
// *LoadError, which lists each problem with its file and line.
package config
