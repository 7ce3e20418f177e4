package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/minerlink/minerlink/pkg/backend"
	"github.com/minerlink/minerlink/pkg/backend/batch"
	"github.com/minerlink/minerlink/pkg/backend/filesystem"
	"github.com/minerlink/minerlink/pkg/backend/remote"
	"github.com/minerlink/minerlink/pkg/config"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/journal"
	"github.com/minerlink/minerlink/pkg/orchestrator"
	"github.com/minerlink/minerlink/pkg/telemetry"
	"github.com/minerlink/minerlink/pkg/transports/ssh"
)

// Backend names accepted by --backend.
const (
	backendFilesystem = "filesystem"
	backendBatch      = "batch"
	backendRemote     = "remote"
)

// app holds what a command needs once the configuration is loaded. Backends
// are built on first use so that a command only connects to what it uses.
type app struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	backend string

	fs      *filesystem.Backend
	batch   *batch.Backend
	remote  *remote.Backend
	journal *journal.Journal

	closers []func() error
}

func newApp(opts *globalOptions) (*app, error) {
	switch opts.backend {
	case "", backendFilesystem, backendBatch, backendRemote:
	default:
		return nil, errs.Newf(errs.KindInvalidArgument, "unknown backend %q", opts.backend)
	}

	cfg, err := config.Load(opts.configPaths...)
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "failed to set up telemetry", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		return nil, err
	}
	log.Logger = tel.Logger.Zerolog()

	return &app{cfg: cfg, tel: tel, backend: opts.backend}, nil
}

// close releases connections in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Failed to release resource")
		}
	}
	a.closers = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// storageName picks the backend used to read and write resources.
func (a *app) storageName() string {
	if a.backend != "" {
		return a.backend
	}
	if a.cfg.Server.Configured() {
		return backendRemote
	}
	return backendFilesystem
}

// executorName picks the backend used to run processes.
func (a *app) executorName() string {
	if a.backend != "" {
		return a.backend
	}
	if a.cfg.Server.Configured() {
		return backendRemote
	}
	return backendBatch
}

func (a *app) storage(ctx context.Context) (backend.Backend, error) {
	switch a.storageName() {
	case backendFilesystem:
		return a.filesystem(ctx)
	case backendBatch:
		return a.batchBackend()
	default:
		return a.remoteBackend()
	}
}

func (a *app) executor(ctx context.Context) (backend.Executor, error) {
	switch a.executorName() {
	case backendFilesystem:
		return nil, errs.New(errs.KindInvalidArgument, "the filesystem backend cannot run processes, use --backend batch or remote")
	case backendBatch:
		return a.batchBackend()
	default:
		return a.remoteBackend()
	}
}

// filesystem returns the filesystem backend, over SFTP when configured.
func (a *app) filesystem(ctx context.Context) (*filesystem.Backend, error) {
	if a.fs != nil {
		return a.fs, nil
	}
	cfg := a.cfg.Filesystem
	if cfg.SFTP == nil {
		if cfg.Root == "" {
			return nil, errs.New(errs.KindInvalidArgument, "filesystem.root is not configured")
		}
		a.fs = filesystem.NewLocal(cfg.Config, a.tel)
		return a.fs, nil
	}

	client, err := ssh.NewClient(cfg.SFTP)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "invalid sftp configuration", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.SFTP.Host, err)
	}
	info := client.GetConnectionInfo()
	log.Debug().Str("host", info.Host).Int("port", info.Port).Str("root", info.Root).Msg("Connected to remote checkout")
	a.closers = append(a.closers, client.Disconnect)
	a.fs = filesystem.New(ssh.NewFS(client), cfg.Config, a.tel)
	return a.fs, nil
}

func (a *app) batchBackend() (*batch.Backend, error) {
	if a.batch != nil {
		return a.batch, nil
	}
	b, err := batch.New(a.cfg.Batch, a.tel)
	if err != nil {
		return nil, err
	}
	a.batch = b
	return b, nil
}

func (a *app) remoteBackend() (*remote.Backend, error) {
	if a.remote != nil {
		return a.remote, nil
	}
	if !a.cfg.Server.Configured() {
		return nil, errs.Newf(errs.KindInvalidArgument, "server.url is not configured (set it or %s)", config.EnvServerURL)
	}
	provider, err := a.cfg.Server.Auth.Provider()
	if err != nil {
		return nil, err
	}
	b, err := remote.New(a.cfg.Server.Config, provider, a.tel)
	if err != nil {
		return nil, err
	}
	a.remote = b
	return b, nil
}

// openJournal opens the job journal whether or not runs record to it.
func (a *app) openJournal(ctx context.Context) (*journal.Journal, error) {
	if a.journal != nil {
		return a.journal, nil
	}
	j, err := journal.Open(ctx, a.cfg.Journal.Config, a.tel.Logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, j.Close)
	a.journal = j
	return j, nil
}

// orchestrator returns an orchestrator over exec that records to the
// journal when it is enabled. A journal that cannot be opened only costs
// the record.
func (a *app) orchestrator(ctx context.Context, exec backend.Executor) (*orchestrator.Orchestrator, error) {
	var opts []orchestrator.Option
	if a.cfg.Journal.Enabled {
		j, err := a.openJournal(ctx)
		if err != nil {
			log.Warn().Err(err).Str("path", a.cfg.Journal.Path).Msg("Journal unavailable, running without it")
		} else {
			opts = append(opts, orchestrator.WithRecorder(j))
		}
	}
	return orchestrator.New(exec, a.cfg.Orchestrator, a.tel, opts...)
}

// deleters returns every backend that can be built from the configuration,
// keyed by name, for sweeping leftovers.
func (a *app) deleters(ctx context.Context) map[string]backend.Deleter {
	out := make(map[string]backend.Deleter)
	var problems []error

	if a.cfg.Filesystem.Root != "" || a.cfg.Filesystem.SFTP != nil {
		if b, err := a.filesystem(ctx); err != nil {
			problems = append(problems, err)
		} else {
			out[b.Name()] = b
		}
	}
	if b, err := a.batchBackend(); err != nil {
		problems = append(problems, err)
	} else {
		out[b.Name()] = b
	}
	if a.cfg.Server.Configured() {
		if b, err := a.remoteBackend(); err != nil {
			problems = append(problems, err)
		} else {
			out[b.Name()] = b
		}
	}

	if err := errors.Join(problems...); err != nil {
		log.Warn().Err(err).Msg("Some backends are unavailable, their leftovers are skipped")
	}
	return out
}
