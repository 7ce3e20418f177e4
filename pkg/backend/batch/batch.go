// Package batch drives a locally installed platform through its batch
// launcher. Every fetch, store and process run starts a fresh launcher
// against scratch directories holding exchange files.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minerlink/minerlink/pkg/backend"
	"github.com/minerlink/minerlink/pkg/codec"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/locator"
	"github.com/minerlink/minerlink/pkg/payload"
	"github.com/minerlink/minerlink/pkg/telemetry"
)

const (
	inputDirPrefix  = "rapidminer-scripting-inputs-"
	outputDirPrefix = "rapidminer-scripting-output-"
)

// Backend implements backend.Executor on top of the batch launcher. One
// instance runs one launcher at a time.
type Backend struct {
	config   Config
	launcher string
	runner   Runner
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger

	// mu serializes launcher runs.
	mu sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*jobState
}

type jobState struct {
	inputDir   string
	outputDir  string
	status     backend.JobStatus
	diagnostic string
}

// Option customizes a Backend.
type Option func(*Backend)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(b *Backend) { b.runner = r }
}

// New validates cfg and returns a backend. A nil tel disables telemetry.
func New(cfg Config, tel *telemetry.Telemetry, opts ...Option) (*Backend, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "invalid batch backend configuration", err)
	}
	tel = telemetry.OrNop(tel)
	b := &Backend{
		config:   cfg,
		launcher: launcherPath(cfg.Home, cfg.GOOS),
		runner:   ExecRunner{},
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("batch").WithBackend("batch"),
		jobs:     make(map[string]*jobState),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Backend) Name() string { return "batch" }

// PollInterval implements backend.Executor.
func (b *Backend) PollInterval() time.Duration { return b.config.PollInterval }

// run executes one launcher invocation.
func (b *Backend) run(ctx context.Context, inv invocation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if needsTempDir(inv.Inputs) {
		dir, err := os.MkdirTemp(b.config.ScratchDir, outputDirPrefix)
		if err != nil {
			return backend.FromFSError(err, nil, "launch")
		}
		defer os.RemoveAll(dir)
		inv.TempDir = dir
	}

	args := inv.args(b.config.ClientVersion, b.config.GOOS)
	logger := b.logger.WithField("command", string(inv.Command))
	logger.Debugf("launching %s", b.launcher)

	parser := newLogParser(b.logger, b.config.MinPlatformVersion)
	err := b.runner.Run(ctx, b.launcher, args, parser.launched, parser.feed)
	if ctx.Err() != nil {
		return errs.Wrap(errs.KindTimeout, "launcher run interrupted", ctx.Err()).WithOp(string(inv.Command))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// the exit status is read from the EXIT_CODE line
		err = nil
	}
	if err != nil && parser.state != stateIdle {
		logger.WithError(err).Warn("launcher output ended abnormally")
	}
	if ferr := parser.finish(err); ferr != nil {
		var e *errs.Error
		if errors.As(ferr, &e) {
			return e.WithOp(string(inv.Command))
		}
		return ferr
	}
	return nil
}

// isExchangeFile reports whether loc is a local exchange file the backend
// reads and writes directly.
func isExchangeFile(loc locator.Locator) (locator.LocalFile, bool) {
	lf, ok := loc.(locator.LocalFile)
	if !ok {
		return lf, false
	}
	return lf, codec.IsExchangeData(lf.Path)
}

// Fetch reads the resource at loc. Local exchange files are read directly;
// anything else goes through the launcher.
func (b *Backend) Fetch(ctx context.Context, loc locator.Locator) ([]byte, error) {
	if lf, ok := isExchangeFile(loc); ok {
		var data []byte
		err := b.tel.BackendCall(ctx, b.Name(), "fetch", backend.ErrorKind, func(ctx context.Context) error {
			p, err := codec.ReadExchangeFile(lf.Path)
			if err != nil {
				return backend.FromFSError(err, loc, "fetch")
			}
			data, err = codec.Encode(p)
			return err
		})
		if err != nil {
			return nil, err
		}
		b.tel.Metrics.RecordBytes(b.Name(), "in", len(data))
		return data, nil
	}

	out, err := b.FetchMany(ctx, []locator.Locator{loc})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// FetchMany reads all locators with a single launcher run.
func (b *Backend) FetchMany(ctx context.Context, locs []locator.Locator) ([][]byte, error) {
	var out [][]byte
	err := b.tel.BackendCall(ctx, b.Name(), "fetch", backend.ErrorKind, func(ctx context.Context) error {
		inv := invocation{Command: CommandReadResource}
		var dirs []string
		defer func() {
			for _, d := range dirs {
				os.RemoveAll(d)
			}
		}()

		for _, loc := range locs {
			if loc == nil {
				return errs.New(errs.KindInvalidArgument, "nil locator")
			}
			dir, err := os.MkdirTemp(b.config.ScratchDir, outputDirPrefix)
			if err != nil {
				return backend.FromFSError(err, loc, "fetch")
			}
			dirs = append(dirs, dir)
			inv.Inputs = append(inv.Inputs, loc.String())
			inv.Outputs = append(inv.Outputs, locator.LocalFile{Path: dir}.String())
		}

		if err := b.run(ctx, inv); err != nil {
			return err
		}

		out = make([][]byte, 0, len(locs))
		for i, dir := range dirs {
			file, err := readResult(dir)
			if err != nil {
				return errs.Wrap(errs.KindNotFound, "platform produced no output", err).WithResource(locs[i].String())
			}
			p, err := codec.ReadExchangeFile(file)
			if err != nil {
				return err
			}
			data, err := codec.Encode(p)
			if err != nil {
				return err
			}
			b.tel.Metrics.RecordBytes(b.Name(), "in", len(data))
			out = append(out, data)
		}
		return nil
	})
	return out, err
}

// readResult picks the file a READ_RESOURCE run left in dir: the only table,
// or else the first file.
func readResult(dir string) (string, error) {
	tables, err := filepath.Glob(filepath.Join(dir, "*"+codec.ExtTableData))
	if err != nil {
		return "", err
	}
	if len(tables) == 1 {
		return tables[0], nil
	}
	all, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		return "", err
	}
	sort.Strings(all)
	if len(all) == 0 {
		return "", fmt.Errorf("no files in %s", dir)
	}
	return all[0], nil
}

// Store writes data at loc. A local exchange file is written directly, any
// other locator through the launcher.
func (b *Backend) Store(ctx context.Context, loc locator.Locator, data []byte) error {
	if lf, ok := isExchangeFile(loc); ok {
		return b.tel.BackendCall(ctx, b.Name(), "store", backend.ErrorKind, func(ctx context.Context) error {
			return b.writeExchange(lf, data)
		})
	}
	return b.StoreMany(ctx, []locator.Locator{loc}, [][]byte{data})
}

func (b *Backend) writeExchange(lf locator.LocalFile, data []byte) error {
	p, err := codec.Decode(data, 0)
	if err != nil {
		return err
	}
	ext := filepath.Ext(lf.Path)
	if want := exchangeExt(p.Kind); ext != want {
		return errs.Newf(errs.KindInvalidArgument, "a %s payload is written as %s, not %s", p.Kind, want, ext).WithResource(lf.String())
	}
	dir, file := filepath.Split(lf.Path)
	if _, err := codec.WriteExchangeFile(dir, strings.TrimSuffix(file, ext), p, b.config.ClientVersion); err != nil {
		return backend.FromFSError(err, lf, "store")
	}
	b.tel.Metrics.RecordBytes(b.Name(), "out", len(data))
	return nil
}

func exchangeExt(k payload.Kind) string {
	switch k {
	case payload.KindTabular:
		return codec.ExtTableData
	case payload.KindNativeObject:
		return codec.ExtObject
	}
	return codec.ExtByteStream
}

// StoreMany writes all payloads with a single launcher run.
func (b *Backend) StoreMany(ctx context.Context, locs []locator.Locator, data [][]byte) error {
	if len(locs) != len(data) {
		return errs.Newf(errs.KindInvalidArgument, "%d locators for %d payloads", len(locs), len(data))
	}
	return b.tel.BackendCall(ctx, b.Name(), "store", backend.ErrorKind, func(ctx context.Context) error {
		inv := invocation{Command: CommandWriteResource}
		var dirs []string
		defer func() {
			for _, d := range dirs {
				os.RemoveAll(d)
			}
		}()

		for i, loc := range locs {
			if loc == nil {
				return errs.New(errs.KindInvalidArgument, "nil locator")
			}
			p, err := codec.Decode(data[i], 0)
			if err != nil {
				return err
			}
			dir, err := os.MkdirTemp(b.config.ScratchDir, inputDirPrefix)
			if err != nil {
				return backend.FromFSError(err, loc, "store")
			}
			dirs = append(dirs, dir)
			file, err := codec.WriteExchangeFile(dir, "input0", p, b.config.ClientVersion)
			if err != nil {
				return backend.FromFSError(err, loc, "store")
			}
			inv.Inputs = append(inv.Inputs, locator.LocalFile{Path: file}.String())
			inv.Outputs = append(inv.Outputs, loc.String())
		}

		if err := b.run(ctx, inv); err != nil {
			return err
		}
		for _, d := range data {
			b.tel.Metrics.RecordBytes(b.Name(), "out", len(d))
		}
		return nil
	})
}

// Exists reports whether loc resolves. Only local files can be tested
// without reading them; other locators are read through the launcher and a
// failed read counts as absent.
func (b *Backend) Exists(ctx context.Context, loc locator.Locator) (bool, error) {
	if lf, ok := loc.(locator.LocalFile); ok {
		_, err := os.Stat(lf.Path)
		if err == nil {
			return true, nil
		}
		if err = backend.FromFSError(err, loc, "exists"); errs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	_, err := b.Fetch(ctx, loc)
	switch {
	case err == nil:
		return true, nil
	case errs.IsNotFound(err), errs.IsExecutionFailed(err):
		return false, nil
	}
	return false, err
}

// List lists a local directory. The launcher has no listing command.
func (b *Backend) List(ctx context.Context, loc locator.Locator) ([]locator.Locator, error) {
	lf, ok := loc.(locator.LocalFile)
	if !ok {
		return nil, errs.New(errs.KindInvalidArgument, "the batch launcher cannot list repository folders").WithResource(loc.String())
	}
	entries, err := os.ReadDir(lf.Path)
	if err != nil {
		return nil, backend.FromFSError(err, loc, "list")
	}
	out := make([]locator.Locator, 0, len(entries))
	for _, e := range entries {
		out = append(out, locator.LocalFile{Path: filepath.Join(lf.Path, e.Name())})
	}
	return out, nil
}

// Delete removes a local exchange file and its metadata companion.
func (b *Backend) Delete(ctx context.Context, loc locator.Locator) error {
	lf, ok := loc.(locator.LocalFile)
	if !ok {
		return errs.New(errs.KindInvalidArgument, "the batch launcher cannot delete repository entries").WithResource(loc.String())
	}
	return b.tel.BackendCall(ctx, b.Name(), "delete", backend.ErrorKind, func(ctx context.Context) error {
		paths := []string{lf.Path}
		if strings.HasSuffix(lf.Path, codec.ExtTableData) {
			paths = append(paths, strings.TrimSuffix(lf.Path, codec.ExtTableData)+codec.ExtTableMetadata)
		}
		for _, p := range paths {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return backend.FromFSError(err, loc, "delete")
			}
		}
		return nil
	})
}

func (b *Backend) state(job *backend.Job) (*jobState, error) {
	b.jobsMu.Lock()
	defer b.jobsMu.Unlock()

	if st, ok := b.jobs[job.ID]; ok {
		return st, nil
	}
	in, err := os.MkdirTemp(b.config.ScratchDir, inputDirPrefix)
	if err != nil {
		return nil, backend.FromFSError(err, nil, "prepare")
	}
	out, err := os.MkdirTemp(b.config.ScratchDir, outputDirPrefix)
	if err != nil {
		os.RemoveAll(in)
		return nil, backend.FromFSError(err, nil, "prepare")
	}
	st := &jobState{inputDir: in, outputDir: out}
	b.jobs[job.ID] = st
	return st, nil
}

// TempLocator implements backend.Executor. Inputs are exchange files in the
// job's input directory.
func (b *Backend) TempLocator(job *backend.Job, index int, kind payload.Kind) (locator.Locator, error) {
	st, err := b.state(job)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("input%d%s", index, exchangeExt(kind))
	return locator.LocalFile{Path: filepath.Join(st.inputDir, name)}, nil
}

// Submit runs the process to completion. Process failures are reported
// through Status; the returned error covers failures to run at all.
func (b *Backend) Submit(ctx context.Context, job *backend.Job) error {
	st, err := b.state(job)
	if err != nil {
		return err
	}
	if err := job.Transition(backend.StatusSubmitted); err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "job cannot be submitted", err)
	}
	b.setStatus(st, backend.StatusRunning, "")

	inv := invocation{
		Command:   CommandRunProcess,
		Process:   job.Process.String(),
		OutputDir: st.outputDir,
		Operator:  job.Operator,
		Macros:    job.Macros,
	}
	for _, in := range job.Inputs {
		inv.Inputs = append(inv.Inputs, in.String())
	}

	b.logger.WithJobID(job.ID).Infof("running %s", job.Process)
	err = b.tel.BackendCall(ctx, b.Name(), "submit", backend.ErrorKind, func(ctx context.Context) error {
		return b.run(ctx, inv)
	})
	switch {
	case err == nil:
		b.setStatus(st, backend.StatusSucceeded, "")
	case errs.IsExecutionFailed(err):
		var e *errs.Error
		errors.As(err, &e)
		b.setStatus(st, backend.StatusFailed, e.Message)
	default:
		b.setStatus(st, backend.StatusFailed, err.Error())
		return err
	}
	return nil
}

func (b *Backend) setStatus(st *jobState, status backend.JobStatus, diagnostic string) {
	b.jobsMu.Lock()
	defer b.jobsMu.Unlock()
	st.status = status
	st.diagnostic = diagnostic
}

// Status implements backend.Executor.
func (b *Backend) Status(ctx context.Context, job *backend.Job) (backend.JobStatus, string, error) {
	b.jobsMu.Lock()
	defer b.jobsMu.Unlock()
	st, ok := b.jobs[job.ID]
	if !ok || st.status == "" {
		return "", "", errs.Newf(errs.KindNotFound, "job %s was not submitted to this backend", job.ID)
	}
	return st.status, st.diagnostic, nil
}

// Cancel is a no-op: Submit only returns once the launcher has exited, and
// a cancelled context stops the launcher.
func (b *Backend) Cancel(ctx context.Context, job *backend.Job) error {
	return nil
}

// Outputs lists the result files of a finished run in name order.
// Metadata companions are skipped.
func (b *Backend) Outputs(ctx context.Context, job *backend.Job) ([]locator.Locator, error) {
	b.jobsMu.Lock()
	st, ok := b.jobs[job.ID]
	b.jobsMu.Unlock()
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "job %s was not submitted to this backend", job.ID)
	}

	files, err := filepath.Glob(filepath.Join(st.outputDir, "*.*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	var out []locator.Locator
	for _, f := range files {
		if codec.IsExchangeData(f) {
			out = append(out, locator.LocalFile{Path: f})
		}
	}
	return out, nil
}

// Release removes the job's scratch directories.
func (b *Backend) Release(ctx context.Context, job *backend.Job) error {
	b.jobsMu.Lock()
	st, ok := b.jobs[job.ID]
	delete(b.jobs, job.ID)
	b.jobsMu.Unlock()
	if !ok {
		return nil
	}
	var firstErr error
	for _, dir := range []string{st.inputDir, st.outputDir} {
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = backend.FromFSError(err, locator.LocalFile{Path: dir}, "release")
		}
	}
	return firstErr
}

var _ backend.Executor = (*Backend)(nil)
var _ backend.MultiFetcher = (*Backend)(nil)
var _ backend.MultiStorer = (*Backend)(nil)
