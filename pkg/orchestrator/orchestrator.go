// Package orchestrator runs processes on an executing backend: it stages
// the inputs as temp resources, submits the job with its macros, waits for
// a terminal state, decodes the declared outputs and removes every temp
// resource it created, whatever the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/minerlink/minerlink/pkg/backend"
	"github.com/minerlink/minerlink/pkg/codec"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/locator"
	"github.com/minerlink/minerlink/pkg/payload"
	"github.com/minerlink/minerlink/pkg/telemetry"
)

// Recorder persists job progress. *journal.Journal implements it.
type Recorder interface {
	RecordJob(ctx context.Context, backendName string, job *backend.Job) error
	RecordTransition(ctx context.Context, backendName string, job *backend.Job, from backend.JobStatus) error
	RecordTemp(ctx context.Context, backendName string, job *backend.Job, loc locator.Locator) error
	RecordCleanup(ctx context.Context, jobID string, loc locator.Locator, cause error) error
}

// Config holds orchestrator defaults.
type Config struct {
	// Queue receives jobs run without an explicit queue.
	Queue string `yaml:"queue" json:"queue"`

	// Timeout bounds a run. Zero leaves it to the caller's context.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`

	// IgnoreCleanupErrors keeps a failed cleanup from failing the run. The
	// failure is logged and reported on the Result.
	IgnoreCleanupErrors bool `yaml:"ignore_cleanup_errors" json:"ignore_cleanup_errors"`

	// CleanupTimeout bounds cleanup, which runs even after the run's
	// context is done.
	CleanupTimeout time.Duration `yaml:"cleanup_timeout" json:"cleanup_timeout" validate:"min=0"`
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		IgnoreCleanupErrors: true,
		CleanupTimeout:      time.Minute,
	}
}

// RunOptions adjusts a single run.
type RunOptions struct {
	// Queue overrides the configured queue.
	Queue string

	// Timeout overrides the configured timeout.
	Timeout time.Duration

	// Operator names the operator to execute instead of the whole process,
	// where the backend supports it.
	Operator string

	// Outputs, when positive, is the number of results the caller expects.
	Outputs int

	// IgnoreCleanupErrors overrides the configured cleanup policy.
	IgnoreCleanupErrors *bool
}

// Result holds the decoded outputs of a successful run.
type Result struct {
	Job     *backend.Job
	Outputs []payload.Payload

	// CleanupErr is the ignored cleanup failure, if any.
	CleanupErr error
}

// Len is the number of outputs.
func (r *Result) Len() int { return len(r.Outputs) }

// Single returns the only output. It fails when the run produced none or
// several.
func (r *Result) Single() (payload.Payload, error) {
	if len(r.Outputs) != 1 {
		return payload.Payload{}, errs.Newf(errs.KindInvalidArgument, "run produced %d outputs, not one", len(r.Outputs))
	}
	return r.Outputs[0], nil
}

// Orchestrator drives jobs on one executing backend. It keeps no per-run
// state and may be shared by concurrent callers.
type Orchestrator struct {
	exec     backend.Executor
	config   Config
	recorder Recorder
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder journals every job and temp resource to r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// New returns an orchestrator for exec. A nil tel disables telemetry.
func New(exec backend.Executor, cfg Config, tel *telemetry.Telemetry, opts ...Option) (*Orchestrator, error) {
	if exec == nil {
		return nil, errs.New(errs.KindInvalidArgument, "an executing backend is required")
	}
	if cfg.Timeout < 0 || cfg.CleanupTimeout < 0 {
		return nil, errs.New(errs.KindInvalidArgument, "timeouts must not be negative")
	}
	if cfg.CleanupTimeout == 0 {
		cfg.CleanupTimeout = DefaultConfig().CleanupTimeout
	}
	tel = telemetry.OrNop(tel)
	o := &Orchestrator{
		exec:   exec,
		config: cfg,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("orchestrator").WithBackend(exec.Name()),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// run is the state of one Run call.
type run struct {
	o      *Orchestrator
	job    *backend.Job
	span   trace.Span
	logger *telemetry.Logger
	temps  []locator.Locator
	seen   map[string]bool
}

// Run executes process with inputs and macros and returns its outputs.
// Macro values are converted to strings. Processes in versioned projects
// accept neither inputs nor outputs.
func (o *Orchestrator) Run(ctx context.Context, process locator.Locator, inputs []payload.Payload, macros map[string]interface{}, opts RunOptions) (*Result, error) {
	if process == nil {
		return nil, errs.New(errs.KindInvalidArgument, "process locator is required")
	}
	m, err := CoerceMacros(macros)
	if err != nil {
		return nil, err
	}
	if _, ok := process.(locator.ProjectPath); ok && (len(inputs) > 0 || opts.Outputs > 0) {
		return nil, errs.New(errs.KindUnsupportedForVersionedProject,
			"processes in versioned projects cannot take inputs or return outputs").WithResource(process.String()).WithOp("run")
	}
	for i, in := range inputs {
		if err := in.Validate(); err != nil {
			return nil, errs.Wrap(errs.KindInvalidArgument, fmt.Sprintf("input %d is invalid", i), err)
		}
	}

	queue := opts.Queue
	if queue == "" {
		queue = o.config.Queue
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = o.config.Timeout
	}
	ignoreCleanup := o.config.IgnoreCleanupErrors
	if opts.IgnoreCleanupErrors != nil {
		ignoreCleanup = *opts.IgnoreCleanupErrors
	}

	job := backend.NewJob(process, queue, m)
	job.Operator = opts.Operator

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	runCtx, span := o.tel.Tracer.StartJobSpan(runCtx, process.String(), queue)
	defer span.End()

	r := &run{
		o:      o,
		job:    job,
		span:   span,
		logger: o.logger.WithJobID(job.ID).WithLocator(process),
		seen:   make(map[string]bool),
	}
	o.tel.Metrics.RecordJobStarted(o.exec.Name(), queue)
	r.record(ctx, func(ctx context.Context, rec Recorder) error {
		return rec.RecordJob(ctx, o.exec.Name(), job)
	})

	start := time.Now()
	outputs, runErr := r.execute(runCtx, inputs, opts.Outputs)
	cleanupErr := r.cleanup(ctx)

	status := job.Status
	if status == "" {
		status = backend.StatusFailed
	}
	o.tel.Metrics.RecordJobCompleted(o.exec.Name(), string(status), time.Since(start))
	if runErr != nil {
		telemetry.RecordError(span, runErr)
		_ = o.tel.Events.PublishJobFailed(job.ID, runErr.Error())
	} else {
		telemetry.RecordSuccess(span)
		_ = o.tel.Events.PublishJobCompleted(job.ID, string(status), len(outputs), time.Since(start))
	}

	if cleanupErr != nil {
		switch {
		case runErr != nil:
			if !ignoreCleanup {
				return nil, errors.Join(runErr, cleanupErr)
			}
		case !ignoreCleanup:
			return nil, cleanupErr
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	return &Result{Job: job, Outputs: outputs, CleanupErr: cleanupErr}, nil
}

func (r *run) execute(ctx context.Context, inputs []payload.Payload, expected int) ([]payload.Payload, error) {
	if err := r.stage(ctx, inputs); err != nil {
		return nil, r.interrupted(ctx, err)
	}
	if err := r.submit(ctx); err != nil {
		return nil, r.interrupted(ctx, err)
	}
	if err := r.wait(ctx); err != nil {
		return nil, err
	}

	switch r.job.Status {
	case backend.StatusFailed:
		msg := r.job.Diagnostic
		if msg == "" {
			msg = "process failed without a diagnostic"
		}
		return nil, errs.New(errs.KindExecutionFailed, msg).WithResource(r.job.Process.String()).WithOp("run")
	case backend.StatusCancelled:
		return nil, errs.New(errs.KindExecutionFailed, "job was cancelled by the backend").WithResource(r.job.Process.String()).WithOp("run")
	}
	return r.collect(ctx, expected)
}

// stage encodes every input and stores it at the job's temp locators.
func (r *run) stage(ctx context.Context, inputs []payload.Payload) error {
	if len(inputs) == 0 {
		return nil
	}
	exec := r.o.exec
	locs := make([]locator.Locator, len(inputs))
	data := make([][]byte, len(inputs))
	for i, in := range inputs {
		b, err := codec.Encode(in)
		if err != nil {
			return err
		}
		loc, err := exec.TempLocator(r.job, i, in.Kind)
		if err != nil {
			return err
		}
		locs[i], data[i] = loc, b
		r.track(ctx, loc)
	}
	if err := backend.StoreAll(ctx, exec, locs, data); err != nil {
		return err
	}
	for i, loc := range locs {
		r.o.tel.Metrics.RecordTempCreated(exec.Name())
		_ = r.o.tel.Events.PublishInputStaged(r.job.ID, loc.String(), len(data[i]))
	}
	r.job.Inputs = locs
	r.logger.Debugf("staged %d inputs", len(locs))
	return nil
}

func (r *run) submit(ctx context.Context) error {
	from := r.job.Status
	if err := r.o.exec.Submit(ctx, r.job); err != nil {
		return err
	}
	// Output locations allocated on submit are temp resources too.
	for _, loc := range r.job.Outputs {
		r.track(ctx, loc)
	}
	r.transitioned(ctx, from)
	_ = r.o.tel.Events.PublishJobSubmitted(r.job.ID, r.job.Process.String(), r.job.Queue)
	r.logger.WithField("remote_id", r.job.RemoteID).Info("job submitted")
	return nil
}

// wait polls the backend until the job reaches a terminal state.
func (r *run) wait(ctx context.Context) error {
	interval := r.o.exec.PollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.interrupted(ctx, ctx.Err())
		case <-timer.C:
		}

		status, diag, err := r.o.exec.Status(ctx, r.job)
		if err != nil {
			return r.interrupted(ctx, err)
		}
		if status != r.job.Status {
			from := r.job.Status
			if err := r.job.Transition(status); err != nil {
				r.logger.WithError(err).Debug("ignoring status report")
			} else {
				r.job.Diagnostic = diag
				r.transitioned(ctx, from)
				_ = r.o.tel.Events.PublishJobStateChanged(r.job.ID, string(from), string(status))
			}
		}
		if r.job.Status.IsTerminal() {
			return nil
		}
		timer.Reset(interval)
	}
}

// interrupted turns a failure caused by the run's context ending into a
// cancellation. The job moves to Cancelled and the backend is asked,
// without waiting, to stop it.
func (r *run) interrupted(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if r.job.Status != "" && !r.job.Status.IsTerminal() {
		from := r.job.Status
		if terr := r.job.Transition(backend.StatusCancelled); terr == nil {
			r.transitioned(ctx, from)
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.config.CleanupTimeout)
		defer cancel()
		if cerr := r.o.exec.Cancel(cctx, r.job); cerr != nil {
			r.logger.WithError(cerr).Warn("cancel request failed")
		}
	}
	msg := "run was cancelled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg = "run timed out"
	}
	return errs.Wrap(errs.KindTimeout, msg, ctx.Err()).WithResource(r.job.Process.String()).WithOp("run")
}

// collect fetches and decodes the job's outputs in declaration order.
func (r *run) collect(ctx context.Context, expected int) ([]payload.Payload, error) {
	exec := r.o.exec
	locs, err := exec.Outputs(ctx, r.job)
	if err != nil {
		return nil, err
	}
	for _, loc := range locs {
		r.track(ctx, loc)
	}
	if expected > 0 && len(locs) != expected {
		return nil, errs.Newf(errs.KindExecutionFailed, "process produced %d outputs, expected %d", len(locs), expected).
			WithResource(r.job.Process.String()).WithOp("run")
	}
	if len(locs) == 0 {
		return nil, nil
	}

	data, err := backend.FetchAll(ctx, exec, locs)
	if err != nil {
		return nil, err
	}
	out := make([]payload.Payload, len(data))
	for i, b := range data {
		p, err := codec.Decode(b, 0)
		if err != nil {
			var e *errs.Error
			if errors.As(err, &e) {
				return nil, e.WithResource(locs[i].String())
			}
			return nil, err
		}
		out[i] = p
	}
	r.logger.Debugf("decoded %d outputs", len(out))
	return out, nil
}

// cleanup deletes every tracked temp resource and releases backend state.
// It runs on a context detached from the run's cancellation.
func (r *run) cleanup(ctx context.Context) error {
	exec := r.o.exec
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.config.CleanupTimeout)
	defer cancel()

	var failed []string
	var errList []error
	for _, loc := range r.temps {
		err := exec.Delete(cctx, loc)
		r.record(cctx, func(ctx context.Context, rec Recorder) error {
			return rec.RecordCleanup(ctx, r.job.ID, loc, err)
		})
		if err != nil {
			failed = append(failed, loc.String())
			errList = append(errList, err)
			r.o.tel.Metrics.RecordCleanupFailure(exec.Name())
			_ = r.o.tel.Events.PublishCleanupFailed(r.job.ID, loc.String(), err.Error())
			continue
		}
		r.o.tel.Metrics.RecordTempDeleted(exec.Name())
	}
	if err := exec.Release(cctx, r.job); err != nil {
		errList = append(errList, err)
		r.o.tel.Metrics.RecordCleanupFailure(exec.Name())
	}
	if len(errList) == 0 {
		return nil
	}

	err := errs.Wrap(errs.KindCleanupFailed, fmt.Sprintf("could not delete %d temporary resources", len(failed)), errors.Join(errList...)).
		WithResource(r.job.ID).
		WithOp("cleanup").
		WithDetail("locators", failed)
	r.logger.WithError(err).WithField("locators", failed).Warn("temporary resources were left behind")
	return err
}

// track remembers loc for cleanup.
func (r *run) track(ctx context.Context, loc locator.Locator) {
	key := loc.String()
	if r.seen[key] {
		return
	}
	r.seen[key] = true
	r.temps = append(r.temps, loc)
	r.record(ctx, func(ctx context.Context, rec Recorder) error {
		return rec.RecordTemp(ctx, r.o.exec.Name(), r.job, loc)
	})
}

func (r *run) transitioned(ctx context.Context, from backend.JobStatus) {
	telemetry.AddJobEvent(r.span, r.job.ID, string(r.job.Status))
	r.logger.WithField("from", string(from)).WithField("to", string(r.job.Status)).Debug("job state changed")
	r.record(ctx, func(ctx context.Context, rec Recorder) error {
		return rec.RecordTransition(ctx, r.o.exec.Name(), r.job, from)
	})
}

// record writes to the journal. Journal failures never fail a run.
func (r *run) record(ctx context.Context, fn func(context.Context, Recorder) error) {
	if r.o.recorder == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx), r.o.recorder); err != nil {
		r.logger.WithError(err).Warn("failed to journal job progress")
	}
}
