package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/minerlink/minerlink/pkg/backend"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/locator"
	"github.com/minerlink/minerlink/pkg/payload"
	"github.com/minerlink/minerlink/pkg/process"
)

// DefaultQueue receives jobs submitted without a queue.
const DefaultQueue = "DEFAULT"

// Service job states.
const (
	stateFinished = "FINISHED"
	stateError    = "ERROR"
	stateTimedOut = "TIMED_OUT"
	stateStopped  = "STOPPED"
	stateRunning  = "RUNNING"
	statePending  = "PENDING"
	stateCreated  = "CREATED"
)

type jobContext struct {
	InputLocations  []string          `json:"inputLocations,omitempty"`
	OutputLocations []string          `json:"outputLocations,omitempty"`
	Macros          map[string]string `json:"macros,omitempty"`
}

type submitRequest struct {
	QueueName string     `json:"queueName"`
	Process   string     `json:"process"`
	Location  string     `json:"location"`
	Context   jobContext `json:"context"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type jobError struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

type jobResponse struct {
	ID    string    `json:"id"`
	State string    `json:"state"`
	Error *jobError `json:"error,omitempty"`
}

// formatJobError renders the service error of a failed job.
func formatJobError(e *jobError) string {
	if e == nil {
		return "Unknown error"
	}
	return e.Type + ": " + e.Title + ": " + e.Message
}

// namespace is the repository folder holding the job's temp resources.
func (b *Backend) namespace(job *backend.Job) locator.RepositoryPath {
	return locator.RepositoryPath{Path: b.config.tempFolder()}.Join(job.Namespace())
}

// TempLocator implements backend.Executor.
func (b *Backend) TempLocator(job *backend.Job, index int, kind payload.Kind) (locator.Locator, error) {
	if index < 0 {
		return nil, errs.Newf(errs.KindInvalidArgument, "negative input index %d", index)
	}
	return b.namespace(job).Join(fmt.Sprintf("input%d", index)), nil
}

// repositoryPath returns the path the service expects in job contexts.
func repositoryPath(loc locator.Locator) (string, error) {
	r, ok := loc.(locator.RepositoryPath)
	if !ok {
		return "", errs.Newf(errs.KindInvalidArgument, "job data must live in the repository, not at %s", loc)
	}
	return r.Path, nil
}

// Submit reads the process definition, allocates one temp location per
// declared result and queues the job. Processes in versioned projects run
// without inputs and outputs.
func (b *Backend) Submit(ctx context.Context, job *backend.Job) error {
	if err := remoteLocator(job.Process, "submit"); err != nil {
		return err
	}
	def, err := b.ProcessDefinition(ctx, job.Process)
	if err != nil {
		return err
	}
	decl, err := process.ParseDeclaration(def)
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			return e.WithResource(job.Process.String())
		}
		return err
	}

	req := submitRequest{
		QueueName: job.Queue,
		Process:   base64.StdEncoding.EncodeToString(def),
		Context:   jobContext{Macros: job.Macros},
	}
	if req.QueueName == "" {
		req.QueueName = DefaultQueue
	}

	var outputs []locator.Locator
	switch p := job.Process.(type) {
	case locator.ProjectPath:
		if len(job.Inputs) > 0 {
			return errs.New(errs.KindUnsupportedForVersionedProject, "processes in versioned projects take no inputs").WithResource(p.String())
		}
		req.Location = p.String()
	case locator.RepositoryPath:
		req.Location = p.Path
		for _, in := range job.Inputs {
			rp, err := repositoryPath(in)
			if err != nil {
				return err
			}
			req.Context.InputLocations = append(req.Context.InputLocations, rp)
		}
		ns := b.namespace(job)
		for i := 0; i < decl.Outputs; i++ {
			out := ns.Join(fmt.Sprintf("output%d", i))
			outputs = append(outputs, out)
			req.Context.OutputLocations = append(req.Context.OutputLocations, out.Path)
		}
	}

	logger := b.logger.WithJobID(job.ID)
	var resp submitResponse
	err = b.tel.BackendCall(ctx, b.Name(), "submit", backend.ErrorKind, func(ctx context.Context) error {
		return b.client.sendJSON(ctx, request{
			method:   http.MethodPost,
			path:     "/jobs",
			resource: job.Process.String(),
			op:       "submit",
		}, req, &resp)
	})
	if err != nil {
		return err
	}
	if resp.ID == "" {
		return errs.New(errs.KindInternal, "service accepted the job without an id").WithResource(job.Process.String())
	}

	job.RemoteID = resp.ID
	job.Outputs = outputs
	if err := job.Transition(backend.StatusSubmitted); err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "job cannot be submitted", err)
	}
	logger.WithField("remote_id", resp.ID).Infof("submitted process with %d declared outputs", len(outputs))
	return nil
}

// Status implements backend.Executor.
func (b *Backend) Status(ctx context.Context, job *backend.Job) (backend.JobStatus, string, error) {
	if job.RemoteID == "" {
		return "", "", errs.Newf(errs.KindInvalidArgument, "job %s was not submitted", job.ID)
	}
	var resp jobResponse
	err := b.tel.BackendCall(ctx, b.Name(), "status", backend.ErrorKind, func(ctx context.Context) error {
		return b.client.getJSON(ctx, request{
			path:     "/jobs/" + url.PathEscape(job.RemoteID),
			resource: job.RemoteID,
			op:       "status",
		}, &resp)
	})
	if err != nil {
		return "", "", err
	}

	switch resp.State {
	case stateFinished:
		return backend.StatusSucceeded, "", nil
	case stateError, stateTimedOut, stateStopped:
		return backend.StatusFailed, "Job finished with error state: " + resp.State + ", " + formatJobError(resp.Error), nil
	case statePending, stateCreated:
		return backend.StatusSubmitted, "", nil
	}
	return backend.StatusRunning, "", nil
}

// Cancel asks the service to stop the job. A job the service no longer
// knows about counts as stopped.
func (b *Backend) Cancel(ctx context.Context, job *backend.Job) error {
	if job.RemoteID == "" {
		return nil
	}
	return b.tel.BackendCall(ctx, b.Name(), "cancel", backend.ErrorKind, func(ctx context.Context) error {
		err := b.client.sendJSON(ctx, request{
			method:   http.MethodPost,
			path:     "/jobs/" + url.PathEscape(job.RemoteID) + "/cancel",
			resource: job.RemoteID,
			op:       "cancel",
		}, struct{}{}, nil)
		if errs.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// Outputs returns the result locations allocated on submit.
func (b *Backend) Outputs(ctx context.Context, job *backend.Job) ([]locator.Locator, error) {
	return job.Outputs, nil
}

// Release deletes the job's temp folder, which the service keeps after its
// inputs and outputs are gone. A folder that was never created is not an
// error.
func (b *Backend) Release(ctx context.Context, job *backend.Job) error {
	ns := b.namespace(job)
	if err := b.Delete(ctx, ns); err != nil {
		return err
	}
	b.logger.WithJobID(job.ID).Debugf("deleted temp folder %s", ns.Path)
	return nil
}
