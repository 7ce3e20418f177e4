// Package backend defines the capability interfaces shared by the storage and
// execution backends, the job model driven by the orchestrator and helpers
// for classifying backend failures.
package backend

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/locator"
	"github.com/minerlink/minerlink/pkg/payload"
)

// Backend moves encoded resources to and from a store. Fetch and Store deal
// in codec container bytes; a backend never interprets them beyond what its
// store requires.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Fetch returns the stored bytes. It fails with NotFound or
	// SizeLimitExceeded.
	Fetch(ctx context.Context, loc locator.Locator) ([]byte, error)

	// Store writes data at loc, replacing what is there. It fails with
	// SizeLimitExceeded or PermissionDenied.
	Store(ctx context.Context, loc locator.Locator, data []byte) error

	// Exists reports whether loc resolves to a stored resource.
	Exists(ctx context.Context, loc locator.Locator) (bool, error)

	// List returns the children of loc in a stable order.
	List(ctx context.Context, loc locator.Locator) ([]locator.Locator, error)
}

// Deleter removes stored resources. Deleting a missing resource is not an
// error.
type Deleter interface {
	Delete(ctx context.Context, loc locator.Locator) error
}

// Executor is a backend that can run processes.
type Executor interface {
	Backend
	Deleter

	// TempLocator names the index-th staged input of job. Names are derived
	// from the job id so concurrent jobs never collide.
	TempLocator(job *Job, index int, kind payload.Kind) (locator.Locator, error)

	// Submit starts job. On return job.Status is at least Submitted and
	// job.RemoteID is set when the backend assigns one.
	Submit(ctx context.Context, job *Job) error

	// Status reports the current state of job together with the backend's
	// diagnostic text for failed jobs.
	Status(ctx context.Context, job *Job) (JobStatus, string, error)

	// Cancel asks the backend to stop job. It is advisory.
	Cancel(ctx context.Context, job *Job) error

	// Outputs lists the locators of the job results in declaration order.
	// Only valid once the job has succeeded.
	Outputs(ctx context.Context, job *Job) ([]locator.Locator, error)

	// Release frees per-job state beyond the tracked temp resources, such
	// as scratch directories or the folder holding them. It is called once,
	// after cleanup, on every terminal path.
	Release(ctx context.Context, job *Job) error

	// PollInterval is the delay between two Status calls.
	PollInterval() time.Duration
}

// MultiFetcher is implemented by backends where one call for many locators
// is cheaper than many calls.
type MultiFetcher interface {
	FetchMany(ctx context.Context, locs []locator.Locator) ([][]byte, error)
}

// MultiStorer is the batched counterpart of Store.
type MultiStorer interface {
	StoreMany(ctx context.Context, locs []locator.Locator, data [][]byte) error
}

// FetchAll fetches every locator, in one call when b supports it.
func FetchAll(ctx context.Context, b Backend, locs []locator.Locator) ([][]byte, error) {
	if mf, ok := b.(MultiFetcher); ok && len(locs) > 1 {
		return mf.FetchMany(ctx, locs)
	}
	out := make([][]byte, 0, len(locs))
	for _, loc := range locs {
		data, err := b.Fetch(ctx, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// StoreAll stores data[i] at locs[i], in one call when b supports it.
func StoreAll(ctx context.Context, b Backend, locs []locator.Locator, data [][]byte) error {
	if len(locs) != len(data) {
		return errs.Newf(errs.KindInvalidArgument, "%d locators for %d payloads", len(locs), len(data))
	}
	if ms, ok := b.(MultiStorer); ok && len(locs) > 1 {
		return ms.StoreMany(ctx, locs, data)
	}
	for i, loc := range locs {
		if err := b.Store(ctx, loc, data[i]); err != nil {
			return err
		}
	}
	return nil
}

// FromFSError classifies an io/fs error for loc. Errors that are already
// classified pass through unchanged.
func FromFSError(err error, loc locator.Locator, op string) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	resource := ""
	if loc != nil {
		resource = loc.String()
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errs.Wrap(errs.KindNotFound, "resource does not exist", err).WithResource(resource).WithOp(op)
	case errors.Is(err, fs.ErrPermission):
		return errs.Wrap(errs.KindPermissionDenied, "access denied", err).WithResource(resource).WithOp(op)
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.KindTimeout, "operation timed out", err).WithResource(resource).WithOp(op)
	}
	return errs.Wrap(errs.KindInternal, "backend operation failed", err).WithResource(resource).WithOp(op)
}

// ErrorKind returns the kind label of err for metrics.
func ErrorKind(err error) string {
	if k := errs.KindOf(err); k != "" {
		return string(k)
	}
	return "unclassified"
}
