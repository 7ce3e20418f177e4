// Package remote talks to the platform's HTTP job service. It stores and
// reads resources in the service repository, submits process runs to
// execution queues and serves the vault and project key lookups the
// connection resolver needs.
package remote

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/minerlink/minerlink/pkg/auth"
	"github.com/minerlink/minerlink/pkg/backend"
	"github.com/minerlink/minerlink/pkg/backend/filesystem"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/locator"
	"github.com/minerlink/minerlink/pkg/telemetry"
)

// Backend implements backend.Executor against the job service. It keeps no
// per-job state: temp locations derive from the job id and the remote job
// id travels on the job.
type Backend struct {
	config Config
	client *client
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// Option customizes a Backend.
type Option func(*Backend)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *Backend) { b.client.http = hc }
}

// New returns a backend for the service in cfg. provider may be nil for
// services without authentication. A nil tel disables telemetry.
func New(cfg Config, provider auth.TokenProvider, tel *telemetry.Telemetry, opts ...Option) (*Backend, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "invalid remote backend configuration", err)
	}
	tel = telemetry.OrNop(tel)
	logger := tel.Logger.NewComponentLogger("remote").WithBackend("remote")
	b := &Backend{
		config: cfg,
		client: &client{
			baseURL: cfg.URL,
			http:    newHTTPClient(cfg),
			auth:    provider,
			logger:  logger,
		},
		tel:    tel,
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Backend) Name() string { return "remote" }

// PollInterval implements backend.Executor.
func (b *Backend) PollInterval() time.Duration { return b.config.PollInterval }

// remoteLocator rejects local files, which the service cannot reach.
func remoteLocator(loc locator.Locator, op string) error {
	if loc == nil {
		return errs.New(errs.KindInvalidArgument, "nil locator").WithOp(op)
	}
	if _, ok := loc.(locator.LocalFile); ok {
		return errs.New(errs.KindInvalidArgument, "the remote service cannot access local files").WithResource(loc.String()).WithOp(op)
	}
	return nil
}

// servicePath is how the service addresses loc: a bare path in the
// repository, the git form in a project.
func servicePath(loc locator.Locator) string {
	if r, ok := loc.(locator.RepositoryPath); ok {
		return r.Path
	}
	return loc.String()
}

func resourceRequest(method string, loc locator.Locator, op string) request {
	return request{
		method:   method,
		path:     "/resources",
		query:    url.Values{"path": {servicePath(loc)}},
		resource: loc.String(),
		op:       op,
	}
}

// withFallback retries fn with ext appended when a project path without
// extension is missing.
func withFallback(loc locator.Locator, ext string, fn func(locator.Locator) error) error {
	err := fn(loc)
	pp, ok := loc.(locator.ProjectPath)
	if !errs.IsNotFound(err) || !ok || path.Ext(pp.Path) != "" {
		return err
	}
	return fn(locator.ProjectPath{Project: pp.Project, Path: pp.Path + ext})
}

// Fetch downloads the resource at loc. The advertised length is checked
// against the size limit before the body is read; an oversized body is
// never read.
func (b *Backend) Fetch(ctx context.Context, loc locator.Locator) ([]byte, error) {
	if err := remoteLocator(loc, "fetch"); err != nil {
		return nil, err
	}
	var data []byte
	err := b.tel.BackendCall(ctx, b.Name(), "fetch", backend.ErrorKind, func(ctx context.Context) error {
		return withFallback(loc, filesystem.ExtData, func(l locator.Locator) error {
			var err error
			data, err = b.download(ctx, resourceRequest(http.MethodGet, l, "fetch"))
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	b.tel.Metrics.RecordBytes(b.Name(), "in", len(data))
	return data, nil
}

func (b *Backend) download(ctx context.Context, req request) ([]byte, error) {
	resp, err := b.client.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, req)
	}
	limit := b.config.sizeLimit()
	if limit > 0 && resp.ContentLength > limit {
		// closed unread, dropping the connection
		resp.Body.Close()
		return nil, b.sizeError(resp.ContentLength, req)
	}
	defer drain(resp)

	body := io.Reader(resp.Body)
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to read response", err).WithResource(req.resource).WithOp(req.op)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, b.sizeError(int64(len(data)), req)
	}
	return data, nil
}

func (b *Backend) sizeError(size int64, req request) error {
	return errs.Newf(errs.KindSizeLimitExceeded,
		"resource is larger than the size limit of %d KB; raise size_limit_kb to transfer larger objects", b.config.SizeLimitKB).
		WithResource(req.resource).
		WithOp(req.op).
		WithDetail("size", size)
}

// Store uploads data to loc. Versioned projects do not accept direct
// writes.
func (b *Backend) Store(ctx context.Context, loc locator.Locator, data []byte) error {
	if err := remoteLocator(loc, "store"); err != nil {
		return err
	}
	if _, ok := loc.(locator.ProjectPath); ok {
		return errs.New(errs.KindUnsupportedForVersionedProject, "versioned projects cannot be written directly").WithResource(loc.String()).WithOp("store")
	}
	req := resourceRequest(http.MethodPut, loc, "store")
	if limit := b.config.sizeLimit(); limit > 0 && int64(len(data)) > limit {
		return b.sizeError(int64(len(data)), req)
	}
	err := b.tel.BackendCall(ctx, b.Name(), "store", backend.ErrorKind, func(ctx context.Context) error {
		req.body = data
		req.contentType = "application/octet-stream"
		resp, err := b.client.do(ctx, req)
		if err != nil {
			return err
		}
		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusNoContent:
			drain(resp)
			return nil
		}
		return statusError(resp, req)
	})
	if err == nil {
		b.tel.Metrics.RecordBytes(b.Name(), "out", len(data))
	}
	return err
}

// Exists reports whether loc resolves, using a HEAD request.
func (b *Backend) Exists(ctx context.Context, loc locator.Locator) (bool, error) {
	if err := remoteLocator(loc, "exists"); err != nil {
		return false, err
	}
	var found bool
	err := b.tel.BackendCall(ctx, b.Name(), "exists", backend.ErrorKind, func(ctx context.Context) error {
		req := resourceRequest(http.MethodHead, loc, "exists")
		resp, err := b.client.do(ctx, req)
		if err != nil {
			return err
		}
		switch resp.StatusCode {
		case http.StatusOK:
			found = true
			drain(resp)
			return nil
		case http.StatusNotFound:
			drain(resp)
			return nil
		}
		return statusError(resp, req)
	})
	return found, err
}

// List returns the children of the folder at loc in the order the service
// sends them.
func (b *Backend) List(ctx context.Context, loc locator.Locator) ([]locator.Locator, error) {
	if err := remoteLocator(loc, "list"); err != nil {
		return nil, err
	}
	var names []string
	err := b.tel.BackendCall(ctx, b.Name(), "list", backend.ErrorKind, func(ctx context.Context) error {
		req := resourceRequest(http.MethodGet, loc, "list")
		req.path = "/resources/children"
		return b.client.getJSON(ctx, req, &names)
	})
	if err != nil {
		return nil, err
	}
	out := make([]locator.Locator, 0, len(names))
	for _, n := range names {
		l, err := locator.Parse(n)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "service listed an invalid locator", err).WithResource(loc.String())
		}
		out = append(out, l)
	}
	return out, nil
}

// Delete removes the resource at loc. A missing resource is not an error.
func (b *Backend) Delete(ctx context.Context, loc locator.Locator) error {
	if err := remoteLocator(loc, "delete"); err != nil {
		return err
	}
	return b.tel.BackendCall(ctx, b.Name(), "delete", backend.ErrorKind, func(ctx context.Context) error {
		req := resourceRequest(http.MethodDelete, loc, "delete")
		resp, err := b.client.do(ctx, req)
		if err != nil {
			return err
		}
		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
			drain(resp)
			return nil
		}
		return statusError(resp, req)
	})
}

// ProcessDefinition returns the XML of the process at loc. A project
// process named without extension is retried with the process extension.
func (b *Backend) ProcessDefinition(ctx context.Context, loc locator.Locator) ([]byte, error) {
	if err := remoteLocator(loc, "process"); err != nil {
		return nil, err
	}
	var data []byte
	err := b.tel.BackendCall(ctx, b.Name(), "process", backend.ErrorKind, func(ctx context.Context) error {
		return withFallback(loc, filesystem.ExtProcess, func(l locator.Locator) error {
			var err error
			data, err = b.download(ctx, request{
				method:   http.MethodGet,
				path:     "/processes",
				query:    url.Values{"location": {servicePath(l)}},
				resource: l.String(),
				op:       "process",
			})
			return err
		})
	})
	return data, err
}

var _ backend.Executor = (*Backend)(nil)
