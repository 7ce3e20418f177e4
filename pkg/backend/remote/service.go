package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"

	"github.com/minerlink/minerlink/pkg/backend"
	"github.com/minerlink/minerlink/pkg/connections"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/locator"
)

// Queue is an execution queue jobs can be submitted to.
type Queue struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Project is a versioned project hosted by the service.
type Project struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type projectDetail struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

// Queues lists the execution queues.
func (b *Backend) Queues(ctx context.Context) ([]Queue, error) {
	var queues []Queue
	err := b.tel.BackendCall(ctx, b.Name(), "queues", backend.ErrorKind, func(ctx context.Context) error {
		return b.client.getJSON(ctx, request{path: "/queues", op: "queues"}, &queues)
	})
	return queues, err
}

// Projects lists the versioned projects the user can see.
func (b *Backend) Projects(ctx context.Context) ([]Project, error) {
	var projects []Project
	err := b.tel.BackendCall(ctx, b.Name(), "projects", backend.ErrorKind, func(ctx context.Context) error {
		return b.client.getJSON(ctx, request{path: "/projects", op: "projects"}, &projects)
	})
	return projects, err
}

// ProjectKey implements connections.KeyService. The key is the project
// secret the service sends base64 encoded.
func (b *Backend) ProjectKey(ctx context.Context, project string) ([]byte, error) {
	var detail projectDetail
	err := b.tel.BackendCall(ctx, b.Name(), "project_key", backend.ErrorKind, func(ctx context.Context) error {
		return b.client.getJSON(ctx, request{
			path:     "/projects/" + url.PathEscape(project),
			resource: project,
			op:       "project_key",
		}, &detail)
	})
	if err != nil {
		return nil, err
	}
	if detail.Secret == "" {
		return nil, errs.New(errs.KindDecryptionUnavailable, "service did not share the project key").WithResource(project)
	}
	key, err := base64.StdEncoding.DecodeString(detail.Secret)
	if err != nil {
		return nil, errs.Wrap(errs.KindCorruptPayload, "project key is not base64", err).WithResource(project)
	}
	return key, nil
}

// VaultEntries implements connections.KeyService.
func (b *Backend) VaultEntries(ctx context.Context, loc locator.Locator) ([]connections.VaultEntry, error) {
	var entries []connections.VaultEntry
	err := b.tel.BackendCall(ctx, b.Name(), "vault", backend.ErrorKind, func(ctx context.Context) error {
		return b.client.getJSON(ctx, request{
			path:     "/connections/vault",
			query:    url.Values{"location": {loc.String()}},
			resource: loc.String(),
			op:       "vault",
		}, &entries)
	})
	return entries, err
}

// Connections returns the connection definitions stored in project.
func (b *Backend) Connections(ctx context.Context, project string) ([]connections.Definition, error) {
	var raw []struct {
		Path       string          `json:"path"`
		Definition json.RawMessage `json:"definition"`
	}
	err := b.tel.BackendCall(ctx, b.Name(), "connections", backend.ErrorKind, func(ctx context.Context) error {
		return b.client.getJSON(ctx, request{
			path:     "/projects/" + url.PathEscape(project) + "/connections",
			resource: project,
			op:       "connections",
		}, &raw)
	})
	if err != nil {
		return nil, err
	}
	defs := make([]connections.Definition, 0, len(raw))
	for _, r := range raw {
		d, err := connections.ParseJSON(r.Definition)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "service sent an invalid connection", err).WithResource(project + "/" + r.Path)
		}
		d.Path = r.Path
		defs = append(defs, d)
	}
	return defs, nil
}

var _ connections.KeyService = (*Backend)(nil)
