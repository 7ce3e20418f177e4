// Package filesystem stores resources as files below a project checkout,
// either on the local disk or on another host reached over SFTP.
package filesystem

import (
	"context"
	"fmt"
	"path"

	"github.com/minerlink/minerlink/pkg/backend"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/locator"
	"github.com/minerlink/minerlink/pkg/telemetry"
)

// Extensions tried, in order, when a resource named without extension is
// missing.
const (
	ExtData    = ".rmhdf5table"
	ExtProcess = ".rmp"
)

var fallbackExtensions = []string{ExtData, ExtProcess}

// Config configures a filesystem backend.
type Config struct {
	// Root is the local checkout directory. Ignored when an SFTP file
	// system is used, which carries its own root.
	Root string `yaml:"root" json:"root"`

	// Project, when set, is the only project name ProjectPath locators may
	// use.
	Project string `yaml:"project" json:"project"`

	// MaxSizeBytes rejects larger resources. Zero means no limit.
	MaxSizeBytes int64 `yaml:"max_size_bytes" json:"max_size_bytes" validate:"min=0"`
}

// Backend implements backend.Backend and backend.Deleter on an FS.
type Backend struct {
	fs      FS
	config  Config
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
	project string
}

// New returns a backend over fsys. A nil tel disables telemetry.
func New(fsys FS, cfg Config, tel *telemetry.Telemetry) *Backend {
	tel = telemetry.OrNop(tel)
	return &Backend{
		fs:      fsys,
		config:  cfg,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("filesystem").WithBackend("filesystem"),
		project: cfg.Project,
	}
}

// NewLocal returns a backend over the local directory cfg.Root.
func NewLocal(cfg Config, tel *telemetry.Telemetry) *Backend {
	return New(NewOSFS(cfg.Root), cfg, tel)
}

func (b *Backend) Name() string { return "filesystem" }

// name maps a locator to a slash separated name below the root.
func (b *Backend) name(loc locator.Locator) (string, error) {
	if loc == nil {
		return "", errs.New(errs.KindInvalidArgument, "nil locator")
	}
	var out string
	err := loc.Accept(locator.Funcs{
		LocalFile: func(l locator.LocalFile) error {
			out = l.Path
			return nil
		},
		RepositoryPath: func(r locator.RepositoryPath) error {
			out = r.Path
			return nil
		},
		ProjectPath: func(p locator.ProjectPath) error {
			if b.project != "" && p.Project != b.project {
				return errs.Newf(errs.KindInvalidArgument, "locator targets project %q, backend serves %q", p.Project, b.project)
			}
			out = p.Path
			return nil
		},
	})
	if err != nil {
		return "", err
	}
	return path.Clean("/" + out), nil
}

// Fetch reads the resource at loc. A missing resource named without an
// extension is retried as a data table, then as a process.
func (b *Backend) Fetch(ctx context.Context, loc locator.Locator) ([]byte, error) {
	var data []byte
	err := b.tel.BackendCall(ctx, b.Name(), "fetch", backend.ErrorKind, func(ctx context.Context) error {
		name, err := b.name(loc)
		if err != nil {
			return err
		}

		candidates := []string{name}
		if path.Ext(name) == "" {
			for _, ext := range fallbackExtensions {
				candidates = append(candidates, name+ext)
			}
		}

		for i, candidate := range candidates {
			data, err = b.read(ctx, loc, candidate)
			if err == nil {
				if i > 0 {
					b.logger.WithLocator(loc).Debugf("resolved to %s", candidate)
				}
				return nil
			}
			if !errs.IsNotFound(err) {
				return err
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	b.tel.Metrics.RecordBytes(b.Name(), "in", len(data))
	return data, nil
}

func (b *Backend) read(ctx context.Context, loc locator.Locator, name string) ([]byte, error) {
	info, err := b.fs.Stat(ctx, name)
	if err != nil {
		return nil, backend.FromFSError(err, loc, "fetch")
	}
	if info.IsDir() {
		return nil, errs.Newf(errs.KindNotFound, "%s is a directory", name).WithResource(loc.String()).WithOp("fetch")
	}
	if b.config.MaxSizeBytes > 0 && info.Size() > b.config.MaxSizeBytes {
		return nil, b.sizeError(loc, "fetch", info.Size())
	}
	data, err := b.fs.ReadFile(ctx, name)
	if err != nil {
		return nil, backend.FromFSError(err, loc, "fetch")
	}
	return data, nil
}

// Store writes data at loc, creating missing parent directories.
func (b *Backend) Store(ctx context.Context, loc locator.Locator, data []byte) error {
	err := b.tel.BackendCall(ctx, b.Name(), "store", backend.ErrorKind, func(ctx context.Context) error {
		name, err := b.name(loc)
		if err != nil {
			return err
		}
		if b.config.MaxSizeBytes > 0 && int64(len(data)) > b.config.MaxSizeBytes {
			return b.sizeError(loc, "store", int64(len(data)))
		}
		if err := b.fs.MkdirAll(ctx, path.Dir(name)); err != nil {
			return backend.FromFSError(err, loc, "store")
		}
		if err := b.fs.WriteFile(ctx, name, data); err != nil {
			return backend.FromFSError(err, loc, "store")
		}
		return nil
	})
	if err == nil {
		b.tel.Metrics.RecordBytes(b.Name(), "out", len(data))
		b.logger.WithLocator(loc).Debugf("stored %d bytes", len(data))
	}
	return err
}

// Exists reports whether loc names a file.
func (b *Backend) Exists(ctx context.Context, loc locator.Locator) (bool, error) {
	var found bool
	err := b.tel.BackendCall(ctx, b.Name(), "exists", backend.ErrorKind, func(ctx context.Context) error {
		name, err := b.name(loc)
		if err != nil {
			return err
		}
		_, err = b.fs.Stat(ctx, name)
		if err == nil {
			found = true
			return nil
		}
		if err = backend.FromFSError(err, loc, "exists"); errs.IsNotFound(err) {
			return nil
		}
		return err
	})
	return found, err
}

// List returns the entries of the directory at loc, sorted by name, as
// locators of the same variant.
func (b *Backend) List(ctx context.Context, loc locator.Locator) ([]locator.Locator, error) {
	var out []locator.Locator
	err := b.tel.BackendCall(ctx, b.Name(), "list", backend.ErrorKind, func(ctx context.Context) error {
		name, err := b.name(loc)
		if err != nil {
			return err
		}
		entries, err := b.fs.ReadDir(ctx, name)
		if err != nil {
			return backend.FromFSError(err, loc, "list")
		}
		for _, e := range entries {
			out = append(out, child(loc, e.Name()))
		}
		return nil
	})
	return out, err
}

// Delete removes the file at loc. A missing file is not an error.
func (b *Backend) Delete(ctx context.Context, loc locator.Locator) error {
	return b.tel.BackendCall(ctx, b.Name(), "delete", backend.ErrorKind, func(ctx context.Context) error {
		name, err := b.name(loc)
		if err != nil {
			return err
		}
		if err := b.fs.Remove(ctx, name); err != nil {
			if err = backend.FromFSError(err, loc, "delete"); errs.IsNotFound(err) {
				return nil
			}
			return err
		}
		return nil
	})
}

func (b *Backend) sizeError(loc locator.Locator, op string, size int64) error {
	return errs.Newf(errs.KindSizeLimitExceeded, "resource is %d bytes, limit is %d", size, b.config.MaxSizeBytes).
		WithResource(loc.String()).
		WithOp(op).
		WithDetail("size", size).
		WithDetail("limit", b.config.MaxSizeBytes)
}

func child(parent locator.Locator, name string) locator.Locator {
	switch p := parent.(type) {
	case locator.LocalFile:
		return locator.LocalFile{Path: path.Join(p.Path, name)}
	case locator.RepositoryPath:
		return p.Join(name)
	case locator.ProjectPath:
		return p.Join(name)
	}
	panic(fmt.Sprintf("unknown locator type %T", parent))
}
