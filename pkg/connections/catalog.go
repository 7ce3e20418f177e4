package connections

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/telemetry"
)

// Dir is the folder of a project that holds connection definitions.
const Dir = "Connections"

// reloadDelay collapses bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Options configures a Catalog.
type Options struct {
	// Project names the project. It defaults to the base name of the root.
	Project string

	// ShowGroups qualifies every field key with its group.
	ShowGroups bool
}

// Catalog holds the connections of one project, sorted by name.
type Catalog struct {
	root    string
	opts    Options
	logger  *telemetry.Logger
	mu      sync.RWMutex
	entries []*Connection
}

// Open loads the definitions under root/Connections. A project without the
// folder has no connections.
func Open(root string, opts Options, logger *telemetry.Logger) (*Catalog, error) {
	if logger == nil {
		logger = telemetry.Nop()
	}
	if opts.Project == "" {
		opts.Project = filepath.Base(filepath.Clean(root))
	}
	c := &Catalog{
		root:   root,
		opts:   opts,
		logger: logger.NewComponentLogger("connections").WithField("project", opts.Project),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// FromDefinitions builds a catalog from definitions served by the platform.
func FromDefinitions(project string, defs []Definition, showGroups bool) *Catalog {
	c := &Catalog{
		opts:   Options{Project: project, ShowGroups: showGroups},
		logger: telemetry.Nop(),
	}
	c.entries = c.build(defs)
	return c
}

// Project is the name of the project the catalog belongs to.
func (c *Catalog) Project() string { return c.opts.Project }

func (c *Catalog) dir() string { return filepath.Join(c.root, Dir) }

// Reload rereads every definition from disk.
func (c *Catalog) Reload() error {
	defs, err := c.load()
	if err != nil {
		return err
	}
	entries := c.build(defs)

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()

	c.logger.Debugf("loaded %d connections", len(entries))
	return nil
}

func (c *Catalog) load() ([]Definition, error) {
	dir := c.dir()
	var defs []Definition
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !IsDefinitionFile(d.Name()) {
			return nil
		}
		def, err := ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		def.Path = filepath.ToSlash(rel)
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}

func (c *Catalog) build(defs []Definition) []*Connection {
	entries := make([]*Connection, 0, len(defs))
	for _, d := range defs {
		entries = append(entries, NewConnection(d, c.opts.ShowGroups))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	return entries
}

// List returns the connections sorted by name.
func (c *Catalog) List() []*Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Connection, len(c.entries))
	copy(out, c.entries)
	return out
}

// Names returns the connection names in catalog order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Name()
	}
	return names
}

// Get returns the connection called name.
func (c *Catalog) Get(name string) (*Connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.Name() == name {
			return e, nil
		}
	}
	return nil, errs.Newf(errs.KindNotFound, "connection %s not found", name).WithResource(c.opts.Project)
}

// Watch reloads the catalog when definition files change until ctx is
// done. onReload, if set, runs after every reload with its outcome.
func (c *Catalog) Watch(ctx context.Context, onReload func(error)) error {
	if c.root == "" {
		return errs.New(errs.KindInvalidArgument, "catalog has no directory to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(c.dir()); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", c.dir(), err)
	}

	go c.processEvents(ctx, watcher, onReload)

	c.logger.Info("started watching connections")
	return nil
}

func (c *Catalog) processEvents(ctx context.Context, watcher *fsnotify.Watcher, onReload func(error)) {
	defer watcher.Close()

	var reloadTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !IsDefinitionFile(event.Name) {
				continue
			}
			c.logger.WithField("file", event.Name).WithField("op", event.Op.String()).Debug("connection file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				err := c.Reload()
				if err != nil {
					c.logger.WithError(err).Error("failed to reload connections")
				}
				if onReload != nil {
					onReload(err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.WithError(err).Error("watcher error")
		}
	}
}
