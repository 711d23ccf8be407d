package workflow

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/gizmax/sandcastle/internal/store"
	"github.com/gizmax/sandcastle/pkg/errors"
)

// Registry loads workflow definitions from a directory of YAML files,
// records each distinct content as a new draft version, and hot-reloads on
// file changes. It implements Loader for sub-workflow resolution.
type Registry struct {
	dir    string
	store  *store.Store
	logger *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*Definition

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry creates a registry over dir. The store may be nil; versions
// are then not recorded.
func NewRegistry(dir string, st *store.Store, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		dir:       dir,
		store:     st,
		logger:    logger,
		workflows: make(map[string]*Definition),
		done:      make(chan struct{}),
	}
	if err := r.reload(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

// Load implements Loader.
func (r *Registry) Load(ctx context.Context, name string) (*Definition, error) {
	r.mu.RLock()
	def, ok := r.workflows[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	return def, nil
}

// Names lists the registered workflow names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}

// Register adds or replaces a definition directly (used for API
// submissions and tests).
func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	r.workflows[def.Name] = def
	r.mu.Unlock()
}

// reload re-parses every YAML file in the directory.
func (r *Registry) reload(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	loaded := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("workflow file read failed", "path", path, "error", err)
			continue
		}
		def, err := Parse(content)
		if err != nil {
			r.logger.Warn("workflow parse failed", "path", path, "error", err)
			continue
		}
		if errs := Validate(def); len(errs) > 0 {
			r.logger.Warn("workflow validation failed",
				"path", path, "errors", strings.Join(errs, "; "))
			continue
		}
		loaded[def.Name] = def

		if r.store != nil {
			if _, err := r.store.SaveWorkflowVersion(ctx, def.Name, string(content)); err != nil {
				r.logger.Warn("workflow version save failed", "workflow", def.Name, "error", err)
			}
		}
	}

	r.mu.Lock()
	r.workflows = loaded
	r.mu.Unlock()
	r.logger.Info("workflow registry loaded", "count", len(loaded), "dir", r.dir)
	return nil
}

// Watch hot-reloads the registry on directory changes until Close.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return err
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := r.reload(ctx); err != nil {
						r.logger.Warn("workflow reload failed", "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("workflow watcher error", "error", err)
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
