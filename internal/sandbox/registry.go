package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Registry loads wasm modules from disk or bytes and keeps a handle table
// for lookup by id. Modules are immutable after load; replacing a module
// means loading it again under the same id.
type Registry struct {
	runtime *Runtime
	logger  *slog.Logger

	mu      sync.RWMutex
	modules map[string]*module

	watcher *fsnotify.Watcher
}

// NewRegistry creates an empty module registry.
func NewRegistry(runtime *Runtime, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runtime: runtime,
		logger:  logger.With("component", "sandbox_registry"),
		modules: make(map[string]*module),
	}
}

// LoadFromBytes compiles and registers a module. The module must expose
// the required exports (allocate, get_info, initialize).
func (r *Registry) LoadFromBytes(ctx context.Context, id string, code []byte, limits Limits) error {
	m, err := r.runtime.compile(ctx, id, code)
	if err != nil {
		return err
	}
	m.limits = limits.applyDefaults()

	if info, err := r.runtime.execute(ctx, m, "get_info", nil); err == nil && info != nil {
		_ = json.Unmarshal(info, &m.info)
	}

	r.mu.Lock()
	old := r.modules[id]
	r.modules[id] = m
	r.mu.Unlock()

	if old != nil {
		_ = old.compiled.Close(ctx)
	}
	r.logger.Info("module loaded", "module_id", id, "name", m.info.Name)
	return nil
}

// LoadFromFile loads one module file; the module id is the file's base
// name without extension.
func (r *Registry) LoadFromFile(ctx context.Context, path string, limits Limits) (string, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read module %s: %w", path, err)
	}
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := r.LoadFromBytes(ctx, id, code, limits); err != nil {
		return "", err
	}
	return id, nil
}

// LoadDir loads every .wasm file in a directory.
func (r *Registry) LoadDir(ctx context.Context, dir string, limits Limits) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read module dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".wasm" {
			continue
		}
		if _, err := r.LoadFromFile(ctx, filepath.Join(dir, entry.Name()), limits); err != nil {
			r.logger.Warn("module skipped", "file", entry.Name(), "error", err)
		}
	}
	return nil
}

// Watch reloads modules when .wasm files change in dir, until ctx ends.
func (r *Registry) Watch(ctx context.Context, dir string, limits Limits) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch modules: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	r.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(event.Name) != ".wasm" {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if _, err := r.LoadFromFile(ctx, event.Name, limits); err != nil {
					r.logger.Warn("module reload failed", "file", event.Name, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("module watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Unload removes a module from the registry.
func (r *Registry) Unload(ctx context.Context, id string) error {
	r.mu.Lock()
	m, ok := r.modules[id]
	delete(r.modules, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.compiled.Close(ctx)
}

// List returns the ids of all loaded modules.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for id := range r.modules {
		out = append(out, id)
	}
	return out
}

// Info returns a module's self-reported metadata.
func (r *Registry) Info(id string) (ModuleInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	if !ok {
		return ModuleInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.info, nil
}

// Execute runs one exported function of a loaded module with JSON
// arguments and returns its JSON output.
func (r *Registry) Execute(ctx context.Context, id, function string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	m, ok := r.modules[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.runtime.execute(ctx, m, function, args)
}

// Initialize calls a module's initialize export with its configuration.
func (r *Registry) Initialize(ctx context.Context, id string, config json.RawMessage) error {
	_, err := r.Execute(ctx, id, "initialize", config)
	return err
}
