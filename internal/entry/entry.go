// Package entry holds the compiled-in entry points a worker can run, looked
// up by name.
package entry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
)

// ErrUnknownEntry is returned for a name nothing was registered under.
var ErrUnknownEntry = errors.New("unknown entry point")

// Env is what a running entry point receives.
type Env struct {
	Node        string
	Application string
	Args        []string
	Stdout      io.Writer
	Stderr      io.Writer
	// SearchPath lists the deployed binaries visible to the worker.
	SearchPath []string
	Assertions bool
}

// Entry is one run of an entry point. Main blocks until the work is done or
// Stop is called; Stop may be called from another goroutine, at most once.
type Entry interface {
	Main(ctx context.Context, env Env) error
	Stop()
}

// Factory returns a fresh Entry for every run.
type Factory func() Entry

// Module registers entry points.
type Module interface {
	Register(r *Registry)
}

// Registry maps names to factories. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	all map[string]Factory
}

// New creates a registry holding the given modules.
func New(modules ...Module) *Registry {
	r := &Registry{all: make(map[string]Factory)}
	for _, m := range modules {
		m.Register(r)
	}
	return r
}

// Register adds a factory. Registering a name twice is a programming error.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.all[name]; exists {
		panic(fmt.Sprintf("entry point with name '%s' already registered", name))
	}
	slog.Debug("Registering entry point.", "name", name)
	r.all[name] = f
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.all[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntry, name)
	}
	return f, nil
}

// Names lists the registered entry points.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.all))
	for n := range r.all {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// FuncEntry adapts a function to Entry; Stop cancels the context Main runs
// with.
type FuncEntry struct {
	Fn func(ctx context.Context, env Env) error

	mu     sync.Mutex
	cancel context.CancelFunc
	stop   bool
}

// Main implements Entry.
func (e *FuncEntry) Main(ctx context.Context, env Env) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	if e.stop {
		e.mu.Unlock()
		return nil
	}
	e.cancel = cancel
	e.mu.Unlock()
	return e.Fn(ctx, env)
}

// Stop implements Entry.
func (e *FuncEntry) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stop = true
	if e.cancel != nil {
		e.cancel()
	}
}
