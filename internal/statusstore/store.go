// Package statusstore keeps the launch state of every worker for the status
// endpoint and the run report.
//
// Each worker updates only its own key, from its own goroutines, while the
// HTTP handler reads all of them; sync.Map fits that access pattern without
// a global lock.
package statusstore

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/vk/clusterboot/internal/lifecycle"
)

// Entry is the recorded state of one worker.
type Entry struct {
	Node  string          `json:"node" yaml:"node"`
	Mode  string          `json:"mode,omitempty" yaml:"mode,omitempty"`
	State lifecycle.State `json:"state" yaml:"state"`
	Error string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// Store is safe for concurrent use. The zero value is ready.
type Store struct {
	states sync.Map // node name -> lifecycle.State
	modes  sync.Map // node name -> string
	errors sync.Map // node name -> error
}

// New creates an empty store.
func New() *Store {
	return &Store{}
}

// SetState records the state of a worker.
func (s *Store) SetState(ctx context.Context, node string, state lifecycle.State) {
	s.states.Store(node, state)
}

// GetState returns the recorded state, NotStarted if none.
func (s *Store) GetState(ctx context.Context, node string) lifecycle.State {
	v, ok := s.states.Load(node)
	if !ok {
		return lifecycle.NotStarted
	}
	return v.(lifecycle.State)
}

// SetMode records how a worker was launched.
func (s *Store) SetMode(ctx context.Context, node, mode string) {
	s.modes.Store(node, mode)
}

// SetError records why a worker failed.
func (s *Store) SetError(ctx context.Context, node string, err error) {
	s.errors.Store(node, err)
}

// GetError returns the recorded failure, or nil.
func (s *Store) GetError(ctx context.Context, node string) error {
	v, ok := s.errors.Load(node)
	if !ok {
		return nil
	}
	return v.(error)
}

// Snapshot returns every worker with a recorded state, ordered by name.
func (s *Store) Snapshot(ctx context.Context) []Entry {
	var out []Entry
	s.states.Range(func(k, v any) bool {
		name := k.(string)
		e := Entry{Node: name, State: v.(lifecycle.State)}
		if m, ok := s.modes.Load(name); ok {
			e.Mode = m.(string)
		}
		if err := s.GetError(ctx, name); err != nil {
			e.Error = err.Error()
		}
		out = append(out, e)
		return true
	})
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Node, b.Node) })
	return out
}
