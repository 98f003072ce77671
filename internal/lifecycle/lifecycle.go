// Package lifecycle holds the state machine shared by every launched worker,
// whether it is supervised from the controller or runs the bootstrap protocol
// on the remote side.
package lifecycle

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the execution state of a worker process.
type State int32

const (
	// NotStarted is the initial state.
	NotStarted State = iota
	// Launching means the process or goroutine is being created.
	Launching
	// Running means the target entry point is executing.
	Running
	// Stopping means a stop was requested and the stop hook is running.
	Stopping
	// Stopped is terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Launching:
		return "LAUNCHING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText lets states render by name in JSON and YAML reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for st := NotStarted; st <= Stopped; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// next lists the only legal successor of each state.
var next = map[State]State{
	NotStarted: Launching,
	Launching:  Running,
	Running:    Stopping,
	Stopping:   Stopped,
}

// Tracker holds a State and enforces forward-only transitions.
type Tracker struct {
	state atomic.Int32

	mu        sync.Mutex
	observers []func(State)
}

// Get atomically retrieves the current state.
func (t *Tracker) Get() State {
	return State(t.state.Load())
}

// Observe registers a callback invoked after every successful transition.
func (t *Tracker) Observe(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Advance moves from 'from' to its successor. It fails if the tracker is not
// currently in 'from'.
func (t *Tracker) Advance(from State) error {
	to, ok := next[from]
	if !ok {
		return fmt.Errorf("no transition out of %s", from)
	}
	if !t.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("illegal transition %s -> %s: current state is %s", from, to, t.Get())
	}

	t.mu.Lock()
	observers := append([]func(State){}, t.observers...)
	t.mu.Unlock()
	for _, fn := range observers {
		fn(to)
	}
	return nil
}

// Fail jumps straight to Stopped, used when a launch cannot complete.
func (t *Tracker) Fail() {
	if t.Get() == Stopped {
		return
	}
	t.state.Store(int32(Stopped))

	t.mu.Lock()
	observers := append([]func(State){}, t.observers...)
	t.mu.Unlock()
	for _, fn := range observers {
		fn(Stopped)
	}
}
