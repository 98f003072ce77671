package events

import (
	"time"

	"github.com/vk/clusterboot/internal/launch"
	"github.com/vk/clusterboot/internal/lifecycle"
	"github.com/vk/clusterboot/internal/node"
)

// Event names.
const (
	EventPhase = "phase"
	EventState = "worker_state"
	EventLine  = "worker_line"
)

// Relay turns run progress into dashboard events.
type Relay struct {
	Emitter     Emitter
	Application string
}

var _ launch.LineListener = (*Relay)(nil)

// OnLine forwards a worker line.
func (r *Relay) OnLine(n *node.Node, stream launch.Stream, line string) {
	r.Emitter.Emit(EventLine, map[string]any{
		"application": r.Application,
		"node":        n.Name(),
		"stream":      string(stream),
		"line":        line,
	})
}

// Phase reports the end of one orchestration phase.
func (r *Relay) Phase(name string, took time.Duration, err error) {
	payload := map[string]any{
		"application": r.Application,
		"phase":       name,
		"duration_ms": took.Milliseconds(),
		"ok":          err == nil,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	r.Emitter.Emit(EventPhase, payload)
}

// State reports a worker state change.
func (r *Relay) State(n *node.Node, s lifecycle.State) {
	r.Emitter.Emit(EventState, map[string]any{
		"application": r.Application,
		"node":        n.Name(),
		"state":       s.String(),
	})
}
