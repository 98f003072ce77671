package launch

import (
	"context"
	"sync"

	"github.com/vk/clusterboot/internal/entry"
	"github.com/vk/clusterboot/internal/lifecycle"
	"github.com/vk/clusterboot/internal/node"
	"github.com/vk/clusterboot/internal/remote"
)

// Mode is how a worker runs.
type Mode string

const (
	// ModeInProcess runs the target on a goroutine of the controller.
	ModeInProcess Mode = "in-process"
	// ModeLocal runs the worker as a subprocess of the controller.
	ModeLocal Mode = "local"
	// ModeRemote runs the worker through the remote shell.
	ModeRemote Mode = "remote"
)

// Handle supervises one worker.
type Handle struct {
	node    *node.Node
	mode    Mode
	tracker lifecycle.Tracker
	command string

	channel remote.Channel
	entry   entry.Entry

	done     chan struct{}
	err      error
	stopOnce sync.Once
}

func newHandle(n *node.Node, mode Mode) *Handle {
	return &Handle{node: n, mode: mode, done: make(chan struct{})}
}

// Node is the node the worker runs on.
func (h *Handle) Node() *node.Node { return h.node }

// Mode is how the worker runs.
func (h *Handle) Mode() Mode { return h.mode }

// State is the current lifecycle state.
func (h *Handle) State() lifecycle.State { return h.tracker.Get() }

// Command is the line written to the worker's shell, empty in process.
func (h *Handle) Command() string { return h.command }

// Done is closed once the worker has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the exit error of the worker, valid after Done.
func (h *Handle) Err() error { return h.err }

// exited records the end of the worker. A worker that exits on its own
// walks through Stopping to Stopped like a stopped one.
func (h *Handle) exited(err error) {
	h.err = err
	_ = h.tracker.Advance(lifecycle.Running)
	_ = h.tracker.Advance(lifecycle.Stopping)
	close(h.done)
}

// Stop ends the worker and waits for it: an in-process target gets its stop
// hook called, a local subprocess has its input closed, a remote shell is
// killed. Stop is idempotent.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		if h.tracker.Advance(lifecycle.Running) != nil {
			return
		}
		switch h.mode {
		case ModeInProcess:
			h.entry.Stop()
		case ModeLocal:
			_ = h.channel.Stdin().Close()
		case ModeRemote:
			_ = h.channel.Kill()
		}
	})

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
