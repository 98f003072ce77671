// Package launch starts one worker per node and supervises it.
//
// Every worker walks NOT_STARTED, LAUNCHING, RUNNING, STOPPING, STOPPED.
// A remote or local worker is a shell channel fed a single command line that
// starts the bootstrap; its input stays open for the life of the worker and
// closing it is the shutdown signal. Worker output is forwarded line by line
// to the registered listeners.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/vk/clusterboot/internal/cluster"
	"github.com/vk/clusterboot/internal/config"
	"github.com/vk/clusterboot/internal/ctxlog"
	"github.com/vk/clusterboot/internal/entry"
	"github.com/vk/clusterboot/internal/fanout"
	"github.com/vk/clusterboot/internal/lifecycle"
	"github.com/vk/clusterboot/internal/node"
	"github.com/vk/clusterboot/internal/provision"
	"github.com/vk/clusterboot/internal/remote"
	"github.com/vk/clusterboot/internal/statusstore"
)

var (
	// ErrAlreadyRunning is returned when a node already has a live worker.
	ErrAlreadyRunning = errors.New("a worker is already running on this node")
	// ErrNoRuntime is returned for a node provisioning could not resolve.
	ErrNoRuntime = errors.New("no runtime resolved for node")
)

// Launcher starts and stops workers on a started, provisioned cluster.
type Launcher struct {
	Cluster  *cluster.Cluster
	Runtimes *provision.Assignments
	Config   config.Model
	// Registry resolves in-process targets.
	Registry *entry.Registry
	// Home is the controller's home directory.
	Home string
	// Status, when set, mirrors every handle's state.
	Status *statusstore.Store
	// OnState, when set, is called after every state change of a worker.
	OnState func(n *node.Node, s lifecycle.State)

	mu         sync.Mutex
	handles    map[string]*Handle
	order      []*Handle
	listeners  []LineListener
	debugPorts int
}

// AddListener registers a listener for every worker's output.
func (l *Launcher) AddListener(ll LineListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, ll)
}

func (l *Launcher) dispatch(n *node.Node, stream Stream, line string) {
	l.mu.Lock()
	listeners := append([]LineListener{}, l.listeners...)
	l.mu.Unlock()
	for _, ll := range listeners {
		ll.OnLine(n, stream, line)
	}
}

// Handles returns every handle in launch order.
func (l *Launcher) Handles() []*Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Handle{}, l.order...)
}

// ModeFor tells how a worker on n would run.
func (l *Launcher) ModeFor(n *node.Node) Mode {
	switch {
	case n.IsLocal() && l.Config.Launch.InProcess:
		return ModeInProcess
	case n.IsLocal():
		return ModeLocal
	default:
		return ModeRemote
	}
}

func (l *Launcher) register(ctx context.Context, n *node.Node) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handles == nil {
		l.handles = make(map[string]*Handle)
	}
	if prev, ok := l.handles[n.Addr()]; ok {
		switch prev.State() {
		case lifecycle.Launching, lifecycle.Running:
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, n)
		}
	}

	h := newHandle(n, l.ModeFor(n))
	if l.Status != nil {
		l.Status.SetMode(ctx, n.Name(), string(h.mode))
		h.tracker.Observe(func(s lifecycle.State) { l.Status.SetState(ctx, n.Name(), s) })
	}
	if l.OnState != nil {
		h.tracker.Observe(func(s lifecycle.State) { l.OnState(n, s) })
	}
	l.handles[n.Addr()] = h
	l.order = append(l.order, h)
	return h, nil
}

func (l *Launcher) fail(ctx context.Context, h *Handle, err error) (*Handle, error) {
	if l.Status != nil {
		l.Status.SetError(ctx, h.node.Name(), err)
	}
	h.err = err
	h.tracker.Fail()
	close(h.done)
	return h, err
}

// Launch starts the worker of n.
func (l *Launcher) Launch(ctx context.Context, n *node.Node) (*Handle, error) {
	ctx = ctxlog.With(ctx, "node", n.String())
	h, err := l.register(ctx, n)
	if err != nil {
		return nil, err
	}
	if err := h.tracker.Advance(lifecycle.NotStarted); err != nil {
		return l.fail(ctx, h, err)
	}

	d, ok := l.Runtimes.Get(n)
	if !ok {
		return l.fail(ctx, h, fmt.Errorf("%w: %s", ErrNoRuntime, n))
	}

	if h.mode == ModeInProcess {
		err = l.startInProcess(ctx, h)
	} else {
		err = l.startShell(ctx, h, d)
	}
	if err != nil {
		return l.fail(ctx, h, err)
	}
	ctxlog.FromContext(ctx).Debug("Worker launched.", "mode", string(h.mode))
	return h, nil
}

func (l *Launcher) startInProcess(ctx context.Context, h *Handle) error {
	factory, err := l.Registry.Lookup(l.Config.Launch.Target)
	if err != nil {
		return err
	}
	h.entry = factory()

	stdout := &lineWriter{emit: func(s string) { l.dispatch(h.node, Stdout, s) }}
	stderr := &lineWriter{emit: func(s string) { l.dispatch(h.node, Stderr, s) }}
	env := entry.Env{
		Node:        h.node.Name(),
		Application: l.Config.Cluster.Application,
		Args:        l.Config.Launch.Args,
		Stdout:      stdout,
		Stderr:      stderr,
		SearchPath:  []string{path.Join(l.Home, l.Config.BinariesDir())},
		Assertions:  l.Config.Launch.Assertions,
	}

	if err := h.tracker.Advance(lifecycle.Launching); err != nil {
		return err
	}
	go func() {
		err := runEntry(context.WithoutCancel(ctx), h.entry, env)
		stdout.flush()
		stderr.flush()
		if err != nil {
			l.dispatch(h.node, Stderr, err.Error())
		}
		h.exited(err)
	}()
	return nil
}

func runEntry(ctx context.Context, e entry.Entry, env entry.Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("target panicked: %v", r)
		}
	}()
	return e.Main(ctx, env)
}

func (l *Launcher) startShell(ctx context.Context, h *Handle, d provision.Descriptor) error {
	tk := l.Cluster.Toolkit()
	var ch remote.Channel
	var err error
	if h.mode == ModeLocal {
		ch, err = tk.LocalOpener.Open(ctx, h.node, nil)
	} else {
		ch, err = tk.Opener.Open(ctx, h.node, l.Cluster.Frontal())
	}
	if err != nil {
		return fmt.Errorf("failed to open a shell on %s: %w", h.node, err)
	}
	h.channel = ch
	h.command = l.ComposeCommand(h.node, d)

	if _, err := io.WriteString(ch.Stdin(), h.command+"\n"); err != nil {
		_ = ch.Kill()
		return fmt.Errorf("failed to send the command line to %s: %w", h.node, err)
	}

	if err := h.tracker.Advance(lifecycle.Launching); err != nil {
		_ = ch.Kill()
		return err
	}

	logger := ctxlog.FromContext(ctx)
	splitNote := func(stream Stream) func() {
		return func() {
			logger.Warn("Worker output line was split.", "stream", string(stream), "limit_bytes", maxLineBytes)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		forward(ch.Stdout(), func(s string) { l.dispatch(h.node, Stdout, s) }, splitNote(Stdout))
	}()
	go func() {
		defer wg.Done()
		forward(ch.Stderr(), func(s string) { l.dispatch(h.node, Stderr, s) }, splitNote(Stderr))
	}()
	go func() {
		// Both streams must reach EOF before the channel is reaped; reaping
		// closes the pipes.
		wg.Wait()
		h.exited(ch.Wait())
	}()
	return nil
}

// LaunchAll starts a worker on every live node. Nodes that fail are reported
// in the returned error; the other workers keep running.
func (l *Launcher) LaunchAll(ctx context.Context) ([]*Handle, error) {
	logger := ctxlog.FromContext(ctx)
	outcomes := fanout.Run(ctx, l.Cluster.Nodes(), func(ctx context.Context, n *node.Node) error {
		_, err := l.Launch(ctx, n)
		return err
	})
	for _, o := range fanout.Failed(outcomes) {
		logger.Error("Failed to launch worker.", "node", o.Item.String(), "error", o.Err)
	}
	return l.Handles(), fanout.Join(outcomes)
}

// StopAll stops every worker concurrently and waits for all of them.
func (l *Launcher) StopAll(ctx context.Context) error {
	outcomes := fanout.Run(ctx, l.Handles(), func(ctx context.Context, h *Handle) error {
		return h.Stop(ctx)
	})
	return fanout.Join(outcomes)
}
