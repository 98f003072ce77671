// Package cluster owns the live node set of a job and its NAS group
// partition.
//
// Nodes leave the cluster only through Discard, which refuses to remove the
// last node: an empty cluster is fatal to the whole orchestration.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vk/clusterboot/internal/ctxlog"
	"github.com/vk/clusterboot/internal/discovery"
	"github.com/vk/clusterboot/internal/fanout"
	"github.com/vk/clusterboot/internal/node"
	"github.com/vk/clusterboot/internal/remote"
)

var (
	// ErrEmptyCluster is returned when an operation would leave no node.
	ErrEmptyCluster = errors.New("cluster would become empty")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("cluster already started")
	// ErrUnknownNode is returned for a node that is not in the cluster.
	ErrUnknownNode = errors.New("node is not in the cluster")
	// ErrDuplicateNode is returned when adding a node already present.
	ErrDuplicateNode = errors.New("node is already in the cluster")
)

// Options configures a Cluster.
type Options struct {
	// Frontal is the optional hop all remote calls go through.
	Frontal *node.Node
	// Timeout bounds the reachability probe and each remote command.
	Timeout    time.Duration
	Toolkit    remote.Toolkit
	Discoverer *discovery.Discoverer
}

// Cluster is the live node set plus its group partition. It is safe for
// concurrent use.
type Cluster struct {
	opts Options

	mu      sync.Mutex
	live    *node.Set
	groups  []*node.Set
	started bool
}

// New builds a cluster over nodes, which must be non-empty and distinct.
func New(nodes []*node.Node, opts Options) (*Cluster, error) {
	if len(nodes) == 0 {
		return nil, ErrEmptyCluster
	}
	c := &Cluster{opts: opts, live: node.NewSet()}
	for _, n := range nodes {
		if err := c.Add(n); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add inserts a node.
func (c *Cluster) Add(n *node.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live.Contains(n) {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n)
	}
	return c.live.Add(n)
}

// Discard removes a node for the given reason, taking it out of every group
// that holds it and dropping groups left empty. Discarding the last node
// fails with ErrEmptyCluster and leaves the cluster unchanged.
func (c *Cluster) Discard(ctx context.Context, n *node.Node, reason error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.live.Contains(n) {
		return fmt.Errorf("%w: %s", ErrUnknownNode, n)
	}
	if c.live.Len() == 1 {
		return fmt.Errorf("%w: cannot discard %s (%v)", ErrEmptyCluster, n, reason)
	}

	ctxlog.FromContext(ctx).Warn("Discarding node.", "node", n.String(), "reason", reason)
	_ = c.live.Remove(n)

	kept := c.groups[:0]
	for _, g := range c.groups {
		if g.Contains(n) {
			_ = g.Remove(n)
		}
		if !g.Empty() {
			kept = append(kept, g)
		}
	}
	c.groups = kept
	return nil
}

// ContainsOnlyLocal reports whether every live node is the controller.
func (c *Cluster) ContainsOnlyLocal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.live.Nodes() {
		if !n.IsLocal() {
			return false
		}
	}
	return true
}

// Nodes returns the live nodes ordered by address.
func (c *Cluster) Nodes() []*node.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live.Nodes()
}

// Len is the number of live nodes.
func (c *Cluster) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live.Len()
}

// Groups returns copies of the current groups.
func (c *Cluster) Groups() []*node.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*node.Set, len(c.groups))
	for i, g := range c.groups {
		out[i] = g.Clone()
	}
	return out
}

// Frontal returns the hop node, or nil.
func (c *Cluster) Frontal() *node.Node { return c.opts.Frontal }

// Timeout is the per-call timeout.
func (c *Cluster) Timeout() time.Duration { return c.opts.Timeout }

// Toolkit returns the remote collaborators.
func (c *Cluster) Toolkit() remote.Toolkit { return c.opts.Toolkit }

// Exec runs a command on n through the frontal hop with the cluster timeout.
func (c *Cluster) Exec(ctx context.Context, n *node.Node, command string) (remote.Result, error) {
	return c.opts.Toolkit.Executor.Execute(ctx, remote.Request{
		Command: command,
		Target:  n,
		Frontal: c.opts.Frontal,
		Timeout: c.opts.Timeout,
	})
}

// Start probes reachability (only through a frontal hop) and discovers the
// NAS groups. It may run once.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	logger := ctxlog.FromContext(ctx)

	if c.ContainsOnlyLocal() {
		logger.Info("Cluster is the controller only, skipping discovery.")
		c.mu.Lock()
		c.groups = []*node.Set{c.live.Clone()}
		c.mu.Unlock()
		return nil
	}

	if c.opts.Frontal != nil {
		if err := c.probe(ctx); err != nil {
			return err
		}
	}

	res, discoverErr := c.opts.Discoverer.Discover(ctx, c.Nodes(), c.opts.Frontal)
	for _, o := range res.Failed {
		if err := c.Discard(ctx, o.Item, o.Err); err != nil {
			return err
		}
	}
	if discoverErr != nil {
		return discoverErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups = c.groups[:0]
	for _, g := range res.Groups {
		live := node.NewSet()
		for _, n := range g.Nodes() {
			if c.live.Contains(n) {
				_ = live.Add(n)
			}
		}
		if !live.Empty() {
			c.groups = append(c.groups, live)
		}
	}
	logger.Info("NAS groups discovered.", "groups", len(c.groups), "nodes", c.live.Len())
	return nil
}

func (c *Cluster) probe(ctx context.Context) error {
	prober := c.opts.Toolkit.Prober
	if prober == nil {
		prober = &remote.ExecProber{Executor: c.opts.Toolkit.Executor}
	}

	var mu sync.Mutex
	var unreachable []remote.ProbeOutcome
	fanout.Run(ctx, c.Nodes(), func(ctx context.Context, n *node.Node) error {
		if n.IsLocal() {
			n.SetReachable(true)
			return nil
		}
		out := prober.Probe(ctx, n, c.opts.Frontal, c.opts.Timeout)
		n.SetReachable(out.OK())
		if !out.OK() {
			mu.Lock()
			unreachable = append(unreachable, out)
			mu.Unlock()
		}
		return nil
	})

	for _, out := range unreachable {
		if err := c.Discard(ctx, out.Node, out.Err()); err != nil {
			return err
		}
	}
	return nil
}
