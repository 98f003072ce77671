package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/vk/clusterboot/internal/fanout"
	"github.com/vk/clusterboot/internal/node"
	"github.com/vk/clusterboot/internal/remote"
)

// FindGroupOf returns the first group holding n, or nil.
func (c *Cluster) FindGroupOf(n *node.Node) *node.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.groups {
		if g.Contains(n) {
			return g.Clone()
		}
	}
	return nil
}

// FindGroups returns the distinct groups holding any of nodes.
func (c *Cluster) FindGroups(nodes []*node.Node) []*node.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*node.Set
	for _, g := range c.groups {
		for _, n := range nodes {
			if g.Contains(n) {
				out = append(out, g.Clone())
				break
			}
		}
	}
	return out
}

// PickOnePerGroup returns one node of each group.
func (c *Cluster) PickOnePerGroup() []*node.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*node.Node, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g.First())
	}
	return out
}

// KillAll kills every process of the remote login on every remote node. It
// is a last resort cleanup and reports failures without acting on them.
func (c *Cluster) KillAll(ctx context.Context) []fanout.Outcome[*node.Node] {
	var remotes []*node.Node
	for _, n := range c.Nodes() {
		if !n.IsLocal() {
			remotes = append(remotes, n)
		}
	}
	return fanout.Run(ctx, remotes, func(ctx context.Context, n *node.Node) error {
		_, err := c.Exec(ctx, n, "kill -9 -1")
		return err
	})
}

// WhoHasFile returns the live nodes on which file exists. A relative file is
// looked up in the home directory.
func (c *Cluster) WhoHasFile(ctx context.Context, file string) ([]*node.Node, error) {
	var mu sync.Mutex
	have := node.NewSet()
	outcomes := fanout.Run(ctx, c.Nodes(), func(ctx context.Context, n *node.Node) error {
		res, err := c.Exec(ctx, n, "test -f "+remote.Quote(file))
		if err != nil {
			return err
		}
		if res.Success() {
			mu.Lock()
			defer mu.Unlock()
			return have.Add(n)
		}
		return nil
	})
	if err := fanout.Join(outcomes); err != nil {
		return have.Nodes(), fmt.Errorf("file lookup incomplete: %w", err)
	}
	return have.Nodes(), nil
}
