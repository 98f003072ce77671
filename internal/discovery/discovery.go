// Package discovery partitions nodes into NAS groups: sets of nodes that
// share persistent storage.
//
// Every node drops a uniquely named marker carrying its hostname in its home
// directory, then every node lists the markers it can see. Nodes that see the
// same markers share storage. The two phases are separate fan-outs so no node
// lists before every node has written.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vk/clusterboot/internal/ctxlog"
	"github.com/vk/clusterboot/internal/fanout"
	"github.com/vk/clusterboot/internal/fsutil"
	"github.com/vk/clusterboot/internal/node"
	"github.com/vk/clusterboot/internal/remote"
)

// Discoverer runs the marker protocol.
type Discoverer struct {
	Executor remote.Executor
	// FS and Home give direct access to the controller's home directory,
	// used instead of the remote shell for local nodes.
	FS          fsutil.FS
	Home        string
	Application string
	Timeout     time.Duration
	// NewRunID returns the identifier that makes this run's markers unique.
	NewRunID func() string
}

// Result is the outcome of one discovery.
type Result struct {
	Groups []*node.Set
	// Failed holds the nodes whose marker could not be written or listed.
	Failed []fanout.Outcome[*node.Node]
	// Markers counts the markers written.
	Markers int
}

type run struct {
	*Discoverer
	prefix  string
	frontal *node.Node
}

// Prefix returns the marker name prefix for a run.
func (d *Discoverer) Prefix(runID string) string {
	return fmt.Sprintf("%s-nas-%s-", d.Application, runID)
}

// Discover partitions nodes. Nodes that fail either phase are reported in
// Result.Failed and left out of every group. Discover returns an error only
// when no node survives.
func (d *Discoverer) Discover(ctx context.Context, nodes []*node.Node, frontal *node.Node) (Result, error) {
	logger := ctxlog.FromContext(ctx)

	if allLocal(nodes) {
		logger.Debug("All nodes are the controller, skipping marker protocol.", "nodes", len(nodes))
		return Result{Groups: []*node.Set{node.NewSet(nodes...)}}, nil
	}

	newID := d.NewRunID
	if newID == nil {
		newID = uuid.NewString
	}
	r := &run{Discoverer: d, prefix: d.Prefix(newID()), frontal: frontal}
	logger.Debug("Starting NAS discovery.", "nodes", len(nodes), "prefix", r.prefix)

	var res Result

	created := fanout.Run(ctx, nodes, r.create)
	var writers []*node.Node
	for _, o := range created {
		if o.OK() {
			writers = append(writers, o.Item)
		} else {
			res.Failed = append(res.Failed, o)
		}
	}
	res.Markers = len(writers)

	var mu sync.Mutex
	seen := make(map[string][]string, len(writers))
	listed := fanout.Run(ctx, writers, func(ctx context.Context, n *node.Node) error {
		names, err := r.list(ctx, n)
		if err != nil {
			return err
		}
		mu.Lock()
		seen[n.Addr()] = names
		mu.Unlock()
		return nil
	})
	var survivors []*node.Node
	for _, o := range listed {
		if o.OK() {
			survivors = append(survivors, o.Item)
		} else {
			res.Failed = append(res.Failed, o)
		}
	}

	res.Groups = Partition(survivors, seen)
	for _, g := range res.Groups {
		logger.Debug("Discovered NAS group.", "group", g.String())
	}
	r.cleanup(ctx, res.Groups)

	if len(survivors) == 0 {
		return res, errors.New("NAS discovery failed on every node")
	}
	return res, nil
}

// Partition builds groups from what each node saw: the group of a node is
// itself plus every surviving node whose marker it listed. Identical sets
// collapse into one group; differing sets under asymmetric visibility are all
// kept.
func Partition(nodes []*node.Node, seen map[string][]string) []*node.Set {
	byName := make(map[string]*node.Node, len(nodes))
	for _, n := range nodes {
		byName[n.Name()] = n
	}

	var groups []*node.Set
	keys := make(map[string]struct{})
	for _, n := range nodes {
		g := node.NewSet(n)
		for _, name := range seen[n.Addr()] {
			if peer, ok := byName[name]; ok {
				_ = g.Add(peer)
			}
		}
		if _, dup := keys[g.Key()]; dup {
			continue
		}
		keys[g.Key()] = struct{}{}
		groups = append(groups, g)
	}
	return groups
}

func (r *run) marker(n *node.Node) string {
	return r.prefix + n.Name()
}

func (r *run) exec(ctx context.Context, n *node.Node, command string) (remote.Result, error) {
	return r.Executor.Execute(ctx, remote.Request{Command: command, Target: n, Frontal: r.frontal, Timeout: r.Timeout})
}

func (r *run) create(ctx context.Context, n *node.Node) error {
	if n.IsLocal() {
		return r.FS.WriteFile(path.Join(r.Home, r.marker(n)), []byte(n.Name()+"\n"), 0o644)
	}
	res, err := r.exec(ctx, n, "touch "+remote.Quote(r.marker(n)))
	if err != nil {
		return err
	}
	if !res.Success() || len(res.Lines) > 0 {
		return fmt.Errorf("failed to create marker on %s (exit %d): %s", n, res.ExitStatus, strings.Join(res.Lines, "; "))
	}
	return nil
}

func (r *run) list(ctx context.Context, n *node.Node) ([]string, error) {
	var files []string
	if n.IsLocal() {
		matches, err := r.FS.Glob(path.Join(r.Home, r.prefix) + "*")
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			files = append(files, path.Base(m))
		}
	} else {
		res, err := r.exec(ctx, n, "ls -1d "+remote.Quote(r.prefix)+"* 2>/dev/null || true")
		if err != nil {
			return nil, err
		}
		if !res.Success() {
			return nil, fmt.Errorf("failed to list markers on %s (exit %d)", n, res.ExitStatus)
		}
		files = res.Lines
	}

	var names []string
	for _, f := range files {
		if host, ok := strings.CutPrefix(path.Base(strings.TrimSpace(f)), r.prefix); ok && host != "" {
			names = append(names, host)
		}
	}
	return names, nil
}

// cleanup removes the markers through one node per group. Failures are
// logged only.
func (r *run) cleanup(ctx context.Context, groups []*node.Set) {
	logger := ctxlog.FromContext(ctx)
	reps := make([]*node.Node, 0, len(groups))
	for _, g := range groups {
		rep := g.First()
		for _, n := range g.Nodes() {
			if n.IsLocal() {
				rep = n
				break
			}
		}
		reps = append(reps, rep)
	}

	outcomes := fanout.Run(ctx, reps, func(ctx context.Context, n *node.Node) error {
		if n.IsLocal() {
			matches, err := r.FS.Glob(path.Join(r.Home, r.prefix) + "*")
			if err != nil {
				return err
			}
			var errs []error
			for _, m := range matches {
				errs = append(errs, r.FS.Remove(m))
			}
			return errors.Join(errs...)
		}
		res, err := r.exec(ctx, n, "rm -f "+remote.Quote(r.prefix)+"*")
		if err != nil {
			return err
		}
		if !res.Success() {
			return fmt.Errorf("exit status %d", res.ExitStatus)
		}
		return nil
	})
	for _, o := range fanout.Failed(outcomes) {
		logger.Warn("Failed to clean up NAS markers.", "node", o.Item.String(), "error", o.Err)
	}
}

func allLocal(nodes []*node.Node) bool {
	for _, n := range nodes {
		if !n.IsLocal() {
			return false
		}
	}
	return true
}
