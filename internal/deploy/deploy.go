// Package deploy makes artifacts visible on every node, transferring each
// one once per NAS group.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vk/clusterboot/internal/cluster"
	"github.com/vk/clusterboot/internal/ctxlog"
	"github.com/vk/clusterboot/internal/fanout"
	"github.com/vk/clusterboot/internal/fsutil"
	"github.com/vk/clusterboot/internal/node"
	"github.com/vk/clusterboot/internal/remote"
)

// Artifact is a file or directory on the controller and the directory,
// relative to the home directory, it must appear in on every node. A file
// lands in Target under its own name; a directory is mirrored as Target.
type Artifact struct {
	Name   string `json:"name" yaml:"name"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	IsDir  bool   `json:"is_dir" yaml:"is_dir"`
}

// Mode tells how a group received an artifact.
type Mode string

const (
	ModeLink     Mode = "link"
	ModeTransfer Mode = "transfer"
)

// Record is the outcome of one artifact for one group.
type Record struct {
	Artifact string   `json:"artifact" yaml:"artifact"`
	Group    []string `json:"group" yaml:"group"`
	Node     string   `json:"node" yaml:"node"`
	Mode     Mode     `json:"mode" yaml:"mode"`
	// Changed is false when a link was already in place.
	Changed bool   `json:"changed" yaml:"changed"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Deployer pushes artifacts to the groups of a started cluster.
type Deployer struct {
	Cluster *cluster.Cluster
	// FS and Home address the controller's own home directory.
	FS   fsutil.FS
	Home string
}

// Resolve stats the artifact source to decide between file and directory.
func (d *Deployer) Resolve(a Artifact) (Artifact, error) {
	info, err := d.FS.Stat(a.Source)
	if err != nil {
		return a, fmt.Errorf("artifact %q: %w", a.Name, err)
	}
	a.IsDir = info.IsDir()
	return a, nil
}

// Deploy pushes every artifact to every group, one fan-out per artifact.
// A failing group does not stop the others; the returned error joins every
// failure.
func (d *Deployer) Deploy(ctx context.Context, artifacts []Artifact) ([]Record, error) {
	logger := ctxlog.FromContext(ctx)
	groups := d.Cluster.Groups()

	var mu sync.Mutex
	var records []Record
	var errs []error
	for _, a := range artifacts {
		start := time.Now()
		outcomes := fanout.Run(ctx, groups, func(ctx context.Context, g *node.Set) error {
			rec, err := d.deployTo(ctx, a, g)
			rec.Artifact = a.Name
			rec.Group = g.Names()
			if err != nil {
				rec.Error = err.Error()
			}
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
			return err
		})
		if err := fanout.Join(outcomes); err != nil {
			errs = append(errs, fmt.Errorf("deploy %s: %w", a.Name, err))
		}
		logger.Debug("Artifact deployed.", "artifact", a.Name, "groups", len(groups), "duration", time.Since(start))
	}

	return records, errors.Join(errs...)
}

func (d *Deployer) deployTo(ctx context.Context, a Artifact, g *node.Set) (Record, error) {
	if g.ContainsLocal() {
		rec := Record{Mode: ModeLink}
		for _, n := range g.Nodes() {
			if n.IsLocal() {
				rec.Node = n.Name()
				break
			}
		}
		changed, err := d.link(a)
		rec.Changed = changed
		return rec, err
	}

	rep := g.First()
	rec := Record{Mode: ModeTransfer, Node: rep.Name(), Changed: true}
	dir := strings.TrimSuffix(a.Target, "/") + "/"
	res, err := d.Cluster.Exec(ctx, rep, fmt.Sprintf("if ! test -d %s; then mkdir -p %s; fi", remote.Quote(dir), remote.Quote(dir)))
	if err != nil {
		return rec, err
	}
	if !res.Success() {
		return rec, fmt.Errorf("failed to create %s on %s (exit %d)", dir, rep, res.ExitStatus)
	}

	err = d.Cluster.Toolkit().Transfer.Sync(ctx, remote.SyncRequest{
		LocalPath: a.Source,
		Target:    rep,
		Frontal:   d.Cluster.Frontal(),
		RemoteDir: dir,
		IsDir:     a.IsDir,
	})
	return rec, err
}

// LinkPath is where an artifact appears in the controller's home directory.
func (d *Deployer) LinkPath(a Artifact) string {
	if a.IsDir {
		return path.Join(d.Home, a.Target)
	}
	return path.Join(d.Home, a.Target, filepath.Base(a.Source))
}

func (d *Deployer) link(a Artifact) (bool, error) {
	link := d.LinkPath(a)
	if filepath.Clean(a.Source) == link {
		return false, nil
	}
	return fsutil.EnsureLink(d.FS, a.Source, link)
}
