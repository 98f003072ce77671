// Package provision makes sure every node has a usable worker runtime.
//
// Three passes run in order, each a fan-out:
//
//  1. per node: the controller must satisfy the required version itself;
//     remote nodes run a version check of the runtime found on PATH.
//  2. per unresolved node: look for a previously installed runtime under the
//     home directory.
//  3. per group with an unresolved node: download and unpack the runtime once
//     on one member, then assign it to every member.
//
// A node still unresolved afterwards stays so; launching on it fails.
package provision

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/vk/clusterboot/internal/cluster"
	"github.com/vk/clusterboot/internal/config"
	"github.com/vk/clusterboot/internal/ctxlog"
	"github.com/vk/clusterboot/internal/fanout"
	"github.com/vk/clusterboot/internal/node"
	"github.com/vk/clusterboot/internal/remote"
	"golang.org/x/mod/semver"
)

// ErrControllerRuntime is returned when the controller's own runtime does
// not satisfy the required version.
var ErrControllerRuntime = errors.New("controller runtime does not satisfy the required version")

// LeaseWatcher warns about the end of an externally imposed lease. Watch
// returns immediately.
type LeaseWatcher interface {
	Watch(ctx context.Context)
}

// Provisioner resolves runtimes on a started cluster.
type Provisioner struct {
	Cluster *cluster.Cluster
	Runtime config.Runtime
	// ControllerVersion is the version of the running binary.
	ControllerVersion string
	// Lease, when set, is watched once a download becomes necessary.
	Lease LeaseWatcher

	leaseOnce sync.Once
}

// Satisfies reports whether version belongs to the release line of
// required: same major and minor version.
func Satisfies(version, required string) bool {
	if !semver.IsValid(version) || !semver.IsValid(required) {
		return false
	}
	return semver.MajorMinor(version) == semver.MajorMinor(required)
}

// VersionPattern is the extended regular expression matching the version
// output of a runtime in the required release line.
func VersionPattern(required string) string {
	mm := strings.TrimPrefix(semver.MajorMinor(required), "v")
	return `v` + regexp.QuoteMeta(mm) + `([^0-9]|$)`
}

// VersionCheckCommand returns the script run in pass 1.
func (p *Provisioner) VersionCheckCommand() string {
	cmd := p.Runtime.Command
	return fmt.Sprintf("command -v %s >/dev/null 2>&1 && %s version 2>&1 | grep -E -q %s",
		remote.Quote(cmd), remote.Quote(cmd), remote.Quote(VersionPattern(p.Runtime.RequiredVersion)))
}

// InstalledCommand returns the command of the known-good runtime.
func (p *Provisioner) InstalledCommand() string {
	return "${HOME}/" + p.Runtime.InstalledCommand
}

// InstallCommand returns the script run once per group in pass 3.
func (p *Provisioner) InstallCommand() string {
	archive := remote.Quote(p.Runtime.Archive)
	var b strings.Builder
	b.WriteString("cd ${HOME} && wget -c -nv ")
	if p.Runtime.DownloadOptions != "" {
		b.WriteString(p.Runtime.DownloadOptions + " ")
	}
	fmt.Fprintf(&b, "%s -O %s && tar xzf %s",
		remote.Quote(strings.TrimSuffix(p.Runtime.DownloadURL, "/")+"/"+p.Runtime.Archive), archive, archive)
	return b.String()
}

// Provision runs the three passes. Only a controller failing the version
// check is an error; other failures leave nodes unresolved.
func (p *Provisioner) Provision(ctx context.Context) (*Assignments, error) {
	logger := ctxlog.FromContext(ctx)
	assigned := NewAssignments()

	start := time.Now()
	outcomes := fanout.Run(ctx, p.Cluster.Nodes(), func(ctx context.Context, n *node.Node) error {
		return p.checkDefault(ctx, n, assigned)
	})
	for _, o := range outcomes {
		if errors.Is(o.Err, ErrControllerRuntime) {
			return assigned, o.Err
		}
		if !o.OK() {
			logger.Debug("Default runtime not usable.", "node", o.Item.String(), "reason", o.Err)
		}
	}
	logger.Debug("Default runtime pass done.", "resolved", len(assigned.ByName()), "duration", time.Since(start))

	unresolved := p.unresolved(assigned)
	if len(unresolved) > 0 {
		outcomes = fanout.Run(ctx, unresolved, func(ctx context.Context, n *node.Node) error {
			return p.checkInstalled(ctx, n, assigned)
		})
		for _, o := range fanout.Failed(outcomes) {
			logger.Debug("Installed runtime not found.", "node", o.Item.String(), "reason", o.Err)
		}
	}

	unresolved = p.unresolved(assigned)
	if len(unresolved) > 0 {
		p.leaseOnce.Do(func() {
			if p.Lease != nil {
				p.Lease.Watch(ctx)
			}
		})
		groups := p.Cluster.FindGroups(unresolved)
		outcomes := fanout.Run(ctx, groups, func(ctx context.Context, g *node.Set) error {
			return p.install(ctx, g, assigned)
		})
		for _, o := range fanout.Failed(outcomes) {
			logger.Error("Runtime installation failed.", "group", o.Item.String(), "error", o.Err)
		}
	}

	for _, n := range p.unresolved(assigned) {
		logger.Warn("No runtime available, the node cannot be launched.", "node", n.String())
	}
	return assigned, nil
}

func (p *Provisioner) unresolved(a *Assignments) []*node.Node {
	var out []*node.Node
	for _, n := range p.Cluster.Nodes() {
		if !a.Has(n) {
			out = append(out, n)
		}
	}
	return out
}

func (p *Provisioner) checkDefault(ctx context.Context, n *node.Node, a *Assignments) error {
	if n.IsLocal() {
		version := p.ControllerVersion
		if version == "" {
			version = config.Version
		}
		if !Satisfies(version, p.Runtime.RequiredVersion) {
			return fmt.Errorf("%w: running %s, required %s", ErrControllerRuntime, version, p.Runtime.RequiredVersion)
		}
		a.Set(n, Descriptor{Command: p.Runtime.Command, Source: SourceController})
		return nil
	}

	res, err := p.Cluster.Exec(ctx, n, p.VersionCheckCommand())
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("version check exited with status %d", res.ExitStatus)
	}
	a.Set(n, Descriptor{Command: p.Runtime.Command, Source: SourceDefault})
	return nil
}

func (p *Provisioner) checkInstalled(ctx context.Context, n *node.Node, a *Assignments) error {
	res, err := p.Cluster.Exec(ctx, n, "test -x "+p.InstalledCommand())
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%s is not installed", p.InstalledCommand())
	}
	a.Set(n, Descriptor{Command: p.InstalledCommand(), Source: SourceInstalled})
	return nil
}

func (p *Provisioner) install(ctx context.Context, g *node.Set, a *Assignments) error {
	if p.Runtime.DownloadURL == "" {
		return errors.New("runtime download_url is not configured")
	}
	rep := g.FirstRemote()
	ctxlog.FromContext(ctx).Info("Installing runtime for group.", "group", g.String(), "node", rep.String(),
		"archive", path.Base(p.Runtime.Archive))

	res, err := p.Cluster.Exec(ctx, rep, p.InstallCommand())
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("install on %s exited with status %d: %s", rep, res.ExitStatus, strings.Join(res.Lines, "; "))
	}

	d := Descriptor{
		Command:     p.InstalledCommand(),
		Source:      SourceDownloaded,
		DownloadURL: p.Runtime.DownloadURL,
		Archive:     p.Runtime.Archive,
	}
	for _, n := range g.Nodes() {
		a.Set(n, d)
	}
	return nil
}
