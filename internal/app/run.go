package app

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/vk/clusterboot/internal/cluster"
	"github.com/vk/clusterboot/internal/ctxlog"
	"github.com/vk/clusterboot/internal/deploy"
	"github.com/vk/clusterboot/internal/discovery"
	"github.com/vk/clusterboot/internal/events"
	"github.com/vk/clusterboot/internal/launch"
	"github.com/vk/clusterboot/internal/lifecycle"
	"github.com/vk/clusterboot/internal/node"
	"github.com/vk/clusterboot/internal/provision"
	"github.com/vk/clusterboot/internal/report"
	"github.com/vk/clusterboot/internal/resource"
)

// ErrNoWorker is returned when no worker could be launched at all.
var ErrNoWorker = errors.New("no worker could be launched")

// phaseRecorder times the phases of a run.
type phaseRecorder struct {
	relay  *events.Relay
	phases []report.Phase
}

func (p *phaseRecorder) run(ctx context.Context, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	took := time.Since(start)

	logger := ctxlog.FromContext(ctx)
	if err != nil {
		logger.Error("Phase failed.", "phase", name, "duration", took, "error", err)
	} else {
		logger.Info("Phase finished.", "phase", name, "duration", took)
	}
	p.phases = append(p.phases, report.NewPhase(name, took, err))
	if p.relay != nil {
		p.relay.Phase(name, took, err)
	}
	return err
}

// Run executes the four phases and supervises the workers until they all exit
// or ctx is done. Fatal conditions are returned; per-node failures are logged,
// reported and leave the rest of the run going.
func (a *App) Run(ctx context.Context) (err error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.HealthcheckPort > 0 {
		if _, err := a.startHealthcheckServer(ctx, a.config.HealthcheckPort); err != nil {
			return err
		}
		defer a.closeHealthcheckServer(ctx)
	}

	rec := &phaseRecorder{relay: a.connectEvents(ctx)}
	if rec.relay != nil {
		defer rec.relay.Emitter.Close()
	}

	var records []deploy.Record
	defer func() {
		if werr := a.writeReport(ctx, records, rec.phases); werr != nil && err == nil {
			err = werr
		}
	}()

	var c *cluster.Cluster
	release := func() error { return nil }
	defer func() {
		if rerr := release(); rerr != nil {
			a.logger.Warn("Failed to release remote connections.", "error", rerr)
		}
	}()
	if err := rec.run(ctx, "booking", func() (e error) {
		c, release, e = a.newCluster(ctx)
		return e
	}); err != nil {
		return err
	}

	if err := rec.run(ctx, "discovery", func() error { return c.Start(ctx) }); err != nil {
		return err
	}

	var runtimes *provision.Assignments
	if err := rec.run(ctx, "provision", func() (e error) {
		runtimes, e = a.provisioner(c).Provision(ctx)
		a.mu.Lock()
		a.runtimes = runtimes
		a.mu.Unlock()
		return e
	}); err != nil {
		return err
	}

	_ = rec.run(ctx, "deploy", func() (e error) {
		records, e = a.deploy(ctx, c)
		return e
	})

	launcher := &launch.Launcher{
		Cluster:  c,
		Runtimes: runtimes,
		Config:   a.model,
		Registry: a.opts.registry,
		Home:     a.opts.home,
		Status:   a.status,
	}
	launcher.AddListener(&launch.PrefixPrinter{Stdout: a.outW, Stderr: a.errW})
	if rec.relay != nil {
		launcher.AddListener(rec.relay)
		launcher.OnState = rec.relay.State
	}

	var handles []*launch.Handle
	launchErr := rec.run(ctx, "launch", func() (e error) {
		handles, e = launcher.LaunchAll(ctx)
		return e
	})
	if launchErr != nil && !anyRunning(handles) {
		return fmt.Errorf("%w: %w", ErrNoWorker, launchErr)
	}

	a.supervise(ctx, launcher, handles)
	a.logger.Debug("App.Run method finished.")
	return nil
}

func anyRunning(handles []*launch.Handle) bool {
	for _, h := range handles {
		if h.State() == lifecycle.Running {
			return true
		}
	}
	return false
}

// supervise waits for every worker to exit, or for ctx to end and then stops
// them all.
func (a *App) supervise(ctx context.Context, l *launch.Launcher, handles []*launch.Handle) {
	allDone := make(chan struct{})
	go func() {
		for _, h := range handles {
			<-h.Done()
		}
		close(allDone)
	}()

	select {
	case <-allDone:
		a.logger.Info("All workers exited.")
		return
	case <-ctx.Done():
		a.logger.Info("Run interrupted, stopping workers.", "workers", len(handles))
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.model.Launch.Grace+a.model.Cluster.Timeout)
	defer cancel()
	if err := l.StopAll(stopCtx); err != nil {
		a.logger.Warn("Some workers did not stop in time.", "error", err)
	}
}

// newCluster books the nodes and builds the registry over a fresh toolkit.
// The returned function releases the toolkit's connections.
func (a *App) newCluster(ctx context.Context) (*cluster.Cluster, func() error, error) {
	noop := func() error { return nil }
	names, err := a.BookNodes(ctx)
	if err != nil {
		return nil, noop, err
	}
	a.logger.Info("Nodes booked.", "count", names.Len(), "nodes", names.String())

	nodes, err := a.opts.factory.CreateAll(ctx, names.Names())
	if err != nil {
		return nil, noop, err
	}
	var frontal *node.Node
	if spec := a.model.Cluster.Frontal; spec != "" {
		if frontal, err = a.opts.factory.Create(ctx, spec); err != nil {
			return nil, noop, fmt.Errorf("frontal: %w", err)
		}
	}

	tk, release, err := a.toolkit()
	if err != nil {
		return nil, noop, err
	}

	c, err := cluster.New(nodes, cluster.Options{
		Frontal: frontal,
		Timeout: a.model.Cluster.Timeout,
		Toolkit: tk,
		Discoverer: &discovery.Discoverer{
			Executor:    tk.Executor,
			FS:          a.opts.fs,
			Home:        a.opts.home,
			Application: a.model.Cluster.Application,
			Timeout:     a.model.Cluster.Timeout,
			NewRunID:    a.opts.newRunID,
		},
	})
	if err != nil {
		_ = release()
		return nil, noop, err
	}
	a.mu.Lock()
	a.cluster = c
	a.mu.Unlock()
	return c, release, nil
}

func (a *App) provisioner(c *cluster.Cluster) *provision.Provisioner {
	p := &provision.Provisioner{
		Cluster:           c,
		Runtime:           a.model.Runtime,
		ControllerVersion: a.opts.version,
	}
	if a.model.Lease.Duration > 0 {
		p.Lease = &resource.Lease{Duration: a.model.Lease.Duration, WarnBefore: a.model.Lease.WarnBefore}
	}
	return p
}

// deploy links the binaries into the local binaries directory, then pushes
// that directory and every other artifact to the groups.
func (a *App) deploy(ctx context.Context, c *cluster.Cluster) ([]deploy.Record, error) {
	d := &deploy.Deployer{Cluster: c, FS: a.opts.fs, Home: a.opts.home}
	binDir := path.Clean(a.model.BinariesDir())

	var binaries []string
	var artifacts []deploy.Artifact
	for _, dep := range a.model.Deploy {
		if path.Clean(dep.Target) == binDir {
			binaries = append(binaries, dep.Source)
			continue
		}
		artifacts = append(artifacts, deploy.Artifact{Name: dep.Name, Source: dep.Source, Target: dep.Target})
	}
	if len(binaries) > 0 {
		local := filepath.Join(a.opts.home, filepath.FromSlash(binDir))
		if err := deploy.PrepareBinaries(a.opts.fs, local, binaries); err != nil {
			return nil, err
		}
		artifacts = append([]deploy.Artifact{{Name: "binaries", Source: local, Target: binDir}}, artifacts...)
	}
	if len(artifacts) == 0 {
		return nil, nil
	}

	var errs []error
	resolved := artifacts[:0]
	for _, art := range artifacts {
		r, err := d.Resolve(art)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		resolved = append(resolved, r)
	}
	records, err := d.Deploy(ctx, resolved)
	return records, errors.Join(append(errs, err)...)
}

// connectEvents dials the dashboard when one is configured. The dashboard is
// optional: a failed connection is logged and the run goes on.
func (a *App) connectEvents(ctx context.Context) *events.Relay {
	em := a.opts.emitter
	if em == nil {
		if a.model.Events.URL == "" {
			return nil
		}
		socket, err := events.Dial(ctx, a.model.Events)
		if err != nil {
			a.logger.Warn("Dashboard unavailable, events disabled.", "error", err)
			return nil
		}
		em = socket
	}
	return &events.Relay{Emitter: em, Application: a.model.Cluster.Application}
}

func (a *App) writeReport(ctx context.Context, records []deploy.Record, phases []report.Phase) error {
	if a.config.Report == report.FormatNone {
		return nil
	}
	a.mu.Lock()
	r := report.Build(ctx, a.model.Cluster.Application, a.cluster, a.runtimes, records, a.status, phases)
	a.mu.Unlock()
	return report.Write(a.outW, a.config.Report, r)
}
