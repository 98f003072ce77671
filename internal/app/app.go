package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/vk/clusterboot/internal/cluster"
	"github.com/vk/clusterboot/internal/config"
	"github.com/vk/clusterboot/internal/ctxlog"
	"github.com/vk/clusterboot/internal/entry"
	"github.com/vk/clusterboot/internal/events"
	"github.com/vk/clusterboot/internal/fsutil"
	"github.com/vk/clusterboot/internal/node"
	"github.com/vk/clusterboot/internal/provision"
	"github.com/vk/clusterboot/internal/remote"
	"github.com/vk/clusterboot/internal/resource"
	"github.com/vk/clusterboot/internal/statusstore"
)

// options are the collaborators of a run. Tests replace them; the defaults
// talk to the real machine and network.
type options struct {
	toolkit  *remote.Toolkit
	fs       fsutil.FS
	home     string
	factory  *node.Factory
	lookup   func(string) (string, bool)
	readFile func(string) ([]byte, error)
	emitter  events.Emitter
	registry *entry.Registry
	newRunID func() string
	version  string
}

// Option customizes an App.
type Option func(*options)

// WithToolkit replaces the ssh based remote collaborators.
func WithToolkit(tk remote.Toolkit) Option {
	return func(o *options) { o.toolkit = &tk }
}

// WithFS sets the controller filesystem and home directory.
func WithFS(fsys fsutil.FS, home string) Option {
	return func(o *options) { o.fs, o.home = fsys, home }
}

// WithNodeFactory sets how node names are resolved.
func WithNodeFactory(f *node.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithEnviron sets the environment lookup and file reader used for overrides,
// scheduler detection and node files.
func WithEnviron(lookup func(string) (string, bool), readFile func(string) ([]byte, error)) Option {
	return func(o *options) { o.lookup, o.readFile = lookup, readFile }
}

// WithEmitter sends dashboard events to e instead of dialing events.url.
func WithEmitter(e events.Emitter) Option {
	return func(o *options) { o.emitter = e }
}

// WithRegistry sets the entry points available to in-process workers.
func WithRegistry(r *entry.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithRunID fixes the discovery run identifier.
func WithRunID(fn func() string) Option {
	return func(o *options) { o.newRunID = fn }
}

// WithControllerVersion overrides the version of the running binary.
func WithControllerVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// App encapsulates the run's dependencies, configuration and lifecycle.
type App struct {
	outW   io.Writer
	errW   io.Writer
	logger *slog.Logger
	config *Config
	model  config.Model
	opts   options

	httpServer *http.Server

	mu       sync.Mutex
	cluster  *cluster.Cluster
	runtimes *provision.Assignments
	status   *statusstore.Store
}

// NewApp loads and validates the cluster description. Worker output and the
// report go to outW; logs and worker diagnostics go to errW.
func NewApp(outW, errW io.Writer, cfg *Config, loader config.Loader, opts ...Option) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, errW)
	ctx := ctxlog.WithLogger(context.Background(), logger)

	o := options{
		fs:       fsutil.OS{},
		lookup:   os.LookupEnv,
		readFile: os.ReadFile,
		registry: entry.Default(),
		version:  config.Version,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to find the home directory: %w", err)
		}
		o.home = home
	}

	model, err := loader.Load(ctx, cfg.ConfigPaths...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	m, err := model.ApplyEnv(o.lookup)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if o.factory == nil {
		o.factory = node.NewFactory(m.Cluster.User)
	}
	logger.Debug("Configuration loaded.", "application", m.Cluster.Application, "transport", m.SSH.Transport)

	return &App{
		outW:   outW,
		errW:   errW,
		logger: logger,
		config: cfg,
		model:  m,
		opts:   o,
		status: statusstore.New(),
	}, nil
}

// Model returns the loaded cluster description.
func (a *App) Model() config.Model { return a.model }

// BookNodes returns the node names of the run: the configured list and node
// file, or the allocation of the scheduler job.
func (a *App) BookNodes(ctx context.Context) (resource.NameSet, error) {
	c := a.model.Cluster
	var mgr resource.Manager

	if c.Scheduler {
		job, err := resource.DetectJob(a.opts.lookup, a.opts.readFile)
		if err != nil {
			return resource.NameSet{}, err
		}
		if job == nil {
			return resource.NameSet{}, fmt.Errorf("cluster.scheduler is set but no PBS or OAR job was found")
		}
		if sh := job.ShellCommand(); sh != "" && a.model.SSH.Command == config.Default().SSH.Command {
			a.logger.Info("Using the scheduler's remote shell.", "command", sh)
			a.model.SSH.Command = sh
		}
		a.logger.Info("Running inside a scheduler job.", "scheduler", string(job.Scheduler), "job", job.ID)
		mgr = job
	} else {
		names := c.Nodes
		if c.NodeFile != "" {
			data, err := a.opts.readFile(c.NodeFile)
			if err != nil {
				return resource.NameSet{}, fmt.Errorf("failed to read node file: %w", err)
			}
			fromFile, err := resource.ParseNames(bytes.NewReader(data))
			if err != nil {
				return resource.NameSet{}, fmt.Errorf("failed to read node file %s: %w", c.NodeFile, err)
			}
			names = append(names[:len(names):len(names)], fromFile.Names()...)
		}
		mgr = resource.Workstations{Names: resource.NewNameSet(names...)}
	}

	return mgr.BookNodes(ctx, resource.Request{Count: c.Count, PerNode: 1, Duration: a.model.Lease.Duration})
}

// toolkit returns the remote collaborators and a function releasing them.
func (a *App) toolkit() (remote.Toolkit, func() error, error) {
	if a.opts.toolkit != nil {
		return *a.opts.toolkit, releaser(*a.opts.toolkit), nil
	}

	s := a.model.SSH
	sshOpts := s.Options
	if s.Port != 0 && s.Port != 22 {
		if sshOpts == nil {
			sshOpts = append([]string{}, remote.DefaultSSHOptions...)
		}
		sshOpts = append(sshOpts, "-p", strconv.Itoa(s.Port))
	}
	openssh := &remote.OpenSSH{Command: s.Command, Options: sshOpts}
	transfer := &remote.Rsync{Command: s.RsyncCommand, SSH: openssh}

	if s.Transport == "native" {
		native, err := remote.NewNative(s.Port)
		if err != nil {
			return remote.Toolkit{}, nil, err
		}
		native.Timeout = a.model.Cluster.Timeout
		tk := remote.Toolkit{
			Executor:    native,
			Transfer:    transfer,
			Prober:      &remote.ExecProber{Executor: native},
			Opener:      native,
			LocalOpener: remote.LocalShell{},
		}
		return tk, releaser(tk), nil
	}
	tk := remote.Toolkit{
		Executor:    openssh,
		Transfer:    transfer,
		Prober:      &remote.ExecProber{Executor: openssh},
		Opener:      openssh,
		LocalOpener: remote.LocalShell{},
	}
	return tk, releaser(tk), nil
}

// releaser closes the collaborators of tk that hold connections. Close may
// be reached more than once for a collaborator serving several roles.
func releaser(tk remote.Toolkit) func() error {
	return func() error {
		var errs []error
		for _, c := range []any{tk.Executor, tk.Transfer, tk.Prober, tk.Opener, tk.LocalOpener} {
			if cl, ok := c.(io.Closer); ok {
				errs = append(errs, cl.Close())
			}
		}
		return errors.Join(errs...)
	}
}
