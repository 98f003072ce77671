package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/clusterboot/internal/config"
	"github.com/vk/clusterboot/internal/events"
	"github.com/vk/clusterboot/internal/lifecycle"
	"github.com/vk/clusterboot/internal/node"
	"github.com/vk/clusterboot/internal/provision"
	"github.com/vk/clusterboot/internal/remote"
	"github.com/vk/clusterboot/internal/report"
	"github.com/vk/clusterboot/internal/testutil"
)

type staticLoader struct {
	model config.Model
	err   error
}

func (l staticLoader) Load(context.Context, ...string) (*config.Model, error) {
	if l.err != nil {
		return nil, l.err
	}
	m := l.model
	return &m, nil
}

type hostsResolver map[string]string

func (r hostsResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addr, ok := r[host]
	if !ok {
		return nil, fmt.Errorf("no such host %s", host)
	}
	return []string{addr}, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *recordingEmitter) Emit(event string, payload map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch event {
	case events.EventPhase:
		e.events = append(e.events, fmt.Sprintf("phase %v", payload["phase"]))
	case events.EventState:
		e.events = append(e.events, fmt.Sprintf("state %v %v", payload["node"], payload["state"]))
	default:
		e.events = append(e.events, fmt.Sprintf("line %v %v", payload["node"], payload["line"]))
	}
}

func (e *recordingEmitter) Close() {}

func (e *recordingEmitter) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.events...)
}

type fixture struct {
	fabric   *testutil.Fabric
	model    config.Model
	out      *testutil.SafeBuffer
	logs     *testutil.SafeBuffer
	emitter  *recordingEmitter
	factory  *node.Factory
	env      map[string]string
	files    map[string]string
	extraOpt []Option
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fabric:  testutil.NewFabric(),
		out:     &testutil.SafeBuffer{},
		logs:    &testutil.SafeBuffer{},
		emitter: &recordingEmitter{},
		env:     map[string]string{},
		files:   map[string]string{},
	}
	f.fabric.AddHost(node.New("ctl", "", "10.0.0.1", true), "s1")
	f.fabric.AddHost(node.New("a", "", "10.0.0.2", false), "s1").DefaultRuntime = true
	f.fabric.AddHost(node.New("b", "", "10.0.0.3", false), "s2")

	f.factory = &node.Factory{
		Resolver: hostsResolver{"ctl": "10.0.0.1", "a": "10.0.0.2", "b": "10.0.0.3"},
		InterfaceAddrs: func() ([]net.Addr, error) {
			return []net.Addr{&net.IPNet{IP: net.ParseIP("10.0.0.1"), Mask: net.CIDRMask(24, 32)}}, nil
		},
	}

	m := config.Default()
	m.Cluster.Application = "demo"
	m.Cluster.Nodes = []string{"ctl", "a", "b"}
	m.Cluster.Timeout = time.Second
	m.Runtime.DownloadURL = "https://mirror.local/runtime/"
	m.Launch.Target = "hello"
	m.Deploy = []config.Deployment{{Name: "tool", Source: "/opt/tool", Target: "demo/bin"}}
	f.model = m

	require.NoError(t, f.fabric.Storage("s1").WriteFile("/opt/tool", []byte("#!tool"), 0o755))
	return f
}

func (f *fixture) app(t *testing.T, reportFormat report.Format) *App {
	t.Helper()
	cfg, err := NewConfig(Config{ConfigPaths: []string{"cluster.hcl"}, LogLevel: "debug", Report: reportFormat})
	require.NoError(t, err)

	lookup := func(k string) (string, bool) { v, ok := f.env[k]; return v, ok }
	readFile := func(p string) ([]byte, error) {
		c, ok := f.files[p]
		if !ok {
			return nil, os.ErrNotExist
		}
		return []byte(c), nil
	}
	opts := append([]Option{
		WithToolkit(f.fabric.Toolkit()),
		WithFS(f.fabric.Storage("s1"), f.fabric.Home),
		WithNodeFactory(f.factory),
		WithEnviron(lookup, readFile),
		WithEmitter(f.emitter),
		WithRunID(func() string { return "run1" }),
	}, f.extraOpt...)

	a, err := NewApp(f.out, f.logs, cfg, staticLoader{model: f.model}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if os.Getenv("CLUSTERBOOT_TEST_LOGS") == "true" {
			t.Logf("--- Full log output for %s ---\n%s", t.Name(), f.logs.String())
		}
	})
	return a
}

func TestNewConfig(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfig(Config{ConfigPaths: []string{"x"}, LogFormat: "JSON"})
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, report.FormatNone, cfg.Report)

	for name, bad := range map[string]Config{
		"no paths":   {},
		"log format": {ConfigPaths: []string{"x"}, LogFormat: "yaml"},
		"log level":  {ConfigPaths: []string{"x"}, LogLevel: "verbose"},
		"port":       {ConfigPaths: []string{"x"}, HealthcheckPort: 70000},
	} {
		_, err := NewConfig(bad)
		assert.Error(t, err, name)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	logger := newLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(buf.String()), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "v", line["k"])
}

func TestNewApp_Errors(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfig(Config{ConfigPaths: []string{"x"}})
	require.NoError(t, err)

	_, err = NewApp(io.Discard, io.Discard, cfg, staticLoader{err: errors.New("bad syntax")}, WithFS(nil, "/home/user"))
	assert.ErrorContains(t, err, "bad syntax")

	m := config.Default()
	m.Cluster.Nodes = []string{"a"}
	m.Launch.Target = "hello"
	env := func(k string) (string, bool) {
		if k == config.EnvMemoryMax {
			return "-1", true
		}
		return "", false
	}
	_, err = NewApp(io.Discard, io.Discard, cfg, staticLoader{model: m}, WithFS(nil, "/home/user"), WithEnviron(env, nil))
	assert.ErrorIs(t, err, config.ErrNegativeMemory)

	m.Launch.Target = ""
	_, err = NewApp(io.Discard, io.Discard, cfg, staticLoader{model: m}, WithFS(nil, "/home/user"), WithEnviron(func(string) (string, bool) { return "", false }, nil))
	assert.ErrorContains(t, err, "launch target")
}

func TestRun_FullClusterUntilInterrupted(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t)
	a := f.app(t, report.FormatJSON)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Act
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.fabric.Channels()) == 3 }, 5*time.Second, 5*time.Millisecond)
	for _, ch := range f.fabric.Channels() {
		if ch.Target.Name() == "a" {
			require.NoError(t, ch.Emit("ready"))
		}
	}
	require.Eventually(t, func() bool {
		for _, w := range a.Status(ctx).Workers {
			if w.State != lifecycle.Running {
				return false
			}
		}
		return len(a.Status(ctx).Workers) == 3
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	var runErr error
	select {
	case runErr = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// Assert
	require.NoError(t, runErr)
	assert.Equal(t, []string{"b"}, f.fabric.Installs())

	lines := map[string]*testutil.FakeChannel{}
	for _, ch := range f.fabric.Channels() {
		lines[ch.Target.Name()] = ch
	}
	assert.True(t, lines["ctl"].Local)
	assert.True(t, lines["ctl"].InputClosed())
	assert.True(t, lines["a"].Killed())
	assert.True(t, lines["b"].Killed())
	assert.True(t, strings.HasPrefix(lines["a"].CommandLine(), "clusterboot --search-path"))
	assert.True(t, strings.HasPrefix(lines["b"].CommandLine(), "${HOME}/clusterboot-v1.2/clusterboot --search-path"))
	assert.Contains(t, lines["b"].CommandLine(), " worker 'hello' demo")

	assert.True(t, f.fabric.Storage("s1").Exists("/home/user/demo/bin/tool"))
	require.Len(t, f.fabric.Syncs(), 1)
	assert.Equal(t, "b", f.fabric.Syncs()[0].Target.Name())

	out := f.out.String()
	assert.Contains(t, out, "> a: ready\n")
	var r report.Report
	require.NoError(t, json.Unmarshal([]byte(out[strings.Index(out, "{"):]), &r))
	assert.ElementsMatch(t, [][]string{{"ctl", "a"}, {"b"}}, r.Groups)
	assert.Equal(t, provision.SourceController, r.Runtimes["ctl"].Source)
	assert.Equal(t, provision.SourceDefault, r.Runtimes["a"].Source)
	assert.Equal(t, provision.SourceDownloaded, r.Runtimes["b"].Source)
	require.Len(t, r.Workers, 3)
	for _, w := range r.Workers {
		assert.Equal(t, lifecycle.Stopped, w.State, w.Node)
	}
	var names []string
	for _, p := range r.Phases {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"booking", "discovery", "provision", "deploy", "launch"}, names)

	evs := f.emitter.all()
	assert.Contains(t, evs, "phase launch")
	assert.Contains(t, evs, "state b RUNNING")
	assert.Contains(t, evs, "line a ready")
}

func TestRun_InProcessWorkerExitsOnItsOwn(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t)
	f.model.Cluster.Nodes = []string{"ctl"}
	f.model.Launch.InProcess = true
	f.model.Deploy = nil
	a := f.app(t, report.FormatNone)

	// Act
	err := a.Run(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Empty(t, f.fabric.Channels())
	assert.Empty(t, f.fabric.Requests())
	assert.Contains(t, f.out.String(), "> ctl: hello from ctl (demo)\n")
	workers := a.Status(context.Background()).Workers
	require.Len(t, workers, 1)
	assert.Equal(t, "in-process", workers[0].Mode)
	assert.Equal(t, lifecycle.Stopped, workers[0].State)
}

type closingExecutor struct {
	remote.Executor
	closed atomic.Int32
}

func (c *closingExecutor) Close() error {
	c.closed.Add(1)
	return nil
}

func TestRun_ReleasesConnectionsWhenWorkersExit(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t)
	f.model.Cluster.Nodes = []string{"ctl"}
	f.model.Launch.InProcess = true
	f.model.Deploy = nil
	tk := f.fabric.Toolkit()
	executor := &closingExecutor{Executor: tk.Executor}
	tk.Executor = executor
	f.extraOpt = append(f.extraOpt, WithToolkit(tk))
	a := f.app(t, report.FormatNone)

	// Act
	err := a.Run(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int32(1), executor.closed.Load())
}

func TestRun_ControllerRuntimeMismatchIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.extraOpt = []Option{WithControllerVersion("v2.0.0")}
	a := f.app(t, report.FormatNone)

	err := a.Run(context.Background())

	assert.ErrorIs(t, err, provision.ErrControllerRuntime)
	assert.Empty(t, f.fabric.Channels())
}

func TestRun_NoWorkerLaunched(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.model.Cluster.Nodes = []string{"b"}
	f.model.Runtime.DownloadURL = ""
	f.model.Deploy = nil
	a := f.app(t, report.FormatNone)

	err := a.Run(context.Background())

	assert.ErrorIs(t, err, ErrNoWorker)
}

func TestBookNodes(t *testing.T) {
	t.Parallel()

	t.Run("list and node file", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.model.Cluster.Nodes = []string{"a"}
		f.model.Cluster.NodeFile = "/etc/nodes"
		f.model.Cluster.Count = 2
		f.files["/etc/nodes"] = "b\na\nc\n"

		names, err := f.app(t, report.FormatNone).BookNodes(context.Background())

		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, names.Names())
	})

	t.Run("not enough nodes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.model.Cluster.Count = 4

		_, err := f.app(t, report.FormatNone).BookNodes(context.Background())

		assert.Error(t, err)
	})

	t.Run("OAR job switches the remote shell", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.model.Cluster.Nodes = nil
		f.model.Cluster.Scheduler = true
		f.env["OAR_JOB_ID"] = "12"
		f.env["OAR_NODEFILE"] = "/var/oar/12"
		f.files["/var/oar/12"] = "m\nm\ns\n"
		a := f.app(t, report.FormatNone)

		names, err := a.BookNodes(context.Background())

		require.NoError(t, err)
		assert.Equal(t, []string{"m", "s"}, names.Names())
		assert.Equal(t, "oarsh", a.Model().SSH.Command)
	})

	t.Run("scheduler without a job", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.model.Cluster.Scheduler = true

		_, err := f.app(t, report.FormatNone).BookNodes(context.Background())

		assert.ErrorContains(t, err, "no PBS or OAR job")
	})
}

func TestHealthcheckServer(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t)
	a := f.app(t, report.FormatNone)
	ctx := context.Background()
	addr, err := a.startHealthcheckServer(ctx, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.closeHealthcheckServer(ctx) })
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	base := "http://127.0.0.1:" + port

	// Act
	health, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	status, err := http.Get(base + "/status")
	require.NoError(t, err)
	defer status.Body.Close()

	// Assert
	assert.Equal(t, http.StatusOK, health.StatusCode)
	assert.Equal(t, http.StatusOK, status.StatusCode)
	var r report.Report
	require.NoError(t, json.NewDecoder(status.Body).Decode(&r))
	assert.Equal(t, "demo", r.Application)
}
