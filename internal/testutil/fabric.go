package testutil

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/vk/clusterboot/internal/config"
	"github.com/vk/clusterboot/internal/node"
	"github.com/vk/clusterboot/internal/remote"
)

// Host is the simulated state of one node. Configure it before the fabric is
// used concurrently.
type Host struct {
	Node    *node.Node
	Storage string
	// Unreachable makes every call fail the way a dead ssh connection does.
	Unreachable bool
	// Broken makes every call fail with a non-timeout transport error.
	Broken bool
	// DefaultRuntime makes the default runtime version check pass.
	DefaultRuntime bool
	// FailTouch makes marker creation report output, which is a failure.
	FailTouch bool
}

// Fabric is a simulated cluster. See the package documentation.
type Fabric struct {
	Home             string
	InstalledCommand string
	// Script, when set, gets the first chance to answer any command.
	Script func(h *Host, command string) (remote.Result, bool)

	mu       sync.Mutex
	hosts    map[string]*Host
	storages map[string]*MemFS
	requests []remote.Request
	syncs    []remote.SyncRequest
	channels []*FakeChannel
	installs []string
}

// NewFabric returns an empty fabric whose home directory is /home/user.
func NewFabric() *Fabric {
	return &Fabric{
		Home:             "/home/user",
		InstalledCommand: config.Default().Runtime.InstalledCommand,
		hosts:            make(map[string]*Host),
		storages:         make(map[string]*MemFS),
	}
}

// AddHost attaches n to the named storage.
func (f *Fabric) AddHost(n *node.Node, storage string) *Host {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &Host{Node: n, Storage: storage}
	f.hosts[n.Addr()] = h
	if _, ok := f.storages[storage]; !ok {
		fs := NewMemFS()
		_ = fs.MkdirAll(f.Home, 0o755)
		f.storages[storage] = fs
	}
	return h
}

// Storage returns the filesystem of a storage.
func (f *Fabric) Storage(id string) *MemFS {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storages[id]
}

// StorageOf returns the filesystem n is attached to.
func (f *Fabric) StorageOf(n *node.Node) *MemFS {
	h := f.host(n)
	if h == nil {
		return nil
	}
	return f.Storage(h.Storage)
}

func (f *Fabric) host(n *node.Node) *Host {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hosts[n.Addr()]
}

// Toolkit wires the fabric as every remote collaborator.
func (f *Fabric) Toolkit() remote.Toolkit {
	return remote.Toolkit{
		Executor:    f,
		Transfer:    f,
		Prober:      &remote.ExecProber{Executor: f},
		Opener:      f,
		LocalOpener: localOpener{f},
	}
}

// Requests returns every command executed so far.
func (f *Fabric) Requests() []remote.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Request{}, f.requests...)
}

// CountCommands counts executed commands containing substr.
func (f *Fabric) CountCommands(substr string) int {
	n := 0
	for _, r := range f.Requests() {
		if strings.Contains(r.Command, substr) {
			n++
		}
	}
	return n
}

// Syncs returns every transfer performed so far.
func (f *Fabric) Syncs() []remote.SyncRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.SyncRequest{}, f.syncs...)
}

// Channels returns every channel opened so far.
func (f *Fabric) Channels() []*FakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeChannel{}, f.channels...)
}

// Installs returns the names of the nodes a runtime was installed from.
func (f *Fabric) Installs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.installs...)
}

var (
	reTouch   = regexp.MustCompile(`^touch (\S+)$`)
	reList    = regexp.MustCompile(`^ls -1d (\S+)\* 2>/dev/null \|\| true$`)
	reRemove  = regexp.MustCompile(`^rm -f (\S+)\*$`)
	reTestF   = regexp.MustCompile(`^test -f (\S+)$`)
	reTestX   = regexp.MustCompile(`^test -x \$\{HOME\}/(\S+)$`)
	reMkdir   = regexp.MustCompile(`^if ! test -d (\S+); then mkdir -p \S+; fi$`)
	reInstall = regexp.MustCompile(`^cd \$\{HOME\} && wget `)
)

func unquote(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(s, "'"), "'")
}

func (f *Fabric) abs(p string) string {
	p = unquote(p)
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(f.Home, p)
}

func (f *Fabric) check(n *node.Node) (*Host, error) {
	h := f.host(n)
	switch {
	case h == nil:
		return nil, &remote.TransportError{Target: n.String(), ExitStatus: 255, Stderr: "ssh: Could not resolve hostname"}
	case h.Unreachable:
		return nil, &remote.TransportError{Target: n.String(), Err: fmt.Errorf("%w: simulated", remote.ErrTimeout)}
	case h.Broken:
		return nil, &remote.TransportError{Target: n.String(), Err: fmt.Errorf("simulated broken transport")}
	}
	return h, nil
}

// Execute implements remote.Executor.
func (f *Fabric) Execute(ctx context.Context, req remote.Request) (remote.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if req.Frontal != nil {
		if _, err := f.check(req.Frontal); err != nil {
			return remote.Result{}, err
		}
	}
	h, err := f.check(req.Target)
	if err != nil {
		return remote.Result{}, err
	}
	if f.Script != nil {
		if res, ok := f.Script(h, req.Command); ok {
			return res, nil
		}
	}

	storage := f.Storage(h.Storage)
	cmd := req.Command
	switch {
	case cmd == "true", cmd == "kill -9 -1":
		return remote.Result{}, nil

	case reTouch.MatchString(cmd):
		if h.FailTouch {
			return remote.Result{Lines: []string{"touch: cannot touch: Read-only file system"}, ExitStatus: 1}, nil
		}
		_ = storage.WriteFile(f.abs(reTouch.FindStringSubmatch(cmd)[1]), nil, 0o644)
		return remote.Result{}, nil

	case reList.MatchString(cmd):
		matches, _ := storage.Glob(f.abs(reList.FindStringSubmatch(cmd)[1]) + "*")
		var lines []string
		for _, m := range matches {
			lines = append(lines, path.Base(m))
		}
		return remote.Result{Lines: lines}, nil

	case reRemove.MatchString(cmd):
		matches, _ := storage.Glob(f.abs(reRemove.FindStringSubmatch(cmd)[1]) + "*")
		for _, m := range matches {
			_ = storage.Remove(m)
		}
		return remote.Result{}, nil

	case reTestF.MatchString(cmd):
		return exitIf(!storage.Exists(f.abs(reTestF.FindStringSubmatch(cmd)[1]))), nil

	case reTestX.MatchString(cmd):
		return exitIf(!storage.Exists(f.abs(reTestX.FindStringSubmatch(cmd)[1]))), nil

	case strings.HasPrefix(cmd, "command -v "):
		return exitIf(!h.DefaultRuntime), nil

	case reInstall.MatchString(cmd):
		f.mu.Lock()
		f.installs = append(f.installs, h.Node.Name())
		f.mu.Unlock()
		_ = storage.WriteFile(f.abs(f.InstalledCommand), []byte("#!runtime"), 0o755)
		return remote.Result{}, nil

	case reMkdir.MatchString(cmd):
		_ = storage.MkdirAll(f.abs(reMkdir.FindStringSubmatch(cmd)[1]), 0o755)
		return remote.Result{}, nil
	}
	return remote.Result{Lines: []string{"bash: command not found"}, ExitStatus: 127}, nil
}

func exitIf(fail bool) remote.Result {
	if fail {
		return remote.Result{ExitStatus: 1}
	}
	return remote.Result{}
}

// Sync implements remote.Transfer. A directory becomes an (empty) directory
// at RemoteDir; a file lands in RemoteDir under its base name.
func (f *Fabric) Sync(ctx context.Context, req remote.SyncRequest) error {
	f.mu.Lock()
	f.syncs = append(f.syncs, req)
	f.mu.Unlock()

	h, err := f.check(req.Target)
	if err != nil {
		return err
	}
	storage := f.Storage(h.Storage)
	dir := f.abs(req.RemoteDir)
	if req.IsDir {
		return storage.MkdirAll(dir, 0o755)
	}
	return storage.WriteFile(path.Join(dir, path.Base(req.LocalPath)), []byte("artifact"), 0o644)
}

// Open implements remote.Opener.
func (f *Fabric) Open(ctx context.Context, target, frontal *node.Node) (remote.Channel, error) {
	if frontal != nil {
		if _, err := f.check(frontal); err != nil {
			return nil, err
		}
	}
	if _, err := f.check(target); err != nil {
		return nil, err
	}
	return f.open(target, false), nil
}

func (f *Fabric) open(target *node.Node, local bool) *FakeChannel {
	ch := NewFakeChannel(target, local)
	f.mu.Lock()
	f.channels = append(f.channels, ch)
	f.mu.Unlock()
	return ch
}

type localOpener struct{ f *Fabric }

func (o localOpener) Open(ctx context.Context, target, _ *node.Node) (remote.Channel, error) {
	return o.f.open(target, true), nil
}
