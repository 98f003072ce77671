package config

import (
	"context"
	"time"
)

// Version is the version of the runtime this binary provides. The controller
// compares it against Runtime.RequiredVersion before provisioning.
const Version = "v1.2.0"

// Loader reads configuration files into a Model.
type Loader interface {
	Load(ctx context.Context, paths ...string) (*Model, error)
}

// Model is the whole configuration of one orchestration run.
type Model struct {
	Cluster Cluster
	SSH     SSH
	Runtime Runtime
	Deploy  []Deployment
	Launch  Launch
	Lease   Lease
	Events  Events
}

// Cluster describes the node set.
type Cluster struct {
	// Application namespaces marker files, binaries and worker command lines.
	Application string
	// User is the default remote login for nodes given without one.
	User string
	// Frontal is the optional hop every remote call is routed through.
	Frontal string
	Nodes   []string
	// NodeFile lists additional node names, one per line.
	NodeFile string
	// Scheduler takes the nodes from the PBS or OAR job the controller runs in.
	Scheduler bool
	// Count, when positive, books only that many nodes.
	Count int
	// Timeout bounds the reachability probe and each remote command.
	Timeout time.Duration
}

// SSH selects and tunes the remote-shell transport.
type SSH struct {
	// Transport is "openssh" (the ssh binary) or "native" (in-process).
	Transport    string
	Command      string
	Options      []string
	Port         int
	RsyncCommand string
}

// Runtime tells the provisioner how to find, check and install the worker
// runtime on a node.
type Runtime struct {
	// RequiredVersion is a semver prefix such as "v1.2".
	RequiredVersion string
	// Command is the default runtime command looked up on PATH.
	Command string
	// InstalledCommand is the known-good runtime, relative to the home directory.
	InstalledCommand string
	DownloadURL      string
	Archive          string
	DownloadOptions  string

	// Flag templates used when composing the worker command line.
	MemoryFlag     string
	DebugFlag      string
	AssertionsFlag string
	SearchPathFlag string
}

// Deployment is one artifact made visible on every node.
type Deployment struct {
	Name   string
	Source string
	// Target is relative to the home directory on each node.
	Target string
}

// Launch configures the workers.
type Launch struct {
	// Bootstrap is the entry point identifier of the remote-side bootstrap.
	Bootstrap string
	// Target is the entry point the bootstrap loads and runs.
	Target string
	Args   []string
	// MemoryMB is the memory ceiling passed to workers, 0 for none.
	MemoryMB int
	// Debug enables a debug endpoint per worker, on ports counting up from
	// DebugPortBase.
	Debug         bool
	DebugPortBase int
	Assertions    bool
	// InProcess runs the controller's own worker as a goroutine instead of a
	// local subprocess.
	InProcess bool
	// BinariesDir is relative to the home directory; it is deployed as a
	// mirror and searched by workers.
	BinariesDir string
	// Grace is how long the bootstrap waits for the target after stopping it.
	Grace time.Duration
}

// Lease describes an externally imposed time allocation.
type Lease struct {
	Duration   time.Duration
	WarnBefore time.Duration
}

// Events configures the optional socket.io relay.
type Events struct {
	URL                string
	Namespace          string
	InsecureSkipVerify bool
}
