package config

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// Environment variables overriding launch tuning.
const (
	EnvDebugPortBase = "CLUSTERBOOT_DEBUGPORT_BASE"
	EnvMemoryMax     = "CLUSTERBOOT_MEMORY_MAX"
)

// ErrNegativeMemory is returned for a negative memory ceiling.
var ErrNegativeMemory = errors.New("memory ceiling must not be negative")

// Default returns the configuration used for every field a file leaves unset.
func Default() Model {
	return Model{
		Cluster: Cluster{
			Application: "clusterboot",
			Timeout:     30 * time.Second,
		},
		SSH: SSH{
			Transport:    "openssh",
			Command:      "ssh",
			RsyncCommand: "rsync",
			Port:         22,
		},
		Runtime: Runtime{
			RequiredVersion:  semver.MajorMinor(Version),
			Command:          "clusterboot",
			InstalledCommand: "clusterboot-" + semver.MajorMinor(Version) + "/clusterboot",
			Archive:          "clusterboot-" + semver.MajorMinor(Version) + ".tar.gz",
			MemoryFlag:       "--memory-limit=%dMiB",
			DebugFlag:        "--debug-addr=:%d",
			AssertionsFlag:   "--assertions",
			SearchPathFlag:   "--search-path",
		},
		Launch: Launch{
			Bootstrap:     "worker",
			DebugPortBase: 8000,
			Grace:         time.Second,
		},
		Lease: Lease{
			WarnBefore: 5 * time.Minute,
		},
		Events: Events{
			Namespace: "/",
		},
	}
}

// BinariesDir returns the deploy directory of the application binaries,
// relative to the home directory.
func (m Model) BinariesDir() string {
	if m.Launch.BinariesDir != "" {
		return m.Launch.BinariesDir
	}
	return path.Join(m.Cluster.Application, "bin")
}

// Validate reports the first configuration error that would make the run
// pointless or ill-defined.
func (m Model) Validate() error {
	if m.Cluster.Application == "" {
		return errors.New("cluster application name must not be empty")
	}
	if len(m.Cluster.Nodes) == 0 && m.Cluster.NodeFile == "" && !m.Cluster.Scheduler {
		return errors.New("no nodes configured: set cluster.nodes, cluster.node_file or cluster.scheduler")
	}
	if m.Cluster.Count < 0 {
		return fmt.Errorf("cluster count must not be negative, got %d", m.Cluster.Count)
	}
	if m.Cluster.Timeout <= 0 {
		return fmt.Errorf("cluster timeout must be positive, got %s", m.Cluster.Timeout)
	}
	switch m.SSH.Transport {
	case "openssh", "native":
	default:
		return fmt.Errorf("unknown ssh transport %q, want openssh or native", m.SSH.Transport)
	}
	if !semver.IsValid(m.Runtime.RequiredVersion) {
		return fmt.Errorf("runtime required_version %q is not a semantic version", m.Runtime.RequiredVersion)
	}
	if m.Runtime.Command == "" {
		return errors.New("runtime command must not be empty")
	}
	if m.Launch.MemoryMB < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeMemory, m.Launch.MemoryMB)
	}
	if m.Launch.Target == "" {
		return errors.New("launch target must not be empty")
	}
	if m.Launch.DebugPortBase < 0 || m.Launch.DebugPortBase > 65535 {
		return fmt.Errorf("debug port base %d out of range", m.Launch.DebugPortBase)
	}
	for _, d := range m.Deploy {
		if d.Source == "" || strings.HasPrefix(d.Target, "/") {
			return fmt.Errorf("deploy %q needs a source and a home-relative target", d.Name)
		}
	}
	return nil
}

// ApplyEnv returns a copy of m with the environment overrides applied.
func (m Model) ApplyEnv(lookup func(string) (string, bool)) (Model, error) {
	if v, ok := lookup(EnvDebugPortBase); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return m, fmt.Errorf("invalid %s=%q: %w", EnvDebugPortBase, v, err)
		}
		m.Launch.Debug = true
		m.Launch.DebugPortBase = port
	}
	if v, ok := lookup(EnvMemoryMax); ok && v != "" {
		mb, err := strconv.Atoi(v)
		if err != nil {
			return m, fmt.Errorf("invalid %s=%q: %w", EnvMemoryMax, v, err)
		}
		if mb < 0 {
			return m, fmt.Errorf("%w: %s=%d", ErrNegativeMemory, EnvMemoryMax, mb)
		}
		m.Launch.MemoryMB = mb
	}
	return m, nil
}
