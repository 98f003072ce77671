package provision

import (
	"sync"

	"github.com/vk/clusterboot/internal/node"
)

// Source tells how a runtime was found.
type Source string

const (
	SourceController Source = "controller"
	SourceDefault    Source = "default"
	SourceInstalled  Source = "installed"
	SourceDownloaded Source = "downloaded"
)

// Descriptor is the resolved runtime of a node.
type Descriptor struct {
	// Command invokes the runtime; it may reference ${HOME}.
	Command string `json:"command" yaml:"command"`
	Source  Source `json:"source" yaml:"source"`
	// DownloadURL and Archive are set when the runtime was downloaded.
	DownloadURL string `json:"download_url,omitempty" yaml:"download_url,omitempty"`
	Archive     string `json:"archive,omitempty" yaml:"archive,omitempty"`
}

// Assignments maps nodes to their resolved runtime. It is safe for
// concurrent use.
type Assignments struct {
	mu    sync.RWMutex
	byKey map[string]Descriptor
	names map[string]string
}

// NewAssignments returns an empty map.
func NewAssignments() *Assignments {
	return &Assignments{byKey: make(map[string]Descriptor), names: make(map[string]string)}
}

// Set assigns d to n, replacing any previous assignment.
func (a *Assignments) Set(n *node.Node, d Descriptor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byKey[n.Addr()] = d
	a.names[n.Addr()] = n.Name()
}

// Get returns the runtime of n.
func (a *Assignments) Get(n *node.Node) (Descriptor, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.byKey[n.Addr()]
	return d, ok
}

// Has reports whether n has a runtime.
func (a *Assignments) Has(n *node.Node) bool {
	_, ok := a.Get(n)
	return ok
}

// ByName returns a copy keyed by node name.
func (a *Assignments) ByName() map[string]Descriptor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]Descriptor, len(a.byKey))
	for addr, d := range a.byKey {
		out[a.names[addr]] = d
	}
	return out
}
