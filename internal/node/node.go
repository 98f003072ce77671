// Package node models a compute node of the cluster and sets of nodes.
//
// A Node is identified by its resolved network address only: two nodes built
// from different names that resolve to the same address are the same node.
// Whether a node is the controlling machine itself is computed once at
// creation and cached; so is the last reachability verdict.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
)

// ErrInvalidSpec is returned for node specs that are not "host" or "login@host".
var ErrInvalidSpec = errors.New("invalid node spec")

// Node is a single compute node reachable through the remote shell.
type Node struct {
	name  string
	login string
	addr  string
	local bool

	// reachable: 0 unknown, 1 reachable, 2 unreachable.
	reachable atomic.Int32
}

// New builds a node from already resolved data. It is mostly useful in tests
// and for callers that do their own resolution.
func New(name, login, addr string, local bool) *Node {
	return &Node{name: name, login: login, addr: addr, local: local}
}

// Name is the hostname the node was created from.
func (n *Node) Name() string { return n.name }

// Login is the remote login name, possibly empty.
func (n *Node) Login() string { return n.login }

// Addr is the resolved network address, the node's identity.
func (n *Node) Addr() string { return n.addr }

// IsLocal reports whether the node is the controlling machine itself.
func (n *Node) IsLocal() bool { return n.local }

// SSHName is the destination handed to the remote shell: login@host or host.
func (n *Node) SSHName() string {
	if n.login == "" {
		return n.name
	}
	return n.login + "@" + n.name
}

// SetReachable caches the result of the last reachability probe.
func (n *Node) SetReachable(ok bool) {
	if ok {
		n.reachable.Store(1)
	} else {
		n.reachable.Store(2)
	}
}

// Reachable returns the cached probe result and whether one was recorded.
func (n *Node) Reachable() (reachable, known bool) {
	switch n.reachable.Load() {
	case 1:
		return true, true
	case 2:
		return false, true
	default:
		return false, false
	}
}

// Equal compares nodes by resolved address.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.addr == o.addr
}

// Less orders nodes by resolved address.
func (n *Node) Less(o *Node) bool {
	return n.addr < o.addr
}

func (n *Node) String() string {
	return n.name
}

// Resolver resolves hostnames. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Factory creates nodes, resolving names and detecting locality.
type Factory struct {
	Resolver Resolver
	// InterfaceAddrs lists the addresses bound to the local machine.
	// Defaults to net.InterfaceAddrs.
	InterfaceAddrs func() ([]net.Addr, error)
	// DefaultLogin is used for specs that carry no login part.
	DefaultLogin string

	localAddrs map[string]struct{}
}

// NewFactory returns a Factory using the system resolver.
func NewFactory(defaultLogin string) *Factory {
	return &Factory{
		Resolver:       net.DefaultResolver,
		InterfaceAddrs: net.InterfaceAddrs,
		DefaultLogin:   defaultLogin,
	}
}

// ParseSpec splits "login@host" into its parts. A bare host yields an empty login.
func ParseSpec(spec string) (login, host string, err error) {
	spec = strings.TrimSpace(spec)
	parts := strings.Split(spec, "@")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return "", parts[0], nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSpec, spec)
	}
}

// Create parses a spec, resolves its host and computes locality.
func (f *Factory) Create(ctx context.Context, spec string) (*Node, error) {
	login, host, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	if login == "" {
		login = f.DefaultLogin
	}

	addrs, err := f.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("failed to resolve %s: no address", host)
	}

	local, err := f.isLocal(addrs[0])
	if err != nil {
		return nil, err
	}
	return New(host, login, addrs[0], local), nil
}

// CreateAll creates one node per spec, rejecting duplicates by address.
func (f *Factory) CreateAll(ctx context.Context, specs []string) ([]*Node, error) {
	set := NewSet()
	for _, spec := range specs {
		n, err := f.Create(ctx, spec)
		if err != nil {
			return nil, err
		}
		if err := set.Add(n); err != nil {
			return nil, err
		}
	}
	return set.Nodes(), nil
}

func (f *Factory) isLocal(addr string) (bool, error) {
	ip := net.ParseIP(addr)
	if ip != nil && ip.IsLoopback() {
		return true, nil
	}
	if f.localAddrs == nil {
		list := f.InterfaceAddrs
		if list == nil {
			list = net.InterfaceAddrs
		}
		addrs, err := list()
		if err != nil {
			return false, fmt.Errorf("failed to list local interfaces: %w", err)
		}
		f.localAddrs = make(map[string]struct{}, len(addrs))
		for _, a := range addrs {
			switch v := a.(type) {
			case *net.IPNet:
				f.localAddrs[v.IP.String()] = struct{}{}
			case *net.IPAddr:
				f.localAddrs[v.IP.String()] = struct{}{}
			}
		}
	}
	if ip != nil {
		addr = ip.String()
	}
	_, ok := f.localAddrs[addr]
	return ok, nil
}
