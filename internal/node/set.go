package node

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrDuplicate is returned when adding a node that is already in a set.
	ErrDuplicate = errors.New("node already in set")
	// ErrAbsent is returned when removing a node that is not in a set.
	ErrAbsent = errors.New("node not in set")
)

// Set is a set of nodes keyed by address. It is not safe for concurrent
// mutation; owners guard it.
type Set struct {
	byAddr map[string]*Node
}

// NewSet builds a set from nodes, silently collapsing duplicates.
func NewSet(nodes ...*Node) *Set {
	s := &Set{byAddr: make(map[string]*Node, len(nodes))}
	for _, n := range nodes {
		s.byAddr[n.addr] = n
	}
	return s
}

// Add inserts n, failing if a node with the same address is present.
func (s *Set) Add(n *Node) error {
	if n == nil {
		return errors.New("nil node")
	}
	if _, ok := s.byAddr[n.addr]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, n)
	}
	s.byAddr[n.addr] = n
	return nil
}

// Remove deletes n, failing if it is absent.
func (s *Set) Remove(n *Node) error {
	if _, ok := s.byAddr[n.addr]; !ok {
		return fmt.Errorf("%w: %s", ErrAbsent, n)
	}
	delete(s.byAddr, n.addr)
	return nil
}

// Contains reports membership by address.
func (s *Set) Contains(n *Node) bool {
	_, ok := s.byAddr[n.addr]
	return ok
}

// Len is the number of nodes.
func (s *Set) Len() int { return len(s.byAddr) }

// Empty reports whether the set has no node.
func (s *Set) Empty() bool { return len(s.byAddr) == 0 }

// Nodes returns the members ordered by address.
func (s *Set) Nodes() []*Node {
	out := make([]*Node, 0, len(s.byAddr))
	for _, n := range s.byAddr {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *Node) int { return strings.Compare(a.addr, b.addr) })
	return out
}

// First returns the member with the lowest address, or nil.
func (s *Set) First() *Node {
	var first *Node
	for _, n := range s.byAddr {
		if first == nil || n.Less(first) {
			first = n
		}
	}
	return first
}

// FirstRemote returns the lowest-address member that is not the controller,
// falling back to First when every member is local.
func (s *Set) FirstRemote() *Node {
	var first *Node
	for _, n := range s.byAddr {
		if n.local {
			continue
		}
		if first == nil || n.Less(first) {
			first = n
		}
	}
	if first == nil {
		return s.First()
	}
	return first
}

// ContainsLocal reports whether the controller is a member.
func (s *Set) ContainsLocal() bool {
	for _, n := range s.byAddr {
		if n.local {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (s *Set) Clone() *Set {
	return NewSet(s.Nodes()...)
}

// Key is a canonical identity of the set's membership.
func (s *Set) Key() string {
	nodes := s.Nodes()
	addrs := make([]string, len(nodes))
	for i, n := range nodes {
		addrs[i] = n.addr
	}
	return strings.Join(addrs, ",")
}

// Equal compares membership.
func (s *Set) Equal(o *Set) bool {
	return s.Key() == o.Key()
}

// Names returns the member hostnames ordered by address.
func (s *Set) Names() []string {
	nodes := s.Nodes()
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.name
	}
	return names
}

func (s *Set) String() string {
	return "{" + strings.Join(s.Names(), ", ") + "}"
}
