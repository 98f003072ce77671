// Package resource supplies the node names a run is allowed to use: a static
// list of workstations, or the allocation of a batch scheduler job.
package resource

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"
)

// ErrNotEnoughNodes is returned when more nodes are requested than the source
// can supply.
var ErrNotEnoughNodes = errors.New("not enough nodes")

// NameSet is an ordered list of distinct node names.
type NameSet struct {
	names []string
}

// NewNameSet keeps the first occurrence of every non-empty name.
func NewNameSet(names ...string) NameSet {
	var s NameSet
	for _, n := range names {
		s = s.with(n)
	}
	return s
}

func (s NameSet) with(name string) NameSet {
	name = strings.TrimSpace(name)
	if name == "" || slices.Contains(s.names, name) {
		return s
	}
	return NameSet{names: append(slices.Clip(s.names), name)}
}

// ParseNames reads one name per line. Blank lines and lines starting with '#'
// are skipped.
func ParseNames(r io.Reader) (NameSet, error) {
	var s NameSet
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		s = s.with(line)
	}
	return s, sc.Err()
}

// LoadFile reads a node file.
func LoadFile(path string) (NameSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return NameSet{}, fmt.Errorf("failed to open node file: %w", err)
	}
	defer f.Close()

	s, err := ParseNames(f)
	if err != nil {
		return NameSet{}, fmt.Errorf("failed to read node file %s: %w", path, err)
	}
	return s, nil
}

// Names returns a copy of the names in order.
func (s NameSet) Names() []string { return slices.Clone(s.names) }

// Len is the number of names.
func (s NameSet) Len() int { return len(s.names) }

// Empty reports a set with no names.
func (s NameSet) Empty() bool { return len(s.names) == 0 }

// Contains reports whether name is in the set.
func (s NameSet) Contains(name string) bool { return slices.Contains(s.names, name) }

// First is the first name, conventionally the master of a scheduler job.
func (s NameSet) First() (string, bool) {
	if s.Empty() {
		return "", false
	}
	return s.names[0], true
}

// Rest is every name but the first.
func (s NameSet) Rest() NameSet {
	if s.Empty() {
		return NameSet{}
	}
	return NameSet{names: slices.Clone(s.names[1:])}
}

// Subset returns the first n names.
func (s NameSet) Subset(n int) (NameSet, error) {
	if n < 0 || n > s.Len() {
		return NameSet{}, fmt.Errorf("%w: %d requested, %d available", ErrNotEnoughNodes, n, s.Len())
	}
	return NameSet{names: slices.Clone(s.names[:n])}, nil
}

// Minus returns the set without the given names.
func (s NameSet) Minus(names ...string) NameSet {
	var r NameSet
	for _, n := range s.names {
		if !slices.Contains(names, n) {
			r.names = append(r.names, n)
		}
	}
	return r
}

// ReplaceAll rewrites every name with a regular expression, e.g. to move from
// the scheduler's host names to the interconnect's. Names that collide after
// the rewrite are merged.
func (s NameSet) ReplaceAll(pattern, repl string) (NameSet, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return NameSet{}, fmt.Errorf("invalid name pattern: %w", err)
	}
	var r NameSet
	for _, n := range s.names {
		r = r.with(re.ReplaceAllString(n, repl))
	}
	return r, nil
}

func (s NameSet) String() string {
	return "[" + strings.Join(s.names, " ") + "]"
}
