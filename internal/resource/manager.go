package resource

import (
	"context"
	"fmt"
	"time"
)

// Request describes a booking.
type Request struct {
	// Count is the number of nodes; zero takes everything available.
	Count int
	// PerNode is the number of processes per node.
	PerNode    int
	Duration   time.Duration
	Properties []string
}

// Manager books nodes. When the source designates a master, it comes first in
// the returned set.
type Manager interface {
	BookNodes(ctx context.Context, req Request) (NameSet, error)
}

// Workstations is a static list of machines on a LAN.
type Workstations struct {
	Names NameSet
}

// BookNodes takes the first Count names of the list.
func (w Workstations) BookNodes(_ context.Context, req Request) (NameSet, error) {
	return book(w.Names, req)
}

func (w Workstations) String() string {
	return fmt.Sprintf("workstations %s", w.Names)
}

func book(names NameSet, req Request) (NameSet, error) {
	if req.Count == 0 {
		if names.Empty() {
			return NameSet{}, fmt.Errorf("%w: the node list is empty", ErrNotEnoughNodes)
		}
		return names, nil
	}
	return names.Subset(req.Count)
}
