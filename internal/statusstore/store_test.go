package statusstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/clusterboot/internal/lifecycle"
)

func TestSetAndGetState(t *testing.T) {
	s := New()
	ctx := context.Background()

	// State of a worker that was never recorded
	assert.Equal(t, lifecycle.NotStarted, s.GetState(ctx, "a"))

	s.SetState(ctx, "a", lifecycle.Running)
	assert.Equal(t, lifecycle.Running, s.GetState(ctx, "a"))
}

func TestSnapshot(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.SetState(ctx, "b", lifecycle.Stopped)
	s.SetMode(ctx, "b", "remote")
	s.SetError(ctx, "b", errors.New("no runtime"))
	s.SetState(ctx, "a", lifecycle.Running)
	s.SetMode(ctx, "a", "in-process")

	snap := s.Snapshot(ctx)

	require.Len(t, snap, 2)
	assert.Equal(t, Entry{Node: "a", Mode: "in-process", State: lifecycle.Running}, snap[0])
	assert.Equal(t, Entry{Node: "b", Mode: "remote", State: lifecycle.Stopped, Error: "no runtime"}, snap[1])
}

// TestStore_ConcurrentAccess verifies that workers can update their own keys
// concurrently without lost writes.
func TestStore_ConcurrentAccess(t *testing.T) {
	s := New()
	ctx := context.Background()
	const workers = 100
	var wg sync.WaitGroup

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("n%03d", i)
			s.SetState(ctx, name, lifecycle.Running)
			s.SetError(ctx, name, fmt.Errorf("error for node %d", i))
		}(i)
	}
	wg.Wait()

	snap := s.Snapshot(ctx)
	require.Len(t, snap, workers)
	for i, e := range snap {
		assert.Equal(t, fmt.Sprintf("n%03d", i), e.Node)
		assert.Equal(t, fmt.Sprintf("error for node %d", i), e.Error)
	}
}
