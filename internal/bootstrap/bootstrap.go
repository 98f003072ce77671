// Package bootstrap is the worker side of the launch protocol.
//
// The controller starts "<runtime> ... worker '<target>' <app> [args]" and
// keeps the worker's standard input open. The bootstrap loads the target by
// name, runs it in the background and reads its input until end of file.
// End of input is the only shutdown signal: the target is stopped, given a
// grace period to return, and the bootstrap exits.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vk/clusterboot/internal/ctxlog"
	"github.com/vk/clusterboot/internal/entry"
	"github.com/vk/clusterboot/internal/lifecycle"
)

// ErrGraceExpired is returned when the target did not return within the
// grace period after being stopped.
var ErrGraceExpired = errors.New("target did not stop within the grace period")

// Bootstrap runs one target.
type Bootstrap struct {
	Registry *entry.Registry
	Stdin    io.Reader
	Stdout   io.Writer
	Stderr   io.Writer
	// Grace bounds the wait for the target after Stop. Defaults to 1s.
	Grace time.Duration
	// Tracker, when set, receives the state transitions.
	Tracker *lifecycle.Tracker
}

// Run executes target until the input ends or ctx is cancelled. Errors and
// panics of the target are written to Stderr and returned.
func (b *Bootstrap) Run(ctx context.Context, target string, env entry.Env) error {
	logger := ctxlog.FromContext(ctx)
	tracker := b.Tracker
	if tracker == nil {
		tracker = &lifecycle.Tracker{}
	}
	grace := b.Grace
	if grace <= 0 {
		grace = time.Second
	}
	env.Stdout, env.Stderr = b.Stdout, b.Stderr

	if err := tracker.Advance(lifecycle.NotStarted); err != nil {
		return err
	}
	factory, err := b.Registry.Lookup(target)
	if err != nil {
		tracker.Fail()
		fmt.Fprintf(b.Stderr, "bootstrap: %v\n", err)
		return err
	}
	e := factory()

	done := make(chan error, 1)
	if err := tracker.Advance(lifecycle.Launching); err != nil {
		return err
	}
	go func() {
		err := runTarget(ctx, e, env)
		if err != nil {
			fmt.Fprintf(b.Stderr, "bootstrap: %s: %v\n", target, err)
		}
		done <- err
	}()
	logger.Debug("Target started.", "target", target)

	eof := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, b.Stdin)
		close(eof)
	}()

	var result error
	finished := false
	select {
	case <-eof:
		logger.Debug("Input closed, stopping target.", "target", target)
	case <-ctx.Done():
		logger.Debug("Context cancelled, stopping target.", "target", target)
	}

	_ = tracker.Advance(lifecycle.Running)
	e.Stop()

	select {
	case result = <-done:
		finished = true
	case <-time.After(grace):
	}
	_ = tracker.Advance(lifecycle.Stopping)

	if !finished {
		fmt.Fprintf(b.Stderr, "bootstrap: %s: %v\n", target, ErrGraceExpired)
		return ErrGraceExpired
	}
	return result
}

func runTarget(ctx context.Context, e entry.Entry, env entry.Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("target panicked: %v", r)
		}
	}()
	return e.Main(ctx, env)
}
