// Package fanout runs one task per item concurrently and joins all of them.
//
// Every item gets its own goroutine. A failing (or panicking) item never
// prevents the other items from running to completion, and the caller always
// receives one Outcome per item, in input order. There is no timeout and no
// rollback here: deadlines belong to the action, interpretation of partial
// failure belongs to the caller.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrPanic wraps a panic recovered from a task.
var ErrPanic = errors.New("task panicked")

// Outcome is the result of the action for a single item.
type Outcome[T any] struct {
	Item T
	Err  error
}

// OK reports whether the action for this item succeeded.
func (o Outcome[T]) OK() bool {
	return o.Err == nil
}

// Run executes fn once per item, each on a dedicated goroutine, and returns
// only after every call has returned.
func Run[T any](ctx context.Context, items []T, fn func(context.Context, T) error) []Outcome[T] {
	outcomes := make([]Outcome[T], len(items))

	// The group is used only as a join point; tasks never return an error to
	// it, so no sibling is ever cancelled.
	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			outcomes[i] = Outcome[T]{Item: item, Err: call(ctx, item, fn)}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func call[T any](ctx context.Context, item T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(ctx, item)
}

// Failed returns the outcomes whose action failed.
func Failed[T any](outcomes []Outcome[T]) []Outcome[T] {
	var failed []Outcome[T]
	for _, o := range outcomes {
		if !o.OK() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Join combines every failure into a single error, or returns nil.
func Join[T any](outcomes []Outcome[T]) error {
	var errs []error
	for _, o := range outcomes {
		if !o.OK() {
			errs = append(errs, fmt.Errorf("%v: %w", o.Item, o.Err))
		}
	}
	return errors.Join(errs...)
}
