// Package task provides a Group for structuring the concurrent loops of a
// long-lived process, such as the readers and mutator of a soak workload.
package task

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Group is a set of tasks which execute concurrently and are collectively
// waited on. Tasks observe a shared Context: the first task to fail cancels
// it, as does an explicit Cancel or cancellation of the parent Context.
// Tasks which return because that Context was cancelled are an orderly wind
// down, not a failure. While a Group invokes and waits on multiple
// goroutines, the Group itself is not thread-safe: Queue all tasks, then
// GoRun, then Wait.
type Group struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	tasks   []boundTask
	eg      *errgroup.Group
	started bool
}

// boundTask composes a runnable and its description.
type boundTask struct {
	desc string
	fn   func(context.Context) error
}

// NewGroup returns a new, empty Group with the given parent Context.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, eg: eg, cancelFn: cancel}
}

// Context returns the Group Context.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group Context, winding down its tasks.
func (g *Group) Cancel() { g.cancelFn() }

// Queue a task for execution with the Group. The task is invoked with the
// Group Context and should return promptly upon its cancellation.
// Cannot be called after GoRun is invoked or Queue panics.
func (g *Group) Queue(desc string, fn func(context.Context) error) {
	if g.started {
		panic("Queue called after GoRun")
	}
	g.tasks = append(g.tasks, boundTask{desc: desc, fn: fn})
}

// QueueLoop queues a task which invokes |fn| repeatedly until the Group
// Context is cancelled. Errors for which |transient| returns true are
// retried in place; any other error fails the task (and thus the Group).
// A nil |transient| treats every error as fatal.
func (g *Group) QueueLoop(desc string, fn func(context.Context) error, transient func(error) bool) {
	g.Queue(desc, func(ctx context.Context) error {
		for ctx.Err() == nil {
			if err := fn(ctx); err != nil && (transient == nil || !transient(err)) {
				return err
			}
		}
		return nil
	})
}

// GoRun all queued tasks. GoRun may be called only once:
// the second invocation will panic.
func (g *Group) GoRun() {
	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for i := range g.tasks {
		var t = g.tasks[i]
		g.eg.Go(func() error { return errors.WithMessage(t.fn(g.ctx), t.desc) })
	}
}

// Wait for started tasks, returning only after all complete. The first
// task failure is returned; a Cancel-driven wind down, where tasks returned
// only context.Canceled, waits cleanly and returns nil.
// GoRun must have been called or Wait panics.
func (g *Group) Wait() error {
	if !g.started {
		panic("Wait called before GoRun")
	}
	if err := g.eg.Wait(); err != nil && errors.Cause(err) != context.Canceled {
		return err
	}
	return nil
}
