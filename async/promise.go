// Package async implements a simple value-carrying Promise API.
package async

import (
	"context"
	"time"
)

// Promise is a one-shot notification primitive for asynchronous events,
// carrying a value of type T to any number of waiting clients. A Promise
// must be allocated with NewPromise, resolved exactly once, and may be
// waited upon any number of times (including after resolution).
type Promise[T any] struct {
	value  T
	doneCh chan struct{}
}

// NewPromise returns a new, unresolved Promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{doneCh: make(chan struct{})}
}

// Resolve sets the Promise value and wakes any clients currently waiting on
// it. Resolve must be called exactly once; a second call panics.
func (p *Promise[T]) Resolve(value T) {
	p.value = value
	close(p.doneCh)
}

// Done selects when the Promise has been resolved.
func (p *Promise[T]) Done() <-chan struct{} { return p.doneCh }

// Result returns the resolved value. It may be called only after Done
// selects; otherwise its value is undefined and racy.
func (p *Promise[T]) Result() T { return p.value }

// Wait synchronously blocks until the Promise is resolved, returning its value.
func (p *Promise[T]) Wait() T {
	<-p.doneCh
	return p.value
}

// WaitContext blocks until the Promise is resolved or |ctx| is cancelled,
// returning the value or the context error.
func (p *Promise[T]) WaitContext(ctx context.Context) (T, error) {
	select {
	case <-p.doneCh:
		return p.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitWithPeriodicTask repeatedly invokes |task| with period |period| until
// the Promise is resolved, then returns its value.
func (p *Promise[T]) WaitWithPeriodicTask(period time.Duration, task func()) T {
	var ticker = time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.doneCh:
			return p.value
		case <-ticker.C:
			task()
		}
	}
}
