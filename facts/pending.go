package facts

import (
	"context"

	"go.errata.dev/core/async"
)

// Pending is a non-blocking handle on a fetch: it completes via a one-shot
// notification when the computation finishes, whether in this caller or in
// a single-flight leader it joined. A Pending which is abandoned before
// completion does not affect the computation, which runs to completion for
// the benefit of any other waiters; the abandoning caller simply never
// observes a result.
type Pending[V any] struct {
	rt      *Runtime
	key     QueryKey
	leader  uint64 // Exec id of the computation's leader, 0 if already done.
	promise *async.Promise[waitOutcome[V]]
}

// Done selects when the fetch has completed.
func (p *Pending[V]) Done() <-chan struct{} { return p.promise.Done() }

// Result returns the fetched value or error. It may be called only after
// Done selects. Result does not record a dependency; use Wait from within a
// computation.
func (p *Pending[V]) Result() (V, error) {
	var out = p.promise.Result()
	if out.err != nil {
		var zero V
		return zero, out.err
	}
	return out.value, nil
}

// Wait blocks until the fetch completes or |ctx| is cancelled. When |ctx|
// carries an active computation, Wait records the fetched key as its
// dependency and links the wait into cycle detection.
func (p *Pending[V]) Wait(ctx context.Context) (V, error) {
	var zero V
	var e, hasExec = execFromContext(ctx)

	select {
	case <-p.promise.Done():
	default:
		if hasExec && p.leader != 0 && p.leader != e.id {
			if ok, cycle := p.rt.waits.tryBlock(e.id, p.leader, p.key, e.path()); !ok {
				return zero, CycleError{Cycle: cycle}
			}
			defer p.rt.waits.unblockFrom(e.id, p.key)
		}
		p.rt.event(Event{Kind: WillBlock, Key: p.key, Revision: p.rt.Revision()})

		if _, err := p.promise.WaitContext(ctx); err != nil {
			return zero, err
		}
	}

	var out = p.promise.Result()
	if out.err != nil {
		return zero, out.err
	}
	if hasExec {
		e.reportRead(p.key, out.durability, out.changedAt)
	}
	return out.value, nil
}

// FetchAsync begins a fetch of |key| and returns a Pending handle on its
// completion. A fresh computation runs on a detached goroutine rooted in its
// own context, so abandoning the handle never cancels work other waiters
// share. FetchAsync from within a computation is legal; only Wait links the
// handle into dependency recording and cycle detection.
func (d *Derived[K, V]) FetchAsync(ctx context.Context, key K) *Pending[V] {
	var qk = QueryKey{Table: d, Arg: key}
	var rev = d.rt.Revision()
	var p = &Pending[V]{
		rt:      d.rt,
		key:     qk,
		promise: async.NewPromise[waitOutcome[V]](),
	}

	if err := d.rt.checkpoint(qk, rev); err != nil {
		p.promise.Resolve(waitOutcome[V]{err: err})
		return p
	}

	var sl = d.slot(key)
	sl.mu.Lock()

	if sl.inProgress {
		p.leader = sl.leader
		sl.waiters = append(sl.waiters, p.promise)
		sl.mu.Unlock()
		return p
	}
	if sl.hasMemo && sl.memo.verifiedAt == rev && sl.memo.hasValue {
		var st = sl.memo.stamp()
		sl.mu.Unlock()
		d.touch(key)
		p.promise.Resolve(waitOutcome[V]{stamp: st})
		return p
	}

	// Become leader on a detached goroutine with a fresh execution context.
	var e = newExec(d.rt)
	sl.inProgress = true
	sl.leader = e.id
	sl.waiters = append(sl.waiters, p.promise)
	var prior, hasPrior = sl.memo, sl.hasMemo
	sl.mu.Unlock()

	p.leader = e.id
	go func() {
		// lead resolves all waiters, including p's promise.
		_, _ = d.lead(context.Background(), e, sl, qk, key, rev, prior, hasPrior, true)
	}()
	return p
}
