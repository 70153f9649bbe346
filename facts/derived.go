package facts

import (
	"context"
	"reflect"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"go.errata.dev/core/async"
	"go.errata.dev/core/metrics"
)

// DerivedSpec configures a Derived table.
type DerivedSpec[K comparable, V any] struct {
	// Compute derives the value of |key|. It must be pure: reads of other
	// tables performed through |ctx| are recorded as dependencies of the
	// memo, and any other influence on the result must be declared via
	// ReportUntracked. Compute is required.
	Compute func(ctx context.Context, key K) (V, error)
	// Capacity, if > 0, bounds the number of values the table retains.
	// Values beyond it are discarded least-recently-fetched first; their
	// revision metadata survives, and a later fetch recomputes the value.
	Capacity int
	// Equals compares produced values for backdating. If nil and V is a
	// comparable type, == is used; otherwise recomputed values are never
	// backdated.
	Equals func(a, b V) bool
	// Recover, if non-nil, supplies a fallback value when |key|
	// participates in a dependency cycle, instead of failing the fetch.
	// The resulting memo is recomputed on the very next revision.
	Recover func(ctx context.Context, key K, cycle []QueryKey) V
}

// Derived is a table of memoized results of a pure computation, keyed by K.
// A fetch returns the memoized value when it is provably unaffected by
// writes since it was last verified, and otherwise recomputes it, with
// concurrent fetches of one key sharing a single computation.
type Derived[K comparable, V any] struct {
	rt     *Runtime
	name   string
	spec   DerivedSpec[K, V]
	equals func(a, b V) bool

	mu      sync.RWMutex
	slots   map[K]*slot[V]
	evictor *evictor[K]
}

// slot holds the single-flight state and memo of one key.
type slot[V any] struct {
	mu sync.Mutex

	// When inProgress, |leader| is computing or verifying the key, and
	// joined fetches wait on |waiters|. A retained |memo| from an earlier
	// revision remains available for verification and backdating.
	inProgress bool
	leader     uint64
	waiters    []*async.Promise[waitOutcome[V]]

	hasMemo bool
	memo    memo[V]
}

// memo is a cached derived result plus its validity metadata.
type memo[V any] struct {
	value    V
	hasValue bool // False once the value is discarded by eviction.

	changedAt  Revision
	verifiedAt Revision
	durability Durability

	// deps are the dependencies read during computation, in order.
	deps []depRecord
	// depsUnknown marks a memo which must not be reused across revisions:
	// it was cycle-recovered, observed an untracked read, or was
	// force-invalidated.
	depsUnknown bool
}

// stamp is the result of a fetch: a value (when requested and available)
// plus the revision metadata a dependent records.
type stamp[V any] struct {
	value      V
	hasValue   bool
	changedAt  Revision
	durability Durability
}

// waitOutcome is delivered to single-flight waiters when their leader
// completes or fails.
type waitOutcome[V any] struct {
	stamp[V]
	err error
}

// NewDerived returns a new Derived table registered with |rt| under |name|.
func NewDerived[K comparable, V any](rt *Runtime, name string, spec DerivedSpec[K, V]) *Derived[K, V] {
	if spec.Compute == nil {
		log.WithField("table", name).Panic("DerivedSpec.Compute is required")
	}
	var d = &Derived[K, V]{
		rt:     rt,
		name:   name,
		spec:   spec,
		slots:  make(map[K]*slot[V]),
		equals: spec.Equals,
	}
	if d.equals == nil && reflect.TypeOf((*V)(nil)).Elem().Comparable() {
		d.equals = func(a, b V) bool { return any(a) == any(b) }
	}
	if spec.Capacity > 0 {
		d.evictor = newEvictor[K](spec.Capacity, d.discardValue)
	}
	rt.register(name, d)
	return d
}

// Name returns the table name.
func (d *Derived[K, V]) Name() string { return d.name }

// Fetch returns the value of |key|, recomputing it only if a dependency
// changed since it was last verified, and records the read as a dependency
// of the computation active on |ctx| (if any).
func (d *Derived[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var e = execForFetch(ctx, d.rt)
	var st, err = d.fetchWith(ctx, e, key, true)
	if err != nil {
		var zero V
		return zero, err
	}
	e.reportRead(QueryKey{Table: d, Arg: key}, st.durability, st.changedAt)
	return st.value, nil
}

// Invalidate re-stamps |key|'s changed-at to a new revision without altering
// its memoized value, simulating an externally-observed change at durability
// |d|. The memo is additionally marked for recomputation in the next
// revision. A no-op if the key was never computed.
func (d *Derived[K, V]) Invalidate(key K, durability Durability) {
	d.rt.Write(func(b *Batch) {
		b.stage(func(rev Revision) (Durability, bool) {
			var sl = d.slot(key)
			sl.mu.Lock()
			defer sl.mu.Unlock()

			if !sl.hasMemo {
				return 0, false
			}
			sl.memo.changedAt = rev
			sl.memo.verifiedAt = rev
			sl.memo.depsUnknown = true
			return maxDurability(sl.memo.durability, durability), true
		})
	})
}

func (d *Derived[K, V]) maybeChangedSince(ctx context.Context, arg any, since Revision) (bool, error) {
	var key = arg.(K)
	var rev = d.rt.Revision()

	// Cheap probes which avoid taking slot leadership.
	var sl = d.slot(key)
	sl.mu.Lock()
	if !sl.inProgress && sl.hasMemo {
		var m = &sl.memo
		if m.verifiedAt == rev {
			defer sl.mu.Unlock()
			return m.changedAt > since, nil
		}
		if !m.depsUnknown && d.rt.lastChanged(m.durability) <= m.verifiedAt {
			m.verifiedAt = rev
			defer sl.mu.Unlock()
			return m.changedAt > since, nil
		}
	}
	sl.mu.Unlock()

	// Verify (and recompute if needed) through the full fetch path, then
	// compare the verified changed-at. Backdating makes this exact: an
	// unchanged recomputed value retains its prior changed-at.
	var e = execForFetch(ctx, d.rt)
	var st, err = d.fetchWith(ctx, e, key, false)
	if err != nil {
		return true, err
	}
	return st.changedAt > since, nil
}

// slot returns the slot of |key|, creating it if needed.
func (d *Derived[K, V]) slot(key K) *slot[V] {
	d.mu.RLock()
	var sl, ok = d.slots[key]
	d.mu.RUnlock()
	if ok {
		return sl
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if sl, ok = d.slots[key]; !ok {
		sl = new(slot[V])
		d.slots[key] = sl
	}
	return sl
}

// fetchWith drives a fetch of |key| under execution context |e|. When
// |wantValue| is false the caller needs only revision metadata, and an
// evicted value whose dependencies verify clean is not recomputed.
func (d *Derived[K, V]) fetchWith(ctx context.Context, e *exec, key K, wantValue bool) (stamp[V], error) {
	var qk = QueryKey{Table: d, Arg: key}

	for {
		var rev = d.rt.Revision()
		if err := d.rt.checkpoint(qk, rev); err != nil {
			return stamp[V]{}, err
		}

		var sl = d.slot(key)
		sl.mu.Lock()

		if sl.inProgress {
			if sl.leader == e.id {
				// The fetch reached a computation this context already
				// leads: a cycle confined to one execution context.
				sl.mu.Unlock()
				return stamp[V]{}, d.cycleError(qk, e.cycleFrom(qk))
			}
			var leader = sl.leader
			var p = async.NewPromise[waitOutcome[V]]()
			sl.waiters = append(sl.waiters, p)
			sl.mu.Unlock()

			var out, err = d.awaitLeader(ctx, e, qk, leader, p, rev)
			if err != nil {
				return stamp[V]{}, err
			}
			if wantValue && !out.hasValue {
				continue // Leader verified metadata only; retry for the value.
			}
			return out.stamp, nil
		}

		// Shallow check: a memo verified at the current revision is valid.
		if sl.hasMemo && sl.memo.verifiedAt == rev && (sl.memo.hasValue || !wantValue) {
			var st = sl.memo.stamp()
			sl.mu.Unlock()
			if wantValue {
				d.touch(key)
			}
			addTrace(ctx, "fetch(%s) => hit at %s", qk, rev)
			return st, nil
		}

		// Take single-flight leadership.
		sl.inProgress = true
		sl.leader = e.id
		var prior, hasPrior = sl.memo, sl.hasMemo
		sl.mu.Unlock()

		return d.lead(ctx, e, sl, qk, key, rev, prior, hasPrior, wantValue)
	}
}

// awaitLeader blocks on an in-progress computation of |qk| led by another
// execution context, after linking the wait into the cycle-detection graph.
func (d *Derived[K, V]) awaitLeader(ctx context.Context, e *exec, qk QueryKey,
	leader uint64, p *async.Promise[waitOutcome[V]], rev Revision) (waitOutcome[V], error) {

	if ok, cycle := d.rt.waits.tryBlock(e.id, leader, qk, e.path()); !ok {
		return waitOutcome[V]{}, d.cycleError(qk, cycle)
	}
	d.rt.event(Event{Kind: WillBlock, Key: qk, Revision: rev})
	addTrace(ctx, "fetch(%s) => blocked on in-progress computation", qk)

	var out, err = p.WaitContext(ctx)
	d.rt.waits.unblockFrom(e.id, qk)
	if err != nil {
		// Abandoned wait; the leader continues for remaining waiters.
		return waitOutcome[V]{}, err
	}
	if out.err != nil {
		return waitOutcome[V]{}, out.err
	}
	return out, nil
}

// lead verifies and, if needed, recomputes |key| as single-flight leader,
// then releases leadership, waking all waiters with the outcome.
func (d *Derived[K, V]) lead(ctx context.Context, e *exec, sl *slot[V], qk QueryKey,
	key K, rev Revision, prior memo[V], hasPrior, wantValue bool) (stamp[V], error) {

	// Verification: attempt to prove the retained memo still valid.
	var verified bool
	if hasPrior && !prior.depsUnknown {
		if prior.verifiedAt == rev {
			verified = true // Already verified this revision (value evicted).
		} else {
			var ok, err = d.validateDeps(withExec(ctx, e), prior, rev)
			if err != nil {
				d.abort(sl, qk, rev, err)
				return stamp[V]{}, err
			}
			verified = ok
		}
	}
	if verified && (prior.hasValue || !wantValue) {
		sl.mu.Lock()
		if err := d.rt.checkpoint(qk, rev); err != nil {
			sl.mu.Unlock()
			d.abort(sl, qk, rev, err)
			return stamp[V]{}, err
		}
		sl.memo.verifiedAt = rev
		var st = sl.memo.stamp()
		d.release(sl, qk, waitOutcome[V]{stamp: st})
		d.rt.event(Event{Kind: DidValidate, Key: qk, Revision: rev})
		addTrace(ctx, "fetch(%s) => validated at %s (changed at %s)", qk, rev, st.changedAt)
		if wantValue {
			d.touch(key)
		}
		return st, nil
	}

	// Execution.
	d.rt.event(Event{Kind: WillExecute, Key: qk, Revision: rev})
	var fid = e.pushFrame(qk)
	var value, err = d.spec.Compute(withExec(ctx, e), key)
	var res = e.popFrame(fid)

	if err != nil {
		if cyc, ok := IsCycle(err); ok && d.spec.Recover != nil && cyc.Has(qk) {
			value = d.spec.Recover(ctx, key, cyc.Cycle)
			res = frameResult{durability: Low, changedAt: rev, untracked: true}
			err = nil
		} else {
			d.abort(sl, qk, rev, err)
			return stamp[V]{}, err
		}
	}
	if res.untracked {
		res.durability = Low
		res.changedAt = rev
	}

	// Storage, with backdating when the value provably did not change.
	sl.mu.Lock()
	if err := d.rt.checkpoint(qk, rev); err != nil {
		sl.mu.Unlock()
		d.abort(sl, qk, rev, err)
		return stamp[V]{}, err
	}

	var backdated bool
	switch {
	case verified:
		// Dependencies were proven unchanged; only the evicted value was
		// recomputed. The value is necessarily equal to the prior one.
		res.changedAt = prior.changedAt
		backdated = true
	case hasPrior && prior.hasValue && d.equals != nil &&
		res.durability >= prior.durability && d.equals(value, prior.value):
		res.changedAt = prior.changedAt
		backdated = true
	}

	sl.memo = memo[V]{
		value:       value,
		hasValue:    true,
		changedAt:   res.changedAt,
		verifiedAt:  rev,
		durability:  res.durability,
		deps:        res.deps,
		depsUnknown: res.untracked,
	}
	sl.hasMemo = true
	var st = sl.memo.stamp()
	d.release(sl, qk, waitOutcome[V]{stamp: st})

	d.rt.event(Event{Kind: DidRecompute, Key: qk, Revision: rev})
	if backdated {
		d.rt.event(Event{Kind: DidBackdate, Key: qk, Revision: rev})
	}
	addTrace(ctx, "fetch(%s) => recomputed at %s (changed at %s, backdated %t)",
		qk, rev, st.changedAt, backdated)

	d.stored(key, res.untracked)
	return st, nil
}

// validateDeps performs the deep check of a memo: the durability shortcut,
// then a walk of recorded dependencies in read order. It returns whether the
// memo is proven valid as of |rev|.
func (d *Derived[K, V]) validateDeps(ctx context.Context, m memo[V], rev Revision) (bool, error) {
	if d.rt.lastChanged(m.durability) <= m.verifiedAt {
		return true, nil
	}
	for _, dep := range m.deps {
		var changed, err = dep.key.Table.maybeChangedSince(ctx, dep.key.Arg, m.verifiedAt)
		if err != nil {
			if IsCanceled(err) {
				return false, err
			}
			// The dependency failed to verify or recompute. Treat the memo
			// as invalid: recomputation will surface the root cause.
			return false, nil
		}
		if changed {
			return false, nil
		}
	}
	return true, nil
}

// release ends leadership of |sl| under its lock (which must be held),
// waking all waiters with |out|.
func (d *Derived[K, V]) release(sl *slot[V], qk QueryKey, out waitOutcome[V]) {
	sl.inProgress = false
	var waiters = sl.waiters
	sl.waiters = nil
	sl.mu.Unlock()

	d.rt.waits.unblock(qk)
	for _, w := range waiters {
		w.Resolve(out)
	}
}

// abort ends leadership after a failed computation, retaining any prior
// memo, and delivers |err| to waiters as a PoisonedError.
func (d *Derived[K, V]) abort(sl *slot[V], qk QueryKey, rev Revision, err error) {
	sl.mu.Lock()
	sl.inProgress = false
	var waiters = sl.waiters
	sl.waiters = nil
	sl.mu.Unlock()

	d.rt.waits.unblock(qk)
	if len(waiters) == 0 {
		return
	}
	var poisoned = PoisonedError{Key: qk, Err: err}
	for _, w := range waiters {
		w.Resolve(waitOutcome[V]{err: poisoned})
	}
	log.WithFields(log.Fields{"key": qk.String(), "err": err}).
		Debug("poisoned single-flight waiters")
	d.rt.event(Event{Kind: DidPoison, Key: qk, Revision: rev})
}

// cycleError builds the CycleError of a detected cycle.
func (d *Derived[K, V]) cycleError(qk QueryKey, cycle []QueryKey) error {
	var err = CycleError{Cycle: cycle}
	log.WithFields(log.Fields{"key": qk.String(), "cycle": err.Error()}).
		Warn("detected dependency cycle")
	metrics.CyclesTotal.Inc()
	return err
}

// touch bumps fetch recency of |key| in a capacity-bounded table.
func (d *Derived[K, V]) touch(key K) {
	if d.evictor != nil {
		d.evictor.touch(key)
	}
}

// stored records that |key| now holds a value, evicting beyond capacity.
// Memos with unknown dependencies are never evicted: recomputing one within
// the same revision could observably change results.
func (d *Derived[K, V]) stored(key K, depsUnknown bool) {
	if d.evictor != nil && !depsUnknown {
		d.evictor.add(key)
	}
}

// discardValue drops the value (only) of |key|'s memo if it is eligible:
// not in progress, and with fully-known dependencies. Revision metadata
// survives, so dependents still verify cheaply and a later fetch recomputes
// an equivalent memo.
func (d *Derived[K, V]) discardValue(key K) bool {
	var sl = d.slot(key)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.inProgress || !sl.hasMemo || !sl.memo.hasValue || sl.memo.depsUnknown {
		return false
	}
	var zero V
	sl.memo.value = zero
	sl.memo.hasValue = false

	var qk = QueryKey{Table: d, Arg: key}
	log.WithField("key", qk.String()).Debug("evicted memoized value")
	d.rt.event(Event{Kind: DidEvict, Key: qk, Revision: d.rt.Revision()})
	return true
}

func (m *memo[V]) stamp() stamp[V] {
	return stamp[V]{
		value:      m.value,
		hasValue:   m.hasValue,
		changedAt:  m.changedAt,
		durability: m.durability,
	}
}

// addTrace adds a LazyPrintf to a trace.Trace bound to |ctx|, if one exists.
func addTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}
