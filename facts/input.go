package facts

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// InputSpec configures an Input table.
type InputSpec[V any] struct {
	// Durability of the table's values. Writes may override it per-key via
	// SetWithDurability. Default is Low.
	Durability Durability
	// Default, if non-nil, supplies the value of keys which were never
	// set. Defaulted reads carry the initial revision as their changed-at,
	// so memos over them verify cheaply until the key is first set.
	Default func() V
}

// Input is a table of directly-set base facts, keyed by K. Setting a key
// always advances its changed-at to the revision of the write itself,
// regardless of value equality: the caller, not the engine, decides that an
// input changed.
type Input[K comparable, V any] struct {
	rt   *Runtime
	name string
	spec InputSpec[V]

	mu      sync.RWMutex
	entries map[K]inputEntry[V]
}

type inputEntry[V any] struct {
	value      V
	durability Durability
	changedAt  Revision
}

// NewInput returns a new Input table registered with |rt| under |name|.
func NewInput[K comparable, V any](rt *Runtime, name string, spec InputSpec[V]) *Input[K, V] {
	var in = &Input[K, V]{
		rt:      rt,
		name:    name,
		spec:    spec,
		entries: make(map[K]inputEntry[V]),
	}
	rt.register(name, in)
	return in
}

// Name returns the table name.
func (in *Input[K, V]) Name() string { return in.name }

// Fetch returns the value of |key| and records the read as a dependency of
// the computation active on |ctx| (if any). It returns ErrNotSet if the key
// was never set and the table configures no default, and ErrCanceled if a
// write is pending.
func (in *Input[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var qk = QueryKey{Table: in, Arg: key}
	var rev = in.rt.Revision()

	in.mu.RLock()
	var ent, ok = in.entries[key]
	// The pending flag is read under the table lock, after the entry: a
	// fetch which raced a write and saw its edit must also see its flag.
	var pending = in.rt.pendingRevision()
	in.mu.RUnlock()

	if pending > rev {
		var zero V
		return zero, in.rt.cancelFetch(qk, rev)
	}
	if !ok {
		if in.spec.Default == nil {
			var zero V
			return zero, errors.WithMessage(ErrNotSet, qk.String())
		}
		ent = inputEntry[V]{
			value:      in.spec.Default(),
			durability: in.spec.Durability,
			changedAt:  initialRevision,
		}
	}

	if e, hasExec := execFromContext(ctx); hasExec {
		e.reportRead(qk, ent.durability, ent.changedAt)
	}
	return ent.value, nil
}

// Set stores |value| under |key| at the table's durability, in its own
// exclusive write. Equivalent to a Runtime.Write staging only this edit.
func (in *Input[K, V]) Set(key K, value V) {
	in.SetWithDurability(key, value, in.spec.Durability)
}

// SetWithDurability stores |value| under |key| at durability |d|, in its
// own exclusive write.
func (in *Input[K, V]) SetWithDurability(key K, value V, d Durability) {
	in.rt.Write(func(b *Batch) { in.StageSetWithDurability(b, key, value, d) })
}

// StageSet stages a Set of |key| onto |b|, applied with the Batch's write.
func (in *Input[K, V]) StageSet(b *Batch, key K, value V) {
	in.StageSetWithDurability(b, key, value, in.spec.Durability)
}

// StageSetWithDurability stages a SetWithDurability of |key| onto |b|.
func (in *Input[K, V]) StageSetWithDurability(b *Batch, key K, value V, d Durability) {
	b.stage(func(rev Revision) (Durability, bool) {
		in.mu.Lock()
		var prior, existed = in.entries[key]
		in.entries[key] = inputEntry[V]{value: value, durability: d, changedAt: rev}
		in.mu.Unlock()

		// A first write of an unset key modified no observable value, so
		// durability marks need not advance -- unless a default exists,
		// in which case the key was readable all along, at the table's
		// durability.
		if existed {
			return maxDurability(prior.durability, d), true
		}
		return maxDurability(in.spec.Durability, d), in.spec.Default != nil
	})
}

// Invalidate re-stamps |key|'s changed-at to a new revision without altering
// its stored value, simulating an externally-observed change at durability
// |d|. It is a no-op if the key was never set and the table has no default.
func (in *Input[K, V]) Invalidate(key K, d Durability) {
	in.rt.Write(func(b *Batch) {
		b.stage(func(rev Revision) (Durability, bool) {
			in.mu.Lock()
			defer in.mu.Unlock()

			var ent, ok = in.entries[key]
			if !ok {
				if in.spec.Default == nil {
					return 0, false
				}
				ent = inputEntry[V]{value: in.spec.Default(), durability: in.spec.Durability}
			}
			ent.changedAt = rev
			in.entries[key] = ent
			return maxDurability(ent.durability, d), true
		})
	})
}

func (in *Input[K, V]) maybeChangedSince(_ context.Context, arg any, since Revision) (bool, error) {
	in.mu.RLock()
	var ent, ok = in.entries[arg.(K)]
	in.mu.RUnlock()

	if !ok {
		if in.spec.Default != nil {
			return initialRevision > since, nil
		}
		// The key was recorded as a dependency but is gone; only possible
		// if it was never set, which a recomputation will surface.
		return true, nil
	}
	return ent.changedAt > since, nil
}

func maxDurability(a, b Durability) Durability {
	if a > b {
		return a
	}
	return b
}
