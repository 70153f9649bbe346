package facts

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Symbol is a dense, comparable identifier assigned to an interned key.
type Symbol uint32

// Interner is a table assigning stable Symbols to keys. Interning the same
// key always yields the same Symbol, and Lookup inverts it. Both directions
// record a High-durability dependency stamped with the revision at which the
// key was first interned, so memos over interned data verify cheaply.
// Interning does not advance the revision: assigning a fresh Symbol is not
// an observable change to any previously-computed fact.
type Interner[K comparable] struct {
	rt   *Runtime
	name string

	mu      sync.RWMutex
	symbols map[K]Symbol
	entries []internEntry[K] // Indexed by Symbol.
}

type internEntry[K comparable] struct {
	key        K
	internedAt Revision
}

// NewInterner returns a new Interner registered with |rt| under |name|.
func NewInterner[K comparable](rt *Runtime, name string) *Interner[K] {
	var it = &Interner[K]{
		rt:      rt,
		name:    name,
		symbols: make(map[K]Symbol),
	}
	rt.register(name, it)
	return it
}

// Name returns the table name.
func (it *Interner[K]) Name() string { return it.name }

// Intern returns the Symbol of |key|, assigning one if the key was never
// interned, and records the read against the computation active on |ctx|.
func (it *Interner[K]) Intern(ctx context.Context, key K) Symbol {
	it.mu.RLock()
	var sym, ok = it.symbols[key]
	it.mu.RUnlock()

	if !ok {
		it.mu.Lock()
		if sym, ok = it.symbols[key]; !ok {
			sym = Symbol(len(it.entries))
			it.symbols[key] = sym
			it.entries = append(it.entries, internEntry[K]{
				key:        key,
				internedAt: it.rt.Revision(),
			})
		}
		it.mu.Unlock()
	}

	if e, hasExec := execFromContext(ctx); hasExec {
		it.mu.RLock()
		var internedAt = it.entries[sym].internedAt
		it.mu.RUnlock()
		e.reportRead(QueryKey{Table: it, Arg: key}, High, internedAt)
	}
	return sym
}

// Lookup returns the key interned as |sym|, recording the read against the
// computation active on |ctx|. It fails if |sym| was never assigned.
func (it *Interner[K]) Lookup(ctx context.Context, sym Symbol) (K, error) {
	it.mu.RLock()
	defer it.mu.RUnlock()

	if int(sym) >= len(it.entries) {
		var zero K
		return zero, errors.Errorf("%s: symbol %d was never interned", it.name, sym)
	}
	var ent = it.entries[sym]
	if e, hasExec := execFromContext(ctx); hasExec {
		e.reportRead(QueryKey{Table: it, Arg: ent.key}, High, ent.internedAt)
	}
	return ent.key, nil
}

func (it *Interner[K]) maybeChangedSince(_ context.Context, arg any, since Revision) (bool, error) {
	it.mu.RLock()
	defer it.mu.RUnlock()

	var sym, ok = it.symbols[arg.(K)]
	if !ok {
		return true, nil // Not interned; cannot have been a recorded read.
	}
	return it.entries[sym].internedAt > since, nil
}
