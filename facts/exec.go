package facts

import (
	"context"
	"sync"
)

// exec is one execution context: a top-level fetch and the chain of nested
// computations it drives. Frames live in an arena indexed by id, with the
// active chain tracked as a stack of indices, so that frames never hold
// references back into the exec. An exec rides on the context.Context given
// to compute functions; reads performed there are recorded against its
// topmost frame.
type exec struct {
	rt *Runtime
	id uint64

	mu     sync.Mutex
	frames []frame
	stack  []int // Indices into frames, bottom to top.
}

// frame is one in-progress computation: the key being computed and the
// dependencies observed so far.
type frame struct {
	key QueryKey

	// durability is the minimum observed among dependencies (High if none).
	durability Durability
	// changedAt is the maximum changed-at among dependencies.
	changedAt Revision
	// deps are the observed dependencies, in first-read order.
	deps   []depRecord
	depSet map[QueryKey]struct{}
	// untracked marks that a read outside the engine's knowledge occurred:
	// the resulting memo can never be reused in a later revision.
	untracked bool
}

// frameResult is the outcome of a completed frame.
type frameResult struct {
	durability Durability
	changedAt  Revision
	deps       []depRecord
	untracked  bool
}

type execContextKey struct{}

func withExec(ctx context.Context, e *exec) context.Context {
	return context.WithValue(ctx, execContextKey{}, e)
}

func execFromContext(ctx context.Context) (*exec, bool) {
	var e, ok = ctx.Value(execContextKey{}).(*exec)
	return e, ok
}

// execForFetch returns the execution context carried by |ctx|, or a new one
// rooting a fresh top-level fetch.
func execForFetch(ctx context.Context, rt *Runtime) *exec {
	if e, ok := execFromContext(ctx); ok {
		return e
	}
	return newExec(rt)
}

func newExec(rt *Runtime) *exec {
	return &exec{rt: rt, id: rt.nextExecID.Add(1)}
}

// pushFrame begins a computation of |key|, returning its frame id.
func (e *exec) pushFrame(key QueryKey) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var id = len(e.frames)
	e.frames = append(e.frames, frame{
		key:        key,
		durability: High,
		changedAt:  initialRevision,
		depSet:     make(map[QueryKey]struct{}),
	})
	e.stack = append(e.stack, id)
	return id
}

// popFrame completes the frame |id|, which must be topmost, and returns its
// recorded dependency set and aggregates.
func (e *exec) popFrame(id int) frameResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.stack) == 0 || e.stack[len(e.stack)-1] != id {
		panic("popFrame of a frame which is not topmost")
	}
	e.stack = e.stack[:len(e.stack)-1]

	var f = &e.frames[id]
	return frameResult{
		durability: f.durability,
		changedAt:  f.changedAt,
		deps:       f.deps,
		untracked:  f.untracked,
	}
}

// reportRead records a dependency read against the topmost frame. It has no
// effect if no frame is active (a top-level fetch). reportRead is safe for
// concurrent use, as compute functions may fan out reads via FetchAsync.
func (e *exec) reportRead(key QueryKey, d Durability, changedAt Revision) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.stack) == 0 {
		return
	}
	var f = &e.frames[e.stack[len(e.stack)-1]]

	if _, ok := f.depSet[key]; !ok {
		f.depSet[key] = struct{}{}
		f.deps = append(f.deps, depRecord{key: key, changedAt: changedAt})
	}
	f.durability = minDurability(f.durability, d)
	f.changedAt = maxRevision(f.changedAt, changedAt)
}

// reportUntracked marks the topmost frame as depending on state unknown to
// the engine, pinning its memo to the current revision.
func (e *exec) reportUntracked(rev Revision) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.stack) == 0 {
		return
	}
	var f = &e.frames[e.stack[len(e.stack)-1]]
	f.untracked = true
	f.durability = Low
	f.changedAt = maxRevision(f.changedAt, rev)
}

// path returns the keys of the active frame chain, bottom to top.
func (e *exec) path() []QueryKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeKeysLocked()
}

func (e *exec) activeKeysLocked() []QueryKey {
	var keys = make([]QueryKey, 0, len(e.stack))
	for _, id := range e.stack {
		keys = append(keys, e.frames[id].key)
	}
	return keys
}

// cycleFrom returns the active chain from the first frame computing |key|
// through the top, closed by |key| itself: the participants of a cycle
// detected when a fetch of |key| reached a computation this exec leads.
func (e *exec) cycleFrom(key QueryKey) []QueryKey {
	e.mu.Lock()
	defer e.mu.Unlock()

	var start = -1
	for i, id := range e.stack {
		if e.frames[id].key == key {
			start = i
			break
		}
	}
	if start == -1 {
		// The fetch which closed the cycle runs outside any frame (eg, a
		// dependency walk during verification); the repeated key is still
		// the sole known participant.
		return append(e.activeKeysLocked(), key)
	}
	var keys = make([]QueryKey, 0, len(e.stack)-start)
	for _, id := range e.stack[start:] {
		keys = append(keys, e.frames[id].key)
	}
	return keys
}

// ReportUntracked marks the computation active on |ctx| as depending on
// state outside the engine's knowledge (eg, an un-memoized read of the
// environment). Its memo is recomputed in the next revision regardless of
// recorded dependencies. ReportUntracked outside a computation is a no-op.
func ReportUntracked(ctx context.Context) {
	if e, ok := execFromContext(ctx); ok {
		e.reportUntracked(e.rt.Revision())
	}
}
