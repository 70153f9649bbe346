package facts

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.errata.dev/core/metrics"
)

// RuntimeSpec configures a Runtime.
type RuntimeSpec struct {
	// OnEvent, if non-nil, is invoked synchronously with each lifecycle
	// Event of the Runtime. Handlers must be cheap, must not block, and
	// must not fetch through the Runtime.
	OnEvent func(Event)
}

// Runtime is the shared coordination context of a fact base: it owns the
// revision clock, the exclusive-write protocol and its cancellation flag,
// the registry of query tables, and the cross-context wait graph used for
// cycle detection. All tables of one fact base share a single Runtime.
//
// Any number of fetches may execute concurrently. Writes are mutually
// exclusive with each other but not with fetches: a fetch in flight when a
// write begins observes the pending write at its next checkpoint and aborts
// with ErrCanceled, while fetches which already completed remain valid.
type Runtime struct {
	spec RuntimeSpec

	// revisions[0] is the current revision of the fact base. For each
	// higher durability d, revisions[d] is the last revision at which a
	// value of durability >= d changed; these lag the current revision and
	// let verification skip dependency walks (the durability shortcut).
	revisions [numDurabilities]atomic.Int64
	// pending is the revision a write in flight will publish. While a
	// write is applying, pending exceeds revisions[0]; fetches observing
	// this at a checkpoint abort with ErrCanceled.
	pending atomic.Int64

	writeMu    sync.Mutex // Excludes concurrent writers (only).
	waits      waitGraph
	nextExecID atomic.Uint64

	tablesMu sync.Mutex
	tables   map[string]Table
}

// NewRuntime returns a new Runtime at the initial revision, with no tables.
func NewRuntime(spec RuntimeSpec) *Runtime {
	var rt = &Runtime{
		spec:   spec,
		tables: make(map[string]Table),
	}
	for d := range rt.revisions {
		rt.revisions[d].Store(int64(initialRevision))
	}
	rt.pending.Store(int64(initialRevision))
	rt.waits.init()
	return rt
}

// Revision returns the current revision of the fact base. It is
// non-decreasing, and strictly increases exactly once per completed write.
func (rt *Runtime) Revision() Revision {
	return Revision(rt.revisions[0].Load())
}

// lastChanged returns the last revision at which any value of durability
// >= |d| may have changed. For Low this is simply the current revision.
func (rt *Runtime) lastChanged(d Durability) Revision {
	return Revision(rt.revisions[d].Load())
}

// pendingRevision returns the revision a write in flight will publish, or
// the current revision if no write is pending.
func (rt *Runtime) pendingRevision() Revision {
	return Revision(rt.pending.Load())
}

// checkpoint returns ErrCanceled if a write begun after |rev| is pending or
// has since completed. Fetch paths call it before starting new work, so that
// a writer is never delayed by freshly-started reads and a reader can never
// act on a torn view of an edit.
func (rt *Runtime) checkpoint(key QueryKey, rev Revision) error {
	if rt.pendingRevision() > rev {
		return rt.cancelFetch(key, rev)
	}
	return nil
}

// cancelFetch records the cancellation of a fetch of |key| at |rev|. It is
// the sole emission point of DidCancel: each aborted fetch is counted once.
func (rt *Runtime) cancelFetch(key QueryKey, rev Revision) error {
	rt.event(Event{Kind: DidCancel, Key: key, Revision: rev})
	return ErrCanceled
}

// A Batch stages input edits to be applied atomically by Runtime.Write.
type Batch struct {
	rt  *Runtime
	ops []stagedOp
}

// stagedOp applies one staged edit at the write's new revision. It returns
// the durability at which a pre-existing (or defaulted) value was modified,
// and whether one was: first writes of unset, default-less keys cannot have
// been observed by any memo and do not advance durability marks.
type stagedOp func(rev Revision) (Durability, bool)

func (b *Batch) stage(op stagedOp) { b.ops = append(b.ops, op) }

// Write acquires sole writer access, invokes |edit| to stage edits on the
// Batch, and applies them all at a single new revision. Applying sets the
// pending-write flag first, so that every in-flight fetch either completed
// before the write or aborts with ErrCanceled: no fetch ever observes a
// revision between the pre- and post-write values, or a partially-applied
// edit. Write must not be called from within a compute function.
func (rt *Runtime) Write(edit func(*Batch)) Revision {
	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()

	var b = Batch{rt: rt}
	edit(&b)

	var next = rt.Revision() + 1
	rt.pending.Store(int64(next))

	for _, op := range b.ops {
		if d, modified := op(next); modified {
			// Durability marks are raised before the new revision is
			// published: a racing fetch may observe a mark ahead of the
			// current revision, which only ever disables the shortcut.
			for i := Medium; i <= d; i++ {
				rt.revisions[i].Store(int64(next))
			}
		}
	}
	rt.revisions[0].Store(int64(next))

	log.WithFields(log.Fields{"revision": next, "ops": len(b.ops)}).
		Debug("applied write")
	rt.event(Event{Kind: DidWrite, Revision: next})
	return next
}

// SyntheticWrite advances the revision and the durability marks through |d|
// without editing any table, simulating an externally-observed change of
// that durability. Like any write, it cancels in-flight fetches.
func (rt *Runtime) SyntheticWrite(d Durability) Revision {
	return rt.Write(func(b *Batch) {
		b.stage(func(Revision) (Durability, bool) { return d, true })
	})
}

// register installs |t| under |name|, which must be unique in the Runtime.
func (rt *Runtime) register(name string, t Table) {
	rt.tablesMu.Lock()
	defer rt.tablesMu.Unlock()

	if _, ok := rt.tables[name]; ok {
		log.WithField("table", name).Panic("table name is already registered")
	}
	rt.tables[name] = t
}

func (rt *Runtime) event(ev Event) {
	switch ev.Kind {
	case WillExecute:
		metrics.ExecutionsTotal.WithLabelValues(ev.Key.Table.Name()).Inc()
	case WillBlock:
		metrics.BlockedFetchesTotal.Inc()
	case DidValidate:
		metrics.ValidationsTotal.WithLabelValues(ev.Key.Table.Name()).Inc()
	case DidBackdate:
		metrics.BackdatesTotal.Inc()
	case DidEvict:
		metrics.EvictionsTotal.Inc()
	case DidCancel:
		metrics.CancellationsTotal.Inc()
	case DidPoison:
		metrics.PoisonedFetchesTotal.Inc()
	case DidWrite:
		metrics.WritesTotal.Inc()
		metrics.CurrentRevision.Set(float64(ev.Revision))
	}
	if rt.spec.OnEvent != nil {
		rt.spec.OnEvent(ev)
	}
}
