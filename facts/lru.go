package facts

import (
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
)

// evictor bounds the number of memoized values a Derived table retains,
// tracking fetch recency of value-holding keys and discarding beyond
// capacity, least-recently-fetched first and insertion order as tiebreak.
// Eviction is purely a memory/performance matter: discarding a value never
// changes observable results, only recomputation cost.
type evictor[K comparable] struct {
	capacity int
	// discard drops the value of a key if it is eligible (the owning table
	// knows about active computations and unknown-dependency memos).
	discard func(key K) bool

	mu      sync.Mutex
	recency *simplelru.LRU
}

func newEvictor[K comparable](capacity int, discard func(key K) bool) *evictor[K] {
	// The LRU tracks recency order only; trimming is driven explicitly so
	// that ineligible entries are skipped rather than force-evicted.
	var recency, err = simplelru.NewLRU(int(^uint(0)>>1), nil)
	if err != nil {
		panic(err) // Not reached: size is positive.
	}
	return &evictor[K]{capacity: capacity, discard: discard, recency: recency}
}

// touch bumps the recency of |key|.
func (ev *evictor[K]) touch(key K) {
	ev.mu.Lock()
	ev.recency.Get(key)
	ev.mu.Unlock()
}

// add records that |key| holds a memoized value, then discards values of the
// oldest eligible keys until within capacity. Keys which cannot currently be
// discarded are skipped; the table may briefly exceed capacity while every
// candidate is in use.
func (ev *evictor[K]) add(key K) {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	ev.recency.Add(key, nil)
	if ev.recency.Len() <= ev.capacity {
		return
	}
	// Keys() is ordered oldest to newest.
	for _, k := range ev.recency.Keys() {
		if k == interface{}(key) {
			continue // Never evict the entry being inserted.
		}
		if ev.discard(k.(K)) {
			ev.recency.Remove(k)
			if ev.recency.Len() <= ev.capacity {
				return
			}
		}
	}
}
