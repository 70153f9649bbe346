// Package factstest provides support for testing uses of the facts engine,
// chiefly by counting its lifecycle events.
package factstest

import (
	"sync"

	"go.errata.dev/core/facts"
)

// Counters tallies Runtime events by kind, and by kind and key. Wire its
// OnEvent as the RuntimeSpec.OnEvent of a Runtime under test:
//
//	var counters = factstest.NewCounters()
//	var rt = facts.NewRuntime(facts.RuntimeSpec{OnEvent: counters.OnEvent})
//
// Counters is safe for concurrent use.
type Counters struct {
	mu     sync.Mutex
	byKind map[facts.EventKind]int
	byKey  map[kindKey]int
}

type kindKey struct {
	kind facts.EventKind
	key  string
}

// NewCounters returns new, zeroed Counters.
func NewCounters() *Counters {
	return &Counters{
		byKind: make(map[facts.EventKind]int),
		byKey:  make(map[kindKey]int),
	}
}

// OnEvent tallies |ev|.
func (c *Counters) OnEvent(ev facts.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byKind[ev.Kind]++
	if ev.Key.Table != nil {
		c.byKey[kindKey{kind: ev.Kind, key: ev.Key.String()}]++
	}
}

// Of returns the number of events of |kind| observed so far.
func (c *Counters) Of(kind facts.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byKind[kind]
}

// OfKey returns the number of events of |kind| observed for the key which
// renders as |key| (eg, `sum([a b])`).
func (c *Counters) OfKey(kind facts.EventKind, key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byKey[kindKey{kind: kind, key: key}]
}

// Executions returns the number of WillExecute events observed so far,
// across all keys: the total count of derived computations actually run.
func (c *Counters) Executions() int { return c.Of(facts.WillExecute) }

// Reset zeroes all counts.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byKind = make(map[facts.EventKind]int)
	c.byKey = make(map[kindKey]int)
}
