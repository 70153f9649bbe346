package facts

import "sync"

// waitGraph tracks which execution contexts are blocked on computations led
// by other contexts. Its edges must remain acyclic: an edge which would
// close a loop is refused, which is how cycles spanning multiple goroutines
// are detected (a cycle confined to one context never reaches the graph, as
// a context cannot block on itself).
type waitGraph struct {
	mu    sync.Mutex
	edges map[uint64][]waitEdge
}

// waitEdge records that its owning exec blocks on |to|, awaiting |label|.
// |path| is the owner's active frame chain at the time it blocked, used to
// reconstruct cycle participants.
type waitEdge struct {
	to    uint64
	label QueryKey
	path  []QueryKey
}

func (g *waitGraph) init() {
	g.edges = make(map[uint64][]waitEdge)
}

// tryBlock attempts to record that exec |from|, with active chain |path|,
// blocks on exec |to| awaiting |label|. If the edge would close a loop it is
// refused, and the participant keys of the resulting cycle are returned.
func (g *waitGraph) tryBlock(from, to uint64, label QueryKey, path []QueryKey) (ok bool, cycle []QueryKey) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if chain := g.findChain(to, from); chain != nil {
		return false, assembleCycle(label, path, chain)
	}
	g.edges[from] = append(g.edges[from], waitEdge{to: to, label: label, path: path})
	return true, nil
}

// unblock removes every edge awaiting |label|, called by the leader of
// |label| once its computation completes or aborts.
func (g *waitGraph) unblock(label QueryKey) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for from, edges := range g.edges {
		var kept = edges[:0]
		for _, e := range edges {
			if e.label != label {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(g.edges, from)
		} else {
			g.edges[from] = kept
		}
	}
}

// unblockFrom removes the edge of |from| awaiting |label|, called by a
// waiter abandoning its wait before the leader completes.
func (g *waitGraph) unblockFrom(from uint64, label QueryKey) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var kept = g.edges[from][:0]
	for _, e := range g.edges[from] {
		if e.label != label {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(g.edges, from)
	} else {
		g.edges[from] = kept
	}
}

// findChain returns a sequence of edges leading from exec |from| to exec
// |to|, or nil if |to| is unreachable.
func (g *waitGraph) findChain(from, to uint64) []waitEdge {
	if from == to {
		return []waitEdge{}
	}
	for _, e := range g.edges[from] {
		if e.to == to {
			return []waitEdge{e}
		}
		if chain := g.findChain(e.to, to); chain != nil {
			return append([]waitEdge{e}, chain...)
		}
	}
	return nil
}

// assembleCycle reconstructs cycle participants from a refused edge awaiting
// |label|, the refusing waiter's local |path|, and the |chain| of edges
// linking the label's leader back to the waiter. Each hop contributes its
// recorded frame chain from the point it entered the cycle onward.
func assembleCycle(label QueryKey, path []QueryKey, chain []waitEdge) []QueryKey {
	var keys []QueryKey
	var seen = make(map[QueryKey]struct{})
	var add = func(k QueryKey) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	var cur = label
	for _, e := range chain {
		for _, k := range segmentFrom(e.path, cur) {
			add(k)
		}
		cur = e.label
	}
	for _, k := range segmentFrom(path, cur) {
		add(k)
	}
	add(label)
	return keys
}

// segmentFrom returns |path| from the first occurrence of |key| onward, or
// all of |path| if |key| does not appear.
func segmentFrom(path []QueryKey, key QueryKey) []QueryKey {
	for i, k := range path {
		if k == key {
			return path[i:]
		}
	}
	return path
}
