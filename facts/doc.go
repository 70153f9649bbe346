// Package facts is an engine for on-demand, incremental computation.
// Callers define pure functions ("queries") over a mutable set of base
// facts ("inputs"); the engine memoizes query results and recomputes only
// what is provably affected when inputs change, with correctness equivalent
// to full recomputation at the cost of incremental recomputation.
//
// A Runtime coordinates one fact base: its revision clock, writer
// exclusion, and cycle detection. Input tables hold directly-set facts.
// Derived tables memoize results of pure computations, record the
// dependencies each computation reads, and use them to verify memos cheaply
// after later writes -- re-stamping a memo in place when its dependencies
// are unchanged, and retaining its changed-at revision ("backdating") when
// a recomputed value is equal to the prior one, so dependents are not
// spuriously invalidated. Interner tables assign stable symbols to keys.
//
// Concurrent fetches of one key share a single computation (single-flight),
// dependency cycles are detected across goroutines, and writes cancel
// in-flight fetches at well-defined checkpoints rather than blocking on
// them. Derived tables may bound memory with a per-table LRU capacity, and
// FetchAsync offers a non-blocking handle for cooperative schedulers.
//
// A minimal use:
//
//	var rt = facts.NewRuntime(facts.RuntimeSpec{})
//	var words = facts.NewInput[string, int](rt, "words", facts.InputSpec[int]{})
//	var sum = facts.NewDerived(rt, "sum", facts.DerivedSpec[[2]string, int]{
//		Compute: func(ctx context.Context, key [2]string) (int, error) {
//			var a, err = words.Fetch(ctx, key[0])
//			if err != nil {
//				return 0, err
//			}
//			var b int
//			if b, err = words.Fetch(ctx, key[1]); err != nil {
//				return 0, err
//			}
//			return a + b, nil
//		},
//	})
//
//	words.Set("a", 1)
//	words.Set("b", 2)
//	var v, _ = sum.Fetch(context.Background(), [2]string{"a", "b"}) // => 3
package facts
