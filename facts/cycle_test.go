package facts_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"go.errata.dev/core/facts"
	"go.errata.dev/core/factstest"
)

func TestSelfCycleIsDetected(t *testing.T) {
	var rt = facts.NewRuntime(facts.RuntimeSpec{})
	var ctx = context.Background()

	var loop *facts.Derived[string, int]
	loop = facts.NewDerived(rt, "loop", facts.DerivedSpec[string, int]{
		Compute: func(ctx context.Context, key string) (int, error) {
			return loop.Fetch(ctx, key)
		},
	})

	var _, err = loop.Fetch(ctx, "x")
	var cyc, ok = facts.IsCycle(err)
	require.True(t, ok)
	require.True(t, cyc.Has(facts.QueryKey{Table: loop, Arg: "x"}))
}

func TestIndirectCycleIsDetected(t *testing.T) {
	var rt = facts.NewRuntime(facts.RuntimeSpec{})
	var ctx = context.Background()

	var a, b *facts.Derived[string, int]
	a = facts.NewDerived(rt, "a", facts.DerivedSpec[string, int]{
		Compute: func(ctx context.Context, key string) (int, error) {
			return b.Fetch(ctx, key)
		},
	})
	b = facts.NewDerived(rt, "b", facts.DerivedSpec[string, int]{
		Compute: func(ctx context.Context, key string) (int, error) {
			return a.Fetch(ctx, key)
		},
	})

	var _, err = a.Fetch(ctx, "x")
	var cyc, ok = facts.IsCycle(err)
	require.True(t, ok)
	require.True(t, cyc.Has(facts.QueryKey{Table: a, Arg: "x"}))
	require.True(t, cyc.Has(facts.QueryKey{Table: b, Arg: "x"}))

	// Case: the failure does not poison the keys; a fetch of an acyclic
	// key of the same tables still fails identically (nothing was cached).
	_, err = a.Fetch(ctx, "x")
	_, ok = facts.IsCycle(err)
	require.True(t, ok)
}

func TestCycleRecovery(t *testing.T) {
	var counters = factstest.NewCounters()
	var rt = facts.NewRuntime(facts.RuntimeSpec{OnEvent: counters.OnEvent})
	var ctx = context.Background()

	var loop *facts.Derived[string, int]
	loop = facts.NewDerived(rt, "loop", facts.DerivedSpec[string, int]{
		Compute: func(ctx context.Context, key string) (int, error) {
			var v, err = loop.Fetch(ctx, key)
			return v + 1, err
		},
		Recover: func(ctx context.Context, key string, cycle []facts.QueryKey) int {
			return -1
		},
	})

	// Case: the recovery function supplies the fallback value.
	var v, err = loop.Fetch(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, -1, v)
	require.Equal(t, 1, counters.Executions())

	// Case: within the same revision the recovered memo is served.
	v, err = loop.Fetch(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, -1, v)
	require.Equal(t, 1, counters.Executions())

	// Case: a recovered memo is never trusted across revisions. The next
	// write forces recomputation even with no dependency changes.
	rt.SyntheticWrite(facts.Low)
	v, err = loop.Fetch(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, -1, v)
	require.Equal(t, 2, counters.Executions())
}

func TestPartialRecoveryInIndirectCycle(t *testing.T) {
	var rt = facts.NewRuntime(facts.RuntimeSpec{})
	var ctx = context.Background()

	// b -> a -> b, where only a recovers. The fetch of b observes a's
	// fallback and completes normally.
	var a, b *facts.Derived[string, int]
	a = facts.NewDerived(rt, "a", facts.DerivedSpec[string, int]{
		Compute: func(ctx context.Context, key string) (int, error) {
			var v, err = b.Fetch(ctx, key)
			return v + 1, err
		},
		Recover: func(ctx context.Context, key string, cycle []facts.QueryKey) int {
			return 100
		},
	})
	b = facts.NewDerived(rt, "b", facts.DerivedSpec[string, int]{
		Compute: func(ctx context.Context, key string) (int, error) {
			var v, err = a.Fetch(ctx, key)
			return v + 1, err
		},
	})

	var v, err = b.Fetch(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, 101, v)
}
