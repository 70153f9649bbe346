package facts_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"go.errata.dev/core/facts"
	"go.errata.dev/core/factstest"
)

func TestEvictionDiscardsValuesOnly(t *testing.T) {
	var counters = factstest.NewCounters()
	var rt = facts.NewRuntime(facts.RuntimeSpec{OnEvent: counters.OnEvent})
	var ctx = context.Background()

	var in = facts.NewInput[int, int](rt, "in", facts.InputSpec[int]{})
	in.Set(1, 10)
	in.Set(2, 20)
	in.Set(3, 30)

	var square = facts.NewDerived(rt, "square", facts.DerivedSpec[int, int]{
		Capacity: 2,
		Compute: func(ctx context.Context, key int) (int, error) {
			var v, err = in.Fetch(ctx, key)
			return v * v, err
		},
	})
	var plus = facts.NewDerived(rt, "plus", facts.DerivedSpec[int, int]{
		Compute: func(ctx context.Context, key int) (int, error) {
			var v, err = square.Fetch(ctx, key)
			return v + 1, err
		},
	})

	var v, err = plus.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 101, v)

	// Case: fetching a third key evicts the least-recently-fetched value.
	for _, key := range []int{2, 3} {
		_, err = square.Fetch(ctx, key)
		require.NoError(t, err)
	}
	require.Equal(t, 1, counters.OfKey(facts.DidEvict, "square(1)"))

	// Case: eviction does not touch revision metadata. After a write, a
	// dependent of the evicted key verifies without recomputing anything.
	rt.SyntheticWrite(facts.Low)
	var executions = counters.Executions()

	v, err = plus.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 101, v)
	require.Equal(t, executions, counters.Executions())

	// Case: fetching the evicted key itself recomputes the value, and the
	// recomputed memo is backdated (its dependencies verified unchanged, so
	// the value is necessarily the prior one).
	var backdates = counters.Of(facts.DidBackdate)
	v, err = square.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 100, v)
	require.Equal(t, executions+1, counters.Executions())
	require.Equal(t, backdates+1, counters.Of(facts.DidBackdate))
}

func TestEvictionFollowsFetchRecency(t *testing.T) {
	var counters = factstest.NewCounters()
	var rt = facts.NewRuntime(facts.RuntimeSpec{OnEvent: counters.OnEvent})
	var ctx = context.Background()

	var ident = facts.NewDerived(rt, "ident", facts.DerivedSpec[int, int]{
		Capacity: 2,
		Compute: func(ctx context.Context, key int) (int, error) { return key, nil },
	})

	for _, key := range []int{1, 2} {
		var _, err = ident.Fetch(ctx, key)
		require.NoError(t, err)
	}
	// Re-fetch 1, making 2 the eviction candidate.
	var _, err = ident.Fetch(ctx, 1)
	require.NoError(t, err)

	_, err = ident.Fetch(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 1, counters.OfKey(facts.DidEvict, "ident(2)"))
	require.Equal(t, 0, counters.OfKey(facts.DidEvict, "ident(1)"))
}
