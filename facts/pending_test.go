package facts_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"go.errata.dev/core/facts"
	"go.errata.dev/core/factstest"
)

func TestFetchAsyncSharesOneExecution(t *testing.T) {
	var counters = factstest.NewCounters()
	var rt = facts.NewRuntime(facts.RuntimeSpec{OnEvent: counters.OnEvent})
	var ctx = context.Background()

	var computes atomic.Int32
	var started = make(chan struct{})
	var gate = make(chan struct{})

	var slow = facts.NewDerived(rt, "slow", facts.DerivedSpec[string, int]{
		Compute: func(ctx context.Context, key string) (int, error) {
			if computes.Add(1) == 1 {
				close(started)
				<-gate
			}
			return 9, nil
		},
	})

	var p1 = slow.FetchAsync(ctx, "x")
	<-started
	var p2 = slow.FetchAsync(ctx, "x")
	close(gate)

	// Case: the handle begun second joined the computation of the first.
	var v, err = p2.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 9, v)
	require.Equal(t, int32(1), computes.Load())

	// Case: the first handle observes the same completion via Done/Result.
	<-p1.Done()
	v, err = p1.Result()
	require.NoError(t, err)
	require.Equal(t, 9, v)

	// Case: a handle over an already-valid memo resolves immediately.
	var p3 = slow.FetchAsync(ctx, "x")
	select {
	case <-p3.Done():
	default:
		t.Fatal("expected an immediately-resolved handle")
	}
	v, err = p3.Result()
	require.NoError(t, err)
	require.Equal(t, 9, v)
	require.Equal(t, int32(1), computes.Load())
}

func TestAbandonedFetchAsyncRunsToCompletion(t *testing.T) {
	var rt = facts.NewRuntime(facts.RuntimeSpec{})
	var ctx = context.Background()

	var computes atomic.Int32
	var started = make(chan struct{})
	var gate = make(chan struct{})

	var slow = facts.NewDerived(rt, "slow", facts.DerivedSpec[string, int]{
		Compute: func(ctx context.Context, key string) (int, error) {
			computes.Add(1)
			close(started)
			<-gate
			return 11, nil
		},
	})

	// Begin a fetch, then abandon its handle without waiting.
	_ = slow.FetchAsync(ctx, "x")
	<-started
	var p = slow.FetchAsync(ctx, "x")
	close(gate)

	// Case: abandonment did not cancel the computation; the joined handle
	// completes and the memo is shared.
	var v, err = p.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 11, v)
	require.Equal(t, int32(1), computes.Load())
}

func TestPendingWaitRecordsDependency(t *testing.T) {
	var rt = facts.NewRuntime(facts.RuntimeSpec{})
	var ctx = context.Background()

	var in = facts.NewInput[string, int](rt, "in", facts.InputSpec[int]{})
	in.Set("a", 3)

	var base = facts.NewDerived(rt, "base", facts.DerivedSpec[string, int]{
		Compute: func(ctx context.Context, key string) (int, error) {
			return in.Fetch(ctx, key)
		},
	})
	var plus = facts.NewDerived(rt, "plus", facts.DerivedSpec[string, int]{
		Compute: func(ctx context.Context, key string) (int, error) {
			var v, err = base.FetchAsync(ctx, key).Wait(ctx)
			return v + 1, err
		},
	})

	var v, err = plus.Fetch(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 4, v)

	// Case: Wait recorded base(a) as a dependency of plus(a), so a write of
	// the underlying input invalidates it transitively.
	in.Set("a", 10)
	v, err = plus.Fetch(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 11, v)
}

func TestPendingWaitHonorsContext(t *testing.T) {
	var rt = facts.NewRuntime(facts.RuntimeSpec{})

	var started = make(chan struct{})
	var gate = make(chan struct{})
	defer close(gate)

	var slow = facts.NewDerived(rt, "slow", facts.DerivedSpec[string, int]{
		Compute: func(ctx context.Context, key string) (int, error) {
			close(started)
			<-gate
			return 5, nil
		},
	})

	var p = slow.FetchAsync(context.Background(), "x")
	<-started

	// Case: a cancelled Wait returns promptly; the computation itself is
	// unaffected and still completes for other waiters.
	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	var _, err = p.Wait(ctx)
	require.Equal(t, context.Canceled, err)
}
