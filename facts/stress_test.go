package facts_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"go.errata.dev/core/facts"
)

// TestConcurrentReadersAndMutator soaks the engine with a writer batching
// edits of three inputs while readers fetch a derived sum. Because each write
// sets all three inputs to one value atomically, every successful read of the
// sum must be an exact multiple of three: a torn read surfaces immediately.
func TestConcurrentReadersAndMutator(t *testing.T) {
	var rt = facts.NewRuntime(facts.RuntimeSpec{})

	var in = facts.NewInput[string, int](rt, "in", facts.InputSpec[int]{})
	var keys = []string{"a", "b", "c"}
	rt.Write(func(b *facts.Batch) {
		for _, k := range keys {
			in.StageSet(b, k, 0)
		}
	})

	var sum = facts.NewDerived(rt, "sum", facts.DerivedSpec[string, int]{
		Compute: func(ctx context.Context, _ string) (int, error) {
			var total int
			for _, k := range keys {
				var v, err = in.Fetch(ctx, k)
				if err != nil {
					return 0, err
				}
				total += v
			}
			return total, nil
		},
	})

	const writes = 200
	var eg, ctx = errgroup.WithContext(context.Background())

	eg.Go(func() error {
		for i := 1; i <= writes; i++ {
			rt.Write(func(b *facts.Batch) {
				for _, k := range keys {
					in.StageSet(b, k, i)
				}
			})
		}
		return nil
	})

	for r := 0; r != 4; r++ {
		eg.Go(func() error {
			var prior int
			for rt.Revision() < facts.Revision(writes) {
				var v, err = sum.Fetch(ctx, "all")
				if err != nil {
					// Transient outcomes of racing a write; retry.
					if facts.IsCanceled(err) || facts.IsPoisoned(err) {
						continue
					}
					return err
				}
				// Case: reads are never torn, and never move backwards.
				if v%3 != 0 {
					return errors.Errorf("torn read: %d", v)
				}
				if v < prior {
					return errors.Errorf("read moved backwards: %d < %d", v, prior)
				}
				prior = v
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	// Case: once quiesced, the fetch reflects the final write exactly.
	var v, err = sum.Fetch(context.Background(), "all")
	require.NoError(t, err)
	require.Equal(t, 3*writes, v)
}
