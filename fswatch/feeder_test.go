package fswatch

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"go.errata.dev/core/facts"
	"go.errata.dev/core/factstest"
)

func TestRescanFeedsTreeAndRemovals(t *testing.T) {
	var rt = facts.NewRuntime(facts.RuntimeSpec{})
	var fs = afero.NewMemMapFs()
	var ctx = context.Background()

	require.NoError(t, afero.WriteFile(fs, "/tree/a.txt", []byte("alpha"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/tree/sub/b.txt", []byte("beta"), 0o644))

	var feeder = NewFeeder(rt, "tree", fs, "/tree", FeederSpec{})
	require.NoError(t, feeder.Rescan())

	var file, err = feeder.Contents().Fetch(ctx, "a.txt")
	require.NoError(t, err)
	require.True(t, file.Exists)
	require.Equal(t, "alpha", string(file.Data))

	var names []string
	names, err = feeder.Listings().Fetch(ctx, ".")
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "sub"}, names)
	names, err = feeder.Listings().Fetch(ctx, "sub")
	require.NoError(t, err)
	require.Equal(t, []string{"b.txt"}, names)

	// Case: a never-fed path reads as the zero File, not an error.
	file, err = feeder.Contents().Fetch(ctx, "missing.txt")
	require.NoError(t, err)
	require.False(t, file.Exists)

	// Case: a removal is fed on the next scan, and its listing updates.
	require.NoError(t, fs.Remove("/tree/sub/b.txt"))
	require.NoError(t, feeder.Rescan())

	file, err = feeder.Contents().Fetch(ctx, "sub/b.txt")
	require.NoError(t, err)
	require.False(t, file.Exists)
	names, err = feeder.Listings().Fetch(ctx, "sub")
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestUnchangedFilesAreNotReFed(t *testing.T) {
	var counters = factstest.NewCounters()
	var rt = facts.NewRuntime(facts.RuntimeSpec{OnEvent: counters.OnEvent})
	var fs = afero.NewMemMapFs()
	var ctx = context.Background()

	require.NoError(t, afero.WriteFile(fs, "/tree/a.txt", []byte("alpha"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/tree/b.txt", []byte("beta"), 0o644))

	var feeder = NewFeeder(rt, "tree", fs, "/tree", FeederSpec{})
	require.NoError(t, feeder.Rescan())

	// A derived query over one file.
	var upper = facts.NewDerived(rt, "upper", facts.DerivedSpec[string, string]{
		Compute: func(ctx context.Context, key string) (string, error) {
			var f, err = feeder.Contents().Fetch(ctx, key)
			return strings.ToUpper(string(f.Data)), err
		},
	})
	var v, err = upper.Fetch(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "ALPHA", v)
	require.Equal(t, 1, counters.Executions())

	// Case: a rescan observing no differences writes nothing at all.
	var rev = rt.Revision()
	require.NoError(t, feeder.Rescan())
	require.Equal(t, rev, rt.Revision())

	// Case: a change of an unrelated file is fed, but the query over the
	// unchanged file re-verifies without recomputing.
	require.NoError(t, afero.WriteFile(fs, "/tree/b.txt", []byte("BETA!"), 0o644))
	require.NoError(t, feeder.Rescan())
	require.Equal(t, rev+1, rt.Revision())

	v, err = upper.Fetch(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "ALPHA", v)
	require.Equal(t, 1, counters.Executions())

	// Case: a change of the queried file recomputes it.
	require.NoError(t, afero.WriteFile(fs, "/tree/a.txt", []byte("gamma"), 0o644))
	require.NoError(t, feeder.Refresh("a.txt"))
	v, err = upper.Fetch(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "GAMMA", v)
	require.Equal(t, 2, counters.Executions())
}

func TestRefreshOfDirectoryIsNotAFile(t *testing.T) {
	var rt = facts.NewRuntime(facts.RuntimeSpec{})
	var fs = afero.NewMemMapFs()
	var ctx = context.Background()

	require.NoError(t, fs.MkdirAll("/tree/sub", 0o755))
	var feeder = NewFeeder(rt, "tree", fs, "/tree", FeederSpec{})

	// Case: refreshing a path which stats as a directory neither errors nor
	// feeds it; it reads back as the zero File.
	require.NoError(t, feeder.Refresh("sub"))
	var file, err = feeder.Contents().Fetch(ctx, "sub")
	require.NoError(t, err)
	require.False(t, file.Exists)
}

func TestFilterLimitsFedPaths(t *testing.T) {
	var rt = facts.NewRuntime(facts.RuntimeSpec{})
	var fs = afero.NewMemMapFs()
	var ctx = context.Background()

	require.NoError(t, afero.WriteFile(fs, "/tree/keep.txt", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/tree/skip.tmp", []byte("y"), 0o644))

	var feeder = NewFeeder(rt, "tree", fs, "/tree", FeederSpec{
		Filter: func(path string) bool { return !strings.HasSuffix(path, ".tmp") },
	})
	require.NoError(t, feeder.Rescan())

	var file, err = feeder.Contents().Fetch(ctx, "skip.tmp")
	require.NoError(t, err)
	require.False(t, file.Exists)

	var names []string
	names, err = feeder.Listings().Fetch(ctx, ".")
	require.NoError(t, err)
	require.Equal(t, []string{"keep.txt"}, names)
}
