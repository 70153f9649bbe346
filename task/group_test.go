package task

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestGroupRunsAllTasks(t *testing.T) {
	var group = NewGroup(context.Background())
	var ran atomic.Int32

	for i := 0; i != 3; i++ {
		group.Queue("task", func(context.Context) error {
			ran.Add(1)
			return nil
		})
	}
	group.GoRun()
	require.NoError(t, group.Wait())
	require.Equal(t, int32(3), ran.Load())
}

func TestGroupFirstFailureCancelsPeers(t *testing.T) {
	var group = NewGroup(context.Background())
	var errBoom = errors.New("boom")

	group.Queue("faulty", func(context.Context) error { return errBoom })
	group.Queue("peer", func(ctx context.Context) error {
		<-ctx.Done() // Unblocked by the faulty task's failure.
		return ctx.Err()
	})
	group.GoRun()

	// Case: the failure surfaces with its task description; the peer's
	// context.Canceled return is wind down, not a competing error.
	var err = group.Wait()
	require.Equal(t, errBoom, errors.Cause(err))
	require.Regexp(t, `^faulty: `, err.Error())
}

func TestGroupCancelWindsDownCleanly(t *testing.T) {
	var group = NewGroup(context.Background())

	group.Queue("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	group.GoRun()
	group.Cancel()

	// Case: tasks returning only context.Canceled make Wait return nil.
	require.NoError(t, group.Wait())
}

func TestQueueLoopRetriesTransientErrors(t *testing.T) {
	var group = NewGroup(context.Background())
	var errFlaky = errors.New("flaky")
	var attempts, retries int

	group.QueueLoop("worker", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errFlaky
		}
		group.Cancel()
		return nil
	}, func(err error) bool {
		if err == errFlaky {
			retries++
			return true
		}
		return false
	})
	group.GoRun()

	require.NoError(t, group.Wait())
	require.Equal(t, 3, attempts)
	require.Equal(t, 2, retries)
}

func TestQueueLoopFatalErrorFailsGroup(t *testing.T) {
	var group = NewGroup(context.Background())
	var errFatal = errors.New("fatal")

	group.QueueLoop("worker", func(context.Context) error {
		return errFatal
	}, func(error) bool { return false })
	group.GoRun()

	var err = group.Wait()
	require.Equal(t, errFatal, errors.Cause(err))
}
