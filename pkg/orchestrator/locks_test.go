package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/metrics"
)

func TestConsistencyLockTimeout(t *testing.T) {
	reg := metrics.NewRegistry()
	l := newConsistencyLock(LockBackupAndCopy, logging.NewNopLogger(), reg)

	ok, err := l.Acquire(context.Background(), "backup", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(context.Background(), "copy", 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "a held lock times out without error")
	assert.False(t, l.TryAcquire("copy"))

	l.Release("backup")
	assert.True(t, l.TryAcquire("copy"))
	l.Release("copy")
}

func TestConsistencyLockContextEnds(t *testing.T) {
	l := newConsistencyLock(LockStateManager, logging.NewNopLogger(), nil)
	require.True(t, l.TryAcquire("holder"))
	defer l.Release("holder")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := l.Acquire(ctx, "waiter", time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConsistencyLockHandsOver(t *testing.T) {
	l := newConsistencyLock(LockStateManager, logging.NewNopLogger(), nil)
	require.True(t, l.TryAcquire("first"))

	acquired := make(chan struct{})
	go func() {
		ok, err := l.Acquire(context.Background(), "second", 0)
		if err == nil && ok {
			close(acquired)
		}
	}()

	time.Sleep(5 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("second locker acquired a held lock")
	default:
	}
	l.Release("first")

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second locker never acquired the lock")
	}
	l.Release("second")
}
