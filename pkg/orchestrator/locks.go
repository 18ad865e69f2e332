package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/metrics"
)

// Consistency lock names.
const (
	LockBackupAndCopy = "backup_and_copy"
	LockStateManager  = "state_manager_api"
)

// ConsistencyLock is an exclusive lock that can be waited for with a
// timeout. Backup, copy and checkpoint completion serialize on one; every
// state manager call serializes on another.
type ConsistencyLock struct {
	name    string
	sem     *semaphore.Weighted
	logger  logging.Logger
	metrics *metrics.Registry

	mu     sync.Mutex
	holder string
}

func newConsistencyLock(name string, logger logging.Logger, reg *metrics.Registry) *ConsistencyLock {
	return &ConsistencyLock{
		name:    name,
		sem:     semaphore.NewWeighted(1),
		logger:  logger.With(logging.String("lock", name)),
		metrics: reg,
	}
}

// Acquire takes the lock for locker. It returns false without error when
// timeout passed first, which means try later; zero waits without limit.
// An error is returned only when ctx ended.
func (l *ConsistencyLock) Acquire(ctx context.Context, locker string, timeout time.Duration) (bool, error) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := l.sem.Acquire(actx, 1)
	wait := time.Since(start)
	if l.metrics != nil {
		l.metrics.RecordLockWait(l.name, wait)
	}

	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		l.mu.Lock()
		holder := l.holder
		l.mu.Unlock()
		l.logger.Warn("consistency lock timed out",
			logging.String("locker", locker),
			logging.String("holder", holder),
			logging.Duration("timeout", timeout))
		return false, nil
	}

	l.mu.Lock()
	l.holder = locker
	l.mu.Unlock()
	l.logger.Debug("consistency lock acquired", logging.String("locker", locker), logging.Latency(wait))
	return true, nil
}

// Release gives the lock up. Releasing a lock that is not held panics.
func (l *ConsistencyLock) Release(releaser string) {
	l.mu.Lock()
	l.holder = ""
	l.mu.Unlock()
	l.sem.Release(1)
	l.logger.Debug("consistency lock released", logging.String("releaser", releaser))
}

// TryAcquire takes the lock only if it is free.
func (l *ConsistencyLock) TryAcquire(locker string) bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.mu.Lock()
	l.holder = locker
	l.mu.Unlock()
	return true
}
