package orchestrator

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

// RequestGroupCommit asks for a barrier to be replicated after the next
// flush. Requests made while one is armed are folded into it.
func (o *Orchestrator) RequestGroupCommit() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.groupCommitNeeded = true
	if o.groupCommitArmed || o.closed {
		return
	}
	o.armGroupCommitLocked(0)
}

// GroupCommitStatus reports whether group commit is backing off after a
// failure, and the delay it uses.
func (o *Orchestrator) GroupCommitStatus() (backingOff bool, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.groupCommitBackingOff, o.groupCommitDelay
}

// armGroupCommitLocked schedules one group commit. A zero delay waits for
// the next flush.
func (o *Orchestrator) armGroupCommitLocked(delay time.Duration) {
	o.groupCommitArmed = true
	started := o.goSafe("GroupCommit", func(ctx context.Context) {
		var flushed <-chan struct{}
		var backoff <-chan time.Time
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			backoff = t.C
		} else {
			flushed = o.log.FlushNotify()
		}

		select {
		case <-flushed:
		case <-backoff:
		case <-ctx.Done():
			o.mu.Lock()
			o.groupCommitArmed = false
			o.mu.Unlock()
			return
		}
		o.groupCommit(ctx)
	})
	if !started {
		o.groupCommitArmed = false
	}
}

func (o *Orchestrator) groupCommit(ctx context.Context) {
	o.mu.Lock()
	o.groupCommitNeeded = false
	stable := o.stable.Load()
	o.mu.Unlock()

	rec, err := o.log.ReplicateBarrier(stable)
	if err == nil {
		o.InsertPhysicalRecordsIfNecessary()
		err = awaitDurable(ctx, rec)
	}
	if err != nil {
		o.groupCommitFailed(rec, err)
		return
	}

	o.mu.Lock()
	o.groupCommitArmed = false
	o.groupCommitBackingOff = false
	o.groupCommitDelay = o.cfg.GroupCommitInitialDelay
	consecutive := o.stable.Load() == rec.LSN-1
	if rec.LSN > o.stable.Load() {
		o.processStableLSNLocked(rec.LSN)
		o.applyCheckpointOrTruncationIfNecessaryLocked()
	}
	if !o.closed && (o.groupCommitNeeded || (o.shouldKeepCommittingLocked() && !consecutive)) {
		o.armGroupCommitLocked(0)
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordGroupCommit(true, 0)
	}
	rec.Handle().MarkProcessed(nil)
}

// groupCommitFailed retries with a doubled delay while the replica stays
// primary and open.
func (o *Orchestrator) groupCommitFailed(rec *wal.Record, err error) {
	o.mu.Lock()
	o.groupCommitDelay *= 2
	if o.groupCommitDelay > o.cfg.GroupCommitMaxDelay {
		o.groupCommitDelay = o.cfg.GroupCommitMaxDelay
	}
	delay := o.groupCommitDelay
	retry := !o.closed && o.ctx.Err() == nil && o.shouldKeepCommittingLocked()
	o.groupCommitArmed = false
	o.groupCommitBackingOff = retry
	if retry {
		o.armGroupCommitLocked(delay)
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordGroupCommit(false, delay)
	}
	if retry {
		o.logger.Warn("group commit failed, backing off",
			logging.Duration("delay", delay), logging.Error(err))
	} else {
		o.logger.Info("group commit stopped", logging.Error(err))
	}
	if rec != nil {
		rec.Handle().MarkProcessed(err)
	}
}

func (o *Orchestrator) shouldKeepCommittingLocked() bool {
	return o.role.Role() == RolePrimary && !o.role.IsClosing()
}
