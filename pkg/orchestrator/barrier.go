package orchestrator

import (
	"context"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/invariant"
	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/types"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

// ProcessBarrierRecord advances the stable LSN for a barrier that is
// durable. On the primary a replicated barrier makes its own LSN stable;
// on a secondary the barrier carries the primary's stable LSN.
func (o *Orchestrator) ProcessBarrierRecord(rec *wal.Record, err error, isPrimary bool) {
	defer rec.Handle().MarkProcessed(err)
	if err != nil {
		o.logger.Debug("barrier not durable", logging.LSN(rec.LSN), logging.Error(err))
		return
	}

	newStable := rec.LastStableLSN
	if isPrimary {
		newStable = rec.LSN
	}
	if newStable <= o.stable.Load() {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if newStable > o.stable.Load() {
		o.processStableLSNLocked(newStable)
		o.applyCheckpointOrTruncationIfNecessaryLocked()
	}
}

func (o *Orchestrator) processStableLSNLocked(lsn types.LSN) {
	prev := o.stable.Load()
	invariant.Assert(lsn > prev, component, "stable LSN moved from %d to %d", prev, lsn)
	o.stable.Advance(lsn)
	o.txns.RemoveStableTransactions(lsn)
	if o.metrics != nil {
		o.metrics.SetStableLSN(int64(lsn))
	}
}

// ApplyCheckpointOrTruncationIfNecessary applies the Ready checkpoint and
// truncation records the stable LSN covers.
func (o *Orchestrator) ApplyCheckpointOrTruncationIfNecessary() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applyCheckpointOrTruncationIfNecessaryLocked()
}

func (o *Orchestrator) applyCheckpointOrTruncationIfNecessaryLocked() {
	stable := o.stable.Load()
	if p := o.checkpoint; p != nil && p.rec.LSN() <= stable && p.rec.State() == checkpoint.StateReady {
		if p.rec.AdvanceFrom(checkpoint.StateReady, checkpoint.StateApplied) {
			p.rec.SetLastStableLSN(stable)
			p.rec.CompleteApply(nil)
		}
	}
	if p := o.truncation; p != nil && p.rec.LSN() <= stable {
		if p.rec.AdvanceFrom(checkpoint.StateReady, checkpoint.StateApplied) {
			p.rec.CompleteApply(nil)
		}
	}
}

// AppendBarrierOnSecondary appends a barrier received from the primary.
func (o *Orchestrator) AppendBarrierOnSecondary(lsn, lastStable types.LSN) (*wal.Record, error) {
	rec, err := o.log.AppendBarrier(lsn, lastStable)
	if err != nil {
		return nil, NewError("AppendBarrier").Type(wal.RecordBarrier).LSN(lsn).Cause(err).Err()
	}
	o.goSafe("ProcessBarrier", func(ctx context.Context) {
		o.ProcessBarrierRecord(rec, rec.Handle().AwaitFlush(ctx), false)
	})
	return rec, nil
}

// awaitDurable waits until rec is flushed locally and replicated.
func awaitDurable(ctx context.Context, rec *wal.Record) error {
	h := rec.Handle()
	if err := h.AwaitFlush(ctx); err != nil {
		return err
	}
	return h.AwaitReplication(ctx)
}
