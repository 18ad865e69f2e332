package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/truncation"
	"github.com/dd0wney/cluso-replog/pkg/types"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

// TruncateHeadIfNecessary inserts a truncate head record when the policy
// finds the log large enough and a good indexing record to become the new
// head. The head never passes the earliest pending transaction of the last
// completed checkpoint.
func (o *Orchestrator) TruncateHeadIfNecessary() bool {
	p := o.decideTruncation()
	if p == nil {
		return false
	}
	o.runTruncation(p)
	return true
}

func (o *Orchestrator) decideTruncation() *pendingTruncation {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.headTruncationMu.Lock()
	defer o.headTruncationMu.Unlock()

	s := o.logStateLocked()
	if !o.policy.ShouldTruncateHead(s) {
		return nil
	}
	last := o.lastCompleted
	if last == nil {
		return nil
	}
	limit := last.RecordPosition() - last.EarliestPendingTransactionOffset()
	candidate, ok := o.log.TruncateHeadCandidate(func(position uint64) bool {
		return position <= limit && o.policy.IsGoodLogHeadCandidate(s, position)
	})
	if !ok {
		o.logger.Debug("no log head candidate", logging.RecordPosition(limit))
		return nil
	}

	if o.policy.PeriodicState() == truncation.PeriodicTruncationStarted {
		o.lastPeriodicTruncation = time.Now()
	}
	rec := checkpoint.NewTruncateHead(o.log.TailLSN(), candidate.Header(), false, toTicks(o.lastPeriodicTruncation))
	entry, err := o.log.InsertPhysical(wal.RecordTruncateHead, rec)
	if err != nil {
		o.processError("InsertTruncateHead", nil, err)
		return nil
	}

	p := &pendingTruncation{rec: rec, entry: entry}
	o.truncation = p
	o.logger.Info("log head truncation initiated",
		logging.LSN(entry.LSN),
		logging.RecordPosition(candidate.Position),
		logging.Uint64("freed_bytes", candidate.Position-s.HeadPosition))
	return p
}

func (o *Orchestrator) runTruncation(p *pendingTruncation) {
	o.goSafe("TruncateHead", func(ctx context.Context) {
		flushErr := p.entry.Handle().AwaitFlush(context.WithoutCancel(ctx))
		o.applyLogHeadTruncationIfPermitted(p.rec, flushErr)
		applyErr := p.rec.AwaitApply(context.WithoutCancel(ctx))
		o.processLogHeadTruncation(ctx, p, applyErr)
	})
}

// applyLogHeadTruncationIfPermitted runs once the truncate head record is
// flushed. The record is Applied once stable and waits as Ready otherwise.
func (o *Orchestrator) applyLogHeadTruncationIfPermitted(rec *checkpoint.TruncateHeadRecord, flushErr error) {
	state := checkpoint.StateFaulted
	if flushErr == nil {
		state = checkpoint.StateReady
	}

	o.mu.Lock()
	if state == checkpoint.StateReady && (rec.IsStable() || rec.LSN() <= o.stable.Load()) {
		state = checkpoint.StateApplied
	}
	if observed, ok := rec.AdvanceFromInvalid(state); !ok {
		state = observed
	}
	o.mu.Unlock()

	if state.ApplyResolved() {
		rec.CompleteApply(applyOutcome(state, flushErr, ErrTruncationAborted))
	}
}

func (o *Orchestrator) processLogHeadTruncation(ctx context.Context, p *pendingTruncation, applyErr error) {
	rec := p.rec
	err := applyErr
	switch state := rec.State(); state {
	case checkpoint.StateApplied:
		head := rec.LogHead()
		timer := logging.StartTimer(o.logger, "log head truncated",
			logging.LSN(head.LSN), logging.RecordPosition(head.RecordPosition))
		err = o.log.ProcessLogHeadTruncation(ctx, head)
		switch {
		case err == nil:
			timer.End()
			o.invalidateEarliestPending(head.PSN)
			rec.AdvanceFrom(checkpoint.StateApplied, checkpoint.StateCompleted)
		case errors.Is(err, context.Canceled):
			// An applied record can no longer abort. Closing faults it
			// without reporting the replica.
			timer.EndError(err)
			rec.AdvanceFrom(checkpoint.StateApplied, checkpoint.StateFaulted)
			err = fmt.Errorf("%w: %v", ErrTruncationAborted, err)
		default:
			timer.EndError(err)
			rec.AdvanceFrom(checkpoint.StateApplied, checkpoint.StateFaulted)
			o.processError("ProcessLogHeadTruncation", p.entry, err)
		}
	case checkpoint.StateFaulted:
		if applyErr != nil {
			o.processError("ApplyLogHeadTruncation", p.entry, applyErr)
		}
	}
	o.onCompletePendingLogHeadTruncation(p, err)
}

// invalidateEarliestPending drops the earliest pending transaction of the
// current checkpoints when truncation freed its begin record.
func (o *Orchestrator) invalidateEarliestPending(headPSN types.PSN) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.checkpoint != nil {
		o.checkpoint.rec.InvalidateEarliestPendingTransaction(headPSN)
	}
	if o.lastCompleted != nil {
		o.lastCompleted.InvalidateEarliestPendingTransaction(headPSN)
	}
}

func (o *Orchestrator) onCompletePendingLogHeadTruncation(p *pendingTruncation, err error) {
	state := p.rec.State()
	o.mu.Lock()
	if o.truncation == p {
		o.truncation = nil
	}
	o.mu.Unlock()

	if state == checkpoint.StateCompleted {
		o.policy.OnTruncationCompleted()
	} else {
		o.logger.Warn("log head truncation not completed",
			logging.LSN(p.rec.LSN()), logging.State(state), logging.Error(err))
	}
	if o.metrics != nil {
		o.metrics.RecordLogHeadTruncation(state.String())
	}
	p.entry.Handle().MarkProcessed(err)
}

// AbortPendingLogHeadTruncation aborts the in-flight truncation if it has
// not been applied yet.
func (o *Orchestrator) AbortPendingLogHeadTruncation() {
	o.mu.Lock()
	p := o.truncation
	prev := checkpoint.StateCompleted
	if p != nil {
		prev = p.rec.AbortIfPending()
	}
	o.mu.Unlock()

	if p == nil || prev > checkpoint.StateReady {
		return
	}
	o.logger.Info("pending log head truncation aborted", logging.LSN(p.rec.LSN()), logging.State(prev))
	if prev == checkpoint.StateReady {
		p.rec.CompleteApply(ErrTruncationAborted)
	}
}
