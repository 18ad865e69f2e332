package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/invariant"
	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/truncation"
	"github.com/dd0wney/cluso-replog/pkg/txn"
	"github.com/dd0wney/cluso-replog/pkg/types"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

// CheckpointIfNecessary starts a checkpoint when the policy asks for one
// and returns its record, or nil. On the primary the policy may instead
// name old transactions pinning the log head; those are aborted in the
// background.
func (o *Orchestrator) CheckpointIfNecessary(isPrimary bool) *checkpoint.Record {
	p, old := o.decideCheckpoint(isPrimary)
	if p == nil {
		o.abortOldTransactions(old)
		return nil
	}
	o.runCheckpoint(p)
	return p.rec
}

func (o *Orchestrator) decideCheckpoint(isPrimary bool) (*pendingCheckpoint, []*txn.Transaction) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.logStateLocked()
	var should bool
	var old []*txn.Transaction
	if isPrimary {
		should, old = o.policy.ShouldCheckpointOnPrimary(s, o.txns)
	} else {
		should = o.policy.ShouldCheckpointOnSecondary(s)
	}
	if !should {
		return nil, old
	}
	return o.initiateCheckpointLocked(isPrimary, false), nil
}

// initiateCheckpointLocked inserts a begin checkpoint record at the tail.
// It returns nil when a transaction raced the tail on the primary.
func (o *Orchestrator) initiateCheckpointLocked(isPrimary, firstOnFullCopy bool) *pendingCheckpoint {
	if o.checkpoint != nil {
		invariant.Failf(component, "checkpoint %d is already in flight", o.checkpoint.rec.LSN())
	}

	o.appendMu.Lock()
	defer o.appendMu.Unlock()

	tail := o.log.TailLSN()
	earliest, failedBarrierCheck := o.txns.EarliestPendingTransaction(tail)
	if failedBarrierCheck {
		invariant.Assert(isPrimary, component,
			"transactions ran past log tail %d on a secondary", tail)
		o.logger.Debug("checkpoint deferred, transaction raced the tail", logging.LSN(tail))
		return nil
	}

	backup := o.backups.LastCompletedBackup()
	periodic := o.policy.PeriodicState() == truncation.PeriodicCheckpointStarted
	if periodic {
		o.lastPeriodicCheckpoint = time.Now()
	}

	rec := checkpoint.New(checkpoint.Params{
		Vector:                    o.log.ProgressVectorSnapshot(o.cfg.MaxProgressVectorEntries, backup.HighestBackedUpEpoch),
		MaxVectorEntries:          o.cfg.MaxProgressVectorEntries,
		HeadEpoch:                 o.log.HeadEpoch(),
		TailEpoch:                 o.log.TailEpoch(),
		TailLSN:                   tail,
		EarliestPending:           earliest,
		Backup:                    backup,
		PeriodicCheckpointTicks:   toTicks(o.lastPeriodicCheckpoint),
		PeriodicTruncationTicks:   toTicks(o.lastPeriodicTruncation),
		FirstCheckpointOnFullCopy: firstOnFullCopy,
		Periodic:                  periodic,
	})
	entry, err := o.log.InsertPhysical(wal.RecordBeginCheckpoint, rec)
	if err != nil {
		o.processError("InsertBeginCheckpoint", nil, err)
		o.policy.OnCheckpointCompleted(err, checkpoint.StateFaulted)
		return nil
	}

	p := &pendingCheckpoint{rec: rec, entry: entry}
	o.checkpoint = p
	o.logger.Info("checkpoint initiated",
		logging.LSN(entry.LSN),
		logging.PSN(entry.PSN),
		logging.RecordPosition(entry.Position),
		logging.Bool("periodic", periodic),
		logging.Bool("first_on_full_copy", firstOnFullCopy))
	return p
}

// runCheckpoint drives p through apply and perform once it is flushed.
func (o *Orchestrator) runCheckpoint(p *pendingCheckpoint) {
	o.goSafe("Checkpoint", func(ctx context.Context) {
		ctx = context.WithoutCancel(ctx)
		flushErr := p.entry.Handle().AwaitFlush(ctx)
		o.applyCheckpoint(p.rec, flushErr)
		applyErr := p.rec.AwaitApply(ctx)
		o.performCheckpoint(ctx, p, applyErr)
	})
}

// ApplyCheckpointIfPermitted runs once the begin checkpoint record is
// flushed. The state manager prepares the checkpoint; the record becomes
// Applied at once when it is already stable, otherwise it waits as Ready
// for the stable LSN to reach it.
func (o *Orchestrator) ApplyCheckpointIfPermitted(rec *checkpoint.Record, flushErr error) {
	o.applyCheckpoint(rec, flushErr)
}

func (o *Orchestrator) applyCheckpoint(rec *checkpoint.Record, flushErr error) {
	err := flushErr
	state := checkpoint.StateFaulted
	if err == nil {
		if err = o.prepareCheckpoint(rec.LSN()); err == nil {
			state = checkpoint.StateReady
		}
	}

	state = o.resolveCheckpointApply(rec, state)
	if state.ApplyResolved() {
		rec.CompleteApply(applyOutcome(state, err, ErrCheckpointAborted))
	}
}

func (o *Orchestrator) resolveCheckpointApply(rec *checkpoint.Record, state checkpoint.State) checkpoint.State {
	o.mu.Lock()
	defer o.mu.Unlock()

	stable := o.stable.Load()
	if state == checkpoint.StateReady && rec.LSN() <= stable {
		state = checkpoint.StateApplied
	}
	if observed, ok := rec.AdvanceFromInvalid(state); !ok {
		invariant.Assert(observed == checkpoint.StateAborted, component,
			"checkpoint %d found %s while applying", rec.LSN(), observed)
		return checkpoint.StateAborted
	}
	if state == checkpoint.StateApplied {
		rec.SetLastStableLSN(stable)
	}
	return state
}

func applyOutcome(state checkpoint.State, err, aborted error) error {
	switch state {
	case checkpoint.StateApplied:
		return nil
	case checkpoint.StateAborted:
		return aborted
	default:
		if err == nil {
			return fmt.Errorf("apply ended in state %s", state)
		}
		return err
	}
}

func (o *Orchestrator) prepareCheckpoint(lsn types.LSN) error {
	ctx := context.WithoutCancel(o.ctx)
	if _, err := o.stateManagerLock.Acquire(ctx, "PrepareCheckpoint", 0); err != nil {
		return err
	}
	defer o.stateManagerLock.Release("PrepareCheckpoint")
	return o.state.PrepareCheckpoint(lsn)
}

// performCheckpoint runs the state manager checkpoint of an applied
// record. The first checkpoint of a full copy only signals phase 1; its
// faults are reported once, by whoever resolves it.
func (o *Orchestrator) performCheckpoint(ctx context.Context, p *pendingCheckpoint, applyErr error) {
	rec := p.rec
	first := rec.IsFirstCheckpointOnFullCopy()
	if state := rec.State(); state != checkpoint.StateApplied {
		if first {
			rec.SignalPhase1Failure(applyErr)
			return
		}
		if state == checkpoint.StateFaulted && applyErr != nil {
			o.processError("ApplyCheckpoint", p.entry, applyErr)
		}
		o.onCompletePendingCheckpoint(p, applyErr)
		return
	}

	if err := o.performStateManagerCheckpoint(ctx, p); err != nil {
		if first {
			rec.AdvanceFrom(checkpoint.StateApplied, checkpoint.StateFaulted)
			rec.SignalPhase1Failure(err)
			return
		}
		o.onCompletePendingCheckpoint(p, o.failCheckpoint(p, "PerformCheckpoint", err))
		return
	}

	if first {
		rec.SignalPhase1Completion()
		return
	}
	err := o.completeCheckpointAndRenameIfNeeded(ctx, p, false)
	o.onCompletePendingCheckpoint(p, err)
}

func (o *Orchestrator) performStateManagerCheckpoint(ctx context.Context, p *pendingCheckpoint) error {
	mode := PerformDefault
	if p.rec.IsPeriodic() {
		mode = PerformPeriodic
	}

	if _, err := o.stateManagerLock.Acquire(ctx, "PerformCheckpoint", 0); err != nil {
		return err
	}
	timer := logging.StartTimer(o.logger, "state manager checkpoint",
		logging.LSN(p.rec.LSN()), logging.String("mode", mode.String()))
	err := o.state.PerformCheckpoint(ctx, mode)
	o.stateManagerLock.Release("PerformCheckpoint")
	if err != nil {
		timer.EndError(err)
		return err
	}
	timer.End()
	return nil
}

// completeCheckpointAndRenameIfNeeded writes the end and complete records.
// rename is set for the first checkpoint of a full copy, whose copy log
// becomes the replica's log in between.
func (o *Orchestrator) completeCheckpointAndRenameIfNeeded(ctx context.Context, p *pendingCheckpoint, rename bool) error {
	if _, err := o.backupAndCopyLock.Acquire(ctx, "CompleteCheckpoint", 0); err != nil {
		return o.failCheckpoint(p, "CompleteCheckpoint", err)
	}
	defer o.backupAndCopyLock.Release("CompleteCheckpoint")

	if _, err := o.log.EndCheckpoint(ctx, p.rec); err != nil {
		return o.failCheckpoint(p, "EndCheckpoint", err)
	}

	if rename {
		o.mu.Lock()
		copied := o.recoveredOrCopiedLSN
		o.mu.Unlock()
		invariant.Assert(copied == p.rec.LSN(), component,
			"first checkpoint %d does not match copied checkpoint %d", p.rec.LSN(), copied)
		if err := o.log.RenameCopyLog(ctx); err != nil {
			return o.failCheckpoint(p, "RenameCopyLog", err)
		}
	}

	if err := o.completeStateManagerCheckpoint(ctx); err != nil {
		return o.failCheckpoint(p, "CompleteCheckpoint", err)
	}
	if _, err := o.log.CompleteCheckpoint(ctx); err != nil {
		return o.failCheckpoint(p, "CompleteCheckpoint", err)
	}

	if !p.rec.AdvanceFrom(checkpoint.StateApplied, checkpoint.StateCompleted) {
		return fmt.Errorf("checkpoint %d left applied state as %s", p.rec.LSN(), p.rec.State())
	}
	o.mu.Lock()
	o.lastCompleted = p.rec
	o.mu.Unlock()

	o.logger.Info("checkpoint completed",
		logging.LSN(p.rec.LSN()),
		logging.RecordPosition(p.rec.RecordPosition()),
		logging.StableLSN(p.rec.LastStableLSN()),
		logging.Bool("renamed", rename))
	return nil
}

func (o *Orchestrator) completeStateManagerCheckpoint(ctx context.Context) error {
	if _, err := o.stateManagerLock.Acquire(ctx, "CompleteCheckpoint", 0); err != nil {
		return err
	}
	defer o.stateManagerLock.Release("CompleteCheckpoint")
	return o.state.CompleteCheckpoint(ctx)
}

// failCheckpoint moves an applied record to Faulted and reports err.
func (o *Orchestrator) failCheckpoint(p *pendingCheckpoint, op string, err error) error {
	p.rec.AdvanceFrom(checkpoint.StateApplied, checkpoint.StateFaulted)
	return o.processError(op, p.entry, err)
}

// onCompletePendingCheckpoint retires the in-flight checkpoint.
func (o *Orchestrator) onCompletePendingCheckpoint(p *pendingCheckpoint, err error) {
	state := p.rec.State()
	o.policy.OnCheckpointCompleted(err, state)

	o.mu.Lock()
	if o.checkpoint == p {
		o.checkpoint = nil
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordCheckpoint(state.String())
	}
	if state != checkpoint.StateCompleted {
		o.logger.Warn("checkpoint not completed",
			logging.LSN(p.rec.LSN()), logging.State(state), logging.Error(err))
	}
	if p.entry != nil {
		p.entry.Handle().MarkProcessed(err)
	}
}

// AbortPendingCheckpoint aborts the in-flight checkpoint if it has not been
// applied yet.
func (o *Orchestrator) AbortPendingCheckpoint() {
	o.mu.Lock()
	p := o.checkpoint
	prev := checkpoint.StateCompleted
	if p != nil {
		prev = p.rec.AbortIfPending()
	}
	o.mu.Unlock()

	if p == nil || prev > checkpoint.StateReady {
		return
	}
	o.logger.Info("pending checkpoint aborted", logging.LSN(p.rec.LSN()), logging.State(prev))
	if prev == checkpoint.StateReady {
		p.rec.CompleteApply(ErrCheckpointAborted)
	}
}

// FirstBeginCheckpointOnIdleSecondary starts the first checkpoint of a
// replica built by a full copy, at the copied checkpoint's LSN.
func (o *Orchestrator) FirstBeginCheckpointOnIdleSecondary() *checkpoint.Record {
	p := o.initiateFirstCheckpoint()
	if p == nil {
		return nil
	}
	o.runCheckpoint(p)
	return p.rec
}

func (o *Orchestrator) initiateFirstCheckpoint() *pendingCheckpoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initiateCheckpointLocked(false, true)
}

func (o *Orchestrator) claimFirstCheckpoint(rec *checkpoint.Record) *pendingCheckpoint {
	o.mu.Lock()
	p := o.checkpoint
	o.mu.Unlock()
	invariant.Assert(p != nil && p.rec == rec, component,
		"checkpoint %d is not the in-flight checkpoint", rec.LSN())
	invariant.Assert(rec.IsFirstCheckpointOnFullCopy(), component,
		"checkpoint %d is not the first of a full copy", rec.LSN())
	invariant.Assert(p.resolved.CompareAndSwap(false, true), component,
		"first checkpoint %d resolved twice", rec.LSN())
	return p
}

// CompleteFirstCheckpointOnIdleAndRenameLog finishes the first checkpoint
// of a full copy once the copy stream delivered everything up to
// copiedUpTo, and renames the copy log into place.
func (o *Orchestrator) CompleteFirstCheckpointOnIdleAndRenameLog(ctx context.Context, rec *checkpoint.Record, copiedUpTo types.LSN) error {
	p := o.claimFirstCheckpoint(rec)
	tail := o.log.TailLSN()
	invariant.Assert(tail == copiedUpTo, component,
		"log tail %d does not match copied LSN %d", tail, copiedUpTo)

	err := o.log.Flush(ctx)
	if err == nil {
		err = rec.AwaitPhase1Completion(ctx)
	}
	if err != nil {
		err = o.failCheckpoint(p, "CompleteFirstCheckpoint", err)
		o.onCompletePendingCheckpoint(p, err)
		return err
	}

	err = o.completeCheckpointAndRenameIfNeeded(context.WithoutCancel(ctx), p, true)
	o.onCompletePendingCheckpoint(p, err)
	return err
}

// CancelFirstCheckpointOnIdleDueToIncompleteCopy gives up the first
// checkpoint of a full copy whose stream ended before copiedUpTo.
func (o *Orchestrator) CancelFirstCheckpointOnIdleDueToIncompleteCopy(ctx context.Context, rec *checkpoint.Record, copiedUpTo types.LSN) error {
	p := o.claimFirstCheckpoint(rec)
	tail := o.log.TailLSN()
	invariant.Assert(tail < copiedUpTo, component,
		"log tail %d reached copied LSN %d", tail, copiedUpTo)

	cause := fmt.Errorf("%w: tail %d, copied up to %d", ErrIncompleteCopy, tail, copiedUpTo)
	if err := rec.AwaitPhase1Completion(ctx); err != nil {
		cause = fmt.Errorf("%w (phase 1: %v)", cause, err)
	}
	p.rec.AdvanceFrom(checkpoint.StateApplied, checkpoint.StateFaulted)
	o.logger.Warn("first checkpoint cancelled", logging.LSN(rec.LSN()), logging.Error(cause))
	o.onCompletePendingCheckpoint(p, cause)
	return cause
}
