package orchestrator

import (
	"time"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/truncation"
)

// Recover restores the orchestrator from the last completed checkpoint and
// the periodic truncation time persisted with the last truncate head
// record. lastCompleted may be nil for a replica that never checkpointed.
// The periodic timer starts when an interval is configured.
func (o *Orchestrator) Recover(lastCompleted *checkpoint.Record, recoveredTruncationTicks int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var cpTicks, trTicks int64
	if lastCompleted != nil {
		o.recoveredOrCopiedLSN = lastCompleted.LSN()
		cpTicks = lastCompleted.PeriodicCheckpointTicks()
		trTicks = lastCompleted.PeriodicTruncationTicks()
	}
	if recoveredTruncationTicks > trTicks {
		trTicks = recoveredTruncationTicks
	}
	o.lastCompleted = lastCompleted
	o.lastPeriodicCheckpoint = fromTicks(cpTicks)
	o.lastPeriodicTruncation = fromTicks(trTicks)
	o.policy.Recover(cpTicks, trTicks)

	fields := []logging.Field{
		logging.String("periodic", o.policy.PeriodicState().String()),
		logging.Int64("checkpoint_ticks", cpTicks),
		logging.Int64("truncation_ticks", trTicks),
	}
	if lastCompleted != nil {
		fields = append(fields, logging.LSN(lastCompleted.LSN()))
	}
	o.logger.Info("orchestrator recovered", fields...)

	if o.cfg.PeriodicCheckpointInterval > 0 && !o.closed {
		o.startPeriodicTimerLocked()
	}
}

// RecoverFromLog recovers from the checkpoint and truncation records of
// the log itself.
func (o *Orchestrator) RecoverFromLog() error {
	cp, err := o.log.LastCompletedCheckpoint()
	if err != nil {
		return NewError("Recover").Cause(err).Err()
	}
	th, err := o.log.LastTruncateHead()
	if err != nil {
		return NewError("Recover").Cause(err).Err()
	}
	var ticks int64
	if th != nil {
		ticks = th.PeriodicTruncationTicks()
	}
	if cp != nil {
		cp.AdvanceState(checkpoint.StateCompleted)
	}
	o.Recover(cp, ticks)
	return nil
}

func (o *Orchestrator) startPeriodicTimerLocked() {
	d := truncation.CalculateTruncationTimerDuration(time.Now(), o.lastPeriodicCheckpoint,
		o.cfg.PeriodicCheckpointInterval, o.policy.PeriodicState())
	if o.periodicTimer != nil {
		o.periodicTimer.Stop()
	}
	o.periodicTimer = time.AfterFunc(d, o.onPeriodicTimer)
	o.logger.Debug("periodic timer armed", logging.Duration("in", d))
}

func (o *Orchestrator) onPeriodicTimer() {
	if !o.role.IsClosing() {
		o.policy.InitiatePeriodicCheckpoint()
		if o.role.Role() == RolePrimary {
			o.RequestGroupCommit()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.startPeriodicTimerLocked()
	}
}

// LastPeriodicCheckpoint returns when the last periodic checkpoint began.
func (o *Orchestrator) LastPeriodicCheckpoint() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastPeriodicCheckpoint
}

// LastPeriodicTruncation returns when the last periodic truncation began.
func (o *Orchestrator) LastPeriodicTruncation() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastPeriodicTruncation
}
