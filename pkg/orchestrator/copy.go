package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/invariant"
	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/progress"
	"github.com/dd0wney/cluso-replog/pkg/types"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

// CopyTarget describes the replica being built.
type CopyTarget struct {
	ReplicaID                  int64
	Context                    progress.CopyContext
	LastRecoveredAtomicRedoLSN types.LSN
}

// CopyPlan is what the source streams to a target. Reader is nil when no
// copy is needed; it pins the log head until Close.
type CopyPlan struct {
	Result      progress.CopyModeResult
	Checkpoint  *checkpoint.Record
	Reader      *wal.Reader
	StartingLSN types.LSN
}

// Close releases the plan's reader.
func (p *CopyPlan) Close() {
	if p.Reader != nil {
		p.Reader.Close()
	}
}

// GetLogRecordsToCopy decides the copy mode for target and opens a reader
// over the records it needs. A full copy starts at the earliest pending
// transaction of the last completed checkpoint; a partial copy starts at
// the physical record before the point both histories agree on. Readers
// are opened under the head truncation guard.
func (o *Orchestrator) GetLogRecordsToCopy(ctx context.Context, target CopyTarget) (*CopyPlan, error) {
	source := progress.CopyContext{
		Vector:       o.log.ProgressVector(),
		LogHeadEpoch: o.log.HeadEpoch(),
		LogHeadLSN:   o.log.HeadRecord().LSN,
		LogTailLSN:   o.log.TailLSN(),
	}
	result := progress.FindCopyMode(source, target.Context, target.LastRecoveredAtomicRedoLSN)
	if o.metrics != nil {
		o.metrics.RecordCopyMode(result.Mode.String(), result.FullCopyReason.String())
	}
	o.logger.Info("copy mode decided",
		logging.ReplicaID(target.ReplicaID),
		logging.CopyMode(result.Mode),
		logging.String("decision", result.Decision),
		logging.String("result", result.String()))

	plan := &CopyPlan{Result: result, StartingLSN: types.InvalidLSN}
	name := fmt.Sprintf("build for replica %d", target.ReplicaID)
	switch {
	case result.Mode == progress.CopyModeNone:
		return plan, nil
	case result.Mode.Has(progress.CopyModeFull):
		return o.planFullCopy(ctx, plan, name)
	default:
		invariant.Assert(result.Mode.Has(progress.CopyModePartial), component,
			"copy mode %s is neither full nor partial", result.Mode)
		return o.planPartialCopy(plan, name)
	}
}

func (o *Orchestrator) planFullCopy(ctx context.Context, plan *CopyPlan, name string) (*CopyPlan, error) {
	ok, err := o.backupAndCopyLock.Acquire(ctx, "FullCopy", o.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s lock busy", ErrServiceTooBusy, LockBackupAndCopy)
	}
	defer o.backupAndCopyLock.Release("FullCopy")

	o.mu.Lock()
	cp := o.lastCompleted
	o.mu.Unlock()
	if cp == nil {
		return nil, ErrNoCompletedCheckpoint
	}
	if cp.EarliestPendingTransactionInvalidated() {
		return nil, fmt.Errorf("%w: earliest pending transaction of checkpoint %d", ErrCopySourceTruncated, cp.LSN())
	}

	// The persisted offset survives recovery where the transaction itself
	// does not, so the starting LSN is read from the record it points at.
	start := cp.RecordPosition() - cp.EarliestPendingTransactionOffset()
	reader, err := o.openCopyReader(start, name)
	if err != nil {
		return nil, err
	}
	plan.StartingLSN = cp.LSN()
	if start < cp.RecordPosition() {
		first, ok := reader.Peek()
		if !ok || first.Position != start {
			reader.Close()
			return nil, fmt.Errorf("%w: no record at earliest pending transaction position %d of checkpoint %d",
				ErrCopySourceTruncated, start, cp.LSN())
		}
		plan.StartingLSN = first.LSN - 1
	}
	plan.Checkpoint = cp
	plan.Reader = reader
	o.logger.Info("full copy planned",
		logging.LSN(cp.LSN()),
		logging.RecordPosition(start),
		logging.Int("records", reader.Len()))
	return plan, nil
}

func (o *Orchestrator) planPartialCopy(plan *CopyPlan, name string) (*CopyPlan, error) {
	startingLSN := plan.Result.SourceStartingLSN
	if plan.Result.TargetStartingLSN < startingLSN {
		startingLSN = plan.Result.TargetStartingLSN
	}
	startRec := o.log.FindCopyStartPosition(startingLSN)

	reader, err := o.openCopyReader(startRec.Position, name)
	if err != nil {
		return nil, err
	}
	plan.StartingLSN = startingLSN
	plan.Reader = reader
	o.logger.Info("partial copy planned",
		logging.LSN(startingLSN),
		logging.RecordPosition(startRec.Position),
		logging.Int("records", reader.Len()))
	return plan, nil
}

func (o *Orchestrator) openCopyReader(start uint64, name string) (*wal.Reader, error) {
	o.headTruncationMu.Lock()
	defer o.headTruncationMu.Unlock()
	reader, err := o.log.PhysicalReader(start, types.InvalidRecordPosition, name)
	if errors.Is(err, wal.ErrTruncated) {
		return nil, fmt.Errorf("%w: %v", ErrCopySourceTruncated, err)
	}
	return reader, err
}
