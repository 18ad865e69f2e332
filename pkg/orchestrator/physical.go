package orchestrator

import (
	"github.com/dd0wney/cluso-replog/pkg/invariant"
	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/types"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

// IndexIfNecessary inserts an indexing record when the policy asks for one.
func (o *Orchestrator) IndexIfNecessary() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.policy.ShouldIndex(o.logStateLocked()) {
		return false
	}
	if _, err := o.log.Index(); err != nil {
		o.processError("Index", nil, err)
		return false
	}
	return true
}

// InsertPhysicalRecordsIfNecessary inserts whichever of an indexing record,
// a truncate head record and a begin checkpoint record is due, in that
// order.
func (o *Orchestrator) InsertPhysicalRecordsIfNecessary() {
	o.IndexIfNecessary()
	o.TruncateHeadIfNecessary()
	o.CheckpointIfNecessary(o.role.Role() == RolePrimary)
}

// InsertPhysicalRecordsIfNecessaryOnSecondary runs after a secondary
// applied a record of type typ from stream. While a full copy streams the
// records before the copied checkpoint only indexing records are inserted;
// reaching the copied checkpoint starts the replica's first checkpoint.
func (o *Orchestrator) InsertPhysicalRecordsIfNecessaryOnSecondary(copiedUpTo types.LSN, stream DrainStream, typ wal.RecordType) {
	if typ == wal.RecordUpdateEpoch {
		return
	}

	o.mu.Lock()
	copied := o.recoveredOrCopiedLSN
	inFlight := o.checkpoint
	completed := o.lastCompleted
	o.mu.Unlock()

	tail := o.log.TailLSN()
	switch {
	case tail < copied:
		invariant.Assert(stream == DrainCopy || copiedUpTo <= tail, component,
			"tail %d behind copied checkpoint %d while draining %s", tail, copied, stream)
		o.IndexIfNecessary()

	case tail == copied:
		if last, ok := o.log.ProgressVector().Last(); ok && o.log.TailEpoch().Less(last.Epoch) {
			return
		}
		if completed != nil && completed.LSN() >= copied {
			o.InsertPhysicalRecordsIfNecessary()
			return
		}
		if inFlight != nil {
			if inFlight.rec.IsFirstCheckpointOnFullCopy() {
				return
			}
			invariant.Failf(component, "checkpoint %d in flight at copied LSN %d", inFlight.rec.LSN(), copied)
		}
		o.logger.Info("copied checkpoint reached", logging.LSN(copied), logging.String("stream", stream.String()))
		o.FirstBeginCheckpointOnIdleSecondary()

	default:
		o.InsertPhysicalRecordsIfNecessary()
	}
}
