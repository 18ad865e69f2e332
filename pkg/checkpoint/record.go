package checkpoint

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dd0wney/cluso-replog/pkg/invariant"
	"github.com/dd0wney/cluso-replog/pkg/progress"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

// RecordHeader locates a physical record in the log.
type RecordHeader struct {
	LSN            types.LSN
	PSN            types.PSN
	RecordPosition uint64
}

// UnassignedHeader is the header of a record not yet inserted into a log.
var UnassignedHeader = RecordHeader{
	LSN:            types.InvalidLSN,
	PSN:            types.InvalidPSN,
	RecordPosition: types.InvalidRecordPosition,
}

// PendingTransaction identifies the begin record of a transaction that was
// still open when a checkpoint started.
type PendingTransaction struct {
	ID             int64
	LSN            types.LSN
	PSN            types.PSN
	RecordPosition uint64
}

// Params describes a checkpoint at initiation time.
type Params struct {
	Vector           *progress.Vector
	MaxVectorEntries uint32
	HeadEpoch        types.Epoch
	TailEpoch        types.Epoch
	TailLSN          types.LSN
	EarliestPending  *PendingTransaction
	Backup           BackupInfo

	PeriodicCheckpointTicks int64
	PeriodicTruncationTicks int64

	FirstCheckpointOnFullCopy bool
	Periodic                  bool
}

// Record is a begin-checkpoint record. Apart from its state, last stable
// LSN and earliest pending transaction reference it is immutable once
// created.
type Record struct {
	stateMachine

	header  RecordHeader
	vector  *progress.Vector
	epoch   types.Epoch
	backup  BackupInfo
	ptTicks int64
	trTicks int64

	firstOnFullCopy bool
	periodic        bool

	lastStableLSN  types.LSN
	earliest       PendingTransaction
	hasEarliest    bool
	earliestOffset uint64
	invalidations  atomic.Int32
	cached         []byte

	apply  *Gate
	phase1 *Gate
}

// New creates a record in StateInvalid. The progress vector is cloned, trimming
// the source first when it exceeds the configured bound.
func New(p Params) *Record {
	vector := p.Vector
	if vector == nil {
		vector = progress.NewZeroVector()
	}
	highest := p.Backup.HighestBackedUpEpoch
	if !p.Backup.IsValid() {
		highest = types.InvalidEpoch
	}

	r := &Record{
		stateMachine:    stateMachine{kind: "checkpoint"},
		header:          RecordHeader{LSN: p.TailLSN, PSN: types.InvalidPSN, RecordPosition: types.InvalidRecordPosition},
		vector:          vector.Clone(p.MaxVectorEntries, highest, p.HeadEpoch),
		epoch:           p.TailEpoch,
		backup:          p.Backup,
		ptTicks:         p.PeriodicCheckpointTicks,
		trTicks:         p.PeriodicTruncationTicks,
		firstOnFullCopy: p.FirstCheckpointOnFullCopy,
		periodic:        p.Periodic,
		lastStableLSN:   types.InvalidLSN,
		apply:           NewGate("checkpoint-apply"),
		phase1:          NewGate("checkpoint-phase1"),
	}
	if p.EarliestPending != nil {
		r.earliest = *p.EarliestPending
		r.hasEarliest = true
	}
	return r
}

// AssignPosition records where the log placed the record and fixes the
// earliest pending transaction offset.
func (r *Record) AssignPosition(lsn types.LSN, psn types.PSN, position uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.header = RecordHeader{LSN: lsn, PSN: psn, RecordPosition: position}
	r.recomputeOffsetLocked()
	r.cached = nil
}

func (r *Record) recomputeOffsetLocked() {
	if !r.hasEarliest || r.header.RecordPosition == types.InvalidRecordPosition {
		return
	}
	invariant.Assert(r.earliest.RecordPosition <= r.header.RecordPosition, component,
		"earliest pending transaction at %d follows checkpoint at %d",
		r.earliest.RecordPosition, r.header.RecordPosition)
	r.earliestOffset = r.header.RecordPosition - r.earliest.RecordPosition
}

// Header returns the record's log location.
func (r *Record) Header() RecordHeader {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header
}

// LSN returns the record's logical sequence number.
func (r *Record) LSN() types.LSN { return r.Header().LSN }

// PSN returns the record's physical sequence number.
func (r *Record) PSN() types.PSN { return r.Header().PSN }

// RecordPosition returns the record's byte position in the log.
func (r *Record) RecordPosition() uint64 { return r.Header().RecordPosition }

// Vector returns the progress vector captured at initiation. Callers must
// not modify it.
func (r *Record) Vector() *progress.Vector { return r.vector }

// Epoch returns the tail epoch at initiation.
func (r *Record) Epoch() types.Epoch { return r.epoch }

// Backup returns the backup linkage.
func (r *Record) Backup() BackupInfo { return r.backup }

// PeriodicCheckpointTicks returns the persisted periodic checkpoint time.
func (r *Record) PeriodicCheckpointTicks() int64 { return r.ptTicks }

// PeriodicTruncationTicks returns the persisted periodic truncation time.
func (r *Record) PeriodicTruncationTicks() int64 { return r.trTicks }

// IsFirstCheckpointOnFullCopy reports whether the record completes a full copy build.
func (r *Record) IsFirstCheckpointOnFullCopy() bool { return r.firstOnFullCopy }

// IsPeriodic reports whether the periodic timer started this checkpoint.
func (r *Record) IsPeriodic() bool { return r.periodic }

// LastStableLSN returns the stable LSN observed when the record was applied.
func (r *Record) LastStableLSN() types.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStableLSN
}

// SetLastStableLSN records the stable LSN observed at apply time.
func (r *Record) SetLastStableLSN(lsn types.LSN) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastStableLSN = lsn
}

// InvalidateEarliestPendingTransaction drops the reference when log head
// truncation to newHeadPSN freed the pending transaction's begin record.
// It reports whether the reference was dropped.
func (r *Record) InvalidateEarliestPendingTransaction(newHeadPSN types.PSN) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasEarliest || r.earliest.PSN >= newHeadPSN {
		return false
	}
	r.hasEarliest = false
	r.earliest = PendingTransaction{ID: -1, LSN: types.InvalidLSN, PSN: types.InvalidPSN, RecordPosition: types.InvalidRecordPosition}
	r.invalidations.Add(1)
	return true
}

// EarliestPendingTransactionInvalidated reports whether truncation freed the reference.
func (r *Record) EarliestPendingTransactionInvalidated() bool {
	return r.invalidations.Load() > 0
}

// EarliestPendingTransaction returns the referenced transaction. ok is false
// when no transaction was pending. Reading after invalidation is an
// invariant violation.
func (r *Record) EarliestPendingTransaction() (PendingTransaction, bool) {
	invariant.Assert(r.invalidations.Load() == 0, component,
		"earliest pending transaction of checkpoint %d read after invalidation", r.LSN())
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.earliest, r.hasEarliest
}

// EarliestPendingTransactionLSN returns the LSN of the earliest pending
// transaction, or the record's own LSN when none was pending.
func (r *Record) EarliestPendingTransactionLSN() types.LSN {
	tx, ok := r.EarliestPendingTransaction()
	if !ok {
		return r.LSN()
	}
	return tx.LSN
}

// EarliestPendingTransactionOffset returns the persisted distance in bytes
// from the earliest pending transaction to this record. It stays readable
// after invalidation.
func (r *Record) EarliestPendingTransactionOffset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.earliestOffset
}

// CompleteApply signals the apply outcome. The record must have reached
// Applied, Faulted or Aborted.
func (r *Record) CompleteApply(err error) {
	s := r.State()
	invariant.Assert(s.ApplyResolved(), component,
		"checkpoint %d apply completed in state %s", r.LSN(), s)
	r.apply.Signal(err)
}

// AwaitApply waits for CompleteApply.
func (r *Record) AwaitApply(ctx context.Context) error {
	return r.apply.Wait(ctx)
}

// ApplyDone is closed once the apply outcome is known.
func (r *Record) ApplyDone() <-chan struct{} {
	return r.apply.Done()
}

// AwaitPhase1Completion waits until the local perform step of the first
// checkpoint on a full copy finished.
func (r *Record) AwaitPhase1Completion(ctx context.Context) error {
	r.assertFirstOnFullCopy("await")
	return r.phase1.Wait(ctx)
}

// SignalPhase1Completion releases phase-1 waiters with success.
func (r *Record) SignalPhase1Completion() {
	r.assertFirstOnFullCopy("signal")
	r.phase1.Signal(nil)
}

// SignalPhase1Failure releases phase-1 waiters with err.
func (r *Record) SignalPhase1Failure(err error) {
	r.assertFirstOnFullCopy("fail")
	if err == nil {
		err = fmt.Errorf("checkpoint %d phase 1 failed", r.LSN())
	}
	r.phase1.Signal(err)
}

func (r *Record) assertFirstOnFullCopy(op string) {
	invariant.Assert(r.firstOnFullCopy, component,
		"phase 1 %s on checkpoint %d that is not the first checkpoint on a full copy", op, r.LSN())
}

func (r *Record) String() string {
	h := r.Header()
	return fmt.Sprintf("checkpoint lsn=%d psn=%d pos=%d state=%s epoch=%s",
		h.LSN, h.PSN, h.RecordPosition, r.State(), r.epoch)
}
