// Package truncation decides when the replicated log should be indexed,
// checkpointed and truncated, and when the primary must stop accepting
// writes because the log has grown past what truncation can reclaim.
package truncation

import (
	"sync"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/txn"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

// LogState is a snapshot of the log and of the orchestrator's in-flight
// slots. Positions are byte offsets in the log; unset positions hold
// types.InvalidRecordPosition.
type LogState struct {
	HeadPosition    uint64
	TailPosition    uint64
	FlushedPosition uint64

	LastIndexPosition               uint64
	LastCompletedCheckpointPosition uint64
	EarliestReaderPosition          uint64

	CheckpointInFlight bool
	TruncationInFlight bool
}

// Usage returns the bytes between head and tail.
func (s LogState) Usage() uint64 {
	if s.TailPosition < s.HeadPosition {
		return 0
	}
	return s.TailPosition - s.HeadPosition
}

// BytesSinceLastCheckpoint returns the log growth after the last completed
// checkpoint, or the whole log when none has completed.
func (s LogState) BytesSinceLastCheckpoint() uint64 {
	from := s.HeadPosition
	if s.LastCompletedCheckpointPosition != types.InvalidRecordPosition && s.LastCompletedCheckpointPosition > from {
		from = s.LastCompletedCheckpointPosition
	}
	if s.TailPosition < from {
		return 0
	}
	return s.TailPosition - from
}

// PendingTransactions is the part of the transaction map the policy reads.
type PendingTransactions interface {
	PendingOlderThan(position uint64) []*txn.Transaction
}

// Policy is the default truncation policy. Its size checks are pure
// functions of a LogState; it keeps only the periodic state machine.
type Policy struct {
	cfg    Config
	logger logging.Logger

	mu       sync.Mutex
	periodic PeriodicState
}

// NewPolicy builds a policy. cfg must be valid.
func NewPolicy(cfg Config, logger logging.Logger) *Policy {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Policy{
		cfg:      cfg,
		logger:   logger.With(logging.Component("truncation")),
		periodic: PeriodicNotStarted,
	}
}

// Config returns the policy's thresholds.
func (p *Policy) Config() Config { return p.cfg }

// ShouldIndex reports whether an indexing record is due.
func (p *Policy) ShouldIndex(s LogState) bool {
	if s.LastIndexPosition == types.InvalidRecordPosition || s.TailPosition < s.LastIndexPosition {
		return true
	}
	return s.TailPosition-s.LastIndexPosition >= p.cfg.IndexIntervalBytes
}

// ShouldCheckpointOnPrimary reports whether the primary should start a
// checkpoint. When the log needs one but old transactions pin its head,
// it returns false together with the transactions to abort.
func (p *Policy) ShouldCheckpointOnPrimary(s LogState, txs PendingTransactions) (bool, []*txn.Transaction) {
	if s.CheckpointInFlight {
		return false, nil
	}
	if p.startPeriodicCheckpoint() {
		return true, nil
	}
	if s.BytesSinceLastCheckpoint() < p.cfg.checkpointThresholdBytes() {
		return false, nil
	}
	if old := p.GetOldTransactions(s, txs); len(old) > 0 {
		return false, old
	}
	return true, nil
}

// ShouldCheckpointOnSecondary reports whether a secondary should start a checkpoint.
func (p *Policy) ShouldCheckpointOnSecondary(s LogState) bool {
	if s.CheckpointInFlight {
		return false
	}
	if p.startPeriodicCheckpoint() {
		return true
	}
	return s.BytesSinceLastCheckpoint() >= p.cfg.checkpointThresholdBytes()
}

// ShouldTruncateHead reports whether a head truncation should be attempted.
func (p *Policy) ShouldTruncateHead(s LogState) bool {
	if s.TruncationInFlight {
		return false
	}
	if p.startPeriodicTruncation() {
		return true
	}
	return s.Usage() >= p.cfg.TruncationThresholdBytes()
}

// IsGoodLogHeadCandidate reports whether the record at position may become
// the new log head. The candidate must lie after the current head, be
// flushed, and not pass the earliest registered reader. Outside a periodic
// truncation it must also free at least an index interval and leave the
// minimum log size behind the tail.
func (p *Policy) IsGoodLogHeadCandidate(s LogState, position uint64) bool {
	if position <= s.HeadPosition || position >= s.FlushedPosition {
		return false
	}
	if s.EarliestReaderPosition != types.InvalidRecordPosition && position > s.EarliestReaderPosition {
		return false
	}
	if p.PeriodicState() == PeriodicTruncationStarted {
		return true
	}
	if position-s.HeadPosition < p.cfg.IndexIntervalBytes {
		return false
	}
	return s.TailPosition >= position && s.TailPosition-position >= p.cfg.minLogSizeBytes()
}

// ShouldBlockOperationsOnPrimary reports whether log usage has reached the
// throttling threshold.
func (p *Policy) ShouldBlockOperationsOnPrimary(s LogState) bool {
	return s.Usage() >= p.cfg.ThrottlingThresholdBytes()
}

// GetOldTransactions returns the pending transactions that begin in the
// oldest 1/TransactionAbortFactor of the log, once usage has reached the
// truncation threshold.
func (p *Policy) GetOldTransactions(s LogState, txs PendingTransactions) []*txn.Transaction {
	if txs == nil || s.Usage() < p.cfg.TruncationThresholdBytes() {
		return nil
	}
	limit := s.HeadPosition + uint64(float64(s.Usage())/p.cfg.TransactionAbortFactor)
	old := txs.PendingOlderThan(limit)
	if len(old) > 0 {
		p.logger.Info("log head pinned by old transactions",
			logging.Count(len(old)),
			logging.RecordPosition(limit))
	}
	return old
}
