package orchestrator

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/progress"
	"github.com/dd0wney/cluso-replog/pkg/truncation"
	"github.com/dd0wney/cluso-replog/pkg/txn"
	"github.com/dd0wney/cluso-replog/pkg/types"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

// LogManager is the replicated log as seen by the orchestrator.
type LogManager interface {
	TailLSN() types.LSN
	TailEpoch() types.Epoch
	HeadEpoch() types.Epoch
	HeadRecord() *wal.Record
	Usage() wal.Usage
	ProgressVector() *progress.Vector
	ProgressVectorSnapshot(maxEntries uint32, highestBackedUpEpoch types.Epoch) *progress.Vector

	InsertPhysical(typ wal.RecordType, sec wal.Section) (*wal.Record, error)
	Index() (*wal.Record, error)
	ReplicateAndLog(typ wal.RecordType, payload []byte) (*wal.Record, error)
	ReplicateBarrier(lastStable types.LSN) (*wal.Record, error)
	AppendBarrier(lsn, lastStable types.LSN) (*wal.Record, error)

	Flush(ctx context.Context) error
	FlushNotify() <-chan struct{}
	ShouldThrottleWrites() bool

	EndCheckpoint(ctx context.Context, begin *checkpoint.Record) (*wal.Record, error)
	CompleteCheckpoint(ctx context.Context) (*wal.Record, error)
	LastCompletedCheckpoint() (*checkpoint.Record, error)
	LastTruncateHead() (*checkpoint.TruncateHeadRecord, error)

	TruncateHeadCandidate(isGood func(position uint64) bool) (*wal.Record, bool)
	ProcessLogHeadTruncation(ctx context.Context, head checkpoint.RecordHeader) error
	RenameCopyLog(ctx context.Context) error

	FindCopyStartPosition(startingLSN types.LSN) *wal.Record
	PhysicalReader(start, end uint64, name string) (*wal.Reader, error)
}

// PerformMode tells the state manager why a checkpoint is taken.
type PerformMode int

const (
	PerformDefault PerformMode = iota
	PerformPeriodic
)

func (m PerformMode) String() string {
	if m == PerformPeriodic {
		return "periodic"
	}
	return "default"
}

// StateManager is the state-provider tree that checkpoints the replicated
// state. Calls are serialized by the state-manager API lock.
type StateManager interface {
	PrepareCheckpoint(lsn types.LSN) error
	PerformCheckpoint(ctx context.Context, mode PerformMode) error
	CompleteCheckpoint(ctx context.Context) error
}

// TransactionMap tracks the transactions that are still open.
type TransactionMap interface {
	truncation.PendingTransactions
	EarliestPendingTransaction(barrierLSN types.LSN) (*checkpoint.PendingTransaction, bool)
	RemoveStableTransactions(lsn types.LSN)
	Pending() []*txn.Transaction
}

// TruncationPolicy decides when to index, checkpoint, truncate and
// throttle, and owns the periodic checkpoint state.
type TruncationPolicy interface {
	ShouldIndex(s truncation.LogState) bool
	ShouldCheckpointOnPrimary(s truncation.LogState, txs truncation.PendingTransactions) (bool, []*txn.Transaction)
	ShouldCheckpointOnSecondary(s truncation.LogState) bool
	ShouldTruncateHead(s truncation.LogState) bool
	IsGoodLogHeadCandidate(s truncation.LogState, position uint64) bool
	ShouldBlockOperationsOnPrimary(s truncation.LogState) bool
	GetOldTransactions(s truncation.LogState, txs truncation.PendingTransactions) []*txn.Transaction

	PeriodicState() truncation.PeriodicState
	InitiatePeriodicCheckpoint()
	OnCheckpointCompleted(err error, state checkpoint.State)
	OnTruncationCompleted()
	Recover(periodicCheckpointTicks, periodicTruncationTicks int64)
	Reset()
}

// BackupManager reports the last completed backup.
type BackupManager interface {
	LastCompletedBackup() checkpoint.BackupInfo
}

// Role is the replica role.
type Role int

const (
	RoleNone Role = iota
	RolePrimary
	RoleIdleSecondary
	RoleActiveSecondary
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RolePrimary:
		return "primary"
	case RoleIdleSecondary:
		return "idle-secondary"
	case RoleActiveSecondary:
		return "active-secondary"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Fault kinds reported to the role context.
const (
	FaultTransient = "transient"
	FaultPermanent = "permanent"
)

// RoleContext is the replica's role and its fault sink.
type RoleContext interface {
	Role() Role
	IsClosing() bool
	ReportFault(kind string, err error)
}

// DrainStream names the stream a secondary is applying records from.
type DrainStream int

const (
	DrainInvalid DrainStream = iota
	DrainCopy
	DrainReplication
)

func (d DrainStream) String() string {
	switch d {
	case DrainCopy:
		return "copy"
	case DrainReplication:
		return "replication"
	default:
		return "invalid"
	}
}

type noBackups struct{}

func (noBackups) LastCompletedBackup() checkpoint.BackupInfo { return checkpoint.NoBackup }

var (
	_ LogManager       = (*wal.Log)(nil)
	_ TransactionMap   = (*txn.Map)(nil)
	_ TruncationPolicy = (*truncation.Policy)(nil)
)
