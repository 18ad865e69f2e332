// Package orchestrator drives the log record lifecycle of a replicated
// partition. It decides when to insert indexing, checkpoint and truncate
// head records, moves those records through their state machines as the
// stable LSN advances, runs the group commit loop that advances it,
// throttles writers when the log cannot be truncated, and builds the set
// of records a new replica must copy.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/invariant"
	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/metrics"
	"github.com/dd0wney/cluso-replog/pkg/parallel"
	"github.com/dd0wney/cluso-replog/pkg/truncation"
	"github.com/dd0wney/cluso-replog/pkg/types"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

const component = "orchestrator"

// Dependencies are the collaborators an Orchestrator drives. Backups is
// optional.
type Dependencies struct {
	Log          LogManager
	State        StateManager
	Transactions TransactionMap
	Policy       TruncationPolicy
	Backups      BackupManager
	Role         RoleContext
}

type pendingCheckpoint struct {
	rec   *checkpoint.Record
	entry *wal.Record

	// set once the copy pump claimed a first checkpoint on full copy
	resolved atomic.Bool
}

type pendingTruncation struct {
	rec   *checkpoint.TruncateHeadRecord
	entry *wal.Record
}

// Orchestrator coordinates checkpoints, log head truncation, group commit
// and copy for one replica.
type Orchestrator struct {
	cfg     Config
	log     LogManager
	state   StateManager
	txns    TransactionMap
	policy  TruncationPolicy
	backups BackupManager
	role    RoleContext
	logger  logging.Logger
	metrics *metrics.Registry
	aborts  *parallel.WorkerPool

	backupAndCopyLock *ConsistencyLock
	stateManagerLock  *ConsistencyLock

	stable *Watermark

	// appendMu orders logical appends with checkpoint initiation so the
	// earliest pending transaction is computed at the record's own LSN.
	appendMu sync.Mutex

	// headTruncationMu keeps copy readers and head truncation apart. It is
	// taken after mu, or alone.
	headTruncationMu sync.Mutex

	// mu guards everything below. Lock order is mu, then appendMu, then
	// the log's own lock.
	mu                     sync.Mutex
	checkpoint             *pendingCheckpoint
	truncation             *pendingTruncation
	lastCompleted          *checkpoint.Record
	recoveredOrCopiedLSN   types.LSN
	lastPeriodicCheckpoint time.Time
	lastPeriodicTruncation time.Time
	periodicTimer          *time.Timer
	groupCommitNeeded      bool
	groupCommitArmed       bool
	groupCommitDelay       time.Duration
	groupCommitBackingOff  bool
	closed                 bool

	ctx     context.Context
	cancel  context.CancelFunc
	spawnMu sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Log == nil || deps.State == nil || deps.Transactions == nil || deps.Policy == nil || deps.Role == nil {
		return nil, errors.New("orchestrator: missing collaborator")
	}
	if deps.Backups == nil {
		deps.Backups = noBackups{}
	}

	logger := cfg.Logger.With(logging.Component(component))
	pool, err := parallel.NewWorkerPool(cfg.AbortWorkers, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:                  cfg,
		log:                  deps.Log,
		state:                deps.State,
		txns:                 deps.Transactions,
		policy:               deps.Policy,
		backups:              deps.Backups,
		role:                 deps.Role,
		logger:               logger,
		metrics:              cfg.Metrics,
		aborts:               pool,
		backupAndCopyLock:    newConsistencyLock(LockBackupAndCopy, logger, cfg.Metrics),
		stateManagerLock:     newConsistencyLock(LockStateManager, logger, cfg.Metrics),
		stable:               NewWatermark(types.ZeroLSN),
		recoveredOrCopiedLSN: types.InvalidLSN,
		groupCommitDelay:     cfg.GroupCommitInitialDelay,
		ctx:                  ctx,
		cancel:               cancel,
	}
	pool.SetPanicHandler(func(r any) {
		o.processError("AbortTransactions", nil, invariant.FromRecovered(r))
	})
	return o, nil
}

// Close stops background work. Pending checkpoint and truncation records
// are aborted; work already past its apply step runs to completion.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	if o.periodicTimer != nil {
		o.periodicTimer.Stop()
	}
	o.mu.Unlock()

	o.cancel()
	o.AbortPendingCheckpoint()
	o.AbortPendingLogHeadTruncation()

	o.spawnMu.Lock()
	o.stopped = true
	o.spawnMu.Unlock()
	o.wg.Wait()
	o.aborts.Close()

	o.logger.Info("orchestrator closed", logging.StableLSN(o.stable.Load()))
}

// goSafe runs fn in a tracked goroutine. A panic is reported as a fault.
// It returns false once the orchestrator stopped.
func (o *Orchestrator) goSafe(op string, fn func(ctx context.Context)) bool {
	o.spawnMu.Lock()
	defer o.spawnMu.Unlock()
	if o.stopped {
		o.logger.Debug("background work dropped after close", logging.Operation(op))
		return false
	}
	o.wg.Add(1)
	if o.metrics != nil {
		o.metrics.TaskStarted(op)
	}
	go func() {
		defer o.wg.Done()
		if o.metrics != nil {
			defer o.metrics.TaskFinished(op)
		}
		defer func() {
			if r := recover(); r != nil {
				o.processError(op, nil, invariant.FromRecovered(r))
			}
		}()
		fn(o.ctx)
	}()
	return true
}

// processError logs a failed record and reports it as a replica fault.
// Invariant violations are permanent faults.
func (o *Orchestrator) processError(op string, rec *wal.Record, cause error) error {
	e := NewError(op).Record(rec).Cause(cause).Build()
	kind := FaultTransient
	if invariant.IsViolation(cause) {
		kind = FaultPermanent
	}

	fields := []logging.Field{logging.Operation(op), logging.String("fault", kind), logging.Error(cause)}
	if rec != nil {
		fields = append(fields,
			logging.RecordType(rec.Type),
			logging.LSN(rec.LSN),
			logging.PSN(rec.PSN),
			logging.RecordPosition(rec.Position))
	}
	o.logger.Error("record processing failed", fields...)

	if o.metrics != nil {
		o.metrics.RecordPartitionFault(kind)
	}
	o.role.ReportFault(kind, e)
	return e
}

// logStateLocked snapshots what the truncation policy decides on.
func (o *Orchestrator) logStateLocked() truncation.LogState {
	u := o.log.Usage()
	s := truncation.LogState{
		HeadPosition:                    u.HeadPosition,
		TailPosition:                    u.TailPosition,
		FlushedPosition:                 u.FlushedPosition,
		LastIndexPosition:               u.LastIndexPosition,
		LastCompletedCheckpointPosition: types.InvalidRecordPosition,
		EarliestReaderPosition:          u.EarliestReaderPosition,
		CheckpointInFlight:              o.checkpoint != nil,
		TruncationInFlight:              o.truncation != nil,
	}
	if o.lastCompleted != nil {
		s.LastCompletedCheckpointPosition = o.lastCompleted.RecordPosition()
	}
	return s
}

// LogState returns the state the truncation policy currently sees.
func (o *Orchestrator) LogState() truncation.LogState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.logStateLocked()
}

// StableLSN returns the highest LSN known to be durable on a write quorum.
func (o *Orchestrator) StableLSN() types.LSN {
	return o.stable.Load()
}

// ResetStableLSN sets the stable LSN for a new role.
func (o *Orchestrator) ResetStableLSN(lsn types.LSN) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stable.Reset(lsn)
	if o.metrics != nil {
		o.metrics.SetStableLSN(int64(lsn))
	}
}

// Reuse prepares the orchestrator for a replica that is being rebuilt.
func (o *Orchestrator) Reuse() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stable.Reset(types.ZeroLSN)
	o.groupCommitDelay = o.cfg.GroupCommitInitialDelay
	o.groupCommitNeeded = false
	o.groupCommitBackingOff = false
	o.policy.Reset()
}

// LastCompletedCheckpoint returns the last completed checkpoint, or nil.
func (o *Orchestrator) LastCompletedCheckpoint() *checkpoint.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastCompleted
}

// InFlightCheckpoint returns the checkpoint being processed, or nil.
func (o *Orchestrator) InFlightCheckpoint() *checkpoint.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.checkpoint == nil {
		return nil
	}
	return o.checkpoint.rec
}

// InFlightTruncation returns the head truncation being processed, or nil.
func (o *Orchestrator) InFlightTruncation() *checkpoint.TruncateHeadRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.truncation == nil {
		return nil
	}
	return o.truncation.rec
}

// SetCopiedCheckpointLSN records the LSN of the checkpoint a copy ends
// with, or the one recovered from disk.
func (o *Orchestrator) SetCopiedCheckpointLSN(lsn types.LSN) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recoveredOrCopiedLSN = lsn
}

// AcquireBackupAndCopyConsistencyLock takes the lock serializing backup,
// copy and checkpoint completion. False means the configured timeout
// passed.
func (o *Orchestrator) AcquireBackupAndCopyConsistencyLock(ctx context.Context, locker string) (bool, error) {
	return o.backupAndCopyLock.Acquire(ctx, locker, o.cfg.LockTimeout)
}

// ReleaseBackupAndCopyConsistencyLock releases the backup and copy lock.
func (o *Orchestrator) ReleaseBackupAndCopyConsistencyLock(releaser string) {
	o.backupAndCopyLock.Release(releaser)
}

// AcquireStateManagerAPILock takes the lock serializing state manager calls.
func (o *Orchestrator) AcquireStateManagerAPILock(ctx context.Context, locker string) (bool, error) {
	return o.stateManagerLock.Acquire(ctx, locker, o.cfg.LockTimeout)
}

// ReleaseStateManagerAPILock releases the state manager API lock.
func (o *Orchestrator) ReleaseStateManagerAPILock(releaser string) {
	o.stateManagerLock.Release(releaser)
}

// ReplicateAndLog appends a logical record on the primary once the
// throttle admits it, then inserts any physical records that became due.
func (o *Orchestrator) ReplicateAndLog(typ wal.RecordType, payload []byte) (*wal.Record, error) {
	if err := o.ErrorIfThrottled(typ); err != nil {
		return nil, err
	}

	o.appendMu.Lock()
	rec, err := o.log.ReplicateAndLog(typ, payload)
	o.appendMu.Unlock()
	if err != nil {
		return nil, NewError("ReplicateAndLog").Type(typ).Cause(err).Err()
	}

	o.InsertPhysicalRecordsIfNecessary()
	return rec, nil
}

func toTicks(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromTicks(ticks int64) time.Time {
	if ticks <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ticks)
}
