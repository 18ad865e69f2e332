package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/metrics"
	"github.com/dd0wney/cluso-replog/pkg/truncation"
	"github.com/dd0wney/cluso-replog/pkg/txn"
	"github.com/dd0wney/cluso-replog/pkg/types"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

// fakeStateManager records the checkpoint calls it receives. performGate,
// when set, blocks PerformCheckpoint until closed.
type fakeStateManager struct {
	mu          sync.Mutex
	prepared    []types.LSN
	modes       []PerformMode
	completed   int
	prepareErr  error
	performErr  error
	completeErr error
	performGate chan struct{}
}

func (f *fakeStateManager) PrepareCheckpoint(lsn types.LSN) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = append(f.prepared, lsn)
	return f.prepareErr
}

func (f *fakeStateManager) PerformCheckpoint(ctx context.Context, mode PerformMode) error {
	f.mu.Lock()
	gate := f.performGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	return f.performErr
}

func (f *fakeStateManager) CompleteCheckpoint(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed++
	return f.completeErr
}

func (f *fakeStateManager) calls() (prepared []types.LSN, modes []PerformMode, completed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.LSN(nil), f.prepared...), append([]PerformMode(nil), f.modes...), f.completed
}

// fakePolicy answers each decision from a flag. Checkpoint and truncation
// flags are consumed by the decision they trigger. The periodic cycle is
// the real one.
type fakePolicy struct {
	*truncation.Policy

	mu          sync.Mutex
	index       bool
	checkpoint  bool
	truncate    bool
	block       bool
	old         []*txn.Transaction
	completions []checkpoint.State
}

func newFakePolicy() *fakePolicy {
	return &fakePolicy{Policy: truncation.NewPolicy(truncation.DefaultConfig(), nil)}
}

func (f *fakePolicy) set(fn func(*fakePolicy)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakePolicy) ShouldIndex(truncation.LogState) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index
}

func (f *fakePolicy) ShouldCheckpointOnPrimary(s truncation.LogState, _ truncation.PendingTransactions) (bool, []*txn.Transaction) {
	if s.CheckpointInFlight {
		return false, nil
	}
	if f.PeriodicState() == truncation.PeriodicReady {
		return f.Policy.ShouldCheckpointOnSecondary(s), nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkpoint {
		f.checkpoint = false
		return true, nil
	}
	return false, f.old
}

func (f *fakePolicy) ShouldCheckpointOnSecondary(s truncation.LogState) bool {
	should, _ := f.ShouldCheckpointOnPrimary(s, nil)
	return should
}

func (f *fakePolicy) ShouldTruncateHead(s truncation.LogState) bool {
	if s.TruncationInFlight {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.truncate {
		f.truncate = false
		return true
	}
	return false
}

func (f *fakePolicy) IsGoodLogHeadCandidate(s truncation.LogState, position uint64) bool {
	return position > s.HeadPosition && position < s.FlushedPosition
}

func (f *fakePolicy) ShouldBlockOperationsOnPrimary(truncation.LogState) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block
}

func (f *fakePolicy) GetOldTransactions(truncation.LogState, truncation.PendingTransactions) []*txn.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.old
}

func (f *fakePolicy) OnCheckpointCompleted(err error, state checkpoint.State) {
	f.mu.Lock()
	f.completions = append(f.completions, state)
	f.mu.Unlock()
	f.Policy.OnCheckpointCompleted(err, state)
}

type fixedBackups struct{ info checkpoint.BackupInfo }

func (b fixedBackups) LastCompletedBackup() checkpoint.BackupInfo { return b.info }

type harness struct {
	log     *wal.Log
	txns    *txn.Map
	policy  *fakePolicy
	state   *fakeStateManager
	role    *RoleState
	metrics *metrics.Registry
	orch    *Orchestrator
}

type harnessConfig struct {
	orch    Config
	wal     wal.Config
	wrap    func(*wal.Log) LogManager
	backups BackupManager
}

type harnessOption func(*harnessConfig)

func withConfig(fn func(*Config)) harnessOption {
	return func(c *harnessConfig) { fn(&c.orch) }
}

func withLog(wrap func(*wal.Log) LogManager) harnessOption {
	return func(c *harnessConfig) { c.wrap = wrap }
}

func withBackups(b BackupManager) harnessOption {
	return func(c *harnessConfig) { c.backups = b }
}

func newHarness(t *testing.T, role Role, opts ...harnessOption) *harness {
	t.Helper()

	hc := harnessConfig{orch: DefaultConfig(), wal: wal.DefaultConfig()}
	hc.orch.GroupCommitInitialDelay = time.Millisecond
	hc.orch.GroupCommitMaxDelay = 8 * time.Millisecond
	hc.orch.Metrics = metrics.NewRegistry()
	hc.wal.FlushInterval = time.Millisecond
	for _, opt := range opts {
		opt(&hc)
	}

	l, err := wal.Open(hc.wal)
	require.NoError(t, err)
	var lm LogManager = l
	if hc.wrap != nil {
		lm = hc.wrap(l)
	}

	h := &harness{
		log:     l,
		txns:    txn.NewMap(),
		policy:  newFakePolicy(),
		state:   &fakeStateManager{},
		role:    NewRoleState(role),
		metrics: hc.orch.Metrics,
	}
	h.orch, err = New(hc.orch, Dependencies{
		Log:          lm,
		State:        h.state,
		Transactions: h.txns,
		Policy:       h.policy,
		Backups:      hc.backups,
		Role:         h.role,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		h.orch.Close()
		l.Close()
	})
	return h
}

// flakyBarrierLog refuses barriers while fail is set.
type flakyBarrierLog struct {
	*wal.Log
	fail atomic.Bool
}

var errBarrierRefused = errors.New("barrier refused")

func (f *flakyBarrierLog) ReplicateBarrier(lastStable types.LSN) (*wal.Record, error) {
	if f.fail.Load() {
		return nil, errBarrierRefused
	}
	return f.Log.ReplicateBarrier(lastStable)
}

// startCheckpoint asks for one checkpoint and returns it.
func (h *harness) startCheckpoint(t *testing.T, isPrimary bool) *checkpoint.Record {
	t.Helper()
	h.policy.set(func(p *fakePolicy) { p.checkpoint = true })
	rec := h.orch.CheckpointIfNecessary(isPrimary)
	require.NotNil(t, rec)
	return rec
}

// commit runs a group commit and waits until the stable LSN covers the
// current tail.
func (h *harness) commit(t *testing.T) {
	t.Helper()
	tail := h.log.TailLSN()
	h.orch.RequestGroupCommit()
	require.Eventually(t, func() bool { return h.orch.StableLSN() > tail }, 5*time.Second, time.Millisecond,
		"group commit never passed lsn %d", tail)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitForState(t *testing.T, get func() checkpoint.State, want checkpoint.State) {
	t.Helper()
	require.Eventually(t, func() bool { return get() == want }, 5*time.Second, time.Millisecond,
		"state never reached %s", want)
}

// recoverViolation runs fn and returns the invariant violation it panicked with.
func recoverViolation(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			}
		}
	}()
	fn()
	return nil
}
