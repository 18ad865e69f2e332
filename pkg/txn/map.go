// Package txn tracks the transactions a replica has begun but not yet seen
// become stable. The checkpoint orchestrator reads it to find the earliest
// pending transaction, and the truncation policy reads it to find
// transactions old enough to abort.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

var (
	// ErrDuplicateTransaction is returned when Begin sees an id twice
	ErrDuplicateTransaction = errors.New("transaction already begun")
	// ErrUnknownTransaction is returned when End names an id that is not pending
	ErrUnknownTransaction = errors.New("transaction not pending")
	// ErrAlreadyAborting is returned by a second Abort
	ErrAlreadyAborting = errors.New("transaction abort already requested")
)

// AbortFunc aborts a transaction on behalf of the replicator.
type AbortFunc func(ctx context.Context) error

// Transaction is a transaction whose begin record is in the log.
type Transaction struct {
	begin checkpoint.PendingTransaction
	abort AbortFunc

	endLSN   atomic.Int64
	aborting atomic.Bool
}

// ID returns the transaction id.
func (t *Transaction) ID() int64 { return t.begin.ID }

// Begin returns the location of the transaction's begin record.
func (t *Transaction) Begin() checkpoint.PendingTransaction { return t.begin }

// EndLSN returns the LSN of the end record, or InvalidLSN while pending.
func (t *Transaction) EndLSN() types.LSN { return types.LSN(t.endLSN.Load()) }

// Abort requests that the owner abort the transaction. Only the first call
// reaches the abort function.
func (t *Transaction) Abort(ctx context.Context) error {
	if !t.aborting.CompareAndSwap(false, true) {
		return ErrAlreadyAborting
	}
	if t.abort == nil {
		return nil
	}
	if err := t.abort(ctx); err != nil {
		return fmt.Errorf("abort transaction %d: %w", t.ID(), err)
	}
	return nil
}

// AbortRequested reports whether Abort has been called.
func (t *Transaction) AbortRequested() bool { return t.aborting.Load() }

// Map holds pending transactions and transactions that ended after the last
// stable LSN.
type Map struct {
	mu        sync.Mutex
	pending   map[int64]*Transaction
	completed []*Transaction // ordered by end LSN
	stableLSN types.LSN
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{
		pending:   make(map[int64]*Transaction),
		stableLSN: types.InvalidLSN,
	}
}

// Begin registers a transaction whose begin record was logged at begin.
func (m *Map) Begin(begin checkpoint.PendingTransaction, abort AbortFunc) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[begin.ID]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateTransaction, begin.ID)
	}
	tx := &Transaction{begin: begin, abort: abort}
	tx.endLSN.Store(int64(types.InvalidLSN))
	m.pending[begin.ID] = tx
	return tx, nil
}

// End moves a transaction from pending to completed.
func (m *Map) End(id int64, endLSN types.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.pending[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTransaction, id)
	}
	delete(m.pending, id)
	tx.endLSN.Store(int64(endLSN))

	if endLSN <= m.stableLSN {
		return nil
	}
	i := sort.Search(len(m.completed), func(i int) bool { return m.completed[i].EndLSN() > endLSN })
	m.completed = append(m.completed, nil)
	copy(m.completed[i+1:], m.completed[i:])
	m.completed[i] = tx
	return nil
}

// EarliestPendingTransaction returns the begin record of the oldest
// pending transaction, or nil when none is pending. failedBarrierCheck is
// set when the map holds records past barrierLSN, meaning the caller's
// view of the log tail raced with a concurrent writer.
func (m *Map) EarliestPendingTransaction(barrierLSN types.LSN) (earliest *checkpoint.PendingTransaction, failedBarrierCheck bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range m.pending {
		if tx.begin.LSN > barrierLSN {
			failedBarrierCheck = true
			continue
		}
		if earliest == nil || tx.begin.LSN < earliest.LSN {
			b := tx.begin
			earliest = &b
		}
	}
	if n := len(m.completed); n > 0 && m.completed[n-1].EndLSN() > barrierLSN {
		failedBarrierCheck = true
	}
	if failedBarrierCheck {
		return nil, true
	}
	return earliest, false
}

// RemoveStableTransactions forgets completed transactions that ended at or
// before lsn.
func (m *Map) RemoveStableTransactions(lsn types.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lsn > m.stableLSN {
		m.stableLSN = lsn
	}
	i := sort.Search(len(m.completed), func(i int) bool { return m.completed[i].EndLSN() > lsn })
	m.completed = append(m.completed[:0], m.completed[i:]...)
}

// Pending returns the pending transactions ordered by begin LSN.
func (m *Map) Pending() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(func(*Transaction) bool { return true })
}

// PendingOlderThan returns the pending transactions whose begin record lies
// before position, ordered by begin LSN.
func (m *Map) PendingOlderThan(position uint64) []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(func(tx *Transaction) bool { return tx.begin.RecordPosition < position })
}

func (m *Map) sortedLocked(keep func(*Transaction) bool) []*Transaction {
	out := make([]*Transaction, 0, len(m.pending))
	for _, tx := range m.pending {
		if keep(tx) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].begin.LSN < out[j].begin.LSN })
	return out
}

// Len returns the number of pending transactions.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// CompletedLen returns the number of ended transactions not yet stable.
func (m *Map) CompletedLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completed)
}

// Reset forgets every transaction, as after a role change.
func (m *Map) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[int64]*Transaction)
	m.completed = nil
	m.stableLSN = types.InvalidLSN
}
