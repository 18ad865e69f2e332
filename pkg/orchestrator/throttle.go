package orchestrator

import (
	"errors"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/txn"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

// ErrorIfThrottled rejects a transactional write while the log cannot take
// it. Writes are throttled when the log writer's buffer is full, or when
// usage reached the throttling threshold and a pending checkpoint or head
// truncation has to finish first. With nothing in flight, old transactions
// pinning the head are aborted instead and the write is admitted.
func (o *Orchestrator) ErrorIfThrottled(typ wal.RecordType) error {
	if !typ.IsThrottleable() {
		return nil
	}

	old, err := o.throttleDecision()
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordThrottledWrite(err.Resource)
		}
		o.logger.Debug("write throttled",
			logging.RecordType(typ),
			logging.String("resource", err.Resource),
			logging.Uint64("log_bytes", err.Backlog))
		return err
	}
	o.abortOldTransactions(old)
	return nil
}

func (o *Orchestrator) throttleDecision() ([]*txn.Transaction, *ThrottleError) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.logStateLocked()
	if o.log.ShouldThrottleWrites() {
		return nil, &ThrottleError{Resource: ResourceLogWriter, Backlog: s.Usage()}
	}
	if !o.policy.ShouldBlockOperationsOnPrimary(s) {
		return nil, nil
	}
	switch {
	case o.checkpoint != nil:
		return nil, &ThrottleError{Resource: ResourcePendingCheckpoint, Backlog: s.Usage()}
	case o.truncation != nil:
		return nil, &ThrottleError{Resource: ResourcePendingTruncation, Backlog: s.Usage()}
	default:
		return o.policy.GetOldTransactions(s, o.txns), nil
	}
}

// abortOldTransactions aborts txs on the worker pool. A full pool drops
// the batch; the next decision finds the same transactions again.
func (o *Orchestrator) abortOldTransactions(txs []*txn.Transaction) {
	if len(txs) == 0 {
		return
	}
	ctx := o.ctx
	submitted := o.aborts.TrySubmit(func() {
		aborted := 0
		for _, tx := range txs {
			err := tx.Abort(ctx)
			switch {
			case err == nil:
				aborted++
			case errors.Is(err, txn.ErrAlreadyAborting):
			default:
				o.logger.Warn("transaction abort failed",
					logging.TransactionID(tx.ID()), logging.Error(err))
			}
		}
		if o.metrics != nil {
			o.metrics.RecordAbortedTransactions(aborted)
		}
		o.logger.Info("old transactions aborted", logging.Count(aborted))
	})
	if !submitted {
		o.logger.Debug("abort batch dropped, pool busy", logging.Count(len(txs)))
	}
}
