package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/metrics"
	"github.com/dd0wney/cluso-replog/pkg/types"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

var (
	// ErrTrackerClosed fails records still outstanding when the tracker
	// closes.
	ErrTrackerClosed = errors.New("replication: quorum tracker closed")
	// ErrUnknownReplica is returned for acks from outside the replica set.
	ErrUnknownReplica = errors.New("replication: unknown replica")
)

// Publisher ships a record to the replicas.
type Publisher interface {
	Publish(rec *wal.Record) error
}

// QuorumTracker marks log records replicated once the primary flushed them
// and enough replicas acknowledged them. Replicas acknowledge cumulatively:
// an ack for LSN n covers every LSN up to n. Records complete in LSN order.
type QuorumTracker struct {
	cfg     QuorumConfig
	logger  logging.Logger
	metrics *metrics.Registry

	mu          sync.Mutex
	outstanding []*wal.Record
	acked       map[int64]types.LSN
	stable      types.LSN
	publisher   Publisher
	closed      bool
	notify      chan struct{}
}

// NewQuorumTracker creates a tracker for cfg.
func NewQuorumTracker(cfg QuorumConfig) (*QuorumTracker, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &QuorumTracker{
		cfg:     cfg,
		logger:  cfg.Logger.With(logging.Component("quorum")),
		metrics: cfg.Metrics,
		acked:   make(map[int64]types.LSN, cfg.Replicas),
		stable:  types.ZeroLSN,
		notify:  make(chan struct{}),
	}, nil
}

// Config returns the tracker configuration.
func (q *QuorumTracker) Config() QuorumConfig { return q.cfg }

// SetPublisher installs the transport records are published on.
func (q *QuorumTracker) SetPublisher(p Publisher) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.publisher = p
}

// Replicate implements wal.Replicator.
func (q *QuorumTracker) Replicate(rec *wal.Record) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		rec.Handle().MarkReplicated(ErrTrackerClosed)
		return
	}
	q.outstanding = append(q.outstanding, rec)
	p := q.publisher
	q.mu.Unlock()

	if p != nil {
		if err := p.Publish(rec); err != nil {
			q.logger.Warn("publish failed, record stays outstanding",
				logging.LSN(rec.LSN),
				logging.Error(err))
		} else if q.metrics != nil {
			q.metrics.ReplicationRecordsPublished.Inc()
		}
	}

	go func() {
		<-rec.Handle().Flushed()
		q.evaluate()
	}()
}

// Ack records that replicaID holds every record up to lsn.
func (q *QuorumTracker) Ack(replicaID int64, lsn types.LSN) error {
	if replicaID < 1 || replicaID > int64(q.cfg.Replicas) {
		q.recordAck("unknown")
		return fmt.Errorf("%w: %d", ErrUnknownReplica, replicaID)
	}

	q.mu.Lock()
	prev, seen := q.acked[replicaID]
	if seen && lsn <= prev {
		q.mu.Unlock()
		q.recordAck("late")
		return nil
	}
	q.acked[replicaID] = lsn
	connected := len(q.acked)
	q.mu.Unlock()

	q.recordAck("ok")
	if q.metrics != nil {
		q.metrics.ReplicationConnectedReplicas.Set(float64(connected))
	}
	q.evaluate()
	return nil
}

func (q *QuorumTracker) recordAck(result string) {
	if q.metrics != nil {
		q.metrics.RecordAck(result)
	}
}

// evaluate completes outstanding records from the front while each has a
// quorum.
func (q *QuorumTracker) evaluate() {
	type outcome struct {
		rec *wal.Record
		err error
	}
	var done []outcome

	q.mu.Lock()
	for len(q.outstanding) > 0 {
		rec := q.outstanding[0]
		h := rec.Handle()
		if !h.IsFlushed() {
			break
		}
		if err := h.AwaitFlush(context.Background()); err != nil {
			done = append(done, outcome{rec, err})
			q.outstanding = q.outstanding[1:]
			continue
		}
		if q.votesLocked(rec.LSN) < q.cfg.WriteQuorum {
			break
		}
		done = append(done, outcome{rec, nil})
		q.outstanding = q.outstanding[1:]
		q.stable = rec.LSN
	}
	if len(done) > 0 {
		close(q.notify)
		q.notify = make(chan struct{})
	}
	stable := q.stable
	q.mu.Unlock()

	if len(done) > 0 && q.metrics != nil {
		q.metrics.SetStableLSN(int64(stable))
	}

	for _, o := range done {
		o.rec.Handle().MarkReplicated(o.err)
	}
}

// votesLocked counts the primary and every replica that acked lsn.
func (q *QuorumTracker) votesLocked(lsn types.LSN) int {
	votes := 1
	for _, acked := range q.acked {
		if acked >= lsn {
			votes++
		}
	}
	return votes
}

// StableLSN returns the highest LSN known to be quorum-acknowledged.
func (q *QuorumTracker) StableLSN() types.LSN {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stable
}

// StableNotify returns a channel closed at the next stable LSN advance.
func (q *QuorumTracker) StableNotify() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notify
}

// Outstanding returns the records still waiting for a quorum.
func (q *QuorumTracker) Outstanding() []*wal.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*wal.Record(nil), q.outstanding...)
}

// AckedLSN returns the highest LSN acknowledged by replicaID.
func (q *QuorumTracker) AckedLSN(replicaID int64) (types.LSN, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	lsn, ok := q.acked[replicaID]
	return lsn, ok
}

// Close fails every outstanding record. Records replicated after Close fail
// immediately.
func (q *QuorumTracker) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.outstanding
	q.outstanding = nil
	q.mu.Unlock()

	for _, rec := range pending {
		rec.Handle().MarkReplicated(ErrTrackerClosed)
	}
	q.logger.Info("quorum tracker closed", logging.Count(len(pending)))
}

var _ wal.Replicator = (*QuorumTracker)(nil)
