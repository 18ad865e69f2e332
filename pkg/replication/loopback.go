package replication

import (
	"sync"

	"github.com/dd0wney/cluso-replog/pkg/wal"
)

// ApplyFunc applies a replicated record on a replica.
type ApplyFunc func(replicaID int64, m RecordMessage) error

// LoopbackPublisher acknowledges records in process on behalf of a fixed
// set of replicas. Replicas listed as paused hold their acks until resumed.
type LoopbackPublisher struct {
	tracker *QuorumTracker
	apply   ApplyFunc

	mu      sync.Mutex
	ids     []int64
	paused  map[int64]bool
	pending map[int64][]RecordMessage
}

// NewLoopbackPublisher creates a publisher acknowledging for replicaIDs.
// apply may be nil.
func NewLoopbackPublisher(tracker *QuorumTracker, replicaIDs []int64, apply ApplyFunc) *LoopbackPublisher {
	return &LoopbackPublisher{
		tracker: tracker,
		apply:   apply,
		ids:     append([]int64(nil), replicaIDs...),
		paused:  make(map[int64]bool),
		pending: make(map[int64][]RecordMessage),
	}
}

// Publish implements Publisher.
func (p *LoopbackPublisher) Publish(rec *wal.Record) error {
	m := NewRecordMessage(rec)

	p.mu.Lock()
	var live []int64
	for _, id := range p.ids {
		if p.paused[id] {
			p.pending[id] = append(p.pending[id], m)
			continue
		}
		live = append(live, id)
	}
	p.mu.Unlock()

	for _, id := range live {
		if err := p.deliver(id, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *LoopbackPublisher) deliver(id int64, m RecordMessage) error {
	if p.apply != nil {
		if err := p.apply(id, m); err != nil {
			return err
		}
	}
	return p.tracker.Ack(id, m.LSN)
}

// Pause holds acks from replicaID.
func (p *LoopbackPublisher) Pause(replicaID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused[replicaID] = true
}

// Resume delivers the records held for replicaID and acks them.
func (p *LoopbackPublisher) Resume(replicaID int64) error {
	p.mu.Lock()
	held := p.pending[replicaID]
	delete(p.pending, replicaID)
	delete(p.paused, replicaID)
	p.mu.Unlock()

	for _, m := range held {
		if err := p.deliver(replicaID, m); err != nil {
			return err
		}
	}
	return nil
}

var _ Publisher = (*LoopbackPublisher)(nil)
