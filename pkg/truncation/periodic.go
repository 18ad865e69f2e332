package truncation

import (
	"time"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/logging"
)

// PeriodicState tracks a timer-driven checkpoint followed by a head truncation.
type PeriodicState int

const (
	PeriodicNotStarted PeriodicState = iota
	PeriodicReady
	PeriodicCheckpointStarted
	PeriodicCheckpointCompleted
	PeriodicTruncationStarted
)

func (s PeriodicState) String() string {
	switch s {
	case PeriodicNotStarted:
		return "not-started"
	case PeriodicReady:
		return "ready"
	case PeriodicCheckpointStarted:
		return "checkpoint-started"
	case PeriodicCheckpointCompleted:
		return "checkpoint-completed"
	case PeriodicTruncationStarted:
		return "truncation-started"
	default:
		return "unknown"
	}
}

// CalculateTruncationTimerDuration returns how long the periodic timer
// should sleep. It fires at once when the interval has elapsed and no
// periodic cycle is running, waits a whole interval when one is still
// running, and otherwise waits for the remainder.
func CalculateTruncationTimerDuration(now, lastPeriodicCheckpoint time.Time, interval time.Duration, state PeriodicState) time.Duration {
	elapsed := now.Sub(lastPeriodicCheckpoint)
	if elapsed >= interval {
		if state == PeriodicNotStarted {
			return 0
		}
		return interval
	}
	return interval - elapsed
}

// PeriodicState returns the current periodic state.
func (p *Policy) PeriodicState() PeriodicState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.periodic
}

// InitiatePeriodicCheckpoint arms the next checkpoint decision to start a
// periodic cycle. It is a no-op while a cycle is running.
func (p *Policy) InitiatePeriodicCheckpoint() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.periodic != PeriodicNotStarted {
		return
	}
	p.periodic = PeriodicReady
	p.logger.Info("periodic checkpoint armed")
}

func (p *Policy) startPeriodicCheckpoint() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.periodic != PeriodicReady {
		return false
	}
	p.periodic = PeriodicCheckpointStarted
	return true
}

func (p *Policy) startPeriodicTruncation() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.periodic {
	case PeriodicCheckpointCompleted:
		p.periodic = PeriodicTruncationStarted
		return true
	case PeriodicTruncationStarted:
		// no candidate was found last time
		return true
	default:
		return false
	}
}

// OnCheckpointCompleted moves a periodic cycle past its checkpoint, or back
// to Ready so the next decision retries it.
func (p *Policy) OnCheckpointCompleted(err error, state checkpoint.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.periodic != PeriodicCheckpointStarted {
		return
	}
	if err != nil || state != checkpoint.StateCompleted {
		p.periodic = PeriodicReady
		p.logger.Warn("periodic checkpoint did not complete, retrying",
			logging.State(state), logging.Error(err))
		return
	}
	p.periodic = PeriodicCheckpointCompleted
}

// OnTruncationCompleted ends a periodic cycle.
func (p *Policy) OnTruncationCompleted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.periodic == PeriodicTruncationStarted {
		p.periodic = PeriodicNotStarted
	}
}

// Recover restores the periodic state from the timestamps persisted in the
// last completed checkpoint and truncation. A checkpoint newer than the
// truncation means the cycle still owes its truncation.
func (p *Policy) Recover(periodicCheckpointTicks, periodicTruncationTicks int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if periodicCheckpointTicks > periodicTruncationTicks {
		p.periodic = PeriodicCheckpointCompleted
	} else {
		p.periodic = PeriodicNotStarted
	}
}

// Reset abandons any periodic cycle.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.periodic = PeriodicNotStarted
}
