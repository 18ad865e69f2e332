// Package checkpoint implements the begin-checkpoint and truncate-head
// records of the replicated log: their monotonic state machines, the
// completion gates the orchestrator waits on, and the persisted section
// codec.
package checkpoint

import (
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-replog/pkg/invariant"
)

const component = "checkpoint"

// State is the lifecycle position of a checkpoint or truncation record.
// States only ever increase.
type State int32

const (
	StateInvalid State = iota
	StateReady
	StateApplied
	StateFaulted
	StateAborted
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateReady:
		return "ready"
	case StateApplied:
		return "applied"
	case StateFaulted:
		return "faulted"
	case StateAborted:
		return "aborted"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ApplyResolved reports whether the apply step has an outcome, i.e. the
// record is Applied, Faulted or Aborted.
func (s State) ApplyResolved() bool {
	return s == StateApplied || s == StateFaulted || s == StateAborted
}

// stateMachine is embedded by both record kinds.
type stateMachine struct {
	mu    sync.Mutex
	state State
	kind  string
}

// State returns the current state.
func (m *stateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AdvanceState moves the record to next. Moving to a state that is not
// strictly greater than the current one is an invariant violation.
func (m *stateMachine) AdvanceState(next State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	invariant.Assert(next > m.state, component,
		"%s record state cannot move from %s to %s", m.kind, m.state, next)
	m.state = next
}

// AdvanceFromInvalid moves an untouched record to next and reports true.
// When another party already moved the record, the observed state is
// returned with false.
func (m *stateMachine) AdvanceFromInvalid(next State) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInvalid {
		return m.state, false
	}
	invariant.Assert(next > StateInvalid, component, "%s record cannot stay invalid", m.kind)
	m.state = next
	return next, true
}

// AbortIfPending forces Invalid and Ready records to Aborted. It returns
// the state observed before the call.
func (m *stateMachine) AbortIfPending() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	if prev <= StateReady {
		m.state = StateAborted
	}
	return prev
}

// AdvanceFrom moves the record from `from` to next and reports whether it
// was in `from`.
func (m *stateMachine) AdvanceFrom(from, next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	invariant.Assert(next > from, component,
		"%s record state cannot move from %s to %s", m.kind, from, next)
	m.state = next
	return true
}
