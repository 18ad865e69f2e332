package orchestrator

import (
	"sync"
	"sync/atomic"
)

// RoleState is a RoleContext held in memory. It remembers the last fault.
type RoleState struct {
	role    atomic.Int32
	closing atomic.Bool

	mu        sync.Mutex
	faults    int
	lastFault error
	onFault   func(kind string, err error)
}

// NewRoleState returns a RoleState in role r.
func NewRoleState(r Role) *RoleState {
	s := &RoleState{}
	s.role.Store(int32(r))
	return s
}

func (s *RoleState) Role() Role { return Role(s.role.Load()) }

// SetRole changes the role and clears the closing flag.
func (s *RoleState) SetRole(r Role) {
	s.role.Store(int32(r))
	s.closing.Store(false)
}

func (s *RoleState) IsClosing() bool { return s.closing.Load() }

// SetClosing marks the replica as closing.
func (s *RoleState) SetClosing(closing bool) { s.closing.Store(closing) }

// OnFault installs fn, called for every reported fault.
func (s *RoleState) OnFault(fn func(kind string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFault = fn
}

func (s *RoleState) ReportFault(kind string, err error) {
	s.mu.Lock()
	s.faults++
	s.lastFault = err
	fn := s.onFault
	s.mu.Unlock()
	if fn != nil {
		fn(kind, err)
	}
}

// Faults returns the number of faults and the last one.
func (s *RoleState) Faults() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults, s.lastFault
}

var _ RoleContext = (*RoleState)(nil)
