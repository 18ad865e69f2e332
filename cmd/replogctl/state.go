package main

import (
	"context"
	"sync"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/orchestrator"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

// memoryState stands in for the replicated state providers. It keeps no
// data; a checkpoint only takes performDelay.
type memoryState struct {
	logger       logging.Logger
	performDelay time.Duration

	mu        sync.Mutex
	prepared  types.LSN
	performed int
	completed int
}

var _ orchestrator.StateManager = (*memoryState)(nil)

func newMemoryState(logger logging.Logger, performDelay time.Duration) *memoryState {
	return &memoryState{logger: logger, performDelay: performDelay, prepared: types.InvalidLSN}
}

func (s *memoryState) PrepareCheckpoint(lsn types.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared = lsn
	return nil
}

func (s *memoryState) PerformCheckpoint(ctx context.Context, mode orchestrator.PerformMode) error {
	if s.performDelay > 0 {
		t := time.NewTimer(s.performDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.performed++
	lsn := s.prepared
	s.mu.Unlock()
	s.logger.Debug("state checkpoint performed", logging.LSN(lsn), logging.String("mode", mode.String()))
	return nil
}

func (s *memoryState) CompleteCheckpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	return nil
}

func (s *memoryState) checkpoints() (performed, completed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.performed, s.completed
}
