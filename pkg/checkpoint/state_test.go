package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	fn()
}

func advanceCatching(m *stateMachine, next State) (panicked bool) {
	defer func() {
		if recover() != nil {
			panicked = true
		}
	}()
	m.AdvanceState(next)
	return false
}

func TestStateMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300

	properties := gopter.NewProperties(parameters)

	properties.Property("observed states never decrease", prop.ForAll(
		func(steps []int) bool {
			m := &stateMachine{kind: "test"}
			prev := m.State()
			for _, step := range steps {
				next := State(step)
				panicked := advanceCatching(m, next)
				if panicked != (next <= prev) {
					return false
				}
				cur := m.State()
				if cur < prev {
					return false
				}
				if !panicked && cur != next {
					return false
				}
				prev = cur
			}
			return true
		},
		gen.SliceOf(gen.IntRange(int(StateInvalid), int(StateCompleted))),
	))

	properties.TestingRun(t)
}

func TestAdvanceFromInvalid(t *testing.T) {
	m := &stateMachine{kind: "test"}
	if s, ok := m.AdvanceFromInvalid(StateReady); !ok || s != StateReady {
		t.Fatalf("first advance: got %s %v", s, ok)
	}
	if s, ok := m.AdvanceFromInvalid(StateApplied); ok || s != StateReady {
		t.Fatalf("second advance: got %s %v, want ready false", s, ok)
	}
}

func TestAbortIfPending(t *testing.T) {
	tests := []struct {
		from      State
		wantAfter State
	}{
		{StateInvalid, StateAborted},
		{StateReady, StateAborted},
		{StateApplied, StateApplied},
		{StateFaulted, StateFaulted},
		{StateCompleted, StateCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			m := &stateMachine{kind: "test", state: tt.from}
			if prev := m.AbortIfPending(); prev != tt.from {
				t.Errorf("AbortIfPending returned %s, want %s", prev, tt.from)
			}
			if got := m.State(); got != tt.wantAfter {
				t.Errorf("state after abort = %s, want %s", got, tt.wantAfter)
			}
		})
	}
}

func TestStateOrderingAllowsFaultAfterApply(t *testing.T) {
	m := &stateMachine{kind: "test"}
	m.AdvanceState(StateReady)
	m.AdvanceState(StateApplied)
	m.AdvanceState(StateFaulted)
	if m.State() != StateFaulted {
		t.Fatalf("state = %s, want faulted", m.State())
	}
	expectPanic(t, "faulted to ready", func() { m.AdvanceState(StateReady) })
}

func TestGate(t *testing.T) {
	t.Run("signal once", func(t *testing.T) {
		g := NewGate("test")
		want := errors.New("boom")

		done := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() { done <- g.Wait(context.Background()) }()
		}
		g.Signal(want)

		for i := 0; i < 2; i++ {
			select {
			case err := <-done:
				if !errors.Is(err, want) {
					t.Errorf("waiter got %v, want %v", err, want)
				}
			case <-time.After(time.Second):
				t.Fatal("waiter not released")
			}
		}

		if err := g.Wait(context.Background()); !errors.Is(err, want) {
			t.Errorf("late waiter got %v", err)
		}
		if !g.Signalled() || !errors.Is(g.Err(), want) {
			t.Error("gate should report the recorded outcome")
		}
	})

	t.Run("second signal panics", func(t *testing.T) {
		g := NewGate("test")
		g.Signal(nil)
		expectPanic(t, "second signal", func() { g.Signal(nil) })
	})

	t.Run("wait honours context", func(t *testing.T) {
		g := NewGate("test")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := g.Wait(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("Wait = %v, want context.Canceled", err)
		}
		if g.Err() != nil {
			t.Error("unsignalled gate should have no outcome")
		}
	})
}

func TestAdvanceFrom(t *testing.T) {
	m := &stateMachine{kind: "test", state: StateApplied}
	if m.AdvanceFrom(StateReady, StateApplied) {
		t.Fatal("advanced from ready while applied")
	}
	if !m.AdvanceFrom(StateApplied, StateFaulted) {
		t.Fatal("did not advance from applied")
	}
	if m.AdvanceFrom(StateApplied, StateFaulted) {
		t.Fatal("advanced twice")
	}
	if m.State() != StateFaulted {
		t.Fatalf("state = %s, want faulted", m.State())
	}
}
