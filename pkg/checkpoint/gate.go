package checkpoint

import (
	"context"
	"sync/atomic"

	"github.com/dd0wney/cluso-replog/pkg/invariant"
)

// Gate is a one-shot completion cell. It is signalled exactly once, with or
// without an error, and any number of waiters observe the same outcome.
type Gate struct {
	name      string
	signalled atomic.Bool
	done      chan struct{}
	err       error
}

// NewGate returns an unsignalled gate.
func NewGate(name string) *Gate {
	return &Gate{name: name, done: make(chan struct{})}
}

// Signal records the outcome and releases all waiters. Signalling twice
// is an invariant violation.
func (g *Gate) Signal(err error) {
	if !g.signalled.CompareAndSwap(false, true) {
		invariant.Failf(component, "gate %s signalled twice", g.name)
	}
	g.err = err
	close(g.done)
}

// Wait blocks until the gate is signalled or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the gate is signalled.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Signalled reports whether Signal was called.
func (g *Gate) Signalled() bool {
	return g.signalled.Load()
}

// Err returns the recorded outcome. It is nil until the gate is signalled.
func (g *Gate) Err() error {
	select {
	case <-g.done:
		return g.err
	default:
		return nil
	}
}
