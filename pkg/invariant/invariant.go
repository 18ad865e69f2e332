// Package invariant reports broken internal invariants. A violation means a
// logic bug: the replica instance that observes it must stop, so violations
// are raised as panics carrying a *Violation and recovered only at the
// orchestrator boundary where they become partition faults.
package invariant

import (
	"errors"
	"fmt"
)

// Violation describes a broken invariant.
type Violation struct {
	Component string
	Message   string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("REPLICATOR CRITICAL: %s: %s", v.Component, v.Message)
}

// Assert panics with a *Violation when cond is false.
func Assert(cond bool, component, format string, args ...any) {
	if !cond {
		Failf(component, format, args...)
	}
}

// Failf panics with a *Violation.
func Failf(component, format string, args ...any) {
	panic(&Violation{Component: component, Message: fmt.Sprintf(format, args...)})
}

// FromRecovered converts a value returned by recover() into an error.
// Violations are returned as-is, anything else is wrapped.
func FromRecovered(r any) error {
	switch v := r.(type) {
	case nil:
		return nil
	case *Violation:
		return v
	case error:
		return fmt.Errorf("panic: %w", v)
	default:
		return fmt.Errorf("panic: %v", v)
	}
}

// IsViolation reports whether err is or wraps a *Violation.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}
