package orchestrator

import (
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-replog/pkg/types"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

// Common sentinel errors
var (
	ErrServiceTooBusy        = errors.New("service too busy")
	ErrCheckpointAborted     = errors.New("checkpoint aborted")
	ErrTruncationAborted     = errors.New("log head truncation aborted")
	ErrIncompleteCopy        = errors.New("copy ended before the copied checkpoint")
	ErrNoCompletedCheckpoint = errors.New("no completed checkpoint")
	ErrCopySourceTruncated   = errors.New("copy source truncated")
	ErrClosed                = errors.New("orchestrator closed")
)

// Throttled resources.
const (
	ResourceLogWriter         = "log_writer"
	ResourcePendingCheckpoint = "pending_checkpoint"
	ResourcePendingTruncation = "pending_truncation"
)

// ThrottleError rejects a write until resource drains. It wraps
// ErrServiceTooBusy.
type ThrottleError struct {
	Resource string
	Backlog  uint64 // bytes between log head and tail
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("%v: %s saturated, %d bytes in log", ErrServiceTooBusy, e.Resource, e.Backlog)
}

func (e *ThrottleError) Unwrap() error {
	return ErrServiceTooBusy
}

// RecordError describes a failure while processing a log record.
type RecordError struct {
	Op         string         // Operation that failed (e.g., "PerformCheckpoint")
	RecordType wal.RecordType // Type of the record being processed
	LSN        types.LSN
	PSN        types.PSN
	Position   uint64
	Cause      error
}

// Error implements the error interface.
func (e *RecordError) Error() string {
	if e.RecordType == wal.RecordInvalid {
		return fmt.Sprintf("%s: %v", e.Op, e.Cause)
	}
	if e.Position == types.InvalidRecordPosition {
		return fmt.Sprintf("%s %s lsn=%d: %v", e.Op, e.RecordType, e.LSN, e.Cause)
	}
	return fmt.Sprintf("%s %s lsn=%d psn=%d pos=%d: %v", e.Op, e.RecordType, e.LSN, e.PSN, e.Position, e.Cause)
}

// Unwrap returns the underlying cause for error chain support.
func (e *RecordError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target error matches this error's cause.
func (e *RecordError) Is(target error) bool {
	if target == nil {
		return false
	}
	return errors.Is(e.Cause, target)
}

// ErrorBuilder provides a fluent interface for building RecordErrors.
type ErrorBuilder struct {
	err RecordError
}

// NewError creates a new error builder with the given operation.
func NewError(op string) *ErrorBuilder {
	return &ErrorBuilder{err: RecordError{Op: op, LSN: types.InvalidLSN, PSN: types.InvalidPSN, Position: types.InvalidRecordPosition}}
}

// Record sets the type and location from a log record.
func (b *ErrorBuilder) Record(rec *wal.Record) *ErrorBuilder {
	if rec == nil {
		return b
	}
	b.err.RecordType = rec.Type
	b.err.LSN = rec.LSN
	b.err.PSN = rec.PSN
	b.err.Position = rec.Position
	return b
}

// Type sets the record type for records not yet in the log.
func (b *ErrorBuilder) Type(t wal.RecordType) *ErrorBuilder {
	b.err.RecordType = t
	return b
}

// LSN sets the record LSN.
func (b *ErrorBuilder) LSN(lsn types.LSN) *ErrorBuilder {
	b.err.LSN = lsn
	return b
}

// Cause sets the underlying error cause.
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.err.Cause = err
	return b
}

// Build returns the constructed RecordError.
func (b *ErrorBuilder) Build() *RecordError {
	return &b.err
}

// Err returns the error as an error interface.
func (b *ErrorBuilder) Err() error {
	return &b.err
}

// IsTooBusy reports whether err asks the caller to retry later.
func IsTooBusy(err error) bool {
	return errors.Is(err, ErrServiceTooBusy)
}
