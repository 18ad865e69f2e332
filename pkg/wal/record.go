package wal

import (
	"context"
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

// RecordType identifies the kind of a log record
type RecordType uint8

const (
	RecordInvalid RecordType = iota
	RecordBarrier
	RecordUpdateEpoch
	RecordBeginTransaction
	RecordOperation
	RecordEndTransaction
	RecordBackup
	RecordIndexing
	RecordBeginCheckpoint
	RecordEndCheckpoint
	RecordCompleteCheckpoint
	RecordTruncateHead
	RecordInformation
)

var recordTypeNames = [...]string{
	RecordInvalid:            "invalid",
	RecordBarrier:            "barrier",
	RecordUpdateEpoch:        "update-epoch",
	RecordBeginTransaction:   "begin-transaction",
	RecordOperation:          "operation",
	RecordEndTransaction:     "end-transaction",
	RecordBackup:             "backup",
	RecordIndexing:           "indexing",
	RecordBeginCheckpoint:    "begin-checkpoint",
	RecordEndCheckpoint:      "end-checkpoint",
	RecordCompleteCheckpoint: "complete-checkpoint",
	RecordTruncateHead:       "truncate-head",
	RecordInformation:        "information",
}

func (t RecordType) String() string {
	if int(t) < len(recordTypeNames) {
		return recordTypeNames[t]
	}
	return fmt.Sprintf("record-type(%d)", uint8(t))
}

// IsPhysical reports whether records of this type are linked by the
// physical-previous chain rather than consuming an LSN.
func (t RecordType) IsPhysical() bool {
	switch t {
	case RecordIndexing, RecordBeginCheckpoint, RecordEndCheckpoint,
		RecordCompleteCheckpoint, RecordTruncateHead, RecordInformation:
		return true
	}
	return false
}

// IsThrottleable reports whether appends of this type are refused while
// the log is saturated.
func (t RecordType) IsThrottleable() bool {
	return t == RecordBeginTransaction || t == RecordOperation
}

// ConsumesLSN reports whether appending the type advances the tail LSN.
func (t RecordType) ConsumesLSN() bool {
	switch t {
	case RecordBarrier, RecordBeginTransaction, RecordOperation, RecordEndTransaction, RecordBackup:
		return true
	}
	return false
}

// Record is one entry of the log. Fields are fixed once the record is
// appended.
type Record struct {
	Type          RecordType
	LSN           types.LSN
	PSN           types.PSN
	Position      uint64
	Size          uint64
	PrevPhysical  uint64
	Epoch         types.Epoch
	LastStableLSN types.LSN
	Payload       []byte
	Timestamp     int64

	compressed bool
	handle     *Handle
}

// Header returns the record's location.
func (r *Record) Header() checkpoint.RecordHeader {
	return checkpoint.RecordHeader{LSN: r.LSN, PSN: r.PSN, RecordPosition: r.Position}
}

// End returns the position immediately after the record.
func (r *Record) End() uint64 {
	return r.Position + r.Size
}

// Handle returns the completion signals of the record.
func (r *Record) Handle() *Handle {
	return r.handle
}

func (r *Record) String() string {
	return fmt.Sprintf("%s{lsn=%d psn=%d pos=%d size=%d}", r.Type, r.LSN, r.PSN, r.Position, r.Size)
}

// signal is a one-shot completion carrying an error.
type signal struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newSignal() *signal {
	return &signal{done: make(chan struct{})}
}

func (s *signal) set(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *signal) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *signal) isSet() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Handle tracks a record through flush, replication and processing.
type Handle struct {
	lsn        types.LSN
	typ        RecordType
	flushed    *signal
	replicated *signal
	processed  *signal
}

func newHandle(lsn types.LSN, typ RecordType) *Handle {
	return &Handle{
		lsn:        lsn,
		typ:        typ,
		flushed:    newSignal(),
		replicated: newSignal(),
		processed:  newSignal(),
	}
}

// completedHandle returns a handle whose signals are all set, used for
// records recovered from disk.
func completedHandle(lsn types.LSN, typ RecordType) *Handle {
	h := newHandle(lsn, typ)
	h.flushed.set(nil)
	h.replicated.set(nil)
	h.processed.set(nil)
	return h
}

// LSN returns the LSN of the tracked record.
func (h *Handle) LSN() types.LSN { return h.lsn }

// Type returns the type of the tracked record.
func (h *Handle) Type() RecordType { return h.typ }

// AwaitFlush blocks until the record is durable or flushing failed.
func (h *Handle) AwaitFlush(ctx context.Context) error { return h.flushed.wait(ctx) }

// Flushed is closed once the flush outcome is known.
func (h *Handle) Flushed() <-chan struct{} { return h.flushed.done }

// IsFlushed reports whether the flush outcome is known.
func (h *Handle) IsFlushed() bool { return h.flushed.isSet() }

// AwaitReplication blocks until a write quorum acknowledged the record.
func (h *Handle) AwaitReplication(ctx context.Context) error { return h.replicated.wait(ctx) }

// Replicated is closed once the replication outcome is known.
func (h *Handle) Replicated() <-chan struct{} { return h.replicated.done }

// MarkReplicated sets the replication outcome. Only the first call counts.
func (h *Handle) MarkReplicated(err error) { h.replicated.set(err) }

// AwaitProcessing blocks until the record's consumer finished with it.
func (h *Handle) AwaitProcessing(ctx context.Context) error { return h.processed.wait(ctx) }

// MarkProcessed sets the processing outcome. Only the first call counts.
func (h *Handle) MarkProcessed(err error) { h.processed.set(err) }

func (h *Handle) markFlushed(err error) { h.flushed.set(err) }
