package wal

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

func decodeCheckpoint(rec *Record) (*checkpoint.Record, error) {
	return checkpoint.DecodeRecord(rec.Header(), bytes.NewReader(rec.Payload))
}

// EndCheckpoint logs the end of the checkpoint begun by begin and waits
// for it to be flushed.
func (l *Log) EndCheckpoint(ctx context.Context, begin *checkpoint.Record) (*Record, error) {
	h := begin.Header()
	payload := binary.LittleEndian.AppendUint64(nil, h.RecordPosition)
	payload = binary.LittleEndian.AppendUint64(payload, uint64(h.LSN))

	l.mu.Lock()
	rec, err := l.appendLocked(&Record{Type: RecordEndCheckpoint, LSN: l.tailLSN, Payload: payload}, nil, true)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	l.triggerFlush()
	return rec, rec.handle.AwaitFlush(ctx)
}

// CompleteCheckpoint logs that the last ended checkpoint is complete and
// waits for it to be flushed.
func (l *Log) CompleteCheckpoint(ctx context.Context) (*Record, error) {
	l.mu.Lock()
	rec, err := l.appendLocked(&Record{Type: RecordCompleteCheckpoint, LSN: l.tailLSN}, nil, true)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	l.triggerFlush()
	return rec, rec.handle.AwaitFlush(ctx)
}

// LastCompletedCheckpoint decodes the begin-checkpoint record of the newest
// completed checkpoint. It returns nil when none is retained.
func (l *Log) LastCompletedCheckpoint() (*checkpoint.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	end := l.newestBeforeLocked(RecordEndCheckpoint, l.newestBeforeLocked(RecordCompleteCheckpoint, len(l.records)))
	if end < 0 {
		return nil, nil
	}
	return l.decodeEndedCheckpointLocked(l.records[end])
}

// newestBeforeLocked returns the index of the newest record of typ below
// limit, or -1.
func (l *Log) newestBeforeLocked(typ RecordType, limit int) int {
	for i := limit - 1; i >= 0; i-- {
		if l.records[i].Type == typ {
			return i
		}
	}
	return -1
}

func (l *Log) decodeEndedCheckpointLocked(end *Record) (*checkpoint.Record, error) {
	if len(end.Payload) < 16 {
		return nil, fmt.Errorf("%w: end-checkpoint payload of %d bytes", ErrCorruptFrame, len(end.Payload))
	}
	position := binary.LittleEndian.Uint64(end.Payload[0:8])
	begin, ok := l.recordAtLocked(position)
	if !ok || begin.Type != RecordBeginCheckpoint {
		return nil, fmt.Errorf("%w: begin-checkpoint at %d", ErrRecordNotFound, position)
	}
	return decodeCheckpoint(begin)
}

// LastTruncateHead decodes the newest truncate-head record. It returns nil
// when none is retained.
func (l *Log) LastTruncateHead() (*checkpoint.TruncateHeadRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		if rec.Type == RecordTruncateHead {
			return checkpoint.DecodeTruncateHead(rec.Header(), bytes.NewReader(rec.Payload))
		}
	}
	return nil, nil
}

// TruncateHeadCandidate returns the newest indexing record after the head
// for which isGood holds.
func (l *Log) TruncateHeadCandidate(isGood func(position uint64) bool) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.records) - 1; i > 0; i-- {
		rec := l.records[i]
		if rec.Type == RecordIndexing && isGood(rec.Position) {
			return rec, true
		}
	}
	return nil, false
}

// ProcessLogHeadTruncation drops every record before head. It waits for
// readers that still need the dropped records. With a file sink the file is
// rewritten to start at head.
func (l *Log) ProcessLogHeadTruncation(ctx context.Context, head checkpoint.RecordHeader) error {
	for {
		l.mu.Lock()
		if r := l.readerBeforeLocked(head.RecordPosition); r != nil {
			changed := l.readersChanged
			l.mu.Unlock()
			l.logger.Debug("truncation waiting for reader",
				logging.String("reader", r.name),
				logging.RecordPosition(r.start))
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		l.mu.Unlock()

		l.flushMu.Lock()
		l.mu.Lock()
		if l.readerBeforeLocked(head.RecordPosition) == nil {
			break
		}
		l.mu.Unlock()
		l.flushMu.Unlock()
	}
	defer l.flushMu.Unlock()

	idx := l.searchLocked(head.RecordPosition)
	if idx >= len(l.records) || l.records[idx].Position != head.RecordPosition || l.records[idx].LSN != head.LSN {
		l.mu.Unlock()
		return fmt.Errorf("%w: head at %d lsn %d", ErrRecordNotFound, head.RecordPosition, head.LSN)
	}
	if idx == 0 {
		l.mu.Unlock()
		return nil
	}

	l.records = append([]*Record(nil), l.records[idx:]...)
	var retained []*Record
	for _, rec := range l.records {
		if rec.End() > l.flushedPosition {
			break
		}
		retained = append(retained, rec)
	}
	l.mu.Unlock()

	l.logger.Info("log head truncated",
		logging.RecordPosition(head.RecordPosition),
		logging.LSN(head.LSN),
		logging.Count(idx))

	if l.sink == nil {
		return nil
	}
	err := l.sink.Rotate(func(w io.Writer) error {
		for _, rec := range retained {
			if _, err := w.Write(l.reencode(rec)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to rewrite truncated log: %w", err)
	}
	return nil
}

func (l *Log) reencode(rec *Record) []byte {
	data, _ := storedPayload(nil, rec.Payload, rec.compressed)
	return encodeFrame(make([]byte, 0, frameOverhead+len(data)), rec, data, rec.compressed)
}

// FindCopyStartPosition walks the physical-previous chain back from the
// tail to the first physical record whose LSN is below startingLSN, or to
// the oldest retained one.
func (l *Log) FindCopyStartPosition(startingLSN types.LSN) *Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	tail := l.records[len(l.records)-1]
	start, ok := l.recordAtLocked(tail.PrevPhysical)
	if !ok {
		return l.records[0]
	}
	for start.LSN >= startingLSN {
		prev, ok := l.recordAtLocked(start.PrevPhysical)
		if !ok {
			break
		}
		start = prev
	}
	return start
}

// RenameCopyLog flushes the copy log and moves it to the permanent path.
func (l *Log) RenameCopyLog(ctx context.Context) error {
	if err := l.Flush(ctx); err != nil {
		return err
	}

	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.copyLog {
		return nil
	}
	if l.sink != nil {
		if err := l.sink.RenameTo(filepath.Join(l.cfg.Dir, logFileName)); err != nil {
			return err
		}
	}
	l.copyLog = false
	l.logger.Info("copy log renamed", logging.LSN(l.tailLSN))
	return nil
}

// IsCopyLog reports whether the log is a copy not yet renamed.
func (l *Log) IsCopyLog() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyLog
}

// Reader iterates a fixed range of records. While open it prevents the log
// head from being truncated past its start.
type Reader struct {
	log     *Log
	id      uint64
	name    string
	start   uint64
	records []*Record
	next    int
	closed  bool
}

// PhysicalReader opens a reader over the records positioned in
// [start, end]. end may be types.InvalidRecordPosition for the tail.
func (l *Log) PhysicalReader(start, end uint64, name string) (*Reader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLogClosed
	}
	if start < l.headPositionLocked() {
		return nil, fmt.Errorf("%w: reader %s at %d before head %d", ErrTruncated, name, start, l.headPositionLocked())
	}

	var recs []*Record
	for i := l.searchLocked(start); i < len(l.records); i++ {
		rec := l.records[i]
		if end != types.InvalidRecordPosition && rec.Position > end {
			break
		}
		recs = append(recs, rec)
	}

	l.nextReaderID++
	r := &Reader{log: l, id: l.nextReaderID, name: name, start: start, records: recs}
	l.readers[r.id] = r
	return r, nil
}

// Name returns the reader's name.
func (r *Reader) Name() string { return r.name }

// Start returns the position the reader pins.
func (r *Reader) Start() uint64 { return r.start }

// Len returns the number of records in the range.
func (r *Reader) Len() int { return len(r.records) }

// Peek returns the next record of the range without consuming it.
func (r *Reader) Peek() (*Record, bool) {
	if r.next >= len(r.records) {
		return nil, false
	}
	return r.records[r.next], true
}

// Next returns the next record of the range.
func (r *Reader) Next() (*Record, bool) {
	if r.next >= len(r.records) {
		return nil, false
	}
	rec := r.records[r.next]
	r.next++
	return rec, true
}

// Close releases the reader. Calling it more than once is harmless.
func (r *Reader) Close() {
	l := r.log
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	delete(l.readers, r.id)
	close(l.readersChanged)
	l.readersChanged = make(chan struct{})
}

// EarliestReader returns the name and start of the reader pinning the
// oldest position.
func (l *Log) EarliestReader() (string, uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.earliestLocked()
	if r == nil {
		return "", types.InvalidRecordPosition, false
	}
	return r.name, r.start, true
}

func (l *Log) earliestLocked() *Reader {
	var earliest *Reader
	for _, r := range l.readers {
		if earliest == nil || r.start < earliest.start {
			earliest = r
		}
	}
	return earliest
}

func (l *Log) earliestReaderLocked() uint64 {
	if r := l.earliestLocked(); r != nil {
		return r.start
	}
	return types.InvalidRecordPosition
}

func (l *Log) readerBeforeLocked(position uint64) *Reader {
	if r := l.earliestLocked(); r != nil && r.start < position {
		return r
	}
	return nil
}
