// Package wal is the replicated log substrate: an append-only sequence of
// typed records with flush, replication and processing signals, batched
// writes with a single fsync per batch, and head truncation.
package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/metrics"
	"github.com/dd0wney/cluso-replog/pkg/pools"
	"github.com/dd0wney/cluso-replog/pkg/progress"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

var (
	// ErrLogClosed is returned by operations on a closed log.
	ErrLogClosed = errors.New("wal: log closed")
	// ErrLogFailed is returned once a flush to the file sink failed.
	ErrLogFailed = errors.New("wal: log failed")
	// ErrOutOfOrder is returned when a replicated record skips an LSN.
	ErrOutOfOrder = errors.New("wal: record out of order")
	// ErrStaleEpoch is returned when an epoch update does not advance.
	ErrStaleEpoch = errors.New("wal: stale epoch")
	// ErrRecordNotFound is returned when no record sits at a position.
	ErrRecordNotFound = errors.New("wal: record not found")
	// ErrTruncated is returned for positions before the log head.
	ErrTruncated = errors.New("wal: position truncated")

	errCopyLogNeedsDir = errors.New("copy log requires a directory")
)

// pendingEntry is a record waiting for the next flush.
type pendingEntry struct {
	rec   *Record
	frame []byte
	local bool
}

// Log is the replicated log. It is safe for concurrent use.
type Log struct {
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Registry
	buffers *pools.BytePool

	mu              sync.Mutex
	records         []*Record
	pending         []*pendingEntry
	flushing        *Handle
	flushWaiters    []chan struct{}
	tailLSN         types.LSN
	tailEpoch       types.Epoch
	nextPSN         types.PSN
	nextPosition    uint64
	flushedPosition uint64
	bufferedBytes   uint64
	lastPhysical    *Record
	lastIndex       *Record
	vector          *progress.Vector
	readers         map[uint64]*Reader
	nextReaderID    uint64
	readersChanged  chan struct{}
	failed          error
	closed          bool
	copyLog         bool
	bytesIn         uint64
	bytesStored     uint64

	replMu     sync.Mutex
	replicator Replicator

	flushMu sync.Mutex
	sink    *FileRotator

	flushCh   chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open creates a log. With a directory configured, an existing log file is
// recovered first; a torn or corrupt tail is cut off with a warning.
func Open(cfg Config) (*Log, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Log{
		cfg:             cfg,
		logger:          cfg.Logger.With(logging.Component("wal")),
		metrics:         cfg.Metrics,
		buffers:         pools.NewBytePool(),
		tailLSN:         types.ZeroLSN,
		tailEpoch:       types.ZeroEpoch,
		nextPSN:         0,
		vector:          progress.NewZeroVector(),
		readers:         make(map[uint64]*Reader),
		readersChanged:  make(chan struct{}),
		copyLog:         cfg.CopyLog,
		flushCh:         make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}

	if cfg.Dir != "" {
		if err := EnsureDir(cfg.Dir); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		path := filepath.Join(cfg.Dir, logFileName)
		if cfg.CopyLog {
			path = filepath.Join(cfg.Dir, copyLogFileName)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to reset copy log: %w", err)
			}
		} else if err := l.recover(path); err != nil {
			return nil, err
		}
		l.sink = NewFileRotator(path, cfg.WriteBufferSize)
		if err := l.sink.Open(); err != nil {
			return nil, err
		}
	}

	if len(l.records) == 0 {
		l.mu.Lock()
		_, err := l.appendLocked(&Record{Type: RecordIndexing, LSN: types.ZeroLSN}, nil, true)
		l.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	l.wg.Add(1)
	go l.backgroundFlusher()

	l.logger.Info("log opened",
		logging.Path(cfg.Dir),
		logging.LSN(l.TailLSN()),
		logging.Bool("copy_log", cfg.CopyLog))
	return l, nil
}

// recover loads the records of an existing log file.
func (l *Log) recover(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open log for recovery: %w", err)
	}
	good, err := ReadFrames(bufio.NewReader(f), func(rec *Record) error {
		l.restore(rec)
		return nil
	})
	f.Close()

	if err != nil {
		if !errors.Is(err, ErrTornFrame) && !errors.Is(err, ErrChecksumMismatch) && !errors.Is(err, ErrCorruptFrame) {
			return fmt.Errorf("failed to recover log: %w", err)
		}
		l.logger.Warn("truncating damaged log tail",
			logging.Path(path),
			logging.Int64("valid_bytes", good),
			logging.Error(err))
		if err := os.Truncate(path, good); err != nil {
			return fmt.Errorf("failed to truncate damaged tail: %w", err)
		}
	}

	l.rebuildVector()
	return nil
}

func (l *Log) restore(rec *Record) {
	rec.handle = completedHandle(rec.LSN, rec.Type)
	l.records = append(l.records, rec)
	l.tailLSN = rec.LSN
	l.tailEpoch = rec.Epoch
	l.nextPSN = rec.PSN + 1
	l.nextPosition = rec.End()
	l.flushedPosition = rec.End()
	if rec.Type.IsPhysical() {
		l.lastPhysical = rec
	}
	if rec.Type == RecordIndexing {
		l.lastIndex = rec
	}
}

// rebuildVector seeds the progress vector from the newest checkpoint and
// replays the epoch updates logged after it.
func (l *Log) rebuildVector() {
	from := 0
	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		if rec.Type != RecordBeginCheckpoint {
			continue
		}
		cp, err := decodeCheckpoint(rec)
		if err != nil {
			l.logger.Warn("skipping undecodable checkpoint", logging.RecordPosition(rec.Position), logging.Error(err))
			continue
		}
		l.vector = cp.Vector().Snapshot()
		from = i + 1
		break
	}
	for _, rec := range l.records[from:] {
		if rec.Type != RecordUpdateEpoch {
			continue
		}
		entry := progress.NewEntry(rec.Epoch, rec.LSN, replicaFromPayload(rec.Payload))
		entry.Timestamp = time.Unix(0, rec.Timestamp).UTC()
		l.vector.Insert(entry)
	}
}

func replicaFromPayload(p []byte) int64 {
	if len(p) < 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(p))
}

// appendLocked places rec at the tail. rec.Type, rec.LSN and, for epoch
// updates, rec.Epoch are set by the caller.
func (l *Log) appendLocked(rec *Record, sec Section, local bool) (*Record, error) {
	if l.closed {
		return nil, ErrLogClosed
	}
	if l.failed != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogFailed, l.failed)
	}

	rec.PSN = l.nextPSN
	rec.Position = l.nextPosition
	rec.PrevPhysical = types.InvalidRecordPosition
	if l.lastPhysical != nil {
		rec.PrevPhysical = l.lastPhysical.Position
	}
	if rec.Type != RecordUpdateEpoch {
		rec.Epoch = l.tailEpoch
	}
	if rec.Type != RecordBarrier {
		rec.LastStableLSN = types.InvalidLSN
	}
	rec.Timestamp = time.Now().UnixNano()

	if sec != nil {
		sec.AssignPosition(rec.LSN, rec.PSN, rec.Position)
		payload, err := sec.MarshalSection(false)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", rec.Type, err)
		}
		rec.Payload = payload
	}

	var scratch []byte
	if l.cfg.Compress && len(rec.Payload) > 0 {
		scratch = l.buffers.GetSized(snappy.MaxEncodedLen(len(rec.Payload)))
	}
	data, compressed := storedPayload(scratch, rec.Payload, l.cfg.Compress)
	frame := encodeFrame(l.buffers.Get(frameOverhead+len(data)), rec, data, compressed)
	storedLen := len(data)
	if scratch != nil {
		l.buffers.Put(scratch)
	}
	rec.Size = uint64(len(frame))
	rec.compressed = compressed
	rec.handle = newHandle(rec.LSN, rec.Type)

	l.nextPSN++
	l.nextPosition += rec.Size
	l.tailLSN = rec.LSN
	l.records = append(l.records, rec)
	if rec.Type.IsPhysical() {
		l.lastPhysical = rec
	}
	if rec.Type == RecordIndexing {
		l.lastIndex = rec
	}
	l.pending = append(l.pending, &pendingEntry{rec: rec, frame: frame, local: local})
	l.bufferedBytes += rec.Size
	l.bytesIn += uint64(len(rec.Payload))
	l.bytesStored += uint64(storedLen)

	if l.metrics != nil {
		l.metrics.RecordLogRecord(rec.Type.String())
	}
	if len(l.pending) >= l.cfg.BatchSize {
		l.triggerFlush()
	}
	return rec, nil
}

func (l *Log) triggerFlush() {
	select {
	case l.flushCh <- struct{}{}:
	default:
	}
}

// SetReplicator installs the replicator for logical records appended with
// ReplicateAndLog. With none installed a record counts as replicated once
// it is flushed.
func (l *Log) SetReplicator(r Replicator) {
	l.replMu.Lock()
	defer l.replMu.Unlock()
	l.replicator = r
}

// ReplicateAndLog assigns the next LSN to a logical record and hands it to
// the replicator.
func (l *Log) ReplicateAndLog(typ RecordType, payload []byte) (*Record, error) {
	return l.replicate(&Record{Type: typ, Payload: payload})
}

// ReplicateBarrier appends a barrier carrying the last stable LSN.
func (l *Log) ReplicateBarrier(lastStable types.LSN) (*Record, error) {
	return l.replicate(&Record{Type: RecordBarrier, LastStableLSN: lastStable})
}

func (l *Log) replicate(rec *Record) (*Record, error) {
	if !rec.Type.ConsumesLSN() {
		return nil, fmt.Errorf("wal: %s records are not replicated", rec.Type)
	}

	l.mu.Lock()
	l.replMu.Lock()
	r := l.replicator
	rec.LSN = l.tailLSN + 1
	appended, err := l.appendLocked(rec, nil, r == nil)
	l.mu.Unlock()
	if err != nil {
		l.replMu.Unlock()
		return nil, err
	}
	if r != nil {
		r.Replicate(appended)
	}
	l.replMu.Unlock()
	return appended, nil
}

// AppendReplicated appends a logical record received from the primary. The
// record must carry the LSN after the tail.
func (l *Log) AppendReplicated(typ RecordType, lsn types.LSN, payload []byte) (*Record, error) {
	return l.appendReplicated(&Record{Type: typ, LSN: lsn, Payload: payload})
}

// AppendBarrier appends a barrier received from the primary.
func (l *Log) AppendBarrier(lsn, lastStable types.LSN) (*Record, error) {
	return l.appendReplicated(&Record{Type: RecordBarrier, LSN: lsn, LastStableLSN: lastStable})
}

func (l *Log) appendReplicated(rec *Record) (*Record, error) {
	if !rec.Type.ConsumesLSN() {
		return nil, fmt.Errorf("wal: %s records are not replicated", rec.Type)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec.LSN != l.tailLSN+1 {
		return nil, fmt.Errorf("%w: got lsn %d after tail %d", ErrOutOfOrder, rec.LSN, l.tailLSN)
	}
	appended, err := l.appendLocked(rec, nil, false)
	if err != nil {
		return nil, err
	}
	appended.handle.MarkReplicated(nil)
	return appended, nil
}

// InsertPhysical appends a physical record at the tail LSN. sec may be nil
// for records without a payload.
func (l *Log) InsertPhysical(typ RecordType, sec Section) (*Record, error) {
	if !typ.IsPhysical() {
		return nil, fmt.Errorf("wal: %s is not a physical record", typ)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(&Record{Type: typ, LSN: l.tailLSN}, sec, true)
}

// InsertInformation appends an information record with payload.
func (l *Log) InsertInformation(payload []byte) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(&Record{Type: RecordInformation, LSN: l.tailLSN, Payload: payload}, nil, true)
}

// Index appends an indexing record, a candidate for a future log head.
func (l *Log) Index() (*Record, error) {
	return l.InsertPhysical(RecordIndexing, nil)
}

// UpdateEpoch starts a new epoch at the tail LSN and records it in the
// progress vector.
func (l *Log) UpdateEpoch(epoch types.Epoch, replicaID int64) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.tailEpoch.Less(epoch) {
		return nil, fmt.Errorf("%w: %v does not follow %v", ErrStaleEpoch, epoch, l.tailEpoch)
	}
	payload := binary.LittleEndian.AppendUint64(nil, uint64(replicaID))
	rec, err := l.appendLocked(&Record{Type: RecordUpdateEpoch, LSN: l.tailLSN, Epoch: epoch, Payload: payload}, nil, true)
	if err != nil {
		return nil, err
	}
	l.tailEpoch = epoch
	l.vector.Insert(progress.NewEntry(epoch, rec.LSN, replicaID))
	l.logger.Info("epoch updated", logging.Epoch(epoch), logging.LSN(rec.LSN), logging.ReplicaID(replicaID))
	return rec, nil
}

// backgroundFlusher periodically flushes buffered records
func (l *Log) backgroundFlusher() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			// Final flush on shutdown
			l.flush()
			return

		case <-ticker.C:
			l.flush()

		case <-l.flushCh:
			l.flush()
		}
	}
}

// flush writes all buffered records with a single fsync
func (l *Log) flush() {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	waiters := l.flushWaiters
	l.flushWaiters = nil
	if len(l.pending) == 0 {
		l.mu.Unlock()
		closeAll(waiters)
		return
	}

	// Take ownership of current buffer
	batch := l.pending
	l.pending = make([]*pendingEntry, 0, l.cfg.BatchSize)
	l.flushing = batch[len(batch)-1].rec.handle
	l.mu.Unlock()

	start := time.Now()
	var err error
	if l.sink != nil {
		w := l.sink.Writer()
		for _, e := range batch {
			if _, err = w.Write(e.frame); err != nil {
				break
			}
		}
		if err == nil {
			err = l.sink.Sync()
		}
	}
	elapsed := time.Since(start)

	var size uint64
	for _, e := range batch {
		size += e.rec.Size
		l.buffers.Put(e.frame)
		e.frame = nil
	}

	l.mu.Lock()
	l.flushing = nil
	l.bufferedBytes -= size
	if err == nil {
		l.flushedPosition = batch[len(batch)-1].rec.End()
	} else if l.failed == nil {
		l.failed = err
	}
	usage := l.nextPosition - l.headPositionLocked()
	bytesIn, bytesStored := l.bytesIn, l.bytesStored
	l.mu.Unlock()

	if err != nil {
		l.logger.Error("log flush failed", logging.Count(len(batch)), logging.Error(err))
	}
	for _, e := range batch {
		e.rec.handle.markFlushed(err)
		if e.local {
			e.rec.handle.MarkReplicated(err)
		}
	}
	closeAll(waiters)

	if l.metrics != nil {
		l.metrics.RecordLogFlush(elapsed, usage)
		l.metrics.SetCompressionRatio(bytesStored, bytesIn)
	}
}

func closeAll(chs []chan struct{}) {
	for _, ch := range chs {
		close(ch)
	}
}

// Flush blocks until every record appended before the call is durable.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	var last *Handle
	if n := len(l.pending); n > 0 {
		last = l.pending[n-1].rec.handle
	} else if l.flushing != nil {
		last = l.flushing
	}
	l.mu.Unlock()

	if last == nil {
		return nil
	}
	l.triggerFlush()
	return last.AwaitFlush(ctx)
}

// FlushNotify returns a channel closed when the next flush finishes.
func (l *Log) FlushNotify() <-chan struct{} {
	ch := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		close(ch)
		return ch
	}
	l.flushWaiters = append(l.flushWaiters, ch)
	l.mu.Unlock()
	l.triggerFlush()
	return ch
}

// IsCompletelyFlushed reports whether no record awaits a flush.
func (l *Log) IsCompletelyFlushed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) == 0 && l.flushing == nil
}

// ShouldThrottleWrites reports whether unflushed bytes exceed the buffer
// bound.
func (l *Log) ShouldThrottleWrites() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bufferedBytes >= l.cfg.MaxBufferedBytes
}

// Usage describes the log extent.
type Usage struct {
	HeadPosition           uint64
	TailPosition           uint64
	FlushedPosition        uint64
	LastIndexPosition      uint64
	EarliestReaderPosition uint64
	BufferedBytes          uint64
	Records                int
}

// Bytes returns the bytes between head and tail.
func (u Usage) Bytes() uint64 {
	return u.TailPosition - u.HeadPosition
}

// Usage returns a snapshot of the log extent.
func (l *Log) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := Usage{
		HeadPosition:           l.headPositionLocked(),
		TailPosition:           l.nextPosition,
		FlushedPosition:        l.flushedPosition,
		LastIndexPosition:      types.InvalidRecordPosition,
		EarliestReaderPosition: l.earliestReaderLocked(),
		BufferedBytes:          l.bufferedBytes,
		Records:                len(l.records),
	}
	if l.lastIndex != nil {
		u.LastIndexPosition = l.lastIndex.Position
	}
	return u
}

func (l *Log) headPositionLocked() uint64 {
	if len(l.records) == 0 {
		return l.nextPosition
	}
	return l.records[0].Position
}

// TailLSN returns the LSN of the tail record.
func (l *Log) TailLSN() types.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailLSN
}

// TailEpoch returns the current epoch.
func (l *Log) TailEpoch() types.Epoch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailEpoch
}

// HeadEpoch returns the epoch of the head record.
func (l *Log) HeadEpoch() types.Epoch {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return l.tailEpoch
	}
	return l.records[0].Epoch
}

// HeadRecord returns the oldest retained record.
func (l *Log) HeadRecord() *Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[0]
}

// TailRecord returns the newest record.
func (l *Log) TailRecord() *Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[len(l.records)-1]
}

// LastPhysical returns the newest physical record.
func (l *Log) LastPhysical() *Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPhysical
}

// RecordAt returns the record at position.
func (l *Log) RecordAt(position uint64) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordAtLocked(position)
}

func (l *Log) recordAtLocked(position uint64) (*Record, bool) {
	i := l.searchLocked(position)
	if i < len(l.records) && l.records[i].Position == position {
		return l.records[i], true
	}
	return nil, false
}

// searchLocked returns the index of the first record at or after position.
func (l *Log) searchLocked(position uint64) int {
	return sort.Search(len(l.records), func(i int) bool {
		return l.records[i].Position >= position
	})
}

// ProgressVector returns a copy of the live progress vector.
func (l *Log) ProgressVector() *progress.Vector {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vector.Snapshot()
}

// ProgressVectorSnapshot trims the live vector to maxEntries when it has
// grown past it and returns a copy.
func (l *Log) ProgressVectorSnapshot(maxEntries uint32, highestBackedUpEpoch types.Epoch) *progress.Vector {
	l.mu.Lock()
	defer l.mu.Unlock()
	head := l.tailEpoch
	if len(l.records) > 0 {
		head = l.records[0].Epoch
	}
	l.vector.SetMaxEntries(maxEntries)
	return l.vector.Clone(maxEntries, highestBackedUpEpoch, head)
}

// Close flushes buffered records and closes the file sink.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		// Signal background flusher to stop
		close(l.stopCh)

		// Wait for background flusher to complete (including final flush)
		l.wg.Wait()

		l.flushMu.Lock()
		if l.sink != nil {
			l.closeErr = l.sink.Close()
		}
		l.flushMu.Unlock()
		l.logger.Info("log closed", logging.LSN(l.TailLSN()))
	})
	return l.closeErr
}
