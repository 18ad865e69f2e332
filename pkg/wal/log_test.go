package wal

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/progress"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

func openLog(t *testing.T, cfg Config) *Log {
	t.Helper()
	l, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOpenStartsWithIndexRecord(t *testing.T) {
	l := openLog(t, DefaultConfig())

	head := l.HeadRecord()
	assert.Equal(t, RecordIndexing, head.Type)
	assert.Equal(t, uint64(0), head.Position)
	assert.Equal(t, types.ZeroLSN, head.LSN)
	assert.Equal(t, types.InvalidRecordPosition, head.PrevPhysical)
	assert.Equal(t, types.ZeroLSN, l.TailLSN())
	assert.Equal(t, types.ZeroEpoch, l.TailEpoch())

	u := l.Usage()
	assert.Equal(t, head.Size, u.Bytes())
	assert.Equal(t, uint64(0), u.LastIndexPosition)
	assert.Equal(t, types.InvalidRecordPosition, u.EarliestReaderPosition)
}

func TestReplicateAndLogAssignsSequence(t *testing.T) {
	l := openLog(t, DefaultConfig())
	ctx := testContext(t)

	var recs []*Record
	for i := 0; i < 3; i++ {
		rec, err := l.ReplicateAndLog(RecordOperation, []byte("op"))
		require.NoError(t, err)
		recs = append(recs, rec)
	}

	for i, rec := range recs {
		assert.Equal(t, types.LSN(i+1), rec.LSN)
		assert.Equal(t, types.PSN(i+1), rec.PSN)
		assert.Equal(t, uint64(0), rec.PrevPhysical, "logical records link to the last physical record")
		assert.Equal(t, types.InvalidLSN, rec.LastStableLSN)
		if i > 0 {
			assert.Equal(t, recs[i-1].End(), rec.Position)
		}
	}

	require.NoError(t, l.Flush(ctx))
	last := recs[len(recs)-1]
	assert.True(t, last.Handle().IsFlushed())
	require.NoError(t, last.Handle().AwaitReplication(ctx), "without a replicator flush implies replication")
	assert.True(t, l.IsCompletelyFlushed())
	assert.Equal(t, last.End(), l.Usage().FlushedPosition)
}

func TestReplicateRejectsPhysicalTypes(t *testing.T) {
	l := openLog(t, DefaultConfig())
	_, err := l.ReplicateAndLog(RecordIndexing, nil)
	assert.Error(t, err)
	_, err = l.InsertPhysical(RecordOperation, nil)
	assert.Error(t, err)
}

func TestReplicateBarrierCarriesStableLSN(t *testing.T) {
	l := openLog(t, DefaultConfig())
	_, err := l.ReplicateAndLog(RecordOperation, nil)
	require.NoError(t, err)

	barrier, err := l.ReplicateBarrier(1)
	require.NoError(t, err)
	assert.Equal(t, RecordBarrier, barrier.Type)
	assert.Equal(t, types.LSN(2), barrier.LSN)
	assert.Equal(t, types.LSN(1), barrier.LastStableLSN)
}

type recordingReplicator struct {
	mu   sync.Mutex
	lsns []types.LSN
}

func (r *recordingReplicator) Replicate(rec *Record) {
	r.mu.Lock()
	r.lsns = append(r.lsns, rec.LSN)
	r.mu.Unlock()
}

func TestReplicatorOwnsReplicationSignal(t *testing.T) {
	l := openLog(t, DefaultConfig())
	repl := &recordingReplicator{}
	l.SetReplicator(repl)
	ctx := testContext(t)

	rec, err := l.ReplicateAndLog(RecordOperation, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, l.Flush(ctx))

	select {
	case <-rec.Handle().Replicated():
		t.Fatal("flush must not mark a replicated record when a replicator is installed")
	default:
	}

	rec.Handle().MarkReplicated(nil)
	require.NoError(t, rec.Handle().AwaitReplication(ctx))

	repl.mu.Lock()
	defer repl.mu.Unlock()
	assert.Equal(t, []types.LSN{1}, repl.lsns)
}

func TestAppendReplicatedOrdering(t *testing.T) {
	l := openLog(t, DefaultConfig())

	_, err := l.AppendBarrier(5, 0)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	rec, err := l.AppendReplicated(RecordOperation, 1, []byte("a"))
	require.NoError(t, err)
	select {
	case <-rec.Handle().Replicated():
	default:
		t.Fatal("records received from the primary are already replicated")
	}

	barrier, err := l.AppendBarrier(2, 1)
	require.NoError(t, err)
	assert.Equal(t, types.LSN(1), barrier.LastStableLSN)
	assert.Equal(t, types.LSN(2), l.TailLSN())
}

func TestInsertPhysicalAssignsSection(t *testing.T) {
	l := openLog(t, DefaultConfig())
	_, err := l.ReplicateAndLog(RecordOperation, nil)
	require.NoError(t, err)

	cp := checkpoint.New(checkpoint.Params{
		Vector:    l.ProgressVector(),
		HeadEpoch: l.HeadEpoch(),
		TailEpoch: l.TailEpoch(),
		TailLSN:   l.TailLSN(),
		Backup:    checkpoint.NoBackup,
	})
	rec, err := l.InsertPhysical(RecordBeginCheckpoint, cp)
	require.NoError(t, err)

	assert.Equal(t, types.LSN(1), rec.LSN, "physical records carry the tail LSN")
	assert.Equal(t, rec.Position, cp.RecordPosition())
	assert.Equal(t, rec.PSN, cp.PSN())

	section, err := cp.MarshalSection(false)
	require.NoError(t, err)
	assert.Equal(t, section, rec.Payload)
	assert.Equal(t, rec.Position, l.LastPhysical().Position)

	next, err := l.ReplicateAndLog(RecordOperation, nil)
	require.NoError(t, err)
	assert.Equal(t, rec.Position, next.PrevPhysical)
}

func TestUpdateEpoch(t *testing.T) {
	l := openLog(t, DefaultConfig())
	_, err := l.ReplicateAndLog(RecordOperation, nil)
	require.NoError(t, err)

	epoch := types.NewEpoch(1, 2)
	rec, err := l.UpdateEpoch(epoch, 7)
	require.NoError(t, err)
	assert.Equal(t, epoch, rec.Epoch)
	assert.Equal(t, types.LSN(1), rec.LSN)
	assert.Equal(t, epoch, l.TailEpoch())
	assert.Equal(t, types.ZeroEpoch, l.HeadEpoch())

	last, ok := l.ProgressVector().Last()
	require.True(t, ok)
	assert.True(t, last.Equal(progress.NewEntry(epoch, 1, 7)), "last entry %v", last)
	assert.Equal(t, int64(7), last.PrimaryReplicaID)

	_, err = l.UpdateEpoch(epoch, 7)
	assert.ErrorIs(t, err, ErrStaleEpoch)

	op, err := l.ReplicateAndLog(RecordOperation, nil)
	require.NoError(t, err)
	assert.Equal(t, epoch, op.Epoch)
}

// buildIndexedLog writes three groups of three operations, each group
// preceded by an indexing record.
func buildIndexedLog(t *testing.T, l *Log) []*Record {
	t.Helper()
	indexes := []*Record{l.HeadRecord()}
	for group := 0; group < 3; group++ {
		if group > 0 {
			idx, err := l.Index()
			require.NoError(t, err)
			indexes = append(indexes, idx)
		}
		for i := 0; i < 3; i++ {
			_, err := l.ReplicateAndLog(RecordOperation, []byte("payload"))
			require.NoError(t, err)
		}
	}
	return indexes
}

func TestFindCopyStartPosition(t *testing.T) {
	l := openLog(t, DefaultConfig())
	indexes := buildIndexedLog(t, l)

	// Index LSNs are 0, 3 and 6.
	assert.Equal(t, indexes[1].Position, l.FindCopyStartPosition(5).Position)
	assert.Equal(t, indexes[2].Position, l.FindCopyStartPosition(7).Position)
	assert.Equal(t, indexes[0].Position, l.FindCopyStartPosition(1).Position)
	assert.Equal(t, indexes[0].Position, l.FindCopyStartPosition(0).Position, "walk stops at the head")
}

func TestTruncateHeadCandidate(t *testing.T) {
	l := openLog(t, DefaultConfig())
	indexes := buildIndexedLog(t, l)

	rec, ok := l.TruncateHeadCandidate(func(uint64) bool { return true })
	require.True(t, ok)
	assert.Equal(t, indexes[2].Position, rec.Position, "newest indexing record first")

	rec, ok = l.TruncateHeadCandidate(func(p uint64) bool { return p < indexes[2].Position })
	require.True(t, ok)
	assert.Equal(t, indexes[1].Position, rec.Position)

	_, ok = l.TruncateHeadCandidate(func(uint64) bool { return false })
	assert.False(t, ok)
}

func TestProcessLogHeadTruncation(t *testing.T) {
	l := openLog(t, DefaultConfig())
	indexes := buildIndexedLog(t, l)
	ctx := testContext(t)
	require.NoError(t, l.Flush(ctx))

	before := l.Usage()
	require.NoError(t, l.ProcessLogHeadTruncation(ctx, indexes[1].Header()))

	after := l.Usage()
	assert.Equal(t, indexes[1].Position, after.HeadPosition)
	assert.Equal(t, before.TailPosition, after.TailPosition)
	assert.Less(t, after.Records, before.Records)
	assert.Equal(t, indexes[1].Position, l.HeadRecord().Position)

	_, ok := l.RecordAt(indexes[0].Position)
	assert.False(t, ok)

	err := l.ProcessLogHeadTruncation(ctx, indexes[0].Header())
	assert.ErrorIs(t, err, ErrRecordNotFound)

	_, err = l.PhysicalReader(indexes[0].Position, types.InvalidRecordPosition, "stale")
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReaderPinsLogHead(t *testing.T) {
	l := openLog(t, DefaultConfig())
	indexes := buildIndexedLog(t, l)
	ctx := testContext(t)

	reader, err := l.PhysicalReader(indexes[1].Position, indexes[2].Position, "copy")
	require.NoError(t, err)
	assert.Equal(t, 5, reader.Len(), "index, three operations and the closing index")

	name, start, ok := l.EarliestReader()
	require.True(t, ok)
	assert.Equal(t, "copy", name)
	assert.Equal(t, indexes[1].Position, start)
	assert.Equal(t, indexes[1].Position, l.Usage().EarliestReaderPosition)

	done := make(chan error, 1)
	go func() {
		done <- l.ProcessLogHeadTruncation(ctx, indexes[2].Header())
	}()

	select {
	case err := <-done:
		t.Fatalf("truncation finished while a reader pinned the head: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	peeked, ok := reader.Peek()
	require.True(t, ok)
	first, ok := reader.Next()
	require.True(t, ok)
	assert.Same(t, peeked, first, "peek does not consume")
	assert.Equal(t, indexes[1].Position, first.Position)
	reader.Close()
	reader.Close()

	require.NoError(t, <-done)
	assert.Equal(t, indexes[2].Position, l.HeadRecord().Position)
	_, _, ok = l.EarliestReader()
	assert.False(t, ok)
}

func TestTruncationWaitHonoursContext(t *testing.T) {
	l := openLog(t, DefaultConfig())
	indexes := buildIndexedLog(t, l)

	reader, err := l.PhysicalReader(0, types.InvalidRecordPosition, "build")
	require.NoError(t, err)
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.ProcessLogHeadTruncation(ctx, indexes[1].Header())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShouldThrottleWrites(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	cfg.BatchSize = 1 << 20
	cfg.MaxBufferedBytes = 1024
	l := openLog(t, cfg)

	assert.False(t, l.ShouldThrottleWrites())
	_, err := l.ReplicateAndLog(RecordOperation, make([]byte, 2048))
	require.NoError(t, err)
	assert.True(t, l.ShouldThrottleWrites())

	require.NoError(t, l.Flush(testContext(t)))
	assert.False(t, l.ShouldThrottleWrites())
}

func TestFlushNotify(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	l := openLog(t, cfg)

	_, err := l.ReplicateAndLog(RecordOperation, nil)
	require.NoError(t, err)

	select {
	case <-l.FlushNotify():
	case <-time.After(5 * time.Second):
		t.Fatal("flush notification never arrived")
	}
	assert.True(t, l.IsCompletelyFlushed())
}

func TestCloseRejectsAppends(t *testing.T) {
	l, err := Open(DefaultConfig())
	require.NoError(t, err)

	rec, err := l.ReplicateAndLog(RecordOperation, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.True(t, rec.Handle().IsFlushed(), "close flushes buffered records")
	_, err = l.ReplicateAndLog(RecordOperation, nil)
	assert.ErrorIs(t, err, ErrLogClosed)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CopyLog = true
	_, err := Open(cfg)
	assert.Error(t, err, "a copy log needs a directory")

	cfg = DefaultConfig()
	cfg.ApplyDefaults()
	cfg.FlushInterval = time.Microsecond
	assert.Error(t, cfg.Validate())
}

func writeCheckpoint(t *testing.T, l *Log) *checkpoint.Record {
	t.Helper()
	ctx := testContext(t)
	cp := checkpoint.New(checkpoint.Params{
		Vector:    l.ProgressVector(),
		HeadEpoch: l.HeadEpoch(),
		TailEpoch: l.TailEpoch(),
		TailLSN:   l.TailLSN(),
		Backup:    checkpoint.NoBackup,

		PeriodicCheckpointTicks: 42,
	})
	_, err := l.InsertPhysical(RecordBeginCheckpoint, cp)
	require.NoError(t, err)
	_, err = l.EndCheckpoint(ctx, cp)
	require.NoError(t, err)
	_, err = l.CompleteCheckpoint(ctx)
	require.NoError(t, err)
	return cp
}

func TestFileRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.Compress = true

	l, err := Open(cfg)
	require.NoError(t, err)
	_, err = l.UpdateEpoch(types.NewEpoch(1, 1), 3)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := l.ReplicateAndLog(RecordOperation, bytes.Repeat([]byte("compressible "), 32))
		require.NoError(t, err)
	}
	cp := writeCheckpoint(t, l)
	_, err = l.UpdateEpoch(types.NewEpoch(1, 2), 4)
	require.NoError(t, err)
	_, err = l.ReplicateBarrier(4)
	require.NoError(t, err)

	wantVector := l.ProgressVector()
	wantUsage := l.Usage()
	require.NoError(t, l.Close())

	reopened := openLog(t, cfg)
	assert.Equal(t, types.LSN(5), reopened.TailLSN())
	assert.Equal(t, types.NewEpoch(1, 2), reopened.TailEpoch())
	assert.Equal(t, wantUsage.TailPosition, reopened.Usage().TailPosition)
	assert.Equal(t, wantUsage.Records, reopened.Usage().Records)
	assert.True(t, wantVector.Equal(reopened.ProgressVector()), "vector %v != %v", reopened.ProgressVector(), wantVector)

	recovered, err := reopened.LastCompletedCheckpoint()
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, cp.LSN(), recovered.LSN())
	assert.Equal(t, cp.RecordPosition(), recovered.RecordPosition())
	assert.Equal(t, int64(42), recovered.PeriodicCheckpointTicks())

	tail := reopened.TailRecord()
	assert.Equal(t, RecordBarrier, tail.Type)
	assert.Equal(t, types.LSN(4), tail.LastStableLSN)

	next, err := reopened.ReplicateAndLog(RecordOperation, nil)
	require.NoError(t, err)
	assert.Equal(t, types.LSN(6), next.LSN)
}

func TestFileRecoveryAfterHeadTruncation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()

	l, err := Open(cfg)
	require.NoError(t, err)
	indexes := buildIndexedLog(t, l)
	ctx := testContext(t)
	require.NoError(t, l.Flush(ctx))
	require.NoError(t, l.ProcessLogHeadTruncation(ctx, indexes[2].Header()))

	_, err = l.ReplicateAndLog(RecordOperation, nil)
	require.NoError(t, err)
	want := l.Usage()
	require.NoError(t, l.Close())

	reopened := openLog(t, cfg)
	got := reopened.Usage()
	assert.Equal(t, indexes[2].Position, got.HeadPosition)
	assert.Equal(t, want.TailPosition, got.TailPosition)
	assert.Equal(t, want.Records, got.Records)
	assert.Equal(t, types.LSN(10), reopened.TailLSN())
}

func TestFileRecoveryCutsTornTail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()

	l, err := Open(cfg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.ReplicateAndLog(RecordOperation, []byte("intact"))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	path := filepath.Join(cfg.Dir, logFileName)
	size, err := FileSize(path)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openLog(t, cfg)
	assert.Equal(t, types.LSN(3), reopened.TailLSN())

	// The reopened log appends nothing on its own, so the file is back
	// to its valid length.
	require.NoError(t, reopened.Flush(testContext(t)))
	after, err := FileSize(path)
	require.NoError(t, err)
	assert.Equal(t, size, after)
}

func TestRenameCopyLog(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.CopyLog = true
	l := openLog(t, cfg)
	ctx := testContext(t)

	_, err := l.AppendReplicated(RecordOperation, 1, []byte("copied"))
	require.NoError(t, err)
	assert.True(t, l.IsCopyLog())
	assert.True(t, FileExists(filepath.Join(cfg.Dir, copyLogFileName)))

	require.NoError(t, l.RenameCopyLog(ctx))
	assert.False(t, l.IsCopyLog())
	assert.False(t, FileExists(filepath.Join(cfg.Dir, copyLogFileName)))
	assert.True(t, FileExists(filepath.Join(cfg.Dir, logFileName)))

	require.NoError(t, l.RenameCopyLog(ctx), "renaming twice is a no-op")
}

func TestConcurrentAppends(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	l := openLog(t, cfg)
	ctx := testContext(t)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				rec, err := l.ReplicateAndLog(RecordOperation, []byte("concurrent"))
				if err == nil {
					err = rec.Handle().AwaitFlush(ctx)
				}
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, types.LSN(writers*perWriter), l.TailLSN())
}
