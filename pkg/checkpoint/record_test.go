package checkpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/dd0wney/cluso-replog/pkg/progress"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

func testVector() *progress.Vector {
	return progress.FromEntries(
		progress.NewEntry(types.NewEpoch(0, 0), 0, 0),
		progress.NewEntry(types.NewEpoch(1, 1), 0, 3),
		progress.NewEntry(types.NewEpoch(1, 3), 10, 4),
	)
}

func newTestRecord(first bool) *Record {
	return New(Params{
		Vector:    testVector(),
		HeadEpoch: types.NewEpoch(1, 1),
		TailEpoch: types.NewEpoch(1, 3),
		TailLSN:   42,
		EarliestPending: &PendingTransaction{
			ID: 9, LSN: 30, PSN: 5, RecordPosition: 100,
		},
		Backup:                    NewBackupInfo(types.NewEpoch(1, 1), 20, 12, 640),
		PeriodicCheckpointTicks:   1111,
		PeriodicTruncationTicks:   2222,
		FirstCheckpointOnFullCopy: first,
	})
}

func TestRecordEarliestPendingTransactionInvalidation(t *testing.T) {
	rec := newTestRecord(false)
	rec.AssignPosition(42, 11, 400)

	if got := rec.EarliestPendingTransactionLSN(); got != 30 {
		t.Fatalf("EarliestPendingTransactionLSN = %d, want 30", got)
	}
	if rec.InvalidateEarliestPendingTransaction(5) {
		t.Fatal("head at the pending transaction must not invalidate it")
	}
	if !rec.InvalidateEarliestPendingTransaction(6) {
		t.Fatal("head past the pending transaction must invalidate it")
	}
	if !rec.EarliestPendingTransactionInvalidated() {
		t.Fatal("invalidated flag not set")
	}
	if rec.InvalidateEarliestPendingTransaction(100) {
		t.Error("second invalidation should be a no-op")
	}

	expectPanic(t, "read LSN after invalidation", func() { rec.EarliestPendingTransactionLSN() })
	expectPanic(t, "read tx after invalidation", func() { rec.EarliestPendingTransaction() })

	if got := rec.EarliestPendingTransactionOffset(); got != 300 {
		t.Errorf("persisted offset = %d, want 300", got)
	}
}

func TestRecordWithoutPendingTransaction(t *testing.T) {
	rec := New(Params{Vector: testVector(), TailLSN: 7, Backup: NoBackup})
	rec.AssignPosition(7, 2, 64)

	if _, ok := rec.EarliestPendingTransaction(); ok {
		t.Fatal("expected no pending transaction")
	}
	if got := rec.EarliestPendingTransactionLSN(); got != 7 {
		t.Errorf("EarliestPendingTransactionLSN = %d, want record LSN 7", got)
	}
	if rec.InvalidateEarliestPendingTransaction(100) {
		t.Error("nothing to invalidate")
	}
	if rec.EarliestPendingTransactionOffset() != 0 {
		t.Error("offset should be zero without a pending transaction")
	}
}

func TestRecordVectorIsCloned(t *testing.T) {
	v := testVector()
	rec := New(Params{Vector: v, TailLSN: 12})
	v.Append(progress.NewEntry(types.NewEpoch(1, 4), 12, 5))

	if rec.Vector().Len() != 3 {
		t.Errorf("record vector changed with its source: %d entries", rec.Vector().Len())
	}
}

func TestRecordApplyGate(t *testing.T) {
	rec := newTestRecord(false)
	expectPanic(t, "complete apply while invalid", func() { rec.CompleteApply(nil) })

	rec.AdvanceState(StateFaulted)
	want := errors.New("flush failed")
	rec.CompleteApply(want)

	if err := rec.AwaitApply(context.Background()); !errors.Is(err, want) {
		t.Errorf("AwaitApply = %v, want %v", err, want)
	}
	select {
	case <-rec.ApplyDone():
	default:
		t.Error("ApplyDone should be closed")
	}
}

func TestRecordPhase1Gate(t *testing.T) {
	rec := newTestRecord(true)
	rec.SignalPhase1Completion()
	if err := rec.AwaitPhase1Completion(context.Background()); err != nil {
		t.Fatalf("AwaitPhase1Completion = %v", err)
	}
	expectPanic(t, "second phase 1 signal", func() { rec.SignalPhase1Failure(errors.New("late")) })

	failed := newTestRecord(true)
	failed.SignalPhase1Failure(nil)
	if err := failed.AwaitPhase1Completion(context.Background()); err == nil {
		t.Error("phase 1 failure must surface an error")
	}

	regular := newTestRecord(false)
	expectPanic(t, "phase 1 on regular checkpoint", func() { regular.SignalPhase1Completion() })
}

func TestRecordSectionRoundTrip(t *testing.T) {
	rec := newTestRecord(false)
	rec.AssignPosition(42, 11, 400)

	encoded, err := rec.MarshalSection(false)
	if err != nil {
		t.Fatalf("MarshalSection: %v", err)
	}
	if size := binary.LittleEndian.Uint32(encoded); int(size) != len(encoded)-4 {
		t.Fatalf("section size prefix %d, body %d bytes", size, len(encoded)-4)
	}

	decoded, err := DecodeRecord(rec.Header(), bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}

	if !decoded.Vector().Equal(rec.Vector()) {
		t.Errorf("vector mismatch:\n%s\n%s", decoded.Vector(), rec.Vector())
	}
	if decoded.Epoch() != rec.Epoch() {
		t.Errorf("epoch = %s, want %s", decoded.Epoch(), rec.Epoch())
	}
	if decoded.Backup() != rec.Backup() {
		t.Errorf("backup = %s, want %s", decoded.Backup(), rec.Backup())
	}
	if decoded.EarliestPendingTransactionOffset() != 300 {
		t.Errorf("offset = %d, want 300", decoded.EarliestPendingTransactionOffset())
	}
	if decoded.PeriodicCheckpointTicks() != 1111 || decoded.PeriodicTruncationTicks() != 2222 {
		t.Errorf("periodic ticks = %d/%d", decoded.PeriodicCheckpointTicks(), decoded.PeriodicTruncationTicks())
	}
	if decoded.Header() != rec.Header() {
		t.Errorf("header = %+v, want %+v", decoded.Header(), rec.Header())
	}

	reencoded, err := decoded.MarshalSection(false)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(encoded, reencoded) {
		t.Error("re-encoded section differs from the original")
	}
}

func reprefix(body []byte) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(body)))
	return append(out, body...)
}

func TestDecodeRecordOlderFormat(t *testing.T) {
	rec := newTestRecord(false)
	rec.AssignPosition(42, 11, 400)
	encoded, _ := rec.MarshalSection(false)

	legacy := reprefix(encoded[4 : len(encoded)-periodicFieldsSize])
	decoded, err := DecodeRecord(rec.Header(), bytes.NewReader(legacy))
	if err != nil {
		t.Fatalf("DecodeRecord(legacy): %v", err)
	}
	if decoded.PeriodicCheckpointTicks() != 0 || decoded.PeriodicTruncationTicks() != 0 {
		t.Errorf("missing periodic fields should default to zero, got %d/%d",
			decoded.PeriodicCheckpointTicks(), decoded.PeriodicTruncationTicks())
	}
	if decoded.Backup() != rec.Backup() || decoded.EarliestPendingTransactionOffset() != 300 {
		t.Error("fixed fields lost in legacy decode")
	}
}

func TestDecodeRecordSkipsUnknownTrailingFields(t *testing.T) {
	rec := newTestRecord(false)
	rec.AssignPosition(42, 11, 400)
	encoded, _ := rec.MarshalSection(false)

	extended := reprefix(append(append([]byte{}, encoded[4:]...), 1, 2, 3, 4, 5, 6, 7, 8, 9))
	stream := bytes.NewReader(append(extended, []byte("NEXT")...))

	decoded, err := DecodeRecord(rec.Header(), stream)
	if err != nil {
		t.Fatalf("DecodeRecord(extended): %v", err)
	}
	if decoded.PeriodicTruncationTicks() != 2222 {
		t.Errorf("periodic truncation ticks = %d", decoded.PeriodicTruncationTicks())
	}
	rest, _ := io.ReadAll(stream)
	if string(rest) != "NEXT" {
		t.Errorf("decoder consumed %q past its section", rest)
	}
}

func TestDecodeRecordRejectsCorruptSections(t *testing.T) {
	negative := binary.LittleEndian.AppendUint32(nil, 0xFFFFFFFF)
	if _, err := DecodeRecord(UnassignedHeader, bytes.NewReader(negative)); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("negative size: got %v", err)
	}

	rec := newTestRecord(false)
	encoded, _ := rec.MarshalSection(false)
	short := reprefix(encoded[4:40])
	if _, err := DecodeRecord(UnassignedHeader, bytes.NewReader(short)); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("truncated body: got %v", err)
	}
}

func TestMarshalSectionCaching(t *testing.T) {
	rec := newTestRecord(false)
	rec.AssignPosition(42, 11, 400)

	first, _ := rec.MarshalSection(false)
	cached, _ := rec.MarshalSection(false)
	if &first[0] != &cached[0] {
		t.Error("second write should reuse the cached section")
	}

	rebuilt, _ := rec.MarshalSection(true)
	if &first[0] == &rebuilt[0] {
		t.Error("recomputeOffsets should rebuild the section")
	}
	if !bytes.Equal(first, rebuilt) {
		t.Error("rebuild without position change should be identical")
	}

	rec.AssignPosition(42, 11, 900)
	moved, _ := rec.MarshalSection(false)
	if bytes.Equal(first, moved) {
		t.Error("new position must change the persisted offset")
	}
	off := rec.EarliestPendingTransactionOffset()
	if off != 800 {
		t.Errorf("offset after move = %d, want 800", off)
	}
}

func TestTruncateHeadRoundTrip(t *testing.T) {
	head := RecordHeader{LSN: 10, PSN: 4, RecordPosition: 256}
	th := NewTruncateHead(50, head, true, 3333)
	th.AssignPosition(50, 20, 2048)

	encoded, err := th.MarshalSection(false)
	if err != nil {
		t.Fatalf("MarshalSection: %v", err)
	}
	decoded, err := DecodeTruncateHead(th.Header(), bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("DecodeTruncateHead: %v", err)
	}
	if decoded.LogHead() != head || !decoded.IsStable() || decoded.PeriodicTruncationTicks() != 3333 {
		t.Errorf("decoded %s", decoded)
	}

	legacy := reprefix(encoded[4 : len(encoded)-8])
	old, err := DecodeTruncateHead(th.Header(), bytes.NewReader(legacy))
	if err != nil {
		t.Fatalf("legacy decode: %v", err)
	}
	if old.PeriodicTruncationTicks() != 0 {
		t.Errorf("legacy ticks = %d", old.PeriodicTruncationTicks())
	}
}

func TestTruncateHeadStateMachine(t *testing.T) {
	th := NewTruncateHead(50, RecordHeader{LSN: 10, PSN: 4, RecordPosition: 256}, false, 0)
	if s := th.AbortIfPending(); s != StateInvalid {
		t.Fatalf("AbortIfPending = %s", s)
	}
	th.CompleteApply(nil)
	if err := th.AwaitApply(context.Background()); err != nil {
		t.Fatalf("AwaitApply = %v", err)
	}
	expectPanic(t, "advance aborted to ready", func() { th.AdvanceState(StateReady) })
	th.AdvanceState(StateCompleted)
}
