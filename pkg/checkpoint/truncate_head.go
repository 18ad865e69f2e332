package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dd0wney/cluso-replog/pkg/invariant"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

// TruncateHeadRecord announces that the log head moves forward to LogHead.
type TruncateHeadRecord struct {
	stateMachine

	header   RecordHeader
	head     RecordHeader
	isStable bool
	trTicks  int64
	cached   []byte

	apply *Gate
}

// NewTruncateHead creates a truncation record anchored at head. isStable is
// set when the record is already known to be stable, as during an idle build.
func NewTruncateHead(tailLSN types.LSN, head RecordHeader, isStable bool, periodicTruncationTicks int64) *TruncateHeadRecord {
	return &TruncateHeadRecord{
		stateMachine: stateMachine{kind: "truncate-head"},
		header:       RecordHeader{LSN: tailLSN, PSN: types.InvalidPSN, RecordPosition: types.InvalidRecordPosition},
		head:         head,
		isStable:     isStable,
		trTicks:      periodicTruncationTicks,
		apply:        NewGate("truncate-head-apply"),
	}
}

// AssignPosition records where the log placed the record.
func (t *TruncateHeadRecord) AssignPosition(lsn types.LSN, psn types.PSN, position uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.header = RecordHeader{LSN: lsn, PSN: psn, RecordPosition: position}
	t.cached = nil
}

// Header returns the record's log location.
func (t *TruncateHeadRecord) Header() RecordHeader {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.header
}

// LSN returns the record's logical sequence number.
func (t *TruncateHeadRecord) LSN() types.LSN { return t.Header().LSN }

// LogHead returns the new log head.
func (t *TruncateHeadRecord) LogHead() RecordHeader { return t.head }

// IsStable reports whether the record needs no stability wait.
func (t *TruncateHeadRecord) IsStable() bool { return t.isStable }

// PeriodicTruncationTicks returns the persisted periodic truncation time.
func (t *TruncateHeadRecord) PeriodicTruncationTicks() int64 { return t.trTicks }

// CompleteApply signals the apply outcome.
func (t *TruncateHeadRecord) CompleteApply(err error) {
	s := t.State()
	invariant.Assert(s.ApplyResolved(), component,
		"truncate head %d apply completed in state %s", t.LSN(), s)
	t.apply.Signal(err)
}

// AwaitApply waits for CompleteApply.
func (t *TruncateHeadRecord) AwaitApply(ctx context.Context) error {
	return t.apply.Wait(ctx)
}

// ApplyDone is closed once the apply outcome is known.
func (t *TruncateHeadRecord) ApplyDone() <-chan struct{} {
	return t.apply.Done()
}

// MarshalSection encodes
// [section_size:i32][head_lsn:i64][head_psn:i64][head_position:u64][is_stable:u8][periodic_truncation_ticks:i64].
func (t *TruncateHeadRecord) MarshalSection(recomputeOffsets bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cached != nil && !recomputeOffsets {
		return t.cached, nil
	}

	body := make([]byte, 0, 33)
	body = binary.LittleEndian.AppendUint64(body, uint64(t.head.LSN))
	body = binary.LittleEndian.AppendUint64(body, uint64(t.head.PSN))
	body = binary.LittleEndian.AppendUint64(body, t.head.RecordPosition)
	stable := byte(0)
	if t.isStable {
		stable = 1
	}
	body = append(body, stable)
	body = binary.LittleEndian.AppendUint64(body, uint64(t.trTicks))

	out := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(body)), uint32(len(body)))
	t.cached = append(out, body...)
	return t.cached, nil
}

// DecodeTruncateHead decodes a section written by MarshalSection.
func DecodeTruncateHead(header RecordHeader, r io.Reader) (*TruncateHeadRecord, error) {
	section, err := readSection(r)
	if err != nil {
		return nil, err
	}
	f := &fieldReader{r: section}
	head := RecordHeader{
		LSN:            types.LSN(f.u64()),
		PSN:            types.PSN(f.u64()),
		RecordPosition: f.u64(),
	}
	stable := f.u8()
	if f.err != nil {
		return nil, fmt.Errorf("%w: truncate head: %v", ErrCorruptRecord, f.err)
	}
	var ticks int64
	if section.Len() >= 8 {
		ticks = int64(f.u64())
	}

	return &TruncateHeadRecord{
		stateMachine: stateMachine{kind: "truncate-head"},
		header:       header,
		head:         head,
		isStable:     stable == 1,
		trTicks:      ticks,
		apply:        NewGate("truncate-head-apply"),
	}, nil
}

func (t *TruncateHeadRecord) String() string {
	h := t.Header()
	return fmt.Sprintf("truncate-head lsn=%d psn=%d pos=%d head=(%d,%d,%d) state=%s",
		h.LSN, h.PSN, h.RecordPosition, t.head.LSN, t.head.PSN, t.head.RecordPosition, t.State())
}
