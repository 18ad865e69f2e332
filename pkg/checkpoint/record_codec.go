package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-replog/pkg/progress"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

// MaxSectionSize bounds the section length accepted by decoders.
const MaxSectionSize = 64 << 20

const periodicFieldsSize = 16

// ErrCorruptRecord is returned when a persisted section cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt checkpoint record")

// MarshalSection returns the persisted section of the record:
//
//	[section_size:i32][progress_vector][earliest_pending_tx_offset:u64]
//	[epoch:i64,i64][backup_id:16][highest_backed_up_epoch:i64,i64]
//	[highest_backed_up_lsn:i64][backup_record_count:u32]
//	[backup_log_size_kb:u32][periodic_checkpoint_ticks:i64]
//	[periodic_truncation_ticks:i64]
//
// section_size counts the bytes after the prefix. The first encoding is
// cached; recomputeOffsets rebuilds it with a fresh offset and prefix.
func (r *Record) MarshalSection(recomputeOffsets bool) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && !recomputeOffsets {
		return r.cached, nil
	}
	if recomputeOffsets {
		r.recomputeOffsetLocked()
	}

	body := r.vector.AppendBinary(make([]byte, 0, 128+r.vector.ByteCount()))
	body = binary.LittleEndian.AppendUint64(body, r.earliestOffset)
	body = appendEpoch(body, r.epoch)
	body = append(body, r.backup.ID[:]...)
	body = appendEpoch(body, r.backup.HighestBackedUpEpoch)
	body = binary.LittleEndian.AppendUint64(body, uint64(r.backup.HighestBackedUpLSN))
	body = binary.LittleEndian.AppendUint32(body, r.backup.RecordCount)
	body = binary.LittleEndian.AppendUint32(body, r.backup.LogSizeKB)
	body = binary.LittleEndian.AppendUint64(body, uint64(r.ptTicks))
	body = binary.LittleEndian.AppendUint64(body, uint64(r.trTicks))

	if len(body) > MaxSectionSize {
		return nil, fmt.Errorf("%w: section of %d bytes", ErrCorruptRecord, len(body))
	}

	out := make([]byte, 0, 4+len(body))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	r.cached = out
	return out, nil
}

func appendEpoch(buf []byte, e types.Epoch) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.DataLossNumber))
	return binary.LittleEndian.AppendUint64(buf, uint64(e.ConfigurationNumber))
}

// readSection reads the length prefix and exactly that many bytes.
func readSection(r io.Reader) (*bytes.Reader, error) {
	var size int32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("read section size: %w", err)
	}
	if size < 0 || size > MaxSectionSize {
		return nil, fmt.Errorf("%w: section size %d", ErrCorruptRecord, size)
	}
	section := make([]byte, size)
	if _, err := io.ReadFull(r, section); err != nil {
		return nil, fmt.Errorf("read section of %d bytes: %w", size, err)
	}
	return bytes.NewReader(section), nil
}

type fieldReader struct {
	r   *bytes.Reader
	err error
}

func (f *fieldReader) u64() uint64 {
	var v uint64
	if f.err == nil {
		f.err = binary.Read(f.r, binary.LittleEndian, &v)
	}
	return v
}

func (f *fieldReader) u32() uint32 {
	var v uint32
	if f.err == nil {
		f.err = binary.Read(f.r, binary.LittleEndian, &v)
	}
	return v
}

func (f *fieldReader) u8() uint8 {
	var v uint8
	if f.err == nil {
		f.err = binary.Read(f.r, binary.LittleEndian, &v)
	}
	return v
}

func (f *fieldReader) epoch() types.Epoch {
	dln := int64(f.u64())
	cfg := int64(f.u64())
	return types.NewEpoch(dln, cfg)
}

func (f *fieldReader) bytes(n int) []byte {
	buf := make([]byte, n)
	if f.err == nil {
		_, f.err = io.ReadFull(f.r, buf)
	}
	return buf
}

// DecodeRecord decodes a section written by MarshalSection. Sections
// written before the periodic fields existed decode with both timestamps
// zero, and bytes past the known fields are skipped.
func DecodeRecord(header RecordHeader, r io.Reader) (*Record, error) {
	section, err := readSection(r)
	if err != nil {
		return nil, err
	}

	vector, err := progress.ReadVector(section)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	f := &fieldReader{r: section}
	offset := f.u64()
	epoch := f.epoch()
	rawID := f.bytes(16)
	backupEpoch := f.epoch()
	backupLSN := types.LSN(f.u64())
	recordCount := f.u32()
	logSizeKB := f.u32()
	if f.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, f.err)
	}

	var ptTicks, trTicks int64
	if section.Len() >= periodicFieldsSize {
		ptTicks = int64(f.u64())
		trTicks = int64(f.u64())
	}

	id, err := uuid.FromBytes(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: backup id: %v", ErrCorruptRecord, err)
	}

	rec := &Record{
		stateMachine:   stateMachine{kind: "checkpoint"},
		header:         header,
		vector:         vector,
		epoch:          epoch,
		backup:         BackupInfo{ID: id, HighestBackedUpEpoch: backupEpoch, HighestBackedUpLSN: backupLSN, RecordCount: recordCount, LogSizeKB: logSizeKB},
		ptTicks:        ptTicks,
		trTicks:        trTicks,
		lastStableLSN:  types.InvalidLSN,
		earliestOffset: offset,
		apply:          NewGate("checkpoint-apply"),
		phase1:         NewGate("checkpoint-phase1"),
	}
	return rec, nil
}
