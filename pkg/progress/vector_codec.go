package progress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/types"
)

// MaxEncodedEntries bounds the entry count accepted by ReadFrom.
const MaxEncodedEntries = 1 << 20

// ErrCorruptVector is returned when an encoded vector cannot be decoded.
var ErrCorruptVector = errors.New("corrupt progress vector")

// WriteTo encodes the vector as [count:i32] followed by count entries of
// [dln:i64][cfg:i64][lsn:i64][replica:i64][unix_nano:i64], little-endian.
func (v *Vector) WriteTo(w io.Writer) (int64, error) {
	buf := v.AppendBinary(nil)
	n, err := w.Write(buf)
	return int64(n), err
}

// AppendBinary appends the encoded vector to buf.
func (v *Vector) AppendBinary(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.entries)))
	for _, e := range v.entries {
		buf = appendEntry(buf, e)
	}
	return buf
}

func appendEntry(buf []byte, e Entry) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Epoch.DataLossNumber))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Epoch.ConfigurationNumber))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.LSN))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.PrimaryReplicaID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Timestamp.UnixNano()))
	return buf
}

// ReadVector decodes a vector written by WriteTo.
func ReadVector(r io.Reader) (*Vector, error) {
	var count int32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read progress vector count: %w", err)
	}
	if count < 0 || count > MaxEncodedEntries {
		return nil, fmt.Errorf("%w: entry count %d", ErrCorruptVector, count)
	}

	v := &Vector{entries: make([]Entry, 0, count)}
	var raw [EntrySize]byte
	for i := int32(0); i < count; i++ {
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return nil, fmt.Errorf("read progress vector entry %d: %w", i, err)
		}
		v.entries = append(v.entries, decodeEntry(raw[:]))
	}
	return v, nil
}

func decodeEntry(raw []byte) Entry {
	word := func(i int) int64 {
		return int64(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return Entry{
		Epoch:            types.NewEpoch(word(0), word(1)),
		LSN:              types.LSN(word(2)),
		PrimaryReplicaID: word(3),
		Timestamp:        time.Unix(0, word(4)).UTC(),
	}
}
