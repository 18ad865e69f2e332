package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-replog/pkg/types"
)

// Frame format, little endian:
//
//	[LSN:8][PSN:8][Type:1][Flags:1][Position:8][PrevPhysical:8]
//	[EpochDataLoss:8][EpochConfig:8][LastStableLSN:8][DataLen:4]
//	[Data:DataLen][Checksum:4][Timestamp:8]
//
// The checksum is CRC32 (IEEE) over the header and data.
const (
	frameHeaderSize  = 62
	frameTrailerSize = 12
	frameOverhead    = frameHeaderSize + frameTrailerSize

	// MaxPayloadSize bounds the stored data length accepted by the decoder.
	MaxPayloadSize = 256 << 20

	flagCompressed = 1 << 0
)

var (
	// ErrChecksumMismatch is returned when a frame fails its CRC.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	// ErrCorruptFrame is returned for a frame that cannot be decoded.
	ErrCorruptFrame = errors.New("wal: corrupt frame")
	// ErrTornFrame is returned when the input ends inside a frame.
	ErrTornFrame = errors.New("wal: torn frame")
)

// storedPayload returns the bytes written for payload, compressed with
// snappy into scratch when that is smaller. scratch may be nil.
func storedPayload(scratch, payload []byte, compress bool) ([]byte, bool) {
	if !compress || len(payload) == 0 {
		return payload, false
	}
	encoded := snappy.Encode(scratch, payload)
	if len(encoded) >= len(payload) {
		return payload, false
	}
	return encoded, true
}

// encodeFrame appends the frame of rec, with data as the stored payload,
// to buf.
func encodeFrame(buf []byte, rec *Record, data []byte, compressed bool) []byte {
	start := len(buf)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.LSN))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.PSN))
	buf = append(buf, byte(rec.Type))
	var flags byte
	if compressed {
		flags |= flagCompressed
	}
	buf = append(buf, flags)
	buf = binary.LittleEndian.AppendUint64(buf, rec.Position)
	buf = binary.LittleEndian.AppendUint64(buf, rec.PrevPhysical)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.Epoch.DataLossNumber))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.Epoch.ConfigurationNumber))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.LastStableLSN))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[start:]))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.Timestamp))
	return buf
}

// EncodeRecord serializes rec, compressing its payload when asked.
func EncodeRecord(rec *Record, compress bool) []byte {
	data, compressed := storedPayload(nil, rec.Payload, compress)
	return encodeFrame(make([]byte, 0, frameOverhead+len(data)), rec, data, compressed)
}

// DecodeRecord reads one frame from r. It returns io.EOF when r is
// exhausted at a frame boundary.
func DecodeRecord(r io.Reader) (*Record, error) {
	header := make([]byte, frameHeaderSize)
	if n, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		return nil, ErrTornFrame
	}

	dataLen := binary.LittleEndian.Uint32(header[58:62])
	if dataLen > MaxPayloadSize {
		return nil, fmt.Errorf("%w: data length %d", ErrCorruptFrame, dataLen)
	}
	typ := RecordType(header[16])
	if typ == RecordInvalid || int(typ) >= len(recordTypeNames) {
		return nil, fmt.Errorf("%w: record type %d", ErrCorruptFrame, header[16])
	}

	rest := make([]byte, int(dataLen)+frameTrailerSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, ErrTornFrame
	}
	data := rest[:dataLen]
	trailer := rest[dataLen:]

	sum := crc32.NewIEEE()
	sum.Write(header)
	sum.Write(data)
	if sum.Sum32() != binary.LittleEndian.Uint32(trailer[0:4]) {
		return nil, ErrChecksumMismatch
	}

	flags := header[17]
	rec := &Record{
		Type:         typ,
		LSN:          types.LSN(binary.LittleEndian.Uint64(header[0:8])),
		PSN:          types.PSN(binary.LittleEndian.Uint64(header[8:16])),
		Position:     binary.LittleEndian.Uint64(header[18:26]),
		PrevPhysical: binary.LittleEndian.Uint64(header[26:34]),
		Epoch: types.NewEpoch(
			int64(binary.LittleEndian.Uint64(header[34:42])),
			int64(binary.LittleEndian.Uint64(header[42:50])),
		),
		LastStableLSN: types.LSN(binary.LittleEndian.Uint64(header[50:58])),
		Size:          uint64(frameOverhead + int(dataLen)),
		Timestamp:     int64(binary.LittleEndian.Uint64(trailer[4:12])),
		compressed:    flags&flagCompressed != 0,
	}

	if rec.compressed {
		payload, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrCorruptFrame, err)
		}
		rec.Payload = payload
	} else if dataLen > 0 {
		rec.Payload = data
	}
	return rec, nil
}

// ReadFrames decodes frames from r until it is exhausted, calling fn for
// each. It returns the number of bytes covered by whole valid frames. A
// decode failure stops the scan and is returned together with that count.
func ReadFrames(r io.Reader, fn func(*Record) error) (int64, error) {
	var good int64
	for {
		rec, err := DecodeRecord(r)
		if err == io.EOF {
			return good, nil
		}
		if err != nil {
			return good, err
		}
		if err := fn(rec); err != nil {
			return good, err
		}
		good += int64(rec.Size)
	}
}
