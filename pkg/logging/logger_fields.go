package logging

import (
	"fmt"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/types"
)

const componentKey = "component"

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Component names the subsystem emitting the entry; it is promoted to the
// top level of the JSON entry.
func Component(name string) Field {
	return String(componentKey, name)
}

func Operation(op string) Field {
	return String("operation", op)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

func Path(p string) Field {
	return String("path", p)
}

// Replication domain fields

func LSN(lsn types.LSN) Field {
	return Int64("lsn", int64(lsn))
}

// StableLSN names the stable-LSN watermark.
func StableLSN(lsn types.LSN) Field {
	return Int64("stable_lsn", int64(lsn))
}

func PSN(psn types.PSN) Field {
	return Int64("psn", int64(psn))
}

func Epoch(e types.Epoch) Field {
	return String("epoch", e.String())
}

func ReplicaID(id int64) Field {
	return Int64("replica_id", id)
}

// RecordPosition renders the invalid position sentinel as -1.
func RecordPosition(pos uint64) Field {
	if pos == types.InvalidRecordPosition {
		return Int64("position", -1)
	}
	return Uint64("position", pos)
}

func RecordType(t fmt.Stringer) Field {
	return String("record_type", t.String())
}

func State(s fmt.Stringer) Field {
	return String("state", s.String())
}

func CopyMode(m fmt.Stringer) Field {
	return String("copy_mode", m.String())
}

func TransactionID(id int64) Field {
	return Int64("tx_id", id)
}
