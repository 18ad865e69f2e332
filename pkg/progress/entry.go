package progress

import (
	"fmt"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/types"
)

const (
	// InvalidReplicaID marks an entry whose primary is unknown
	InvalidReplicaID int64 = -1
	// UniversalReplicaID is the replica id carried by the zero entry
	UniversalReplicaID int64 = 0

	// EntrySize is the encoded size of one entry in bytes
	EntrySize = 40

	timestampLayout = "2006-01-02T15:04:05"
)

// Entry records the LSN at which an epoch started and which replica was its primary.
type Entry struct {
	Epoch            types.Epoch `json:"epoch" yaml:"epoch"`
	LSN              types.LSN   `json:"lsn" yaml:"lsn"`
	PrimaryReplicaID int64       `json:"primaryReplicaId" yaml:"primaryReplicaId"`
	Timestamp        time.Time   `json:"timestamp" yaml:"timestamp"`
}

// NewEntry creates an entry stamped with the current time.
func NewEntry(epoch types.Epoch, lsn types.LSN, primaryReplicaID int64) Entry {
	return Entry{
		Epoch:            epoch,
		LSN:              lsn,
		PrimaryReplicaID: primaryReplicaID,
		Timestamp:        time.Now().UTC(),
	}
}

// ZeroEntry is the first entry of every partition's history.
func ZeroEntry() Entry {
	return NewEntry(types.ZeroEpoch, types.ZeroLSN, UniversalReplicaID)
}

// Equal reports whether both entries describe the same epoch starting at the
// same LSN. Replica id and timestamp are informational.
func (e Entry) Equal(other Entry) bool {
	return e.Epoch == other.Epoch && e.LSN == other.LSN
}

// Compare orders entries by epoch, then LSN.
func (e Entry) Compare(other Entry) int {
	if c := e.Epoch.Compare(other.Epoch); c != 0 {
		return c
	}
	switch {
	case e.LSN < other.LSN:
		return -1
	case e.LSN > other.LSN:
		return 1
	default:
		return 0
	}
}

// IsDataLossBetween reports whether the two entries span a data loss.
func (e Entry) IsDataLossBetween(other Entry) bool {
	return e.Epoch.DataLossNumber != other.Epoch.DataLossNumber
}

func (e Entry) String() string {
	return fmt.Sprintf("[(%d,%d),%d,%d,%s]",
		e.Epoch.DataLossNumber,
		e.Epoch.ConfigurationNumber,
		e.LSN,
		e.PrimaryReplicaID,
		e.Timestamp.UTC().Format(timestampLayout))
}
