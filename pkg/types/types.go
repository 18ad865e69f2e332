// Package types holds the sequence-number and epoch primitives shared by the
// replicated log, the progress vector and the checkpoint records.
package types

import "fmt"

// LSN is a logical sequence number assigned to every logical operation.
type LSN int64

// PSN is a physical sequence number assigned to every record in the local log.
type PSN int64

const (
	// InvalidLSN marks an unset logical sequence number
	InvalidLSN LSN = -1
	// ZeroLSN is the LSN of the first progress vector entry of a new partition
	ZeroLSN LSN = 0
	// OneLSN is the tail LSN of a replica that has never received data
	OneLSN LSN = 1

	// InvalidPSN marks an unset physical sequence number
	InvalidPSN PSN = -1
)

// InvalidRecordPosition marks an unset physical record position.
const InvalidRecordPosition uint64 = ^uint64(0)

// Epoch identifies a primary's tenure. DataLossNumber increases when data
// loss was declared, ConfigurationNumber on every other reconfiguration.
type Epoch struct {
	DataLossNumber      int64 `json:"dataLossNumber" yaml:"dataLossNumber"`
	ConfigurationNumber int64 `json:"configurationNumber" yaml:"configurationNumber"`
}

var (
	// InvalidEpoch is used wherever no epoch has been observed yet
	InvalidEpoch = Epoch{DataLossNumber: -1, ConfigurationNumber: -1}
	// ZeroEpoch is the epoch of the zero progress vector entry
	ZeroEpoch = Epoch{}
)

// NewEpoch builds an epoch from its two components.
func NewEpoch(dataLossNumber, configurationNumber int64) Epoch {
	return Epoch{DataLossNumber: dataLossNumber, ConfigurationNumber: configurationNumber}
}

// Compare orders epochs by data loss number, then configuration number.
func (e Epoch) Compare(other Epoch) int {
	switch {
	case e.DataLossNumber < other.DataLossNumber:
		return -1
	case e.DataLossNumber > other.DataLossNumber:
		return 1
	case e.ConfigurationNumber < other.ConfigurationNumber:
		return -1
	case e.ConfigurationNumber > other.ConfigurationNumber:
		return 1
	default:
		return 0
	}
}

// Less reports whether e precedes other.
func (e Epoch) Less(other Epoch) bool {
	return e.Compare(other) < 0
}

// IsInvalid reports whether e is the invalid sentinel.
func (e Epoch) IsInvalid() bool {
	return e == InvalidEpoch
}

func (e Epoch) String() string {
	return fmt.Sprintf("(%d,%d)", e.DataLossNumber, e.ConfigurationNumber)
}

// MinLSN returns the smaller of two LSNs.
func MinLSN(a, b LSN) LSN {
	if a < b {
		return a
	}
	return b
}
