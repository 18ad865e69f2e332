package wal

import (
	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

// Section is a physical record whose payload depends on where the log
// places it.
type Section interface {
	// AssignPosition is called with the record's location before its
	// payload is marshalled.
	AssignPosition(lsn types.LSN, psn types.PSN, position uint64)

	// MarshalSection returns the record payload.
	MarshalSection(recomputeOffsets bool) ([]byte, error)
}

// Replicator ships logical records to secondaries. Records are handed over
// in LSN order, and the replicator must eventually call MarkReplicated on
// each record's handle.
type Replicator interface {
	Replicate(rec *Record)
}

var _ Section = (*checkpoint.Record)(nil)
var _ Section = (*checkpoint.TruncateHeadRecord)(nil)
