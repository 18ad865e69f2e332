package progress

import (
	"fmt"
	"strings"

	"github.com/dd0wney/cluso-replog/pkg/types"
)

// CopyMode describes how a target replica is brought up to date. Partial and
// FalseProgress may be combined.
type CopyMode uint32

const (
	CopyModeInvalid       CopyMode = 0
	CopyModeFalseProgress CopyMode = 1
	CopyModeNone          CopyMode = 2
	CopyModePartial       CopyMode = 4
	CopyModeFull          CopyMode = 8
)

// Has reports whether every bit of flag is set.
func (m CopyMode) Has(flag CopyMode) bool {
	return flag != 0 && m&flag == flag
}

func (m CopyMode) String() string {
	if m == CopyModeInvalid {
		return "Invalid"
	}
	var parts []string
	for _, f := range []struct {
		flag CopyMode
		name string
	}{
		{CopyModeFalseProgress, "FalseProgress"},
		{CopyModeNone, "None"},
		{CopyModePartial, "Partial"},
		{CopyModeFull, "Full"},
	} {
		if m.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// FullCopyReason explains why a full copy was chosen.
type FullCopyReason int

const (
	FullCopyReasonInvalid FullCopyReason = iota
	FullCopyReasonDataLoss
	FullCopyReasonInsufficientLogs
	FullCopyReasonAtomicRedoOperationFalseProgressed
	FullCopyReasonOther
	FullCopyReasonProgressVectorTrimmed
	FullCopyReasonValidationFailed
)

func (r FullCopyReason) String() string {
	switch r {
	case FullCopyReasonInvalid:
		return "Invalid"
	case FullCopyReasonDataLoss:
		return "DataLoss"
	case FullCopyReasonInsufficientLogs:
		return "InsufficientLogs"
	case FullCopyReasonAtomicRedoOperationFalseProgressed:
		return "AtomicRedoOperationFalseProgressed"
	case FullCopyReasonOther:
		return "Other"
	case FullCopyReasonProgressVectorTrimmed:
		return "ProgressVectorTrimmed"
	case FullCopyReasonValidationFailed:
		return "ValidationFailed"
	default:
		return fmt.Sprintf("FullCopyReason(%d)", int(r))
	}
}

// Decision codes name the rule that produced a CopyModeResult.
const (
	DecisionFullTrimmed          = "full-progress-vector-trimmed"
	DecisionFullValidation       = "full-validation-failed"
	DecisionNone                 = "copy-none"
	DecisionFullDataLoss         = "full-data-loss"
	DecisionFullInsufficientLogs = "full-insufficient-logs"
	DecisionFalseProgress        = "false-progress"
	DecisionFalseProgressEpoch   = "false-progress-unknown-epoch"
	DecisionFullAtomicRedo       = "full-atomic-redo-false-progressed"
	DecisionFullOther            = "full-shared-epoch-precedes-target"
	DecisionPartial              = "partial"
)

// CopyContext describes one side of a copy: its progress vector and the
// bounds of the log it still retains.
type CopyContext struct {
	Vector       *Vector
	LogHeadEpoch types.Epoch
	LogHeadLSN   types.LSN
	LogTailLSN   types.LSN
}

// IsBrandNewReplica reports whether the context belongs to a replica that has
// never received any data.
func (c CopyContext) IsBrandNewReplica() bool {
	if c.Vector == nil || c.Vector.Len() != 1 {
		return false
	}
	first := c.Vector.At(0)
	return first.Epoch.DataLossNumber == 0 &&
		first.LSN == types.ZeroLSN &&
		c.LogTailLSN == types.OneLSN
}

// SharedEntry is the newest point both histories agree on.
type SharedEntry struct {
	SourceEntry             Entry
	SourceIndex             int
	TargetEntry             Entry
	TargetIndex             int
	FullCopyReason          FullCopyReason
	FailedValidationMessage string
}

func unresolvedSharedEntry(reason FullCopyReason) SharedEntry {
	return SharedEntry{SourceIndex: -1, TargetIndex: -1, FullCopyReason: reason}
}

// Found reports whether the shared entry points into both vectors.
func (s SharedEntry) Found() bool {
	return s.SourceIndex >= 0 && s.TargetIndex >= 0
}

// CopyModeResult is the outcome of FindCopyMode together with the context
// needed to explain it afterwards.
type CopyModeResult struct {
	Mode              CopyMode
	FullCopyReason    FullCopyReason
	SourceStartingLSN types.LSN
	TargetStartingLSN types.LSN
	Shared            SharedEntry
	Decision          string
}

func (r CopyModeResult) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "mode=%s decision=%s", r.Mode, r.Decision)
	if r.Mode.Has(CopyModeFull) {
		fmt.Fprintf(&sb, " reason=%s", r.FullCopyReason)
	}
	if r.SourceStartingLSN != types.InvalidLSN || r.TargetStartingLSN != types.InvalidLSN {
		fmt.Fprintf(&sb, " sourceStartingLsn=%d targetStartingLsn=%d", r.SourceStartingLSN, r.TargetStartingLSN)
	}
	if r.Shared.Found() {
		fmt.Fprintf(&sb, " shared=source[%d]%v target[%d]%v",
			r.Shared.SourceIndex, r.Shared.SourceEntry, r.Shared.TargetIndex, r.Shared.TargetEntry)
	}
	if r.Shared.FailedValidationMessage != "" {
		fmt.Fprintf(&sb, " validation=%q", r.Shared.FailedValidationMessage)
	}
	return sb.String()
}

func noneResult(shared SharedEntry) CopyModeResult {
	return CopyModeResult{
		Mode:              CopyModeNone,
		SourceStartingLSN: types.InvalidLSN,
		TargetStartingLSN: types.InvalidLSN,
		Shared:            shared,
		Decision:          DecisionNone,
	}
}

func fullResult(shared SharedEntry, reason FullCopyReason, decision string) CopyModeResult {
	return CopyModeResult{
		Mode:              CopyModeFull,
		FullCopyReason:    reason,
		SourceStartingLSN: types.InvalidLSN,
		TargetStartingLSN: types.InvalidLSN,
		Shared:            shared,
		Decision:          decision,
	}
}

func partialResult(shared SharedEntry, sourceStart, targetStart types.LSN) CopyModeResult {
	return CopyModeResult{
		Mode:              CopyModePartial,
		SourceStartingLSN: sourceStart,
		TargetStartingLSN: targetStart,
		Shared:            shared,
		Decision:          DecisionPartial,
	}
}

// falseProgressResult rolls the target back to sourceStart unless it already
// recovered atomic redo operations past that point, which cannot be undone.
func falseProgressResult(atomicRedoLSN types.LSN, shared SharedEntry, sourceStart, targetStart types.LSN, decision string) CopyModeResult {
	if atomicRedoLSN > sourceStart {
		return fullResult(shared, FullCopyReasonAtomicRedoOperationFalseProgressed, DecisionFullAtomicRedo)
	}
	return CopyModeResult{
		Mode:              CopyModeFalseProgress | CopyModePartial,
		SourceStartingLSN: sourceStart,
		TargetStartingLSN: targetStart,
		Shared:            shared,
		Decision:          decision,
	}
}
