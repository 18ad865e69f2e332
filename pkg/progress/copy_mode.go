package progress

import (
	"fmt"

	"github.com/dd0wney/cluso-replog/pkg/types"
)

// copyEvaluation is the state shared by the rules of one FindCopyMode call.
type copyEvaluation struct {
	source        CopyContext
	target        CopyContext
	atomicRedoLSN types.LSN

	shared      SharedEntry
	sourceStart types.LSN
	targetStart types.LSN
}

// copyRule returns a result and true when it decides the copy mode.
type copyRule struct {
	name string
	eval func(*copyEvaluation) (CopyModeResult, bool)
}

// copyRules are evaluated in order; the first rule that matches wins.
var copyRules = []copyRule{
	{DecisionFullTrimmed, ruleTrimmed},
	{DecisionFullValidation, ruleValidationFailed},
	{DecisionNone, ruleCopyNone},
	{DecisionFullDataLoss, ruleDataLoss},
	{DecisionFullInsufficientLogs, ruleInsufficientLogs},
	{DecisionFalseProgress, ruleTargetAhead},
	{DecisionFalseProgressEpoch, ruleTargetInUnknownEpoch},
	{DecisionFullOther, ruleSharedEpochPrecedesTarget},
	{DecisionPartial, rulePartial},
}

// FindCopyMode decides how the target must be built from the source. It is a
// pure function of its inputs and never fails: inconsistent or trimmed
// histories resolve to a full copy with the reason recorded.
func FindCopyMode(source, target CopyContext, lastRecoveredAtomicRedoLSN types.LSN) CopyModeResult {
	ev := &copyEvaluation{
		source:        source,
		target:        target,
		atomicRedoLSN: lastRecoveredAtomicRedoLSN,
		shared:        FindSharedEntry(source.Vector, target.Vector),
		sourceStart:   types.InvalidLSN,
		targetStart:   types.InvalidLSN,
	}

	var result CopyModeResult
	for _, rule := range copyRules {
		if r, ok := rule.eval(ev); ok {
			if r.Decision == "" {
				r.Decision = rule.name
			}
			result = r
			break
		}
	}

	return validateFalseProgress(result)
}

// validateFalseProgress downgrades a false progress result whose source
// starting LSN lies beyond the target's.
func validateFalseProgress(result CopyModeResult) CopyModeResult {
	if !result.Mode.Has(CopyModeFalseProgress) || result.SourceStartingLSN <= result.TargetStartingLSN {
		return result
	}

	shared := result.Shared
	shared.FullCopyReason = FullCopyReasonValidationFailed
	shared.FailedValidationMessage = fmt.Sprintf(
		"source starting lsn %d is expected to be <= target starting lsn %d",
		result.SourceStartingLSN, result.TargetStartingLSN)
	return fullResult(shared, FullCopyReasonValidationFailed, DecisionFullValidation)
}

func ruleTrimmed(ev *copyEvaluation) (CopyModeResult, bool) {
	if ev.shared.FullCopyReason != FullCopyReasonProgressVectorTrimmed {
		return CopyModeResult{}, false
	}
	return fullResult(ev.shared, FullCopyReasonProgressVectorTrimmed, DecisionFullTrimmed), true
}

func ruleValidationFailed(ev *copyEvaluation) (CopyModeResult, bool) {
	if ev.shared.FullCopyReason != FullCopyReasonValidationFailed {
		return CopyModeResult{}, false
	}
	return fullResult(ev.shared, FullCopyReasonValidationFailed, DecisionFullValidation), true
}

// ruleCopyNone matches a target that restarted while the primary made no progress.
func ruleCopyNone(ev *copyEvaluation) (CopyModeResult, bool) {
	sourceLast, _ := ev.source.Vector.Last()
	targetLast, _ := ev.target.Vector.Last()
	if sourceLast.Equal(targetLast) && ev.source.LogTailLSN == ev.target.LogTailLSN {
		return noneResult(ev.shared), true
	}
	return CopyModeResult{}, false
}

// ruleDataLoss requires a full copy when data loss happened on either side
// after the shared entry. A brand new target has nothing to lose.
func ruleDataLoss(ev *copyEvaluation) (CopyModeResult, bool) {
	if ev.target.IsBrandNewReplica() {
		return CopyModeResult{}, false
	}

	sourceLast, _ := ev.source.Vector.Last()
	targetLast, _ := ev.target.Vector.Last()
	shared := ev.shared

	if shared.SourceEntry.Epoch.DataLossNumber != sourceLast.Epoch.DataLossNumber ||
		shared.TargetEntry.Epoch.DataLossNumber != targetLast.Epoch.DataLossNumber ||
		ev.source.LogHeadEpoch.DataLossNumber > shared.TargetEntry.Epoch.DataLossNumber ||
		ev.target.LogHeadEpoch.DataLossNumber > shared.SourceEntry.Epoch.DataLossNumber {
		return fullResult(shared, FullCopyReasonDataLoss, DecisionFullDataLoss), true
	}
	return CopyModeResult{}, false
}

// startingLSN is the first LSN after the shared entry on one side: the next
// entry's LSN, or the tail when the shared entry is the newest.
func startingLSN(ctx CopyContext, sharedIndex int) types.LSN {
	if sharedIndex == ctx.Vector.Len()-1 {
		return ctx.LogTailLSN
	}
	return ctx.Vector.At(sharedIndex + 1).LSN
}

// ruleInsufficientLogs requires a full copy when either side no longer
// retains the log needed to bridge from the shared entry.
func ruleInsufficientLogs(ev *copyEvaluation) (CopyModeResult, bool) {
	ev.sourceStart = startingLSN(ev.source, ev.shared.SourceIndex)
	ev.targetStart = startingLSN(ev.target, ev.shared.TargetIndex)

	if ev.source.LogHeadLSN > ev.target.LogTailLSN ||
		ev.sourceStart < ev.source.LogHeadLSN ||
		ev.target.LogHeadLSN > ev.sourceStart {
		return fullResult(ev.shared, FullCopyReasonInsufficientLogs, DecisionFullInsufficientLogs), true
	}
	return CopyModeResult{}, false
}

// ruleTargetAhead matches a target that made more progress in the shared
// epoch than the source, for example source (1,1,0)(1,3,10)(1,4,15) tail 16
// against target (1,1,0)(1,3,10) tail 20.
func ruleTargetAhead(ev *copyEvaluation) (CopyModeResult, bool) {
	if ev.sourceStart < ev.targetStart {
		return falseProgressResult(ev.atomicRedoLSN, ev.shared, ev.sourceStart, ev.targetStart, DecisionFalseProgress), true
	}
	return CopyModeResult{}, false
}

// ruleTargetInUnknownEpoch matches a target that progressed in an epoch the
// source never learned about, for example source (1,1,0)(1,3,10) tail 15
// against target (1,1,0)(1,2,10) tail 12. The target rolls back to where that
// epoch started.
func ruleTargetInUnknownEpoch(ev *copyEvaluation) (CopyModeResult, bool) {
	if ev.targetStart == ev.target.LogTailLSN {
		return CopyModeResult{}, false
	}
	ev.sourceStart = ev.targetStart
	return falseProgressResult(ev.atomicRedoLSN, ev.shared, ev.sourceStart, ev.targetStart, DecisionFalseProgressEpoch), true
}

// ruleSharedEpochPrecedesTarget covers a target that started a newer epoch at
// the end of its log that the source skipped, for example source
// (1,1,0)(1,3,10) against target (1,1,0)(1,2,5) tail 5. The work before that
// point may already be checkpointed, so it cannot be undone.
func ruleSharedEpochPrecedesTarget(ev *copyEvaluation) (CopyModeResult, bool) {
	targetLast, _ := ev.target.Vector.Last()
	if ev.source.Vector.At(ev.shared.SourceIndex).Epoch.Less(targetLast.Epoch) {
		return fullResult(ev.shared, FullCopyReasonOther, DecisionFullOther), true
	}
	return CopyModeResult{}, false
}

func rulePartial(ev *copyEvaluation) (CopyModeResult, bool) {
	return partialResult(ev.shared, ev.sourceStart, ev.targetStart), true
}
