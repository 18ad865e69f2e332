package progress

import "fmt"

// FindSharedEntry walks both vectors backwards until they point at equal
// entries: the newest history both replicas agree on. If either side runs out
// first the result carries FullCopyReasonProgressVectorTrimmed. Checks that
// fail after agreement is found carry FullCopyReasonValidationFailed.
func FindSharedEntry(source, target *Vector) SharedEntry {
	if source == nil || target == nil || source.Len() == 0 || target.Len() == 0 {
		return unresolvedSharedEntry(FullCopyReasonProgressVectorTrimmed)
	}

	si := source.Len() - 1
	ti := target.Len() - 1

	sourceLast := source.At(si)
	targetLast := target.At(ti)
	if targetLast.Epoch.DataLossNumber > sourceLast.Epoch.DataLossNumber {
		shared := unresolvedSharedEntry(FullCopyReasonValidationFailed)
		shared.FailedValidationMessage = fmt.Sprintf(
			"target data loss number %d exceeds source data loss number %d",
			targetLast.Epoch.DataLossNumber, sourceLast.Epoch.DataLossNumber)
		return shared
	}

	for {
		if !decrementUntilLeq(&ti, target, source.At(si)) {
			return unresolvedSharedEntry(FullCopyReasonProgressVectorTrimmed)
		}
		if !decrementUntilLeq(&si, source, target.At(ti)) {
			return unresolvedSharedEntry(FullCopyReasonProgressVectorTrimmed)
		}
		if source.At(si).Equal(target.At(ti)) {
			break
		}
	}

	shared := SharedEntry{
		SourceEntry: source.At(si),
		SourceIndex: si,
		TargetEntry: target.At(ti),
		TargetIndex: ti,
	}

	if msg, ok := checkNoDoubleProgress(source, target, shared); !ok {
		shared.FullCopyReason = FullCopyReasonValidationFailed
		shared.FailedValidationMessage = msg
		return shared
	}
	if msg, ok := checkHistoriesAgree(source, target, shared); !ok {
		shared.FullCopyReason = FullCopyReasonValidationFailed
		shared.FailedValidationMessage = msg
		return shared
	}
	return shared
}

// decrementUntilLeq moves *index back until vector[*index] <= comparand.
// It returns false when index 0 is reached without satisfying the condition,
// which happens when the vector was trimmed past the comparand.
func decrementUntilLeq(index *int, vector *Vector, comparand Entry) bool {
	for vector.At(*index).Compare(comparand) > 0 {
		if *index == 0 {
			return false
		}
		*index--
	}
	return true
}

// previousDistinctLSN returns the nearest entry before *index whose LSN differs
// from lsn, moving *index back over entries that share lsn. ok is false once
// index 0 is reached.
func previousDistinctLSN(index *int, vector *Vector, lsn int64) (Entry, bool) {
	for *index > 0 {
		prev := vector.At(*index - 1)
		if int64(prev.LSN) != lsn {
			return prev, true
		}
		*index--
	}
	return Entry{}, false
}

// checkNoDoubleProgress verifies that the target did not make valid progress
// more than once after the shared entry within the shared data loss number.
// Repeated entries at the same LSN are attempts to become primary that made
// no progress and are tolerated.
func checkNoDoubleProgress(source, target *Vector, shared SharedEntry) (string, bool) {
	targetLast, _ := target.Last()
	sourceLast, _ := source.Last()
	ti := shared.TargetIndex

	if targetLast.Epoch.DataLossNumber != sourceLast.Epoch.DataLossNumber ||
		ti >= target.Len()-1 ||
		targetLast.Epoch.DataLossNumber != target.At(ti).Epoch.DataLossNumber {
		return "", true
	}

	failureLSN := target.At(ti + 1).LSN
	increments := 0
	for n := ti + 2; n < target.Len(); n++ {
		e := target.At(n)
		if e.Epoch.DataLossNumber != shared.TargetEntry.Epoch.DataLossNumber {
			break
		}
		if e.LSN != failureLSN {
			failureLSN = e.LSN
			increments++
		}
	}

	if increments > 1 {
		return fmt.Sprintf("failure lsn incremented must be <= 1, it is %d", increments), false
	}
	return "", true
}

// checkHistoriesAgree walks both vectors back from the shared entry, comparing
// the entries at each distinct LSN until either side is exhausted.
func checkHistoriesAgree(source, target *Vector, shared SharedEntry) (string, bool) {
	i, j := shared.SourceIndex, shared.TargetIndex
	sourceEntry, targetEntry := shared.SourceEntry, shared.TargetEntry

	for {
		var ok bool
		sourceEntry, ok = previousDistinctLSN(&i, source, int64(sourceEntry.LSN))
		if !ok || i == 0 {
			return "", true
		}
		targetEntry, ok = previousDistinctLSN(&j, target, int64(targetEntry.LSN))
		if !ok || j == 0 {
			return "", true
		}
		if !sourceEntry.Equal(targetEntry) {
			return fmt.Sprintf("histories disagree before shared entry: source %v target %v", sourceEntry, targetEntry), false
		}
	}
}
