// Package progress maintains a replica's progress vector, the ordered history
// of epoch changes it has observed, and compares two vectors to decide how a
// replica must be built from another.
package progress

import (
	"strings"

	"github.com/dd0wney/cluso-replog/pkg/invariant"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

const component = "progress"

// DefaultMaxStringSizeKB bounds the text rendered by String.
const DefaultMaxStringSizeKB = 60

// Vector is an ordered list of entries, strictly increasing in epoch and
// non-decreasing in LSN. It is not safe for concurrent use; readers that may
// race with a trim must work on a Clone.
type Vector struct {
	entries    []Entry
	maxEntries uint32
}

// NewVector returns an empty vector with no trimming bound.
func NewVector() *Vector {
	return &Vector{}
}

// NewZeroVector returns the vector of a brand new partition.
func NewZeroVector() *Vector {
	return &Vector{entries: []Entry{ZeroEntry()}}
}

// FromEntries builds a vector from entries in order, asserting the ordering invariant.
func FromEntries(entries ...Entry) *Vector {
	v := NewVector()
	for _, e := range entries {
		v.Append(e)
	}
	return v
}

// SetMaxEntries sets the trimming bound; 0 disables trimming.
func (v *Vector) SetMaxEntries(n uint32) {
	v.maxEntries = n
}

// MaxEntries returns the trimming bound.
func (v *Vector) MaxEntries() uint32 {
	return v.maxEntries
}

// Len returns the number of entries.
func (v *Vector) Len() int {
	return len(v.entries)
}

// At returns the entry at index i.
func (v *Vector) At(i int) Entry {
	return v.entries[i]
}

// Entries returns a copy of all entries, oldest first.
func (v *Vector) Entries() []Entry {
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// Last returns the newest entry. ok is false when the vector is empty.
func (v *Vector) Last() (Entry, bool) {
	if len(v.entries) == 0 {
		return Entry{}, false
	}
	return v.entries[len(v.entries)-1], true
}

// ByteCount returns the encoded size of the vector.
func (v *Vector) ByteCount() int {
	return 4 + len(v.entries)*EntrySize
}

// Append adds a new newest entry. The entry's epoch must be strictly greater
// and its LSN not smaller than the current last entry's.
func (v *Vector) Append(e Entry) {
	if last, ok := v.Last(); ok {
		invariant.Assert(last.Epoch.Less(e.Epoch) && last.LSN <= e.LSN, component,
			"append %v after %v violates ordering", e, last)
	}
	v.entries = append(v.entries, e)
}

// Find returns the entry for epoch, searching from the newest.
func (v *Vector) Find(epoch types.Epoch) (Entry, bool) {
	for i := len(v.entries) - 1; i >= 0; i-- {
		if v.entries[i].Epoch == epoch {
			return v.entries[i], true
		}
	}
	return Entry{}, false
}

// FindEpoch returns the epoch that was current when lsn was assigned, or
// InvalidEpoch when it cannot be determined.
func (v *Vector) FindEpoch(lsn types.LSN) types.Epoch {
	if len(v.entries) == 0 || lsn == types.ZeroLSN {
		return types.InvalidEpoch
	}
	for i := len(v.entries) - 1; i >= 0; i-- {
		if v.entries[i].LSN < lsn {
			return v.entries[i].Epoch
		}
	}
	return types.InvalidEpoch
}

// Insert places e in epoch order. It returns false when the epoch is already
// present. Entries newer than e must start at e's LSN.
func (v *Vector) Insert(e Entry) bool {
	for i := len(v.entries) - 1; i >= 0; i-- {
		existing := v.entries[i]
		if existing.Epoch == e.Epoch {
			invariant.Assert(existing.LSN == e.LSN, component,
				"insert %v conflicts with %v", e, existing)
			return false
		}
		if existing.Epoch.Less(e.Epoch) {
			v.entries = append(v.entries, Entry{})
			copy(v.entries[i+2:], v.entries[i+1:])
			v.entries[i+1] = e
			return true
		}
		invariant.Assert(existing.LSN == e.LSN, component,
			"insert %v before %v with a different lsn", e, existing)
	}

	v.entries = append([]Entry{e}, v.entries...)
	return true
}

// TruncateHead replaces the entry with first's epoch by first and drops every
// older entry. It is a no-op when the epoch is not present.
func (v *Vector) TruncateHead(first Entry) {
	for i := range v.entries {
		if v.entries[i].Epoch == first.Epoch {
			v.entries[i] = first
			if i > 0 {
				v.entries = append(v.entries[:0], v.entries[i:]...)
			}
			return
		}
	}
}

// TruncateTail removes the newest entry, which must equal last.
func (v *Vector) TruncateTail(last Entry) {
	tail, ok := v.Last()
	invariant.Assert(ok && tail.Equal(last), component,
		"truncate tail %v does not match last entry %v", last, tail)
	v.entries = v.entries[:len(v.entries)-1]
}

// TrimIfNeeded drops the oldest entries once the vector exceeds its bound.
// Everything strictly older than the later of the log head epoch and the
// highest backed up epoch is removed.
func (v *Vector) TrimIfNeeded(highestBackedUpEpoch, headEpoch types.Epoch) {
	if v.maxEntries == 0 || len(v.entries) <= int(v.maxEntries) {
		return
	}

	trimPoint := highestBackedUpEpoch
	if highestBackedUpEpoch.Less(headEpoch) {
		trimPoint = headEpoch
	}

	idx := -1
	for i := len(v.entries) - 1; i >= 0; i-- {
		if v.entries[i].Epoch.Less(trimPoint) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}

	v.entries = append(v.entries[:0], v.entries[idx+1:]...)
}

// Clone trims the receiver if needed and returns an independent copy bound
// by maxEntries.
func (v *Vector) Clone(maxEntries uint32, highestBackedUpEpoch, headEpoch types.Epoch) *Vector {
	v.TrimIfNeeded(highestBackedUpEpoch, headEpoch)
	return &Vector{
		entries:    v.Entries(),
		maxEntries: maxEntries,
	}
}

// Snapshot returns an independent copy without trimming.
func (v *Vector) Snapshot() *Vector {
	return &Vector{entries: v.Entries(), maxEntries: v.maxEntries}
}

// Equal reports whether both vectors hold equal entries in the same order.
func (v *Vector) Equal(other *Vector) bool {
	if v == other {
		return true
	}
	if v == nil || other == nil || len(v.entries) != len(other.entries) {
		return false
	}
	for i := range v.entries {
		if !v.entries[i].Equal(other.entries[i]) {
			return false
		}
	}
	return true
}

func (v *Vector) String() string {
	return v.Format("", DefaultMaxStringSizeKB, len(v.entries)-1)
}

// Format renders entries newest first, one per line, each prefixed with
// prefix. At most maxKB kilobytes are produced, and the window is centred on
// targetIndex so that the entries around a failed validation stay visible.
func (v *Vector) Format(prefix string, maxKB int, targetIndex int) string {
	if len(v.entries) == 0 {
		return ""
	}
	if targetIndex < 0 || targetIndex >= len(v.entries) {
		targetIndex = len(v.entries) - 1
	}

	maxBytes := maxKB * 1024
	entrySize := len(ZeroEntry().String())
	lineSize := entrySize + len(prefix) + 1
	half := maxBytes / 2

	forward := min((len(v.entries)-1-targetIndex)*lineSize, half)
	backward := min(targetIndex*lineSize, half)
	if backward < half {
		forward += half - backward
	}
	if forward < half {
		backward += half - forward
	}

	earliest := max(targetIndex-backward/lineSize, 0)
	latest := min(targetIndex+forward/lineSize, len(v.entries)-1)

	var sb strings.Builder
	for i := latest; i >= earliest; i-- {
		if sb.Len()+entrySize >= maxBytes {
			break
		}
		if i != latest {
			sb.WriteByte('\n')
			sb.WriteString(prefix)
		}
		sb.WriteString(v.entries[i].String())
	}
	return sb.String()
}
