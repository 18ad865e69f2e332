package orchestrator

import (
	"sync/atomic"

	"github.com/dd0wney/cluso-replog/pkg/types"
)

// Watermark is the stable LSN: the highest LSN known to be durable on a
// write quorum. It only moves forward, except through Reset.
type Watermark struct {
	v atomic.Int64
}

// NewWatermark returns a watermark at lsn.
func NewWatermark(lsn types.LSN) *Watermark {
	w := &Watermark{}
	w.v.Store(int64(lsn))
	return w
}

// Load returns the current value.
func (w *Watermark) Load() types.LSN {
	return types.LSN(w.v.Load())
}

// Advance raises the watermark to lsn and reports whether it moved.
func (w *Watermark) Advance(lsn types.LSN) bool {
	for {
		cur := w.v.Load()
		if int64(lsn) <= cur {
			return false
		}
		if w.v.CompareAndSwap(cur, int64(lsn)) {
			return true
		}
	}
}

// Reset sets the watermark unconditionally, for role changes.
func (w *Watermark) Reset(lsn types.LSN) {
	w.v.Store(int64(lsn))
}
