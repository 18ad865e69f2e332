package pools

import (
	"sync"
	"sync/atomic"
)

// Size classes. A barrier or indexing frame fits the smallest class; the
// largest pooled class holds a checkpoint record with a long progress
// vector.
var sizeClasses = [...]int{128, 512, 2048, 8192, 32768, 131072}

// MaxPooled is the largest capacity kept for reuse.
const MaxPooled = 131072

// BytePool hands out byte slices from size classes.
type BytePool struct {
	classes [len(sizeClasses)]sync.Pool

	gets   atomic.Int64
	misses atomic.Int64
}

// NewBytePool creates an empty pool.
func NewBytePool() *BytePool {
	p := &BytePool{}
	for i, size := range sizeClasses {
		size := size
		p.classes[i].New = func() any {
			b := make([]byte, 0, size)
			return &b
		}
	}
	return p
}

// classFor returns the index of the smallest class holding size bytes, or
// -1 when size is too large to pool.
func classFor(size int) int {
	for i, c := range sizeClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

// Get returns an empty slice with capacity for at least size bytes.
func (p *BytePool) Get(size int) []byte {
	p.gets.Add(1)
	i := classFor(size)
	if i < 0 {
		p.misses.Add(1)
		return make([]byte, 0, size)
	}
	bp, ok := p.classes[i].Get().(*[]byte)
	if !ok || cap(*bp) < size {
		p.misses.Add(1)
		return make([]byte, 0, size)
	}
	return (*bp)[:0]
}

// GetSized returns a slice of length size.
func (p *BytePool) GetSized(size int) []byte {
	return p.Get(size)[:size]
}

// Put returns b for reuse. The caller must not touch b afterwards. Slices
// are filed under the largest class their capacity satisfies.
func (p *BytePool) Put(b []byte) {
	c := cap(b)
	if c > MaxPooled || c < sizeClasses[0] {
		return
	}
	i := len(sizeClasses) - 1
	for sizeClasses[i] > c {
		i--
	}
	b = b[:0]
	p.classes[i].Put(&b)
}

// Stats returns the number of Get calls and how many allocated a new slice.
func (p *BytePool) Stats() (gets, misses int64) {
	return p.gets.Load(), p.misses.Load()
}
