package pools

import (
	"sync"
	"testing"
)

func TestBytePool_Get(t *testing.T) {
	p := NewBytePool()

	tests := []struct {
		size   int
		minCap int
	}{
		{0, 128},
		{74, 128},
		{129, 512},
		{2000, 2048},
		{100000, 131072},
		{MaxPooled + 1, MaxPooled + 1},
	}

	for _, tt := range tests {
		b := p.Get(tt.size)
		if len(b) != 0 {
			t.Errorf("Get(%d) len = %d, want 0", tt.size, len(b))
		}
		if cap(b) < tt.minCap {
			t.Errorf("Get(%d) cap = %d, want >= %d", tt.size, cap(b), tt.minCap)
		}
	}
}

func TestBytePool_GetSized(t *testing.T) {
	p := NewBytePool()
	b := p.GetSized(300)
	if len(b) != 300 {
		t.Fatalf("GetSized(300) len = %d", len(b))
	}
}

func TestBytePool_PutFilesByCapacity(t *testing.T) {
	p := NewBytePool()

	// 1000 bytes of capacity satisfies the 512 class but not the 2048 one.
	p.Put(make([]byte, 10, 1000))
	b := p.Get(400)
	if cap(b) < 400 {
		t.Fatalf("cap = %d, want >= 400", cap(b))
	}
	if len(b) != 0 {
		t.Errorf("reused slice len = %d, want 0", len(b))
	}
}

func TestBytePool_OversizedAndTinyNotPooled(t *testing.T) {
	p := NewBytePool()
	p.Put(make([]byte, MaxPooled+1))
	p.Put(make([]byte, 8))

	gets, misses := p.Stats()
	if gets != 0 || misses != 0 {
		t.Errorf("Put must not count as Get: gets=%d misses=%d", gets, misses)
	}
	p.Get(MaxPooled + 1)
	if _, misses := p.Stats(); misses != 1 {
		t.Errorf("oversized Get should miss, misses = %d", misses)
	}
}

func TestBytePool_Concurrent(t *testing.T) {
	p := NewBytePool()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b := p.Get(64 + (g*i)%4000)
				b = append(b, byte(i))
				p.Put(b)
			}
		}(g)
	}
	wg.Wait()

	if gets, _ := p.Stats(); gets != 4000 {
		t.Errorf("gets = %d, want 4000", gets)
	}
}
