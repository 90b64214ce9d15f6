package bufpool

import (
	"sync"
	"testing"
)

func TestGetSizeClasses(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{"small", 100, SmallSize},
		{"small boundary", SmallSize, SmallSize},
		{"medium", SmallSize + 1, MediumSize},
		{"medium boundary", MediumSize, MediumSize},
		{"large", MediumSize + 1, LargeSize},
		{"large boundary", LargeSize, LargeSize},
	}
	p := NewPool()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := p.Get(tt.size)
			if len(buf) != tt.size {
				t.Errorf("len = %d, want %d", len(buf), tt.size)
			}
			if cap(buf) != tt.wantCap {
				t.Errorf("cap = %d, want %d", cap(buf), tt.wantCap)
			}
			p.Put(buf)
		})
	}
}

func TestOversizedNotPooled(t *testing.T) {
	p := NewPool()
	buf := p.Get(LargeSize + 1)
	if len(buf) != LargeSize+1 {
		t.Errorf("len = %d, want %d", len(buf), LargeSize+1)
	}
	// Returning it must not panic even though it is not pooled.
	p.Put(buf)
}

func TestPutNil(t *testing.T) {
	NewPool().Put(nil)
}

func TestConcurrentAccess(t *testing.T) {
	p := NewPool()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				buf := p.Get(MediumSize)
				buf[0] = byte(j)
				p.Put(buf)
			}
		}()
	}
	wg.Wait()
}

func TestGlobalPool(t *testing.T) {
	buf := Get(SmallSize)
	if len(buf) != SmallSize {
		t.Errorf("len = %d, want %d", len(buf), SmallSize)
	}
	Put(buf)
}
