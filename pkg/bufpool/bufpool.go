// Package bufpool provides a tiered buffer pool for the upload and parse
// pipelines.
//
// Chunk assembly, gzip inflation, and line scanning all need short-lived
// copy buffers. Pooling them keeps the per-upload allocation cost flat no
// matter how many chunks a file arrives in.
//
// Three size tiers cover the pipeline's buffer shapes:
//   - Small (4KB): header sniffs and small control reads
//   - Medium (64KB): line scanner working buffers
//   - Large (1MB): chunk assembly and decompression copy buffers
//
// Buffers larger than the large tier are allocated directly and not pooled,
// so an occasional oversized request cannot pin memory.
package bufpool

import (
	"sync"
)

// Buffer size classes.
const (
	// SmallSize covers format sniffing and small reads (4KB)
	SmallSize = 4 << 10

	// MediumSize covers line scanner buffers (64KB)
	MediumSize = 64 << 10

	// LargeSize covers chunk and decompression copy buffers (1MB)
	LargeSize = 1 << 20
)

// Pool manages byte slice pools organized by size class. It selects the
// smallest class that fits a request and falls back to direct allocation
// for oversized requests.
type Pool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

// NewPool creates a new buffer pool.
func NewPool() *Pool {
	p := &Pool{}
	p.small.New = func() any {
		buf := make([]byte, SmallSize)
		return &buf
	}
	p.medium.New = func() any {
		buf := make([]byte, MediumSize)
		return &buf
	}
	p.large.New = func() any {
		buf := make([]byte, LargeSize)
		return &buf
	}
	return p
}

// Get returns a byte slice of at least the requested size. The slice length
// is exactly size; its capacity may be larger to align with a size class.
//
// The caller must return the buffer with Put when finished. Sizes above
// LargeSize are allocated directly and never pooled.
func (p *Pool) Get(size int) []byte {
	var bufPtr *[]byte

	switch {
	case size <= SmallSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= MediumSize:
		bufPtr = p.medium.Get().(*[]byte)
	case size <= LargeSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		return make([]byte, size)
	}

	buf := *bufPtr
	return buf[:size]
}

// Put returns a buffer to the pool for reuse. The buffer must have come
// from Get and must not be used afterwards. Buffers that do not match a
// size class are dropped for the GC.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}

	switch cap(buf) {
	case SmallSize:
		full := buf[:cap(buf)]
		p.small.Put(&full)
	case MediumSize:
		full := buf[:cap(buf)]
		p.medium.Put(&full)
	case LargeSize:
		full := buf[:cap(buf)]
		p.large.Put(&full)
	}
}

// globalPool is the package-level pool shared by the pipelines.
var globalPool = NewPool()

// Get returns a byte slice of at least the requested size from the shared
// pool. Pair with Put:
//
//	buf := bufpool.Get(size)
//	defer bufpool.Put(buf)
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns a buffer to the shared pool.
func Put(buf []byte) {
	globalPool.Put(buf)
}
