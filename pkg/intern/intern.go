// Package intern provides a process-wide string deduplication pool used
// during parsing. Device IDs, signal names, and short values repeat millions
// of times in PLC logs; folding them into shared storage keeps the resident
// set proportional to the distinct strings rather than the line count.
//
// The pool is reset at every parse boundary to bound residency. Reads after
// a reset are safe: the columnar store holds its own canonical copies.
package intern

import "sync"

// maxInternLen bounds the length of interned strings. Long values are almost
// always unique, so interning them would only grow the table.
const maxInternLen = 64

var (
	mu   sync.Mutex
	pool = make(map[string]string)
)

// String returns a canonical copy of s, deduplicated against the pool.
// Strings longer than the intern limit are returned as-is.
func String(s string) string {
	if len(s) > maxInternLen {
		return s
	}
	mu.Lock()
	canonical, ok := pool[s]
	if !ok {
		// Clone so the pool never pins a large backing array from a
		// subslice of a read buffer.
		canonical = string(append([]byte(nil), s...))
		pool[canonical] = canonical
	}
	mu.Unlock()
	return canonical
}

// Bytes interns the string form of b.
func Bytes(b []byte) string {
	if len(b) > maxInternLen {
		return string(b)
	}
	mu.Lock()
	canonical, ok := pool[string(b)]
	if !ok {
		canonical = string(b)
		pool[canonical] = canonical
	}
	mu.Unlock()
	return canonical
}

// Reset discards the pool. Called at parse boundaries.
func Reset() {
	mu.Lock()
	pool = make(map[string]string)
	mu.Unlock()
}

// Size reports the number of distinct strings currently interned.
func Size() int {
	mu.Lock()
	defer mu.Unlock()
	return len(pool)
}
