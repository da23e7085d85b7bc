// Package ref provides a small atomic reference count embedded by objects
// that are shared and freed only when their last holder drops them:
// physical pages, vnodes, fd table entries, processes and threads.
package ref

import "sync/atomic"

// Ref_t is an atomic reference count. The zero value starts at zero and
// must be given an initial Up before being shared.
type Ref_t struct {
	n int64
}

// Up increments the count.
func (r *Ref_t) Up() int64 {
	return atomic.AddInt64(&r.n, 1)
}

// Down decrements the count and panics if it goes negative — that
// indicates a double free.
func (r *Ref_t) Down() int64 {
	n := atomic.AddInt64(&r.n, -1)
	if n < 0 {
		panic("ref: refcount went negative")
	}
	return n
}

// Count returns the current count.
func (r *Ref_t) Count() int64 {
	return atomic.LoadInt64(&r.n)
}

// Set forces the count to n. Used when initializing a freshly allocated
// object to a known starting count (usually 1).
func (r *Ref_t) Set(n int64) {
	atomic.StoreInt64(&r.n, n)
}
