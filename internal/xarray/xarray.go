// Package xarray implements a sparse array indexed by a uint64 key,
// the storage structure backing each vnode's page cache: most files
// only populate a handful of page-sized slots out of a huge index
// space, so entries are kept in a map rather than a dense slice, and
// each entry carries a small set of boolean marks (dirty, writeback,
// ...) that can be queried without touching the entry's value.
//
// This mirrors the per-entry mark bits and skip-ahead Find/FindMark
// searches of a radix-tree-based xarray; the storage itself is a Go
// map since the kernel's fixed-depth radix tree exists to bound node
// size for an allocator that doesn't have one, a constraint that
// doesn't apply here.
package xarray

import "sort"

// Mark identifies one of a small, fixed set of per-entry flags.
type Mark int

const (
	MarkDirty Mark = iota
	MarkWriteback
	MarkUptodate
	numMarks
)

type entry struct {
	value interface{}
	marks [numMarks]bool
}

// Xarray_t is a sparse, mark-bit-tagged array keyed by uint64 index.
// Not safe for concurrent use; callers serialize access themselves.
type Xarray_t struct {
	entries map[uint64]*entry
}

// Init prepares the array for use.
func (xa *Xarray_t) Init() {
	xa.entries = make(map[uint64]*entry)
}

// Store inserts or replaces the value at index. Marks on any existing
// entry are cleared.
func (xa *Xarray_t) Store(index uint64, value interface{}) {
	xa.entries[index] = &entry{value: value}
}

// Load returns the value at index and whether it is present.
func (xa *Xarray_t) Load(index uint64) (interface{}, bool) {
	e, ok := xa.entries[index]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Delete removes the entry at index, if any.
func (xa *Xarray_t) Delete(index uint64) {
	delete(xa.entries, index)
}

// Len returns the number of populated entries.
func (xa *Xarray_t) Len() int {
	return len(xa.entries)
}

// SetMark sets mark on the entry at index. It panics if no entry is
// stored there; a mark only describes the state of a real value.
func (xa *Xarray_t) SetMark(index uint64, mark Mark) {
	e, ok := xa.entries[index]
	if !ok {
		panic("xarray: mark set on empty slot")
	}
	e.marks[mark] = true
}

// ClearMark clears mark on the entry at index, if present.
func (xa *Xarray_t) ClearMark(index uint64, mark Mark) {
	if e, ok := xa.entries[index]; ok {
		e.marks[mark] = false
	}
}

// HasMark reports whether the entry at index has mark set.
func (xa *Xarray_t) HasMark(index uint64, mark Mark) bool {
	e, ok := xa.entries[index]
	if !ok {
		return false
	}
	return e.marks[mark]
}

// Find returns the smallest populated index >= from, and whether one
// exists.
func (xa *Xarray_t) Find(from uint64) (uint64, interface{}, bool) {
	best := uint64(0)
	found := false
	for k := range xa.entries {
		if k >= from && (!found || k < best) {
			best = k
			found = true
		}
	}
	if !found {
		return 0, nil, false
	}
	return best, xa.entries[best].value, true
}

// FindMark returns the smallest index >= from whose entry has mark
// set, and whether one exists. Used to drive writeback: find the next
// dirty page. Each call scans every entry.
func (xa *Xarray_t) FindMark(from uint64, mark Mark) (uint64, bool) {
	best := uint64(0)
	found := false
	for k, e := range xa.entries {
		if k >= from && e.marks[mark] && (!found || k < best) {
			best = k
			found = true
		}
	}
	return best, found
}

// Keys returns all populated indices in ascending order.
func (xa *Xarray_t) Keys() []uint64 {
	ks := make([]uint64, 0, len(xa.entries))
	for k := range xa.entries {
		ks = append(ks, k)
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })
	return ks
}
