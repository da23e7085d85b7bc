// Package mem implements the physical memory manager: a buddy allocator
// over a simulated physical address range, handing out power-of-two
// runs of pages and coalescing them back together on free.
//
// Physical memory itself doesn't exist in a hosted process, so it is
// simulated with a single large byte arena (see Arena below) the same
// way the teacher's disk driver simulates a block device with an
// *os.File standing in for the hardware — here a []byte stands in for
// DRAM, and a Pa_t is an offset into it instead of a bus address.
package mem

import (
	"container/list"
	"fmt"

	"lykcore/internal/ref"
	"lykcore/internal/spinlock"
)

// PGSIZE is the page granularity, matching the architecture page size
// used throughout paging, VM, and the page cache.
const PGSIZE = 4096

// MaxOrder bounds the largest run of pages the allocator will ever hand
// out as a single block: 2^MaxOrder pages.
const MaxOrder = 10

// Pa_t is a physical address: an offset into the Arena.
type Pa_t uintptr

// Va_t is a kernel virtual address within the direct map.
type Va_t uintptr

// Arena is the simulated physical address space. Its backing slice
// plays the role real DRAM plays on hardware; Bytes returns a []byte
// window directly over it standing in for the HHDM direct map, so
// callers read and write physical pages without a separate "copy to
// physical memory" step.
type Arena struct {
	buf []byte
}

// NewArena allocates an arena of size bytes, rounded up to a page.
func NewArena(size int) *Arena {
	size = roundup(size, PGSIZE)
	return &Arena{buf: make([]byte, size)}
}

// Size returns the arena's size in bytes.
func (a *Arena) Size() int {
	return len(a.buf)
}

// Bytes returns the byte window for the page-aligned run of npages
// pages starting at pa. It panics if the run falls outside the arena.
func (a *Arena) Bytes(pa Pa_t, npages int) []byte {
	start := int(pa)
	end := start + npages*PGSIZE
	if start < 0 || end > len(a.buf) {
		panic("mem: physical address out of range")
	}
	return a.buf[start:end]
}

func roundup(n, to int) int {
	return (n + to - 1) / to * to
}

type page struct {
	addr     Pa_t
	order    uint8
	free     bool
	refcount ref.Ref_t
	mapcount ref.Ref_t
	elem     *list.Element
}

// Phys_t is the physical memory manager: a buddy allocator over an
// Arena's page frames.
type Phys_t struct {
	lock      spinlock.Spinlock_t
	arena     *Arena
	pages     []page
	nblocks   int
	levels    [MaxOrder + 1]list.List
}

// Init creates a physical memory manager covering all of arena's
// pages, all of which start out free and are ordered into blocks of
// the largest order that fits (the same greedy, order-descending
// carving the original allocator performs at boot).
func Init(arena *Arena) *Phys_t {
	nblocks := arena.Size() / PGSIZE
	pm := &Phys_t{
		arena:   arena,
		pages:   make([]page, nblocks),
		nblocks: nblocks,
	}
	for i := range pm.levels {
		pm.levels[i].Init()
	}
	for i := 0; i < nblocks; i++ {
		pm.pages[i] = page{addr: Pa_t(i * PGSIZE)}
	}

	addr := 0
	for addr != nblocks*PGSIZE {
		order := MaxOrder
		for {
			span := pagecount(uint8(order)) * PGSIZE
			if addr+span <= nblocks*PGSIZE && addr%span == 0 {
				break
			}
			order--
		}
		idx := addr / PGSIZE
		pm.pages[idx].order = uint8(order)
		pm.pages[idx].free = true
		pm.pages[idx].elem = pm.levels[order].PushBack(idx)
		addr += pagecount(uint8(order)) * PGSIZE
	}
	return pm
}

func pagecount(order uint8) int {
	return 1 << order
}

func orderForPages(pages int) uint8 {
	if pages <= 1 {
		return 0
	}
	o := uint8(0)
	for pagecount(o) < pages {
		o++
	}
	return o
}

// Alloc removes and returns a free run of 2^order pages, splitting a
// larger block if no exact match is free. It returns pa == 0 and
// ok == false if no block large enough remains.
func (pm *Phys_t) Alloc(order uint8) (pa Pa_t, ok bool) {
	pm.lock.Lock()
	defer pm.lock.Unlock()

	i := int(order)
	for pm.levels[i].Len() == 0 {
		i++
		if i > MaxOrder {
			return 0, false
		}
	}

	front := pm.levels[i].Front()
	idx := front.Value.(int)
	pm.levels[i].Remove(front)

	for ; i > int(order); i-- {
		rIdx := idx ^ pagecount(uint8(i-1))
		right := &pm.pages[rIdx]
		right.order = uint8(i - 1)
		right.free = true
		right.elem = pm.levels[i-1].PushBack(rIdx)
	}

	p := &pm.pages[idx]
	p.order = order
	p.free = false
	p.mapcount.Set(0)
	p.refcount.Set(1)
	return p.addr, true
}

// AllocPages is Alloc sized to hold at least npages pages.
func (pm *Phys_t) AllocPages(npages int) (Pa_t, bool) {
	return pm.Alloc(orderForPages(npages))
}

// Free returns a block to the allocator, merging it with its buddy
// repeatedly while the buddy is free and of the same order. The block
// must have a refcount of exactly 1 (the caller's own reference);
// Refdown releases intermediate references, Free consumes the last one.
func (pm *Phys_t) Free(pa Pa_t) {
	pm.lock.Lock()
	defer pm.lock.Unlock()

	idx := int(pa) / PGSIZE
	p := &pm.pages[idx]
	if p.refcount.Count() != 1 {
		panic(fmt.Sprintf("mem: free of page with refcount %d", p.refcount.Count()))
	}

	i := p.order
	for int(i) < MaxOrder {
		bIdx := idx ^ pagecount(i)
		if bIdx >= pm.nblocks {
			break
		}
		buddy := &pm.pages[bIdx]
		if !buddy.free || buddy.order != i {
			break
		}
		pm.levels[buddy.order].Remove(buddy.elem)
		if idx > bIdx {
			idx = bIdx
		}
		i++
	}

	p = &pm.pages[idx]
	p.order = i
	p.free = true
	p.mapcount.Set(0)
	p.refcount.Set(0)
	p.elem = pm.levels[i].PushBack(idx)
}

// Refup increments the page's reference count.
func (pm *Phys_t) Refup(pa Pa_t) {
	pm.pages[int(pa)/PGSIZE].refcount.Up()
}

// Refdown decrements the page's reference count, freeing it once the
// count reaches zero. It reports whether the count reached zero, so
// callers walking a refcounted structure (a page table) can tell
// whether this was the last reference without re-reading the count
// themselves.
func (pm *Phys_t) Refdown(pa Pa_t) bool {
	p := &pm.pages[int(pa)/PGSIZE]
	if p.refcount.Down() == 0 {
		p.refcount.Set(1)
		pm.Free(pa)
		return true
	}
	return false
}

// DecRefRaw decrements pa's reference count without freeing it, even
// if the count reaches zero, and reports whether it did. Used by
// archpg's table bookkeeping, which reuses a page's refcount field to
// mean "live entries below this table" and decides for itself whether
// reaching zero should free the table (never for a root table).
func (pm *Phys_t) DecRefRaw(pa Pa_t) bool {
	return pm.pages[int(pa)/PGSIZE].refcount.Down() == 0
}

// FreeForce frees pa unconditionally, ignoring its current refcount.
// Used for whole-structure teardown (destroying an entire page table)
// where intermediate nodes are torn down directly rather than through
// the usual one-reference-at-a-time Refdown path.
func (pm *Phys_t) FreeForce(pa Pa_t) {
	pm.pages[int(pa)/PGSIZE].refcount.Set(1)
	pm.Free(pa)
}

// Refcount returns the page's current reference count.
func (pm *Phys_t) Refcount(pa Pa_t) int64 {
	return pm.pages[int(pa)/PGSIZE].refcount.Count()
}

// MapInc/MapDec track the number of page table entries pointing at a
// physical page, distinct from the lifetime refcount: a page can be
// mapped into several address spaces (shared anonymous memory) while
// still held by a single owning reference.
func (pm *Phys_t) MapInc(pa Pa_t) {
	pm.pages[int(pa)/PGSIZE].mapcount.Up()
}

func (pm *Phys_t) MapDec(pa Pa_t) int64 {
	return pm.pages[int(pa)/PGSIZE].mapcount.Down()
}

// Bytes returns the byte window over the page at pa, a convenience
// wrapper over the Arena for single-page access.
func (pm *Phys_t) Bytes(pa Pa_t) []byte {
	return pm.arena.Bytes(pa, 1)
}

// ArenaRef returns the backing Arena, for callers (e.g. archpg) that need
// a direct-map window spanning multiple pages.
func (pm *Phys_t) ArenaRef() *Arena {
	return pm.arena
}
