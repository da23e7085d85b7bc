// Package vm implements virtual address spaces: a sorted list of
// segments layered over an architecture page table (internal/archpg),
// mmap-style placement (FIXED, FIXED_NOREPLACE, anonymous, vnode
// backed), and the user/kernel copy helpers syscalls use to move data
// across the boundary.
package vm

import (
	"lykcore/internal/defs"
	"lykcore/internal/mem"
	"lykcore/internal/spinlock"
)

// Prot mirrors archpg.Prot's bit values so this package doesn't need to
// import archpg just to describe a mapping's permissions; the two are
// wired together by whatever concrete PageMap the caller supplies.
type Prot int

const (
	ProtWrite Prot = 1 << iota
	ProtUser
	ProtExec
)

// MapFlags selects mmap-style placement and backing behavior.
type MapFlags int

const (
	MapFixed MapFlags = 1 << iota
	MapFixedNoReplace
	MapAnon
	MapPopulate
	// MapShared marks an anonymous segment as shared rather than
	// private: Fork keeps it mapped writable and mapcount-tracked in
	// both address spaces instead of write-protecting it for
	// copy-on-write. Absent, a segment is private (the default
	// COW-on-fork behavior).
	MapShared
)

// Mapper is the subset of an architecture page table (internal/archpg's
// X86_64_t / AArch64_t, via a small per-arch adapter) that vm needs:
// map, unmap, and translate a single page-granular entry. Kept
// abstract so this package does not need to import archpg directly and
// can drive either architecture identically.
type Mapper interface {
	MapPage(vaddr uint64, paddr mem.Pa_t, prot Prot) error
	UnmapPage(vaddr uint64) error
	TranslatePage(vaddr uint64) (mem.Pa_t, bool)
}

// Vnode is the minimal surface a filesystem vnode must provide for
// file-backed mappings; internal/vfs implements it. Kept abstract here
// so vm does not import vfs.
type Vnode interface {
	Mmap(as *AddrSpace_t, vaddr uint64, length int, prot Prot, flags MapFlags, offset int64) defs.Err_t
}

type segment struct {
	start  uint64
	length int
	prot   Prot
	flags  MapFlags
	vn     Vnode
	offset int64
	next   *segment
	prev   *segment
}

// AddrSpace_t is a virtual address space: an ordered list of
// non-overlapping segments over a PageMap, within [limitLow, limitHigh).
type AddrSpace_t struct {
	lock      spinlock.Spinlock_t
	pm        *mem.Phys_t
	pages     Mapper
	segments  *segment // sorted ascending by start
	limitLow  uint64
	limitHigh uint64
}

// NewAddrSpace creates an address space backed by pages (an
// already-created, empty architecture page table) covering
// [limitLow, limitHigh).
func NewAddrSpace(pm *mem.Phys_t, pages Mapper, limitLow, limitHigh uint64) *AddrSpace_t {
	return &AddrSpace_t{pm: pm, pages: pages, limitLow: limitLow, limitHigh: limitHigh}
}

func (as *AddrSpace_t) insertSeg(seg *segment) {
	var prev *segment
	cur := as.segments
	for cur != nil && cur.start < seg.start {
		prev = cur
		cur = cur.next
	}
	seg.next = cur
	seg.prev = prev
	if cur != nil {
		cur.prev = seg
	}
	if prev != nil {
		prev.next = seg
	} else {
		as.segments = seg
	}
}

func (as *AddrSpace_t) removeSeg(seg *segment) {
	if seg.prev != nil {
		seg.prev.next = seg.next
	} else {
		as.segments = seg.next
	}
	if seg.next != nil {
		seg.next.prev = seg.prev
	}
}

func (as *AddrSpace_t) checkCollision(base uint64, length int) *segment {
	end := base + uint64(length) - 1
	for s := as.segments; s != nil; s = s.next {
		segEnd := s.start + uint64(s.length) - 1
		if end >= s.start && base <= segEnd {
			return s
		}
	}
	return nil
}

func (as *AddrSpace_t) findSpace(length int) (uint64, bool) {
	if as.segments == nil {
		return as.limitLow, true
	}
	start := as.limitLow
	for s := as.segments; s != nil; s = s.next {
		if start+uint64(length) < s.start {
			break
		}
		start = s.start + uint64(s.length)
	}
	if start+uint64(length)-1 <= as.limitHigh {
		return start, true
	}
	return 0, false
}

func (as *AddrSpace_t) findSeg(addr uint64) *segment {
	for s := as.segments; s != nil; s = s.next {
		if s.start <= addr && addr-s.start < uint64(s.length) {
			return s
		}
	}
	return nil
}

func (as *AddrSpace_t) resolveVaddr(vaddr uint64, length int, flags MapFlags) (uint64, defs.Err_t) {
	if vaddr < as.limitLow || uint64(length) > as.limitHigh-vaddr {
		if flags&(MapFixed|MapFixedNoReplace) != 0 {
			return 0, defs.EINVAL
		}
		v, ok := as.findSpace(length)
		if !ok {
			return 0, defs.ENOMEM
		}
		vaddr = v
	}
	if as.checkCollision(vaddr, length) != nil {
		switch {
		case flags&MapFixedNoReplace != 0:
			return 0, defs.EEXIST
		case flags&MapFixed != 0:
			return 0, defs.EINVAL
		default:
			v, ok := as.findSpace(length)
			if !ok {
				return 0, defs.ENOMEM
			}
			vaddr = v
		}
	}
	return vaddr, defs.EOK
}

// Map installs a new segment of length bytes (rounded up to a page),
// either anonymous (vn == nil) or backed by vn starting at offset, and
// returns the address it was placed at.
//
// The lock is always released on every return path — the original this
// is grounded on released it on every path except the vnode-backed one,
// which returned from inside the mapping loop while still holding it.
func (as *AddrSpace_t) Map(vaddr uint64, length int, prot Prot, flags MapFlags, vn Vnode, offset int64) (uint64, defs.Err_t) {
	as.lock.Lock()
	defer as.lock.Unlock()

	length = roundup(length, mem.PGSIZE)

	vaddr, err := as.resolveVaddr(vaddr, length, flags)
	if err != defs.EOK {
		return 0, err
	}

	seg := &segment{start: vaddr, length: length, prot: prot, flags: flags, vn: vn, offset: offset}

	if vn != nil {
		as.insertSeg(seg)
		if ferr := vn.Mmap(as, vaddr, length, prot, flags, offset); ferr != defs.EOK {
			as.removeSeg(seg)
			return 0, ferr
		}
		return vaddr, defs.EOK
	}

	for i := 0; i < length; i += mem.PGSIZE {
		pa, ok := as.pm.Alloc(0)
		if !ok {
			for j := 0; j < i; j += mem.PGSIZE {
				as.pages.UnmapPage(vaddr + uint64(j))
			}
			return 0, defs.ENOMEM
		}
		if err := as.pages.MapPage(vaddr+uint64(i), pa, prot); err != nil {
			as.pm.Refdown(pa)
			return 0, defs.ENOMEM
		}
	}
	as.insertSeg(seg)
	return vaddr, defs.EOK
}

// Unmap removes the segment exactly matching [vaddr, vaddr+length) and
// tears down its page table entries, freeing anonymous pages.
func (as *AddrSpace_t) Unmap(vaddr uint64, length int) defs.Err_t {
	as.lock.Lock()
	defer as.lock.Unlock()

	for s := as.segments; s != nil; s = s.next {
		if s.start != vaddr || s.length != length {
			continue
		}
		for i := 0; i < s.length; i += mem.PGSIZE {
			va := s.start + uint64(i)
			if pa, ok := as.pages.TranslatePage(va); ok && s.vn == nil {
				if s.flags&MapShared != 0 {
					as.pm.MapDec(pa)
				}
				as.pm.Refdown(pa)
			}
			as.pages.UnmapPage(va)
		}
		as.removeSeg(s)
		return defs.EOK
	}
	return defs.ENOENT
}

// CopyToUser copies len(src) bytes from src into as starting at vaddr
// dest, crossing page boundaries as needed.
func (as *AddrSpace_t) CopyToUser(dest uint64, src []byte) (int, defs.Err_t) {
	i := 0
	for i < len(src) {
		offset := int((dest + uint64(i)) % mem.PGSIZE)
		pa, ok := as.pages.TranslatePage(dest + uint64(i))
		if !ok {
			return i, defs.EFAULT
		}
		n := min(len(src)-i, mem.PGSIZE-offset)
		page := as.pm.Bytes(pa - mem.Pa_t(offset))
		copy(page[offset:offset+n], src[i:i+n])
		i += n
	}
	return i, defs.EOK
}

// CopyFromUser copies len(dest) bytes from as starting at vaddr src
// into dest.
func (as *AddrSpace_t) CopyFromUser(dest []byte, src uint64) (int, defs.Err_t) {
	i := 0
	for i < len(dest) {
		offset := int((src + uint64(i)) % mem.PGSIZE)
		pa, ok := as.pages.TranslatePage(src + uint64(i))
		if !ok {
			return i, defs.EFAULT
		}
		n := min(len(dest)-i, mem.PGSIZE-offset)
		page := as.pm.Bytes(pa - mem.Pa_t(offset))
		copy(dest[i:i+n], page[offset:offset+n])
		i += n
	}
	return i, defs.EOK
}

// ZeroOutUser zeroes count bytes starting at vaddr dest.
func (as *AddrSpace_t) ZeroOutUser(dest uint64, count int) (int, defs.Err_t) {
	i := 0
	for i < count {
		offset := int((dest + uint64(i)) % mem.PGSIZE)
		pa, ok := as.pages.TranslatePage(dest + uint64(i))
		if !ok {
			return i, defs.EFAULT
		}
		n := min(count-i, mem.PGSIZE-offset)
		page := as.pm.Bytes(pa - mem.Pa_t(offset))
		for j := range page[offset : offset+n] {
			page[offset+j] = 0
		}
		i += n
	}
	return i, defs.EOK
}

// Fork clones as into a new address space, copy-on-write: private
// anonymous segments are shared between parent and child with their
// backing frames' refcount bumped and write permission dropped in both,
// so the first write after fork copies the page rather than corrupting
// the other address space's view of it. MapShared anonymous segments
// are mapped into the child at their existing protection and stay
// writable in both. Vnode-backed segments are re-established against
// the same vnode/offset.
//
// This fills in what the kernel this is grounded on leaves undecided —
// its clone operation is unimplemented and returns nothing — with the
// same copy-on-write discipline its own page fault handler already
// expects to find when a write fault lands on a shared, read-only
// anonymous page.
func (as *AddrSpace_t) Fork(child *AddrSpace_t) defs.Err_t {
	as.lock.Lock()
	defer as.lock.Unlock()

	for s := as.segments; s != nil; s = s.next {
		if s.vn != nil {
			if _, err := child.Map(s.start, s.length, s.prot, MapFixed|s.flags, s.vn, s.offset); err != defs.EOK {
				return err
			}
			continue
		}

		if s.flags&MapShared != 0 {
			cseg := &segment{start: s.start, length: s.length, prot: s.prot, flags: s.flags}
			for i := 0; i < s.length; i += mem.PGSIZE {
				va := s.start + uint64(i)
				pa, ok := as.pages.TranslatePage(va)
				if !ok {
					continue
				}
				as.pm.Refup(pa)
				as.pm.MapInc(pa)
				if err := child.pages.MapPage(va, pa, s.prot); err != nil {
					return defs.ENOMEM
				}
			}
			child.insertSeg(cseg)
			continue
		}

		cseg := &segment{start: s.start, length: s.length, prot: s.prot & ^ProtWrite, flags: s.flags}
		for i := 0; i < s.length; i += mem.PGSIZE {
			va := s.start + uint64(i)
			pa, ok := as.pages.TranslatePage(va)
			if !ok {
				continue
			}
			as.pm.Refup(pa)
			if err := as.pages.MapPage(va, pa, s.prot&^ProtWrite); err != nil {
				return defs.ENOMEM
			}
			if err := child.pages.MapPage(va, pa, s.prot&^ProtWrite); err != nil {
				return defs.ENOMEM
			}
		}
		s.prot &^= ProtWrite
		child.insertSeg(cseg)
	}
	return defs.EOK
}

// HandleWriteFault implements the copy-on-write half of a page fault: if
// vaddr falls in a read-only anonymous segment whose underlying frame is
// shared (refcount > 1), a private copy is made and remapped writable;
// if the frame is no longer shared, the segment is simply remapped
// writable in place. It reports whether the fault was handled.
func (as *AddrSpace_t) HandleWriteFault(vaddr uint64) bool {
	as.lock.Lock()
	defer as.lock.Unlock()

	seg := as.findSeg(vaddr)
	if seg == nil || seg.vn != nil {
		return false
	}
	page := floor(vaddr, mem.PGSIZE)
	pa, ok := as.pages.TranslatePage(page)
	if !ok {
		return false
	}

	if as.pm.Refcount(pa) == 1 {
		as.pages.UnmapPage(page)
		as.pages.MapPage(page, pa, seg.prot|ProtWrite)
		return true
	}

	newPa, allocOk := as.pm.Alloc(0)
	if !allocOk {
		return false
	}
	copy(as.pm.Bytes(newPa), as.pm.Bytes(pa))
	as.pages.UnmapPage(page)
	as.pm.Refdown(pa)
	if err := as.pages.MapPage(page, newPa, seg.prot|ProtWrite); err != nil {
		return false
	}
	return true
}

func roundup(n, to int) int {
	return (n + to - 1) / to * to
}

func floor(v uint64, to uint64) uint64 {
	return v - v%to
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
