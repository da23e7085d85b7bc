// Package archpg implements the architecture-specific page table walkers:
// a 4-level x86_64 table and a dual-root (TTBR0/TTBR1) AArch64 table.
// Both share the same 9-bits-per-level, 4-level radix shape; what
// differs between them is the entry bit layout and how the two halves
// of the address space pick a root, so the level-walking logic lives
// once in this file and each architecture supplies its own pteOps.
package archpg

import (
	"encoding/binary"
	"fmt"

	"lykcore/internal/mem"
)

// Prot is a protection request, independent of architecture encoding.
type Prot int

const (
	ProtWrite Prot = 1 << iota
	ProtUser
	ProtExec
)

const entriesPerTable = 512
const tableBytes = entriesPerTable * 8

// pteOps isolates everything that differs between x86_64 and AArch64
// page table entries: which bits mean present/huge/writable, and how a
// protection request and "is this a higher-half mapping" combine into
// leaf and intermediate-table flags.
type pteOps interface {
	present(pte uint64) bool
	huge(pte uint64) bool
	addr(pte uint64) mem.Pa_t
	tableEntry(pa mem.Pa_t, higherHalf bool) uint64
	leafEntry(pa mem.Pa_t, prot Prot, huge bool, higherHalf bool) uint64
}

// walker holds the shared 4-level map/unmap/translate algorithm,
// parameterized over one architecture's pteOps and its notion of where
// the higher half begins.
type walker struct {
	pm     *mem.Phys_t
	ops    pteOps
	hhdm   uint64 // vaddr at/above which mappings are "higher half"
}

func readTable(pm *mem.Phys_t, pa mem.Pa_t) []uint64 {
	b := pm.Bytes(pa)
	out := make([]uint64, entriesPerTable)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out
}

func writeEntry(pm *mem.Phys_t, pa mem.Pa_t, idx int, v uint64) {
	b := pm.Bytes(pa)
	binary.LittleEndian.PutUint64(b[idx*8:], v)
}

func readEntry(pm *mem.Phys_t, pa mem.Pa_t, idx int) uint64 {
	b := pm.Bytes(pa)
	return binary.LittleEndian.Uint64(b[idx*8:])
}

func indices(vaddr uint64) [4]int {
	return [4]int{
		int((vaddr >> 12) & 0x1FF),
		int((vaddr >> 21) & 0x1FF),
		int((vaddr >> 30) & 0x1FF),
		int((vaddr >> 39) & 0x1FF),
	}
}

func targetLevel(size int) int {
	switch {
	case size == 1<<30:
		return 2
	case size == 2<<20:
		return 1
	default:
		return 0
	}
}

// mapPage installs a single leaf mapping of size bytes (PGSIZE, 2MiB,
// or 1GiB) at vaddr, allocating and refcounting intermediate tables as
// needed.
func (w *walker) mapPage(root mem.Pa_t, vaddr uint64, paddr mem.Pa_t, size int, prot Prot) error {
	idx := indices(vaddr)
	hh := vaddr >= w.hhdm
	target := targetLevel(size)

	table := root
	for level := 3; level > target; level-- {
		i := idx[level]
		entry := readEntry(w.pm, table, i)
		if !w.ops.present(entry) {
			pa, ok := w.pm.Alloc(0)
			if !ok {
				return fmt.Errorf("archpg: out of memory allocating table")
			}
			zero(w.pm, pa)
			writeEntry(w.pm, table, i, w.ops.tableEntry(pa, hh))
			entry = readEntry(w.pm, table, i)
		}
		w.pm.Refup(table)
		table = w.ops.addr(entry)
	}

	w.pm.Refup(table)
	writeEntry(w.pm, table, idx[target], w.ops.leafEntry(paddr, prot, target > 0, hh))
	return nil
}

// unmapPage clears the leaf mapping at vaddr and ascends, releasing and
// freeing any intermediate table whose refcount drops to zero — never
// freeing the root table itself.
func (w *walker) unmapPage(root mem.Pa_t, vaddr uint64) error {
	idx := indices(vaddr)

	var tables [4]mem.Pa_t
	tables[3] = root

	level := 3
	for ; level >= 1; level-- {
		entry := readEntry(w.pm, tables[level], idx[level])
		if !w.ops.present(entry) {
			return fmt.Errorf("archpg: vaddr %#x not mapped", vaddr)
		}
		if w.ops.huge(entry) {
			break
		}
		tables[level-1] = w.ops.addr(entry)
	}

	writeEntry(w.pm, tables[level], idx[level], 0)

	for ; level <= 3; level++ {
		if !w.pm.DecRefRaw(tables[level]) {
			break
		}
		if level < 3 {
			writeEntry(w.pm, tables[level+1], idx[level+1], 0)
			w.pm.FreeForce(tables[level])
		}
	}
	return nil
}

// translate walks the table without modifying it, returning the
// physical address vaddr maps to.
func (w *walker) translate(root mem.Pa_t, vaddr uint64) (mem.Pa_t, bool) {
	idx := indices(vaddr)
	table := root
	for level := 3; level >= 0; level-- {
		entry := readEntry(w.pm, table, idx[level])
		if !w.ops.present(entry) {
			return 0, false
		}
		if level > 0 && w.ops.huge(entry) {
			mask := uint64(1)<<(12+9*level) - 1
			return w.ops.addr(entry) + mem.Pa_t(vaddr&mask), true
		}
		if level == 0 {
			return w.ops.addr(entry) + mem.Pa_t(vaddr&0xFFF), true
		}
		table = w.ops.addr(entry)
	}
	return 0, false
}

// createRoot allocates a fresh, zeroed top-level table.
func (w *walker) createRoot() (mem.Pa_t, error) {
	pa, ok := w.pm.Alloc(0)
	if !ok {
		return 0, fmt.Errorf("archpg: out of memory allocating root table")
	}
	zero(w.pm, pa)
	return pa, nil
}

// destroyRoot frees a root table and every present, non-huge
// intermediate table beneath it.
func (w *walker) destroyRoot(root mem.Pa_t) {
	w.deleteLevel(root, 4)
}

func (w *walker) deleteLevel(table mem.Pa_t, depth int) {
	if depth != 1 {
		for i := 0; i < entriesPerTable; i++ {
			entry := readEntry(w.pm, table, i)
			if !w.ops.present(entry) || w.ops.huge(entry) {
				continue
			}
			w.deleteLevel(w.ops.addr(entry), depth-1)
		}
	}
	w.pm.FreeForce(table)
}

func zero(pm *mem.Phys_t, pa mem.Pa_t) {
	b := pm.Bytes(pa)
	for i := range b {
		b[i] = 0
	}
	_ = tableBytes
}
