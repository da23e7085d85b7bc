package archpg

import "lykcore/internal/mem"

// AArch64 page table descriptor bits (4KB granule, 48-bit output
// address), enough to express the present/table-vs-block/permission
// distinctions this simulated kernel core needs.
const (
	descValid = 1 << 0
	descTable = 1 << 1 // set: table/page descriptor; clear: block descriptor
	descAF    = 1 << 10
	descAPRO  = 1 << 7 // AP[2]: 1 = read-only
	descAPEL0 = 1 << 6 // AP[1]: 1 = accessible from EL0 (user)
	descPXN   = uint64(1) << 53
	descUXN   = uint64(1) << 54
	descAddrMask = 0x0000_FFFF_FFFF_F000
)

type aarch64Ops struct{}

func (aarch64Ops) present(pte uint64) bool { return pte&descValid != 0 }
func (aarch64Ops) huge(pte uint64) bool    { return pte&descValid != 0 && pte&descTable == 0 }
func (aarch64Ops) addr(pte uint64) mem.Pa_t {
	return mem.Pa_t(pte & descAddrMask)
}

func (aarch64Ops) tableEntry(pa mem.Pa_t, higherHalf bool) uint64 {
	return uint64(pa) | descValid | descTable
}

func (aarch64Ops) leafEntry(pa mem.Pa_t, prot Prot, huge bool, higherHalf bool) uint64 {
	flags := uint64(descValid | descAF)
	if !huge {
		flags |= descTable
	}
	if prot&ProtWrite == 0 {
		flags |= descAPRO
	}
	if prot&ProtUser != 0 {
		flags |= descAPEL0
	}
	if prot&ProtExec == 0 {
		flags |= descUXN
		flags |= descPXN
	}
	return uint64(pa) | flags
}

// AArch64_t is a dual-root AArch64 address space: TTBR0 covers the low
// half (user space, vaddr bit 63 clear), TTBR1 the high half (kernel,
// vaddr bit 63 set), each its own independent 4-level table.
type AArch64_t struct {
	w     walker
	TTBR0 mem.Pa_t
	TTBR1 mem.Pa_t
}

// NewAArch64 creates a fresh dual-root address space.
func NewAArch64(pm *mem.Phys_t) (*AArch64_t, error) {
	w := walker{pm: pm, ops: aarch64Ops{}, hhdm: 1 << 63}
	t0, err := w.createRoot()
	if err != nil {
		return nil, err
	}
	t1, err := w.createRoot()
	if err != nil {
		return nil, err
	}
	return &AArch64_t{w: w, TTBR0: t0, TTBR1: t1}, nil
}

func (t *AArch64_t) root(vaddr uint64) mem.Pa_t {
	if vaddr&(1<<63) != 0 {
		return t.TTBR1
	}
	return t.TTBR0
}

// Map installs a mapping of size bytes (mem.PGSIZE, 2MiB, or 1GiB) from
// vaddr to paddr with the given protection, in whichever of TTBR0/TTBR1
// vaddr's top bit selects.
func (t *AArch64_t) Map(vaddr uint64, paddr mem.Pa_t, size int, prot Prot) error {
	return t.w.mapPage(t.root(vaddr), vaddr, paddr, size, prot)
}

// Unmap removes the mapping covering vaddr.
func (t *AArch64_t) Unmap(vaddr uint64) error {
	return t.w.unmapPage(t.root(vaddr), vaddr)
}

// Translate returns the physical address vaddr currently maps to.
func (t *AArch64_t) Translate(vaddr uint64) (mem.Pa_t, bool) {
	return t.w.translate(t.root(vaddr), vaddr)
}

// Destroy frees both root tables and everything beneath them.
func (t *AArch64_t) Destroy() {
	t.w.destroyRoot(t.TTBR0)
	t.w.destroyRoot(t.TTBR1)
}
