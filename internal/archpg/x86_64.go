package archpg

import "lykcore/internal/mem"

// x86_64 page table entry bits, matching the Intel/AMD long-mode format.
const (
	ptePresent = 1 << 0
	pteWrite   = 1 << 1
	pteUser    = 1 << 2
	pteHuge    = 1 << 7
	pteGlobal  = 1 << 8
	pteNX      = uint64(1) << 63
	pteAddrMask = 0x000F_FFFF_FFFF_F000
)

type x86_64Ops struct{}

func (x86_64Ops) present(pte uint64) bool { return pte&ptePresent != 0 }
func (x86_64Ops) huge(pte uint64) bool    { return pte&pteHuge != 0 }
func (x86_64Ops) addr(pte uint64) mem.Pa_t {
	return mem.Pa_t(pte & pteAddrMask)
}

func (x86_64Ops) tableEntry(pa mem.Pa_t, higherHalf bool) uint64 {
	flags := uint64(ptePresent | pteWrite)
	if !higherHalf {
		flags |= pteUser
	}
	return uint64(pa) | flags
}

func (x86_64Ops) leafEntry(pa mem.Pa_t, prot Prot, huge bool, higherHalf bool) uint64 {
	flags := uint64(ptePresent)
	if prot&ProtWrite != 0 {
		flags |= pteWrite
	}
	if prot&ProtUser != 0 {
		flags |= pteUser
	}
	if prot&ProtExec == 0 {
		flags |= pteNX
	}
	if higherHalf {
		flags |= pteGlobal
	} else {
		flags |= pteUser
	}
	if huge {
		flags |= pteHuge
	}
	return uint64(pa) | flags
}

// X86_64_t is an x86_64 4-level page table (PML4/PML3/PML2/PML1).
type X86_64_t struct {
	w    walker
	Root mem.Pa_t
}

// NewX86_64 creates a fresh, empty address space. hhdm is the virtual
// address at and above which mappings are treated as kernel/higher-half
// (global, supervisor-only). Each address space gets its own empty root;
// higher-half entries are not shared with other address spaces.
func NewX86_64(pm *mem.Phys_t, hhdm uint64) (*X86_64_t, error) {
	t := &X86_64_t{w: walker{pm: pm, ops: x86_64Ops{}, hhdm: hhdm}}
	root, err := t.w.createRoot()
	if err != nil {
		return nil, err
	}
	t.Root = root
	return t, nil
}

// Map installs a mapping of size bytes (mem.PGSIZE, 2MiB, or 1GiB) from
// vaddr to paddr with the given protection.
func (t *X86_64_t) Map(vaddr uint64, paddr mem.Pa_t, size int, prot Prot) error {
	return t.w.mapPage(t.Root, vaddr, paddr, size, prot)
}

// Unmap removes the mapping covering vaddr.
func (t *X86_64_t) Unmap(vaddr uint64) error {
	return t.w.unmapPage(t.Root, vaddr)
}

// Translate returns the physical address vaddr currently maps to.
func (t *X86_64_t) Translate(vaddr uint64) (mem.Pa_t, bool) {
	return t.w.translate(t.Root, vaddr)
}

// Destroy frees every table in the address space, including the root.
func (t *X86_64_t) Destroy() {
	t.w.destroyRoot(t.Root)
}
