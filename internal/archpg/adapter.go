package archpg

import (
	"lykcore/internal/mem"
	"lykcore/internal/vm"
)

// MapPage, UnmapPage, and TranslatePage adapt X86_64_t and AArch64_t to
// vm.Mapper, translating vm's architecture-neutral Prot bits to this
// package's Prot (the two share a bit layout by construction).

func (t *X86_64_t) MapPage(vaddr uint64, paddr mem.Pa_t, prot vm.Prot) error {
	return t.Map(vaddr, paddr, mem.PGSIZE, Prot(prot))
}

func (t *X86_64_t) UnmapPage(vaddr uint64) error {
	return t.Unmap(vaddr)
}

func (t *X86_64_t) TranslatePage(vaddr uint64) (mem.Pa_t, bool) {
	return t.Translate(vaddr)
}

func (t *AArch64_t) MapPage(vaddr uint64, paddr mem.Pa_t, prot vm.Prot) error {
	return t.Map(vaddr, paddr, mem.PGSIZE, Prot(prot))
}

func (t *AArch64_t) UnmapPage(vaddr uint64) error {
	return t.Unmap(vaddr)
}

func (t *AArch64_t) TranslatePage(vaddr uint64) (mem.Pa_t, bool) {
	return t.Translate(vaddr)
}
