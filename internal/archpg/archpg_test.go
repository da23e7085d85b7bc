package archpg

import (
	"testing"

	"lykcore/internal/mem"
)

func newPM(t *testing.T) *mem.Phys_t {
	t.Helper()
	arena := mem.NewArena(1 << mem.MaxOrder * mem.PGSIZE * 4)
	return mem.Init(arena)
}

func TestX86_64MapTranslateUnmap(t *testing.T) {
	pm := newPM(t)
	const hhdm = uint64(0xFFFF_8000_0000_0000)
	as, err := NewX86_64(pm, hhdm)
	if err != nil {
		t.Fatal(err)
	}

	frame, ok := pm.Alloc(0)
	if !ok {
		t.Fatal("alloc frame failed")
	}
	const vaddr = uint64(0x1000)
	if err := as.Map(vaddr, frame, mem.PGSIZE, ProtWrite|ProtUser); err != nil {
		t.Fatal(err)
	}

	pa, ok := as.Translate(vaddr)
	if !ok || pa != frame {
		t.Fatalf("translate = %v, %v, want %v, true", pa, ok, frame)
	}

	if err := as.Unmap(vaddr); err != nil {
		t.Fatal(err)
	}
	if _, ok := as.Translate(vaddr); ok {
		t.Fatal("expected translate to fail after unmap")
	}

	as.Destroy()
}

func TestX86_64HugePage(t *testing.T) {
	pm := newPM(t)
	as, err := NewX86_64(pm, 0xFFFF_8000_0000_0000)
	if err != nil {
		t.Fatal(err)
	}
	const vaddr = uint64(0)
	const hugeSize = 2 << 20
	// simulated 2MiB frame: use page 0 as a stand-in physical base.
	if err := as.Map(vaddr, 0, hugeSize, ProtWrite); err != nil {
		t.Fatal(err)
	}
	pa, ok := as.Translate(vaddr + 0x1234)
	if !ok || pa != 0x1234 {
		t.Fatalf("translate = %v, %v, want 0x1234, true", pa, ok)
	}
}

func TestAArch64DualRoot(t *testing.T) {
	pm := newPM(t)
	as, err := NewAArch64(pm)
	if err != nil {
		t.Fatal(err)
	}
	frame, _ := pm.Alloc(0)
	const userVA = uint64(0x2000)
	const kernelVA = uint64(1)<<63 | 0x3000

	if err := as.Map(userVA, frame, mem.PGSIZE, ProtUser|ProtWrite); err != nil {
		t.Fatal(err)
	}
	if err := as.Map(kernelVA, frame, mem.PGSIZE, ProtWrite); err != nil {
		t.Fatal(err)
	}

	pa1, ok1 := as.Translate(userVA)
	pa2, ok2 := as.Translate(kernelVA)
	if !ok1 || !ok2 || pa1 != frame || pa2 != frame {
		t.Fatalf("translate mismatch: %v %v %v %v", pa1, ok1, pa2, ok2)
	}
	as.Destroy()
}
