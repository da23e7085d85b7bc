package vm_test

import (
	"testing"

	"lykcore/internal/archpg"
	"lykcore/internal/defs"
	"lykcore/internal/mem"
	"lykcore/internal/vm"
)

func newSpace(t *testing.T) (*mem.Phys_t, *archpg.X86_64_t, *vm.AddrSpace_t) {
	t.Helper()
	arena := mem.NewArena(1 << mem.MaxOrder * mem.PGSIZE * 8)
	pm := mem.Init(arena)
	const hhdm = uint64(0xFFFF_8000_0000_0000)
	pt, err := archpg.NewX86_64(pm, hhdm)
	if err != nil {
		t.Fatal(err)
	}
	as := vm.NewAddrSpace(pm, pt, 0x1000, hhdm-1)
	return pm, pt, as
}

func TestMapAnonAndCopy(t *testing.T) {
	_, _, as := newSpace(t)

	vaddr, err := as.Map(0, mem.PGSIZE, vm.ProtWrite|vm.ProtUser, vm.MapAnon, nil, 0)
	if err != defs.EOK {
		t.Fatalf("map: %v", err)
	}

	data := []byte("hello kernel")
	n, err := as.CopyToUser(vaddr, data)
	if err != defs.EOK || n != len(data) {
		t.Fatalf("copytouser: %d, %v", n, err)
	}

	out := make([]byte, len(data))
	n, err = as.CopyFromUser(out, vaddr)
	if err != defs.EOK || n != len(data) || string(out) != string(data) {
		t.Fatalf("copyfromuser: %q, %v", out, err)
	}

	if err := as.Unmap(vaddr, mem.PGSIZE); err != defs.EOK {
		t.Fatalf("unmap: %v", err)
	}
}

func TestFixedNoReplaceCollision(t *testing.T) {
	_, _, as := newSpace(t)

	vaddr, err := as.Map(0x10000, mem.PGSIZE, vm.ProtWrite, vm.MapAnon|vm.MapFixed, nil, 0)
	if err != defs.EOK {
		t.Fatalf("first map: %v", err)
	}
	_, err = as.Map(vaddr, mem.PGSIZE, vm.ProtWrite, vm.MapAnon|vm.MapFixedNoReplace, nil, 0)
	if err != defs.EEXIST {
		t.Fatalf("expected EEXIST, got %v", err)
	}
}

func TestForkCOW(t *testing.T) {
	pm, _, as := newSpace(t)
	childPt, err := archpg.NewX86_64(pm, 0xFFFF_8000_0000_0000)
	if err != nil {
		t.Fatal(err)
	}
	child := vm.NewAddrSpace(pm, childPt, 0x1000, 0xFFFF_8000_0000_0000-1)

	vaddr, err := as.Map(0x2000, mem.PGSIZE, vm.ProtWrite|vm.ProtUser, vm.MapFixed|vm.MapAnon, nil, 0)
	if err != defs.EOK {
		t.Fatalf("map: %v", err)
	}
	as.CopyToUser(vaddr, []byte("parent"))

	if err := as.Fork(child); err != defs.EOK {
		t.Fatalf("fork: %v", err)
	}

	out := make([]byte, 6)
	child.CopyFromUser(out, vaddr)
	if string(out) != "parent" {
		t.Fatalf("child should see parent's data before any write, got %q", out)
	}

	if !child.HandleWriteFault(vaddr) {
		t.Fatal("expected write fault to be handled")
	}
	child.CopyToUser(vaddr, []byte("childx"))

	out2 := make([]byte, 6)
	as.CopyFromUser(out2, vaddr)
	if string(out2) != "parent" {
		t.Fatalf("parent's page should be unaffected by child's COW write, got %q", out2)
	}
}

func TestForkSharedStaysWritableAndVisible(t *testing.T) {
	pm, _, as := newSpace(t)
	childPt, err := archpg.NewX86_64(pm, 0xFFFF_8000_0000_0000)
	if err != nil {
		t.Fatal(err)
	}
	child := vm.NewAddrSpace(pm, childPt, 0x1000, 0xFFFF_8000_0000_0000-1)

	vaddr, err := as.Map(0x2000, mem.PGSIZE, vm.ProtWrite|vm.ProtUser, vm.MapFixed|vm.MapAnon|vm.MapShared, nil, 0)
	if err != defs.EOK {
		t.Fatalf("map: %v", err)
	}
	as.CopyToUser(vaddr, []byte("parent"))

	if err := as.Fork(child); err != defs.EOK {
		t.Fatalf("fork: %v", err)
	}

	// A shared mapping is already writable in the child; no fault or
	// COW copy is involved in writing to it.
	if _, err := child.CopyToUser(vaddr, []byte("childy")); err != defs.EOK {
		t.Fatalf("child write to shared mapping: %v", err)
	}

	// The write must be visible back in the parent: same frame, not a
	// private copy.
	out := make([]byte, 6)
	as.CopyFromUser(out, vaddr)
	if string(out) != "childy" {
		t.Fatalf("parent should observe child's write through the shared mapping, got %q", out)
	}
}
