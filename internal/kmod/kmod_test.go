package kmod

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"lykcore/internal/archpg"
	"lykcore/internal/defs"
	"lykcore/internal/mem"
	"lykcore/internal/mount"
	"lykcore/internal/ramfs"
	"lykcore/internal/vfs"
	"lykcore/internal/vm"
)

type mapResolver map[string]uint64

func (m mapResolver) Resolve(name string) (uint64, bool) {
	addr, ok := m[name]
	return addr, ok
}

type testSym struct {
	name  string
	shndx elf.SectionIndex
	value uint64
	bind  byte
	typ   byte
}

type section struct {
	name      string
	shType    uint32
	flags     uint64
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
	data      []byte
	offset    uint64
}

// buildModule assembles a minimal valid ELF64 REL file with one
// allocated .text section of textSize zero bytes, an optional
// allocated .rodata section holding rodata's bytes, and the given
// symbol table, computing every offset from actual slice lengths
// rather than hand-counted constants. Passing a non-nil rodata shifts
// every later section's index up by one; rodataIndex reports what
// index the .rodata section landed at (0 if rodata is nil) for the
// caller to use as a symbol's shndx.
func buildModule(t *testing.T, machine elf.Machine, etype elf.Type, textSize int, rodata []byte, syms []testSym) ([]byte, elf.SectionIndex) {
	t.Helper()

	var symtabBuf bytes.Buffer
	var strtabBuf bytes.Buffer
	strtabBuf.WriteByte(0)
	writeSym := func(nameOff uint32, info, other byte, shndx uint16, value, size uint64) {
		binary.Write(&symtabBuf, binary.LittleEndian, nameOff)
		symtabBuf.WriteByte(info)
		symtabBuf.WriteByte(other)
		binary.Write(&symtabBuf, binary.LittleEndian, shndx)
		binary.Write(&symtabBuf, binary.LittleEndian, value)
		binary.Write(&symtabBuf, binary.LittleEndian, size)
	}
	writeSym(0, 0, 0, 0, 0, 0) // null symbol
	for _, s := range syms {
		nameOff := uint32(strtabBuf.Len())
		strtabBuf.WriteString(s.name)
		strtabBuf.WriteByte(0)
		info := (s.bind << 4) | s.typ
		writeSym(nameOff, info, 0, uint16(s.shndx), s.value, 0)
	}

	sections := []*section{
		{name: "", shType: uint32(elf.SHT_NULL)},
		{name: ".text", shType: uint32(elf.SHT_PROGBITS), flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR), data: make([]byte, textSize), addralign: 16},
	}
	var rodataIndex elf.SectionIndex
	if rodata != nil {
		rodataIndex = elf.SectionIndex(len(sections))
		sections = append(sections, &section{name: ".rodata", shType: uint32(elf.SHT_PROGBITS), flags: uint64(elf.SHF_ALLOC), data: rodata, addralign: 1})
	}
	symtabIndex := len(sections)
	sections = append(sections,
		&section{name: ".symtab", shType: uint32(elf.SHT_SYMTAB), data: symtabBuf.Bytes(), link: uint32(symtabIndex + 1), info: 1, addralign: 8, entsize: 24},
		&section{name: ".strtab", shType: uint32(elf.SHT_STRTAB), data: strtabBuf.Bytes(), addralign: 1},
		&section{name: ".shstrtab", shType: uint32(elf.SHT_STRTAB), addralign: 1},
	)
	shstrndx := len(sections) - 1

	var shstrBuf bytes.Buffer
	shstrBuf.WriteByte(0)
	nameOffsets := make([]uint32, len(sections))
	for i, s := range sections {
		nameOffsets[i] = uint32(shstrBuf.Len())
		shstrBuf.WriteString(s.name)
		shstrBuf.WriteByte(0)
	}
	sections[shstrndx].data = shstrBuf.Bytes()

	cursor := uint64(64)
	for i, s := range sections {
		if i == 0 {
			continue
		}
		s.offset = cursor
		cursor += uint64(len(s.data))
	}
	shoff := cursor

	var body bytes.Buffer
	for i, s := range sections {
		if i == 0 {
			continue
		}
		body.Write(s.data)
	}

	var shdrs bytes.Buffer
	for i, s := range sections {
		binary.Write(&shdrs, binary.LittleEndian, nameOffsets[i])
		binary.Write(&shdrs, binary.LittleEndian, s.shType)
		binary.Write(&shdrs, binary.LittleEndian, s.flags)
		binary.Write(&shdrs, binary.LittleEndian, uint64(0)) // addr
		binary.Write(&shdrs, binary.LittleEndian, s.offset)
		binary.Write(&shdrs, binary.LittleEndian, uint64(len(s.data)))
		binary.Write(&shdrs, binary.LittleEndian, s.link)
		binary.Write(&shdrs, binary.LittleEndian, s.info)
		binary.Write(&shdrs, binary.LittleEndian, s.addralign)
		binary.Write(&shdrs, binary.LittleEndian, s.entsize)
	}

	var hdr bytes.Buffer
	hdr.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	hdr.Write(make([]byte, 8)) // e_ident padding
	binary.Write(&hdr, binary.LittleEndian, uint16(etype))
	binary.Write(&hdr, binary.LittleEndian, uint16(machine))
	binary.Write(&hdr, binary.LittleEndian, uint32(1)) // e_version
	binary.Write(&hdr, binary.LittleEndian, uint64(0)) // e_entry
	binary.Write(&hdr, binary.LittleEndian, uint64(0)) // e_phoff
	binary.Write(&hdr, binary.LittleEndian, shoff)
	binary.Write(&hdr, binary.LittleEndian, uint32(0)) // e_flags
	binary.Write(&hdr, binary.LittleEndian, uint16(64)) // e_ehsize
	binary.Write(&hdr, binary.LittleEndian, uint16(0))  // e_phentsize
	binary.Write(&hdr, binary.LittleEndian, uint16(0))  // e_phnum
	binary.Write(&hdr, binary.LittleEndian, uint16(64)) // e_shentsize
	binary.Write(&hdr, binary.LittleEndian, uint16(len(sections)))
	binary.Write(&hdr, binary.LittleEndian, uint16(shstrndx))

	var out bytes.Buffer
	out.Write(hdr.Bytes())
	out.Write(body.Bytes())
	out.Write(shdrs.Bytes())
	return out.Bytes(), rodataIndex
}

func newModuleVnode(t *testing.T, content []byte) *vfs.Vnode_t {
	t.Helper()
	arena := mem.NewArena(1 << mem.MaxOrder * mem.PGSIZE * 4)
	pm := mem.Init(arena)
	fs := ramfs.Create(pm)
	var mounts mount.Trie_t
	mounts.Init(fs)

	if _, err := vfs.Create(&mounts, "/mod.ko", vfs.VREG); err != defs.EOK {
		t.Fatalf("create: %v", err)
	}
	vn, err := vfs.Lookup(&mounts, "/mod.ko")
	if err != defs.EOK {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := vfs.Write(vn, content, 0); err != defs.EOK {
		t.Fatalf("write: %v", err)
	}
	return vn
}

func newKernelSpace(t *testing.T) *vm.AddrSpace_t {
	t.Helper()
	arena := mem.NewArena(1 << mem.MaxOrder * mem.PGSIZE * 8)
	pm := mem.Init(arena)
	const hhdm = uint64(0xFFFF_8000_0000_0000)
	pt, err := archpg.NewX86_64(pm, hhdm)
	if err != nil {
		t.Fatal(err)
	}
	return vm.NewAddrSpace(pm, pt, 0x1000, hhdm-1)
}

const (
	stbGlobal = 1
	sttFunc   = 2
)

func TestLoadResolvesEntryPoints(t *testing.T) {
	syms := []testSym{
		{name: "__module_install", shndx: 1, value: 0, bind: stbGlobal, typ: sttFunc},
		{name: "__module_destroy", shndx: 1, value: 8, bind: stbGlobal, typ: sttFunc},
	}
	content, _ := buildModule(t, elf.EM_X86_64, elf.ET_REL, 16, nil, syms)
	vn := newModuleVnode(t, content)
	as := newKernelSpace(t)

	mod, err := Load(vn, as, mapResolver{})
	if err != defs.EOK {
		t.Fatalf("load: %v", err)
	}
	if mod.Install == 0 || mod.Destroy == 0 {
		t.Fatalf("expected resolved entry points, got install=%#x destroy=%#x", mod.Install, mod.Destroy)
	}
	if mod.Destroy-mod.Install != 8 {
		t.Fatalf("expected destroy 8 bytes past install, got %d", mod.Destroy-mod.Install)
	}
}

func TestLoadFailsWhenDestroyMissing(t *testing.T) {
	syms := []testSym{
		{name: "__module_install", shndx: 1, value: 0, bind: stbGlobal, typ: sttFunc},
	}
	content, _ := buildModule(t, elf.EM_X86_64, elf.ET_REL, 16, nil, syms)
	vn := newModuleVnode(t, content)
	as := newKernelSpace(t)

	if _, err := Load(vn, as, mapResolver{}); err != defs.ENOEXEC {
		t.Fatalf("expected ENOEXEC, got %v", err)
	}
}

func TestLoadFailsOnUnresolvedSymbol(t *testing.T) {
	syms := []testSym{
		{name: "__module_install", shndx: 1, value: 0, bind: stbGlobal, typ: sttFunc},
		{name: "__module_destroy", shndx: 1, value: 8, bind: stbGlobal, typ: sttFunc},
		{name: "missing_symbol", shndx: elf.SectionIndex(elf.SHN_UNDEF), value: 0, bind: stbGlobal, typ: sttFunc},
	}
	content, _ := buildModule(t, elf.EM_X86_64, elf.ET_REL, 16, nil, syms)
	vn := newModuleVnode(t, content)
	as := newKernelSpace(t)

	if _, err := Load(vn, as, mapResolver{}); err != defs.ENOEXEC {
		t.Fatalf("expected ENOEXEC for unresolved symbol, got %v", err)
	}
}

func TestLoadRejectsNonRelocatableFile(t *testing.T) {
	syms := []testSym{
		{name: "__module_install", shndx: 1, value: 0, bind: stbGlobal, typ: sttFunc},
		{name: "__module_destroy", shndx: 1, value: 8, bind: stbGlobal, typ: sttFunc},
	}
	content, _ := buildModule(t, elf.EM_X86_64, elf.ET_EXEC, 16, nil, syms)
	vn := newModuleVnode(t, content)
	as := newKernelSpace(t)

	if _, err := Load(vn, as, mapResolver{}); err != defs.ENOEXEC {
		t.Fatalf("expected ENOEXEC for a non-REL file, got %v", err)
	}
}

func TestLoadReadsModinfoStrings(t *testing.T) {
	rodata := append([]byte("demo\x00"), []byte("1.0\x00")...)
	// .text occupies section index 1, so a non-nil rodata always lands
	// at index 2 (see buildModule).
	const rodataIndex = elf.SectionIndex(2)
	syms := []testSym{
		{name: "__module_install", shndx: 1, value: 0, bind: stbGlobal, typ: sttFunc},
		{name: "__module_destroy", shndx: 1, value: 8, bind: stbGlobal, typ: sttFunc},
		{name: "__module_name", shndx: rodataIndex, value: 0, bind: stbGlobal, typ: 1},
		{name: "__module_version", shndx: rodataIndex, value: 5, bind: stbGlobal, typ: 1},
	}
	content, gotIndex := buildModule(t, elf.EM_X86_64, elf.ET_REL, 16, rodata, syms)
	if gotIndex != rodataIndex {
		t.Fatalf("expected rodata at index %d, got %d", rodataIndex, gotIndex)
	}
	vn := newModuleVnode(t, content)
	as := newKernelSpace(t)

	mod, err := Load(vn, as, mapResolver{})
	if err != defs.EOK {
		t.Fatalf("load: %v", err)
	}
	if mod.Name != "demo" {
		t.Fatalf("expected name %q, got %q", "demo", mod.Name)
	}
	if mod.Version != "1.0" {
		t.Fatalf("expected version %q, got %q", "1.0", mod.Version)
	}
}
