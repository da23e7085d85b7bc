// Package kmod loads relocatable (ET_REL) ELF64 kernel modules: it
// maps each allocated section into the kernel address space, resolves
// undefined symbols against a kernel symbol table, applies RELA
// relocations, and recognizes the well-known symbol names a module
// uses to publish its install/destroy entry points and metadata.
package kmod

import (
	"debug/elf"
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"

	"lykcore/internal/defs"
	"lykcore/internal/mem"
	"lykcore/internal/vfs"
	"lykcore/internal/vm"
)

// Resolver resolves an undefined symbol name to a kernel virtual
// address, the way ksym_resolve_symbol looks a name up in the
// kernel's own symbol table.
type Resolver interface {
	Resolve(name string) (uint64, bool)
}

// Module_t is a loaded kernel module: its entry points (as virtual
// addresses within the module's mapped sections — executing the
// loaded machine code itself is outside this core's scope) and the
// metadata strings it publishes via well-known symbol names.
type Module_t struct {
	Name        string
	Version     string
	Description string
	Author      string
	Install     uint64
	Destroy     uint64
}

// vnodeReaderAt adapts a vnode's page-cache-backed Read into the
// io.ReaderAt debug/elf needs to parse section/symbol/relocation
// tables out of band from the sequential load loop below.
type vnodeReaderAt struct{ vn *vfs.Vnode_t }

func (v vnodeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("kmod: negative offset")
	}
	n, err := vfs.Read(v.vn, p, uint64(off))
	if err != defs.EOK {
		return int(n), fmt.Errorf("kmod: read: %v", err)
	}
	if n < uint64(len(p)) {
		return int(n), io.ErrUnexpectedEOF
	}
	return int(n), nil
}

// Load parses file as an ELF64 REL kernel module, maps its allocated
// sections into as (assumed to be the kernel address space), resolves
// undefined symbols via resolve, and applies every RELA relocation.
// Only x86_64 relocation types are understood, matching module_load's
// own relocation switch; an AArch64 module loads and resolves symbols
// but fails at the first relocation it cannot apply.
func Load(file *vfs.Vnode_t, as *vm.AddrSpace_t, resolve Resolver) (*Module_t, defs.Err_t) {
	f, err := elf.NewFile(vnodeReaderAt{vn: file})
	if err != nil {
		return nil, defs.ENOEXEC
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Type != elf.ET_REL {
		return nil, defs.ENOEXEC
	}
	if f.Machine != elf.EM_X86_64 && f.Machine != elf.EM_AARCH64 {
		return nil, defs.ENOEXEC
	}

	sectionAddr := make([]uint64, len(f.Sections))
	for i, sec := range f.Sections {
		if sec.Size == 0 || sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		switch sec.Type {
		case elf.SHT_PROGBITS:
			addr, merr := mapAnon(as, int(sec.Size), vm.ProtWrite|vm.ProtExec)
			if merr != defs.EOK {
				return nil, merr
			}
			data, rerr := sec.Data()
			if rerr != nil {
				return nil, defs.ENOEXEC
			}
			if _, cerr := as.CopyToUser(addr, data); cerr != defs.EOK {
				return nil, cerr
			}
			sectionAddr[i] = addr
		case elf.SHT_NOBITS:
			addr, merr := mapAnon(as, int(sec.Size), vm.ProtWrite|vm.ProtExec)
			if merr != defs.EOK {
				return nil, merr
			}
			as.ZeroOutUser(addr, int(sec.Size))
			sectionAddr[i] = addr
		}
	}

	symbols, serr := f.Symbols()
	if serr != nil {
		return nil, defs.ENOEXEC
	}

	var mod Module_t
	resolved := make([]uint64, len(symbols))
	for i := range symbols {
		sym := &symbols[i]
		switch sym.Section {
		case elf.SHN_UNDEF:
			addr, ok := resolve.Resolve(sym.Name)
			if !ok {
				return nil, defs.ENOEXEC
			}
			resolved[i] = addr
		case elf.SHN_ABS:
			resolved[i] = sym.Value
		case elf.SHN_COMMON:
			resolved[i] = 0
		default:
			resolved[i] = sym.Value + sectionAddr[sym.Section]
			fetchModinfo(as, &mod, sym.Name, resolved[i])
		}
	}

	if mod.Install == 0 || mod.Destroy == 0 {
		return nil, defs.ENOEXEC
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		relas, rerr := readRelas(f, sec)
		if rerr != nil {
			return nil, defs.ENOEXEC
		}
		for _, rela := range relas {
			symIdx := elf.R_SYM64(rela.Info)
			if int(symIdx) > len(resolved) {
				return nil, defs.ENOEXEC
			}
			// f.Symbols() omits the null symbol at index 0, so symbol
			// table index i lives at resolved[i-1].
			var symValue uint64
			if symIdx != 0 {
				symValue = resolved[symIdx-1]
			}
			target := sectionAddr[sec.Info] + rela.Off
			value := symValue + uint64(rela.Addend)

			var buf []byte
			switch elf.R_X86_64(elf.R_TYPE64(rela.Info)) {
			case elf.R_X86_64_64:
				buf = make([]byte, 8)
				putLE64(buf, value)
			case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
				buf = make([]byte, 4)
				putLE32(buf, uint32(value-target))
			case elf.R_X86_64_32, elf.R_X86_64_32S:
				buf = make([]byte, 4)
				putLE32(buf, uint32(value))
			case elf.R_X86_64_PC64:
				buf = make([]byte, 8)
				putLE64(buf, value-target)
			default:
				describeBadReloc(as, target)
				return nil, defs.ENOEXEC
			}
			if _, cerr := as.CopyToUser(target, buf); cerr != defs.EOK {
				return nil, cerr
			}
		}
	}

	return &mod, defs.EOK
}

func mapAnon(as *vm.AddrSpace_t, size int, prot vm.Prot) (uint64, defs.Err_t) {
	size = roundup(size, mem.PGSIZE)
	return as.Map(0, size, prot, vm.MapAnon, nil, 0)
}

func roundup(n, to int) int { return (n + to - 1) / to * to }

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putLE32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// fetchModinfo recognizes the well-known symbol names a module
// publishes its install/destroy entry points and metadata strings
// under, mirroring module_fetch_modinfo's name switch. The metadata
// symbols point at a NUL-terminated string the module itself mapped
// in, so those cases are read back out of as rather than stored as a
// raw vaddr the way Install/Destroy are.
func fetchModinfo(as *vm.AddrSpace_t, mod *Module_t, name string, value uint64) {
	switch name {
	case "__module_install":
		mod.Install = value
	case "__module_destroy":
		mod.Destroy = value
	case "__module_name":
		mod.Name = readCString(as, value)
	case "__module_version":
		mod.Version = readCString(as, value)
	case "__module_description":
		mod.Description = readCString(as, value)
	case "__module_author":
		mod.Author = readCString(as, value)
	}
}

// maxModinfoString bounds how many bytes readCString will scan before
// giving up on finding a terminating NUL, so a corrupt module can't
// force an unbounded read.
const maxModinfoString = 256

// readCString reads a NUL-terminated string out of as starting at
// addr, a byte at a time since the string's length isn't known ahead
// of the terminator.
func readCString(as *vm.AddrSpace_t, addr uint64) string {
	var buf []byte
	var b [1]byte
	for i := 0; i < maxModinfoString; i++ {
		if _, err := as.CopyFromUser(b[:], addr+uint64(i)); err != defs.EOK {
			break
		}
		if b[0] == 0 {
			break
		}
		buf = append(buf, b[0])
	}
	return string(buf)
}

// rela is a minimal Elf64_Rela mirror; debug/elf does not expose a
// parsed relocation-table type directly, so SHT_RELA sections are
// decoded by hand from their raw bytes.
type rela struct {
	Off    uint64
	Info   uint64
	Addend int64
}

func readRelas(f *elf.File, sec *elf.Section) ([]rela, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	const entsize = 24
	if len(data)%entsize != 0 {
		return nil, fmt.Errorf("kmod: malformed RELA section")
	}
	out := make([]rela, len(data)/entsize)
	for i := range out {
		b := data[i*entsize:]
		out[i] = rela{
			Off:    getLE64(b[0:8]),
			Info:   getLE64(b[8:16]),
			Addend: int64(getLE64(b[16:24])),
		}
	}
	return out, nil
}

func getLE64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// describeBadReloc disassembles the bytes already written at a
// relocation site this loader cannot apply, the same x86asm.Decode
// diagnostic the spinlock watchdog uses to enrich its panic message.
func describeBadReloc(as *vm.AddrSpace_t, target uint64) {
	buf := make([]byte, 16)
	if _, err := as.CopyFromUser(buf, target); err != defs.EOK {
		return
	}
	if inst, derr := x86asm.Decode(buf, 64); derr == nil {
		fmt.Printf("kmod: unsupported relocation at %#x: %s\n", target, inst.String())
	}
}
