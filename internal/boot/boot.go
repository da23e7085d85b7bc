// Package boot sequences kernel bring-up: physical memory, paging, the
// kernel address space, VFS and DevFS, initrd extraction, kernel
// module loading, init process loading, and SMP bring-up, in the order
// kernel_main drives them. None of this talks to real hardware (out of
// scope: early boot handoff, interrupt controllers, ACPI, console
// sinks); Info stands in for the bootloader handoff struct those would
// otherwise fill in.
package boot

import (
	"context"
	"debug/elf"
	"fmt"
	"strings"
	"time"

	"lykcore/internal/archpg"
	"lykcore/internal/defs"
	"lykcore/internal/devfs"
	"lykcore/internal/kmod"
	"lykcore/internal/mem"
	"lykcore/internal/mount"
	"lykcore/internal/proc"
	"lykcore/internal/ramfs"
	"lykcore/internal/sched"
	"lykcore/internal/smp"
	"lykcore/internal/stats"
	"lykcore/internal/ustar"
	"lykcore/internal/vfs"
	"lykcore/internal/vm"
)

// MemRegion is one usable physical memory region the bootloader
// reported; their combined length sizes the arena internal/mem carves
// pages out of.
type MemRegion struct {
	Base   uint64
	Length uint64
}

// ModuleInfo is one bootloader-provided in-memory module: a path this
// core matches against ("/initrd.tar", "/boot/modules/*.o", a kernel
// symbol table dump) and its raw bytes, the hosted equivalent of the
// module list a real bootloader hands off.
type ModuleInfo struct {
	Path string
	Data []byte
}

// Info is the bootloader handoff struct: a memory map, the HHDM
// (direct map) offset, the reported CPUs, and the preloaded module
// list — everything kernel_main's original needed from the
// bootloader, out of scope to produce for real here, so cmd/kernel
// builds one from an in-process simulation instead.
type Info struct {
	Memory  []MemRegion
	HHDM    uint64
	CPUs    []smp.CPUInfo
	Modules []ModuleInfo
	Clock   stats.Clock // nil uses time.Now
}

// Kernel_t is the live, booted kernel: every subsystem handle Boot
// wired together.
type Kernel_t struct {
	PM     *mem.Phys_t
	AS     *vm.AddrSpace_t
	Mounts *mount.Trie_t
	Procs  *proc.Table_t
	Sched  *sched.Scheduler_t
	Stats  *stats.Collector_t
	CPUs   []*proc.CPU_t
	Init   *proc.Process_t
}

func findModule(modules []ModuleInfo, path string) *ModuleInfo {
	for i := range modules {
		if modules[i].Path == path {
			return &modules[i]
		}
	}
	return nil
}

// symtab is a minimal stand-in for ksym_init's kernel symbol table: a
// fixed name-to-address map a loaded module's undefined symbols
// resolve against. A real kernel's table is built by walking its own
// linked symbols; nothing in a hosted Go process plays that role, so
// boot wiring supplies this table directly.
type symtab map[string]uint64

func (s symtab) Resolve(name string) (uint64, bool) {
	addr, ok := s[name]
	return addr, ok
}

// Boot runs the bring-up sequence and returns the live kernel, or
// panics where the original panics: a missing initrd, an essential boot
// module that is present but fails to load, or a missing init process
// are unrecoverable boot failures, not errors the caller can act on. A
// module that is absent from /boot/modules/ is skipped.
func Boot(ctx context.Context, info Info, ksyms map[string]uint64) (*Kernel_t, error) {
	if len(info.Memory) == 0 {
		return nil, fmt.Errorf("boot: no memory regions reported")
	}
	var total uint64
	for _, r := range info.Memory {
		total += r.Length
	}
	arena := mem.NewArena(int(total))
	pm := mem.Init(arena)

	pt, err := archpg.NewX86_64(pm, info.HHDM)
	if err != nil {
		return nil, fmt.Errorf("boot: paging init: %w", err)
	}
	kernelAs := vm.NewAddrSpace(pm, pt, 0x1000, info.HHDM-1)

	root := ramfs.Create(pm)
	var mounts mount.Trie_t
	mounts.Init(root)

	dev := devfs.Create(pm)
	if err := mounts.Mount("/dev", dev, 0); err != defs.EOK {
		return nil, fmt.Errorf("boot: mount /dev: %v", err)
	}

	clock := info.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixNano() }
	}
	collector := stats.NewCollector(clock)
	if err := devfs.Register(&mounts, "/dev/stat", vfs.VDEV, stats.StatOps(), collector); err != defs.EOK {
		return nil, fmt.Errorf("boot: register /dev/stat: %v", err)
	}
	if err := devfs.Register(&mounts, "/dev/prof", vfs.VDEV, stats.ProfOps(), collector); err != defs.EOK {
		return nil, fmt.Errorf("boot: register /dev/prof: %v", err)
	}

	// Initial ramdisk.
	initrd := findModule(info.Modules, "/initrd.tar")
	if initrd == nil {
		panic("boot: invalid bootloader module response: no initial ramdisk provided")
	}
	if err := ustar.Extract(&mounts, initrd.Data, "/"); err != defs.EOK {
		panic(fmt.Sprintf("boot: failed to extract initial ramdisk: %v", err))
	}

	// Kernel modules under /boot/modules/.
	syms := make(symtab, len(ksyms))
	for name, addr := range ksyms {
		syms[name] = addr
	}
	for _, m := range info.Modules {
		if !strings.HasPrefix(m.Path, "/boot/modules/") {
			continue
		}
		vn, verr := vfs.Lookup(&mounts, m.Path)
		if verr != defs.EOK || vn.Type != vfs.VREG {
			continue
		}
		if _, lerr := kmod.Load(vn, kernelAs, syms); lerr != defs.EOK {
			panic(fmt.Sprintf("boot: failed to load essential module %s: %v", m.Path, lerr))
		}
	}

	procs := proc.NewTable()

	initFile, ferr := vfs.Lookup(&mounts, "/boot/init")
	if ferr != defs.EOK || initFile.Type != vfs.VREG {
		panic("boot: init process not found at /boot/init")
	}
	initProc, perr := procs.Create("init", true, kernelAs, func() *vm.AddrSpace_t {
		return vm.NewAddrSpace(pm, pt, 0x1000, info.HHDM-1)
	})
	if perr != defs.EOK {
		panic(fmt.Sprintf("boot: failed to create init process: %v", perr))
	}
	entry, lerr := loadInitBinary(initFile, initProc.As)
	if lerr != nil {
		panic(fmt.Sprintf("boot: failed to load init process: %v", lerr))
	}
	initThread := proc.CreateThread(initProc, entry)
	collector.Track(int(initProc.Pid), initProc.Name, &stats.Accnt_t{})

	schd := sched.New(sched.Clock(clock))
	schd.Enqueue(initThread)
	collector.Sched().Enqueues.Inc()

	cpus, serr := smp.Init(ctx, procs, kernelAs, info.CPUs, func(ctx context.Context, cpu *proc.CPU_t) error {
		return nil
	})
	if serr != nil {
		return nil, fmt.Errorf("boot: smp init: %w", serr)
	}

	return &Kernel_t{
		PM:     pm,
		AS:     kernelAs,
		Mounts: &mounts,
		Procs:  procs,
		Sched:  schd,
		Stats:  collector,
		CPUs:   cpus,
		Init:   initProc,
	}, nil
}

// vnodeReaderAt adapts a vnode's page-cache-backed Read into the
// io.ReaderAt debug/elf needs, shaped like internal/kmod's adapter for
// kernel modules except that a short read is not reported as an error.
type vnodeReaderAt struct{ vn *vfs.Vnode_t }

func (v vnodeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("boot: negative offset")
	}
	n, err := vfs.Read(v.vn, p, uint64(off))
	if err != defs.EOK {
		return int(n), fmt.Errorf("boot: read: %v", err)
	}
	return int(n), nil
}

// loadInitBinary parses file as a linked ELF64 executable and maps its
// allocated PROGBITS/NOBITS sections by their load address into as.
// Sections are placed the way the module loader places them (PROGBITS
// copied in, NOBITS zero-filled), but by this function's own loop and
// at each section's linked address rather than a freshly chosen one,
// with debug/elf doing the header and section parsing. Unlike a
// kernel module, an ET_EXEC file is already linked, so there are no
// relocations or undefined symbols left to resolve.
func loadInitBinary(file *vfs.Vnode_t, as *vm.AddrSpace_t) (uint64, error) {
	f, err := elf.NewFile(vnodeReaderAt{vn: file})
	if err != nil {
		return 0, fmt.Errorf("not a valid elf: %w", err)
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Type != elf.ET_EXEC {
		return 0, fmt.Errorf("not an ET_EXEC elf64")
	}
	if f.Machine != elf.EM_X86_64 && f.Machine != elf.EM_AARCH64 {
		return 0, fmt.Errorf("unsupported machine %v", f.Machine)
	}

	for _, sec := range f.Sections {
		if sec.Size == 0 || sec.Flags&elf.SHF_ALLOC == 0 || sec.Addr == 0 {
			continue
		}
		prot := vm.ProtUser | vm.ProtWrite
		if sec.Flags&elf.SHF_EXECINSTR != 0 {
			prot |= vm.ProtExec
		}
		length := roundup(int(sec.Size), mem.PGSIZE)
		if _, merr := as.Map(floorPage(sec.Addr), length, prot, vm.MapAnon|vm.MapFixed, nil, 0); merr != defs.EOK {
			return 0, fmt.Errorf("map section %s: %v", sec.Name, merr)
		}
		switch sec.Type {
		case elf.SHT_PROGBITS:
			data, derr := sec.Data()
			if derr != nil {
				return 0, fmt.Errorf("read section %s: %w", sec.Name, derr)
			}
			if _, cerr := as.CopyToUser(sec.Addr, data); cerr != defs.EOK {
				return 0, fmt.Errorf("copy section %s: %v", sec.Name, cerr)
			}
		case elf.SHT_NOBITS:
			as.ZeroOutUser(sec.Addr, int(sec.Size))
		}
	}

	return f.Entry, nil
}

func roundup(n, to int) int { return (n + to - 1) / to * to }

func floorPage(addr uint64) uint64 { return addr &^ uint64(mem.PGSIZE-1) }
