// Command kernel boots lykcore's subsystems against a simulated
// hardware substrate: no real bootloader, firmware, or physical
// memory is available in a hosted Go process, so this entry point
// builds the bootloader handoff struct (internal/boot.Info) itself —
// a single memory region, one simulated CPU, and an in-memory
// /initrd.tar containing /boot/init — the way a real loader would
// have filled it in, then hands it to internal/boot.Boot.
package main

import (
	"archive/tar"
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"log"
	"os/signal"
	"syscall"
	"time"

	"lykcore/internal/boot"
	"lykcore/internal/mem"
	"lykcore/internal/smp"
)

// initLoadAddr is where the simulated /boot/init binary is linked and
// entered; it sits well above the kernel's own low mappings.
const initLoadAddr = 0x0000_0000_0040_0000

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	info := boot.Info{
		Memory: []boot.MemRegion{{Base: 0, Length: uint64(1 << mem.MaxOrder * mem.PGSIZE * 256)}},
		HHDM:   0xFFFF_8000_0000_0000,
		CPUs:   []smp.CPUInfo{{ID: 0}},
		Modules: []boot.ModuleInfo{
			{Path: "/initrd.tar", Data: buildInitrd()},
		},
		Clock: func() int64 { return time.Now().UnixNano() },
	}

	log.Printf("kernel: booting with %d memory region(s), %d cpu(s)", len(info.Memory), len(info.CPUs))

	k, err := boot.Boot(ctx, info, nil)
	if err != nil {
		log.Fatalf("kernel: boot failed: %v", err)
	}
	log.Printf("kernel: init process pid=%d running, %d cpu(s) online", k.Init.Pid, len(k.CPUs))

	<-ctx.Done()
	log.Printf("kernel: shutting down")
}

// buildInitrd assembles a minimal initial ramdisk containing only
// /boot/init, the one file kernel_main's original always expects to
// find there. archive/tar's USTAR writer produces a header ustar.Extract
// already knows how to parse: the same magic field at offset 257 and
// standard checksum, just written by the standard library instead of
// by hand.
func buildInitrd() []byte {
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)

	initBin := buildSimulatedInit()
	if err := w.WriteHeader(&tar.Header{
		Name:   "boot/",
		Mode:   0755,
		Format: tar.FormatUSTAR,
		Typeflag: tar.TypeDir,
	}); err != nil {
		log.Fatalf("kernel: building initrd: %v", err)
	}
	if err := w.WriteHeader(&tar.Header{
		Name:     "boot/init",
		Mode:     0755,
		Size:     int64(len(initBin)),
		Format:   tar.FormatUSTAR,
		Typeflag: tar.TypeReg,
	}); err != nil {
		log.Fatalf("kernel: building initrd: %v", err)
	}
	if _, err := w.Write(initBin); err != nil {
		log.Fatalf("kernel: building initrd: %v", err)
	}
	if err := w.Close(); err != nil {
		log.Fatalf("kernel: building initrd: %v", err)
	}
	return buf.Bytes()
}

// buildSimulatedInit hand-assembles a minimal ET_EXEC ELF64 binary: a
// single allocated, executable section of halt instructions loaded at
// initLoadAddr, nothing more. There is no process to actually run this
// code (scheduling and execution past thread creation are out of
// scope), so the section's bytes only need to exist for
// internal/boot's loader to map and copy.
func buildSimulatedInit() []byte {
	text := []byte{0xf4, 0xf4, 0xf4, 0xf4} // hlt; hlt; hlt; hlt

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	textNameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(".text")
	shstrtab.WriteByte(0)
	shstrtabNameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)

	const ehsize = 64
	textOff := uint64(ehsize)
	shstrtabOff := textOff + uint64(len(text))
	shoff := shstrtabOff + uint64(shstrtab.Len())

	type sectionHeader struct {
		name, shType           uint32
		flags, addr, offset    uint64
		size                   uint64
		link, info             uint32
		addralign, entsize     uint64
	}
	sections := []sectionHeader{
		{},
		{name: textNameOff, shType: uint32(elf.SHT_PROGBITS), flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR), addr: initLoadAddr, offset: textOff, size: uint64(len(text)), addralign: 16},
		{name: shstrtabNameOff, shType: uint32(elf.SHT_STRTAB), offset: shstrtabOff, size: uint64(shstrtab.Len()), addralign: 1},
	}
	shstrndx := len(sections) - 1

	var shdrs bytes.Buffer
	for _, s := range sections {
		binary.Write(&shdrs, binary.LittleEndian, s.name)
		binary.Write(&shdrs, binary.LittleEndian, s.shType)
		binary.Write(&shdrs, binary.LittleEndian, s.flags)
		binary.Write(&shdrs, binary.LittleEndian, s.addr)
		binary.Write(&shdrs, binary.LittleEndian, s.offset)
		binary.Write(&shdrs, binary.LittleEndian, s.size)
		binary.Write(&shdrs, binary.LittleEndian, s.link)
		binary.Write(&shdrs, binary.LittleEndian, s.info)
		binary.Write(&shdrs, binary.LittleEndian, s.addralign)
		binary.Write(&shdrs, binary.LittleEndian, s.entsize)
	}

	var hdr bytes.Buffer
	hdr.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	hdr.Write(make([]byte, 8))
	binary.Write(&hdr, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&hdr, binary.LittleEndian, uint16(elf.EM_X86_64))
	binary.Write(&hdr, binary.LittleEndian, uint32(1))
	binary.Write(&hdr, binary.LittleEndian, uint64(initLoadAddr)) // e_entry
	binary.Write(&hdr, binary.LittleEndian, uint64(0))            // e_phoff
	binary.Write(&hdr, binary.LittleEndian, shoff)
	binary.Write(&hdr, binary.LittleEndian, uint32(0))
	binary.Write(&hdr, binary.LittleEndian, uint16(ehsize))
	binary.Write(&hdr, binary.LittleEndian, uint16(0))
	binary.Write(&hdr, binary.LittleEndian, uint16(0))
	binary.Write(&hdr, binary.LittleEndian, uint16(64))
	binary.Write(&hdr, binary.LittleEndian, uint16(len(sections)))
	binary.Write(&hdr, binary.LittleEndian, uint16(shstrndx))

	var out bytes.Buffer
	out.Write(hdr.Bytes())
	out.Write(text)
	out.Write(shstrtab.Bytes())
	out.Write(shdrs.Bytes())
	return out.Bytes()
}
