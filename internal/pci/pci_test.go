package pci

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

func putHeader(cfg []byte, vendor, device uint16, class, subclass, progif uint8, headerType uint8) {
	binary.LittleEndian.PutUint16(cfg[offVendorID:], vendor)
	binary.LittleEndian.PutUint16(cfg[offDeviceID:], device)
	cfg[offClass] = class
	cfg[offSubclass] = subclass
	cfg[offProgIF] = progif
	cfg[offHeaderTyp] = headerType
}

func TestScanFindsPresentFunctions(t *testing.T) {
	mem := make([]byte, 32*8*slotSize) // bus 0 only: 32 devices * 8 functions
	// A zeroed buffer reads back vendor ID 0x0000, which looks
	// "present"; mark every slot absent first.
	for dev := 0; dev < 32; dev++ {
		for fn := 0; fn < 8; fn++ {
			off := (dev<<15 | fn<<12)
			binary.LittleEndian.PutUint16(mem[off+offVendorID:], vendorIDAbsent)
		}
	}

	nvmeOff := (1<<15 | 0<<12)
	putHeader(mem[nvmeOff:nvmeOff+slotSize], 0x8086, 0x0953, 0x01, 0x08, 0x02, 0)
	binary.LittleEndian.PutUint32(mem[nvmeOff+offBAR0:], 0xFEB00004)

	devices, err := Scan(Segment{Mem: mem, BusStart: 0, BusEnd: 0})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	d := devices[0]
	if d.VendorID != 0x8086 || d.DeviceID != 0x0953 {
		t.Fatalf("unexpected device ids: %#v", d)
	}
	if d.Kind != ClassBlock {
		t.Fatalf("expected ClassBlock, got %v", d.Kind)
	}
	if d.BAR[0] != 0xFEB00004 {
		t.Fatalf("expected BAR0 0xFEB00004, got %#x", d.BAR[0])
	}
}

func TestFindReturnsENODEVWhenAbsent(t *testing.T) {
	if _, err := Find(nil, 0x8086, 0x0953); err != unix.ENODEV {
		t.Fatalf("expected ENODEV, got %v", err)
	}
}

func TestScanRejectsInvertedRange(t *testing.T) {
	if _, err := Scan(Segment{BusStart: 5, BusEnd: 1}); err != unix.EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}
