// Package pci implements PCI Express Enhanced Configuration Access
// Mechanism (ECAM) scanning: walking a memory-mapped configuration
// space region bus/device/function by bus/device/function and
// decoding each function's standard header, the way the PCI bus
// enumeration module discovers devices without relying on any OS
// beneath it.
package pci

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Config space offsets within one function's 4096-byte ECAM slot, the
// standard PCI Type 0 header layout.
const (
	offVendorID  = 0x00
	offDeviceID  = 0x02
	offRevision  = 0x08
	offProgIF    = 0x09
	offSubclass  = 0x0A
	offClass     = 0x0B
	offHeaderTyp = 0x0E
	offBAR0      = 0x10
	slotSize     = 4096
)

// vendorIDAbsent is the value read back from a function slot with no
// device present.
const vendorIDAbsent = 0xFFFF

// DeviceClass is a coarse classification of a PCI device's function,
// derived from its base class code.
type DeviceClass int

const (
	ClassUnknown DeviceClass = iota
	ClassBlock
	ClassNetwork
	ClassInput
)

// classOf maps a PCI base class code to a DeviceClass, mirroring
// pci_class_to_device_class's switch.
func classOf(class uint8) DeviceClass {
	switch class {
	case 0x01:
		return ClassBlock
	case 0x02:
		return ClassNetwork
	case 0x09:
		return ClassInput
	default:
		return ClassUnknown
	}
}

// Device_t is one discovered PCI function.
type Device_t struct {
	Bus, Slot, Func uint8
	VendorID        uint16
	DeviceID        uint16
	Class           uint8
	Subclass        uint8
	ProgIF          uint8
	Kind            DeviceClass
	BAR             [6]uint32
	cfg             []byte
}

// Name formats the device the way the bus enumeration module names
// the devices it registers.
func (d *Device_t) Name() string {
	return fmt.Sprintf("%04X:%04X-%02X:%02X:%02X", d.VendorID, d.DeviceID, d.Class, d.Subclass, d.ProgIF)
}

// BAR32 returns the raw value of base address register n, unmasked.
func (d *Device_t) BAR32(n int) uint32 { return d.BAR[n] }

// Segment is one memory-mapped ECAM region, covering the config space
// for a contiguous bus range starting at some base offset into the
// direct-mapped physical address window.
type Segment struct {
	Mem       []byte // ECAM window for this segment, BusStart..BusEnd
	BusStart  uint8
	BusEnd    uint8
}

func slot(mem []byte, bus, dev, fn uint8, busStart uint8) ([]byte, error) {
	off := (uint64(bus-busStart) << 20) | (uint64(dev) << 15) | (uint64(fn) << 12)
	end := off + slotSize
	if end > uint64(len(mem)) {
		return nil, unix.EFAULT
	}
	return mem[off:end], nil
}

// Scan walks every bus/device/function slot in seg and returns every
// function whose vendor ID is present, mirroring main.c's three nested
// loops over bus_start..bus_end, 0..31, 0..7.
func Scan(seg Segment) ([]Device_t, error) {
	if seg.BusEnd < seg.BusStart {
		return nil, unix.EINVAL
	}
	var out []Device_t
	for bus := seg.BusStart; ; bus++ {
		for dev := uint8(0); dev < 32; dev++ {
			for fn := uint8(0); fn < 8; fn++ {
				cfg, err := slot(seg.Mem, bus, dev, fn, seg.BusStart)
				if err != nil {
					return out, err
				}
				vendor := binary.LittleEndian.Uint16(cfg[offVendorID:])
				if vendor == vendorIDAbsent {
					continue
				}
				d := Device_t{
					Bus: bus, Slot: dev, Func: fn,
					VendorID: vendor,
					DeviceID: binary.LittleEndian.Uint16(cfg[offDeviceID:]),
					Class:    cfg[offClass],
					Subclass: cfg[offSubclass],
					ProgIF:   cfg[offProgIF],
					cfg:      cfg,
				}
				d.Kind = classOf(d.Class)
				headerType := cfg[offHeaderTyp] & 0x7f
				if headerType == 0 {
					for i := 0; i < 6; i++ {
						d.BAR[i] = binary.LittleEndian.Uint32(cfg[offBAR0+4*i:])
					}
				}
				out = append(out, d)
			}
		}
		if bus == seg.BusEnd {
			break
		}
	}
	return out, nil
}

// Find returns the first scanned device matching vendor/device ID, or
// unix.ENODEV if none matched — the errno-shaped miss a real
// sysfs-backed PCI lookup would report for an absent device.
func Find(devices []Device_t, vendor, device uint16) (*Device_t, error) {
	for i := range devices {
		if devices[i].VendorID == vendor && devices[i].DeviceID == device {
			return &devices[i], nil
		}
	}
	return nil, unix.ENODEV
}
