// Package pcibus implements PCI configuration-space enumeration for the
// EL3 core's PCI identification branch (spec.md section 4.2 Phase A,
// section 1's "(bus, devfn, io_base, irq) tuple").
//
// Adapted from the teacher's soc/intel/pci package (Device, Probe,
// Devices, the Capabilities iterator), generalized from a single fixed
// (vendor, device) target to the full 3Com device table and with the
// raw asm-backed port I/O replaced by the injectable ioport.Bus so the
// same code runs against real hardware or a SimBus in tests.
package pcibus

import (
	"encoding/binary"

	"github.com/el3drv/core/internal/ioport"
)

// Standard PCI configuration mechanism #1 ports.
const (
	ConfigAddress = 0x0cf8
	ConfigData    = 0x0cfc
)

const (
	maxBuses   = 256
	maxDevices = 32
)

// Header Type 0x0 configuration space offsets.
const (
	offVendorID    = 0x00
	offCommand     = 0x04
	offRevisionID  = 0x08
	offBar0        = 0x10
	offCapPointer  = 0x34
	offInterrupt   = 0x3c
)

// Capability IDs (PCI Code and ID Assignment Specification).
const (
	CapPower = 0x01
	CapMSI   = 0x05
	CapPCIe  = 0x10
	CapMSIX  = 0x11
)

// Device represents one PCI device's configuration space.
type Device struct {
	Bus    Bus
	BusNum uint32
	Slot   uint32

	Vendor uint16
	DevID  uint16
}

// Bus is the 32-bit configuration-mechanism-#1 port pair every PCI
// access goes through.
type Bus interface {
	Read32(port uint32) uint32
	Write32(port uint32, val uint32)
}

func (d *Device) address(fn, off uint32) uint32 {
	return 1<<31 | d.BusNum<<16 | d.Slot<<11 | fn<<8 | off&0xfc
}

// Read reads the device configuration space for a given function and
// register offset.
func (d *Device) Read(fn, off uint32) uint32 {
	d.Bus.Write32(ConfigAddress, d.address(fn, off))
	return d.Bus.Read32(ConfigData) >> ((off & 2) * 8)
}

// Write writes the device configuration space for a given function and
// a 32-bit aligned register offset.
func (d *Device) Write(fn, off, val uint32) {
	if (off&2)*8 != 0 {
		return
	}
	d.Bus.Write32(ConfigAddress, d.address(fn, off))
	d.Bus.Write32(ConfigData, val)
}

// BaseAddress decodes base address register n, handling the 64-bit BAR
// pair encoding.
func (d *Device) BaseAddress(n int) uint64 {
	if n > 5 {
		return 0
	}

	off := uint32(offBar0 + n*4)
	bar := d.Read(0, off)

	switch (bar >> 1) & 0b11 {
	case 0: // 32-bit
		return uint64(bar &^ 0xf)
	case 2: // 64-bit
		hi := d.Read(0, off+4)
		return uint64(hi)<<32 | uint64(bar&^0xf)
	}

	return 0
}

// IsIOSpace reports whether base address register n is I/O-mapped
// rather than memory-mapped (BAR bit 0).
func (d *Device) IsIOSpace(n int) bool {
	if n > 5 {
		return false
	}
	bar := d.Read(0, uint32(offBar0+n*4))
	return bar&1 == 1
}

// InterruptLine reads the Interrupt Line configuration register, the
// IRQ the BIOS/firmware has routed this function to.
func (d *Device) InterruptLine() int {
	return int(d.Read(0, offInterrupt) & 0xff)
}

func (d *Device) probe() bool {
	if d.BusNum > maxBuses {
		return false
	}

	val := d.Read(0, offVendorID)
	d.Vendor = uint16(val)

	if d.Vendor == 0xffff {
		return false
	}

	d.DevID = uint16(val >> 16)
	return true
}

// Probe searches a single bus for the first device matching (vendor,
// device), returning nil if none is found.
func Probe(bus Bus, busNum int, vendor, device uint16) *Device {
	d := &Device{Bus: bus, BusNum: uint32(busNum)}

	for slot := uint32(0); slot < maxDevices; slot++ {
		d.Slot = slot

		if d.probe() && d.Vendor == vendor && d.DevID == device {
			return d
		}
	}

	return nil
}

// Devices enumerates every populated slot on busNum, regardless of
// vendor/device — ScanFor3Com uses this to discover every El3 adapter
// present for the multi-NIC bring-up (spec.md section 4.8) rather than
// one at a time.
func Devices(bus Bus, busNum int) (devices []*Device) {
	for slot := uint32(0); slot < maxDevices; slot++ {
		d := &Device{Bus: bus, BusNum: uint32(busNum), Slot: slot}

		if d.probe() {
			devices = append(devices, d)
		}
	}

	return
}

// CapabilityHeader is one node of a device's PCI Capabilities linked
// list (spec.md section 4.2 Phase B: "walk the capability-pointer
// linked list to set HAS_POWER_MGMT and HAS_MSI").
type CapabilityHeader struct {
	ID   uint8
	Next uint8
}

func (hdr *CapabilityHeader) unmarshal(raw uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, raw)
	hdr.ID = buf[0]
	hdr.Next = buf[1]
}

// Capabilities walks the device's Capabilities List starting at
// the Capabilities Pointer register (offCapPointer), calling yield for each entry until it returns
// false or the list ends.
func (d *Device) Capabilities(yield func(off uint32, hdr CapabilityHeader) bool) {
	off := d.Read(0, offCapPointer) & 0xfc

	for off != 0 {
		var hdr CapabilityHeader
		hdr.unmarshal(d.Read(0, off))

		if !yield(off, hdr) {
			return
		}

		off = uint32(hdr.Next) & 0xfc
	}
}

// memBusAdapter narrows an ioport.Bus down to the Bus this package
// needs, so callers holding a full ioport.Bus (e.g. a MemBus opened
// over /dev/mem's legacy 0xcf8/0xcfc ports) can use it directly.
type memBusAdapter struct {
	ioport.Bus
}

// AsBus adapts a full ioport.Bus to the narrower Bus interface this
// package consumes.
func AsBus(b ioport.Bus) Bus {
	return memBusAdapter{b}
}
