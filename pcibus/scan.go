package pcibus

import "github.com/el3drv/core/generation"

// ScanResult is one enumerated EL3 adapter found on the PCI bus,
// carrying the (bus, devfn, io_base, irq) tuple spec.md section 1
// says the core consumes from PCI enumeration.
type ScanResult struct {
	Device *Device
	Devfn  uint32
	IOBase uint32
	IRQ    int
}

// ScanFor3Com enumerates every PCI bus/slot looking for a 3Com vendor
// ID device, returning one ScanResult per match. PCI BIOS enumeration
// mechanics beyond walking configuration space are out of scope
// (spec.md section 1); this only decodes what spec.md section 4.2
// Phase A's PCI branch needs.
func ScanFor3Com(bus Bus) []ScanResult {
	var results []ScanResult

	for busNum := 0; busNum < maxBuses; busNum++ {
		for _, d := range Devices(bus, busNum) {
			if d.Vendor != generation.VendorID3Com {
				continue
			}

			devfn := d.Slot<<3 | 0

			var ioBase uint32
			for n := 0; n <= 5; n++ {
				if d.IsIOSpace(n) {
					ioBase = uint32(d.BaseAddress(n))
					break
				}
			}

			results = append(results, ScanResult{
				Device: d,
				Devfn:  devfn,
				IOBase: ioBase,
				IRQ:    d.InterruptLine(),
			})
		}
	}

	return results
}
