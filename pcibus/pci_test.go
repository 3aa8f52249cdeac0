package pcibus

import (
	"testing"

	"github.com/el3drv/core/internal/ioport"
)

// fakeConfigBus simulates CONFIG_ADDRESS/CONFIG_DATA-style PCI access
// over a SimBus by keeping a small per-(bus,slot) config space map,
// mirroring how a real chipset answers configuration mechanism #1.
type fakeConfigBus struct {
	*ioport.SimBus
	space map[uint32][]byte // key: bus<<16|slot<<11|fn<<8, value: 256 bytes config space
	addr  uint32
}

func newFakeConfigBus() *fakeConfigBus {
	return &fakeConfigBus{SimBus: ioport.NewSimBus(), space: make(map[uint32][]byte)}
}

func (f *fakeConfigBus) put(busNum, slot uint32, vendor, device uint16, bar0 uint32, irq uint8) {
	key := busNum<<16 | slot<<11
	cfg := make([]byte, 256)
	cfg[0] = byte(vendor)
	cfg[1] = byte(vendor >> 8)
	cfg[2] = byte(device)
	cfg[3] = byte(device >> 8)
	cfg[offBar0] = byte(bar0) | 1 // mark I/O space
	cfg[offBar0+1] = byte(bar0 >> 8)
	cfg[offInterrupt] = irq
	f.space[key] = cfg
}

func (f *fakeConfigBus) Write32(port uint32, val uint32) {
	if port == ConfigAddress {
		f.addr = val
		return
	}
	// CONFIG_DATA write: not exercised by these tests.
}

func (f *fakeConfigBus) Read32(port uint32) uint32 {
	if port != ConfigData {
		return 0xffffffff
	}

	busNum := (f.addr >> 16) & 0xff
	slot := (f.addr >> 11) & 0x1f
	fn := (f.addr >> 8) & 0x7
	off := f.addr & 0xfc
	_ = fn

	cfg, ok := f.space[busNum<<16|slot<<11]
	if !ok {
		return 0xffffffff
	}

	if int(off)+4 > len(cfg) {
		return 0xffffffff
	}

	return uint32(cfg[off]) | uint32(cfg[off+1])<<8 | uint32(cfg[off+2])<<16 | uint32(cfg[off+3])<<24
}

func TestProbeFindsDevice(t *testing.T) {
	bus := newFakeConfigBus()
	bus.put(0, 3, 0x10b7, 0x9200, 0x300, 11)

	d := Probe(bus, 0, 0x10b7, 0x9200)
	if d == nil {
		t.Fatal("expected to find device")
	}
	if d.Vendor != 0x10b7 || d.DevID != 0x9200 {
		t.Fatalf("unexpected identification: %#04x:%#04x", d.Vendor, d.DevID)
	}
	if d.InterruptLine() != 11 {
		t.Fatalf("expected IRQ 11, got %d", d.InterruptLine())
	}
	if !d.IsIOSpace(0) {
		t.Fatal("expected BAR0 to decode as I/O space")
	}
	if got := d.BaseAddress(0); got != 0x300 {
		t.Fatalf("expected io base 0x300, got %#x", got)
	}
}

func TestProbeMissNotFound(t *testing.T) {
	bus := newFakeConfigBus()
	if d := Probe(bus, 0, 0x10b7, 0x9200); d != nil {
		t.Fatal("expected no device found on empty bus")
	}
}

func TestDevicesEnumeratesAllSlots(t *testing.T) {
	bus := newFakeConfigBus()
	bus.put(0, 1, 0x10b7, 0x9200, 0x300, 10)
	bus.put(0, 2, 0x10b7, 0x5900, 0x320, 11)

	devs := Devices(bus, 0)
	if len(devs) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devs))
	}
}
