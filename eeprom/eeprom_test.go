package eeprom

import (
	"errors"
	"testing"

	"github.com/el3drv/core/elerr"
	"github.com/el3drv/core/generation"
	"github.com/el3drv/core/internal/ioport"
	"github.com/el3drv/core/reg"
)

const ioBase = 0x300

func newWindow(bus ioport.Bus) *reg.Window {
	current := -1
	return reg.New(bus, ioBase, &current)
}

func TestReadReturnsDataWord(t *testing.T) {
	bus := ioport.NewSimBus()
	bus.Seed(ioBase, 0x20)
	bus.Write16(ioBase+offEEPROMData, 0xBEEF)

	w := newWindow(bus)
	v, err := Read(w, generation.EL3Orig, 0x0a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0xBEEF {
		t.Fatalf("expected 0xBEEF, got %#04x", v)
	}
}

// alwaysBusyBus never clears the EEPROM busy bit, modeling a dead
// EEPROM, to exercise the timeout path.
type alwaysBusyBus struct {
	*ioport.SimBus
}

func (b *alwaysBusyBus) Read16(port uint32) uint16 {
	if port == ioBase+offEEPROMCommand {
		return busyBit
	}
	return b.SimBus.Read16(port)
}

func TestReadTimesOutWhenBusyNeverClears(t *testing.T) {
	bus := &alwaysBusyBus{SimBus: ioport.NewSimBus()}
	bus.Seed(ioBase, 0x20)

	w := newWindow(bus)
	_, err := Read(w, generation.EL3Orig, 0x0a)
	if !errors.Is(err, elerr.ErrEEPROMTimeout) {
		t.Fatalf("expected ErrEEPROMTimeout, got %v", err)
	}
}

func TestReadMACValidatesAndDecodesBigEndianWords(t *testing.T) {
	bus := ioport.NewSimBus()
	bus.Seed(ioBase, 0x20)

	words := []uint16{0x0010, 0x4b00, 0x0001}
	bus.WriteHook = func(port uint32, width int, val uint32) {
		if port != ioBase+offEEPROMCommand {
			return
		}
		offset := uint8(val & 0x3f)
		var idx int
		switch offset {
		case offMACWord0:
			idx = 0
		case offMACWord1:
			idx = 1
		case offMACWord2:
			idx = 2
		default:
			return
		}
		bus.Write16(ioBase+offEEPROMData, words[idx])
	}

	w := newWindow(bus)
	mac, err := ReadMAC(w, generation.EL3Orig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [6]byte{0x00, 0x10, 0x4b, 0x00, 0x00, 0x01}
	if mac != want {
		t.Fatalf("mac = %x, want %x", mac, want)
	}
}

func TestReadMACRejectsAllZero(t *testing.T) {
	bus := ioport.NewSimBus()
	bus.Seed(ioBase, 0x20)

	w := newWindow(bus)
	_, err := ReadMAC(w, generation.EL3Orig)
	if !errors.Is(err, elerr.ErrMACAllZero) {
		t.Fatalf("expected ErrMACAllZero, got %v", err)
	}
}

func TestReadMACRejectsMulticastBit(t *testing.T) {
	bus := ioport.NewSimBus()
	bus.Seed(ioBase, 0x20)
	bus.WriteHook = func(port uint32, width int, val uint32) {
		if port != ioBase+offEEPROMCommand {
			return
		}
		offset := uint8(val & 0x3f)
		if offset == offMACWord0 {
			bus.Write16(ioBase+offEEPROMData, 0x0100) // byte0 = 0x01, multicast bit set
		}
	}

	w := newWindow(bus)
	_, err := ReadMAC(w, generation.EL3Orig)
	if !errors.Is(err, elerr.ErrMACMulticastBit) {
		t.Fatalf("expected ErrMACMulticastBit, got %v", err)
	}
}
