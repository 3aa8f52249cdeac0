package reg

import (
	"testing"

	"github.com/el3drv/core/internal/ioport"
)

func TestSelectCoalescesRedundantCommands(t *testing.T) {
	bus := ioport.NewSimBus()
	bus.Seed(0x300, 0x40)

	var selects int
	bus.WriteHook = func(port uint32, width int, val uint32) {
		if port == 0x300+CommandOffset && (val>>11) == CmdSelectWindow {
			selects++
		}
	}

	cur := -1
	w := New(bus, 0x300, &cur)

	w.Select(1)
	w.Select(1)
	w.Select(1)

	if selects != 1 {
		t.Fatalf("expected exactly one SELECT_WINDOW command, got %d", selects)
	}

	w.Select(7)
	w.Select(1)

	if selects != 3 {
		t.Fatalf("expected 3 SELECT_WINDOW commands after two window changes, got %d", selects)
	}
}

func TestWithWindowRestoresPrevious(t *testing.T) {
	bus := ioport.NewSimBus()
	bus.Seed(0x300, 0x40)

	cur := 1
	w := New(bus, 0x300, &cur)

	w.WithWindow(6, func() {
		if cur != 6 {
			t.Fatalf("expected window 6 inside WithWindow, got %d", cur)
		}
	})

	if cur != 1 {
		t.Fatalf("expected window restored to 1, got %d", cur)
	}
}

func TestCommandEncoding(t *testing.T) {
	bus := ioport.NewSimBus()
	bus.Seed(0x300, 0x40)

	cur := -1
	w := New(bus, 0x300, &cur)
	w.Command(CmdTxReset, 0)

	got := bus.Read16(0x300 + CommandOffset)
	want := uint16(CmdTxReset << 11)
	if got != want {
		t.Fatalf("command encoding = %#x, want %#x", got, want)
	}
}
