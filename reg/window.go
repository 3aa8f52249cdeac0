// Package reg implements the windowed-register discipline common to
// every EL3 generation (spec.md section 4.1): "select window once, then
// access". It is the portable equivalent of enet.go's pattern of
// caching absolute register addresses on the device and of
// internal/reg.go's Set/Write/Wait primitives, adapted from a single
// flat memory-mapped peripheral to eight register banks multiplexed at
// the same port addresses.
package reg

import (
	"runtime"
	"time"

	"github.com/el3drv/core/internal/ioport"
)

// Command register (spec.md section 6.2): offset 0x0E, write 16-bit,
// encoded as cmd_code<<11 | arg.
const (
	CommandOffset = 0x0e
	StatusOffset  = 0x0e
)

// Command codes (spec.md section 6.2).
const (
	CmdGlobalReset   = 0
	CmdSelectWindow  = 1
	CmdRxDisable     = 3
	CmdRxEnable      = 4
	CmdRxReset       = 5
	CmdDMACtrl       = 6 // arg 0 UP_STALL, 1 UP_UNSTALL, 2 DN_STALL, 3 DN_UNSTALL
	CmdTxEnable      = 9
	CmdTxDisable     = 10
	CmdTxReset       = 11
	CmdAckIntr       = 13
	CmdSetRxFilter   = 16
	CmdStatsEnable   = 21
	CmdStatsDisable  = 22
)

// DMA_CTRL command arguments (spec.md section 6.2).
const (
	ArgUpStall   = 0
	ArgUpUnstall = 1
	ArgDnStall   = 2
	ArgDnUnstall = 3
)

// Status register bits (spec.md section 6.2).
const (
	StatusIntLatch     = 0
	StatusAdapterFail  = 1
	StatusTxComplete   = 2
	StatusTxAvail      = 3
	StatusRxComplete   = 4
	StatusRxEarly      = 5
	StatusIntReq       = 6
	StatusUpdateStats  = 7
	StatusDnComplete   = 9
	StatusUpComplete   = 10
	StatusCmdInProgress = 12
)

// Window is the windowed-register helper bound to one adapter's
// register space. Current is a pointer to the adapter's
// current_window field (spec.md section 3's Device.current_window) so
// that every helper touching the same device shares one cache, which is
// the invariant spec.md section 8 tests ("selecting window W twice in a
// row issues at most one SELECT_WINDOW command").
type Window struct {
	Bus     ioport.Bus
	IOBase  uint32
	Current *int
}

// New binds a Window helper to a bus and I/O base. Callers should
// pre-set *current to -1 before the first use so that the first Select
// always issues a command: window 0 is a valid power-on state on real
// hardware, so a zero value cannot by itself mean "never selected".
func New(bus ioport.Bus, ioBase uint32, current *int) *Window {
	return &Window{Bus: bus, IOBase: ioBase, Current: current}
}

func (w *Window) command(code, arg int) {
	w.Bus.Write16(w.IOBase+CommandOffset, uint16(code<<11|arg&0x7ff))
}

// Select switches to register window win, issuing SELECT_WINDOW only if
// the cached current window differs (spec.md section 4.1).
func (w *Window) Select(win int) {
	if *w.Current == win {
		return
	}
	w.command(CmdSelectWindow, win)
	*w.Current = win
}

// Push returns the currently selected window, for later restoration
// with Pop. Use this when an operation needs to borrow another window
// transiently without disturbing the caller's window assumption.
func (w *Window) Push() int {
	return *w.Current
}

// Pop restores a window previously captured with Push.
func (w *Window) Pop(prev int) {
	w.Select(prev)
}

// WithWindow selects win, runs fn, then restores whatever window was
// selected before the call.
func (w *Window) WithWindow(win int, fn func()) {
	prev := w.Push()
	w.Select(win)
	fn()
	w.Pop(prev)
}

// Command issues a raw command, bypassing any window selection: the
// command register is itself window-independent (spec.md section 6.2).
func (w *Window) Command(code, arg int) {
	w.command(code, arg)
}

// Status reads the window-independent status register.
func (w *Window) Status() uint16 {
	return w.Bus.Read16(w.IOBase + StatusOffset)
}

// AckIntr acknowledges the given status bits (spec.md section 6.2:
// "write ACK_INTR<<11 | (mask & 0x7FF)").
func (w *Window) AckIntr(mask uint16) {
	w.command(CmdAckIntr, int(mask&0x7ff))
}

// Read8 reads an 8-bit register at offset within window win, selecting
// the window first if necessary.
func (w *Window) Read8(win int, offset uint32) uint8 {
	w.Select(win)
	return w.Bus.Read8(w.IOBase + offset)
}

// Write8 writes an 8-bit register at offset within window win.
func (w *Window) Write8(win int, offset uint32, val uint8) {
	w.Select(win)
	w.Bus.Write8(w.IOBase+offset, val)
}

// Read16 reads a 16-bit register at offset within window win.
func (w *Window) Read16(win int, offset uint32) uint16 {
	w.Select(win)
	return w.Bus.Read16(w.IOBase + offset)
}

// Write16 writes a 16-bit register at offset within window win.
func (w *Window) Write16(win int, offset uint32, val uint16) {
	w.Select(win)
	w.Bus.Write16(w.IOBase+offset, val)
}

// Read32 reads a 32-bit register at offset within window win.
func (w *Window) Read32(win int, offset uint32) uint32 {
	w.Select(win)
	return w.Bus.Read32(w.IOBase + offset)
}

// Write32 writes a 32-bit register at offset within window win.
func (w *Window) Write32(win int, offset uint32, val uint32) {
	w.Select(win)
	w.Bus.Write32(w.IOBase+offset, val)
}

// WaitBit16 polls a 16-bit register at offset within window win until
// (value & mask) == want, or timeout elapses. It reports whether the
// condition was observed (true) or the wait timed out (false), the same
// contract as the teacher's internal/reg.WaitFor, adapted from a
// memory-mapped address to a windowed port register. The EEPROM busy
// wait and the command-in-progress wait after RX_DISCARD go through
// this primitive; pio's TX_FREE wait is bounded by an iteration count
// instead.
func (w *Window) WaitBit16(timeout time.Duration, win int, offset uint32, mask uint16, want uint16) bool {
	start := time.Now()

	for w.Read16(win, offset)&mask != want {
		runtime.Gosched()
		if time.Since(start) >= timeout {
			return w.Read16(win, offset)&mask == want
		}
	}

	return true
}
