package pio

import (
	"errors"
	"testing"

	"github.com/el3drv/core/elerr"
	"github.com/el3drv/core/internal/ioport"
	"github.com/el3drv/core/reg"
)

const ioBase = 0x300

func newWindow(bus ioport.Bus) *reg.Window {
	current := -1
	return reg.New(bus, ioBase, &current)
}

type fifoWrite struct {
	width int
	val   uint32
}

func TestSendPadsShortFrameAndWritesPreamble(t *testing.T) {
	bus := ioport.NewSimBus()
	bus.Seed(ioBase, 0x20)
	bus.Write16(ioBase+offTxFree, 4096)

	var writes []fifoWrite
	bus.WriteHook = func(port uint32, width int, val uint32) {
		if port == ioBase+offTxFifo {
			writes = append(writes, fifoWrite{width, val})
		}
	}

	w := newWindow(bus)
	frame := make([]byte, 40)
	for i := range frame {
		frame[i] = byte(i + 1)
	}

	if err := Send(w, frame); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(writes) < 2 {
		t.Fatalf("expected at least length+preamble writes, got %d", len(writes))
	}
	if writes[0].val != minFrameLen {
		t.Fatalf("expected length word %d, got %d", minFrameLen, writes[0].val)
	}
	if writes[1].val != 0 {
		t.Fatalf("expected preamble word 0, got %d", writes[1].val)
	}

	// reconstruct the payload from the remaining FIFO writes and check
	// it is exactly 60 bytes with the tail zero-padded.
	var payload []byte
	for _, wr := range writes[2:] {
		if wr.width == 2 {
			payload = append(payload, byte(wr.val), byte(wr.val>>8))
		} else {
			payload = append(payload, byte(wr.val))
		}
	}
	if len(payload) != minFrameLen {
		t.Fatalf("expected %d padded payload bytes, got %d", minFrameLen, len(payload))
	}
	for i := 0; i < len(frame); i++ {
		if payload[i] != frame[i] {
			t.Fatalf("payload mismatch at byte %d", i)
		}
	}
	for i := len(frame); i < minFrameLen; i++ {
		if payload[i] != 0 {
			t.Fatalf("expected zero padding at byte %d, got %d", i, payload[i])
		}
	}
}

func TestSendRejectsOversizeFrame(t *testing.T) {
	bus := ioport.NewSimBus()
	bus.Seed(ioBase, 0x20)

	w := newWindow(bus)
	frame := make([]byte, maxFrameLen+1)

	err := Send(w, frame)
	if !errors.Is(err, elerr.ErrTxInvalidLen) {
		t.Fatalf("expected ErrTxInvalidLen, got %v", err)
	}
}

func TestSendTimesOutWhenFifoNeverDrains(t *testing.T) {
	bus := ioport.NewSimBus()
	bus.Seed(ioBase, 0x20)
	bus.Write16(ioBase+offTxFree, 0) // never enough room

	w := newWindow(bus)
	frame := make([]byte, 64)

	err := Send(w, frame)
	if !errors.Is(err, elerr.ErrTxTimeout) {
		t.Fatalf("expected ErrTxTimeout, got %v", err)
	}
}

// fifoRXBus serves RX_STATUS once then a queue of FIFO words/bytes
// for the RX_FIFO port, simulating the hardware shift register an
// adapter exposes at a fixed address.
type fifoRXBus struct {
	*ioport.SimBus
	status     uint16
	data       []byte
	readPos    int
	statusRead int
}

func (b *fifoRXBus) Read16(port uint32) uint16 {
	if port == ioBase+offRxStatus {
		if b.statusRead > 0 {
			return rxIncomplete
		}
		b.statusRead++
		return b.status
	}
	if port == ioBase+offRxFifo {
		if b.readPos+1 < len(b.data) {
			v := uint16(b.data[b.readPos]) | uint16(b.data[b.readPos+1])<<8
			b.readPos += 2
			return v
		}
	}
	return b.SimBus.Read16(port)
}

func (b *fifoRXBus) Read8(port uint32) uint8 {
	if port == ioBase+offRxFifo {
		if b.readPos < len(b.data) {
			v := b.data[b.readPos]
			b.readPos++
			return v
		}
	}
	return b.SimBus.Read8(port)
}

func TestRXPollDeliversOneFrameThenIncomplete(t *testing.T) {
	payload := make([]byte, 60)
	for i := range payload {
		payload[i] = byte(i)
	}

	bus := &fifoRXBus{SimBus: ioport.NewSimBus(), status: uint16(len(payload)), data: payload}
	bus.Seed(ioBase, 0x20)

	w := newWindow(bus)
	packets, errs, err := RXPoll(w, 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if errs != 0 {
		t.Fatalf("expected no errors, got %d", errs)
	}
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(packets))
	}
	if len(packets[0].Data) != 60 {
		t.Fatalf("expected 60 bytes, got %d", len(packets[0].Data))
	}
	for i := range payload {
		if packets[0].Data[i] != payload[i] {
			t.Fatalf("payload mismatch at byte %d", i)
		}
	}

	// the fixture already reports RX_INCOMPLETE on every status read
	// after the first; setting it explicitly here makes the second poll's
	// empty-FIFO condition plain (no adapter model beyond one frame is in
	// scope for this test).
	bus.status = rxIncomplete
	packets, _, err = RXPoll(w, 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packets) != 0 {
		t.Fatalf("expected no packets once RX_INCOMPLETE is set, got %d", len(packets))
	}
}

func TestRXPollDiscardsInvalidLength(t *testing.T) {
	bus := &fifoRXBus{SimBus: ioport.NewSimBus(), status: uint16(10)} // below minRxLen
	bus.Seed(ioBase, 0x20)

	w := newWindow(bus)
	packets, errs, err := RXPoll(w, 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packets) != 0 {
		t.Fatalf("expected no delivered packets, got %d", len(packets))
	}
	if errs != 1 {
		t.Fatalf("expected 1 error, got %d", errs)
	}
}
