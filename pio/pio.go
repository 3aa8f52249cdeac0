// Package pio implements the PIO datapath of spec.md section 4.7: FIFO
// arbitration for the EL3_ORIG and VORTEX generations, which lack a
// bus-master engine and move every byte through the command register
// window.
//
// Grounded on reg.Window for the windowed-register discipline and on
// the teacher's internal/reg.WaitFor-derived reg.WaitBit16 for the
// CMD_IN_PROGRESS wait after RX_DISCARD. The TX_FREE backpressure loop
// is bounded by an iteration count (txFreePollIterations) instead.
package pio

import (
	"fmt"
	"time"

	"github.com/el3drv/core/elerr"
	"github.com/el3drv/core/reg"
)

const (
	winOperating = 1

	offTxFifo   = 0x00
	offRxFifo   = 0x00
	offRxStatus = 0x08
	offTxStatus = 0x0b
	offTxFree   = 0x0c

	rxIncomplete = 1 << 15
	rxError      = 1 << 14
	rxLengthMask = 0x07ff

	txStatusComplete  = 1 << 7
	txStatusJabber    = 1 << 5
	txStatusUnderrun  = 1 << 4
	txStatusMaxColl   = 1 << 3
	txErrorBits       = txStatusJabber | txStatusUnderrun | txStatusMaxColl

	minFrameLen = 60
	maxFrameLen = 1514

	minRxLen = 14
	// maxRxLen is the largest RX_STATUS length RXPoll accepts (1518, a
	// max-size Ethernet frame with the 4-byte FCS still attached), so
	// frames of 14..1518 bytes are delivered. This is wider than
	// maxFrameLen (1514), the largest frame Send transmits, and wider
	// than the DMA path's descring RX check, which rejects lengths above
	// 1514.
	maxRxLen = 1518

	defaultRxWorkBudget = 16
	txFreePollIterations = 1000
)

// Send implements pio_send(dev, frame, len) (spec.md section 4.7). It
// pads short frames up to 60 bytes and selects window 1 first (a no-op
// on generations with a permanent window 1, since Select coalesces
// redundant selections).
func Send(w *reg.Window, frame []byte) error {
	if len(frame) > maxFrameLen {
		return fmt.Errorf("el3: tx frame of %d bytes exceeds %d: %w", len(frame), maxFrameLen, elerr.ErrTxInvalidLen)
	}

	w.Select(winOperating)

	padded := frame
	if len(padded) < minFrameLen {
		padded = make([]byte, minFrameLen)
		copy(padded, frame)
	}

	if err := waitForRoom(w, len(padded)); err != nil {
		return err
	}

	w.Write16(winOperating, offTxFifo, uint16(len(padded)))
	w.Write16(winOperating, offTxFifo, 0x0000) // required preamble word

	writeBurst(w, padded)

	return nil
}

func waitForRoom(w *reg.Window, length int) error {
	for i := 0; i < txFreePollIterations; i++ {
		free := w.Read16(winOperating, offTxFree)
		if int(free) >= length+4 {
			return nil
		}

		status := w.Read8(winOperating, offTxStatus)
		if status&txStatusComplete != 0 && status&txErrorBits != 0 {
			w.Command(reg.CmdTxReset, 0)
			w.Command(reg.CmdTxEnable, 0)
			return fmt.Errorf("el3: tx fifo error status %#02x: %w", status, elerr.ErrTxError)
		}
	}

	return fmt.Errorf("el3: timed out waiting for tx fifo room: %w", elerr.ErrTxTimeout)
}

// writeBurst writes padded in 16-word bursts (spec.md section 4.7 step
// 5), keeping ISA bus contention bounded, with a trailing byte write
// for an odd-length remainder and zero padding to a 4-byte boundary.
func writeBurst(w *reg.Window, padded []byte) {
	const burstWords = 16

	i := 0
	for i+1 < len(padded) {
		end := i + burstWords*2
		if end > len(padded) {
			end = len(padded) &^ 1 // round down to an even boundary
		}
		for ; i+1 < end; i += 2 {
			word := uint16(padded[i]) | uint16(padded[i+1])<<8
			w.Write16(winOperating, offTxFifo, word)
		}
	}

	if i < len(padded) {
		w.Write8(winOperating, offTxFifo, padded[i])
		i++
	}

	for i%4 != 0 {
		w.Write8(winOperating, offTxFifo, 0)
		i++
	}
}

// RXPacket is one frame delivered by RXPoll.
type RXPacket struct {
	Data []byte
}

// RXPoll implements pio_rx_poll(dev) -> packets_delivered (spec.md
// section 4.7), draining up to workBudget packets (0 means the default
// of 16) per call to avoid starving other work.
//
// The returned error count lumps rxError (the FIFO's single completion
// error bit) together with an out-of-range length: the RX_STATUS
// register carries no finer CRC/framing breakdown, so device.Stats
// attributes every count here to RxErrorsLength rather than guessing
// at a CRC/overrun split the hardware doesn't report.
func RXPoll(w *reg.Window, workBudget int) ([]RXPacket, int, error) {
	if workBudget <= 0 {
		workBudget = defaultRxWorkBudget
	}

	w.Select(winOperating)

	var packets []RXPacket
	errs := 0

	for i := 0; i < workBudget; i++ {
		status := w.Read16(winOperating, offRxStatus)
		if status&rxIncomplete != 0 {
			break
		}

		length := int(status & rxLengthMask)

		if status&rxError != 0 || length < minRxLen || length > maxRxLen {
			errs++
			if err := discard(w); err != nil {
				return packets, errs, err
			}
			continue
		}

		buf := make([]byte, length)
		readBurst(w, buf)

		if err := discard(w); err != nil {
			return packets, errs, err
		}

		packets = append(packets, RXPacket{Data: buf})
	}

	return packets, errs, nil
}

func readBurst(w *reg.Window, buf []byte) {
	const burstWords = 16

	i := 0
	for i+1 < len(buf) {
		end := i + burstWords*2
		if end > len(buf) {
			end = len(buf) &^ 1
		}
		for ; i+1 < end; i += 2 {
			word := w.Read16(winOperating, offRxFifo)
			buf[i] = byte(word)
			buf[i+1] = byte(word >> 8)
		}
	}
	if i < len(buf) {
		buf[i] = w.Read8(winOperating, offRxFifo)
	}
}

// cmdRxDiscard is the RX_DISCARD command code, 8 in every EL3
// generation's command set.
const cmdRxDiscard = 8

func discard(w *reg.Window) error {
	w.Command(cmdRxDiscard, 0)
	if !w.WaitBit16(5*time.Millisecond, winOperating, reg.StatusOffset, 1<<reg.StatusCmdInProgress, 0) {
		return fmt.Errorf("el3: rx_discard command-in-progress never cleared: %w", elerr.ErrRxInvalidLen)
	}
	return nil
}
