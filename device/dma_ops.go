package device

import (
	"fmt"

	"github.com/el3drv/core/bounce"
	"github.com/el3drv/core/elerr"
	"github.com/el3drv/core/reg"
)

const (
	minFrameLen = 60
	maxFrameLen = 1514
)

// pad returns frame unmodified if it already meets the minimum wire
// length, or a zero-padded copy at exactly minFrameLen otherwise
// (spec.md section 8: "length exactly 60 is padded-to-60 without a
// change; length 59 is padded to 60").
func pad(frame []byte) ([]byte, error) {
	if len(frame) > maxFrameLen {
		return nil, fmt.Errorf("el3: tx frame of %d bytes exceeds %d: %w", len(frame), maxFrameLen, elerr.ErrTxInvalidLen)
	}
	if len(frame) >= minFrameLen {
		return frame, nil
	}
	padded := make([]byte, minFrameLen)
	copy(padded, frame)
	return padded, nil
}

// dmaOps is the DMA-generation vtable of spec.md section 4.10
// (BOOMERANG..TORNADO): send and rx_poll go through the descriptor ring
// engine (package dmapath/descring) instead of the FIFO.
type dmaOps struct{}

func (dmaOps) Send(d *Device, frame []byte) error {
	padded, err := pad(frame)
	if err != nil {
		return err
	}

	dma := d.Datapath.Dma

	if dma.TX.FreeCount() == 0 {
		d.reclaimTX(dma)
		if dma.TX.FreeCount() == 0 {
			return elerr.ErrTxRingFull
		}
	}

	virt, phys, h, bounced, err := d.resolveTXBuffer(dma, padded)
	if err != nil {
		d.mu.Lock()
		d.Stats.TxDropped++
		d.mu.Unlock()
		return err
	}
	_ = virt

	var tag interface{}
	if bounced {
		tag = h
	}

	if err := dma.Engine.Send(phys, len(padded), tag); err != nil {
		if bounced {
			dma.Bounce.Release(h)
		}
		return err
	}

	d.mu.Lock()
	d.Stats.TxPackets++
	d.Stats.TxBytes += uint64(len(padded))
	d.mu.Unlock()

	return nil
}

// resolveTXBuffer implements spec.md section 4.5's bounce_tx: if the
// caller can vouch for frame's physical address and that address
// satisfies the DMA constraints, the frame is handed to the adapter
// in place; otherwise (or if no pinning service is wired in at all) it
// is copied into a bounce buffer first.
func (d *Device) resolveTXBuffer(dma *DmaState, frame []byte) (virt []byte, phys uint32, h bounce.Handle, bounced bool, err error) {
	if dma.PhysOf != nil {
		if p, ok := dma.PhysOf(frame); ok {
			return dma.Bounce.TX(frame, p, dma.ISALimited)
		}
	}

	virt, phys, h, err = dma.Bounce.TXForce(frame)
	return virt, phys, h, true, err
}

// reclaimTX runs the TX reclaim pass (spec.md section 4.6) and releases
// the bounce buffer backing any reclaimed descriptor.
func (d *Device) reclaimTX(dma *DmaState) {
	for _, r := range dma.Engine.Reclaim() {
		if h, ok := r.Tag.(bounce.Handle); ok {
			dma.Bounce.Release(h)
		}
	}
}

func (dmaOps) RXPoll(d *Device, budget int) ([][]byte, error) {
	return d.pollWithDirect(budget, func(b int) ([][]byte, int, error) {
		frames, errs := d.Datapath.Dma.Engine.RXPoll(b)
		return frames, errs, nil
	})
}

func (dmaOps) HandleInterrupt(d *Device) {
	dma := d.Datapath.Dma

	d.ISRCtx.Dispatch(d.Window, &dmaISRAdapter{d: d})

	if d.Failed() {
		return
	}

	st := dma.Engine.CheckStall()
	if err := st.FatalError(); err != nil {
		d.transitionFailed(err)
		return
	}

	if st.DnStalled || st.UpStalled {
		dma.consecutiveStalls++
		if dma.consecutiveStalls >= 3 {
			d.resetDMARings()
		}
	} else {
		dma.consecutiveStalls = 0
	}
}

// resetDMARings implements spec.md section 4.6's stall escalation: a
// condition persisting across three consecutive ISR invocations marks
// the device STALLED and reprograms the ring pointers.
func (d *Device) resetDMARings() {
	d.mu.Lock()
	d.State = StateStalled
	d.mu.Unlock()

	dma := d.Datapath.Dma
	dma.Engine.Init(0, 0)
	dma.consecutiveStalls = 0

	d.mu.Lock()
	if d.State == StateStalled {
		d.State = StateActive
	}
	d.mu.Unlock()
}

func (dmaOps) SetFilter(d *Device, filter Filter) error {
	d.Window.Command(reg.CmdSetRxFilter, int(filter))
	return nil
}

func (dmaOps) Shutdown(d *Device) error {
	d.Window.Command(reg.CmdRxDisable, 0)
	d.Window.Command(reg.CmdTxDisable, 0)
	d.Window.Command(reg.CmdStatsDisable, 0)
	d.Window.Command(reg.CmdDMACtrl, reg.ArgDnStall)
	d.Window.Command(reg.CmdDMACtrl, reg.ArgUpStall)
	return nil
}

// dmaISRAdapter implements isr.Ops for the DMA generations.
type dmaISRAdapter struct {
	d *Device
}

func (a *dmaISRAdapter) RXConsume(budget int) int {
	frames, errs := a.d.Datapath.Dma.Engine.RXPoll(budget)

	a.d.mu.Lock()
	a.d.Stats.RxPackets += uint64(len(frames))
	a.d.Stats.RxErrorsLength += uint64(errs)
	a.d.mu.Unlock()

	for _, f := range frames {
		a.d.deliver(f)
	}

	return len(frames) + errs
}

func (a *dmaISRAdapter) TXReclaim(budget int) int {
	dma := a.d.Datapath.Dma

	// Tx* counters are incremented at enqueue time (dmaOps.Send), not
	// here: reclaim only recovers the descriptor and releases any
	// bounce buffer it pinned, it does not observe a new transmission.
	reclaimed := dma.Engine.Reclaim()
	for _, r := range reclaimed {
		if h, ok := r.Tag.(bounce.Handle); ok {
			dma.Bounce.Release(h)
		}
	}

	events := len(reclaimed)
	if events > budget {
		events = budget
	}
	return events
}

func (a *dmaISRAdapter) DrainStats() {
	over := a.d.Window.Read8(winStats, offRxOverrunCnt)

	a.d.mu.Lock()
	a.d.Stats.RxErrorsOver += uint64(over)
	a.d.mu.Unlock()
}

func (a *dmaISRAdapter) HandleFatal() {
	a.d.transitionFailed(fmt.Errorf("el3: adapter_fail latched: %w", elerr.ErrDeviceFailed))
}
