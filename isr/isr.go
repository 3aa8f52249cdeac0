// Package isr implements the interrupt-mitigation pipeline of spec.md
// section 4.9: a work-budgeted batched bottom half shared by the PIO
// and DMA datapaths, differing only in which "do the work" calls it
// invokes (spec.md section 4.10).
//
// Grounded on the teacher's soc/nxp/enet interrupt-driven Rx/Tx pattern
// and internal/reg's Gosched-based cooperative yield idiom: like the
// teacher, this pipeline assumes a single-threaded, cooperatively
// scheduled caller (spec.md section 5) rather than building its own
// locking beneath what reg.Window and the rings already provide.
package isr

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/el3drv/core/reg"
)

// Ops is the generation-specific inner work the bottom half drives.
// The device package's adapters wrap pio.RXPoll (PIO) and
// dmapath.Engine's RXPoll/Reclaim (DMA) to satisfy this interface
// (spec.md section 4.10's capability-selected vtable).
type Ops interface {
	// RXConsume processes up to budget RX completions, returning how
	// many events it actually consumed.
	RXConsume(budget int) (events int)
	// TXReclaim processes up to budget TX completions, returning how
	// many events it actually consumed.
	TXReclaim(budget int) (events int)
	// DrainStats selects the statistics window and reads the counters
	// (spec.md section 4.9's UPDATE_STATS branch).
	DrainStats()
	// HandleFatal reacts to ADAPTER_FAIL (mark the device FAILED,
	// trigger failover); the bottom half stops processing this
	// invocation once it returns.
	HandleFatal()
}

// Config is the tunable policy of spec.md section 3's InterruptMitigation
// context.
type Config struct {
	Enabled   bool
	// WorkBudget is the maximum events processed per ISR invocation
	// (spec.md section 3: default 32, tunable 4-64).
	WorkBudget int
	// MinBatch is the event count below which the bottom half never
	// yields early.
	MinBatch int
	// YieldIntervalUS is spec.md section 3's yield_interval_us: the
	// minimum spacing, in microseconds, between cooperative yields once
	// MinBatch has been reached within one invocation.
	YieldIntervalUS int
}

// DefaultConfig returns spec.md section 3's stated defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, WorkBudget: 32, MinBatch: 4, YieldIntervalUS: 50}
}

// RateLimiter builds the *rate.Limiter NewContext expects, paced at one
// yield per cfg.YieldIntervalUS with a burst of 1: a single invocation
// that clears MinBatch gets at most one cooperative yield before the
// next one is refused and counted as an emergency break.
func (cfg Config) RateLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Duration(cfg.YieldIntervalUS)*time.Microsecond), 1)
}

// Stats mirrors spec.md section 3's InterruptMitigation running
// counters exactly.
type Stats struct {
	TotalInterrupts       uint64
	BatchedInterrupts     uint64
	EventsProcessed       uint64
	MaxEventsPerInterrupt uint64
	WorkLimitHits         uint64
	CPUYields             uint64
	EmergencyBreaks       uint64
	ProcessingErrors      uint64
	SpuriousInterrupts    uint64
}

// Context binds one device's mitigation config, stats and yield limiter
// together (spec.md section 3: one InterruptMitigation context per
// device). Limiter paces CPUYields the way the teacher paces polling
// loops with runtime.Gosched, but with an explicit rate rather than a
// bare busy-spin, so a hosted build under real load does not spin the
// CPU between batches.
type Context struct {
	Config  Config
	Stats   Stats
	Limiter *rate.Limiter

	consecutiveStalls int
}

// NewContext builds a Context with cfg and a yield limiter pacing at
// most one cooperative yield per interval.
func NewContext(cfg Config, yieldInterval func() *rate.Limiter) *Context {
	var limiter *rate.Limiter
	if yieldInterval != nil {
		limiter = yieldInterval()
	}
	return &Context{Config: cfg, Limiter: limiter}
}

// pending status bits (spec.md section 4.9's bottom half pseudocode).
const pendingMask = 1<<reg.StatusUpComplete | 1<<reg.StatusDnComplete | 1<<reg.StatusUpdateStats | 1<<reg.StatusRxEarly | 1<<reg.StatusAdapterFail

// Dispatch runs one ISR invocation's batched bottom half against w and
// ops, implementing spec.md section 4.9's loop verbatim: RX before TX,
// ack after work, bounded by WorkBudget, with the min_batch emergency
// break and spurious-interrupt handling.
func (c *Context) Dispatch(w *reg.Window, ops Ops) {
	c.Stats.TotalInterrupts++

	status := w.Status()
	if status == 0 {
		c.Stats.SpuriousInterrupts++
		w.AckIntr(0)
		return
	}

	eventsThisCall := 0
	batched := false

	for eventsThisCall < c.Config.WorkBudget {
		status = w.Status()
		pending := status & pendingMask
		if pending == 0 {
			break
		}

		if pending&(1<<reg.StatusAdapterFail) != 0 {
			ops.HandleFatal()
			w.AckIntr(pending)
			break
		}

		remaining := c.Config.WorkBudget - eventsThisCall

		if pending&(1<<reg.StatusUpComplete) != 0 {
			eventsThisCall += ops.RXConsume(remaining)
			remaining = c.Config.WorkBudget - eventsThisCall
		}
		if remaining > 0 && pending&(1<<reg.StatusDnComplete) != 0 {
			eventsThisCall += ops.TXReclaim(remaining)
		}
		if pending&(1<<reg.StatusUpdateStats) != 0 {
			ops.DrainStats()
		}

		w.AckIntr(uint16(pending))

		if eventsThisCall >= c.Config.WorkBudget {
			c.Stats.WorkLimitHits++
		}

		if eventsThisCall >= c.Config.MinBatch {
			batched = true
			if c.Limiter != nil && !c.Limiter.Allow() {
				c.Stats.EmergencyBreaks++
				break
			}
			c.Stats.CPUYields++
		}
	}

	c.Stats.EventsProcessed += uint64(eventsThisCall)
	if uint64(eventsThisCall) > c.Stats.MaxEventsPerInterrupt {
		c.Stats.MaxEventsPerInterrupt = uint64(eventsThisCall)
	}
	if batched {
		c.Stats.BatchedInterrupts++
	}
}
