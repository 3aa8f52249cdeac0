// Package device implements the Device entity of spec.md section 3 and
// the capability-selected vtable of section 4.10: the struct every
// other package's primitives are bound to, its state machine, and the
// glue that picks the PIO or DMA operation set for a detected
// generation.
//
// There is no single teacher file this is grounded on; it plays the
// role enet.go's Controller struct plays for the ENET driver (one
// struct per adapter, a window-cached register handle, a lock
// bracketing foreground/interrupt-shared state), generalized across
// five hardware generations instead of one fixed MAC.
package device

import (
	"fmt"
	"sync"

	"github.com/el3drv/core/bounce"
	"github.com/el3drv/core/descring"
	"github.com/el3drv/core/dmamem"
	"github.com/el3drv/core/dmapath"
	"github.com/el3drv/core/eeprom"
	"github.com/el3drv/core/elerr"
	"github.com/el3drv/core/generation"
	"github.com/el3drv/core/internal/ioport"
	"github.com/el3drv/core/isr"
	"github.com/el3drv/core/reg"
)

// State is the Device lifecycle of spec.md section 3.
type State int

const (
	StateUninit State = iota
	StateDetected
	StateInitialized
	StateActive
	StateStalled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "UNINIT"
	case StateDetected:
		return "DETECTED"
	case StateInitialized:
		return "INITIALIZED"
	case StateActive:
		return "ACTIVE"
	case StateStalled:
		return "STALLED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Stats mirrors the Device.stats counters of spec.md section 3, plus
// the FailureReason SPEC_FULL.md section "SUPPLEMENTED FEATURES" adds
// for spec.md section 7's "statistics endpoint exposes the failure
// reason".
type Stats struct {
	TxPackets uint64
	TxBytes   uint64
	RxPackets uint64
	RxBytes   uint64

	TxErrors       uint64
	RxErrorsLength uint64
	RxErrorsCRC    uint64
	RxErrorsOver   uint64

	TxDropped uint64
	RxDropped uint64

	Interrupts         uint64
	SpuriousInterrupts uint64
	Bounces            uint64

	FailureReason string
}

// Filter is the SET_RX_FILTER argument (spec.md section 6.2), the bit
// layout of the real 3c59x family's receive filter register.
type Filter uint8

const (
	FilterStation     Filter = 1 << 0
	FilterMulticast   Filter = 1 << 1
	FilterBroadcast   Filter = 1 << 2
	FilterPromiscuous Filter = 1 << 3
)

// PioState is spec.md section 3's PioState data entity.
type PioState struct {
	TxThreshold         int
	FIFOSize            int
	HasPermanentWindow1 bool
}

// DmaState holds a DMA-capable device's rings and bounce pool (spec.md
// section 3: "datapath_state: either a PIO state struct or a DMA state
// struct; never both").
type DmaState struct {
	Region *dmamem.Region
	TX     *descring.TXRing
	RX     *descring.RXRing
	Engine *dmapath.Engine
	Bounce *bounce.Pool

	ISALimited bool

	// PhysOf resolves a caller-owned TX buffer's physical address, the
	// hosted virt_to_phys pinning service spec.md section 4.4
	// describes. When nil (no pinning service available), every TX
	// buffer is conservatively bounced rather than risk handing the
	// adapter an address we cannot vouch for.
	PhysOf func(buf []byte) (phys uint32, ok bool)

	consecutiveStalls int
}

// Datapath is the tagged variant of spec.md's Design Notes section
// ("DatapathKind = Pio{state} | Dma{rings, bounce_pool}"): exactly one
// of Pio or Dma is non-nil for the lifetime of a Device.
type Datapath struct {
	Pio *PioState
	Dma *DmaState
}

// Ops is the capability-selected vtable of spec.md section 4.10:
// send/rx_poll/isr/set_filter/shutdown, chosen once after detection so
// callers never branch on generation. Initialization is not part of it:
// the caller picks Device.InitPIO or Device.InitDMA.
type Ops interface {
	Send(d *Device, frame []byte) error
	RXPoll(d *Device, budget int) ([][]byte, error)
	HandleInterrupt(d *Device)
	SetFilter(d *Device, filter Filter) error
	Shutdown(d *Device) error
}

// Device is spec.md section 3's central entity: one physical adapter,
// its detected identity, its datapath state, and the vtable bound to
// both.
type Device struct {
	// mu brackets foreground/ISR shared-state read-modify-write
	// sequences, the hosted equivalent of spec.md section 5's
	// interrupt-disable/enable critical section.
	mu sync.Mutex

	IOBase     uint32
	IRQ        int
	Generation generation.Generation
	Caps       generation.CapabilitySet
	MAC        [6]byte

	Window *reg.Window

	currentWindow int

	State         State
	LinkUp        bool
	LinkSpeedMbps int
	FullDuplex    bool

	Stats Stats

	Datapath Datapath
	ISRCtx   *isr.Context

	Ops Ops

	inbox *inbox

	// OnFail is invoked once, with mu not held, the moment the device
	// transitions to StateFailed. The coordinator sets this to drive
	// failover (spec.md section 4.8); it is nil for a standalone
	// Device.
	OnFail func(*Device)
}

// New constructs a Device bound to bus at ioBase, in StateDetected:
// identification (generation.LookupPCI/LookupISA plus Refine) has
// already happened by this point, per spec.md section 4.2's Phase A/B
// split; the caller (api's bring-up path) performs it, not this
// constructor.
func New(bus ioport.Bus, ioBase uint32, irq int, gen generation.Generation, caps generation.CapabilitySet) (*Device, error) {
	if err := generation.Validate(gen, caps); err != nil {
		return nil, err
	}
	if ioBase == 0 {
		return nil, fmt.Errorf("el3: %w", elerr.ErrInvalidIOBase)
	}

	d := &Device{
		IOBase:        ioBase,
		IRQ:           irq,
		Generation:    gen,
		Caps:          caps,
		currentWindow: -1,
		State:         StateDetected,
		inbox:         newInbox(256),
	}
	d.Window = reg.New(bus, ioBase, &d.currentWindow)
	isrCfg := isr.DefaultConfig()
	d.ISRCtx = isr.NewContext(isrCfg, isrCfg.RateLimiter)
	d.Ops = selectOps(gen)

	return d, nil
}

// selectOps implements spec.md section 4.10's table: EL3_ORIG and
// VORTEX get the PIO vtable (VORTEX's permanent window 1 only changes
// how cheap Select is, not which Ops are used), BOOMERANG and later get
// the DMA vtable.
func selectOps(gen generation.Generation) Ops {
	if gen >= generation.Boomerang {
		return dmaOps{}
	}
	return pioOps{}
}

// InitPIO finishes initialization for a PIO-generation device: reads
// the MAC from EEPROM and caches the FIFO/threshold tunables spec.md
// section 3's PioState groups together.
func (d *Device) InitPIO() error {
	if d.Datapath.Pio != nil || d.Datapath.Dma != nil {
		return fmt.Errorf("el3: device already initialized")
	}

	mac, err := eeprom.ReadMAC(d.Window, d.Generation)
	if err != nil {
		d.transitionFailed(err)
		return err
	}
	d.MAC = mac

	d.Datapath.Pio = &PioState{
		TxThreshold:         d.Caps.TxThreshold,
		FIFOSize:            d.Caps.FIFOSize,
		HasPermanentWindow1: d.Caps.Has(generation.HasPermanentWindow1),
	}

	d.mu.Lock()
	d.State = StateInitialized
	d.mu.Unlock()

	return nil
}

// DMAConfig bundles the ring/bounce-pool sizing spec.md section 4.6's
// Initialization narrative leaves as adapter-tunable parameters ("TX=16,
// RX=32" typical).
type DMAConfig struct {
	TXRingSize     int
	RXRingSize     int
	RXBufSize      int
	LazyIRQPeriod  int
	BouncePoolSize int
	BounceBufSize  int
	BurstThreshold uint8
	PriorityThresh uint8
	ISALimited     bool
	PhysOf         func(buf []byte) (phys uint32, ok bool)
}

// DefaultDMAConfig returns spec.md section 4.6's stated typical sizes.
// The burst and priority thresholds are 8-bit register values, so they
// are set to 255, the largest value those registers hold.
func DefaultDMAConfig() DMAConfig {
	return DMAConfig{
		TXRingSize:     16,
		RXRingSize:     32,
		RXBufSize:      1536,
		LazyIRQPeriod:  4,
		BouncePoolSize: 16,
		BounceBufSize:  1536,
		BurstThreshold: 255,
		PriorityThresh: 255,
	}
}

// InitDMA finishes initialization for a DMA-generation device: reads
// the MAC, allocates the TX/RX descriptor rings and bounce pool out of
// region, and programs the bus-master list pointers (spec.md section
// 4.6 Initialization).
func (d *Device) InitDMA(region *dmamem.Region, cfg DMAConfig) error {
	if d.Datapath.Pio != nil || d.Datapath.Dma != nil {
		return fmt.Errorf("el3: device already initialized")
	}
	if !d.Caps.Has(generation.HasBusMaster) {
		return fmt.Errorf("el3: generation %s has no bus-master engine", d.Generation)
	}

	mac, err := eeprom.ReadMAC(d.Window, d.Generation)
	if err != nil {
		d.transitionFailed(err)
		return err
	}

	tx, err := descring.NewTXRing(region, cfg.TXRingSize, cfg.LazyIRQPeriod)
	if err != nil {
		d.transitionFailed(err)
		return err
	}
	rx, err := descring.NewRXRing(region, cfg.RXRingSize, cfg.RXBufSize)
	if err != nil {
		d.transitionFailed(err)
		return err
	}
	pool, err := bounce.NewPool(region, cfg.BouncePoolSize, cfg.BounceBufSize)
	if err != nil {
		d.transitionFailed(err)
		return err
	}

	engine := dmapath.NewEngine(d.Window, tx, rx)
	engine.Init(cfg.BurstThreshold, cfg.PriorityThresh)

	d.MAC = mac
	d.Datapath.Dma = &DmaState{
		Region:     region,
		TX:         tx,
		RX:         rx,
		Engine:     engine,
		Bounce:     pool,
		ISALimited: cfg.ISALimited,
		PhysOf:     cfg.PhysOf,
	}

	d.mu.Lock()
	d.State = StateInitialized
	d.mu.Unlock()

	return nil
}

// Activate transitions an INITIALIZED device to ACTIVE: enables TX/RX
// and statistics collection. Separated from Init so a caller can
// configure the receive filter (SetFilter) before traffic flows.
func (d *Device) Activate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State != StateInitialized {
		return fmt.Errorf("el3: activate called from state %s, want INITIALIZED", d.State)
	}

	d.Window.Command(reg.CmdRxEnable, 0)
	d.Window.Command(reg.CmdTxEnable, 0)
	d.Window.Command(reg.CmdStatsEnable, 0)

	d.State = StateActive
	return nil
}

// transitionFailed marks the device FAILED and records err as the
// failure reason (SPEC_FULL.md's FailureReason supplement to spec.md
// section 7), then notifies OnFail outside the lock so a coordinator's
// failover logic may safely call back into this device (e.g. to read
// Stats) without deadlocking.
func (d *Device) transitionFailed(err error) {
	d.mu.Lock()
	d.State = StateFailed
	if err != nil {
		d.Stats.FailureReason = err.Error()
	}
	d.mu.Unlock()

	if d.OnFail != nil {
		d.OnFail(d)
	}
}

// Failed reports whether the device has transitioned to StateFailed.
func (d *Device) Failed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.State == StateFailed
}

// GetState returns the current lifecycle state.
func (d *Device) GetState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.State
}

// GetStats returns a copy of the device's statistics (spec.md section
// 6.3's get_stats).
func (d *Device) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.Stats
	if d.Datapath.Dma != nil {
		s.Bounces = d.Datapath.Dma.Bounce.CopyCount
	}
	return s
}

// Send implements spec.md section 6.3's send(handle, frame, len), after
// the upstream dispatcher has resolved handle to this Device.
func (d *Device) Send(frame []byte) error {
	if d.Failed() {
		return elerr.ErrDeviceFailed
	}
	if d.GetState() != StateActive {
		return fmt.Errorf("el3: %w", elerr.ErrNoLink)
	}
	return d.Ops.Send(d, frame)
}

// RXPoll drains up to budget received frames posted to this device's
// inbox by the ISR (spec.md section 4.9: "reception is posted to a
// per-device ring that the upper layer drains outside the ISR"), then
// polls the PIO or DMA datapath directly for whatever budget remains
// (see pollWithDirect).
func (d *Device) RXPoll(budget int) ([][]byte, error) {
	if d.Failed() {
		return nil, elerr.ErrDeviceFailed
	}
	return d.Ops.RXPoll(d, budget)
}

// HandleInterrupt is the ISR entry point (spec.md section 4.9's top
// half leads into this), dispatched by the out-of-scope INT 60h layer
// once it has identified which device's IRQ line fired.
func (d *Device) HandleInterrupt() {
	if d.Failed() {
		return
	}
	d.Stats.Interrupts++
	d.Ops.HandleInterrupt(d)
}

// SetFilter implements spec.md section 6.2's SET_RX_FILTER command.
func (d *Device) SetFilter(filter Filter) error {
	if d.Failed() {
		return elerr.ErrDeviceFailed
	}
	return d.Ops.SetFilter(d, filter)
}

// Shutdown implements spec.md section 6.3's shutdown(handle): disables
// TX/RX, leaves the device in StateUninit so a subsequent Init produces
// identical MAC/capabilities (spec.md section 8's init-shutdown-init
// idempotence law).
func (d *Device) Shutdown() error {
	err := d.Ops.Shutdown(d)

	d.mu.Lock()
	d.State = StateUninit
	d.mu.Unlock()

	return err
}

// deliver posts a received frame to the inbox, dropping it and
// counting RxDropped if the inbox is full (spec.md section 4.9's
// bounded, non-reentrant-safe posting discipline).
func (d *Device) deliver(frame []byte) {
	if !d.inbox.push(frame) {
		d.mu.Lock()
		d.Stats.RxDropped++
		d.mu.Unlock()
	}
}

// drain pulls up to budget frames previously posted by deliver.
func (d *Device) drain(budget int) [][]byte {
	return d.inbox.pop(budget)
}

// pollWithDirect implements the shared shape both pioOps.RXPoll and
// dmaOps.RXPoll use: drain whatever the ISR has already posted to the
// inbox first, then fall through to a direct synchronous poll of the
// hardware for the remaining budget. This lets RXPoll serve both a
// purely polling-mode caller (no interrupts ever fire, direct poll does
// all the work) and an interrupt-driven one (the inbox drain picks up
// what the ISR already pulled off the ring) without either path
// starving the other.
func (d *Device) pollWithDirect(budget int, direct func(budget int) ([][]byte, int, error)) ([][]byte, error) {
	drained := d.drain(budget)
	remaining := budget - len(drained)
	if remaining <= 0 {
		return drained, nil
	}

	frames, errs, err := direct(remaining)

	d.mu.Lock()
	d.Stats.RxPackets += uint64(len(frames))
	d.Stats.RxErrorsLength += uint64(errs)
	d.mu.Unlock()

	return append(drained, frames...), err
}
