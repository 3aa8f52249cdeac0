// Package api implements the upstream-facing surface of spec.md section
// 6.3: init(config) -> handle, send, register_receiver, get_stats,
// shutdown. It is the orchestration layer that turns a bus and a
// configuration into a running coordinator.Coordinator full of
// activated device.Device values, and the dispatcher that drains each
// device's received frames to whichever receiver registered for their
// EtherType.
//
// There is no single teacher file this is grounded on; Init's
// enumerate-then-best-effort-init-each loop follows the same shape as
// pcibus.Devices plus generation.LookupPCI/Refine, and Handle's
// receiver dispatch is the same registered-callback-by-key shape
// classify.Classifier uses for protocol demux, generalized from gVisor
// protocol numbers to raw EtherType values.
package api

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/el3drv/core/coordinator"
	"github.com/el3drv/core/device"
	"github.com/el3drv/core/dmamem"
	"github.com/el3drv/core/elerr"
	"github.com/el3drv/core/generation"
	"github.com/el3drv/core/internal/ioport"
	"github.com/el3drv/core/pcibus"
	"github.com/el3drv/core/reg"
)

// Speed is the upstream link-speed preference of spec.md section 6.3's
// Config ("speed: auto|10|100").
type Speed int

const (
	SpeedAuto Speed = iota
	Speed10
	Speed100
)

// Busmaster is the upstream bus-mastering preference of spec.md section
// 6.3's Config ("busmaster: auto|on|off").
type Busmaster int

const (
	BusmasterAuto Busmaster = iota
	BusmasterOn
	BusmasterOff
)

// ISAAdapter names one 3C509B the caller already knows the I/O base and
// IRQ for. Unlike the PCI branch, the 3C509B's ID-port activation
// sequence (spec.md section 4.2 Phase A's ISA branch) is board wiring
// that this core's datapath scope does not perform; a caller that has
// already run that sequence (or read it from board strapping) supplies
// the result here.
type ISAAdapter struct {
	IOBase uint32
	IRQ    int
}

// Route is spec.md section 6.3 Config's static routing table entry:
// Network/Mask are the out-of-scope routing layer's match key, NICID
// names which coordinator slot currently owns it.
type Route struct {
	Network     uint32
	Mask        uint32
	NICID       int
	BackupNICID int
}

// Config is spec.md section 6.3's init(config) argument.
type Config struct {
	// PCIBus, if non-nil, is scanned for every 3Com PCI adapter present
	// (spec.md section 4.2 Phase A's PCI branch).
	PCIBus ioport.Bus

	// ISAAdapters lists pre-activated 3C509B adapters to bring up
	// alongside anything PCIBus discovers.
	ISAAdapters []ISAAdapter

	Speed     Speed
	Busmaster Busmaster

	Routes []Route

	DMARegionBase uint32
	DMARegionSize int

	// DMA is the ring/bounce-pool sizing applied to every DMA-capable
	// device this Init brings up. The zero value selects
	// device.DefaultDMAConfig.
	DMA device.DMAConfig
}

// Receiver is the upstream callback spec.md section 6.3's
// register_receiver installs, invoked from Service (never from
// interrupt context) with the NIC index a frame arrived on and the
// frame itself.
type Receiver func(nicID int, frame []byte)

// Handle is spec.md section 6.3's opaque init() return value. It wraps
// a coordinator.Coordinator rather than a single device.Device: the
// core manages an arbitrary number of adapters (spec.md section 4.8),
// and "handle multiplexing" is named an out-of-scope external
// collaborator concern (spec.md section 1), so this Go surface
// resolves that ambiguity by taking nicID explicitly on every method
// instead of hiding per-adapter routing inside the handle itself.
type Handle struct {
	mu    sync.Mutex
	coord *coordinator.Coordinator

	// receivers maps nicID -> ethertype -> callback. A zero ethertype
	// key means "all frames not matched by a more specific entry",
	// spec.md section 6.3's "register_receiver(handle, ethertype,
	// callback)" taken literally: ethertype 0 is reserved by the
	// Ethernet II standard and unused by any real protocol, so it is
	// safe to repurpose as the wildcard key.
	receivers map[int]map[uint16]Receiver
}

// Init implements spec.md section 6.3's init(config) -> handle: it
// enumerates adapters per cfg, brings each one as far as ACTIVE as it
// can, and registers every one that succeeds with a fresh Coordinator.
// One adapter's detection or initialization failure does not abort the
// others (spec.md section 7's isolation invariant); Init only fails
// outright if cfg itself is invalid or not a single adapter came up.
func Init(cfg Config) (*Handle, error) {
	if len(cfg.Routes) > 0 {
		for _, rt := range cfg.Routes {
			if rt.NICID == rt.BackupNICID {
				return nil, fmt.Errorf("el3: route for nic %d names itself as its own backup: %w", rt.NICID, elerr.ErrRouteConflict)
			}
		}
	}

	h := &Handle{
		coord:     coordinator.New(),
		receivers: make(map[int]map[uint16]Receiver),
	}

	var region *dmamem.Region
	wantDMA := cfg.Busmaster != BusmasterOff
	if wantDMA && cfg.DMARegionBase != 0 && cfg.DMARegionSize > 0 {
		region = dmamem.NewRegion(cfg.DMARegionBase, cfg.DMARegionSize, false)
	}

	brought := 0

	if cfg.PCIBus != nil {
		for _, sr := range pcibus.ScanFor3Com(pcibus.AsBus(cfg.PCIBus)) {
			gen, caps, err := generation.LookupPCI(sr.Device.Vendor, sr.Device.DevID)
			if err != nil {
				continue
			}

			if h.bringUp(cfg, cfg.PCIBus, sr.IOBase, sr.IRQ, gen, caps, region, sr.Device) {
				brought++
			}
		}
	}

	for _, isa := range cfg.ISAAdapters {
		gen, caps := generation.LookupISA()
		if h.bringUp(cfg, cfg.PCIBus, isa.IOBase, isa.IRQ, gen, caps, nil, nil) {
			brought++
		}
	}

	if brought == 0 {
		return nil, fmt.Errorf("el3: %w", elerr.ErrNotFound)
	}

	routes := make([]coordinator.Route, len(cfg.Routes))
	for i, rt := range cfg.Routes {
		routes[i] = coordinator.Route{NICID: rt.NICID, BackupNICID: rt.BackupNICID}
	}
	h.coord.SetRoutes(routes)

	return h, nil
}

// bringUp runs one adapter from StateDetected through Phase B
// refinement, PIO/DMA init, filter configuration and Activate,
// registering it with the coordinator on success. It reports whether
// the adapter is now live. pciDev is nil for the ISA branch, which has
// no configuration-space Capabilities List to walk.
func (h *Handle) bringUp(cfg Config, bus ioport.Bus, ioBase uint32, irq int, gen generation.Generation, caps generation.CapabilitySet, region *dmamem.Region, pciDev *pcibus.Device) bool {
	if ioBase == 0 {
		return false
	}

	var currentWindow int = -1
	w := reg.New(bus, ioBase, &currentWindow)

	var capIter generation.CapIter
	if pciDev != nil {
		capIter = func(yield func(id uint8) bool) {
			pciDev.Capabilities(func(_ uint32, hdr pcibus.CapabilityHeader) bool {
				return yield(hdr.ID)
			})
		}
	}

	gen, caps, err := generation.Refine(w, gen, caps, capIter)
	if err != nil {
		return false
	}

	dev, err := device.New(bus, ioBase, irq, gen, caps)
	if err != nil {
		return false
	}

	useDMA := cfg.Busmaster != BusmasterOff && caps.Has(generation.HasBusMaster) && region != nil

	if useDMA {
		dmaCfg := cfg.DMA
		if dmaCfg.TXRingSize == 0 {
			dmaCfg = device.DefaultDMAConfig()
		}
		dmaCfg.PhysOf = func(buf []byte) (uint32, bool) {
			defer func() { recover() }()
			return region.VirtToPhys(buf), true
		}
		if err := dev.InitDMA(region, dmaCfg); err != nil {
			return false
		}
	} else {
		if err := dev.InitPIO(); err != nil {
			return false
		}
	}

	if err := dev.SetFilter(device.FilterStation | device.FilterBroadcast); err != nil {
		return false
	}

	if err := dev.Activate(); err != nil {
		return false
	}

	id, err := h.coord.Add(dev)
	if err != nil {
		return false
	}
	_ = id

	return true
}

// Send implements spec.md section 6.3's send(handle, frame, len) for
// the adapter at nicID.
func (h *Handle) Send(nicID int, frame []byte) error {
	dev, err := h.coord.Get(nicID)
	if err != nil {
		return err
	}
	return dev.Send(frame)
}

// RegisterReceiver implements spec.md section 6.3's
// register_receiver(handle, ethertype, callback). A zero ethertype
// registers the wildcard receiver for nicID.
func (h *Handle) RegisterReceiver(nicID int, ethertype uint16, cb Receiver) error {
	if _, err := h.coord.Get(nicID); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.receivers[nicID]
	if !ok {
		m = make(map[uint16]Receiver)
		h.receivers[nicID] = m
	}
	if _, exists := m[ethertype]; exists {
		return elerr.ErrTypeInUse
	}
	m[ethertype] = cb
	return nil
}

// Service drains up to budget received frames from nicID's device and
// dispatches each to its matching registered receiver (an exact
// ethertype match first, the wildcard entry otherwise), entirely
// outside interrupt context, per spec.md section 4.9's "the upper
// layer drains outside the ISR" discipline. It returns the number of
// frames dispatched.
func (h *Handle) Service(nicID int, budget int) (int, error) {
	dev, err := h.coord.Get(nicID)
	if err != nil {
		return 0, err
	}

	frames, err := dev.RXPoll(budget)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	recvs := h.receivers[nicID]
	h.mu.Unlock()

	dispatched := 0
	for _, f := range frames {
		if len(f) < 14 {
			continue
		}
		etype := binary.BigEndian.Uint16(f[12:14])

		cb, ok := recvs[etype]
		if !ok {
			cb, ok = recvs[0]
		}
		if ok && cb != nil {
			cb(nicID, f)
			dispatched++
		}
	}

	return dispatched, nil
}

// GetStats implements spec.md section 6.3's get_stats(handle).
func (h *Handle) GetStats(nicID int) (device.Stats, error) {
	dev, err := h.coord.Get(nicID)
	if err != nil {
		return device.Stats{}, err
	}
	return dev.GetStats(), nil
}

// HandleInterrupt forwards to the named device's ISR entry point; the
// out-of-scope INT 60h top half calls this once it has identified
// which adapter's IRQ line fired (spec.md section 4.9).
func (h *Handle) HandleInterrupt(nicID int) error {
	dev, err := h.coord.Get(nicID)
	if err != nil {
		return err
	}
	dev.HandleInterrupt()
	return nil
}

// RouteFor resolves route index i to the NIC currently responsible for
// it, after any failover (spec.md section 4.8).
func (h *Handle) RouteFor(i int) (nicID int, ok bool) {
	return h.coord.RouteFor(i)
}

// Shutdown implements spec.md section 6.3's shutdown(handle): it shuts
// down every live adapter the coordinator owns. A failure on one
// adapter does not stop the others from being asked to shut down; the
// first error encountered, if any, is returned after all have been
// attempted.
func (h *Handle) Shutdown() error {
	var first error
	for _, id := range h.coord.All() {
		dev, err := h.coord.Get(id)
		if err != nil {
			continue
		}
		if err := dev.Shutdown(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
