// Package coordinator implements the multi-NIC coordinator of spec.md
// section 4.8: a bounded device table, enumeration by index/type/MAC/
// I/O base, and failover on fatal error.
//
// Grounded on pcibus.Devices' bus-enumeration shape (walk every slot,
// collect matches into a slice) generalized from "one bus" to "every
// adapter this process manages", and on device.Device's OnFail hook for
// the failover trigger spec.md section 4.8 describes.
package coordinator

import (
	"fmt"
	"sync"

	"github.com/el3drv/core/device"
	"github.com/el3drv/core/elerr"
	"github.com/el3drv/core/generation"
)

// MaxDevices is the coordinator table's bound (spec.md section 4.8:
// "a bounded device table (cap <= 8)").
const MaxDevices = 8

// slotState tracks whether a table entry is live or has been removed,
// so device indices never shift and never get silently reused (spec.md
// section 4.8's invariant: "removal marks a slot as REMOVED rather than
// reusing it").
type slotState int

const (
	slotEmpty slotState = iota
	slotLive
	slotRemoved
)

// Route is one entry of the upstream routing table spec.md section 6.3
// names in api.Config ("routes: [(network, mask, nic_id)]"); the
// coordinator only needs the nic_id and its configured backup to drive
// failover (spec.md section 4.8), the network/mask match is the
// out-of-scope routing layer's job.
type Route struct {
	NICID      int
	BackupNICID int
}

// Coordinator owns every Device the process manages (spec.md section
// 3: "Ownership: Coordinator owns all Devices").
type Coordinator struct {
	mu sync.Mutex

	slots  [MaxDevices]*device.Device
	states [MaxDevices]slotState
	count  int

	routes []Route
}

// New returns an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{}
}

// Add registers dev at the next free table slot, wiring its OnFail hook
// to the coordinator's failover logic. It returns an error if the table
// is full.
func (c *Coordinator) Add(dev *device.Device) (id int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < MaxDevices; i++ {
		if c.states[i] == slotEmpty {
			c.slots[i] = dev
			c.states[i] = slotLive
			c.count++
			dev.OnFail = c.failoverFunc(i)
			return i, nil
		}
	}

	return 0, fmt.Errorf("el3: coordinator table full at %d devices", MaxDevices)
}

// Remove marks id REMOVED. The slot is never reused, so any handle
// still referencing id fails with ErrDeviceFailed-shaped errors rather
// than silently addressing a different adapter (spec.md section 4.8).
func (c *Coordinator) Remove(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id < 0 || id >= MaxDevices || c.states[id] != slotLive {
		return fmt.Errorf("el3: no live device at index %d", id)
	}

	c.states[id] = slotRemoved
	c.count--
	return nil
}

// SetRoutes installs the static route table spec.md section 4.8's
// failover narrative references ("for each static route pointing at
// it, redirect to the configured backup NIC").
func (c *Coordinator) SetRoutes(routes []Route) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes = append([]Route(nil), routes...)
}

// failoverFunc returns the OnFail callback bound to table index id: on
// invocation it retargets every route pointing at id to its configured
// backup.
func (c *Coordinator) failoverFunc(id int) func(*device.Device) {
	return func(*device.Device) {
		c.mu.Lock()
		defer c.mu.Unlock()

		for i := range c.routes {
			if c.routes[i].NICID == id && c.routes[i].BackupNICID != id {
				c.routes[i].NICID = c.routes[i].BackupNICID
			}
		}
	}
}

// RouteFor returns the NIC index currently responsible for route index
// i (post-failover, if any occurred), and whether i is a valid route
// index.
func (c *Coordinator) RouteFor(i int) (nicID int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i < 0 || i >= len(c.routes) {
		return 0, false
	}
	return c.routes[i].NICID, true
}

// Get returns the device at index id, or ErrDeviceFailed if the slot is
// empty or has been removed (spec.md section 4.8: "opening a new handle
// for device i returns DEVICE_FAILED" once i is gone).
func (c *Coordinator) Get(id int) (*device.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id < 0 || id >= MaxDevices || c.states[id] != slotLive {
		return nil, elerr.ErrDeviceFailed
	}
	return c.slots[id], nil
}

// Count returns the number of live (non-removed) devices.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// All returns every live device's table index, in ascending order.
func (c *Coordinator) All() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []int
	for i := 0; i < MaxDevices; i++ {
		if c.states[i] == slotLive {
			ids = append(ids, i)
		}
	}
	return ids
}

// ByMAC finds the live device whose MAC address matches mac (spec.md
// section 4.8's "Enumeration: read-only accessors by ... MAC").
func (c *Coordinator) ByMAC(mac [6]byte) (id int, dev *device.Device, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < MaxDevices; i++ {
		if c.states[i] == slotLive && c.slots[i].MAC == mac {
			return i, c.slots[i], true
		}
	}
	return 0, nil, false
}

// ByIOBase finds the live device at the given I/O base address.
func (c *Coordinator) ByIOBase(ioBase uint32) (id int, dev *device.Device, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < MaxDevices; i++ {
		if c.states[i] == slotLive && c.slots[i].IOBase == ioBase {
			return i, c.slots[i], true
		}
	}
	return 0, nil, false
}

// ByType finds every live device of the given generation.
func (c *Coordinator) ByType(gen generation.Generation) []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []int
	for i := 0; i < MaxDevices; i++ {
		if c.states[i] == slotLive && c.slots[i].Generation == gen {
			ids = append(ids, i)
		}
	}
	return ids
}
