package coordinator

import (
	"errors"
	"testing"

	"github.com/el3drv/core/device"
	"github.com/el3drv/core/elerr"
	"github.com/el3drv/core/generation"
	"github.com/el3drv/core/internal/ioport"
)

func newTestDevice(t *testing.T, ioBase uint32, mac [6]byte) *device.Device {
	t.Helper()

	bus := ioport.NewSimBus()
	bus.Seed(ioBase, 0x40)

	d, err := device.New(bus, ioBase, 10, generation.EL3Orig, generation.CapabilitySet{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.MAC = mac
	return d
}

func TestAddAssignsStableIndices(t *testing.T) {
	c := New()

	d0 := newTestDevice(t, 0x300, [6]byte{0, 0, 0, 0, 0, 1})
	d1 := newTestDevice(t, 0x320, [6]byte{0, 0, 0, 0, 0, 2})

	id0, err := c.Add(d0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id1, err := c.Add(d1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id0 == id1 {
		t.Fatalf("expected distinct indices, got %d and %d", id0, id1)
	}
	if c.Count() != 2 {
		t.Fatalf("expected 2 live devices, got %d", c.Count())
	}
}

func TestAddFailsWhenTableFull(t *testing.T) {
	c := New()

	for i := 0; i < MaxDevices; i++ {
		d := newTestDevice(t, uint32(0x300+i*0x20), [6]byte{0, 0, 0, 0, 0, byte(i)})
		if _, err := c.Add(d); err != nil {
			t.Fatalf("unexpected error adding device %d: %v", i, err)
		}
	}

	extra := newTestDevice(t, 0x900, [6]byte{1, 1, 1, 1, 1, 1})
	if _, err := c.Add(extra); err == nil {
		t.Fatal("expected error adding beyond MaxDevices")
	}
}

func TestRemoveNeverReusesSlot(t *testing.T) {
	c := New()

	d0 := newTestDevice(t, 0x300, [6]byte{0, 0, 0, 0, 0, 1})
	id0, err := c.Add(d0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Remove(id0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := c.Get(id0); !errors.Is(err, elerr.ErrDeviceFailed) {
		t.Fatalf("expected ErrDeviceFailed for removed slot, got %v", err)
	}

	d1 := newTestDevice(t, 0x320, [6]byte{0, 0, 0, 0, 0, 2})
	id1, err := c.Add(d1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 == id0 {
		t.Fatalf("expected Add to skip the removed slot %d, got %d", id0, id1)
	}
}

func TestByMACAndByIOBase(t *testing.T) {
	c := New()

	mac := [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	d := newTestDevice(t, 0x340, mac)
	id, err := c.Add(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gotID, gotDev, ok := c.ByMAC(mac)
	if !ok || gotID != id || gotDev != d {
		t.Fatalf("ByMAC lookup failed: id=%d ok=%v", gotID, ok)
	}

	gotID, gotDev, ok = c.ByIOBase(0x340)
	if !ok || gotID != id || gotDev != d {
		t.Fatalf("ByIOBase lookup failed: id=%d ok=%v", gotID, ok)
	}

	if _, _, ok := c.ByMAC([6]byte{1, 2, 3, 4, 5, 6}); ok {
		t.Fatal("expected no match for unknown mac")
	}
}

func TestByTypeFiltersByGeneration(t *testing.T) {
	c := New()

	bus := ioport.NewSimBus()
	bus.Seed(0x300, 0x40)
	el3, err := device.New(bus, 0x300, 10, generation.EL3Orig, generation.CapabilitySet{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vortex, err := device.New(bus, 0x320, 11, generation.Vortex, generation.CapabilitySet{Flags: generation.HasPermanentWindow1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := c.Add(el3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Add(vortex); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids := c.ByType(generation.Vortex)
	if len(ids) != 1 {
		t.Fatalf("expected 1 VORTEX device, got %d", len(ids))
	}
}

func TestFailoverRetargetsRoutes(t *testing.T) {
	c := New()

	primary := newTestDevice(t, 0x300, [6]byte{0, 0, 0, 0, 0, 1})
	backup := newTestDevice(t, 0x320, [6]byte{0, 0, 0, 0, 0, 2})

	primaryID, err := c.Add(primary)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	backupID, err := c.Add(backup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.SetRoutes([]Route{{NICID: primaryID, BackupNICID: backupID}})

	if nicID, ok := c.RouteFor(0); !ok || nicID != primaryID {
		t.Fatalf("expected route to point at primary before failure, got nic=%d ok=%v", nicID, ok)
	}

	primary.OnFail(primary)

	nicID, ok := c.RouteFor(0)
	if !ok || nicID != backupID {
		t.Fatalf("expected route retargeted to backup, got nic=%d ok=%v", nicID, ok)
	}
}
