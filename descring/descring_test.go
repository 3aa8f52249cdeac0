package descring

import (
	"errors"
	"testing"

	"github.com/el3drv/core/dmamem"
	"github.com/el3drv/core/elerr"
)

func TestTXEnqueueReclaim(t *testing.T) {
	region := dmamem.NewRegion(0, 1024*1024, false)
	ring, err := NewTXRing(region, 4, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idx, err := ring.Enqueue(0x1000, 64, "frame-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ring.FreeCount() != 3 {
		t.Fatalf("expected 3 free descriptors, got %d", ring.FreeCount())
	}

	// adapter marks it complete
	ring.slots[idx].desc.setStatus(ring.slots[idx].desc.status() | StatusDNComplete)

	reclaimed := ring.Reclaim()
	if len(reclaimed) != 1 {
		t.Fatalf("expected 1 reclaimed descriptor, got %d", len(reclaimed))
	}
	if reclaimed[0].Tag != "frame-a" {
		t.Fatalf("expected tag round-trip, got %v", reclaimed[0].Tag)
	}
	if ring.FreeCount() != 4 {
		t.Fatalf("expected all descriptors free after reclaim, got %d", ring.FreeCount())
	}
}

func TestTXRingFullWhenExhausted(t *testing.T) {
	region := dmamem.NewRegion(0, 1024*1024, false)
	ring, err := NewTXRing(region, 2, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := ring.Enqueue(0x1000, 64, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ring.Enqueue(0x2000, 64, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = ring.Enqueue(0x3000, 64, nil)
	if !errors.Is(err, elerr.ErrTxRingFull) {
		t.Fatalf("expected ErrTxRingFull, got %v", err)
	}
}

func TestTXLazyIRQSetsIndicateEveryKth(t *testing.T) {
	region := dmamem.NewRegion(0, 1024*1024, false)
	ring, err := NewTXRing(region, 8, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var indicated []bool
	for i := 0; i < 4; i++ {
		idx, err := ring.Enqueue(0x1000, 64, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		indicated = append(indicated, ring.slots[idx].desc.status()&StatusDNIndicate != 0)
	}

	// with lazyK=4, only the 4th descriptor of the batch requests an interrupt.
	for i, got := range indicated {
		want := i == 3
		if got != want {
			t.Fatalf("descriptor %d: indicate=%v, want %v", i, got, want)
		}
	}
}

func TestRXPollDeliversValidFrameAndRecycles(t *testing.T) {
	region := dmamem.NewRegion(0, 4*1024*1024, false)
	ring, err := NewRXRing(region, 4, 1536)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	slot := &ring.slots[0]
	copy(slot.buf, []byte{0xAA, 0xBB, 0xCC})
	slot.desc.setStatus(60 & StatusLengthMask | StatusUPComplete)

	frames, errs, recycled := ring.Poll(32)
	if errs != 0 {
		t.Fatalf("expected no errors, got %d", errs)
	}
	if !recycled {
		t.Fatal("expected descriptor to be recycled")
	}
	if len(frames) != 1 || len(frames[0]) != 60 {
		t.Fatalf("expected one 60-byte frame, got %v", frames)
	}
	if frames[0][0] != 0xAA {
		t.Fatalf("expected copied frame data, got %v", frames[0][:4])
	}

	// descriptor must be back in adapter-owned state, ready for reuse.
	if slot.desc.status()&StatusUPComplete != 0 {
		t.Fatal("expected UP_COMPLETE to be cleared after recycling")
	}
}

func TestRXPollRejectsOversizeAndUndersizeFrames(t *testing.T) {
	region := dmamem.NewRegion(0, 4*1024*1024, false)
	ring, err := NewRXRing(region, 4, 1536)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ring.slots[0].desc.setStatus(1518&StatusLengthMask | StatusUPComplete)
	ring.slots[1].desc.setStatus(10&StatusLengthMask | StatusUPComplete)

	frames, errs, _ := ring.Poll(32)
	if len(frames) != 0 {
		t.Fatalf("expected no valid frames, got %d", len(frames))
	}
	if errs != 2 {
		t.Fatalf("expected 2 errors, got %d", errs)
	}
}

func TestRXPollRespectsWorkBudget(t *testing.T) {
	region := dmamem.NewRegion(0, 4*1024*1024, false)
	ring, err := NewRXRing(region, 8, 1536)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 8; i++ {
		ring.slots[i].desc.setStatus(60&StatusLengthMask | StatusUPComplete)
	}

	frames, _, _ := ring.Poll(3)
	if len(frames) != 3 {
		t.Fatalf("expected exactly 3 frames under budget, got %d", len(frames))
	}

	// remaining descriptors still pending for the next poll.
	more, _, _ := ring.Poll(32)
	if len(more) != 5 {
		t.Fatalf("expected remaining 5 frames on next poll, got %d", len(more))
	}
}
