package dmamem

import "testing"

func TestCrosses64KiB(t *testing.T) {
	cases := []struct {
		addr, size uint32
		want       bool
	}{
		{0x10ffff, 60, true},   // starts 1 byte before the 0x110000 boundary
		{0x110000, 60, false},  // starts exactly on the boundary
		{0x10ff00, 0x100, false}, // ends exactly on the boundary, does not cross
		{0, 0x10000, false},    // exactly one full window
	}

	for _, c := range cases {
		if got := crosses64KiB(c.addr, c.size); got != c.want {
			t.Errorf("crosses64KiB(%#x, %#x) = %v, want %v", c.addr, c.size, got, c.want)
		}
	}
}

func TestAllocNeverCrossesBoundary(t *testing.T) {
	r := NewRegion(0, 4*1024*1024, false)

	sizes := []int{60, 1518, 1536, 17, 4095, 64}
	var allocs []*Allocation

	for i := 0; i < 200; i++ {
		size := sizes[i%len(sizes)]
		a, err := r.Alloc(size, 16)
		if err != nil {
			t.Fatalf("alloc %d failed: %v", i, err)
		}
		if crosses64KiB(a.Phys, uint32(size)) {
			t.Fatalf("allocation %d crosses a 64 KiB boundary: phys=%#x size=%d", i, a.Phys, size)
		}
		if a.Phys%16 != 0 {
			t.Fatalf("allocation %d not 16-byte aligned: phys=%#x", i, a.Phys)
		}
		allocs = append(allocs, a)
	}

	for _, a := range allocs {
		r.Free(a.Phys)
	}
}

func TestAllocRespectsISALimit(t *testing.T) {
	// a region entirely above the 16 MiB line must fail every isa-limited alloc.
	r := NewRegion(isaLimit, 1024*1024, true)

	if _, err := r.Alloc(1500, 16); err == nil {
		t.Fatal("expected allocation above the 16 MiB ISA limit to fail")
	}
}

func TestFreeReturnsExtentForReuse(t *testing.T) {
	r := NewRegion(0, 128*1024, false)

	a, err := r.Alloc(60000, 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Free(a.Phys)

	// the freed extent should be fully reusable by an allocation of
	// roughly the same size.
	if _, err := r.Alloc(60000, 16); err != nil {
		t.Fatalf("expected freed extent to be reusable: %v", err)
	}
}

func TestVirtToPhysRoundTrip(t *testing.T) {
	r := NewRegion(0x200000, 1024*1024, false)

	a, err := r.Alloc(1536, 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := r.VirtToPhys(a.Virt); got != a.Phys {
		t.Fatalf("VirtToPhys = %#x, want %#x", got, a.Phys)
	}
}
