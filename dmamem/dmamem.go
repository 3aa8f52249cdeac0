// Package dmamem implements the DMA buffer allocator of spec.md section
// 4.4: allocations that are physically contiguous, below 16 MiB for
// ISA bus-master adapters, never crossing a 64 KiB boundary, and
// aligned to at least 16 bytes (descriptor arrays) or a cache line
// (data buffers).
//
// Grounded on the teacher's dma package (dma/dma.go, dma/alloc.go,
// dma/block.go): a first-fit allocator over a single reserved extent,
// with Reserve/Release semantics for pre-allocated, uninitialized
// buffers. TamaGo's SoCs are not ISA bus-masters so the teacher's
// allocator has no boundary or 16 MiB constraint; this package adds the
// over-allocate-and-slide algorithm spec.md section 4.4 requires on top
// of the same first-fit shape.
package dmamem

import (
	"container/list"
	"fmt"
	"sync"
	"unsafe"

	"github.com/el3drv/core/elerr"
)

const (
	boundarySize   = 64 * 1024
	isaLimit       = 16 * 1024 * 1024
	defaultAlign   = 16
	cacheLineAlign = 32
)

// Allocation is one DMA buffer handed back by Region.Alloc.
type Allocation struct {
	// Virt is the host-addressable view of the buffer.
	Virt []byte
	// Phys is the allocation's simulated physical address, stable for
	// the lifetime of the allocation (spec.md section 4.4).
	Phys uint32

	extentAddr uint32 // start of the extent Free returns (equal to Phys)
	extentSize uint32
}

// Region is a DMA-safe memory arena. One Region typically backs one
// adapter's descriptor rings and bounce pool.
type Region struct {
	mu sync.Mutex

	start      uint32
	backing    []byte
	isaLimited bool

	free *list.List // of block, ordered by address
	used map[uint32]*Allocation
}

// NewRegion creates a Region of size bytes whose simulated physical
// addresses start at start. If isaLimited is true, no allocation's
// bytes may lie at or above 16 MiB (spec.md section 4.4 constraint
// (b)); start should then itself be comfortably below 16 MiB.
func NewRegion(start uint32, size int, isaLimited bool) *Region {
	r := &Region{
		start:      start,
		backing:    make([]byte, size),
		isaLimited: isaLimited,
		free:       list.New(),
		used:       make(map[uint32]*Allocation),
	}
	r.free.PushFront(block{addr: start, size: uint32(size)})
	return r
}

// Alloc returns a new DMA buffer of size bytes satisfying spec.md
// section 4.4's constraints, with alignment at least align (0 means the
// package default of 16 bytes). It overallocates by up to one 64 KiB
// extent and slides the returned window forward to the next
// boundary-safe, aligned position, exactly as spec.md section 4.4
// describes.
func (r *Region) Alloc(size int, align uint32) (*Allocation, error) {
	if size <= 0 {
		return nil, fmt.Errorf("el3: dma alloc size must be positive: %w", elerr.ErrNoDMAMemory)
	}
	if align == 0 {
		align = defaultAlign
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	extent := uint32(size) + boundarySize

	e, b, err := r.findFreeBlock(extent)
	if err != nil {
		return nil, err
	}

	phys := alignUp(b.addr, align)
	if crosses64KiB(phys, uint32(size)) {
		phys = nextBoundary(phys)
		phys = alignUp(phys, align)
	}

	if r.isaLimited && phys+uint32(size) > isaLimit {
		return nil, fmt.Errorf("el3: dma allocation would exceed 16 MiB isa limit: %w", elerr.ErrNoDMAMemory)
	}

	if phys+uint32(size) > b.end() {
		// the slide pushed us past the extent we carved; should not
		// happen given the +64KiB over-allocation, but fail loudly
		// rather than hand back an unsafe buffer.
		r.free.InsertBefore(b, e)
		r.free.Remove(e)
		return nil, fmt.Errorf("el3: dma allocator could not satisfy boundary constraint: %w", elerr.ErrNoDMAMemory)
	}

	r.free.Remove(e)
	r.returnRemainder(b, phys, uint32(size))

	// Only [phys, phys+size) remains outside the free list at this
	// point — the alignment/boundary padding on either side was
	// already handed back by returnRemainder — so that is the extent
	// Free must give back.
	a := &Allocation{
		Virt:       r.slice(phys, uint32(size)),
		Phys:       phys,
		extentAddr: phys,
		extentSize: uint32(size),
	}
	r.used[phys] = a

	return a, nil
}

// findFreeBlock first-fit searches the free list for a block at least
// extent bytes, removing nothing — the caller is responsible for
// consuming it.
func (r *Region) findFreeBlock(extent uint32) (*list.Element, block, error) {
	for e := r.free.Front(); e != nil; e = e.Next() {
		b := e.Value.(block)
		if b.size >= extent {
			return e, b, nil
		}
	}
	return nil, block{}, fmt.Errorf("el3: no free dma extent of %d bytes: %w", extent, elerr.ErrNoDMAMemory)
}

// returnRemainder puts back onto the free list whatever part of b was
// not consumed by [phys, phys+size).
func (r *Region) returnRemainder(b block, phys, size uint32) {
	if phys > b.addr {
		r.insertFree(block{addr: b.addr, size: phys - b.addr})
	}
	usedEnd := phys + size
	if usedEnd < b.end() {
		r.insertFree(block{addr: usedEnd, size: b.end() - usedEnd})
	}
}

func (r *Region) insertFree(b block) {
	for e := r.free.Front(); e != nil; e = e.Next() {
		fb := e.Value.(block)
		if fb.addr > b.addr {
			r.free.InsertBefore(b, e)
			r.defrag()
			return
		}
	}
	r.free.PushBack(b)
	r.defrag()
}

func (r *Region) defrag() {
	var prev *list.Element

	for e := r.free.Front(); e != nil; {
		next := e.Next()

		if prev != nil {
			pb := prev.Value.(block)
			cb := e.Value.(block)
			if pb.end() == cb.addr {
				prev.Value = block{addr: pb.addr, size: pb.size + cb.size}
				r.free.Remove(e)
				e = next
				continue
			}
		}

		prev = e
		e = next
	}
}

// Free releases an allocation, returning [Phys, Phys+size) to the free
// list; the alignment and boundary padding around it was already
// returned by Alloc.
func (r *Region) Free(phys uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.used[phys]
	if !ok {
		return
	}

	delete(r.used, phys)
	r.insertFree(block{addr: a.extentAddr, size: a.extentSize})
}

// VirtToPhys returns the physical address backing a slice previously
// returned by Alloc, matching spec.md section 4.4's virt_to_phys
// contract. It panics if buf was not allocated from this region, the
// same failure mode as an invalid pointer dereference in the freestanding
// original.
func (r *Region) VirtToPhys(buf []byte) uint32 {
	if len(buf) == 0 {
		return 0
	}

	ptr := uintptr(unsafe.Pointer(&buf[0]))
	base := uintptr(unsafe.Pointer(&r.backing[0]))

	if ptr < base || ptr >= base+uintptr(len(r.backing)) {
		panic("el3: virt_to_phys of pointer outside dma region")
	}

	return r.start + uint32(ptr-base)
}

func (r *Region) slice(phys, size uint32) []byte {
	off := phys - r.start
	return r.backing[off : off+size]
}
