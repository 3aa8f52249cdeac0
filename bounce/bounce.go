// Package bounce implements the bounce buffer pool of spec.md section
// 4.5: a fixed array of pre-allocated, boundary-safe buffers standing in
// for caller buffers that fail the DMA buffer allocator's constraints
// (dmamem.Region).
//
// Grounded on the teacher's dma.Region Reserve/Release handle discipline
// (dma/dma.go): a fixed-size pool carved once out of a dmamem.Region,
// handed out by handle and returned by handle, rather than allocated and
// freed per packet.
package bounce

import (
	"fmt"
	"sync"

	"github.com/el3drv/core/dmamem"
	"github.com/el3drv/core/elerr"
)

// Direction records which datapath direction owns a bounce buffer.
type Direction int

const (
	DirTX Direction = iota
	DirRX
)

// state is the BouncePool entry lifecycle of spec.md section 4.5.
type state int

const (
	stateFree state = iota
	stateAllocated
	stateInFlight
)

// MinBufferSize is the minimum fixed buffer size spec.md section 4.5
// requires (room for a maximum Ethernet frame).
const MinBufferSize = 1536

// entry is one pool slot.
type entry struct {
	state state

	alloc *dmamem.Allocation

	originalVirt []byte
	originalPhys uint32
	originalLen  int
	direction    Direction
}

// Handle identifies an in-flight or allocated bounce buffer to its
// eventual caller of Release or RXFinish.
type Handle struct {
	idx int
	gen uint32
}

// Pool is the per-adapter BouncePool singleton of spec.md section 3,
// owned by the adapter's DMA state.
type Pool struct {
	mu sync.Mutex

	region     *dmamem.Region
	bufSize    int
	entries    []entry
	generation []uint32 // bumped on release, guards against stale handles
	freeList   []int    // stack of free slot indices

	CopyCount uint64
}

// NewPool carves n fixed-size buffers of at least MinBufferSize bytes
// out of region.
func NewPool(region *dmamem.Region, n int, bufSize int) (*Pool, error) {
	if bufSize < MinBufferSize {
		bufSize = MinBufferSize
	}

	p := &Pool{
		region:     region,
		bufSize:    bufSize,
		entries:    make([]entry, n),
		generation: make([]uint32, n),
	}

	for i := 0; i < n; i++ {
		a, err := region.Alloc(bufSize, 32)
		if err != nil {
			return nil, fmt.Errorf("el3: bounce pool allocation %d/%d failed: %w", i, n, err)
		}
		p.entries[i] = entry{state: stateFree, alloc: a}
		p.freeList = append(p.freeList, i)
	}

	return p, nil
}

func (p *Pool) take() (int, error) {
	if len(p.freeList) == 0 {
		return 0, fmt.Errorf("el3: bounce pool exhausted: %w", elerr.ErrBouncePoolExhausted)
	}
	idx := p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]
	return idx, nil
}

// NeedsBounce reports whether a source buffer at physical address phys
// of the given length violates the DMA constraints spec.md section 4.5
// names: crossing a 64 KiB boundary or exceeding the ISA 16 MiB limit.
func NeedsBounce(phys uint32, length int, isaLimited bool) bool {
	if dmamem.Crosses64KiB(phys, uint32(length)) {
		return true
	}
	if isaLimited && uint64(phys)+uint64(length) > 16*1024*1024 {
		return true
	}
	return false
}

// TX implements bounce_tx: if src/srcPhys needs bouncing, copies src
// into a FREE pool buffer, marks it IN_FLIGHT, and returns the bounce
// buffer's virtual/physical addresses. Otherwise it returns src/srcPhys
// unchanged and bounced is false, meaning the caller owns no pool resource to
// release.
func (p *Pool) TX(src []byte, srcPhys uint32, isaLimited bool) (virt []byte, phys uint32, h Handle, bounced bool, err error) {
	if !NeedsBounce(srcPhys, len(src), isaLimited) {
		return src, srcPhys, Handle{}, false, nil
	}

	virt, phys, h, err = p.bounceNow(src, srcPhys)
	return virt, phys, h, err == nil, err
}

// TXForce always copies src into a bounce buffer, skipping the
// NeedsBounce decision TX makes. It is for callers that cannot resolve
// src's physical address at all (spec.md section 4.4's hosted
// virt_to_phys fallback, "a portable implementation uses a ... host-
// provided pinning service" — when no such service is wired in, every
// buffer is conservatively bounced rather than risk handing the
// adapter an address outside its DMA window).
func (p *Pool) TXForce(src []byte) (virt []byte, phys uint32, h Handle, err error) {
	return p.bounceNow(src, 0)
}

// bounceNow is the shared body of TX's bounce branch and TXForce: take
// a FREE slot, copy src into it, mark it IN_FLIGHT.
func (p *Pool) bounceNow(src []byte, srcPhys uint32) (virt []byte, phys uint32, h Handle, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, err := p.take()
	if err != nil {
		return nil, 0, Handle{}, err
	}

	e := &p.entries[idx]
	if len(src) > p.bufSize {
		p.freeList = append(p.freeList, idx)
		return nil, 0, Handle{}, fmt.Errorf("el3: frame of %d bytes exceeds bounce buffer size %d: %w", len(src), p.bufSize, elerr.ErrTxInvalidLen)
	}

	copy(e.alloc.Virt, src)
	e.state = stateInFlight
	e.originalVirt = src
	e.originalPhys = srcPhys
	e.originalLen = len(src)
	e.direction = DirTX

	p.CopyCount++

	return e.alloc.Virt[:len(src)], e.alloc.Phys, Handle{idx: idx, gen: p.generation[idx]}, nil
}

// Release returns an in-flight or allocated bounce buffer to FREE. It is
// the counterpart to TX's IN_FLIGHT marking, called once the descriptor
// ring has reclaimed the transmission (spec.md section 4.6's TX reclaim
// step).
func (p *Pool) Release(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.idx < 0 || h.idx >= len(p.entries) {
		return
	}
	if p.generation[h.idx] != h.gen {
		return
	}

	e := &p.entries[h.idx]
	if e.state == stateFree {
		return
	}

	e.state = stateFree
	e.originalVirt = nil
	e.originalPhys = 0
	e.originalLen = 0
	p.generation[h.idx]++
	p.freeList = append(p.freeList, h.idx)
}

// RX implements bounce_rx: pre-allocates a FREE buffer so the adapter
// can DMA a received frame into it, marking the slot ALLOCATED.
func (p *Pool) RX() (virt []byte, phys uint32, h Handle, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, err := p.take()
	if err != nil {
		return nil, 0, Handle{}, err
	}

	e := &p.entries[idx]
	e.state = stateAllocated
	e.direction = DirRX

	return e.alloc.Virt, e.alloc.Phys, Handle{idx: idx, gen: p.generation[idx]}, nil
}

// RXFinish implements bounce_rx_finish: copies the bounced frame into
// dst and returns the buffer to FREE.
func (p *Pool) RXFinish(h Handle, dst []byte, length int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.idx < 0 || h.idx >= len(p.entries) {
		return 0, fmt.Errorf("el3: invalid bounce handle")
	}
	if p.generation[h.idx] != h.gen {
		return 0, fmt.Errorf("el3: stale bounce handle")
	}

	e := &p.entries[h.idx]
	if e.state != stateAllocated {
		return 0, fmt.Errorf("el3: bounce handle not in ALLOCATED state")
	}

	n := copy(dst, e.alloc.Virt[:length])
	p.CopyCount++

	e.state = stateFree
	p.generation[h.idx]++
	p.freeList = append(p.freeList, h.idx)

	return n, nil
}

// Available reports the number of FREE buffers, used by statistics and
// tests.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freeList)
}
