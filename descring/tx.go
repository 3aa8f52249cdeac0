package descring

import (
	"fmt"
	"sync"

	"github.com/el3drv/core/dmamem"
	"github.com/el3drv/core/elerr"
)

// txSlot pairs a descriptor with whatever the caller (dmapath) needs to
// remember across the enqueue-to-reclaim lifetime, e.g. a bounce
// buffer handle to release once the adapter is done with it.
type txSlot struct {
	desc descriptor
	tag  interface{}
	used bool
}

// Reclaimed is one descriptor TXRing.Reclaim has taken back from the
// adapter.
type Reclaimed struct {
	Index int
	Tag   interface{}
}

// TXRing is the DN (download/transmit) descriptor ring of spec.md
// section 4.6. Descriptors start owning no buffer (buf_phys=0); each
// Enqueue call supplies an already-DMA-safe physical address, resolved
// by the caller (directly, or via the bounce pool) before the ring ever
// sees it.
type TXRing struct {
	mu sync.Mutex

	mem   *dmamem.Allocation
	slots []txSlot
	size  int

	head, tail int
	freeCount  int

	lazyK       int
	sinceKick   int
}

// NewTXRing allocates size descriptors contiguously and links them into
// a cycle, as spec.md section 4.6 Initialization describes. lazyK is
// the TX-lazy-IRQ period of spec.md section 4.9 (0 disables batching:
// every descriptor requests an interrupt).
func NewTXRing(region *dmamem.Region, size int, lazyK int) (*TXRing, error) {
	if size <= 0 {
		return nil, fmt.Errorf("el3: tx ring size must be positive")
	}

	mem, err := region.Alloc(size*DescriptorSize, DescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("el3: tx ring descriptor allocation failed: %w", err)
	}

	r := &TXRing{
		mem:       mem,
		slots:     make([]txSlot, size),
		size:      size,
		freeCount: size,
		lazyK:     lazyK,
	}

	for i := 0; i < size; i++ {
		d := descriptor{raw: mem.Virt[i*DescriptorSize : (i+1)*DescriptorSize]}
		next := (i + 1) % size
		d.setNextPhys(mem.Phys + uint32(next*DescriptorSize))
		d.setStatus(0)
		d.setAddr(0)
		d.setLength(0)
		r.slots[i] = txSlot{desc: d}
	}

	return r, nil
}

// Phys returns the physical address of descriptor i, for programming
// DN_LIST_PTR at initialization.
func (r *TXRing) Phys(i int) uint32 {
	return r.mem.Phys + uint32(i*DescriptorSize)
}

// FreeCount returns the number of descriptors currently owned by the
// host and not yet enqueued.
func (r *TXRing) FreeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freeCount
}

// Enqueue hands descriptor head to the adapter, writing buf_phys,
// length and status per spec.md section 4.6's TX enqueue steps 2-5. The
// caller has already padded the frame to at least 60 bytes and resolved
// phys to a boundary-safe, below-the-ISA-limit address (directly or via
// bounce). tag is carried to the matching Reclaim entry unchanged.
func (r *TXRing) Enqueue(phys uint32, length int, tag interface{}) (index int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.freeCount == 0 {
		return 0, fmt.Errorf("el3: tx ring full: %w", elerr.ErrTxRingFull)
	}

	index = r.head
	slot := &r.slots[index]

	slot.desc.setAddr(phys)
	slot.desc.setLength(uint32(length) | LengthLastFrag)

	interrupt := r.lazyK <= 1
	r.sinceKick++
	if r.lazyK > 1 && r.sinceKick >= r.lazyK {
		interrupt = true
		r.sinceKick = 0
	}

	st := uint32(length) & StatusLengthMask
	if interrupt {
		st |= StatusDNIndicate
	}
	slot.desc.setStatus(st)

	slot.tag = tag
	slot.used = true

	r.head = (r.head + 1) % r.size
	r.freeCount--

	return index, nil
}

// Reclaim scans from tail for descriptors the adapter has marked
// DN_COMPLETE, clearing and returning them to the host, per spec.md
// section 4.6's TX reclaim pass.
func (r *TXRing) Reclaim() []Reclaimed {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Reclaimed

	for r.tail != r.head {
		slot := &r.slots[r.tail]
		if slot.desc.status()&StatusDNComplete == 0 {
			break
		}

		if slot.used {
			out = append(out, Reclaimed{Index: r.tail, Tag: slot.tag})
		}

		slot.desc.setStatus(0)
		slot.desc.setAddr(0)
		slot.desc.setLength(0)
		slot.tag = nil
		slot.used = false

		r.tail = (r.tail + 1) % r.size
		r.freeCount++
	}

	return out
}

// Pending reports whether any descriptor between tail and head has not
// yet been reclaimed, used by the TX-lazy-IRQ software timer of
// spec.md section 4.9 to decide whether forward progress needs a nudge.
func (r *TXRing) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tail != r.head
}
