package descring

import (
	"fmt"
	"sync"

	"github.com/el3drv/core/dmamem"
)

// rxSlot pairs a descriptor with its permanently owned DMA buffer.
// Unlike TX, RX descriptors own a fixed buffer for their entire
// lifetime (spec.md section 4.6 Initialization): the adapter DMAs into
// it, the host copies out, and the same buffer goes straight back into
// service.
type rxSlot struct {
	desc descriptor
	buf  []byte
	phys uint32
}

// RXRing is the UP (upload/receive) descriptor ring of spec.md section
// 4.6, grounded on the same bufferDescriptorRing shape as TXRing but
// with permanently populated buffers, matching the teacher's RX side of
// soc/nxp/enet/dma.go (BD_RX_ST_E / pop()).
type RXRing struct {
	mu sync.Mutex

	mem     *dmamem.Allocation
	slots   []rxSlot
	size    int
	bufSize int
	head    int

	RXErrors uint64
}

// NewRXRing allocates size descriptors plus size DMA-safe buffers of
// bufSize bytes (>= 1536 per spec.md section 4.6), pre-populating every
// descriptor's buf_phys/length and leaving status=0 (adapter owns every
// slot from the start).
func NewRXRing(region *dmamem.Region, size int, bufSize int) (*RXRing, error) {
	if size <= 0 {
		return nil, fmt.Errorf("el3: rx ring size must be positive")
	}
	if bufSize < 1536 {
		bufSize = 1536
	}

	mem, err := region.Alloc(size*DescriptorSize, DescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("el3: rx ring descriptor allocation failed: %w", err)
	}

	r := &RXRing{
		mem:     mem,
		slots:   make([]rxSlot, size),
		size:    size,
		bufSize: bufSize,
	}

	for i := 0; i < size; i++ {
		buf, err := region.Alloc(bufSize, 32)
		if err != nil {
			return nil, fmt.Errorf("el3: rx buffer allocation %d/%d failed: %w", i, size, err)
		}

		d := descriptor{raw: mem.Virt[i*DescriptorSize : (i+1)*DescriptorSize]}
		next := (i + 1) % size
		d.setNextPhys(mem.Phys + uint32(next*DescriptorSize))
		d.setAddr(buf.Phys)
		d.setLength(uint32(bufSize) | LengthLastFrag)
		d.setStatus(0)

		r.slots[i] = rxSlot{desc: d, buf: buf.Virt, phys: buf.Phys}
	}

	return r, nil
}

// Phys returns the physical address of descriptor i, for programming
// UP_LIST_PTR at initialization.
func (r *RXRing) Phys(i int) uint32 {
	return r.mem.Phys + uint32(i*DescriptorSize)
}

// Poll implements spec.md section 4.6's RX consume pass: drains up to
// budget completed descriptors in ring order, copying each valid frame
// into a freshly allocated slice (the ring keeps ownership of the DMA
// buffer, as spec.md section 4.6 requires) and recycling the descriptor
// immediately. It reports whether any descriptor was recycled, the
// signal the caller uses to decide whether UP_UNSTALL is needed.
//
// errs lumps together both causes a completed descriptor can be
// rejected for: a length outside [14,1514], and StatusUPError, the
// single hardware-reported completion error bit (spec.md section 6.2:
// bit 31 carries no further CRC/framing/overrun breakdown at the
// descriptor level). Device.Stats.RxErrorsLength is what this feeds;
// RxErrorsCRC has no descriptor-level source to draw from, and
// RxErrorsOver is instead drawn from the window 6 RX overrun counter
// (device.dmaISRAdapter.DrainStats), the one sub-cause the hardware
// does expose independently.
func (r *RXRing) Poll(budget int) (frames [][]byte, errs int, recycled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for budget > 0 {
		slot := &r.slots[r.head]
		status := slot.desc.status()
		if status&StatusUPComplete == 0 {
			break
		}

		length := int(status & StatusLengthMask)

		if status&StatusUPError != 0 || length < 14 || length > 1514 {
			errs++
			r.RXErrors++
		} else {
			frame := make([]byte, length)
			copy(frame, slot.buf[:length])
			frames = append(frames, frame)
		}

		slot.desc.setStatus(0)
		slot.desc.setLength(uint32(r.bufSize) | LengthLastFrag)

		r.head = (r.head + 1) % r.size
		recycled = true
		budget--
	}

	return frames, errs, recycled
}
