// Package descring implements the descriptor ring engine of spec.md
// section 4.6: physically contiguous TX and RX rings of 16-byte
// fragment descriptors, linked by next_phys pointers, with OWN-bit
// hand-off between adapter and host.
//
// Grounded on the teacher's soc/nxp/enet/dma.go bufferDescriptor /
// bufferDescriptorRing: a descriptor is a small raw byte view into a
// single contiguous DMA allocation (so an array of descriptors never
// fragments the region), decoded/encoded field-by-field with
// encoding/binary rather than cast through a Go struct pointer, plus a
// parallel ring of Go-side buffers. This package generalizes that shape
// to the four-word {next_phys, status, addr, length} layout spec.md
// section 6.2 specifies and to the host/adapter OWN-bit protocol
// spec.md section 4.6 describes (the teacher's MAC toggles a single
// EMPTY/READY bit; EL3 toggles DN_COMPLETE/UP_COMPLETE per direction).
package descring

import "encoding/binary"

const (
	DescriptorSize = 16

	offNextPhys = 0
	offStatus   = 4
	offAddr     = 8
	offLength   = 12
)

// Status register bits (spec.md section 6.2). Bit 31 carries different
// meanings by ring direction: on a TX (DN) descriptor the host sets it
// to request an interrupt on completion; on an RX (UP) descriptor the
// adapter sets it to flag a receive error.
const (
	StatusDNIndicate = 1 << 31
	StatusUPError    = 1 << 31
	StatusDNComplete = 1 << 16
	StatusUPComplete = 1 << 15
	StatusLengthMask = 0x1fff
)

// Length field bits.
const (
	LengthLastFrag = 1 << 31
	LengthSizeMask = 0x1fff
)

// descriptor is a 16-byte little-endian view into a descring-owned DMA
// allocation, matching spec.md section 6.2's wire layout exactly so the
// adapter can read/write it directly.
type descriptor struct {
	raw []byte
}

func (d descriptor) nextPhys() uint32   { return binary.LittleEndian.Uint32(d.raw[offNextPhys:]) }
func (d descriptor) status() uint32     { return binary.LittleEndian.Uint32(d.raw[offStatus:]) }
func (d descriptor) addr() uint32       { return binary.LittleEndian.Uint32(d.raw[offAddr:]) }
func (d descriptor) length() uint32     { return binary.LittleEndian.Uint32(d.raw[offLength:]) }

func (d descriptor) setNextPhys(v uint32) { binary.LittleEndian.PutUint32(d.raw[offNextPhys:], v) }
func (d descriptor) setStatus(v uint32)   { binary.LittleEndian.PutUint32(d.raw[offStatus:], v) }
func (d descriptor) setAddr(v uint32)     { binary.LittleEndian.PutUint32(d.raw[offAddr:], v) }
func (d descriptor) setLength(v uint32)   { binary.LittleEndian.PutUint32(d.raw[offLength:], v) }
