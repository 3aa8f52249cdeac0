// Package ioport provides the register access primitive that sits below
// every EL3 register operation: a byte/word/dword capable bus addressed
// by a flat 32-bit "port" number.
//
// On ISA-attached adapters a port is a literal x86 I/O port; on PCI
// adapters it is an offset into a memory-mapped BAR. Both are exposed
// through the same Bus interface so the windowed-register layer above
// (package reg) never has to know which transport it is talking to —
// this mirrors the teacher's own split between a freestanding
// unsafe.Pointer-based register access (internal/reg.reg.go) and its
// asm-backed x86 port primitives (internal/reg/port_amd64.go): both
// reduce to "read/write N bits at an address" and nothing upstream
// cares which implementation answers the call.
package ioport

// Bus is the minimal register access surface every EL3 datapath needs.
// Implementations must satisfy the contract spec.md section 4.1
// describes for register I/O: access never fails at this layer, and a
// read from an address with nothing behind it returns all-ones.
type Bus interface {
	Read8(port uint32) uint8
	Write8(port uint32, val uint8)
	Read16(port uint32) uint16
	Write16(port uint32, val uint16)
	Read32(port uint32) uint32
	Write32(port uint32, val uint32)
}
