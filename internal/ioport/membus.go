package ioport

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MemBus maps a physical register window (a PCI memory BAR, or the
// physical page backing a legacy ISA I/O range on platforms that expose
// it through /dev/mem) and serves Bus reads/writes against it.
//
// This generalizes the teacher's internal/reg.go, which dereferences
// physical addresses directly via unsafe.Pointer because TamaGo runs
// with the MMU disabled or identity-mapped; a hosted process instead
// must go through the kernel's page-cache view of physical memory,
// which is exactly what golang.org/x/sys/unix.Mmap over an opened
// physical-memory file descriptor provides.
type MemBus struct {
	f    *os.File
	mem  []byte
	base int64
}

// OpenMemBus mmaps size bytes of the given physical-memory file (e.g.
// "/dev/mem") starting at physBase, and returns a Bus backed by that
// mapping. The caller owns the returned MemBus and must call Close when
// done with the adapter.
func OpenMemBus(path string, physBase int64, size int) (*MemBus, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("ioport: open %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), physBase, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ioport: mmap %s at %#x: %w", path, physBase, err)
	}

	return &MemBus{f: f, mem: mem, base: physBase}, nil
}

// Close unmaps the register window and closes the backing file.
func (b *MemBus) Close() error {
	if b.mem != nil {
		if err := unix.Munmap(b.mem); err != nil {
			return err
		}
		b.mem = nil
	}
	return b.f.Close()
}

func (b *MemBus) Read8(port uint32) uint8 {
	if int(port) >= len(b.mem) {
		return 0xff
	}
	return b.mem[port]
}

func (b *MemBus) Write8(port uint32, val uint8) {
	if int(port) >= len(b.mem) {
		return
	}
	b.mem[port] = val
}

func (b *MemBus) Read16(port uint32) uint16 {
	if int(port)+2 > len(b.mem) {
		return 0xffff
	}
	return binary.LittleEndian.Uint16(b.mem[port:])
}

func (b *MemBus) Write16(port uint32, val uint16) {
	if int(port)+2 > len(b.mem) {
		return
	}
	binary.LittleEndian.PutUint16(b.mem[port:], val)
}

func (b *MemBus) Read32(port uint32) uint32 {
	if int(port)+4 > len(b.mem) {
		return 0xffffffff
	}
	return binary.LittleEndian.Uint32(b.mem[port:])
}

func (b *MemBus) Write32(port uint32, val uint32) {
	if int(port)+4 > len(b.mem) {
		return
	}
	binary.LittleEndian.PutUint32(b.mem[port:], val)
}
