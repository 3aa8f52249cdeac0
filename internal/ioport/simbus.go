package ioport

import "encoding/binary"

// SimBus is an in-memory register bank used by unit tests and by the
// loopback harness described in spec.md section 8's end-to-end
// scenarios. Addresses never seeded (Seed) or written read back as all-ones,
// matching the real hardware's electrical default for an adapter that
// is not present (spec.md section 4.1).
//
// A WriteHook, when set, is invoked after every write and lets tests
// simulate hardware side effects (e.g. an RX_STATUS register that
// becomes non-empty after a simulated frame arrival, or a command
// register whose CMD_IN_PROGRESS bit self-clears).
type SimBus struct {
	mem     map[uint32]byte
	mapped  map[uint32]bool
	WriteHook func(port uint32, width int, val uint32)
}

// NewSimBus returns an empty simulated register bank.
func NewSimBus() *SimBus {
	return &SimBus{
		mem:    make(map[uint32]byte),
		mapped: make(map[uint32]bool),
	}
}

// Seed pre-loads size bytes starting at port as mapped (present)
// memory, all initialized to zero, so tests can address an arbitrary
// register window without hand-writing every byte.
func (b *SimBus) Seed(port uint32, size int) {
	for i := 0; i < size; i++ {
		p := port + uint32(i)
		if _, ok := b.mem[p]; !ok {
			b.mem[p] = 0
		}
		b.mapped[p] = true
	}
}

func (b *SimBus) Read8(port uint32) uint8 {
	if !b.mapped[port] {
		return 0xff
	}
	return b.mem[port]
}

func (b *SimBus) Write8(port uint32, val uint8) {
	b.mem[port] = val
	b.mapped[port] = true
	if b.WriteHook != nil {
		b.WriteHook(port, 1, uint32(val))
	}
}

func (b *SimBus) Read16(port uint32) uint16 {
	if !b.mapped[port] || !b.mapped[port+1] {
		return 0xffff
	}
	buf := []byte{b.mem[port], b.mem[port+1]}
	return binary.LittleEndian.Uint16(buf)
}

func (b *SimBus) Write16(port uint32, val uint16) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, val)
	b.mem[port], b.mem[port+1] = buf[0], buf[1]
	b.mapped[port], b.mapped[port+1] = true, true
	if b.WriteHook != nil {
		b.WriteHook(port, 2, uint32(val))
	}
}

func (b *SimBus) Read32(port uint32) uint32 {
	for i := uint32(0); i < 4; i++ {
		if !b.mapped[port+i] {
			return 0xffffffff
		}
	}
	buf := []byte{b.mem[port], b.mem[port+1], b.mem[port+2], b.mem[port+3]}
	return binary.LittleEndian.Uint32(buf)
}

func (b *SimBus) Write32(port uint32, val uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, val)
	for i, v := range buf {
		p := port + uint32(i)
		b.mem[p] = v
		b.mapped[p] = true
	}
	if b.WriteHook != nil {
		b.WriteHook(port, 4, val)
	}
}
