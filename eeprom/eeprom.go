// Package eeprom implements the serial EEPROM reader of spec.md section
// 4.3: the read command protocol, per-generation busy timeout, and the
// MAC address double-read validation policy.
//
// Grounded on reg.Window's WaitBit16 (itself adapted from the teacher's
// internal/reg.WaitFor polling idiom) for the busy-wait, and on
// spec.md section 8's invariant that a MAC read twice at init must be
// byte-identical, non-zero and unicast.
package eeprom

import (
	"fmt"
	"time"

	"github.com/el3drv/core/elerr"
	"github.com/el3drv/core/generation"
	"github.com/el3drv/core/reg"
)

const (
	winEEPROM = 0

	offEEPROMCommand = 0x0a
	offEEPROMData    = 0x0c

	cmdRead = 0x80
	busyBit = 0x8000

	// MAC address lives at word offsets 0x0A..0x0C in the EEPROM itself
	// (spec.md section 4.3), a different address space than the
	// register offsets above.
	offMACWord0 = 0x0a
	offMACWord1 = 0x0b
	offMACWord2 = 0x0c

	// offAddrConfig is the 3C509B's "address configuration" EEPROM
	// word; bits 12:14 carry the 3-bit IRQ field spec.md section 9's
	// Open Question resolves via generation.DecodeISAIRQ.
	offAddrConfig  = 0x0d
	addrConfigIRQShift = 12
	addrConfigIRQMask  = 0x7
)

// ReadISAIRQField reads the 3C509B's 3-bit IRQ field out of the address
// configuration EEPROM word, for generation.DecodeISAIRQ to turn into
// an actual ISA IRQ line.
func ReadISAIRQField(w *reg.Window, g generation.Generation) (uint16, error) {
	v, err := Read(w, g, offAddrConfig)
	if err != nil {
		return 0, err
	}
	return (v >> addrConfigIRQShift) & addrConfigIRQMask, nil
}

// Timeout returns the per-generation busy-wait ceiling spec.md section
// 4.3 specifies: 162 microseconds for EL3_ORIG, 200 for everything
// later.
func Timeout(g generation.Generation) time.Duration {
	if g == generation.EL3Orig {
		return 162 * time.Microsecond
	}
	return 200 * time.Microsecond
}

// Read performs eeprom_read(dev, offset) -> u16 (spec.md section 4.3).
func Read(w *reg.Window, g generation.Generation, offset uint8) (uint16, error) {
	w.Select(winEEPROM)
	w.Write16(winEEPROM, offEEPROMCommand, uint16(cmdRead|(offset&0x3f)))

	if !w.WaitBit16(Timeout(g), winEEPROM, offEEPROMCommand, busyBit, 0) {
		return 0, fmt.Errorf("el3: eeprom busy bit never cleared for offset %#x: %w", offset, elerr.ErrEEPROMTimeout)
	}

	return w.Read16(winEEPROM, offEEPROMData), nil
}

// ReadMAC reads the six-byte station address from EEPROM words
// 0x0A..0x0C, each big-endian within the word (spec.md section 4.3),
// reading twice and validating per spec.md section 8's invariant: the
// two reads must be byte-identical, the address must not be all-zeros,
// and bit 0 of the first byte (the multicast bit) must be clear.
func ReadMAC(w *reg.Window, g generation.Generation) ([6]byte, error) {
	first, err := readMACOnce(w, g)
	if err != nil {
		return [6]byte{}, err
	}

	second, err := readMACOnce(w, g)
	if err != nil {
		return [6]byte{}, err
	}

	if first != second {
		return [6]byte{}, fmt.Errorf("el3: eeprom mac address unstable across reads: %w", elerr.ErrMACInvalid)
	}

	if first == ([6]byte{}) {
		return [6]byte{}, fmt.Errorf("el3: eeprom mac address is all-zeros: %w", elerr.ErrMACAllZero)
	}

	if first[0]&0x01 != 0 {
		return [6]byte{}, fmt.Errorf("el3: eeprom mac address has multicast bit set: %w", elerr.ErrMACMulticastBit)
	}

	return first, nil
}

func readMACOnce(w *reg.Window, g generation.Generation) ([6]byte, error) {
	var mac [6]byte

	words := [3]uint8{offMACWord0, offMACWord1, offMACWord2}
	for i, off := range words {
		v, err := Read(w, g, off)
		if err != nil {
			return [6]byte{}, err
		}
		mac[i*2] = byte(v >> 8)
		mac[i*2+1] = byte(v)
	}

	return mac, nil
}
