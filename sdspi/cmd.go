// SPI-mode SD/MMC block driver
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

import "encoding/binary"

// maxResponseReads bounds the wait for a non-0xFF R1 byte after a command
// frame is sent.
const maxResponseReads = 10

// r1 is a single-byte status reply following every command: bit 0 idle,
// bits 1-6 error flags, bit 7 always 0.
type r1 byte

func (r r1) ok() bool { return byte(r) == 0 }

// crcByte returns the command-specific CRC7+stop-bit byte. CRC checking is
// off after reset in SPI mode, so only CMD0 and CMD8 need a real CRC; every
// other command accepts the literal "CRC disabled" byte.
func crcByte(cmd byte) byte {
	switch cmd {
	case 0:
		return 0x95
	case 8:
		return 0x87
	default:
		return 0x01
	}
}

// leavesSelected reports whether cmd leaves chip-select asserted after its
// R1 response, for the caller to deassert once a data phase completes.
func leavesSelected(cmd byte) bool {
	switch cmd {
	case 9, 58, 17, 18, 24, 25, 38:
		return true
	default:
		return false
	}
}

// blockArg translates a logical block address into the command argument:
// unchanged for high-capacity cards, shifted to a byte offset otherwise.
func (c *Card) blockArg(lba uint32) uint32 {
	if c.info.HighCapacity {
		return lba
	}
	return lba << 9
}

// command assembles and sends a 6-byte command frame, then waits for its R1
// response. Chip-select is asserted before sending and, unless cmd is one
// that leaves the card selected for a data phase, deasserted before this
// function returns.
func (c *Card) command(cmd byte, arg uint32) (r1, error) {
	if err := c.selectCard(); err != nil {
		return 0xFF, err
	}

	c.cmdBuf[0] = 0x40 | cmd
	binary.BigEndian.PutUint32(c.cmdBuf[1:5], arg)
	c.cmdBuf[5] = crcByte(cmd)

	if err := c.bus.Tx(c.cmdBuf[:], nil); err != nil {
		c.deselectBestEffort()
		return 0xFF, err
	}

	if cmd == 12 {
		// CMD12 emits a stuff byte before its response.
		if _, err := c.bus.Transfer(0xFF); err != nil {
			c.deselectBestEffort()
			return 0xFF, err
		}
	}

	resp, err := c.readR1()
	if err != nil {
		c.deselectBestEffort()
		return resp, err
	}

	if !leavesSelected(cmd) {
		if err := c.deselect(); err != nil {
			return resp, err
		}
	}

	return resp, nil
}

// appCommand issues CMD55 followed by the application-specific command acmd,
// per the SD spec's ACMD convention.
func (c *Card) appCommand(acmd byte, arg uint32) (r1, error) {
	if _, err := c.command(55, 0); err != nil {
		return 0xFF, err
	}
	return c.command(acmd, arg)
}

// readR1 reads bytes until one with the high bit clear appears, bounded by
// maxResponseReads. The caller receives 0xFF on timeout.
func (c *Card) readR1() (r1, error) {
	for i := 0; i < maxResponseReads; i++ {
		b, err := c.bus.Transfer(0xFF)
		if err != nil {
			return 0xFF, err
		}
		if b&0x80 == 0 {
			return r1(b), nil
		}
	}
	return 0xFF, newError("command", ErrCommandTimeout, nil)
}

// retryCommand issues cmd/arg up to 10 times, 10ms apart, until the R1
// response satisfies accept, or returns the last response once the bound is
// exhausted.
func (c *Card) retryCommand(cmd byte, arg uint32, accept func(r1) bool) (r1, error) {
	var resp r1
	var err error

	for attempt := 0; attempt < 10; attempt++ {
		resp, err = c.command(cmd, arg)
		if err != nil {
			return resp, err
		}
		if accept(resp) {
			return resp, nil
		}
		c.delay(10)
	}

	return resp, nil
}
