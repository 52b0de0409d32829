// SPI-mode SD/MMC block driver
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

import "github.com/f-secure-foundry/tamago/bits"

// csdLen is the CSD register's fixed length in bytes, clocked in as a data
// block following CMD9 just like a read block.
const csdLen = 16

// csdVersion1 and csdVersion2 are the two CSD_STRUCTURE values this driver
// understands, read from the top two bits of byte 0.
const (
	csdVersion1 = 0
	csdVersion2 = 1
)

// SectorCount reads the card's CSD register via CMD9 and returns its
// capacity in BlockSize sectors.
func (c *Card) SectorCount() (uint64, error) {
	c.Lock()
	defer c.Unlock()

	const op = "sector_count"

	if err := c.requireInitialized(op); err != nil {
		return 0, err
	}

	resp, err := c.command(9, 0)
	if err != nil {
		return 0, newError(op, ErrCommandFailed, err)
	}
	if !resp.ok() {
		c.deselectBestEffort()
		return 0, newError(op, ErrCommandFailed, nil)
	}

	if err := c.awaitStartToken(op, ErrCommandFailed, dataTokenTimeoutMs); err != nil {
		return 0, err
	}

	var csd [csdLen]byte

	if err := c.bus.Tx(c.dummyBlock[:csdLen], csd[:]); err != nil {
		c.deselectBestEffort()
		return 0, newError(op, ErrCommandFailed, err)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.bus.Transfer(0xFF); err != nil {
			c.deselectBestEffort()
			return 0, newError(op, ErrCommandFailed, err)
		}
	}

	if err := c.deselect(); err != nil {
		return 0, newError(op, ErrCommandFailed, err)
	}

	return parseCSD(csd)
}

// parseCSD computes the card's sector count from a raw CSD register. Each
// multi-byte field is assembled into a window word and read out with
// bits.Get, mirroring how the rest of this driver's register math is done.
//
// p108, 5.3 CSD register, SD-PL-7.10.
func parseCSD(csd [csdLen]byte) (uint64, error) {
	switch csd[0] >> 6 {
	case csdVersion1:
		readBlLen := uint32(csd[5] & 0x0F)

		sizeWindow := uint32(csd[6])<<16 | uint32(csd[7])<<8 | uint32(csd[8])
		cSize := bits.Get(&sizeWindow, 6, 0xFFF)

		multWindow := uint32(csd[9])<<8 | uint32(csd[10])
		cSizeMult := bits.Get(&multWindow, 7, 0x07)

		blockNr := uint64(cSize+1) << (cSizeMult + 2)
		blockLen := uint64(1) << readBlLen

		return (blockNr * blockLen) / BlockSize, nil

	case csdVersion2:
		sizeWindow := uint32(csd[7])<<16 | uint32(csd[8])<<8 | uint32(csd[9])
		cSize := bits.Get(&sizeWindow, 0, 0x3FFFFF)

		return uint64(cSize+1) * 1024, nil

	default:
		return 0, newError("sector_count", ErrCommandFailed, nil)
	}
}
