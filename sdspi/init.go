// SPI-mode SD/MMC block driver
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

import (
	"encoding/binary"

	"github.com/f-secure-foundry/tamago/bits"
)

// p198, 5.1 OCR register, SD-PL-7.10 — bit 30 signals high-capacity support.
const ocrHCS = 30

// ifCondArg is CMD8's argument: VHS=1 (2.7-3.6V) and the mandatory 0xAA
// check pattern.
const ifCondArg = 0x000001AA

// sdAppOpCondHCS is ACMD41's argument asking the card to report high
// capacity support once ready.
const sdAppOpCondHCS = 0x40000000

// initPollTimeoutMs bounds every busy-poll loop in Init.
const initPollTimeoutMs = 1000

// initPollIntervalMs is the delay between polling attempts.
const initPollIntervalMs = 100

// Init detects card presence, runs the reset and capacity/version probe
// sequence, and leaves the card in a known block-addressed idle state. It
// may be called more than once; each call re-derives Info from scratch.
func (c *Card) Init() error {
	c.Lock()
	defer c.Unlock()

	const op = "init"

	c.initialized = false

	present, err := c.isPresentLocked()
	if err != nil {
		return newError(op, ErrCardNotPresent, err)
	}
	if !present {
		return newError(op, ErrCardNotPresent, nil)
	}

	if err := c.powerUpClocking(); err != nil {
		return newError(op, ErrInitFailed, err)
	}

	if _, err := c.retryCommand(0, 0, func(r r1) bool { return r == 0x01 }); err != nil {
		return newError(op, ErrInitFailed, err)
	}

	info := Info{}

	resp, echo, err := c.sendCMD8()
	if err != nil {
		return newError(op, ErrInitFailed, err)
	}

	if resp == 0x01 {
		// The card echoes CMD8's check pattern back; a mismatch means the
		// exchange was corrupted and the card cannot be trusted to have
		// understood the probe.
		if byte(echo) != byte(ifCondArg&0xFF) {
			return newError(op, ErrInitFailed, nil)
		}

		if err := c.initSDv2(&info); err != nil {
			return newError(op, ErrInitFailed, err)
		}
	} else {
		if err := c.initSDv1OrMMC(&info); err != nil {
			return newError(op, ErrInitFailed, err)
		}
	}

	if err := c.deselect(); err != nil {
		return newError(op, ErrInitFailed, err)
	}

	c.info = info
	c.initialized = true

	return nil
}

// initSDv2 runs the branch taken when CMD8 is accepted: SD physical layer
// spec 2.0 or later, standard or high capacity.
func (c *Card) initSDv2(info *Info) error {
	info.Version = CardVersion2
	info.Kind = CardKindSD

	if err := c.pollUntilZero(func() (r1, error) {
		return c.appCommand(41, sdAppOpCondHCS)
	}, initPollTimeoutMs, initPollIntervalMs); err != nil {
		return err
	}

	hc, err := c.readOCRHighCapacity()
	if err != nil {
		return err
	}
	info.HighCapacity = hc

	if !hc {
		resp, err := c.command(16, BlockSize)
		if err != nil {
			return err
		}
		if !resp.ok() {
			return newError("init", ErrInitFailed, nil)
		}
	}

	return nil
}

// initSDv1OrMMC runs the branch taken when CMD8 is rejected: either an SD
// v1 card or an MMC v3 card, distinguished by ACMD41's first response.
func (c *Card) initSDv1OrMMC(info *Info) error {
	info.Version = CardVersion1

	probe, err := c.appCommand(41, sdAppOpCondHCS)
	if err != nil {
		return err
	}

	if probe <= 1 {
		info.Kind = CardKindSD

		if err := c.pollUntilZero(func() (r1, error) {
			return c.appCommand(41, sdAppOpCondHCS)
		}, initPollTimeoutMs, initPollIntervalMs); err != nil {
			return err
		}
	} else {
		info.Kind = CardKindMMC

		if err := c.pollUntilZero(func() (r1, error) {
			return c.command(1, 0)
		}, initPollTimeoutMs, initPollIntervalMs); err != nil {
			return err
		}
	}

	resp, err := c.command(16, BlockSize)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return newError("init", ErrInitFailed, nil)
	}

	return nil
}

// pollUntilZero repeatedly calls send until it returns R1 0x00 or the
// timeout elapses.
func (c *Card) pollUntilZero(send func() (r1, error), timeoutMs int64, intervalMs int) error {
	deadline := c.now() + timeoutMs

	for {
		resp, err := send()
		if err != nil {
			return err
		}
		if resp == 0 {
			return nil
		}
		if c.now() >= deadline {
			return newError("init", ErrInitFailed, nil)
		}
		c.delay(intervalMs)
	}
}

// sendCMD8 issues the interface condition probe and, when accepted, reads
// its trailing 4-byte echo of the check pattern. CMD8 is handled directly
// rather than through command(), because the card holds the bus selected
// across the R1 response and its R7 echo as a single logical exchange.
func (c *Card) sendCMD8() (r1, uint32, error) {
	if err := c.selectCard(); err != nil {
		return 0xFF, 0, err
	}

	c.cmdBuf[0] = 0x40 | 8
	binary.BigEndian.PutUint32(c.cmdBuf[1:5], ifCondArg)
	c.cmdBuf[5] = crcByte(8)

	if err := c.bus.Tx(c.cmdBuf[:], nil); err != nil {
		c.deselectBestEffort()
		return 0xFF, 0, err
	}

	resp, err := c.readR1()
	if err != nil {
		c.deselectBestEffort()
		return resp, 0, err
	}

	var echo uint32

	if resp == 0x01 {
		var buf [4]byte
		for i := range buf {
			b, err := c.bus.Transfer(0xFF)
			if err != nil {
				c.deselectBestEffort()
				return resp, 0, err
			}
			buf[i] = b
		}
		echo = binary.BigEndian.Uint32(buf[:])
	}

	if err := c.deselect(); err != nil {
		return resp, echo, err
	}

	return resp, echo, nil
}

// readOCRHighCapacity issues CMD58 and reads the 32-bit OCR, reporting
// whether bit 30 (HCS) is set. CMD58 leaves chip-select asserted after its
// R1 response, but the OCR data bytes follow a fresh select/deselect cycle.
func (c *Card) readOCRHighCapacity() (bool, error) {
	resp, err := c.command(58, 0)
	if err != nil {
		return false, err
	}
	if !resp.ok() {
		return false, newError("init", ErrInitFailed, nil)
	}

	if err := c.deselect(); err != nil {
		return false, err
	}
	if err := c.selectCard(); err != nil {
		return false, err
	}
	defer c.deselectBestEffort()

	var ocr [4]byte
	for i := range ocr {
		b, err := c.bus.Transfer(0xFF)
		if err != nil {
			return false, err
		}
		ocr[i] = b
	}

	word := binary.BigEndian.Uint32(ocr[:])

	return bits.Get(&word, ocrHCS, 1) == 1, nil
}
