// SPI-mode SD/MMC block driver
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

import "fmt"

// eraseBusyTimeoutMs bounds the busy-wait following CMD38; an erase spanning
// many blocks can take far longer than a single write.
const eraseBusyTimeoutMs = 30000

// EraseBlocks erases the count blocks starting at addr via CMD32 (erase
// start), CMD33 (erase end), and CMD38 (erase), then waits for the card to
// leave its busy state.
func (c *Card) EraseBlocks(addr uint32, count int) error {
	c.Lock()
	defer c.Unlock()

	const op = "erase_blocks"

	if count < 1 {
		return fmt.Errorf("sdspi: %s: count must be positive, got %d", op, count)
	}
	if err := c.requireInitialized(op); err != nil {
		return err
	}

	start := c.blockArg(addr)
	end := c.blockArg(addr + uint32(count) - 1)

	resp, err := c.command(32, start)
	if err != nil {
		return newError(op, ErrEraseBlocksFailed, err)
	}
	if !resp.ok() {
		return newError(op, ErrEraseBlocksFailed, nil)
	}

	resp, err = c.command(33, end)
	if err != nil {
		return newError(op, ErrEraseBlocksFailed, err)
	}
	if !resp.ok() {
		return newError(op, ErrEraseBlocksFailed, nil)
	}

	resp, err = c.command(38, 0)
	if err != nil {
		return newError(op, ErrEraseBlocksFailed, err)
	}
	if !resp.ok() {
		c.deselectBestEffort()
		return newError(op, ErrEraseBlocksFailed, nil)
	}

	if err := c.waitNotBusy(op, ErrEraseBlocksFailed, eraseBusyTimeoutMs); err != nil {
		return err
	}

	if err := c.deselect(); err != nil {
		return newError(op, ErrEraseBlocksFailed, err)
	}

	return nil
}
