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

// dataStartToken precedes a single-block read or write's 512 data bytes.
const dataStartToken = 0xFE

// multiWriteStartToken precedes each block of a multi-block write.
const multiWriteStartToken = 0xFC

// multiWriteStopToken ends a multi-block write in place of a further start
// token.
const multiWriteStopToken = 0xFD

// dataResponseMask isolates the 3-status-bit field of a write data response
// token; the remaining bits are undefined and must be ignored.
const dataResponseMask = 0x0F

// dataResponseAccepted is the only data response value that does not fail
// the write.
const dataResponseAccepted = 0x05

const (
	dataTokenTimeoutMs   = 200
	writeBusyTimeoutMs   = 500
	maxBlocksPerTransfer = 128
)

// awaitStartToken clocks bytes until dataStartToken appears or timeoutMs
// elapses.
func (c *Card) awaitStartToken(op string, kind ErrorKind, timeoutMs int64) error {
	deadline := c.now() + timeoutMs

	for {
		b, err := c.bus.Transfer(0xFF)
		if err != nil {
			c.deselectBestEffort()
			return newError(op, kind, err)
		}
		if b == dataStartToken {
			return nil
		}
		if c.now() >= deadline {
			c.deselectBestEffort()
			return newError(op, kind, nil)
		}
	}
}

// waitNotBusy clocks 0xFF until the card releases the data line or timeoutMs
// elapses.
func (c *Card) waitNotBusy(op string, kind ErrorKind, timeoutMs int64) error {
	deadline := c.now() + timeoutMs

	for {
		b, err := c.bus.Transfer(0xFF)
		if err != nil {
			c.deselectBestEffort()
			return newError(op, kind, err)
		}
		if b == 0xFF {
			return nil
		}
		if c.now() >= deadline {
			c.deselectBestEffort()
			return newError(op, kind, nil)
		}
	}
}

// ReadBlock reads one BlockSize-byte block at logical block address addr
// into out.
func (c *Card) ReadBlock(addr uint32, out []byte) error {
	c.Lock()
	defer c.Unlock()

	const op = "read_block"

	if len(out) != BlockSize {
		return fmt.Errorf("sdspi: %s: buffer must be %d bytes, got %d", op, BlockSize, len(out))
	}
	if err := c.requireInitialized(op); err != nil {
		return err
	}

	resp, err := c.retryCommand(17, c.blockArg(addr), func(r r1) bool { return r.ok() })
	if err != nil {
		return newError(op, ErrReadBlockFailed, err)
	}
	if !resp.ok() {
		c.deselectBestEffort()
		return newError(op, ErrReadBlockFailed, nil)
	}

	if err := c.awaitStartToken(op, ErrReadBlockFailed, dataTokenTimeoutMs); err != nil {
		return err
	}

	if err := c.bus.Tx(c.dummyBlock[:], out); err != nil {
		c.deselectBestEffort()
		return newError(op, ErrReadBlockFailed, err)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.bus.Transfer(0xFF); err != nil {
			c.deselectBestEffort()
			return newError(op, ErrReadBlockFailed, err)
		}
	}

	if err := c.deselect(); err != nil {
		return newError(op, ErrReadBlockFailed, err)
	}

	return nil
}

// ReadBlocks reads count consecutive blocks starting at addr into out, which
// must be exactly count*BlockSize bytes long. Each block is preceded by its
// own data-start token on the bus, so one is awaited before every block,
// not only the first.
func (c *Card) ReadBlocks(addr uint32, out []byte, count int) error {
	c.Lock()
	defer c.Unlock()

	const op = "read_blocks"

	if count < 1 || count > maxBlocksPerTransfer {
		return fmt.Errorf("sdspi: %s: count must be between 1 and %d, got %d", op, maxBlocksPerTransfer, count)
	}
	if len(out) != BlockSize*count {
		return fmt.Errorf("sdspi: %s: buffer must be %d bytes, got %d", op, BlockSize*count, len(out))
	}
	if err := c.requireInitialized(op); err != nil {
		return err
	}

	resp, err := c.retryCommand(18, c.blockArg(addr), func(r r1) bool { return r.ok() })
	if err != nil {
		return newError(op, ErrReadBlocksFailed, err)
	}
	if !resp.ok() {
		c.deselectBestEffort()
		return newError(op, ErrReadBlocksFailed, nil)
	}

	var timedOut bool
	delivered := 0

	for i := 0; i < count; i++ {
		if err := c.awaitStartToken(op, ErrReadBlocksFailed, dataTokenTimeoutMs); err != nil {
			timedOut = true
			break
		}

		chunk := out[i*BlockSize : (i+1)*BlockSize]

		if err := c.bus.Tx(c.dummyBlock[:], chunk); err != nil {
			c.deselectBestEffort()
			timedOut = true
			break
		}

		var crcErr error
		for j := 0; j < 2; j++ {
			if _, err := c.bus.Transfer(0xFF); err != nil {
				crcErr = err
				break
			}
		}
		if crcErr != nil {
			c.deselectBestEffort()
			timedOut = true
			break
		}

		delivered++
	}

	if !timedOut {
		if err := c.deselect(); err != nil {
			return newError(op, ErrReadBlocksFailed, err)
		}
	}

	if _, err := c.command(12, 0); err != nil {
		return newError(op, ErrReadBlocksFailed, err)
	}

	if timedOut || delivered != count {
		return newError(op, ErrReadBlocksFailed, nil)
	}

	return nil
}

// writeDataBlock clocks token followed by data, two dummy CRC bytes, and the
// card's data response token, then waits for the busy period that follows an
// accepted write. It is shared by WriteBlock and each block of WriteBlocks,
// both of which must mask the response to its low nibble rather than compare
// the whole byte.
func (c *Card) writeDataBlock(op string, kind ErrorKind, token byte, data []byte) error {
	if _, err := c.bus.Transfer(token); err != nil {
		c.deselectBestEffort()
		return newError(op, kind, err)
	}

	if err := c.bus.Tx(data, nil); err != nil {
		c.deselectBestEffort()
		return newError(op, kind, err)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.bus.Transfer(0xFF); err != nil {
			c.deselectBestEffort()
			return newError(op, kind, err)
		}
	}

	dr, err := c.bus.Transfer(0xFF)
	if err != nil {
		c.deselectBestEffort()
		return newError(op, kind, err)
	}
	if dr&dataResponseMask != dataResponseAccepted {
		c.deselectBestEffort()
		return newError(op, kind, nil)
	}

	return c.waitNotBusy(op, kind, writeBusyTimeoutMs)
}

// WriteBlock writes one BlockSize-byte block to logical block address addr.
func (c *Card) WriteBlock(addr uint32, data []byte) error {
	c.Lock()
	defer c.Unlock()

	const op = "write_block"

	if len(data) != BlockSize {
		return fmt.Errorf("sdspi: %s: data must be %d bytes, got %d", op, BlockSize, len(data))
	}
	if err := c.requireInitialized(op); err != nil {
		return err
	}

	resp, err := c.retryCommand(24, c.blockArg(addr), func(r r1) bool { return r.ok() })
	if err != nil {
		return newError(op, ErrWriteBlockFailed, err)
	}
	if !resp.ok() {
		c.deselectBestEffort()
		return newError(op, ErrWriteBlockFailed, nil)
	}

	if err := c.writeDataBlock(op, ErrWriteBlockFailed, dataStartToken, data); err != nil {
		return err
	}

	if err := c.deselect(); err != nil {
		return newError(op, ErrWriteBlockFailed, err)
	}

	return nil
}

// WriteBlocks writes count consecutive blocks starting at addr from data,
// which must be exactly count*BlockSize bytes long. High-capacity cards are
// told the write's block count in advance via ACMD23, which lets the card
// pre-erase the run instead of erasing block-by-block.
func (c *Card) WriteBlocks(addr uint32, data []byte, count int) error {
	c.Lock()
	defer c.Unlock()

	const op = "write_blocks"

	if count < 1 || count > maxBlocksPerTransfer {
		return fmt.Errorf("sdspi: %s: count must be between 1 and %d, got %d", op, maxBlocksPerTransfer, count)
	}
	if len(data) != BlockSize*count {
		return fmt.Errorf("sdspi: %s: data must be %d bytes, got %d", op, BlockSize*count, len(data))
	}
	if err := c.requireInitialized(op); err != nil {
		return err
	}

	if c.info.HighCapacity {
		if _, err := c.appCommand(23, uint32(count)); err != nil {
			return newError(op, ErrWriteBlocksFailed, err)
		}
	}

	resp, err := c.retryCommand(25, c.blockArg(addr), func(r r1) bool { return r.ok() })
	if err != nil {
		return newError(op, ErrWriteBlocksFailed, err)
	}
	if !resp.ok() {
		c.deselectBestEffort()
		return newError(op, ErrWriteBlocksFailed, nil)
	}

	for i := 0; i < count; i++ {
		chunk := data[i*BlockSize : (i+1)*BlockSize]

		if err := c.writeDataBlock(op, ErrWriteBlocksFailed, multiWriteStartToken, chunk); err != nil {
			return err
		}
	}

	if _, err := c.bus.Transfer(multiWriteStopToken); err != nil {
		c.deselectBestEffort()
		return newError(op, ErrWriteBlocksFailed, err)
	}

	if err := c.waitNotBusy(op, ErrWriteBlocksFailed, writeBusyTimeoutMs); err != nil {
		return err
	}

	if err := c.deselect(); err != nil {
		return newError(op, ErrWriteBlocksFailed, err)
	}

	return nil
}
