// SPI-mode SD/MMC block driver
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

// isPresentLocked reads the card-detect line and compares it against the
// configured active level. The caller must already hold the lock.
func (c *Card) isPresentLocked() (bool, error) {
	if c.cd == nil {
		return true, nil
	}

	level, err := c.cd.Get()
	if err != nil {
		return false, err
	}

	if c.cdActive == ActiveHigh {
		return level, nil
	}
	return !level, nil
}

// IsPresent reports whether the card-detect line currently matches the
// configured active level. It never selects the card and never returns an
// error: a failure to read the line is reported as card not present.
func (c *Card) IsPresent() bool {
	c.Lock()
	defer c.Unlock()

	present, err := c.isPresentLocked()
	if err != nil {
		return false
	}
	return present
}

// IsBusy probes the card's busy line by selecting it and clocking a single
// byte: the card holds the data line low (0x00) while an internal write or
// erase is in progress. Unlike selectCard/deselect used by command
// exchanges, this is an explicit, self-contained probe: it asserts and
// releases chip-select itself and never leaves the card selected, so callers
// may poll it without interleaving state from a command in flight.
func (c *Card) IsBusy() bool {
	c.Lock()
	defer c.Unlock()

	if err := c.selectCard(); err != nil {
		return false
	}
	defer c.deselectBestEffort()

	b, err := c.bus.Transfer(0xFF)
	if err != nil {
		return false
	}

	return b == 0x00
}
