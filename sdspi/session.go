// SPI-mode SD/MMC block driver
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

// selectCard asserts chip-select (active-low).
func (c *Card) selectCard() error {
	return c.cs.Low()
}

// deselect raises chip-select and clocks one dummy byte so the card
// releases its output driver, per the invariant that every operation exit
// leaves exactly one trailing 0xFF clocked after the CS rising edge.
func (c *Card) deselect() error {
	if err := c.cs.High(); err != nil {
		return err
	}
	_, err := c.bus.Transfer(0xFF)
	return err
}

// deselectBestEffort is used on error paths where the original error
// already determines the outcome; a failure to physically deassert CS
// cannot be recovered from here, only reported by the ultimate call site's
// own error, so it is silently attempted.
func (c *Card) deselectBestEffort() {
	_ = c.deselect()
}

// powerUpClocking clocks 15 bytes of 0xFF with chip-select
// deasserted, satisfying the card's power-up clock requirement (at least
// 74 clocks; 15 bytes gives 120).
func (c *Card) powerUpClocking() error {
	if err := c.cs.High(); err != nil {
		return err
	}

	for i := 0; i < 15; i++ {
		if _, err := c.bus.Transfer(0xFF); err != nil {
			return err
		}
	}

	return nil
}
