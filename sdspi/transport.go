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
	"tinygo.org/x/drivers"
)

// Bus is the byte-level SPI transport the driver is built on: write a byte
// (blocking), or read a byte while driving 0xFF on the bus (blocking).
// Clock frequency, mode (CPOL=0, CPHA=0), and MSB-first bit order are
// configured externally by whoever constructs the concrete implementation;
// this driver never reconfigures the bus itself.
//
// drivers.SPI (tinygo.org/x/drivers) already describes exactly this
// contract, so it is reused directly rather than reinvented.
type Bus = drivers.SPI

// OutputPin is the chip-select GPIO line. Active-low: Low asserts the card,
// High deasserts it.
type OutputPin interface {
	Low() error
	High() error
}

// InputPin is the card-detect GPIO line.
type InputPin interface {
	// Get returns the raw electrical level of the pin, independent of
	// ActiveLevel polarity.
	Get() (bool, error)
}

// ActiveLevel configures the polarity at which a card-detect input reports
// a card as present.
type ActiveLevel int

const (
	// ActiveLow means the card is present when the pin reads low.
	ActiveLow ActiveLevel = iota
	// ActiveHigh means the card is present when the pin reads high.
	ActiveHigh
)

// Clock returns a monotonic millisecond counter. Wraparound is not assumed
// within a single operation's timeout window.
type Clock func() int64

// Delay blocks the calling goroutine for approximately n milliseconds.
type Delay func(n int)
