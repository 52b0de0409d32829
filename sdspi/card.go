// SPI-mode SD/MMC block driver
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sdspi implements a driver for SD and MMC memory cards accessed
// over a byte-oriented SPI bus in master mode.
//
// It targets resource-constrained microcontrollers with no operating
// system: the byte-level transport, chip-select and card-detect GPIO lines,
// and the time source are all injected by the caller (see Bus, OutputPin,
// InputPin, Clock, Delay), so the driver itself has no platform dependency
// beyond tinygo.org/x/drivers' SPI contract.
//
// The driver distinguishes SD v1, SD v2 standard-capacity, SD v2
// high-capacity, and MMC v3 cards during Init and adapts command addressing
// (byte offset vs. block index) accordingly.
package sdspi

import (
	"sync"
)

// BlockSize is the fixed block size this driver operates at. Non-high-
// capacity cards are configured for it explicitly via CMD16 during Init.
const BlockSize = 512

// CardVersion identifies the physical layer specification version detected
// during Init.
type CardVersion int

const (
	// CardVersionUnknown is the zero value before Init completes.
	CardVersionUnknown CardVersion = 0
	// CardVersion1 is SD physical layer spec version 1.x or an MMC card.
	CardVersion1 CardVersion = 1
	// CardVersion2 is SD physical layer spec version 2.0 or later.
	CardVersion2 CardVersion = 2
)

// CardKind identifies the card family detected during Init.
type CardKind int

const (
	// CardKindUnknown is the zero value before Init completes.
	CardKindUnknown CardKind = 0
	// CardKindSD is any SD memory card (v1 or v2, standard or high capacity).
	CardKindSD CardKind = 1
	// CardKindMMC is an MMC v3 card.
	CardKindMMC CardKind = 3
)

// Info holds the card properties Init discovers. It is populated exactly
// once per successful Init and is otherwise read-only.
type Info struct {
	Version      CardVersion
	Kind         CardKind
	HighCapacity bool
}

// Card is a handle bound once at construction to a transport and a pair of
// GPIO lines. Its mutable status fields are populated by Init; the handle
// lives for the program's duration and has no teardown operation beyond
// deasserting chip-select, which every operation already does on exit.
type Card struct {
	sync.Mutex

	bus      Bus
	cs       OutputPin
	cd       InputPin
	cdActive ActiveLevel
	now      Clock
	delay    Delay

	initialized bool
	info        Info

	// cmdBuf is reused across commands to avoid per-call allocation on a
	// driver that may run with no heap to spare.
	cmdBuf [6]byte
	// dummyBlock holds 0xFF bytes driven on the bus while clocking in a
	// read block.
	dummyBlock [BlockSize]byte
}

// New binds a Card handle to its transport and pin collaborators. It
// performs no bus traffic; call Init before any block operation.
func New(bus Bus, cs OutputPin, cd InputPin, cdActive ActiveLevel, now Clock, delay Delay) *Card {
	c := &Card{
		bus:      bus,
		cs:       cs,
		cd:       cd,
		cdActive: cdActive,
		now:      now,
		delay:    delay,
	}

	for i := range c.dummyBlock {
		c.dummyBlock[i] = 0xFF
	}

	return c
}

// Info returns the card properties detected by the most recent successful
// Init.
func (c *Card) Info() Info {
	c.Lock()
	defer c.Unlock()

	return c.info
}

// Capacity returns the card's capacity in bytes, derived from SectorCount.
func (c *Card) Capacity() (uint64, error) {
	sectors, err := c.SectorCount()
	if err != nil {
		return 0, err
	}

	return uint64(sectors) * BlockSize, nil
}

func (c *Card) requireInitialized(op string) error {
	if !c.initialized {
		return newError(op, ErrCommandFailed, errNotInitialized)
	}
	return nil
}
