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
	"errors"
	"fmt"
)

var errNotInitialized = errors.New("card not initialized")

// ErrorKind classifies the failure modes a Card operation can return. It
// backs errors.Is checks instead of string matching.
type ErrorKind int

const (
	// ErrCardNotPresent is returned by Init when the card-detect line does
	// not match the configured active level.
	ErrCardNotPresent ErrorKind = iota
	// ErrCommandTimeout is returned when the command framer exhausts its
	// bounded wait for a non-0xFF response byte.
	ErrCommandTimeout
	// ErrCommandFailed is returned when a command's R1 response carries an
	// error bit that was not expected.
	ErrCommandFailed
	// ErrTimeout is returned by a generic busy-wait that exceeded its
	// configured deadline.
	ErrTimeout
	// ErrInitFailed is returned when ACMD41/CMD1 polling, CMD58, or CMD16
	// fails during Init.
	ErrInitFailed
	// ErrWriteBlockFailed is returned by WriteBlock on rejection or busy
	// timeout.
	ErrWriteBlockFailed
	// ErrWriteBlocksFailed is the WriteBlocks equivalent of ErrWriteBlockFailed.
	ErrWriteBlocksFailed
	// ErrReadBlockFailed is returned by ReadBlock on command rejection or a
	// missing data-start token.
	ErrReadBlockFailed
	// ErrReadBlocksFailed is the ReadBlocks equivalent of ErrReadBlockFailed.
	ErrReadBlocksFailed
	// ErrEraseBlocksFailed is returned when CMD32, CMD33, or CMD38 is
	// rejected, or the post-erase busy-wait times out.
	ErrEraseBlocksFailed
)

var errorKindText = map[ErrorKind]string{
	ErrCardNotPresent:    "card not present",
	ErrCommandTimeout:    "command timeout",
	ErrCommandFailed:     "command failed",
	ErrTimeout:           "timeout",
	ErrInitFailed:        "initialization failed",
	ErrWriteBlockFailed:  "write block failed",
	ErrWriteBlocksFailed: "write blocks failed",
	ErrReadBlockFailed:   "read block failed",
	ErrReadBlocksFailed:  "read blocks failed",
	ErrEraseBlocksFailed: "erase blocks failed",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindText[k]; ok {
		return s
	}
	return "unknown error"
}

// Error wraps an ErrorKind with operation-specific context, preserving the
// kind for errors.Is while still carrying a human-readable cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sdspi: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("sdspi: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the same ErrorKind, satisfying
// errors.Is(err, sdspi.ErrCommandTimeout) without requiring callers to
// unwrap to a concrete *Error.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case ErrorKind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	default:
		return false
	}
}

func newError(op string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Sentinel values for errors.Is(err, sdspi.ErrCardNotPresent) style checks
// against a bare kind without constructing an *Error.
func (k ErrorKind) Error() string { return k.String() }
