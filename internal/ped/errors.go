// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package ped

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSlot          = errors.New("invalid slot")
	ErrInvalidKeyLength     = errors.New("invalid key length")
	ErrInvalidKSN           = errors.New("invalid ksn")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrKeyNotFound          = errors.New("key not found")
	ErrKCVMismatch          = errors.New("kcv mismatch")
	ErrIntegrity            = errors.New("integrity check failed")
	ErrUnsupported          = errors.New("operation not supported")
	ErrPinEntryTimeout      = errors.New("pin entry timed out")
	ErrPinEntryCancelled    = errors.New("pin entry cancelled")
	ErrHardware             = errors.New("hardware failure")
)

// Error carries the failing operation and the vendor status code next to one
// of the sentinel errors above.
type Error struct {
	Op   string
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("ped %s: %v (code %d)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("ped %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err and an *Error otherwise.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// HardwareError reports a vendor failure with its native status code.
func HardwareError(op string, code int, cause error) error {
	if cause == nil {
		return &Error{Op: op, Code: code, Err: ErrHardware}
	}
	return &Error{Op: op, Code: code, Err: fmt.Errorf("%w: %v", ErrHardware, cause)}
}
