// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package orchestrator

import (
	"errors"
	"fmt"

	"github.com/toeirei/keyloader/internal/ped"
	"github.com/toeirei/keyloader/internal/protocol"
)

// codedError pins a failure to a response code.
type codedError struct {
	code protocol.ResponseCode
	err  error
}

func (e *codedError) Error() string { return fmt.Sprintf("%s: %v", e.code, e.err) }
func (e *codedError) Unwrap() error { return e.err }

func fail(code protocol.ResponseCode, format string, args ...any) error {
	return &codedError{code: code, err: fmt.Errorf(format, args...)}
}

func withCode(code protocol.ResponseCode, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// responseCodeFor maps any error produced while handling a command to the
// response code sent back. Errors nobody classified report DeviceIsBusy.
func responseCodeFor(err error) protocol.ResponseCode {
	if err == nil {
		return protocol.RespSuccessful
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	switch {
	case errors.Is(err, ped.ErrInvalidSlot):
		return protocol.RespInvalidSlot
	case errors.Is(err, ped.ErrInvalidKeyLength):
		return protocol.RespInvalidKeyLength
	case errors.Is(err, ped.ErrInvalidKSN):
		return protocol.RespInvalidKsn
	case errors.Is(err, ped.ErrUnsupportedAlgorithm), errors.Is(err, ped.ErrUnsupported):
		return protocol.RespUnsupportedAlgorithm
	case errors.Is(err, ped.ErrKCVMismatch), errors.Is(err, ped.ErrIntegrity):
		return protocol.RespKcvMismatch
	case errors.Is(err, ped.ErrKeyNotFound):
		return protocol.RespKtkNotFound
	case errors.Is(err, ped.ErrHardware),
		errors.Is(err, ped.ErrPinEntryTimeout),
		errors.Is(err, ped.ErrPinEntryCancelled):
		return protocol.RespHardwareFailure
	}
	return protocol.RespDeviceIsBusy
}
