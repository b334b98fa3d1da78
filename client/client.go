// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/toeirei/keyloader/internal/model"
	"github.com/toeirei/keyloader/internal/protocol"
)

// ErrRejected wraps every response whose code is not Successful.
var ErrRejected = errors.New("receiver rejected command")

type Client interface {
	// --- Lifecycle ---

	// Close releases the link.
	Close(ctx context.Context) error

	// Send transmits cmd and returns the receiver's response. A response
	// with a failure code is returned together with a *RejectedError.
	Send(ctx context.Context, cmd protocol.Command) (protocol.Response, error)

	// --- Device identity ---

	Poll(ctx context.Context) (protocol.Response, error)

	ReadSerial(ctx context.Context) (string, error)

	WriteSerial(ctx context.Context, serial string) error

	ValidateBrand(ctx context.Context, brand string) error

	// --- Keys ---

	Inject(ctx context.Context, cmd protocol.InjectSymmetricKey) (kcv string, err error)

	DeleteKey(ctx context.Context, slot int) error

	DeleteSingleKey(ctx context.Context, slot int, t model.KeyType) error

	DeleteAllKeys(ctx context.Context) error

	// --- Receiver app ---

	Uninstall(ctx context.Context) error
}

// RejectedError carries the response code of a failed command.
type RejectedError struct {
	Command protocol.CommandCode
	Code    protocol.ResponseCode
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Command, e.Code, e.Code.Wire())
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// CodeOf returns the response code carried by err, if any.
func CodeOf(err error) (protocol.ResponseCode, bool) {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return 0, false
}

func checked(resp protocol.Response, err error) (protocol.Response, error) {
	if err != nil {
		return resp, err
	}
	if !resp.OK() {
		return resp, &RejectedError{Command: resp.Command, Code: resp.Code}
	}
	return resp, nil
}

// sender is the one primitive every Client implementation provides; the
// typed helpers are built on it.
type sender interface {
	Send(ctx context.Context, cmd protocol.Command) (protocol.Response, error)
}

type helpers struct{ s sender }

func (h helpers) Poll(ctx context.Context) (protocol.Response, error) {
	return h.s.Send(ctx, protocol.Poll{})
}

func (h helpers) ReadSerial(ctx context.Context) (string, error) {
	resp, err := h.s.Send(ctx, protocol.ReadSerial{})
	return resp.Serial, err
}

func (h helpers) WriteSerial(ctx context.Context, serial string) error {
	_, err := h.s.Send(ctx, protocol.WriteSerial{Serial: serial})
	return err
}

func (h helpers) ValidateBrand(ctx context.Context, brand string) error {
	_, err := h.s.Send(ctx, protocol.ValidateDeviceBrand{Brand: brand})
	return err
}

func (h helpers) Inject(ctx context.Context, cmd protocol.InjectSymmetricKey) (string, error) {
	resp, err := h.s.Send(ctx, cmd)
	return resp.KCV, err
}

func (h helpers) DeleteKey(ctx context.Context, slot int) error {
	_, err := h.s.Send(ctx, protocol.DeleteKey{Slot: slot})
	return err
}

func (h helpers) DeleteSingleKey(ctx context.Context, slot int, t model.KeyType) error {
	_, err := h.s.Send(ctx, protocol.DeleteSingleKey{Slot: slot, KeyType: t})
	return err
}

func (h helpers) DeleteAllKeys(ctx context.Context) error {
	_, err := h.s.Send(ctx, protocol.DeleteAllKeys{})
	return err
}

func (h helpers) Uninstall(ctx context.Context) error {
	_, err := h.s.Send(ctx, protocol.UninstallApp{})
	return err
}
