// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package ped

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAwaitPINDelivers(t *testing.T) {
	got, err := AwaitPIN(context.Background(), time.Second, func(deliver func(PinResult)) (func(), error) {
		go func() {
			deliver(PinResult{Block: []byte{1, 2}})
			deliver(PinResult{Block: []byte{3}})
		}()
		return func() {}, nil
	})
	if err != nil {
		t.Fatalf("AwaitPIN: %v", err)
	}
	if len(got) != 2 || got[0] != 1 {
		t.Fatalf("unexpected block %x", got)
	}
}

func TestAwaitPINTimeoutCancelsListener(t *testing.T) {
	var cancelled atomic.Bool
	_, err := AwaitPIN(context.Background(), 20*time.Millisecond, func(func(PinResult)) (func(), error) {
		return func() { cancelled.Store(true) }, nil
	})
	if !errors.Is(err, ErrPinEntryTimeout) {
		t.Fatalf("expected ErrPinEntryTimeout, got %v", err)
	}
	if !cancelled.Load() {
		t.Fatalf("listener cancel was not called")
	}
}

func TestAwaitPINParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := AwaitPIN(ctx, time.Minute, func(func(PinResult)) (func(), error) {
		return nil, nil
	})
	if !errors.Is(err, ErrPinEntryCancelled) {
		t.Fatalf("expected ErrPinEntryCancelled, got %v", err)
	}
}

func TestAwaitPINListenerError(t *testing.T) {
	_, err := AwaitPIN(context.Background(), time.Second, func(deliver func(PinResult)) (func(), error) {
		deliver(PinResult{Err: ErrHardware})
		return nil, nil
	})
	var pe *Error
	if !errors.As(err, &pe) || !errors.Is(err, ErrHardware) {
		t.Fatalf("expected wrapped hardware error, got %v", err)
	}
}

func TestErrorFormatting(t *testing.T) {
	err := HardwareError("write-key", 0x31, nil)
	if !errors.Is(err, ErrHardware) {
		t.Fatalf("HardwareError must wrap ErrHardware")
	}
	if err.Error() != "ped write-key: hardware failure (code 49)" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if Wrap("x", nil) != nil {
		t.Fatalf("Wrap(nil) must be nil")
	}
	if Wrap("outer", err) != err {
		t.Fatalf("Wrap must not double wrap *Error")
	}
}

func TestCapabilities(t *testing.T) {
	c := Capabilities{KeySlots: SlotRange{0, 49}}
	if !c.KeySlots.Contains(49) || c.KeySlots.Contains(50) || c.KeySlots.Contains(-1) {
		t.Fatalf("slot range bounds wrong")
	}
}
