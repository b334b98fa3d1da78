// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package ped

import (
	"context"
	"sync"
	"time"
)

// PinResult is what a keypad listener delivers once.
type PinResult struct {
	Block []byte
	Err   error
}

// PinListener starts a PIN capture. It must call deliver at most once and
// returns a cancel function that aborts the capture.
type PinListener func(deliver func(PinResult)) (cancel func(), err error)

// AwaitPIN turns a callback based PIN capture into one blocking call. The
// first of delivery, timeout or ctx cancellation wins; later deliveries are
// ignored. On timeout or cancellation the listener's cancel is invoked.
func AwaitPIN(ctx context.Context, timeout time.Duration, start PinListener) ([]byte, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch := make(chan PinResult, 1)
	var once sync.Once
	deliver := func(r PinResult) {
		once.Do(func() { ch <- r })
	}

	stop, err := start(deliver)
	if err != nil {
		return nil, Wrap("pin-entry", err)
	}

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, Wrap("pin-entry", r.Err)
		}
		return r.Block, nil
	case <-waitCtx.Done():
		// Close the door before cancelling so a racing delivery is dropped.
		once.Do(func() {})
		if stop != nil {
			stop()
		}
		if ctx.Err() != nil {
			return nil, &Error{Op: "pin-entry", Err: ErrPinEntryCancelled}
		}
		return nil, &Error{Op: "pin-entry", Err: ErrPinEntryTimeout}
	}
}
