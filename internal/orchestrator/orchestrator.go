// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package orchestrator executes decoded commands against the PED and the key
// repository. Every command produces exactly one response.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toeirei/keyloader/internal/db"
	"github.com/toeirei/keyloader/internal/logging"
	"github.com/toeirei/keyloader/internal/model"
	"github.com/toeirei/keyloader/internal/ped"
	"github.com/toeirei/keyloader/internal/protocol"
)

// State is a step of command handling. Done and Failed are final: a
// successful command ends Responding then Done, a failed one ends in Failed
// after the state it failed in. Both still produce a response.
type State int

const (
	StateReceived State = iota
	StateValidating
	StateExecuting
	StatePersisting
	StateResponding
	StateDone
	StateFailed
)

var stateNames = [...]string{"received", "validating", "executing", "persisting", "responding", "done", "failed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event reports a state transition of the command being handled.
type Event struct {
	Command protocol.CommandCode
	State   State
	Code    protocol.ResponseCode
	Err     error
	At      time.Time
}

// Sealer seals key material for persistence.
type Sealer interface {
	SealHex(plaintextHex string) (model.Envelope, error)
}

// Options tune the orchestrator.
type Options struct {
	// AllowAESDukptDowngrade loads 16 byte AES DUKPT keys on the 3DES path
	// when the device has no AES DUKPT.
	AllowAESDukptDowngrade bool
	// Uninstall removes the receiver application. Nil means unsupported.
	Uninstall func(ctx context.Context) error
	// EventBuffer is the event channel capacity, 64 when zero.
	EventBuffer int
}

// Orchestrator runs one command at a time.
type Orchestrator struct {
	dev    ped.Device
	repo   db.KeyRepository
	sealer Sealer
	opts   Options

	mu      sync.Mutex
	events  chan Event
	dropped atomic.Uint64
	stopped atomic.Bool

	idMu     sync.Mutex
	identity ped.Info
}

// New wires an orchestrator.
func New(dev ped.Device, repo db.KeyRepository, sealer Sealer, opts Options) *Orchestrator {
	n := opts.EventBuffer
	if n <= 0 {
		n = 64
	}
	return &Orchestrator{
		dev:    dev,
		repo:   repo,
		sealer: sealer,
		opts:   opts,
		events: make(chan Event, n),
	}
}

// Events delivers state transitions. Events are dropped when the channel is
// full.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// DroppedEvents counts events nobody drained in time.
func (o *Orchestrator) DroppedEvents() uint64 { return o.dropped.Load() }

// Stopped reports whether a successful uninstall ended service.
func (o *Orchestrator) Stopped() bool { return o.stopped.Load() }

func (o *Orchestrator) emit(ev Event) {
	ev.At = time.Now()
	select {
	case o.events <- ev:
	default:
		o.dropped.Add(1)
	}
}

// run tracks the state of one command.
type run struct {
	o     *Orchestrator
	cmd   protocol.CommandCode
	state State
}

func (r *run) to(s State) {
	r.state = s
	r.o.emit(Event{Command: r.cmd, State: s})
}

// Handle executes cmd and returns its response. A caller arriving while
// another command runs gets DeviceIsBusy immediately.
func (o *Orchestrator) Handle(ctx context.Context, cmd protocol.Command) protocol.Response {
	if !o.mu.TryLock() {
		resp := protocol.Response{Command: cmd.Code(), Code: protocol.RespDeviceIsBusy}
		o.fillIdentity(&resp, true)
		logging.Warnf("orchestrator: %s rejected, device busy", cmd.Code())
		return resp
	}
	defer o.mu.Unlock()

	r := &run{o: o, cmd: cmd.Code()}
	r.to(StateReceived)
	resp, err := o.dispatch(ctx, r, cmd)
	resp.Command = cmd.Code()
	resp.Code = responseCodeFor(err)
	o.fillIdentity(&resp, false)
	if err != nil {
		logging.Warnf("orchestrator: %s failed in %s: %v", cmd.Code(), r.state, err)
		o.emit(Event{Command: r.cmd, State: StateFailed, Code: resp.Code, Err: err})
	} else {
		r.to(StateResponding)
		o.emit(Event{Command: r.cmd, State: StateDone, Code: resp.Code})
	}
	logging.Debugf("orchestrator: %s -> %s", cmd.Code(), resp.Code)
	return resp
}

// fillIdentity sets serial and model. cachedOnly avoids touching the device
// while another command owns it.
func (o *Orchestrator) fillIdentity(resp *protocol.Response, cachedOnly bool) {
	o.idMu.Lock()
	defer o.idMu.Unlock()
	if !cachedOnly {
		if info, err := o.dev.Info(); err == nil {
			o.identity = info
		}
	}
	resp.Serial = o.identity.Serial
	resp.Model = o.identity.Model
}

func (o *Orchestrator) dispatch(ctx context.Context, r *run, cmd protocol.Command) (protocol.Response, error) {
	var resp protocol.Response
	switch c := cmd.(type) {
	case protocol.MalformedCommand:
		r.to(StateValidating)
		return resp, withCode(protocol.RespMalformedCommand, c.Err)
	case protocol.Poll, protocol.ReadSerial:
		return resp, nil
	case protocol.WriteSerial:
		return resp, o.writeSerial(ctx, r, c)
	case protocol.ValidateDeviceBrand:
		return o.validateBrand(r, c)
	case protocol.UninstallApp:
		return resp, o.uninstall(ctx, r)
	case protocol.DeleteKey:
		return resp, o.deleteAtSlot(ctx, r, c.Slot)
	case protocol.DeleteSingleKey:
		return resp, o.deleteSingle(ctx, r, c.Slot, c.KeyType)
	case protocol.DeleteAllKeys:
		return resp, o.deleteAll(ctx, r)
	case protocol.InjectSymmetricKey:
		return o.inject(ctx, r, c)
	}
	return resp, fail(protocol.RespMalformedCommand, "unhandled command %T", cmd)
}

func (o *Orchestrator) audit(ctx context.Context, action, details string) {
	if err := o.repo.LogAction(ctx, action, details); err != nil {
		logging.Errorf("orchestrator: audit %s failed: %v", action, err)
	}
}

func (o *Orchestrator) writeSerial(ctx context.Context, r *run, c protocol.WriteSerial) error {
	r.to(StateValidating)
	if strings.TrimSpace(c.Serial) == "" {
		return fail(protocol.RespSerialWriteFailed, "empty serial")
	}
	r.to(StateExecuting)
	if err := o.dev.WriteSerial(c.Serial); err != nil {
		return withCode(protocol.RespSerialWriteFailed, err)
	}
	r.to(StatePersisting)
	o.audit(ctx, db.ActionWriteSerial, "serial="+c.Serial)
	return nil
}

func (o *Orchestrator) validateBrand(r *run, c protocol.ValidateDeviceBrand) (protocol.Response, error) {
	r.to(StateExecuting)
	info, err := o.dev.Info()
	if err != nil {
		return protocol.Response{}, err
	}
	resp := protocol.Response{Brand: info.Brand}
	if !strings.EqualFold(strings.TrimSpace(c.Brand), strings.TrimSpace(info.Brand)) {
		return resp, fail(protocol.RespDeviceBrandMismatch, "device brand %q, expected %q", info.Brand, c.Brand)
	}
	return resp, nil
}

func (o *Orchestrator) uninstall(ctx context.Context, r *run) error {
	r.to(StateExecuting)
	if o.opts.Uninstall == nil {
		return fail(protocol.RespUninstallFailed, "no uninstall hook configured")
	}
	if err := o.opts.Uninstall(ctx); err != nil {
		o.audit(ctx, db.ActionUninstall, "result=failed")
		return withCode(protocol.RespUninstallFailed, err)
	}
	o.audit(ctx, db.ActionUninstall, "result=ok")
	o.stopped.Store(true)
	logging.Infof("orchestrator: uninstall completed, receiver stops serving")
	return nil
}
