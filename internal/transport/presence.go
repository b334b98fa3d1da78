// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.bug.st/serial"

	"github.com/toeirei/keyloader/internal/logging"
)

// ConnState is the link state reported to observers.
type ConnState int

const (
	StateUnknown ConnState = iota
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Detector flips state only after N consecutive readings agree.
type Detector struct {
	need      int
	state     ConnState
	candidate ConnState
	count     int
}

// NewDetector needs n consistent readings per flip; n < 1 means 1.
func NewDetector(n int) *Detector {
	if n < 1 {
		n = 1
	}
	return &Detector{need: n}
}

// State returns the settled state.
func (d *Detector) State() ConnState { return d.state }

// Observe feeds one reading and reports whether the settled state changed.
func (d *Detector) Observe(present bool) (ConnState, bool) {
	reading := StateDisconnected
	if present {
		reading = StateConnected
	}
	if reading == d.state {
		d.count = 0
		return d.state, false
	}
	if reading != d.candidate {
		d.candidate = reading
		d.count = 0
	}
	d.count++
	if d.count < d.need {
		return d.state, false
	}
	d.state = reading
	d.count = 0
	return d.state, true
}

// Probe reports whether the device is currently attached.
type Probe func() (bool, error)

// SerialPresence probes whether name is among the enumerated serial ports.
func SerialPresence(name string) Probe {
	return func() (bool, error) {
		ports, err := serial.GetPortsList()
		if err != nil {
			return false, fmt.Errorf("list serial ports: %w", err)
		}
		return slices.Contains(ports, name), nil
	}
}

// Monitor polls a probe and reports settled state changes.
type Monitor struct {
	probe    Probe
	interval time.Duration
	det      *Detector
}

// NewMonitor polls probe every interval and flips after n agreeing readings.
func NewMonitor(probe Probe, interval time.Duration, n int) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{probe: probe, interval: interval, det: NewDetector(n)}
}

// Run polls until ctx ends, sending each settled change to out. Probe errors
// count as an absent device.
func (m *Monitor) Run(ctx context.Context, out chan<- ConnState) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		present, err := m.probe()
		if err != nil {
			logging.Debugf("transport: presence probe: %v", err)
			present = false
		}
		if s, changed := m.det.Observe(present); changed {
			logging.Infof("transport: device %s", s)
			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
