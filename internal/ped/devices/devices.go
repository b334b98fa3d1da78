// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package devices selects the PED adapter for the configured manufacturer.
// It lives outside package ped so adapters can depend on the contract.
package devices

import (
	"fmt"
	"strings"

	"github.com/toeirei/keyloader/internal/config"
	"github.com/toeirei/keyloader/internal/ped"
	"github.com/toeirei/keyloader/internal/ped/softped"
)

// Known lists the accepted manufacturer names.
var Known = []string{softped.Soft.Name, softped.SoftTDES.Name}

// Open returns the adapter for cfg.Manufacturer. keypad may be nil when no
// PIN entry is wired.
func Open(cfg config.DeviceConfig, keypad softped.Keypad) (ped.Device, error) {
	info := ped.Info{Serial: cfg.Serial, Model: cfg.Model, Brand: cfg.Brand}
	opts := []softped.Option{softped.WithInfo(info)}
	if keypad != nil {
		opts = append(opts, softped.WithKeypad(keypad))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Manufacturer)) {
	case softped.Soft.Name:
		return softped.New(softped.Soft, opts...), nil
	case softped.SoftTDES.Name:
		return softped.New(softped.SoftTDES, opts...), nil
	}
	return nil, fmt.Errorf("%w: unknown manufacturer %q (known: %s)", ped.ErrUnsupported, cfg.Manufacturer, strings.Join(Known, ", "))
}
