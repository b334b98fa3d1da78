// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/toeirei/keyloader/internal/db"
	"github.com/toeirei/keyloader/internal/envelope"
	"github.com/toeirei/keyloader/internal/i18n"
	"github.com/toeirei/keyloader/internal/logging"
	"github.com/toeirei/keyloader/internal/orchestrator"
	"github.com/toeirei/keyloader/internal/ped"
	"github.com/toeirei/keyloader/internal/ped/devices"
)

// openKeystore is swapped in tests so several commands share one keystore.
var openKeystore = envelope.OpenKeystore

// openDevice is swapped in tests to keep one software PED across commands.
var openDevice = func() (ped.Device, error) { return devices.Open(appConfig.Device, nil) }

func repository() (*db.BunStore, error) {
	s := db.Default()
	if s == nil {
		return nil, errors.New(i18n.T("cli.error_no_db"))
	}
	return s, nil
}

func openVault() (*envelope.Vault, error) {
	ks, err := openKeystore(appConfig.Keystore)
	if err != nil {
		return nil, err
	}
	return envelope.NewVault(ks, appConfig.Keystore.Alias), nil
}

func memoryKeystore() bool {
	k := strings.ToLower(appConfig.Keystore.Kind)
	return k == "" || k == "memory"
}

// receiverVault returns a vault that can seal. A memory keystore without a
// KEK gets a random one for the life of the process.
func receiverVault() (*envelope.Vault, error) {
	v, err := openVault()
	if err != nil {
		return nil, err
	}
	if v.Ready() {
		return v, nil
	}
	if !memoryKeystore() {
		return nil, errors.New(i18n.T("cli.kek.missing", v.Alias()))
	}
	if err := v.Install(memguard.NewEnclaveRandom(envelope.KEKSize)); err != nil {
		return nil, err
	}
	logging.Warnf("%s", i18n.T("cli.kek.ephemeral"))
	return v, nil
}

// uninstallReceiver ends service. The receiver stops after the response to
// the uninstall command has been written.
func uninstallReceiver(ctx context.Context) error {
	logging.Infof("receiver: uninstall requested, stopping service")
	return nil
}

// newReceiver wires the device, repository and vault into an orchestrator.
// The returned function releases the device.
func newReceiver() (*orchestrator.Orchestrator, func(), error) {
	store, err := repository()
	if err != nil {
		return nil, nil, err
	}
	vault, err := receiverVault()
	if err != nil {
		return nil, nil, err
	}
	dev, err := openDevice()
	if err != nil {
		return nil, nil, err
	}
	o := orchestrator.New(dev, store, vault, orchestrator.Options{
		AllowAESDukptDowngrade: appConfig.Injection.AllowAESDukptDowngrade,
		Uninstall:              uninstallReceiver,
	})
	return o, func() { _ = dev.Close() }, nil
}

// drainEvents logs orchestrator state changes until ctx ends.
func drainEvents(ctx context.Context, o *orchestrator.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.Events():
			if ev.Err != nil {
				logging.Debugf("orchestrator: %s %s %s: %v", ev.Command, ev.State, ev.Code, ev.Err)
				continue
			}
			logging.Debugf("orchestrator: %s %s", ev.Command, ev.State)
		}
	}
}
