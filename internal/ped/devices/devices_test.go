// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package devices

import (
	"errors"
	"testing"

	"github.com/toeirei/keyloader/internal/config"
	"github.com/toeirei/keyloader/internal/ped"
)

func TestOpenVariants(t *testing.T) {
	d, err := Open(config.DeviceConfig{Manufacturer: "SOFT-TDES", Serial: "SN42", Brand: "ACME"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	info, err := d.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Serial != "SN42" || info.Brand != "ACME" || info.Manufacturer != "soft-tdes" {
		t.Fatalf("unexpected info %+v", info)
	}
	if d.Capabilities().AESDukpt || d.Capabilities().HardwarePassthrough {
		t.Fatalf("soft-tdes must not report AES DUKPT or pass-through")
	}

	d2, err := Open(config.DeviceConfig{Manufacturer: "soft"}, nil)
	if err != nil {
		t.Fatalf("Open soft: %v", err)
	}
	defer d2.Close()
	if !d2.Capabilities().AESDukpt || d2.Capabilities().KeySlots.Max != 99 {
		t.Fatalf("soft capabilities wrong: %+v", d2.Capabilities())
	}
}

func TestOpenUnknown(t *testing.T) {
	if _, err := Open(config.DeviceConfig{Manufacturer: "acme"}, nil); !errors.Is(err, ped.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
