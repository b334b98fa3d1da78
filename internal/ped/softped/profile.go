// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package softped

import (
	"github.com/toeirei/keyloader/internal/model"
	"github.com/toeirei/keyloader/internal/ped"
)

// Profile is the capability set a software PED variant reports.
type Profile struct {
	Name  string
	Model string
	Caps  ped.Capabilities
}

var allAlgorithms = []model.Algorithm{
	model.AlgDES, model.AlgTDES2, model.AlgTDES3,
	model.AlgAES128, model.AlgAES192, model.AlgAES256,
	model.AlgSM4,
}

// Soft emulates a modern PED with AES DUKPT and hardware pass-through.
var Soft = Profile{
	Name:  "soft",
	Model: "SOFT-PED-A",
	Caps: ped.Capabilities{
		KeySlots:            ped.SlotRange{Min: 0, Max: 99},
		DukptGroups:         ped.SlotRange{Min: 1, Max: 10},
		Algorithms:          allAlgorithms,
		AESDukpt:            true,
		AESKSNLength:        model.KSNLengthAES,
		HardwarePassthrough: true,
		PinEntry:            true,
	},
}

// SoftTDES emulates an older PED limited to 3DES DUKPT.
var SoftTDES = Profile{
	Name:  "soft-tdes",
	Model: "SOFT-PED-T",
	Caps: ped.Capabilities{
		KeySlots:    ped.SlotRange{Min: 0, Max: 49},
		DukptGroups: ped.SlotRange{Min: 1, Max: 10},
		Algorithms: []model.Algorithm{
			model.AlgDES, model.AlgTDES2, model.AlgTDES3,
			model.AlgAES128, model.AlgAES192, model.AlgAES256,
		},
		AESDukpt:            false,
		AESKSNLength:        model.KSNLengthAES,
		HardwarePassthrough: false,
		PinEntry:            true,
	},
}
