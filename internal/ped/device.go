// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package ped defines the normalized contract every PED adapter implements.
// Callers never see vendor behavior directly; adapters translate their
// native results into the request/response types and error taxonomy here.
package ped

import (
	"context"
	"time"

	"github.com/toeirei/keyloader/internal/model"
)

// Info is the identity a device reports.
type Info struct {
	Manufacturer string
	Model        string
	Serial       string
	Brand        string
	Firmware     string
}

// SlotRange is an inclusive range of slot or group indexes.
type SlotRange struct {
	Min int
	Max int
}

// Contains reports whether n lies inside the range.
func (r SlotRange) Contains(n int) bool { return n >= r.Min && n <= r.Max }

// Capabilities describes what a variant supports. The orchestrator validates
// requests against these before touching hardware.
type Capabilities struct {
	KeySlots            SlotRange
	DukptGroups         SlotRange
	Algorithms          []model.Algorithm
	AESDukpt            bool
	AESKSNLength        int
	HardwarePassthrough bool
	PinEntry            bool
}

// Supports reports whether alg is in the algorithm list.
func (c Capabilities) Supports(alg model.Algorithm) bool {
	for _, a := range c.Algorithms {
		if a == alg {
			return true
		}
	}
	return false
}

// WrapMode selects who verifies a wrapped key.
type WrapMode int

const (
	// WrapSoftware unwraps the key under the transport key and checks the KCV
	// in the adapter.
	WrapSoftware WrapMode = iota
	// WrapHardware passes ciphertext and KCV to the secure processor as is.
	WrapHardware
)

// WriteKeyRequest loads a key encrypted under a transport key already in the
// device.
type WriteKeyRequest struct {
	Slot          int
	Type          model.KeyType
	Algorithm     model.Algorithm
	Wrapped       []byte
	KCV           string
	TransportSlot int
	TransportType model.KeyType
	Mode          WrapMode
}

// WritePlainRequest loads a cleartext key.
type WritePlainRequest struct {
	Slot      int
	Type      model.KeyType
	Algorithm model.Algorithm
	Key       []byte
}

// CryptoMode selects which key family an operation uses.
type CryptoMode int

const (
	ModeSymmetric CryptoMode = iota
	ModeDukpt
	ModeAsymmetric
)

// BlockMode is the block cipher mode for Encrypt/Decrypt.
type BlockMode int

const (
	BlockECB BlockMode = iota
	BlockCBC
)

// CipherRequest addresses a key by slot/type (symmetric) or by group (DUKPT).
type CipherRequest struct {
	Mode  CryptoMode
	Slot  int
	Type  model.KeyType
	Group int
	Block BlockMode
	IV    []byte
	Data  []byte
}

// MacAlgorithm selects the MAC construction.
type MacAlgorithm int

const (
	// MacRetail is ISO 9797-1 algorithm 3 (X9.19) for DES keys.
	MacRetail MacAlgorithm = iota
	// MacCMAC is NIST SP 800-38B.
	MacCMAC
)

// MacRequest computes a MAC with a stored working key or a DUKPT group.
type MacRequest struct {
	Mode      CryptoMode
	Slot      int
	Group     int
	Algorithm MacAlgorithm
	Data      []byte
}

// PinBlockRequest asks the device to capture a PIN and return the enciphered
// PIN block.
type PinBlockRequest struct {
	Mode    CryptoMode
	Slot    int
	Group   int
	PAN     string
	Timeout time.Duration
}

// PinBlock is the result of a PIN capture. KSN is set for DUKPT requests.
type PinBlock struct {
	Block  []byte
	Format int
	KSN    []byte
}

// DukptInitialKeyRequest loads an initial key either as cleartext IPEK or as
// a TR-31 key block protected by the key block protection key at KBPKSlot.
type DukptInitialKeyRequest struct {
	Group     int
	Algorithm model.Algorithm
	Key       []byte
	KeyBlock  string
	KBPKSlot  int
	KBPKType  model.KeyType
	KSN       []byte
	KCV       string
}

// DukptInfo is the state of one DUKPT group.
type DukptInfo struct {
	Group     int
	Algorithm model.Algorithm
	KSN       []byte
	Counter   uint32
	Exhausted bool
}

// Device is the normalized PED contract.
type Device interface {
	Info() (Info, error)
	Capabilities() Capabilities

	// WriteKey loads a wrapped key and returns the KCV the device computed.
	WriteKey(req WriteKeyRequest) (string, error)
	// WriteKeyPlain loads a cleartext key and returns its KCV.
	WriteKeyPlain(req WritePlainRequest) (string, error)
	// DeleteKey removes one key. KeyTypeUnknown removes every key at slot.
	DeleteKey(slot int, t model.KeyType) error
	DeleteAllKeys() error
	IsKeyPresent(slot int, t model.KeyType) (bool, error)

	Encrypt(req CipherRequest) ([]byte, error)
	Decrypt(req CipherRequest) ([]byte, error)
	CalculateMac(req MacRequest) ([]byte, error)
	// GetPinBlock suspends until the PIN is entered, the timeout passes or
	// ctx is cancelled.
	GetPinBlock(ctx context.Context, req PinBlockRequest) (PinBlock, error)

	// WriteDukptInitialKey returns the KCV of the initial key.
	WriteDukptInitialKey(req DukptInitialKeyRequest) (string, error)
	GetDukptInfo(group int) (DukptInfo, error)
	IncrementDukptKsn(group int) (DukptInfo, error)

	WriteSerial(serial string) error
	Close() error
}
