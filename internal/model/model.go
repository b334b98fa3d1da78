// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model holds the domain types shared by the codec, the orchestrator,
// the hardware abstraction and the repository.
package model

import (
	"fmt"
	"strings"
	"time"
)

// KeyType is the logical role of a key inside the PED.
type KeyType int

const (
	KeyTypeUnknown KeyType = iota
	KeyTypeMaster
	KeyTypeTransport
	KeyTypeWorkingPin
	KeyTypeWorkingMac
	KeyTypeWorkingData
	KeyTypeDukptInitial
)

var keyTypeNames = map[KeyType]string{
	KeyTypeMaster:       "master",
	KeyTypeTransport:    "transport",
	KeyTypeWorkingPin:   "working-pin",
	KeyTypeWorkingMac:   "working-mac",
	KeyTypeWorkingData:  "working-data",
	KeyTypeDukptInitial: "dukpt-initial",
}

func (t KeyType) String() string {
	if n, ok := keyTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("keytype(%d)", int(t))
}

// Code returns the two digit wire code.
func (t KeyType) Code() string { return fmt.Sprintf("%02d", int(t)) }

// IsWorking reports whether the key is a working (session) key. Working keys
// must never travel in plaintext.
func (t KeyType) IsWorking() bool {
	return t == KeyTypeWorkingPin || t == KeyTypeWorkingMac || t == KeyTypeWorkingData
}

// ParseKeyType parses either the wire code ("01") or the name ("master").
func ParseKeyType(s string) (KeyType, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for t, n := range keyTypeNames {
		if s == n || s == t.Code() {
			return t, nil
		}
	}
	return KeyTypeUnknown, fmt.Errorf("unknown key type %q", s)
}

// Algorithm is the symmetric algorithm of a key.
type Algorithm int

const (
	AlgDES Algorithm = iota
	AlgTDES2
	AlgTDES3
	AlgAES128
	AlgAES192
	AlgAES256
	AlgSM4
	AlgUnknown Algorithm = -1
)

var algorithmNames = map[Algorithm]string{
	AlgDES:    "des",
	AlgTDES2:  "3des-double",
	AlgTDES3:  "3des-triple",
	AlgAES128: "aes-128",
	AlgAES192: "aes-192",
	AlgAES256: "aes-256",
	AlgSM4:    "sm4",
}

func (a Algorithm) String() string {
	if n, ok := algorithmNames[a]; ok {
		return n
	}
	return fmt.Sprintf("alg(%d)", int(a))
}

// Code returns the two digit wire code.
func (a Algorithm) Code() string { return fmt.Sprintf("%02d", int(a)) }

// KeyLength is the key size in bytes, 0 for unknown algorithms.
func (a Algorithm) KeyLength() int {
	switch a {
	case AlgDES:
		return 8
	case AlgTDES2, AlgAES128, AlgSM4:
		return 16
	case AlgTDES3, AlgAES192:
		return 24
	case AlgAES256:
		return 32
	}
	return 0
}

// IsAES reports whether the algorithm is one of the AES sizes.
func (a Algorithm) IsAES() bool { return a == AlgAES128 || a == AlgAES192 || a == AlgAES256 }

// IsDES reports whether the algorithm is single, double or triple DES.
func (a Algorithm) IsDES() bool { return a == AlgDES || a == AlgTDES2 || a == AlgTDES3 }

// ParseAlgorithm parses either the wire code ("03") or the name ("aes-128").
func ParseAlgorithm(s string) (Algorithm, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for a, n := range algorithmNames {
		if s == n || s == a.Code() {
			return a, nil
		}
	}
	return AlgUnknown, fmt.Errorf("unknown algorithm %q", s)
}

// AESForLength maps a key length to the AES algorithm of that size.
func AESForLength(n int) (Algorithm, bool) {
	switch n {
	case 16:
		return AlgAES128, true
	case 24:
		return AlgAES192, true
	case 32:
		return AlgAES256, true
	}
	return AlgUnknown, false
}

// KeyStatus is the persisted lifecycle state of a key slot record.
type KeyStatus string

const (
	StatusPending    KeyStatus = "PENDING"
	StatusSuccessful KeyStatus = "SUCCESSFUL"
	StatusFailed     KeyStatus = "FAILED"
	StatusDeleting   KeyStatus = "DELETING"
)

// KEKType distinguishes what a key-encryption key protects.
type KEKType string

const (
	KEKNone      KEKType = ""
	KEKTransport KEKType = "TRANSPORT"
	KEKStorage   KEKType = "STORAGE"
)

// KeySlotRecord is the persisted view of a key injected into the PED.
// At most one record exists per (Slot, Type).
type KeySlotRecord struct {
	ID          int
	Slot        int
	Type        KeyType
	Algorithm   Algorithm
	KCV         string
	Sealed      Envelope
	Status      KeyStatus
	PriorStatus KeyStatus
	IsKEK       bool
	KEKType     KEKType
	CustomName  string
	KSN         string
	InjectedAt  time.Time
}

// String returns a short log friendly description without key material.
func (r KeySlotRecord) String() string {
	s := fmt.Sprintf("slot %d %s %s kcv=%s", r.Slot, r.Type, r.Algorithm, r.KCV)
	if r.CustomName != "" {
		s = r.CustomName + " (" + s + ")"
	}
	return s
}

// KCVPrefix returns the first four hex characters of the KCV, upper-cased.
func (r KeySlotRecord) KCVPrefix() string { return KCVPrefix(r.KCV) }

// KCVPrefix returns the first four hex characters of a KCV, upper-cased.
func KCVPrefix(kcv string) string {
	kcv = strings.ToUpper(strings.TrimSpace(kcv))
	if len(kcv) > 4 {
		return kcv[:4]
	}
	return kcv
}

// KEKFlagsFor returns the KEK flags a freshly injected key of type t carries.
func KEKFlagsFor(t KeyType) (bool, KEKType) {
	switch t {
	case KeyTypeTransport:
		return true, KEKTransport
	case KeyTypeMaster:
		return true, KEKStorage
	}
	return false, KEKNone
}

// AuditLogEntry is one row of the audit trail.
type AuditLogEntry struct {
	ID        int
	Timestamp string
	Username  string
	Action    string
	Details   string
}
