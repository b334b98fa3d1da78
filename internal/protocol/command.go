// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package protocol

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/toeirei/keyloader/internal/model"
)

// Command is one decoded request. The concrete type identifies the case.
type Command interface {
	Code() CommandCode
	fields() []string
}

// InjectSymmetricKey asks the receiver to load one key.
type InjectSymmetricKey struct {
	Slot           int
	KeyType        model.KeyType
	Algorithm      model.Algorithm
	EncryptionType EncryptionType
	KeyHex         string
	KCV            string
	KTKSlot        int
	KTKChecksum    string
	KSN            string
}

func (InjectSymmetricKey) Code() CommandCode { return CmdInjectSymmetricKey }

func (c InjectSymmetricKey) fields() []string {
	return []string{
		strconv.Itoa(c.Slot),
		c.KeyType.Code(),
		c.Algorithm.Code(),
		fmt.Sprintf("%02d", int(c.EncryptionType)),
		strings.ToUpper(c.KeyHex),
		strings.ToUpper(c.KCV),
		strconv.Itoa(c.KTKSlot),
		strings.ToUpper(c.KTKChecksum),
		strings.ToUpper(c.KSN),
	}
}

// KeyBytes decodes KeyHex.
func (c InjectSymmetricKey) KeyBytes() ([]byte, error) { return hex.DecodeString(c.KeyHex) }

// DeleteKey removes every key stored at Slot.
type DeleteKey struct{ Slot int }

func (DeleteKey) Code() CommandCode  { return CmdDeleteKey }
func (c DeleteKey) fields() []string { return []string{strconv.Itoa(c.Slot)} }

// ReadSerial asks for the device identity.
type ReadSerial struct{}

func (ReadSerial) Code() CommandCode { return CmdReadSerial }
func (ReadSerial) fields() []string  { return nil }

// WriteSerial programs the device serial number.
type WriteSerial struct{ Serial string }

func (WriteSerial) Code() CommandCode  { return CmdWriteSerial }
func (c WriteSerial) fields() []string { return []string{c.Serial} }

// DeleteAllKeys wipes the device key table.
type DeleteAllKeys struct{}

func (DeleteAllKeys) Code() CommandCode { return CmdDeleteAllKeys }
func (DeleteAllKeys) fields() []string  { return nil }

// DeleteSingleKey removes exactly one (Slot, KeyType) entry.
type DeleteSingleKey struct {
	Slot    int
	KeyType model.KeyType
}

func (DeleteSingleKey) Code() CommandCode { return CmdDeleteSingleKey }
func (c DeleteSingleKey) fields() []string {
	return []string{strconv.Itoa(c.Slot), c.KeyType.Code()}
}

// UninstallApp asks the receiver to remove itself.
type UninstallApp struct{}

func (UninstallApp) Code() CommandCode { return CmdUninstallApp }
func (UninstallApp) fields() []string  { return nil }

// ValidateDeviceBrand checks the device brand against Brand.
type ValidateDeviceBrand struct{ Brand string }

func (ValidateDeviceBrand) Code() CommandCode  { return CmdValidateDeviceBrand }
func (c ValidateDeviceBrand) fields() []string { return []string{c.Brand} }

// Poll is the keep-alive probe.
type Poll struct{}

func (Poll) Code() CommandCode { return CmdPoll }
func (Poll) fields() []string  { return nil }

// MalformedCommand is emitted for a correctly framed command whose field
// values cannot be parsed. The receiver answers it with RespMalformedCommand.
type MalformedCommand struct {
	Command CommandCode
	Err     error
}

func (c MalformedCommand) Code() CommandCode { return c.Command }
func (MalformedCommand) fields() []string    { return nil }

var commandFieldCount = map[CommandCode]int{
	CmdPoll:                0,
	CmdInjectSymmetricKey:  9,
	CmdDeleteKey:           1,
	CmdReadSerial:          0,
	CmdWriteSerial:         1,
	CmdDeleteAllKeys:       0,
	CmdDeleteSingleKey:     2,
	CmdUninstallApp:        0,
	CmdValidateDeviceBrand: 1,
}

// parseCommand turns a payload into a Command. Structural problems (unknown
// code, wrong field count) are returned as errors; value problems yield a
// MalformedCommand.
func parseCommand(payload []byte) (Command, error) {
	code, fields, err := splitPayload(payload)
	if err != nil {
		return nil, err
	}
	cc := CommandCode(code)
	want, ok := commandFieldCount[cc]
	if !ok {
		return nil, fmt.Errorf("unknown command code %02d", code)
	}
	if len(fields) != want {
		return nil, fmt.Errorf("command %s: got %d fields, want %d", cc, len(fields), want)
	}
	cmd, err := commandFromFields(cc, fields)
	if err != nil {
		return MalformedCommand{Command: cc, Err: err}, nil
	}
	return cmd, nil
}

func commandFromFields(cc CommandCode, f []string) (Command, error) {
	switch cc {
	case CmdPoll:
		return Poll{}, nil
	case CmdInjectSymmetricKey:
		slot, err := parseNumber(f[0])
		if err != nil {
			return nil, fmt.Errorf("slot: %w", err)
		}
		kt, err := parseTwoDigits(f[1])
		if err != nil {
			return nil, fmt.Errorf("key type: %w", err)
		}
		alg, err := parseTwoDigits(f[2])
		if err != nil {
			return nil, fmt.Errorf("algorithm: %w", err)
		}
		enc, err := parseTwoDigits(f[3])
		if err != nil {
			return nil, fmt.Errorf("encryption type: %w", err)
		}
		for name, v := range map[string]string{"key": f[4], "kcv": f[5], "ktk checksum": f[7], "ksn": f[8]} {
			if !isHex(v) {
				return nil, fmt.Errorf("%s is not hex", name)
			}
		}
		ktkSlot, err := parseNumber(f[6])
		if err != nil {
			return nil, fmt.Errorf("ktk slot: %w", err)
		}
		return InjectSymmetricKey{
			Slot:           slot,
			KeyType:        model.KeyType(kt),
			Algorithm:      model.Algorithm(alg),
			EncryptionType: EncryptionType(enc),
			KeyHex:         strings.ToUpper(f[4]),
			KCV:            strings.ToUpper(f[5]),
			KTKSlot:        ktkSlot,
			KTKChecksum:    strings.ToUpper(f[7]),
			KSN:            strings.ToUpper(f[8]),
		}, nil
	case CmdDeleteKey:
		slot, err := parseNumber(f[0])
		if err != nil {
			return nil, fmt.Errorf("slot: %w", err)
		}
		return DeleteKey{Slot: slot}, nil
	case CmdReadSerial:
		return ReadSerial{}, nil
	case CmdWriteSerial:
		if !isText(f[0]) {
			return nil, fmt.Errorf("serial contains control bytes")
		}
		return WriteSerial{Serial: f[0]}, nil
	case CmdDeleteAllKeys:
		return DeleteAllKeys{}, nil
	case CmdDeleteSingleKey:
		slot, err := parseNumber(f[0])
		if err != nil {
			return nil, fmt.Errorf("slot: %w", err)
		}
		kt, err := parseTwoDigits(f[1])
		if err != nil {
			return nil, fmt.Errorf("key type: %w", err)
		}
		return DeleteSingleKey{Slot: slot, KeyType: model.KeyType(kt)}, nil
	case CmdUninstallApp:
		return UninstallApp{}, nil
	case CmdValidateDeviceBrand:
		if !isText(f[0]) {
			return nil, fmt.Errorf("brand contains control bytes")
		}
		return ValidateDeviceBrand{Brand: f[0]}, nil
	}
	return nil, fmt.Errorf("unknown command code %s", cc)
}

// isText reports whether s holds no ASCII control bytes.
func isText(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7F {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
