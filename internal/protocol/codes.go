// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package protocol

import (
	"fmt"
	"strconv"
)

// CommandCode is the two digit command identifier on the wire.
type CommandCode int

const (
	CmdPoll                CommandCode = 0
	CmdInjectSymmetricKey  CommandCode = 1
	CmdDeleteKey           CommandCode = 2
	CmdReadSerial          CommandCode = 3
	CmdWriteSerial         CommandCode = 4
	CmdDeleteAllKeys       CommandCode = 5
	CmdDeleteSingleKey     CommandCode = 6
	CmdUninstallApp        CommandCode = 7
	CmdValidateDeviceBrand CommandCode = 8
)

var commandNames = map[CommandCode]string{
	CmdPoll:                "Poll",
	CmdInjectSymmetricKey:  "InjectSymmetricKey",
	CmdDeleteKey:           "DeleteKey",
	CmdReadSerial:          "ReadSerial",
	CmdWriteSerial:         "WriteSerial",
	CmdDeleteAllKeys:       "DeleteAllKeys",
	CmdDeleteSingleKey:     "DeleteSingleKey",
	CmdUninstallApp:        "UninstallApp",
	CmdValidateDeviceBrand: "ValidateDeviceBrand",
}

func (c CommandCode) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("command(%02d)", int(c))
}

// Wire returns the two digit form.
func (c CommandCode) Wire() string { return fmt.Sprintf("%02d", int(c)) }

// ResponseCode is the outcome reported for every processed command.
type ResponseCode int

const (
	RespSuccessful ResponseCode = iota
	RespDeviceIsBusy
	RespKeyDeletionFailed
	RespInvalidKeyType
	RespDeviceBrandMismatch
	RespInvalidSlot
	RespInvalidKeyLength
	RespKtkNotFound
	RespKcvMismatch
	RespUnsupportedAlgorithm
	RespInvalidKsn
	RespHardwareFailure
	RespMalformedCommand
	RespInvalidEncryptionType
	RespSerialWriteFailed
	RespUninstallFailed
)

var responseNames = [...]string{
	"Successful",
	"DeviceIsBusy",
	"KeyDeletionFailed",
	"InvalidKeyType",
	"DeviceBrandMismatch",
	"InvalidSlot",
	"InvalidKeyLength",
	"KtkNotFound",
	"KcvMismatch",
	"UnsupportedAlgorithm",
	"InvalidKsn",
	"HardwareFailure",
	"MalformedCommand",
	"InvalidEncryptionType",
	"SerialWriteFailed",
	"UninstallFailed",
}

func (r ResponseCode) String() string {
	if r >= 0 && int(r) < len(responseNames) {
		return responseNames[r]
	}
	return fmt.Sprintf("response(%02d)", int(r))
}

// Wire returns the two digit form.
func (r ResponseCode) Wire() string { return fmt.Sprintf("%02d", int(r)) }

// EncryptionType selects how the key material of an inject command travels.
type EncryptionType int

const (
	EncPlaintext      EncryptionType = 0
	EncKTKWrapped     EncryptionType = 1
	EncHardwarePass   EncryptionType = 2
	EncDukptTR31      EncryptionType = 4
	EncDukptPlaintext EncryptionType = 5
)

func (e EncryptionType) String() string {
	switch e {
	case EncPlaintext:
		return "plaintext"
	case EncKTKWrapped:
		return "ktk-wrapped"
	case EncHardwarePass:
		return "hardware-passthrough"
	case EncDukptTR31:
		return "dukpt-tr31"
	case EncDukptPlaintext:
		return "dukpt-plaintext"
	}
	return fmt.Sprintf("enctype(%02d)", int(e))
}

// Valid reports whether e is one of the defined encryption types.
func (e EncryptionType) Valid() bool {
	switch e {
	case EncPlaintext, EncKTKWrapped, EncHardwarePass, EncDukptTR31, EncDukptPlaintext:
		return true
	}
	return false
}

// ParseEncryptionType accepts the wire code ("01") or the name
// ("ktk-wrapped").
func ParseEncryptionType(s string) (EncryptionType, error) {
	for _, e := range []EncryptionType{EncPlaintext, EncKTKWrapped, EncHardwarePass, EncDukptTR31, EncDukptPlaintext} {
		if s == e.String() || s == fmt.Sprintf("%02d", int(e)) {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown encryption type %q", s)
}

// parseTwoDigits parses an exactly two digit decimal code.
func parseTwoDigits(s string) (int, error) {
	if len(s) != 2 || s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return 0, fmt.Errorf("invalid two digit code %q", s)
	}
	return int(s[0]-'0')*10 + int(s[1]-'0'), nil
}

// parseNumber parses a non-negative decimal field. An empty field is 0.
func parseNumber(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("invalid number %q", s)
		}
	}
	return strconv.Atoi(s)
}
