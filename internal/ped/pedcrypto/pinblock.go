// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package pedcrypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ISO 9564-1 PIN block formats.
const (
	FormatISO0 = 0
	FormatISO4 = 4
)

var (
	ErrInvalidPIN = errors.New("pin must be 4 to 12 digits")
	ErrInvalidPAN = errors.New("pan must be 12 to 19 digits")
)

func checkPIN(pin string) error {
	if len(pin) < 4 || len(pin) > 12 || !allDigits(pin) {
		return ErrInvalidPIN
	}
	return nil
}

func checkPAN(pan string) error {
	if len(pan) < 12 || len(pan) > 19 || !allDigits(pan) {
		return ErrInvalidPAN
	}
	return nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ClearISO0 returns the unenciphered format 0 block: the PIN field XOR the
// twelve rightmost PAN digits excluding the check digit.
func ClearISO0(pin, pan string) ([]byte, error) {
	if err := checkPIN(pin); err != nil {
		return nil, err
	}
	if err := checkPAN(pan); err != nil {
		return nil, err
	}
	pinField := fmt.Sprintf("0%X%s", len(pin), pin)
	pinField += strings.Repeat("F", 16-len(pinField))
	panField := "0000" + pan[len(pan)-13:len(pan)-1]

	p, _ := hex.DecodeString(pinField)
	a, _ := hex.DecodeString(panField)
	out := make([]byte, 8)
	xorBytes(out, p, a)
	return out, nil
}

// EncodeISO0 enciphers a format 0 PIN block under a DES family key.
func EncodeISO0(b cipher.Block, pin, pan string) ([]byte, error) {
	if b.BlockSize() != 8 {
		return nil, fmt.Errorf("%w: format 0 needs a 64 bit block cipher", ErrAlgorithm)
	}
	clear, err := ClearISO0(pin, pan)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8)
	b.Encrypt(out, clear)
	return out, nil
}

// DecodeISO0 recovers the PIN from an enciphered format 0 block.
func DecodeISO0(b cipher.Block, block []byte, pan string) (string, error) {
	if b.BlockSize() != 8 || len(block) != 8 {
		return "", fmt.Errorf("%w: format 0 block must be 8 bytes", ErrBlockSize)
	}
	if err := checkPAN(pan); err != nil {
		return "", err
	}
	clear := make([]byte, 8)
	b.Decrypt(clear, block)
	a, _ := hex.DecodeString("0000" + pan[len(pan)-13:len(pan)-1])
	xorBytes(clear, clear, a)
	return pinFromField(strings.ToUpper(hex.EncodeToString(clear)), '0')
}

// EncodeISO4 enciphers a format 4 PIN block under an AES key. random fills
// the random half of the PIN field; nil means crypto/rand.
func EncodeISO4(b cipher.Block, pin, pan string, random io.Reader) ([]byte, error) {
	if b.BlockSize() != 16 {
		return nil, fmt.Errorf("%w: format 4 needs a 128 bit block cipher", ErrAlgorithm)
	}
	if err := checkPIN(pin); err != nil {
		return nil, err
	}
	if err := checkPAN(pan); err != nil {
		return nil, err
	}
	if random == nil {
		random = rand.Reader
	}
	pinField := fmt.Sprintf("4%X%s", len(pin), pin)
	pinField += strings.Repeat("A", 16-len(pinField))
	p := make([]byte, 16)
	_, _ = hex.Decode(p[:8], []byte(pinField))
	if _, err := io.ReadFull(random, p[8:]); err != nil {
		return nil, err
	}

	inter := make([]byte, 16)
	b.Encrypt(inter, p)
	xorBytes(inter, inter, iso4PANField(pan))
	out := make([]byte, 16)
	b.Encrypt(out, inter)
	return out, nil
}

// DecodeISO4 recovers the PIN from an enciphered format 4 block.
func DecodeISO4(b cipher.Block, block []byte, pan string) (string, error) {
	if b.BlockSize() != 16 || len(block) != 16 {
		return "", fmt.Errorf("%w: format 4 block must be 16 bytes", ErrBlockSize)
	}
	if err := checkPAN(pan); err != nil {
		return "", err
	}
	inter := make([]byte, 16)
	b.Decrypt(inter, block)
	xorBytes(inter, inter, iso4PANField(pan))
	p := make([]byte, 16)
	b.Decrypt(p, inter)
	return pinFromField(strings.ToUpper(hex.EncodeToString(p[:8])), '4')
}

func iso4PANField(pan string) []byte {
	m := len(pan) - 12
	field := fmt.Sprintf("%X%s", m, pan)
	field += strings.Repeat("0", 32-len(field))
	out, _ := hex.DecodeString(field)
	return out
}

func pinFromField(field string, control byte) (string, error) {
	if field[0] != control {
		return "", ErrInvalidPIN
	}
	var n int
	if _, err := fmt.Sscanf(field[1:2], "%X", &n); err != nil || n < 4 || n > 12 {
		return "", ErrInvalidPIN
	}
	pin := field[2 : 2+n]
	if !allDigits(pin) {
		return "", ErrInvalidPIN
	}
	return pin, nil
}
