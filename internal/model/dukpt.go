// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KSNLengthTDES is the X9.24-1 key serial number size.
	KSNLengthTDES = 10
	// KSNLengthAES is the X9.24-3 key serial number size.
	KSNLengthAES = 12
)

// ErrKSNRegression is returned when a KSN would move backwards.
var ErrKSNRegression = errors.New("ksn must not decrease")

// DukptState tracks the key serial number of one DUKPT group.
type DukptState struct {
	Group int
	KSN   []byte
}

// ParseKSN decodes a hex KSN of 10 or 12 bytes.
func ParseKSN(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid ksn hex: %w", err)
	}
	if len(b) != KSNLengthTDES && len(b) != KSNLengthAES {
		return nil, fmt.Errorf("invalid ksn length %d", len(b))
	}
	return b, nil
}

// PadKSNForAES left-pads a 10 byte KSN with two zero bytes. Longer KSNs are
// returned unchanged.
func PadKSNForAES(ksn []byte) []byte {
	if len(ksn) != KSNLengthTDES {
		return append([]byte(nil), ksn...)
	}
	out := make([]byte, KSNLengthAES)
	copy(out[2:], ksn)
	return out
}

// Advance replaces the KSN when next is not lower than the current value.
func (s *DukptState) Advance(next []byte) error {
	if len(s.KSN) != 0 {
		if len(next) != len(s.KSN) {
			return fmt.Errorf("ksn length changed from %d to %d", len(s.KSN), len(next))
		}
		if bytes.Compare(next, s.KSN) < 0 {
			return ErrKSNRegression
		}
	}
	s.KSN = append(s.KSN[:0], next...)
	return nil
}

// KSNHex returns the upper-case hex KSN.
func (s DukptState) KSNHex() string { return strings.ToUpper(hex.EncodeToString(s.KSN)) }
