// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package envelope protects key material at rest. A KEK assembled in a
// custodian ceremony lives in a keystore and seals every stored key with
// AES-256-GCM.
package envelope

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"

	"github.com/toeirei/keyloader/internal/model"
	"github.com/toeirei/keyloader/internal/ped/pedcrypto"
)

// KEKSize is the size of every KEK in bytes.
const KEKSize = 32

var (
	ceremonySalt = []byte("keyloader/kek-ceremony/v1")
	ceremonyInfo = []byte("keyloader kek")
)

// ErrComponents is returned for an invalid set of ceremony components.
var ErrComponents = errors.New("invalid kek components")

// CeremonyResult is the outcome of combining custodian components.
type CeremonyResult struct {
	KEK           *memguard.Enclave
	KCV           string
	ComponentKCVs []string
}

// ParseComponents decodes hex components. Whitespace inside a component is
// ignored so custodians can type it in groups.
func ParseComponents(in []string) ([][]byte, error) {
	out := make([][]byte, 0, len(in))
	for i, s := range in {
		s = strings.Join(strings.Fields(s), "")
		b, err := hex.DecodeString(s)
		if err != nil {
			for _, c := range out {
				memguard.WipeBytes(c)
			}
			return nil, fmt.Errorf("%w: component %d is not hex", ErrComponents, i+1)
		}
		out = append(out, b)
	}
	return out, nil
}

// ComponentKCV returns the AES key check value of one component.
func ComponentKCV(c []byte) (string, error) {
	alg, ok := model.AESForLength(len(c))
	if !ok {
		return "", fmt.Errorf("%w: component is %d bytes, want 16, 24 or 32", ErrComponents, len(c))
	}
	return pedcrypto.KCV(alg, c)
}

// Combine derives a KEK from two or more equal length components with
// HKDF-SHA256 over the length prefixed components. The components are wiped.
func Combine(components [][]byte) (CeremonyResult, error) {
	defer func() {
		for _, c := range components {
			memguard.WipeBytes(c)
		}
	}()
	if len(components) < 2 {
		return CeremonyResult{}, fmt.Errorf("%w: need at least 2 components, got %d", ErrComponents, len(components))
	}
	n := len(components[0])
	res := CeremonyResult{ComponentKCVs: make([]string, 0, len(components))}
	for i, c := range components {
		if len(c) != n {
			return CeremonyResult{}, fmt.Errorf("%w: component %d is %d bytes, component 1 is %d", ErrComponents, i+1, len(c), n)
		}
		kcv, err := ComponentKCV(c)
		if err != nil {
			return CeremonyResult{}, err
		}
		res.ComponentKCVs = append(res.ComponentKCVs, kcv)
	}

	ikm := make([]byte, 0, len(components)*(n+2))
	defer memguard.WipeBytes(ikm)
	for _, c := range components {
		ikm = binary.BigEndian.AppendUint16(ikm, uint16(len(c)))
		ikm = append(ikm, c...)
	}
	kek := make([]byte, KEKSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, ceremonySalt, ceremonyInfo), kek); err != nil {
		return CeremonyResult{}, fmt.Errorf("derive kek: %w", err)
	}
	kcv, err := pedcrypto.KCV(model.AlgAES256, kek)
	if err != nil {
		memguard.WipeBytes(kek)
		return CeremonyResult{}, err
	}
	res.KCV = kcv
	res.KEK = memguard.NewEnclave(kek)
	return res, nil
}

// KCVOf returns the key check value of a KEK held in an enclave.
func KCVOf(kek *memguard.Enclave) (string, error) {
	buf, err := kek.Open()
	if err != nil {
		return "", fmt.Errorf("open kek: %w", err)
	}
	defer buf.Destroy()
	return pedcrypto.KCV(model.AlgAES256, buf.Bytes())
}
