// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package pedcrypto

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/toeirei/keyloader/internal/model"
)

// AES DUKPT (ANSI X9.24-3) key usages.
const (
	UsageKeyEncryption  uint16 = 0x0002
	UsagePINEncryption  uint16 = 0x1000
	UsageMACGenerate    uint16 = 0x2000
	UsageMACVerify      uint16 = 0x2001
	UsageMACBoth        uint16 = 0x2002
	UsageDataEncrypt    uint16 = 0x3000
	UsageDataDecrypt    uint16 = 0x3001
	UsageDataBoth       uint16 = 0x3002
	usageKeyDerivation  uint16 = 0x8000
	usageInitialKey     uint16 = 0x8001
	aesKSNLength               = 12
	aesMaxCounterOnes          = 16
	aesInitialKeyIDSize        = 8
)

// aesDukptAlgorithm is the algorithm indicator and key length in bits.
func aesDukptAlgorithm(a model.Algorithm) (uint16, uint16, error) {
	switch a {
	case model.AlgTDES2:
		return 0, 128, nil
	case model.AlgTDES3:
		return 1, 192, nil
	case model.AlgAES128:
		return 2, 128, nil
	case model.AlgAES192:
		return 3, 192, nil
	case model.AlgAES256:
		return 4, 256, nil
	}
	return 0, 0, fmt.Errorf("%w: %v is not a DUKPT key type", ErrAlgorithm, a)
}

func aesDeriveKey(derivationKey []byte, derived model.Algorithm, usage uint16, tail []byte) ([]byte, error) {
	alg, length, err := aesDukptAlgorithm(derived)
	if err != nil {
		return nil, err
	}
	c, err := aes.NewCipher(derivationKey)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 16)
	data[0] = 0x01
	binary.BigEndian.PutUint16(data[2:], usage)
	binary.BigEndian.PutUint16(data[4:], alg)
	binary.BigEndian.PutUint16(data[6:], length)
	copy(data[8:], tail)

	n := int(length) / 8
	out := make([]byte, 0, (n+15)/16*16)
	block := make([]byte, 16)
	for i := 1; len(out) < n; i++ {
		data[1] = byte(i)
		c.Encrypt(block, data)
		out = append(out, block...)
	}
	return out[:n], nil
}

// AESInitialKey derives the initial key for a 12 byte KSN from an AES BDK.
// alg is the type of the initial key.
func AESInitialKey(bdk []byte, alg model.Algorithm, ksn []byte) ([]byte, error) {
	if len(ksn) != aesKSNLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrKSN, aesKSNLength, len(ksn))
	}
	return aesDeriveKey(bdk, alg, usageInitialKey, ksn[:aesInitialKeyIDSize])
}

// AESCounter extracts the 32 bit transaction counter of a 12 byte KSN.
func AESCounter(ksn []byte) uint32 { return binary.BigEndian.Uint32(ksn[aesInitialKeyIDSize:]) }

// AESWorkingKey derives the working key of type workAlg for usage from the
// initial key ik of type ikAlg and the current KSN.
func AESWorkingKey(ik []byte, ikAlg model.Algorithm, ksn []byte, usage uint16, workAlg model.Algorithm) ([]byte, error) {
	if len(ksn) != aesKSNLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrKSN, aesKSNLength, len(ksn))
	}
	counter := AESCounter(ksn)
	if bits.OnesCount32(counter) > aesMaxCounterOnes {
		return nil, fmt.Errorf("%w: counter %08X has more than %d bits set", ErrKSN, counter, aesMaxCounterOnes)
	}

	tail := make([]byte, 8)
	copy(tail, ksn[4:aesInitialKeyIDSize])

	key := append([]byte(nil), ik...)
	var working uint32
	for bit := uint32(1 << 31); bit > 0; bit >>= 1 {
		if counter&bit == 0 {
			continue
		}
		working |= bit
		binary.BigEndian.PutUint32(tail[4:], working)
		next, err := aesDeriveKey(key, ikAlg, usageKeyDerivation, tail)
		if err != nil {
			return nil, err
		}
		key = next
	}
	binary.BigEndian.PutUint32(tail[4:], counter)
	return aesDeriveKey(key, workAlg, usage, tail)
}

// NextAESCounter returns the next counter value with at most sixteen bits set.
func NextAESCounter(counter uint32) (uint32, error) {
	c := uint64(counter) + 1
	for bits.OnesCount64(c) > aesMaxCounterOnes {
		c += c & -c
	}
	if c > 0xFFFFFFFF {
		return counter, ErrCounterExhausted
	}
	return uint32(c), nil
}

// SetAESCounter returns a copy of ksn carrying counter.
func SetAESCounter(ksn []byte, counter uint32) []byte {
	out := append([]byte(nil), ksn...)
	binary.BigEndian.PutUint32(out[aesInitialKeyIDSize:], counter)
	return out
}
