// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package pedcrypto

import (
	"crypto/des"
	"errors"
	"fmt"
	"math/bits"
)

// TDES DUKPT (ANSI X9.24-1) constants.
const (
	tdesCounterBits    = 21
	tdesCounterMask    = 1<<tdesCounterBits - 1
	tdesMaxCounterOnes = 10
)

var (
	// ErrKSN is returned for a KSN with the wrong length.
	ErrKSN = errors.New("invalid ksn")
	// ErrCounterExhausted is returned when no valid counter value remains.
	ErrCounterExhausted = errors.New("dukpt transaction counter exhausted")
)

var keyMask = []byte{
	0xC0, 0xC0, 0xC0, 0xC0, 0x00, 0x00, 0x00, 0x00,
	0xC0, 0xC0, 0xC0, 0xC0, 0x00, 0x00, 0x00, 0x00,
}

// Variant selects the X9.24-1 key variant applied to a TDES session key.
type Variant int

const (
	VariantPIN Variant = iota
	VariantMACRequest
	VariantMACResponse
	VariantDataRequest
	VariantDataResponse
)

var variantMasks = map[Variant][]byte{
	VariantPIN:          mask16(7),
	VariantMACRequest:   mask16(6),
	VariantMACResponse:  mask16(4),
	VariantDataRequest:  mask16(5),
	VariantDataResponse: mask16(3),
}

// mask16 sets 0xFF at byte i of both halves.
func mask16(i int) []byte {
	m := make([]byte, 16)
	m[i] = 0xFF
	m[8+i] = 0xFF
	return m
}

func tdesEncrypt16(key, block []byte) []byte {
	c, _ := des.NewTripleDESCipher(expandTDES(key))
	out := make([]byte, 8)
	c.Encrypt(out, block)
	return out
}

// TDESIPEK derives the initial PIN encryption key from a double length BDK
// and a 10 byte KSN.
func TDESIPEK(bdk, ksn []byte) ([]byte, error) {
	if len(bdk) != 16 {
		return nil, fmt.Errorf("%w: bdk must be 16 bytes", ErrKeyLength)
	}
	if len(ksn) != 10 {
		return nil, fmt.Errorf("%w: need 10 bytes, got %d", ErrKSN, len(ksn))
	}
	reg := make([]byte, 8)
	copy(reg, ksn[:8])
	reg[7] &= 0xE0

	masked := make([]byte, 16)
	xorBytes(masked, bdk, keyMask)

	ipek := make([]byte, 16)
	copy(ipek, tdesEncrypt16(bdk, reg))
	copy(ipek[8:], tdesEncrypt16(masked, reg))
	return ipek, nil
}

// nrkgp is the non-reversible key generation process.
func nrkgp(key, reg []byte) []byte {
	half := func(k []byte) []byte {
		c, _ := des.NewCipher(k[:8])
		msg := make([]byte, 8)
		xorBytes(msg, reg, k[8:])
		c.Encrypt(msg, msg)
		xorBytes(msg, msg, k[8:])
		return msg
	}
	right := half(key)
	masked := make([]byte, 16)
	xorBytes(masked, key, keyMask)
	left := half(masked)
	return append(left, right...)
}

// TDESCounter extracts the 21 bit transaction counter of a 10 byte KSN.
func TDESCounter(ksn []byte) uint32 {
	return (uint32(ksn[7])<<16 | uint32(ksn[8])<<8 | uint32(ksn[9])) & tdesCounterMask
}

// TDESSessionKey derives the current transaction key for ksn from the IPEK.
func TDESSessionKey(ipek, ksn []byte) ([]byte, error) {
	if len(ipek) != 16 {
		return nil, fmt.Errorf("%w: ipek must be 16 bytes", ErrKeyLength)
	}
	if len(ksn) != 10 {
		return nil, fmt.Errorf("%w: need 10 bytes, got %d", ErrKSN, len(ksn))
	}
	counter := TDESCounter(ksn)
	if bits.OnesCount32(counter) > tdesMaxCounterOnes {
		return nil, fmt.Errorf("%w: counter %06X has more than %d bits set", ErrKSN, counter, tdesMaxCounterOnes)
	}

	reg := make([]byte, 8)
	copy(reg, ksn[2:])
	reg[5] &= 0xE0
	reg[6] = 0
	reg[7] = 0

	key := append([]byte(nil), ipek...)
	for bit := uint32(1 << (tdesCounterBits - 1)); bit > 0; bit >>= 1 {
		if counter&bit == 0 {
			continue
		}
		reg[5] |= byte(bit >> 16)
		reg[6] |= byte(bit >> 8)
		reg[7] |= byte(bit)
		key = nrkgp(key, reg)
	}
	return key, nil
}

// TDESVariantKey applies a variant mask to a session key. The data variants
// additionally encrypt each half under the masked key.
func TDESVariantKey(session []byte, v Variant) ([]byte, error) {
	m, ok := variantMasks[v]
	if !ok || len(session) != 16 {
		return nil, fmt.Errorf("%w: variant %d", ErrAlgorithm, v)
	}
	k := make([]byte, 16)
	xorBytes(k, session, m)
	if v == VariantDataRequest || v == VariantDataResponse {
		l := tdesEncrypt16(k, k[:8])
		r := tdesEncrypt16(k, k[8:])
		k = append(l, r...)
	}
	return k, nil
}

// NextTDESCounter returns the next counter value with at most ten bits set.
func NextTDESCounter(counter uint32) (uint32, error) {
	c := counter + 1
	for bits.OnesCount32(c) > tdesMaxCounterOnes {
		c += c & -c
	}
	if c > tdesCounterMask {
		return counter, ErrCounterExhausted
	}
	return c, nil
}

// SetTDESCounter returns a copy of ksn carrying counter.
func SetTDESCounter(ksn []byte, counter uint32) []byte {
	out := append([]byte(nil), ksn...)
	out[7] = out[7]&0xE0 | byte(counter>>16)&0x1F
	out[8] = byte(counter >> 8)
	out[9] = byte(counter)
	return out
}
