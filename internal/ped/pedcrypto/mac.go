// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package pedcrypto

import (
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

// RetailMAC computes the ISO 9797-1 MAC algorithm 3 (ANSI X9.19) over data
// with ISO 9797-1 padding method 1. key is a 16 byte double length key.
func RetailMAC(key, data []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("%w: retail mac needs a 16 byte key", ErrKeyLength)
	}
	k1, err := des.NewCipher(key[:8])
	if err != nil {
		return nil, err
	}
	k2, err := des.NewCipher(key[8:16])
	if err != nil {
		return nil, err
	}
	padded := padZero(data, 8)
	h := make([]byte, 8)
	for i := 0; i < len(padded); i += 8 {
		xorBytes(h, h, padded[i:i+8])
		k1.Encrypt(h, h)
	}
	k2.Decrypt(h, h)
	k1.Encrypt(h, h)
	return h, nil
}

// CMAC computes the NIST SP 800-38B CMAC of data under b.
func CMAC(b cipher.Block, data []byte) []byte {
	bs := b.BlockSize()
	k1, k2 := cmacSubkeys(b)

	n := (len(data) + bs - 1) / bs
	complete := n > 0 && len(data)%bs == 0
	if n == 0 {
		n = 1
	}
	last := make([]byte, bs)
	if complete {
		xorBytes(last, data[(n-1)*bs:], k1)
	} else {
		rem := data[(n-1)*bs:]
		copy(last, rem)
		last[len(rem)] = 0x80
		xorBytes(last, last, k2)
	}

	x := make([]byte, bs)
	for i := 0; i < n-1; i++ {
		xorBytes(x, x, data[i*bs:(i+1)*bs])
		b.Encrypt(x, x)
	}
	xorBytes(x, x, last)
	b.Encrypt(x, x)
	return x
}

func cmacSubkeys(b cipher.Block) ([]byte, []byte) {
	bs := b.BlockSize()
	rb := byte(0x87)
	if bs == 8 {
		rb = 0x1b
	}
	l := make([]byte, bs)
	b.Encrypt(l, l)
	k1 := shiftLeft(l)
	if l[0]&0x80 != 0 {
		k1[bs-1] ^= rb
	}
	k2 := shiftLeft(k1)
	if k1[0]&0x80 != 0 {
		k2[bs-1] ^= rb
	}
	return k1, k2
}

func shiftLeft(in []byte) []byte {
	out := make([]byte, len(in))
	var carry byte
	for i := len(in) - 1; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}
	return out
}

func padZero(data []byte, bs int) []byte {
	n := len(data)
	if n == 0 || n%bs != 0 {
		n += bs - n%bs
	}
	out := make([]byte, n)
	copy(out, data)
	return out
}
