// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package pedcrypto implements the payment cryptography a software PED needs:
// block ciphers per key algorithm, key check values, retail MAC and CMAC,
// ISO 9564 PIN blocks, ANSI X9.24 DUKPT and TR-31 key blocks.
package pedcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/emmansun/gmsm/sm4"

	"github.com/toeirei/keyloader/internal/model"
)

var (
	// ErrKeyLength is returned when key bytes do not match the algorithm.
	ErrKeyLength = errors.New("key length does not match algorithm")
	// ErrAlgorithm is returned for algorithms with no cipher.
	ErrAlgorithm = errors.New("unsupported algorithm")
	// ErrBlockSize is returned when data is not a multiple of the block size.
	ErrBlockSize = errors.New("data is not a multiple of the block size")
)

// NewCipher returns the block cipher for alg keyed with key. Double length
// TDES keys are expanded to K1|K2|K1.
func NewCipher(alg model.Algorithm, key []byte) (cipher.Block, error) {
	if n := alg.KeyLength(); n == 0 {
		return nil, fmt.Errorf("%w: %v", ErrAlgorithm, alg)
	} else if len(key) != n {
		return nil, fmt.Errorf("%w: %v needs %d bytes, got %d", ErrKeyLength, alg, n, len(key))
	}
	switch alg {
	case model.AlgDES:
		return des.NewCipher(key)
	case model.AlgTDES2:
		return des.NewTripleDESCipher(expandTDES(key))
	case model.AlgTDES3:
		return des.NewTripleDESCipher(key)
	case model.AlgAES128, model.AlgAES192, model.AlgAES256:
		return aes.NewCipher(key)
	case model.AlgSM4:
		return sm4.NewCipher(key)
	}
	return nil, fmt.Errorf("%w: %v", ErrAlgorithm, alg)
}

// DESAlgorithmForLength picks the DES family algorithm for a key size.
func DESAlgorithmForLength(n int) (model.Algorithm, bool) {
	switch n {
	case 8:
		return model.AlgDES, true
	case 16:
		return model.AlgTDES2, true
	case 24:
		return model.AlgTDES3, true
	}
	return model.AlgUnknown, false
}

func expandTDES(k []byte) []byte {
	out := make([]byte, 24)
	copy(out, k[:16])
	copy(out[16:], k[:8])
	return out
}

// EncryptECB enciphers data block by block.
func EncryptECB(b cipher.Block, data []byte) ([]byte, error) {
	bs := b.BlockSize()
	if len(data)%bs != 0 {
		return nil, ErrBlockSize
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		b.Encrypt(out[i:i+bs], data[i:i+bs])
	}
	return out, nil
}

// DecryptECB deciphers data block by block.
func DecryptECB(b cipher.Block, data []byte) ([]byte, error) {
	bs := b.BlockSize()
	if len(data)%bs != 0 {
		return nil, ErrBlockSize
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		b.Decrypt(out[i:i+bs], data[i:i+bs])
	}
	return out, nil
}

// EncryptCBC enciphers data with iv. A nil iv means all zeros.
func EncryptCBC(b cipher.Block, iv, data []byte) ([]byte, error) {
	bs := b.BlockSize()
	if len(data)%bs != 0 {
		return nil, ErrBlockSize
	}
	if iv == nil {
		iv = make([]byte, bs)
	} else if len(iv) != bs {
		return nil, fmt.Errorf("iv must be %d bytes", bs)
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(b, iv).CryptBlocks(out, data)
	return out, nil
}

// DecryptCBC deciphers data with iv. A nil iv means all zeros.
func DecryptCBC(b cipher.Block, iv, data []byte) ([]byte, error) {
	bs := b.BlockSize()
	if len(data)%bs != 0 {
		return nil, ErrBlockSize
	}
	if iv == nil {
		iv = make([]byte, bs)
	} else if len(iv) != bs {
		return nil, fmt.Errorf("iv must be %d bytes", bs)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(b, iv).CryptBlocks(out, data)
	return out, nil
}

// KCV returns the upper-case hex key check value: the first three bytes of
// a zero block enciphered under the key.
func KCV(alg model.Algorithm, key []byte) (string, error) {
	b, err := NewCipher(alg, key)
	if err != nil {
		return "", err
	}
	zero := make([]byte, b.BlockSize())
	out := make([]byte, b.BlockSize())
	b.Encrypt(out, zero)
	return strings.ToUpper(hex.EncodeToString(out[:3])), nil
}

// UnwrapECB deciphers a key wrapped under kek in ECB mode, the scheme legacy
// PEDs use for key transport.
func UnwrapECB(kekAlg model.Algorithm, kek, wrapped []byte) ([]byte, error) {
	b, err := NewCipher(kekAlg, kek)
	if err != nil {
		return nil, err
	}
	return DecryptECB(b, wrapped)
}

// WrapECB is the inverse of UnwrapECB.
func WrapECB(kekAlg model.Algorithm, kek, key []byte) ([]byte, error) {
	b, err := NewCipher(kekAlg, kek)
	if err != nil {
		return nil, err
	}
	return EncryptECB(b, key)
}

func xorBytes(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}
