// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package pedcrypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/toeirei/keyloader/internal/model"
)

// TR31HeaderLength is the size of the fixed key block header.
const TR31HeaderLength = 16

// TR-31 key usages this package cares about.
const (
	TR31UsageInitialDukpt = "B1"
	TR31UsageBDK          = "B0"
	TR31UsageKEK          = "K0"
)

var (
	// ErrTR31Header is returned for a malformed or unsupported header.
	ErrTR31Header = errors.New("invalid tr-31 header")
	// ErrTR31MAC is returned when the key block authenticator does not verify.
	ErrTR31MAC = errors.New("tr-31 key block authentication failed")
)

// TR31Header is the parsed fixed header plus optional blocks.
type TR31Header struct {
	Version        byte
	Length         int
	Usage          string
	Algorithm      byte
	ModeOfUse      byte
	KeyVersion     string
	Exportability  byte
	OptionalBlocks map[string]string
	raw            string
}

// ParseTR31Header validates the fixed header of block and its optional
// blocks. Only versions B (TDES) and D (AES) are accepted.
func ParseTR31Header(block string) (TR31Header, error) {
	if len(block) < TR31HeaderLength {
		return TR31Header{}, fmt.Errorf("%w: %d characters", ErrTR31Header, len(block))
	}
	h := TR31Header{
		Version:       block[0],
		Usage:         block[5:7],
		Algorithm:     block[7],
		ModeOfUse:     block[8],
		KeyVersion:    block[9:11],
		Exportability: block[11],
	}
	if h.Version != 'B' && h.Version != 'D' {
		return TR31Header{}, fmt.Errorf("%w: unsupported version %q", ErrTR31Header, h.Version)
	}
	n, err := strconv.Atoi(block[1:5])
	if err != nil {
		return TR31Header{}, fmt.Errorf("%w: length field %q", ErrTR31Header, block[1:5])
	}
	if n != len(block) {
		return TR31Header{}, fmt.Errorf("%w: length field %d, block is %d", ErrTR31Header, n, len(block))
	}
	h.Length = n
	count, err := strconv.Atoi(block[12:14])
	if err != nil {
		return TR31Header{}, fmt.Errorf("%w: optional block count %q", ErrTR31Header, block[12:14])
	}

	pos := TR31HeaderLength
	for i := 0; i < count; i++ {
		if pos+4 > len(block) {
			return TR31Header{}, fmt.Errorf("%w: optional block %d truncated", ErrTR31Header, i)
		}
		id := block[pos : pos+2]
		l, err := strconv.ParseUint(block[pos+2:pos+4], 16, 8)
		if err != nil || l < 4 || pos+int(l) > len(block) {
			return TR31Header{}, fmt.Errorf("%w: optional block %s length", ErrTR31Header, id)
		}
		if h.OptionalBlocks == nil {
			h.OptionalBlocks = map[string]string{}
		}
		h.OptionalBlocks[id] = block[pos+4 : pos+int(l)]
		pos += int(l)
	}
	h.raw = block[:pos]
	return h, nil
}

// KeyAlgorithm maps the header algorithm and key length to a model algorithm.
func (h TR31Header) KeyAlgorithm(keyLen int) (model.Algorithm, error) {
	switch h.Algorithm {
	case 'T', 'D':
		if a, ok := DESAlgorithmForLength(keyLen); ok {
			return a, nil
		}
	case 'A':
		if a, ok := model.AESForLength(keyLen); ok {
			return a, nil
		}
	}
	return model.AlgUnknown, fmt.Errorf("%w: algorithm %q with %d byte key", ErrTR31Header, h.Algorithm, keyLen)
}

func (h TR31Header) macLength() int {
	if h.Version == 'D' {
		return 16
	}
	return 8
}

// tr31Keys derives the block encryption and authentication keys from the
// key block protection key.
func tr31Keys(version byte, kbpk []byte) (enc, mac cipher.Block, err error) {
	var kbpkAlg model.Algorithm
	var ok bool
	var algCode uint16
	switch version {
	case 'B':
		kbpkAlg, ok = DESAlgorithmForLength(len(kbpk))
		if !ok || kbpkAlg == model.AlgDES {
			return nil, nil, fmt.Errorf("%w: version B needs a TDES kbpk", ErrKeyLength)
		}
		algCode = 0
		if kbpkAlg == model.AlgTDES3 {
			algCode = 1
		}
	case 'D':
		kbpkAlg, ok = model.AESForLength(len(kbpk))
		if !ok {
			return nil, nil, fmt.Errorf("%w: version D needs an AES kbpk", ErrKeyLength)
		}
		algCode = uint16(kbpkAlg-model.AlgAES128) + 2
	default:
		return nil, nil, fmt.Errorf("%w: unsupported version %q", ErrTR31Header, version)
	}
	base, err := NewCipher(kbpkAlg, kbpk)
	if err != nil {
		return nil, nil, err
	}

	derive := func(usage uint16) ([]byte, error) {
		data := make([]byte, 8)
		binary.BigEndian.PutUint16(data[1:], usage)
		binary.BigEndian.PutUint16(data[4:], algCode)
		binary.BigEndian.PutUint16(data[6:], uint16(len(kbpk)*8))
		var out []byte
		for i := 1; len(out) < len(kbpk); i++ {
			data[0] = byte(i)
			out = append(out, CMAC(base, data)...)
		}
		return out[:len(kbpk)], nil
	}
	ek, err := derive(0x0000)
	if err != nil {
		return nil, nil, err
	}
	ak, err := derive(0x0001)
	if err != nil {
		return nil, nil, err
	}
	if enc, err = NewCipher(kbpkAlg, ek); err != nil {
		return nil, nil, err
	}
	if mac, err = NewCipher(kbpkAlg, ak); err != nil {
		return nil, nil, err
	}
	return enc, mac, nil
}

// UnwrapTR31 authenticates and decrypts a key block. It returns the parsed
// header and the clear key.
func UnwrapTR31(kbpk []byte, block string) (TR31Header, []byte, error) {
	block = strings.TrimSpace(block)
	h, err := ParseTR31Header(block)
	if err != nil {
		return TR31Header{}, nil, err
	}
	enc, mac, err := tr31Keys(h.Version, kbpk)
	if err != nil {
		return h, nil, err
	}

	body := block[len(h.raw):]
	macHex := 2 * h.macLength()
	if len(body) < macHex+2*enc.BlockSize() {
		return h, nil, fmt.Errorf("%w: key block body too short", ErrTR31Header)
	}
	encrypted, err := hex.DecodeString(body[:len(body)-macHex])
	if err != nil {
		return h, nil, fmt.Errorf("%w: payload is not hex", ErrTR31Header)
	}
	tag, err := hex.DecodeString(body[len(body)-macHex:])
	if err != nil {
		return h, nil, fmt.Errorf("%w: mac is not hex", ErrTR31Header)
	}
	if len(encrypted)%enc.BlockSize() != 0 {
		return h, nil, fmt.Errorf("%w: payload is not block aligned", ErrTR31Header)
	}

	iv := tag[:enc.BlockSize()]
	payload, err := DecryptCBC(enc, iv, encrypted)
	if err != nil {
		return h, nil, err
	}
	want := CMAC(mac, append([]byte(h.raw), payload...))[:h.macLength()]
	if subtle.ConstantTimeCompare(want, tag) != 1 {
		return h, nil, ErrTR31MAC
	}

	keyBits := int(binary.BigEndian.Uint16(payload))
	if keyBits%8 != 0 || 2+keyBits/8 > len(payload) {
		return h, nil, fmt.Errorf("%w: key length %d bits", ErrTR31Header, keyBits)
	}
	key := append([]byte(nil), payload[2:2+keyBits/8]...)
	return h, key, nil
}

// WrapTR31 builds a key block for key under kbpk. header must be the 16
// character fixed header with any length value; optional blocks are not
// produced. random supplies the padding; nil means crypto/rand.
func WrapTR31(kbpk []byte, header string, key []byte, random io.Reader) (string, error) {
	if len(header) != TR31HeaderLength {
		return "", fmt.Errorf("%w: header must be %d characters", ErrTR31Header, TR31HeaderLength)
	}
	if header[12:14] != "00" {
		return "", fmt.Errorf("%w: optional blocks are not supported when wrapping", ErrTR31Header)
	}
	enc, mac, err := tr31Keys(header[0], kbpk)
	if err != nil {
		return "", err
	}
	if random == nil {
		random = rand.Reader
	}
	bs := enc.BlockSize()
	plen := 2 + len(key)
	if plen%bs != 0 {
		plen += bs - plen%bs
	}
	payload := make([]byte, plen)
	binary.BigEndian.PutUint16(payload, uint16(len(key)*8))
	copy(payload[2:], key)
	if _, err := io.ReadFull(random, payload[2+len(key):]); err != nil {
		return "", err
	}

	macLen := 8
	if header[0] == 'D' {
		macLen = 16
	}
	total := TR31HeaderLength + 2*plen + 2*macLen
	h := header[:1] + fmt.Sprintf("%04d", total) + header[5:]
	tag := CMAC(mac, append([]byte(h), payload...))[:macLen]
	encrypted, err := EncryptCBC(enc, tag[:bs], payload)
	if err != nil {
		return "", err
	}
	return h + strings.ToUpper(hex.EncodeToString(encrypted)) + strings.ToUpper(hex.EncodeToString(tag)), nil
}
