// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// EnvelopeIVSize is the AES-GCM nonce size used for sealing.
	EnvelopeIVSize = 12
	// EnvelopeTagSize is the AES-GCM authentication tag size.
	EnvelopeTagSize = 16
)

// ErrMalformedEnvelope is returned when an envelope triple is incomplete.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is an authenticated-encryption result. The three parts always
// travel together.
type Envelope struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// NewEnvelope validates the part sizes and returns the triple.
func NewEnvelope(ciphertext, iv, tag []byte) (Envelope, error) {
	e := Envelope{Ciphertext: ciphertext, IV: iv, Tag: tag}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Validate checks the IV and tag sizes and that ciphertext is present.
func (e Envelope) Validate() error {
	if len(e.Ciphertext) == 0 {
		return fmt.Errorf("%w: empty ciphertext", ErrMalformedEnvelope)
	}
	if len(e.IV) != EnvelopeIVSize {
		return fmt.Errorf("%w: iv is %d bytes", ErrMalformedEnvelope, len(e.IV))
	}
	if len(e.Tag) != EnvelopeTagSize {
		return fmt.Errorf("%w: tag is %d bytes", ErrMalformedEnvelope, len(e.Tag))
	}
	return nil
}

// IsZero reports whether no part is set.
func (e Envelope) IsZero() bool {
	return len(e.Ciphertext) == 0 && len(e.IV) == 0 && len(e.Tag) == 0
}

// EnvelopeHex is the hex encoded form used by persistence and exports.
type EnvelopeHex struct {
	KeyData string `json:"keyData"`
	IV      string `json:"iv"`
	AuthTag string `json:"authTag"`
}

// Hex encodes the envelope.
func (e Envelope) Hex() EnvelopeHex {
	return EnvelopeHex{
		KeyData: hex.EncodeToString(e.Ciphertext),
		IV:      hex.EncodeToString(e.IV),
		AuthTag: hex.EncodeToString(e.Tag),
	}
}

// Envelope decodes and validates the hex triple.
func (h EnvelopeHex) Envelope() (Envelope, error) {
	ct, err := hex.DecodeString(h.KeyData)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: key data: %v", ErrMalformedEnvelope, err)
	}
	iv, err := hex.DecodeString(h.IV)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: iv: %v", ErrMalformedEnvelope, err)
	}
	tag, err := hex.DecodeString(h.AuthTag)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: tag: %v", ErrMalformedEnvelope, err)
	}
	return NewEnvelope(ct, iv, tag)
}
