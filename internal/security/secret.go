// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package security holds helpers for handling key material in memory.
package security

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
)

// Secret is a byte slice holding sensitive material (clear key components,
// passphrases, unwrapped KEKs). Formatting and encoding helpers redact it so
// logs and JSON never reveal the content.
type Secret []byte

// String redacts the secret for fmt.Print* convenience.
func (s Secret) String() string { return "[SECRET]" }

// Format implements fmt.Formatter so `%v`, `%x` and friends are redacted.
func (s Secret) Format(f fmt.State, c rune) {
	_, _ = io.WriteString(f, "[SECRET]")
}

// Bytes returns a copy of the underlying bytes. Callers zero the copy.
func (s Secret) Bytes() []byte {
	out := make([]byte, len(s))
	copy(out, s)
	return out
}

// Zero overwrites the underlying byte slice.
func (s *Secret) Zero() {
	if s == nil || *s == nil {
		return
	}
	memguard.WipeBytes(*s)
}

// Use executes fn with the underlying bytes (not a copy).
func (s Secret) Use(fn func([]byte) error) error {
	return fn([]byte(s))
}

// MarshalJSON redacts secrets in JSON marshaling.
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal("[SECRET]") }

// MarshalText redacts secrets for text encoding.
func (s Secret) MarshalText() ([]byte, error) { return []byte("[SECRET]"), nil }

// FromString creates a Secret from a string.
func FromString(in string) Secret { return Secret([]byte(in)) }

// FromBytes creates a Secret from bytes (it makes a copy).
func FromBytes(in []byte) Secret {
	out := make([]byte, len(in))
	copy(out, in)
	return Secret(out)
}

// Seal moves the secret into a memguard enclave and wipes the slice.
func (s *Secret) Seal() *memguard.Enclave {
	e := memguard.NewEnclave(*s)
	s.Zero()
	return e
}

// WithEnclave opens e, passes the plaintext to fn and destroys the buffer
// afterwards. fn must not retain the slice.
func WithEnclave(e *memguard.Enclave, fn func([]byte) error) error {
	if e == nil {
		return fmt.Errorf("no enclave")
	}
	buf, err := e.Open()
	if err != nil {
		return fmt.Errorf("open enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}
