// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
)

func TestSecretRedactionAndJSON(t *testing.T) {
	s := FromString("0123456789ABCDEF")
	if fmt.Sprintf("%v", s) != "[SECRET]" {
		t.Fatalf("unexpected fmt output: %q", fmt.Sprintf("%v", s))
	}
	if fmt.Sprintf("%x", s) != "[SECRET]" {
		t.Fatalf("hex verb leaked: %q", fmt.Sprintf("%x", s))
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}
	if string(b) != "\"[SECRET]\"" {
		t.Fatalf("unexpected json marshal: %s", string(b))
	}
}

func TestSecretZero(t *testing.T) {
	s := FromString("abc123")
	(&s).Zero()
	b := s.Bytes()
	for i := range b {
		if b[i] != 0 {
			t.Fatalf("expected zeroed byte at index %d, got %d", i, b[i])
		}
	}
}

func TestSealAndWithEnclave(t *testing.T) {
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	s := FromBytes(want)
	e := s.Seal()
	for _, c := range s {
		if c != 0 {
			t.Fatalf("secret not wiped after Seal")
		}
	}
	var got []byte
	if err := WithEnclave(e, func(b []byte) error {
		got = append([]byte(nil), b...)
		return nil
	}); err != nil {
		t.Fatalf("WithEnclave: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("enclave content = %x, want %x", got, want)
	}
	if err := WithEnclave(nil, func([]byte) error { return nil }); err == nil {
		t.Fatalf("expected error for nil enclave")
	}
}
