// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestParseKeyTypeAndAlgorithm(t *testing.T) {
	kt, err := ParseKeyType("02")
	if err != nil || kt != KeyTypeTransport {
		t.Fatalf("ParseKeyType(02) = %v, %v", kt, err)
	}
	kt, err = ParseKeyType("working-pin")
	if err != nil || kt != KeyTypeWorkingPin {
		t.Fatalf("ParseKeyType(working-pin) = %v, %v", kt, err)
	}
	if _, err := ParseKeyType("99"); err == nil {
		t.Fatalf("expected error for unknown key type")
	}

	cases := []struct {
		in   string
		want Algorithm
		n    int
	}{
		{"00", AlgDES, 8},
		{"01", AlgTDES2, 16},
		{"3des-triple", AlgTDES3, 24},
		{"aes-192", AlgAES192, 24},
		{"05", AlgAES256, 32},
		{"sm4", AlgSM4, 16},
	}
	for _, c := range cases {
		a, err := ParseAlgorithm(c.in)
		if err != nil || a != c.want {
			t.Fatalf("ParseAlgorithm(%q) = %v, %v", c.in, a, err)
		}
		if a.KeyLength() != c.n {
			t.Fatalf("%v.KeyLength() = %d, want %d", a, a.KeyLength(), c.n)
		}
	}
}

func TestWorkingKeyClassification(t *testing.T) {
	for _, kt := range []KeyType{KeyTypeWorkingPin, KeyTypeWorkingMac, KeyTypeWorkingData} {
		if !kt.IsWorking() {
			t.Errorf("%v should be a working key", kt)
		}
	}
	for _, kt := range []KeyType{KeyTypeMaster, KeyTypeTransport, KeyTypeDukptInitial} {
		if kt.IsWorking() {
			t.Errorf("%v should not be a working key", kt)
		}
	}
}

func TestKEKFlags(t *testing.T) {
	if ok, typ := KEKFlagsFor(KeyTypeTransport); !ok || typ != KEKTransport {
		t.Fatalf("transport flags = %v %v", ok, typ)
	}
	if ok, typ := KEKFlagsFor(KeyTypeMaster); !ok || typ != KEKStorage {
		t.Fatalf("master flags = %v %v", ok, typ)
	}
	if ok, _ := KEKFlagsFor(KeyTypeWorkingMac); ok {
		t.Fatalf("working keys are not KEKs")
	}
}

func TestEnvelopeHexRoundTrip(t *testing.T) {
	env, err := NewEnvelope([]byte{1, 2, 3}, bytes.Repeat([]byte{9}, EnvelopeIVSize), bytes.Repeat([]byte{7}, EnvelopeTagSize))
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	back, err := env.Hex().Envelope()
	if err != nil {
		t.Fatalf("Envelope(): %v", err)
	}
	if !bytes.Equal(back.Ciphertext, env.Ciphertext) || !bytes.Equal(back.IV, env.IV) || !bytes.Equal(back.Tag, env.Tag) {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, env)
	}
}

func TestEnvelopeRejectsPartialTriple(t *testing.T) {
	if _, err := NewEnvelope([]byte{1}, make([]byte, 8), make([]byte, EnvelopeTagSize)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope for short iv, got %v", err)
	}
	if _, err := NewEnvelope(nil, make([]byte, EnvelopeIVSize), make([]byte, EnvelopeTagSize)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope for empty ciphertext, got %v", err)
	}
}

func TestPadKSNForAES(t *testing.T) {
	ksn, err := ParseKSN("A1A2A3A4A5A6A7A8A9B0")
	if err != nil {
		t.Fatalf("ParseKSN: %v", err)
	}
	got := hex.EncodeToString(PadKSNForAES(ksn))
	if got != "0000a1a2a3a4a5a6a7a8a9b0" {
		t.Fatalf("padded ksn = %s", got)
	}
	if len(ksn) != KSNLengthTDES {
		t.Fatalf("input ksn modified: %x", ksn)
	}
	twelve := PadKSNForAES(PadKSNForAES(ksn))
	if len(twelve) != KSNLengthAES {
		t.Fatalf("padding a 12 byte ksn must be a no-op, got %d bytes", len(twelve))
	}
}

func TestDukptStateNeverDecrements(t *testing.T) {
	var s DukptState
	first, _ := hex.DecodeString("FFFF9876543210E00002")
	if err := s.Advance(first); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	lower, _ := hex.DecodeString("FFFF9876543210E00001")
	if err := s.Advance(lower); !errors.Is(err, ErrKSNRegression) {
		t.Fatalf("expected ErrKSNRegression, got %v", err)
	}
	if s.KSNHex() != "FFFF9876543210E00002" {
		t.Fatalf("ksn changed after rejected advance: %s", s.KSNHex())
	}
}
