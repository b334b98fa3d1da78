// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package pedcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/des"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/toeirei/keyloader/internal/model"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestKCV(t *testing.T) {
	cases := []struct {
		alg  model.Algorithm
		key  string
		want string
	}{
		{model.AlgDES, "0123456789ABCDEF", "D5D44F"},
		{model.AlgTDES2, "0123456789ABCDEFFEDCBA9876543210", "08D7B4"},
	}
	for _, c := range cases {
		got, err := KCV(c.alg, mustHex(t, c.key))
		if err != nil {
			t.Fatalf("KCV(%v): %v", c.alg, err)
		}
		if got != c.want {
			t.Errorf("KCV(%v, %s) = %s, want %s", c.alg, c.key, got, c.want)
		}
	}
	if _, err := KCV(model.AlgAES256, make([]byte, 16)); !errors.Is(err, ErrKeyLength) {
		t.Fatalf("expected ErrKeyLength, got %v", err)
	}
	if _, err := KCV(model.AlgSM4, make([]byte, 16)); err != nil {
		t.Fatalf("sm4 kcv: %v", err)
	}
}

func TestWrapUnwrapECB(t *testing.T) {
	kek := mustHex(t, "0123456789ABCDEFFEDCBA9876543210")
	key := mustHex(t, "11111111111111112222222222222222")
	wrapped, err := WrapECB(model.AlgTDES2, kek, key)
	if err != nil {
		t.Fatalf("WrapECB: %v", err)
	}
	back, err := UnwrapECB(model.AlgTDES2, kek, wrapped)
	if err != nil || !bytes.Equal(back, key) {
		t.Fatalf("UnwrapECB = %x, %v", back, err)
	}
	if _, err := UnwrapECB(model.AlgTDES2, kek, wrapped[:5]); !errors.Is(err, ErrBlockSize) {
		t.Fatalf("expected ErrBlockSize, got %v", err)
	}
}

func TestCMACAES(t *testing.T) {
	b, _ := aes.NewCipher(mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c"))
	if got := hex.EncodeToString(CMAC(b, nil)); got != "bb1d6929e95937287fa37d129b756746" {
		t.Fatalf("empty cmac = %s", got)
	}
	msg := mustHex(t, "6bc1bee22e409f96e93d7e117393172a")
	if got := hex.EncodeToString(CMAC(b, msg)); got != "070a16b46b4d4144f79bdd9dd04a287c" {
		t.Fatalf("one block cmac = %s", got)
	}
}

func TestRetailMACSingleLengthEquivalence(t *testing.T) {
	k := mustHex(t, "0123456789ABCDEF")
	data := []byte("retail mac over several blocks!")
	got, err := RetailMAC(append(append([]byte(nil), k...), k...), data)
	if err != nil {
		t.Fatalf("RetailMAC: %v", err)
	}
	c, _ := des.NewCipher(k)
	want, _ := EncryptCBC(c, nil, padZero(data, 8))
	if !bytes.Equal(got, want[len(want)-8:]) {
		t.Fatalf("retail mac with K1=K2 must equal the DES CBC-MAC: %x vs %x", got, want[len(want)-8:])
	}
}

func TestISO0(t *testing.T) {
	clear, err := ClearISO0("1234", "43219876543210987")
	if err != nil {
		t.Fatalf("ClearISO0: %v", err)
	}
	if got := strings.ToUpper(hex.EncodeToString(clear)); got != "0412AC89ABCDEF67" {
		t.Fatalf("clear block = %s", got)
	}
	c, _ := des.NewTripleDESCipher(expandTDES(mustHex(t, "0123456789ABCDEFFEDCBA9876543210")))
	enc, err := EncodeISO0(c, "1234", "43219876543210987")
	if err != nil {
		t.Fatalf("EncodeISO0: %v", err)
	}
	pin, err := DecodeISO0(c, enc, "43219876543210987")
	if err != nil || pin != "1234" {
		t.Fatalf("DecodeISO0 = %q, %v", pin, err)
	}
	if _, err := ClearISO0("12", "43219876543210987"); !errors.Is(err, ErrInvalidPIN) {
		t.Fatalf("expected ErrInvalidPIN, got %v", err)
	}
	if _, err := ClearISO0("1234", "4321"); !errors.Is(err, ErrInvalidPAN) {
		t.Fatalf("expected ErrInvalidPAN, got %v", err)
	}
}

func TestISO4RoundTrip(t *testing.T) {
	b, _ := aes.NewCipher(bytes.Repeat([]byte{0x42}, 16))
	enc, err := EncodeISO4(b, "987654", "4111111111111111", bytes.NewReader(make([]byte, 8)))
	if err != nil {
		t.Fatalf("EncodeISO4: %v", err)
	}
	if len(enc) != 16 {
		t.Fatalf("format 4 block is %d bytes", len(enc))
	}
	pin, err := DecodeISO4(b, enc, "4111111111111111")
	if err != nil || pin != "987654" {
		t.Fatalf("DecodeISO4 = %q, %v", pin, err)
	}
	if _, err := DecodeISO4(b, enc, "4111111111111112"); err == nil {
		t.Fatalf("decoding with the wrong pan must fail")
	}
	d, _ := des.NewCipher(make([]byte, 8))
	if _, err := EncodeISO4(d, "1234", "4111111111111111", nil); !errors.Is(err, ErrAlgorithm) {
		t.Fatalf("format 4 with DES must fail, got %v", err)
	}
}

func TestTDESDukptVectors(t *testing.T) {
	bdk := mustHex(t, "0123456789ABCDEFFEDCBA9876543210")
	ksn := mustHex(t, "FFFF9876543210E00000")
	ipek, err := TDESIPEK(bdk, ksn)
	if err != nil {
		t.Fatalf("TDESIPEK: %v", err)
	}
	if got := strings.ToUpper(hex.EncodeToString(ipek)); got != "6AC292FAA1315B4D858AB3A3D7D5933A" {
		t.Fatalf("ipek = %s", got)
	}

	session, err := TDESSessionKey(ipek, SetTDESCounter(ksn, 1))
	if err != nil {
		t.Fatalf("TDESSessionKey: %v", err)
	}
	if got := strings.ToUpper(hex.EncodeToString(session)); got != "042666B49184CFA368DE9628D0397BC9" {
		t.Fatalf("future key for counter 1 = %s", got)
	}
	pinKey, _ := TDESVariantKey(session, VariantPIN)
	if got := strings.ToUpper(hex.EncodeToString(pinKey)); got != "042666B49184CF5C68DE9628D0397B36" {
		t.Fatalf("pin key for counter 1 = %s", got)
	}
	c, err := NewCipher(model.AlgTDES2, pinKey)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	block, err := EncodeISO0(c, "1234", "4012345678909")
	if err != nil {
		t.Fatalf("EncodeISO0: %v", err)
	}
	if got := strings.ToUpper(hex.EncodeToString(block)); got != "1B9C1845EB993A7A" {
		t.Fatalf("encrypted pin block = %s", got)
	}

	mac, _ := TDESVariantKey(session, VariantMACRequest)
	data, _ := TDESVariantKey(session, VariantDataRequest)
	if bytes.Equal(mac, pinKey) || bytes.Equal(data, pinKey) {
		t.Fatalf("variants must differ")
	}
}

func TestTDESCounterAdvance(t *testing.T) {
	next, err := NextTDESCounter(0)
	if err != nil || next != 1 {
		t.Fatalf("NextTDESCounter(0) = %x, %v", next, err)
	}
	next, err = NextTDESCounter(0xFFC00)
	if err != nil || next != 0x100000 {
		t.Fatalf("NextTDESCounter(0xFFC00) = %x, %v", next, err)
	}
	if _, err := NextTDESCounter(0x1FF800); !errors.Is(err, ErrCounterExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	ksn := mustHex(t, "FFFF9876543210E00000")
	if c := TDESCounter(SetTDESCounter(ksn, 0x1ABCDE)); c != 0x1ABCDE {
		t.Fatalf("counter round trip = %x", c)
	}
	if _, err := TDESSessionKey(make([]byte, 16), SetTDESCounter(ksn, 0x7FF)); !errors.Is(err, ErrKSN) {
		t.Fatalf("counter with 11 bits set must be rejected, got %v", err)
	}
}

func TestAESDukptDerivation(t *testing.T) {
	bdk := bytes.Repeat([]byte{0x11}, 16)
	ksn := mustHex(t, "123456789012345600000001")
	ik, err := AESInitialKey(bdk, model.AlgAES128, ksn)
	if err != nil || len(ik) != 16 {
		t.Fatalf("AESInitialKey = %x, %v", ik, err)
	}
	again, _ := AESInitialKey(bdk, model.AlgAES128, SetAESCounter(ksn, 99))
	if !bytes.Equal(ik, again) {
		t.Fatalf("initial key must not depend on the counter")
	}

	k1, err := AESWorkingKey(ik, model.AlgAES128, ksn, UsagePINEncryption, model.AlgAES128)
	if err != nil {
		t.Fatalf("AESWorkingKey: %v", err)
	}
	k2, _ := AESWorkingKey(ik, model.AlgAES128, SetAESCounter(ksn, 2), UsagePINEncryption, model.AlgAES128)
	mac, _ := AESWorkingKey(ik, model.AlgAES128, ksn, UsageMACGenerate, model.AlgAES128)
	if bytes.Equal(k1, k2) || bytes.Equal(k1, mac) {
		t.Fatalf("working keys must differ per counter and usage")
	}

	ik256, err := AESInitialKey(bytes.Repeat([]byte{0x22}, 32), model.AlgAES256, ksn)
	if err != nil || len(ik256) != 32 {
		t.Fatalf("AES-256 initial key = %d bytes, %v", len(ik256), err)
	}
	if _, err := AESInitialKey(bdk, model.AlgAES128, ksn[:10]); !errors.Is(err, ErrKSN) {
		t.Fatalf("expected ErrKSN, got %v", err)
	}
	if c, _ := NextAESCounter(0xFFFF0000); c != 0 && bitsSet(c) > 16 {
		t.Fatalf("next counter %x has too many bits", c)
	}
}

func bitsSet(v uint32) int {
	n := 0
	for ; v != 0; v &= v - 1 {
		n++
	}
	return n
}

func TestTR31RoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		kbpk   []byte
		header string
		key    []byte
		alg    model.Algorithm
	}{
		{"version B", mustHex(t, "89E88CF7931444F334BD7547FC3F380C"), "B0000B1TX00N0000", mustHex(t, "F039121BEC83D26B169BDCD5B22AAF8F"), model.AlgTDES2},
		{"version D", bytes.Repeat([]byte{0x5A}, 32), "D0000B1AX00N0000", bytes.Repeat([]byte{0x3C}, 16), model.AlgAES128},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			block, err := WrapTR31(c.kbpk, c.header, c.key, nil)
			if err != nil {
				t.Fatalf("WrapTR31: %v", err)
			}
			h, key, err := UnwrapTR31(c.kbpk, block)
			if err != nil {
				t.Fatalf("UnwrapTR31: %v", err)
			}
			if !bytes.Equal(key, c.key) {
				t.Fatalf("key = %x, want %x", key, c.key)
			}
			if h.Usage != TR31UsageInitialDukpt || h.Length != len(block) {
				t.Fatalf("header = %+v", h)
			}
			if alg, err := h.KeyAlgorithm(len(key)); err != nil || alg != c.alg {
				t.Fatalf("KeyAlgorithm = %v, %v", alg, err)
			}

			tampered := []byte(block)
			tampered[len(tampered)-1] ^= 0x01
			if tampered[len(tampered)-1] > 'F' || (tampered[len(tampered)-1] > '9' && tampered[len(tampered)-1] < 'A') {
				tampered[len(tampered)-1] = '0'
			}
			if _, _, err := UnwrapTR31(c.kbpk, string(tampered)); !errors.Is(err, ErrTR31MAC) {
				t.Fatalf("expected ErrTR31MAC for tampered block, got %v", err)
			}
		})
	}
}

func TestTR31HeaderValidation(t *testing.T) {
	if _, err := ParseTR31Header("A0016B1TX00N0000"); !errors.Is(err, ErrTR31Header) {
		t.Fatalf("version A must be rejected, got %v", err)
	}
	if _, err := ParseTR31Header("B0099B1TX00N0000"); !errors.Is(err, ErrTR31Header) {
		t.Fatalf("length mismatch must be rejected, got %v", err)
	}
	if _, err := ParseTR31Header("B00"); !errors.Is(err, ErrTR31Header) {
		t.Fatalf("short header must be rejected, got %v", err)
	}
	h, err := ParseTR31Header("B0024B1TX00N0100KS0800AB")
	if err != nil {
		t.Fatalf("optional block header: %v", err)
	}
	if h.OptionalBlocks["KS"] != "00AB" {
		t.Fatalf("optional blocks = %v", h.OptionalBlocks)
	}
}
