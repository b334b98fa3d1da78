// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package softped

import (
	"context"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/toeirei/keyloader/internal/logging"
	"github.com/toeirei/keyloader/internal/model"
	"github.com/toeirei/keyloader/internal/ped"
	"github.com/toeirei/keyloader/internal/ped/pedcrypto"
	"github.com/toeirei/keyloader/internal/security"
)

func (d *Device) WriteDukptInitialKey(req ped.DukptInitialKeyRequest) (string, error) {
	const op = "write-dukpt-initial-key"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(op); err != nil {
		return "", err
	}
	caps := d.profile.Caps
	if !caps.DukptGroups.Contains(req.Group) {
		return "", &ped.Error{Op: op, Err: fmt.Errorf("%w: dukpt group %d not in %d-%d", ped.ErrInvalidSlot, req.Group, caps.DukptGroups.Min, caps.DukptGroups.Max)}
	}

	alg := req.Algorithm
	var key []byte
	if req.KeyBlock != "" {
		err := d.withKey(op, req.KBPKSlot, req.KBPKType, func(_ model.Algorithm, kbpk []byte) error {
			h, k, err := pedcrypto.UnwrapTR31(kbpk, req.KeyBlock)
			switch {
			case errors.Is(err, pedcrypto.ErrKeyLength):
				return &ped.Error{Op: op, Err: fmt.Errorf("%w: %v", ped.ErrInvalidKeyLength, err)}
			case err != nil:
				return &ped.Error{Op: op, Err: fmt.Errorf("%w: %v", ped.ErrIntegrity, err)}
			}
			if alg, err = h.KeyAlgorithm(len(k)); err != nil {
				memguard.WipeBytes(k)
				return &ped.Error{Op: op, Err: fmt.Errorf("%w: %v", ped.ErrUnsupportedAlgorithm, err)}
			}
			key = k
			return nil
		})
		if err != nil {
			return "", err
		}
	} else {
		key = append([]byte(nil), req.Key...)
	}
	defer memguard.WipeBytes(key)

	if alg.IsAES() && !caps.AESDukpt {
		return "", &ped.Error{Op: op, Err: fmt.Errorf("%w: AES DUKPT", ped.ErrUnsupportedAlgorithm)}
	}
	if alg != model.AlgTDES2 && !alg.IsAES() {
		return "", &ped.Error{Op: op, Err: fmt.Errorf("%w: %v is not a DUKPT initial key type", ped.ErrUnsupportedAlgorithm, alg)}
	}
	if len(key) != alg.KeyLength() {
		return "", &ped.Error{Op: op, Err: fmt.Errorf("%w: %v needs %d bytes, got %d", ped.ErrInvalidKeyLength, alg, alg.KeyLength(), len(key))}
	}
	wantKSN := model.KSNLengthTDES
	if alg.IsAES() {
		wantKSN = caps.AESKSNLength
	}
	if len(req.KSN) != wantKSN {
		return "", &ped.Error{Op: op, Err: fmt.Errorf("%w: %v needs a %d byte ksn, got %d", ped.ErrInvalidKSN, alg, wantKSN, len(req.KSN))}
	}

	kcv, err := pedcrypto.KCV(alg, key)
	if err != nil {
		return "", ped.HardwareError(op, 0, err)
	}
	if req.KCV != "" && !kcvMatches(kcv, req.KCV) {
		return "", &ped.Error{Op: op, Err: fmt.Errorf("%w: device computed %s", ped.ErrKCVMismatch, kcv)}
	}

	g := &dukptGroup{alg: alg, ik: memguard.NewEnclave(append([]byte(nil), key...))}
	if err := g.state.Advance(req.KSN); err != nil {
		return "", &ped.Error{Op: op, Err: fmt.Errorf("%w: %v", ped.ErrInvalidKSN, err)}
	}
	g.state.Group = req.Group
	d.groups[req.Group] = g
	logging.Debugf("softped: dukpt group %d loaded %v ksn=%s", req.Group, alg, g.state.KSNHex())
	return kcv, nil
}

func (g *dukptGroup) counter() uint32 {
	if g.alg.IsAES() {
		return pedcrypto.AESCounter(g.state.KSN)
	}
	return pedcrypto.TDESCounter(g.state.KSN)
}

func (g *dukptGroup) info() ped.DukptInfo {
	c := g.counter()
	var exhausted bool
	if g.alg.IsAES() {
		_, err := pedcrypto.NextAESCounter(c)
		exhausted = err != nil
	} else {
		_, err := pedcrypto.NextTDESCounter(c)
		exhausted = err != nil
	}
	return ped.DukptInfo{
		Group:     g.state.Group,
		Algorithm: g.alg,
		KSN:       append([]byte(nil), g.state.KSN...),
		Counter:   c,
		Exhausted: exhausted,
	}
}

// advance moves the group to the next valid counter.
func (g *dukptGroup) advance() error {
	c := g.counter()
	var next []byte
	if g.alg.IsAES() {
		n, err := pedcrypto.NextAESCounter(c)
		if err != nil {
			return err
		}
		next = pedcrypto.SetAESCounter(g.state.KSN, n)
	} else {
		n, err := pedcrypto.NextTDESCounter(c)
		if err != nil {
			return err
		}
		next = pedcrypto.SetTDESCounter(g.state.KSN, n)
	}
	return g.state.Advance(next)
}

func (d *Device) group(op string, n int) (*dukptGroup, error) {
	g, ok := d.groups[n]
	if !ok {
		return nil, &ped.Error{Op: op, Err: fmt.Errorf("%w: dukpt group %d", ped.ErrKeyNotFound, n)}
	}
	return g, nil
}

func (d *Device) GetDukptInfo(group int) (ped.DukptInfo, error) {
	const op = "get-dukpt-info"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(op); err != nil {
		return ped.DukptInfo{}, err
	}
	g, err := d.group(op, group)
	if err != nil {
		return ped.DukptInfo{}, err
	}
	return g.info(), nil
}

func (d *Device) IncrementDukptKsn(group int) (ped.DukptInfo, error) {
	const op = "increment-dukpt-ksn"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(op); err != nil {
		return ped.DukptInfo{}, err
	}
	g, err := d.group(op, group)
	if err != nil {
		return ped.DukptInfo{}, err
	}
	if err := g.advance(); err != nil {
		return g.info(), ped.HardwareError(op, 0, err)
	}
	return g.info(), nil
}

// dukptKey derives the working key for the group's current KSN. tdes selects
// the X9.24-1 variant, aes the X9.24-3 usage.
func (g *dukptGroup) dukptKey(tdes pedcrypto.Variant, usage uint16) (model.Algorithm, []byte, error) {
	var alg model.Algorithm
	var out []byte
	err := security.WithEnclave(g.ik, func(ik []byte) error {
		if g.alg.IsAES() {
			k, err := pedcrypto.AESWorkingKey(ik, g.alg, g.state.KSN, usage, g.alg)
			alg, out = g.alg, k
			return err
		}
		session, err := pedcrypto.TDESSessionKey(ik, g.state.KSN)
		if err != nil {
			return err
		}
		defer memguard.WipeBytes(session)
		k, err := pedcrypto.TDESVariantKey(session, tdes)
		alg, out = model.AlgTDES2, k
		return err
	})
	return alg, out, err
}

// resolve returns the key a symmetric or DUKPT request addresses. advance
// moves the DUKPT counter first. The caller wipes the key.
func (d *Device) resolve(op string, mode ped.CryptoMode, slot int, t model.KeyType, group int, advance bool, variant pedcrypto.Variant, usage uint16) (model.Algorithm, []byte, []byte, error) {
	switch mode {
	case ped.ModeSymmetric:
		var alg model.Algorithm
		var key []byte
		err := d.withKey(op, slot, t, func(a model.Algorithm, k []byte) error {
			alg, key = a, append([]byte(nil), k...)
			return nil
		})
		return alg, key, nil, err
	case ped.ModeDukpt:
		g, err := d.group(op, group)
		if err != nil {
			return 0, nil, nil, err
		}
		if advance {
			if err := g.advance(); err != nil {
				return 0, nil, nil, ped.HardwareError(op, 0, err)
			}
		}
		alg, key, err := g.dukptKey(variant, usage)
		if err != nil {
			return 0, nil, nil, ped.HardwareError(op, 0, err)
		}
		return alg, key, append([]byte(nil), g.state.KSN...), nil
	}
	return 0, nil, nil, &ped.Error{Op: op, Err: fmt.Errorf("%w: asymmetric keys", ped.ErrUnsupported)}
}

func (d *Device) cipherOp(op string, req ped.CipherRequest, encrypt bool) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(op); err != nil {
		return nil, err
	}
	alg, key, _, err := d.resolve(op, req.Mode, req.Slot, req.Type, req.Group, encrypt, pedcrypto.VariantDataRequest, pedcrypto.UsageDataBoth)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)
	b, err := pedcrypto.NewCipher(alg, key)
	if err != nil {
		return nil, ped.HardwareError(op, 0, err)
	}

	var out []byte
	switch {
	case req.Block == ped.BlockCBC && encrypt:
		out, err = pedcrypto.EncryptCBC(b, req.IV, req.Data)
	case req.Block == ped.BlockCBC:
		out, err = pedcrypto.DecryptCBC(b, req.IV, req.Data)
	case encrypt:
		out, err = pedcrypto.EncryptECB(b, req.Data)
	default:
		out, err = pedcrypto.DecryptECB(b, req.Data)
	}
	if err != nil {
		return nil, &ped.Error{Op: op, Err: fmt.Errorf("%w: %v", ped.ErrInvalidKeyLength, err)}
	}
	return out, nil
}

// Encrypt enciphers with a stored key or the next DUKPT data key.
func (d *Device) Encrypt(req ped.CipherRequest) ([]byte, error) {
	return d.cipherOp("encrypt", req, true)
}

// Decrypt deciphers with a stored key or the current DUKPT data key.
func (d *Device) Decrypt(req ped.CipherRequest) ([]byte, error) {
	return d.cipherOp("decrypt", req, false)
}

func (d *Device) CalculateMac(req ped.MacRequest) ([]byte, error) {
	const op = "calculate-mac"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(op); err != nil {
		return nil, err
	}
	alg, key, _, err := d.resolve(op, req.Mode, req.Slot, model.KeyTypeWorkingMac, req.Group, true, pedcrypto.VariantMACRequest, pedcrypto.UsageMACGenerate)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	macAlg := req.Algorithm
	if req.Mode == ped.ModeDukpt {
		macAlg = ped.MacCMAC
		if alg == model.AlgTDES2 {
			macAlg = ped.MacRetail
		}
	}
	if macAlg == ped.MacRetail {
		if alg != model.AlgTDES2 {
			return nil, &ped.Error{Op: op, Err: fmt.Errorf("%w: retail mac needs a double length DES key, have %v", ped.ErrUnsupportedAlgorithm, alg)}
		}
		mac, err := pedcrypto.RetailMAC(key, req.Data)
		if err != nil {
			return nil, ped.HardwareError(op, 0, err)
		}
		return mac, nil
	}
	b, err := pedcrypto.NewCipher(alg, key)
	if err != nil {
		return nil, ped.HardwareError(op, 0, err)
	}
	return pedcrypto.CMAC(b, req.Data), nil
}

// GetPinBlock captures a PIN from the keypad and enciphers it: ISO format 0
// under DES family keys, format 4 under AES keys.
func (d *Device) GetPinBlock(ctx context.Context, req ped.PinBlockRequest) (ped.PinBlock, error) {
	const op = "get-pin-block"
	d.mu.Lock()
	if err := d.checkOpen(op); err != nil {
		d.mu.Unlock()
		return ped.PinBlock{}, err
	}
	kp := d.keypad
	d.mu.Unlock()
	if !d.profile.Caps.PinEntry || kp == nil {
		return ped.PinBlock{}, &ped.Error{Op: op, Err: fmt.Errorf("%w: no keypad", ped.ErrUnsupported)}
	}

	// The key table stays unlocked while the cardholder types.
	digits, err := ped.AwaitPIN(ctx, req.Timeout, func(deliver func(ped.PinResult)) (func(), error) {
		cancel := kp.Prompt(func(pin string, err error) {
			deliver(ped.PinResult{Block: []byte(pin), Err: err})
		})
		return cancel, nil
	})
	if err != nil {
		return ped.PinBlock{}, err
	}
	defer memguard.WipeBytes(digits)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(op); err != nil {
		return ped.PinBlock{}, err
	}
	alg, key, ksn, err := d.resolve(op, req.Mode, req.Slot, model.KeyTypeWorkingPin, req.Group, true, pedcrypto.VariantPIN, pedcrypto.UsagePINEncryption)
	if err != nil {
		return ped.PinBlock{}, err
	}
	defer memguard.WipeBytes(key)
	b, err := pedcrypto.NewCipher(alg, key)
	if err != nil {
		return ped.PinBlock{}, ped.HardwareError(op, 0, err)
	}

	pb := ped.PinBlock{KSN: ksn}
	if b.BlockSize() == 16 {
		pb.Format = pedcrypto.FormatISO4
		pb.Block, err = pedcrypto.EncodeISO4(b, string(digits), req.PAN, nil)
	} else {
		pb.Format = pedcrypto.FormatISO0
		pb.Block, err = pedcrypto.EncodeISO0(b, string(digits), req.PAN)
	}
	if err != nil {
		return ped.PinBlock{}, &ped.Error{Op: op, Err: err}
	}
	return pb, nil
}
