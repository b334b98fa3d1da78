// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"github.com/toeirei/keyloader/internal/db"
	"github.com/toeirei/keyloader/internal/logging"
	"github.com/toeirei/keyloader/internal/model"
	"github.com/toeirei/keyloader/internal/ped"
	"github.com/toeirei/keyloader/internal/ped/pedcrypto"
	"github.com/toeirei/keyloader/internal/protocol"
)

// tdesKSNHexLength is the length of a 10 byte KSN in hex.
const tdesKSNHexLength = 20

// injection collects what a successful load persists.
type injection struct {
	alg       model.Algorithm
	deviceKCV string
	ksn       []byte
	ktk       *model.KeySlotRecord
}

func (o *Orchestrator) inject(ctx context.Context, r *run, c protocol.InjectSymmetricKey) (protocol.Response, error) {
	r.to(StateValidating)
	if !c.EncryptionType.Valid() {
		return protocol.Response{}, fail(protocol.RespInvalidEncryptionType, "encryption type %02d", int(c.EncryptionType))
	}
	if c.KeyType < model.KeyTypeMaster || c.KeyType > model.KeyTypeDukptInitial {
		return protocol.Response{}, fail(protocol.RespInvalidKeyType, "key type %s", c.KeyType.Code())
	}
	caps := o.dev.Capabilities()
	if c.KeyType == model.KeyTypeDukptInitial {
		if !caps.DukptGroups.Contains(c.Slot) {
			return protocol.Response{}, fail(protocol.RespInvalidSlot, "dukpt group %d outside %d-%d", c.Slot, caps.DukptGroups.Min, caps.DukptGroups.Max)
		}
	} else if !caps.KeySlots.Contains(c.Slot) {
		return protocol.Response{}, fail(protocol.RespInvalidSlot, "slot %d outside %d-%d", c.Slot, caps.KeySlots.Min, caps.KeySlots.Max)
	}
	key, err := c.KeyBytes()
	if err != nil || len(key) == 0 {
		return protocol.Response{}, fail(protocol.RespInvalidKeyLength, "key data is not hex")
	}
	defer memguard.WipeBytes(key)

	// Seal before the device sees the key so a sealing failure never leaves
	// an unrecorded key behind.
	sealed, err := o.sealer.SealHex(c.KeyHex)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("seal key material: %w", err)
	}

	var inj injection
	switch c.EncryptionType {
	case protocol.EncPlaintext:
		inj, err = o.injectPlain(ctx, r, c, key, caps)
	case protocol.EncKTKWrapped, protocol.EncHardwarePass:
		inj, err = o.injectWrapped(ctx, r, c, key, caps)
	case protocol.EncDukptTR31:
		inj, err = o.injectTR31(ctx, r, c, key, caps)
	case protocol.EncDukptPlaintext:
		inj, err = o.injectDukptPlain(r, c, key, caps)
	}
	if err != nil {
		return protocol.Response{}, err
	}

	r.to(StatePersisting)
	rec := &model.KeySlotRecord{
		Slot:       c.Slot,
		Type:       c.KeyType,
		Algorithm:  inj.alg,
		KCV:        strings.ToUpper(strings.TrimSpace(c.KCV)),
		Sealed:     sealed,
		Status:     model.StatusSuccessful,
		InjectedAt: time.Now().UTC(),
	}
	if rec.KCV == "" {
		rec.KCV = inj.deviceKCV
	}
	rec.IsKEK, rec.KEKType = model.KEKFlagsFor(c.KeyType)
	if len(inj.ksn) > 0 {
		rec.KSN = strings.ToUpper(hex.EncodeToString(inj.ksn))
	}
	err = o.repo.InTx(ctx, func(tx db.KeyRepository) error {
		if err := tx.UpsertKey(ctx, rec); err != nil {
			return err
		}
		if inj.ktk != nil {
			if err := tx.MarkKEK(ctx, inj.ktk.Slot, inj.ktk.Type, model.KEKTransport); err != nil {
				return err
			}
		}
		return tx.LogAction(ctx, db.ActionInjectKey, fmt.Sprintf("%s enc=%s", rec, c.EncryptionType))
	})
	if err != nil {
		logging.Errorf("orchestrator: key loaded into slot %d but not recorded: %v", c.Slot, err)
		return protocol.Response{}, fmt.Errorf("persist key record: %w", err)
	}
	logging.Infof("orchestrator: injected %s via %s", rec, c.EncryptionType)
	return protocol.Response{KCV: rec.KCV}, nil
}

func (o *Orchestrator) checkLocalKCV(ctx context.Context, alg model.Algorithm, key []byte, asserted string) error {
	if strings.TrimSpace(asserted) == "" {
		return nil
	}
	kcv, err := pedcrypto.KCV(alg, key)
	if err != nil {
		return withCode(protocol.RespInvalidKeyLength, err)
	}
	if !kcvPrefixMatches(kcv, asserted) {
		o.audit(ctx, db.ActionSecurityAlert, fmt.Sprintf("kcv mismatch asserted=%s", model.KCVPrefix(asserted)))
		return fail(protocol.RespKcvMismatch, "asserted kcv %s does not match key", model.KCVPrefix(asserted))
	}
	return nil
}

func kcvPrefixMatches(computed, asserted string) bool {
	asserted = strings.ToUpper(strings.TrimSpace(asserted))
	computed = strings.ToUpper(computed)
	if len(asserted) > len(computed) {
		asserted = asserted[:len(computed)]
	}
	return strings.HasPrefix(computed, asserted)
}

func (o *Orchestrator) injectPlain(ctx context.Context, r *run, c protocol.InjectSymmetricKey, key []byte, caps ped.Capabilities) (injection, error) {
	if c.KeyType.IsWorking() {
		logging.Warnf("security: plaintext %s for slot %d rejected", c.KeyType, c.Slot)
		o.audit(ctx, db.ActionRejectKey, fmt.Sprintf("slot=%d type=%s reason=plaintext working key", c.Slot, c.KeyType))
		o.audit(ctx, db.ActionSecurityAlert, fmt.Sprintf("plaintext working key slot=%d type=%s", c.Slot, c.KeyType))
		return injection{}, fail(protocol.RespInvalidKeyType, "working keys must not travel in plaintext")
	}
	if c.KeyType == model.KeyTypeDukptInitial {
		return o.injectDukptPlain(r, c, key, caps)
	}
	if !caps.Supports(c.Algorithm) {
		return injection{}, fail(protocol.RespUnsupportedAlgorithm, "%v not supported", c.Algorithm)
	}
	if len(key) != c.Algorithm.KeyLength() {
		return injection{}, fail(protocol.RespInvalidKeyLength, "%v needs %d bytes, got %d", c.Algorithm, c.Algorithm.KeyLength(), len(key))
	}
	if err := o.checkLocalKCV(ctx, c.Algorithm, key, c.KCV); err != nil {
		return injection{}, err
	}

	r.to(StateExecuting)
	kcv, err := o.dev.WriteKeyPlain(ped.WritePlainRequest{Slot: c.Slot, Type: c.KeyType, Algorithm: c.Algorithm, Key: key})
	if err != nil {
		return injection{}, err
	}
	return injection{alg: c.Algorithm, deviceKCV: kcv}, nil
}

// lookupKTK finds the key protecting a wrapped key: a transport key at slot
// first, then a master key.
func (o *Orchestrator) lookupKTK(ctx context.Context, slot int) (*model.KeySlotRecord, error) {
	for _, t := range []model.KeyType{model.KeyTypeTransport, model.KeyTypeMaster} {
		rec, err := o.repo.GetKey(ctx, slot, t)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Status != model.StatusSuccessful {
			continue
		}
		return rec, nil
	}
	o.audit(ctx, db.ActionSecurityAlert, fmt.Sprintf("ktk not found slot=%d", slot))
	return nil, fail(protocol.RespKtkNotFound, "no transport or master key at slot %d", slot)
}

// verifyKTK compares the asserted checksum with the stored KCV of the KTK.
// required makes an absent checksum fail.
func (o *Orchestrator) verifyKTK(ctx context.Context, ktk *model.KeySlotRecord, asserted string, required bool) error {
	prefix := model.KCVPrefix(asserted)
	if prefix == "" {
		if !required {
			return nil
		}
		o.audit(ctx, db.ActionSecurityAlert, fmt.Sprintf("ktk checksum missing slot=%d", ktk.Slot))
		return fail(protocol.RespKcvMismatch, "ktk checksum missing")
	}
	if prefix != ktk.KCVPrefix() {
		o.audit(ctx, db.ActionSecurityAlert, fmt.Sprintf("ktk checksum mismatch slot=%d asserted=%s", ktk.Slot, prefix))
		return fail(protocol.RespKcvMismatch, "ktk checksum %s does not match slot %d", prefix, ktk.Slot)
	}
	return nil
}

func (o *Orchestrator) injectWrapped(ctx context.Context, r *run, c protocol.InjectSymmetricKey, key []byte, caps ped.Capabilities) (injection, error) {
	mode := ped.WrapSoftware
	if c.EncryptionType == protocol.EncHardwarePass {
		mode = ped.WrapHardware
		if !caps.HardwarePassthrough {
			return injection{}, fail(protocol.RespUnsupportedAlgorithm, "device has no hardware pass-through")
		}
	}
	if !caps.Supports(c.Algorithm) {
		return injection{}, fail(protocol.RespUnsupportedAlgorithm, "%v not supported", c.Algorithm)
	}
	if len(key) < c.Algorithm.KeyLength() || len(key)%8 != 0 {
		return injection{}, fail(protocol.RespInvalidKeyLength, "wrapped %v key of %d bytes", c.Algorithm, len(key))
	}
	ktk, err := o.lookupKTK(ctx, c.KTKSlot)
	if err != nil {
		return injection{}, err
	}
	if err := o.verifyKTK(ctx, ktk, c.KTKChecksum, true); err != nil {
		return injection{}, err
	}

	r.to(StateExecuting)
	kcv, err := o.dev.WriteKey(ped.WriteKeyRequest{
		Slot:          c.Slot,
		Type:          c.KeyType,
		Algorithm:     c.Algorithm,
		Wrapped:       key,
		KCV:           c.KCV,
		TransportSlot: ktk.Slot,
		TransportType: ktk.Type,
		Mode:          mode,
	})
	if err != nil {
		if errors.Is(err, ped.ErrKCVMismatch) {
			o.audit(ctx, db.ActionSecurityAlert, fmt.Sprintf("device rejected kcv slot=%d", c.Slot))
		}
		return injection{}, err
	}
	return injection{alg: c.Algorithm, deviceKCV: kcv, ktk: ktk}, nil
}

func parseWireKSN(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fail(protocol.RespInvalidKsn, "ksn missing")
	}
	ksn, err := model.ParseKSN(s)
	if err != nil {
		return nil, withCode(protocol.RespInvalidKsn, err)
	}
	return ksn, nil
}

func (o *Orchestrator) injectTR31(ctx context.Context, r *run, c protocol.InjectSymmetricKey, key []byte, caps ped.Capabilities) (injection, error) {
	if c.KeyType != model.KeyTypeDukptInitial {
		return injection{}, fail(protocol.RespInvalidKeyType, "tr-31 blocks carry dukpt initial keys, got %s", c.KeyType)
	}
	if len(strings.TrimSpace(c.KSN)) != tdesKSNHexLength {
		return injection{}, fail(protocol.RespInvalidKsn, "ksn must be %d hex characters", tdesKSNHexLength)
	}
	ksn, err := parseWireKSN(c.KSN)
	if err != nil {
		return injection{}, err
	}

	block := string(key)
	h, err := pedcrypto.ParseTR31Header(block)
	if err != nil {
		return injection{}, withCode(protocol.RespInvalidKeyLength, err)
	}
	if h.Usage != pedcrypto.TR31UsageInitialDukpt {
		return injection{}, fail(protocol.RespInvalidKeyType, "key block usage %s is not an initial dukpt key", h.Usage)
	}
	if h.Algorithm == 'A' {
		if !caps.AESDukpt {
			return injection{}, fail(protocol.RespUnsupportedAlgorithm, "device has no AES DUKPT")
		}
		if caps.AESKSNLength == model.KSNLengthAES {
			ksn = model.PadKSNForAES(ksn)
		}
	}

	kbpk, err := o.lookupKTK(ctx, c.KTKSlot)
	if err != nil {
		return injection{}, err
	}
	if err := o.verifyKTK(ctx, kbpk, c.KTKChecksum, false); err != nil {
		return injection{}, err
	}

	r.to(StateExecuting)
	kcv, err := o.dev.WriteDukptInitialKey(ped.DukptInitialKeyRequest{
		Group:     c.Slot,
		Algorithm: c.Algorithm,
		KeyBlock:  block,
		KBPKSlot:  kbpk.Slot,
		KBPKType:  kbpk.Type,
		KSN:       ksn,
		KCV:       c.KCV,
	})
	if err != nil {
		return injection{}, err
	}
	alg := c.Algorithm
	if info, err := o.dev.GetDukptInfo(c.Slot); err == nil {
		alg = info.Algorithm
	}
	return injection{alg: alg, deviceKCV: kcv, ksn: ksn, ktk: kbpk}, nil
}

// dukptKeyLengths is the required key size per DUKPT algorithm.
var dukptKeyLengths = map[model.Algorithm]int{
	model.AlgTDES2:  16,
	model.AlgAES128: 16,
	model.AlgAES192: 24,
	model.AlgAES256: 32,
}

func (o *Orchestrator) injectDukptPlain(r *run, c protocol.InjectSymmetricKey, key []byte, caps ped.Capabilities) (injection, error) {
	if c.KeyType != model.KeyTypeDukptInitial {
		return injection{}, fail(protocol.RespInvalidKeyType, "dukpt keys load as dukpt initial keys, got %s", c.KeyType)
	}
	ksn, err := parseWireKSN(c.KSN)
	if err != nil {
		return injection{}, err
	}
	want, ok := dukptKeyLengths[c.Algorithm]
	if !ok {
		return injection{}, fail(protocol.RespUnsupportedAlgorithm, "%v is not a dukpt algorithm", c.Algorithm)
	}
	if len(key) != want {
		return injection{}, fail(protocol.RespInvalidKeyLength, "%v dukpt key needs %d bytes, got %d", c.Algorithm, want, len(key))
	}

	alg := c.Algorithm
	if alg.IsAES() && !caps.AESDukpt {
		if len(key) > 16 {
			return injection{}, fail(protocol.RespUnsupportedAlgorithm, "device has no AES DUKPT and %d byte keys cannot use 3DES", len(key))
		}
		if !o.opts.AllowAESDukptDowngrade {
			return injection{}, fail(protocol.RespUnsupportedAlgorithm, "device has no AES DUKPT")
		}
		logging.Warnf("orchestrator: loading %v dukpt key for group %d on the 3DES path", alg, c.Slot)
		alg = model.AlgTDES2
	}

	if alg.IsAES() {
		if caps.AESKSNLength == model.KSNLengthAES && len(ksn) == model.KSNLengthTDES {
			ksn = model.PadKSNForAES(ksn)
		}
	} else if len(ksn) != model.KSNLengthTDES {
		return injection{}, fail(protocol.RespInvalidKsn, "3DES DUKPT needs a %d byte ksn, got %d", model.KSNLengthTDES, len(ksn))
	}

	r.to(StateExecuting)
	kcv, err := o.dev.WriteDukptInitialKey(ped.DukptInitialKeyRequest{
		Group:     c.Slot,
		Algorithm: alg,
		Key:       key,
		KSN:       ksn,
		KCV:       c.KCV,
	})
	if err != nil {
		return injection{}, err
	}
	return injection{alg: alg, deviceKCV: kcv, ksn: ksn}, nil
}
