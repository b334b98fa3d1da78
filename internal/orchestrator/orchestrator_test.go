// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/toeirei/keyloader/internal/db"
	"github.com/toeirei/keyloader/internal/envelope"
	"github.com/toeirei/keyloader/internal/model"
	"github.com/toeirei/keyloader/internal/ped"
	"github.com/toeirei/keyloader/internal/ped/pedcrypto"
	"github.com/toeirei/keyloader/internal/ped/softped"
	"github.com/toeirei/keyloader/internal/protocol"
	"github.com/toeirei/keyloader/internal/testutil"
)

const (
	tdesKey    = "0123456789ABCDEFFEDCBA9876543210"
	tdesKeyKCV = "08D7B4"
	testKSN    = "FFFF9876543210E00000"
)

type harness struct {
	o     *Orchestrator
	dev   *softped.Device
	store *db.BunStore
	vault *envelope.Vault
}

func newHarness(t *testing.T, p softped.Profile, opts Options) *harness {
	t.Helper()
	dev := softped.New(p)
	t.Cleanup(func() { _ = dev.Close() })
	h := &harness{dev: dev, store: testutil.NewStore(t), vault: testutil.NewVault(t)}
	h.o = New(dev, h.store, h.vault, opts)
	return h
}

func (h *harness) handle(t *testing.T, cmd protocol.Command) protocol.Response {
	t.Helper()
	return h.o.Handle(context.Background(), cmd)
}

func (h *harness) mustInject(t *testing.T, cmd protocol.InjectSymmetricKey) protocol.Response {
	t.Helper()
	resp := h.handle(t, cmd)
	if resp.Code != protocol.RespSuccessful {
		t.Fatalf("inject slot %d: %s", cmd.Slot, resp.Code)
	}
	return resp
}

func (h *harness) audited(t *testing.T, action string) bool {
	t.Helper()
	entries, err := h.store.GetAuditLog(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	for _, e := range entries {
		if e.Action == action {
			return true
		}
	}
	return false
}

func plainMaster(slot int) protocol.InjectSymmetricKey {
	return protocol.InjectSymmetricKey{Slot: slot, KeyType: model.KeyTypeMaster, Algorithm: model.AlgTDES2, EncryptionType: protocol.EncPlaintext, KeyHex: tdesKey, KCV: "08D7"}
}

func TestInjectPlaintextMaster(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	resp := h.mustInject(t, plainMaster(1))
	if resp.KCV != "08D7" || resp.Serial == "" || resp.Model != softped.Soft.Model {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec, err := h.store.GetKey(context.Background(), 1, model.KeyTypeMaster)
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if rec.Status != model.StatusSuccessful || !rec.IsKEK || rec.KEKType != model.KEKStorage {
		t.Fatalf("unexpected record %+v", rec)
	}
	plain, err := h.vault.Open(rec.Sealed)
	if err != nil || string(plain) != tdesKey {
		t.Fatalf("sealed material = %q, %v", plain, err)
	}
	if ok, _ := h.dev.IsKeyPresent(1, model.KeyTypeMaster); !ok {
		t.Fatalf("key not loaded into the device")
	}
	if !h.audited(t, db.ActionInjectKey) {
		t.Fatalf("inject not audited")
	}
}

func TestInjectPlaintextWithoutKCVStoresDeviceKCV(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	cmd := plainMaster(2)
	cmd.KCV = ""
	if resp := h.mustInject(t, cmd); resp.KCV != tdesKeyKCV {
		t.Fatalf("kcv = %s, want %s", resp.KCV, tdesKeyKCV)
	}
}

func TestInjectValidation(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	cases := []struct {
		name string
		mut  func(*protocol.InjectSymmetricKey)
		want protocol.ResponseCode
	}{
		{"encryption type", func(c *protocol.InjectSymmetricKey) { c.EncryptionType = 3 }, protocol.RespInvalidEncryptionType},
		{"key type", func(c *protocol.InjectSymmetricKey) { c.KeyType = model.KeyTypeUnknown }, protocol.RespInvalidKeyType},
		{"slot", func(c *protocol.InjectSymmetricKey) { c.Slot = 100 }, protocol.RespInvalidSlot},
		{"hex", func(c *protocol.InjectSymmetricKey) { c.KeyHex = "XYZ" }, protocol.RespInvalidKeyLength},
		{"length", func(c *protocol.InjectSymmetricKey) { c.KeyHex = tdesKey[:16] }, protocol.RespInvalidKeyLength},
		{"kcv", func(c *protocol.InjectSymmetricKey) { c.KCV = "0000" }, protocol.RespKcvMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := plainMaster(7)
			tc.mut(&cmd)
			if resp := h.handle(t, cmd); resp.Code != tc.want {
				t.Fatalf("code = %s, want %s", resp.Code, tc.want)
			}
		})
	}
	if recs, _ := h.store.ListKeys(context.Background()); len(recs) != 0 {
		t.Fatalf("rejected injections must not persist, got %v", recs)
	}
}

func TestPlaintextWorkingKeyRejected(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	cmd := plainMaster(3)
	cmd.KeyType = model.KeyTypeWorkingPin
	if resp := h.handle(t, cmd); resp.Code != protocol.RespInvalidKeyType {
		t.Fatalf("code = %s", resp.Code)
	}
	if ok, _ := h.dev.IsKeyPresent(3, model.KeyTypeWorkingPin); ok {
		t.Fatalf("plaintext working key reached the device")
	}
	if !h.audited(t, db.ActionRejectKey) || !h.audited(t, db.ActionSecurityAlert) {
		t.Fatalf("rejection not audited")
	}
}

func wrappedWorking(t *testing.T, ktkSlot int, checksum string) (protocol.InjectSymmetricKey, string) {
	t.Helper()
	ktk, _ := hex.DecodeString(tdesKey)
	working, _ := hex.DecodeString("1111111111111111AAAAAAAAAAAAAAAA")
	wrapped, err := pedcrypto.WrapECB(model.AlgTDES2, ktk, working)
	if err != nil {
		t.Fatalf("WrapECB: %v", err)
	}
	kcv, _ := pedcrypto.KCV(model.AlgTDES2, working)
	return protocol.InjectSymmetricKey{
		Slot:           4,
		KeyType:        model.KeyTypeWorkingPin,
		Algorithm:      model.AlgTDES2,
		EncryptionType: protocol.EncKTKWrapped,
		KeyHex:         strings.ToUpper(hex.EncodeToString(wrapped)),
		KCV:            kcv[:4],
		KTKSlot:        ktkSlot,
		KTKChecksum:    checksum,
	}, kcv
}

func TestInjectWrappedUnderTransportKey(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	ktk := plainMaster(3)
	ktk.KeyType = model.KeyTypeTransport
	h.mustInject(t, ktk)

	cmd, _ := wrappedWorking(t, 3, "08D7")
	h.mustInject(t, cmd)
	if ok, _ := h.dev.IsKeyPresent(4, model.KeyTypeWorkingPin); !ok {
		t.Fatalf("working key missing from device")
	}
	ktkRec, _ := h.store.GetKey(context.Background(), 3, model.KeyTypeTransport)
	if !ktkRec.IsKEK || ktkRec.KEKType != model.KEKTransport {
		t.Fatalf("ktk not flagged: %+v", ktkRec)
	}
	work, _ := h.store.GetKey(context.Background(), 4, model.KeyTypeWorkingPin)
	if work.IsKEK {
		t.Fatalf("working key flagged as kek")
	}
}

func TestInjectWrappedFailures(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	h.mustInject(t, plainMaster(3))

	cmd, _ := wrappedWorking(t, 3, "")
	if resp := h.handle(t, cmd); resp.Code != protocol.RespKcvMismatch {
		t.Fatalf("missing checksum: %s", resp.Code)
	}
	cmd, _ = wrappedWorking(t, 3, "FFFF")
	if resp := h.handle(t, cmd); resp.Code != protocol.RespKcvMismatch {
		t.Fatalf("wrong checksum: %s", resp.Code)
	}
	cmd, _ = wrappedWorking(t, 9, "08D7")
	if resp := h.handle(t, cmd); resp.Code != protocol.RespKtkNotFound {
		t.Fatalf("missing ktk: %s", resp.Code)
	}
	cmd, _ = wrappedWorking(t, 3, "08D7")
	cmd.KCV = "0000"
	if resp := h.handle(t, cmd); resp.Code != protocol.RespKcvMismatch {
		t.Fatalf("device kcv mismatch: %s", resp.Code)
	}
	if _, err := h.store.GetKey(context.Background(), 4, model.KeyTypeWorkingPin); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("failed injections persisted a record: %v", err)
	}
}

func TestHardwarePassthroughRequiresCapability(t *testing.T) {
	h := newHarness(t, softped.SoftTDES, Options{})
	h.mustInject(t, plainMaster(3))
	cmd, _ := wrappedWorking(t, 3, "08D7")
	cmd.EncryptionType = protocol.EncHardwarePass
	if resp := h.handle(t, cmd); resp.Code != protocol.RespUnsupportedAlgorithm {
		t.Fatalf("code = %s", resp.Code)
	}
}

func TestInjectTR31(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	kbpkHex := "89E88CF7931444F334BD7547FC3F380C"
	h.mustInject(t, protocol.InjectSymmetricKey{Slot: 5, KeyType: model.KeyTypeTransport, Algorithm: model.AlgTDES2, EncryptionType: protocol.EncPlaintext, KeyHex: kbpkHex})

	kbpk, _ := hex.DecodeString(kbpkHex)
	ipek, _ := hex.DecodeString("6AC292FAA1315B4D858AB3A3D7D5933A")
	block, err := pedcrypto.WrapTR31(kbpk, "B0000B1TX00N0000", ipek, nil)
	if err != nil {
		t.Fatalf("WrapTR31: %v", err)
	}
	cmd := protocol.InjectSymmetricKey{
		Slot:           2,
		KeyType:        model.KeyTypeDukptInitial,
		Algorithm:      model.AlgTDES2,
		EncryptionType: protocol.EncDukptTR31,
		KeyHex:         hex.EncodeToString([]byte(block)),
		KTKSlot:        5,
		KSN:            testKSN,
	}
	h.mustInject(t, cmd)
	rec, err := h.store.GetKey(context.Background(), 2, model.KeyTypeDukptInitial)
	if err != nil || rec.KSN != testKSN || rec.Algorithm != model.AlgTDES2 {
		t.Fatalf("record = %+v, %v", rec, err)
	}
	if info, err := h.dev.GetDukptInfo(2); err != nil || info.Counter != 0 {
		t.Fatalf("dukpt info = %+v, %v", info, err)
	}

	bad := cmd
	bad.KSN = testKSN[:18]
	if resp := h.handle(t, bad); resp.Code != protocol.RespInvalidKsn {
		t.Fatalf("short ksn: %s", resp.Code)
	}
	bad = cmd
	bad.KeyType = model.KeyTypeMaster
	if resp := h.handle(t, bad); resp.Code != protocol.RespInvalidKeyType {
		t.Fatalf("wrong key type: %s", resp.Code)
	}
	bad = cmd
	bad.KeyHex = hex.EncodeToString([]byte("B0000B1TX00N0000"))
	if resp := h.handle(t, bad); resp.Code != protocol.RespInvalidKeyLength {
		t.Fatalf("truncated block: %s", resp.Code)
	}
}

func dukptPlain(alg model.Algorithm, keyHex string) protocol.InjectSymmetricKey {
	return protocol.InjectSymmetricKey{Slot: 1, KeyType: model.KeyTypeDukptInitial, Algorithm: alg, EncryptionType: protocol.EncDukptPlaintext, KeyHex: keyHex, KSN: testKSN}
}

func TestInjectDukptPlaintextTDES(t *testing.T) {
	h := newHarness(t, softped.SoftTDES, Options{})
	h.mustInject(t, dukptPlain(model.AlgTDES2, "6AC292FAA1315B4D858AB3A3D7D5933A"))
	rec, _ := h.store.GetKey(context.Background(), 1, model.KeyTypeDukptInitial)
	if rec.KSN != testKSN {
		t.Fatalf("ksn = %s", rec.KSN)
	}

	cmd := dukptPlain(model.AlgTDES2, "6AC292FAA1315B4D858AB3A3D7D5933A")
	cmd.KSN = ""
	if resp := h.handle(t, cmd); resp.Code != protocol.RespInvalidKsn {
		t.Fatalf("blank ksn: %s", resp.Code)
	}
	cmd = dukptPlain(model.AlgDES, "0123456789ABCDEF")
	if resp := h.handle(t, cmd); resp.Code != protocol.RespUnsupportedAlgorithm {
		t.Fatalf("des dukpt: %s", resp.Code)
	}
	cmd = dukptPlain(model.AlgTDES2, "0123456789ABCDEF")
	if resp := h.handle(t, cmd); resp.Code != protocol.RespInvalidKeyLength {
		t.Fatalf("short key: %s", resp.Code)
	}
}

func TestAESDukptDowngrade(t *testing.T) {
	aes128 := dukptPlain(model.AlgAES128, "FEDCBA9876543210F1F1F1F1F1F1F1F1")

	strict := newHarness(t, softped.SoftTDES, Options{})
	if resp := strict.handle(t, aes128); resp.Code != protocol.RespUnsupportedAlgorithm {
		t.Fatalf("downgrade disabled: %s", resp.Code)
	}

	lenient := newHarness(t, softped.SoftTDES, Options{AllowAESDukptDowngrade: true})
	lenient.mustInject(t, aes128)
	rec, _ := lenient.store.GetKey(context.Background(), 1, model.KeyTypeDukptInitial)
	if rec.Algorithm != model.AlgTDES2 {
		t.Fatalf("algorithm = %v, want 3DES", rec.Algorithm)
	}
	aes256 := dukptPlain(model.AlgAES256, strings.Repeat("AB", 32))
	if resp := lenient.handle(t, aes256); resp.Code != protocol.RespUnsupportedAlgorithm {
		t.Fatalf("aes-256 must never downgrade: %s", resp.Code)
	}
}

func TestAESDukptPadsShortKSN(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	h.mustInject(t, dukptPlain(model.AlgAES128, "FEDCBA9876543210F1F1F1F1F1F1F1F1"))
	rec, _ := h.store.GetKey(context.Background(), 1, model.KeyTypeDukptInitial)
	if rec.KSN != "0000"+testKSN {
		t.Fatalf("ksn = %s", rec.KSN)
	}
}

func TestPersistFailureIsNotSuccess(t *testing.T) {
	dev := softped.New(softped.Soft)
	defer dev.Close()
	repo := &testutil.FailingRepo{KeyRepository: testutil.NewStore(t), FailUpsert: true}
	o := New(dev, repo, testutil.NewVault(t), Options{})
	if resp := o.Handle(context.Background(), plainMaster(1)); resp.Code == protocol.RespSuccessful {
		t.Fatalf("persist failure reported success")
	}
}

func TestBusyRejection(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	h.handle(t, protocol.Poll{})
	h.o.mu.Lock()
	resp := h.handle(t, protocol.ReadSerial{})
	h.o.mu.Unlock()
	if resp.Code != protocol.RespDeviceIsBusy || resp.Serial == "" {
		t.Fatalf("busy response = %+v", resp)
	}
}

func TestBrandAndSerial(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	if resp := h.handle(t, protocol.ValidateDeviceBrand{Brand: "keyloader"}); resp.Code != protocol.RespSuccessful || resp.Brand != "KEYLOADER" {
		t.Fatalf("brand match = %+v", resp)
	}
	if resp := h.handle(t, protocol.ValidateDeviceBrand{Brand: "OTHER"}); resp.Code != protocol.RespDeviceBrandMismatch {
		t.Fatalf("brand mismatch = %s", resp.Code)
	}
	if resp := h.handle(t, protocol.WriteSerial{Serial: "SN-0042"}); resp.Code != protocol.RespSuccessful || resp.Serial != "SN-0042" {
		t.Fatalf("write serial = %+v", resp)
	}
	if resp := h.handle(t, protocol.WriteSerial{Serial: ""}); resp.Code != protocol.RespSerialWriteFailed {
		t.Fatalf("empty serial = %s", resp.Code)
	}
}

func TestMalformedCommand(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	resp := h.handle(t, protocol.MalformedCommand{Command: protocol.CmdInjectSymmetricKey, Err: errors.New("bad field")})
	if resp.Code != protocol.RespMalformedCommand || resp.Command != protocol.CmdInjectSymmetricKey {
		t.Fatalf("response = %+v", resp)
	}
}

func TestUninstall(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	if resp := h.handle(t, protocol.UninstallApp{}); resp.Code != protocol.RespUninstallFailed {
		t.Fatalf("no hook = %s", resp.Code)
	}
	called := false
	h2 := newHarness(t, softped.Soft, Options{Uninstall: func(context.Context) error { called = true; return nil }})
	if resp := h2.handle(t, protocol.UninstallApp{}); resp.Code != protocol.RespSuccessful || !called || !h2.o.Stopped() {
		t.Fatalf("uninstall = %s called=%v", resp.Code, called)
	}
}

// failingDelete makes every hardware delete fail.
type failingDelete struct {
	ped.Device
}

func (failingDelete) DeleteKey(int, model.KeyType) error {
	return ped.HardwareError("delete-key", 0x31, errors.New("secure element busy"))
}

func (failingDelete) DeleteAllKeys() error {
	return ped.HardwareError("delete-all-keys", 0x31, errors.New("secure element busy"))
}

func TestDeleteSingleKey(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	h.mustInject(t, plainMaster(1))
	if resp := h.handle(t, protocol.DeleteSingleKey{Slot: 1, KeyType: model.KeyTypeMaster}); resp.Code != protocol.RespSuccessful {
		t.Fatalf("delete = %s", resp.Code)
	}
	if _, err := h.store.GetKey(context.Background(), 1, model.KeyTypeMaster); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("record survived: %v", err)
	}
	if ok, _ := h.dev.IsKeyPresent(1, model.KeyTypeMaster); ok {
		t.Fatalf("key survived in device")
	}
	if resp := h.handle(t, protocol.DeleteSingleKey{Slot: 1, KeyType: model.KeyTypeMaster}); resp.Code != protocol.RespSuccessful {
		t.Fatalf("deleting an empty slot = %s", resp.Code)
	}
	if resp := h.handle(t, protocol.DeleteSingleKey{Slot: 500, KeyType: model.KeyTypeMaster}); resp.Code != protocol.RespInvalidSlot {
		t.Fatalf("out of range = %s", resp.Code)
	}
}

func TestDeleteFailureRestoresStatus(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	h.mustInject(t, plainMaster(1))
	h.mustInject(t, plainMaster(2))
	o := New(failingDelete{h.dev}, h.store, h.vault, Options{})

	if resp := o.Handle(context.Background(), protocol.DeleteSingleKey{Slot: 1, KeyType: model.KeyTypeMaster}); resp.Code != protocol.RespKeyDeletionFailed {
		t.Fatalf("single = %s", resp.Code)
	}
	if resp := o.Handle(context.Background(), protocol.DeleteKey{Slot: 1}); resp.Code != protocol.RespKeyDeletionFailed {
		t.Fatalf("slot = %s", resp.Code)
	}
	if resp := o.Handle(context.Background(), protocol.DeleteAllKeys{}); resp.Code != protocol.RespKeyDeletionFailed {
		t.Fatalf("all = %s", resp.Code)
	}
	recs, _ := h.store.ListKeys(context.Background())
	if len(recs) != 2 {
		t.Fatalf("records = %d", len(recs))
	}
	for _, r := range recs {
		if r.Status != model.StatusSuccessful {
			t.Fatalf("%s left in %s", r, r.Status)
		}
	}
	if !h.audited(t, db.ActionDeleteFailed) {
		t.Fatalf("failed delete not audited")
	}
}

func TestDeleteCancelledBeforeHardware(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	h.mustInject(t, plainMaster(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if resp := h.o.Handle(ctx, protocol.DeleteSingleKey{Slot: 1, KeyType: model.KeyTypeMaster}); resp.Code != protocol.RespKeyDeletionFailed {
		t.Fatalf("code = %s", resp.Code)
	}
	if ok, _ := h.dev.IsKeyPresent(1, model.KeyTypeMaster); !ok {
		t.Fatalf("cancelled delete reached the device")
	}
	rec, _ := h.store.GetKey(context.Background(), 1, model.KeyTypeMaster)
	if rec.Status != model.StatusSuccessful {
		t.Fatalf("status = %s", rec.Status)
	}
}

// cancelAfterMark cancels the command context once a record is marked
// Deleting, as a client hanging up mid delete would.
type cancelAfterMark struct {
	db.KeyRepository
	cancel context.CancelFunc
}

func (c cancelAfterMark) UpdateStatus(ctx context.Context, slot int, t model.KeyType, status model.KeyStatus) error {
	err := c.KeyRepository.UpdateStatus(ctx, slot, t, status)
	if status == model.StatusDeleting {
		c.cancel()
	}
	return err
}

func (c cancelAfterMark) UpdateStatusAll(ctx context.Context, status model.KeyStatus) (int, error) {
	n, err := c.KeyRepository.UpdateStatusAll(ctx, status)
	if status == model.StatusDeleting {
		c.cancel()
	}
	return n, err
}

func TestDeleteInterruptedAfterMarkReverts(t *testing.T) {
	cmds := map[string]protocol.Command{
		"single": protocol.DeleteSingleKey{Slot: 1, KeyType: model.KeyTypeMaster},
		"slot":   protocol.DeleteKey{Slot: 1},
		"all":    protocol.DeleteAllKeys{},
	}
	for name, cmd := range cmds {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, softped.Soft, Options{})
			h.mustInject(t, plainMaster(1))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			o := New(h.dev, cancelAfterMark{KeyRepository: h.store, cancel: cancel}, h.vault, Options{})

			if resp := o.Handle(ctx, cmd); resp.Code != protocol.RespKeyDeletionFailed {
				t.Fatalf("code = %s", resp.Code)
			}
			if ok, _ := h.dev.IsKeyPresent(1, model.KeyTypeMaster); !ok {
				t.Fatalf("interrupted delete reached the device")
			}
			rec, err := h.store.GetKey(context.Background(), 1, model.KeyTypeMaster)
			if err != nil || rec.Status != model.StatusSuccessful {
				t.Fatalf("record = %+v, %v", rec, err)
			}
			if !h.audited(t, db.ActionDeleteFailed) {
				t.Fatalf("interrupted delete not audited")
			}
		})
	}
}

// failSecondMark fails the second attempt to mark a record Deleting.
type failSecondMark struct {
	db.KeyRepository
	marks *int
}

func (f failSecondMark) UpdateStatus(ctx context.Context, slot int, t model.KeyType, status model.KeyStatus) error {
	if status == model.StatusDeleting {
		*f.marks++
		if *f.marks == 2 {
			return errors.New("lock timeout")
		}
	}
	return f.KeyRepository.UpdateStatus(ctx, slot, t, status)
}

func TestDeleteAtSlotMarkFailureRestoresMarked(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	h.mustInject(t, plainMaster(1))
	transport := plainMaster(1)
	transport.KeyType = model.KeyTypeTransport
	h.mustInject(t, transport)
	marks := 0
	o := New(h.dev, failSecondMark{KeyRepository: h.store, marks: &marks}, h.vault, Options{})

	if resp := o.Handle(context.Background(), protocol.DeleteKey{Slot: 1}); resp.Code == protocol.RespSuccessful {
		t.Fatalf("delete succeeded despite mark failure")
	}
	recs, _ := h.store.GetKeysAtSlot(context.Background(), 1)
	if len(recs) != 2 {
		t.Fatalf("records = %v", recs)
	}
	for _, r := range recs {
		if r.Status != model.StatusSuccessful {
			t.Fatalf("%s left in %s", r, r.Status)
		}
	}
}

func TestDeleteAtSlotAndAll(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{})
	h.mustInject(t, plainMaster(1))
	transport := plainMaster(1)
	transport.KeyType = model.KeyTypeTransport
	h.mustInject(t, transport)
	h.mustInject(t, plainMaster(2))

	if resp := h.handle(t, protocol.DeleteKey{Slot: 1}); resp.Code != protocol.RespSuccessful {
		t.Fatalf("delete slot = %s", resp.Code)
	}
	if recs, _ := h.store.GetKeysAtSlot(context.Background(), 1); len(recs) != 0 {
		t.Fatalf("slot 1 records = %v", recs)
	}
	if resp := h.handle(t, protocol.DeleteAllKeys{}); resp.Code != protocol.RespSuccessful {
		t.Fatalf("delete all = %s", resp.Code)
	}
	if recs, _ := h.store.ListKeys(context.Background()); len(recs) != 0 {
		t.Fatalf("records = %v", recs)
	}
	if !h.audited(t, db.ActionDeleteAll) {
		t.Fatalf("delete all not audited")
	}
}

func TestRecoverInterruptedDeletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, softped.Soft, Options{})
	h.mustInject(t, plainMaster(1))
	h.mustInject(t, plainMaster(2))
	for _, slot := range []int{1, 2} {
		if err := h.store.UpdateStatus(ctx, slot, model.KeyTypeMaster, model.StatusDeleting); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
	}
	if err := h.dev.DeleteKey(2, model.KeyTypeMaster); err != nil {
		t.Fatalf("device delete: %v", err)
	}

	n, err := h.o.Recover(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	rec, err := h.store.GetKey(ctx, 1, model.KeyTypeMaster)
	if err != nil || rec.Status != model.StatusSuccessful {
		t.Fatalf("slot 1 = %+v, %v", rec, err)
	}
	if _, err := h.store.GetKey(ctx, 2, model.KeyTypeMaster); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("slot 2 record must be removed, got %v", err)
	}
}

func TestEventsTraceStates(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{EventBuffer: 32})
	h.mustInject(t, plainMaster(1))
	var states []State
	for len(h.o.Events()) > 0 {
		states = append(states, (<-h.o.Events()).State)
	}
	want := []State{StateReceived, StateValidating, StateExecuting, StatePersisting, StateResponding, StateDone}
	if len(states) != len(want) {
		t.Fatalf("states = %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v", states)
		}
	}
}

func TestEventsEndInFailed(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{EventBuffer: 32})
	h.handle(t, protocol.DeleteSingleKey{Slot: 500, KeyType: model.KeyTypeMaster})
	var last Event
	for len(h.o.Events()) > 0 {
		ev := <-h.o.Events()
		if ev.State == StateDone || ev.State == StateResponding {
			t.Fatalf("failed command reported %s", ev.State)
		}
		last = ev
	}
	if last.State != StateFailed || last.Code != protocol.RespInvalidSlot || last.Err == nil {
		t.Fatalf("last event = %+v", last)
	}
}

func TestEventsDropWhenFull(t *testing.T) {
	h := newHarness(t, softped.Soft, Options{EventBuffer: 1})
	h.handle(t, protocol.Poll{})
	if h.o.DroppedEvents() == 0 {
		t.Fatalf("expected dropped events")
	}
}

func TestResponseCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want protocol.ResponseCode
	}{
		{nil, protocol.RespSuccessful},
		{&ped.Error{Op: "x", Err: ped.ErrInvalidSlot}, protocol.RespInvalidSlot},
		{ped.ErrIntegrity, protocol.RespKcvMismatch},
		{ped.HardwareError("x", 1, nil), protocol.RespHardwareFailure},
		{ped.ErrPinEntryTimeout, protocol.RespHardwareFailure},
		{fail(protocol.RespInvalidKsn, "ksn"), protocol.RespInvalidKsn},
		{errors.New("database locked"), protocol.RespDeviceIsBusy},
	}
	for _, tc := range cases {
		if got := responseCodeFor(tc.err); got != tc.want {
			t.Errorf("responseCodeFor(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
