// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/toeirei/keyloader/internal/model"
)

func sealedFixture(b byte) model.Envelope {
	return model.Envelope{
		Ciphertext: bytes.Repeat([]byte{b}, 16),
		IV:         bytes.Repeat([]byte{b + 1}, model.EnvelopeIVSize),
		Tag:        bytes.Repeat([]byte{b + 2}, model.EnvelopeTagSize),
	}
}

func recordFixture(slot int, t model.KeyType, kcv string) *model.KeySlotRecord {
	isKEK, kekType := model.KEKFlagsFor(t)
	return &model.KeySlotRecord{
		Slot:      slot,
		Type:      t,
		Algorithm: model.AlgTDES2,
		KCV:       kcv,
		Sealed:    sealedFixture(byte(slot)),
		Status:    model.StatusSuccessful,
		IsKEK:     isKEK,
		KEKType:   kekType,
	}
}

func TestUpsertAndGetKey(t *testing.T) {
	WithTestStore(t, func(s *BunStore) {
		ctx := context.Background()
		rec := recordFixture(3, model.KeyTypeTransport, "a1b2c3")
		if err := s.UpsertKey(ctx, rec); err != nil {
			t.Fatalf("UpsertKey: %v", err)
		}
		if rec.ID == 0 {
			t.Fatalf("expected id to be assigned")
		}
		got, err := s.GetKey(ctx, 3, model.KeyTypeTransport)
		if err != nil {
			t.Fatalf("GetKey: %v", err)
		}
		if got.KCV != "A1B2C3" || !got.IsKEK || got.KEKType != model.KEKTransport {
			t.Fatalf("unexpected record: %+v", got)
		}
		if !bytes.Equal(got.Sealed.Ciphertext, rec.Sealed.Ciphertext) || !bytes.Equal(got.Sealed.Tag, rec.Sealed.Tag) {
			t.Fatalf("sealed payload not preserved")
		}

		// Upsert at the same (slot, type) replaces instead of duplicating.
		rec2 := recordFixture(3, model.KeyTypeTransport, "FFEEDD")
		if err := s.UpsertKey(ctx, rec2); err != nil {
			t.Fatalf("second UpsertKey: %v", err)
		}
		all, err := s.ListKeys(ctx)
		if err != nil {
			t.Fatalf("ListKeys: %v", err)
		}
		if len(all) != 1 || all[0].KCV != "FFEEDD" || all[0].ID != rec.ID {
			t.Fatalf("expected one replaced record, got %+v", all)
		}

		if _, err := s.GetKey(ctx, 4, model.KeyTypeTransport); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestInsertKeyDuplicate(t *testing.T) {
	WithTestStore(t, func(s *BunStore) {
		ctx := context.Background()
		if err := s.InsertKey(ctx, recordFixture(1, model.KeyTypeMaster, "111111")); err != nil {
			t.Fatalf("InsertKey: %v", err)
		}
		if err := s.InsertKey(ctx, recordFixture(1, model.KeyTypeMaster, "222222")); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}
	})
}

func TestFindByKCVAndSlotQueries(t *testing.T) {
	WithTestStore(t, func(s *BunStore) {
		ctx := context.Background()
		for _, r := range []*model.KeySlotRecord{
			recordFixture(5, model.KeyTypeMaster, "AAAAAA"),
			recordFixture(5, model.KeyTypeWorkingPin, "BBBBBB"),
			recordFixture(6, model.KeyTypeWorkingMac, "CCCCCC"),
		} {
			if err := s.UpsertKey(ctx, r); err != nil {
				t.Fatalf("UpsertKey: %v", err)
			}
		}
		got, err := s.FindByKCV(ctx, "bbbbbb")
		if err != nil || got.Type != model.KeyTypeWorkingPin {
			t.Fatalf("FindByKCV = %+v, %v", got, err)
		}
		at5, err := s.GetKeysAtSlot(ctx, 5)
		if err != nil || len(at5) != 2 {
			t.Fatalf("GetKeysAtSlot(5) = %d records, %v", len(at5), err)
		}
		n, err := s.DeleteKeysAtSlot(ctx, 5)
		if err != nil || n != 2 {
			t.Fatalf("DeleteKeysAtSlot = %d, %v", n, err)
		}
		if err := s.DeleteKey(ctx, 6, model.KeyTypeWorkingMac); err != nil {
			t.Fatalf("DeleteKey: %v", err)
		}
		if err := s.DeleteKey(ctx, 6, model.KeyTypeWorkingMac); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second delete, got %v", err)
		}
	})
}

func TestUpdateStatusRemembersPrior(t *testing.T) {
	WithTestStore(t, func(s *BunStore) {
		ctx := context.Background()
		rec := recordFixture(2, model.KeyTypeWorkingData, "123456")
		rec.Status = model.StatusPending
		if err := s.UpsertKey(ctx, rec); err != nil {
			t.Fatalf("UpsertKey: %v", err)
		}
		if err := s.UpdateStatus(ctx, 2, model.KeyTypeWorkingData, model.StatusDeleting); err != nil {
			t.Fatalf("mark deleting: %v", err)
		}
		// Marking twice keeps the original prior status.
		if err := s.UpdateStatus(ctx, 2, model.KeyTypeWorkingData, model.StatusDeleting); err != nil {
			t.Fatalf("mark deleting again: %v", err)
		}
		got, _ := s.GetKey(ctx, 2, model.KeyTypeWorkingData)
		if got.Status != model.StatusDeleting || got.PriorStatus != model.StatusPending {
			t.Fatalf("unexpected status pair %s/%s", got.Status, got.PriorStatus)
		}
		if err := s.UpdateStatus(ctx, 2, model.KeyTypeWorkingData, got.PriorStatus); err != nil {
			t.Fatalf("revert: %v", err)
		}
		got, _ = s.GetKey(ctx, 2, model.KeyTypeWorkingData)
		if got.Status != model.StatusPending || got.PriorStatus != "" {
			t.Fatalf("revert left %s/%s", got.Status, got.PriorStatus)
		}
		if err := s.UpdateStatus(ctx, 9, model.KeyTypeWorkingData, model.StatusDeleting); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing record, got %v", err)
		}
	})
}

func TestUpdateStatusAllAndRevert(t *testing.T) {
	WithTestStore(t, func(s *BunStore) {
		ctx := context.Background()
		a := recordFixture(1, model.KeyTypeMaster, "AAAAAA")
		b := recordFixture(2, model.KeyTypeWorkingPin, "BBBBBB")
		b.Status = model.StatusPending
		for _, r := range []*model.KeySlotRecord{a, b} {
			if err := s.UpsertKey(ctx, r); err != nil {
				t.Fatalf("UpsertKey: %v", err)
			}
		}
		n, err := s.UpdateStatusAll(ctx, model.StatusDeleting)
		if err != nil || n != 2 {
			t.Fatalf("UpdateStatusAll = %d, %v", n, err)
		}
		deleting, _ := s.ListKeysByStatus(ctx, model.StatusDeleting)
		if len(deleting) != 2 {
			t.Fatalf("expected 2 deleting records, got %d", len(deleting))
		}
		if n, err := s.RevertDeleting(ctx); err != nil || n != 2 {
			t.Fatalf("RevertDeleting = %d, %v", n, err)
		}
		ga, _ := s.GetKey(ctx, 1, model.KeyTypeMaster)
		gb, _ := s.GetKey(ctx, 2, model.KeyTypeWorkingPin)
		if ga.Status != model.StatusSuccessful || gb.Status != model.StatusPending {
			t.Fatalf("revert restored %s and %s", ga.Status, gb.Status)
		}
		if n, err := s.DeleteAllKeys(ctx); err != nil || n != 2 {
			t.Fatalf("DeleteAllKeys = %d, %v", n, err)
		}
	})
}

func TestInTxRollsBackOnError(t *testing.T) {
	WithTestStore(t, func(s *BunStore) {
		ctx := context.Background()
		boom := errors.New("boom")
		err := s.InTx(ctx, func(r KeyRepository) error {
			if err := r.UpsertKey(ctx, recordFixture(7, model.KeyTypeWorkingMac, "777777")); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := s.GetKey(ctx, 7, model.KeyTypeWorkingMac); !errors.Is(err, ErrNotFound) {
			t.Fatalf("record survived rollback: %v", err)
		}

		err = s.InTx(ctx, func(r KeyRepository) error {
			return r.UpsertKey(ctx, recordFixture(7, model.KeyTypeWorkingMac, "777777"))
		})
		if err != nil {
			t.Fatalf("commit InTx: %v", err)
		}
		if _, err := s.GetKey(ctx, 7, model.KeyTypeWorkingMac); err != nil {
			t.Fatalf("committed record missing: %v", err)
		}
	})
}

func TestMarkKEKKeepsExistingType(t *testing.T) {
	WithTestStore(t, func(s *BunStore) {
		ctx := context.Background()
		m := recordFixture(1, model.KeyTypeMaster, "AAAAAA")
		w := recordFixture(2, model.KeyTypeWorkingData, "BBBBBB")
		for _, r := range []*model.KeySlotRecord{m, w} {
			if err := s.UpsertKey(ctx, r); err != nil {
				t.Fatalf("UpsertKey: %v", err)
			}
		}
		if err := s.MarkKEK(ctx, 1, model.KeyTypeMaster, model.KEKTransport); err != nil {
			t.Fatalf("MarkKEK master: %v", err)
		}
		if err := s.MarkKEK(ctx, 2, model.KeyTypeWorkingData, model.KEKTransport); err != nil {
			t.Fatalf("MarkKEK data: %v", err)
		}
		gm, _ := s.GetKey(ctx, 1, model.KeyTypeMaster)
		gw, _ := s.GetKey(ctx, 2, model.KeyTypeWorkingData)
		if gm.KEKType != model.KEKStorage {
			t.Fatalf("master kek type overwritten: %s", gm.KEKType)
		}
		if !gw.IsKEK || gw.KEKType != model.KEKTransport {
			t.Fatalf("working key not flagged: %+v", gw)
		}
	})
}

func TestUpdateSealedAndAuditLog(t *testing.T) {
	WithTestStore(t, func(s *BunStore) {
		ctx := context.Background()
		rec := recordFixture(4, model.KeyTypeTransport, "444444")
		if err := s.UpsertKey(ctx, rec); err != nil {
			t.Fatalf("UpsertKey: %v", err)
		}
		env := sealedFixture(0x40)
		if err := s.UpdateSealed(ctx, rec.ID, env); err != nil {
			t.Fatalf("UpdateSealed: %v", err)
		}
		got, _ := s.GetKey(ctx, 4, model.KeyTypeTransport)
		if !bytes.Equal(got.Sealed.IV, env.IV) {
			t.Fatalf("sealed payload not updated")
		}

		if err := s.LogAction(ctx, ActionInjectKey, "slot 4"); err != nil {
			t.Fatalf("LogAction: %v", err)
		}
		if err := s.LogAction(ctx, ActionDeleteKey, "slot 4"); err != nil {
			t.Fatalf("LogAction: %v", err)
		}
		entries, err := s.GetAuditLog(ctx, 1)
		if err != nil {
			t.Fatalf("GetAuditLog: %v", err)
		}
		if len(entries) != 1 || entries[0].Action != ActionDeleteKey {
			t.Fatalf("unexpected audit entries: %+v", entries)
		}
	})
}
