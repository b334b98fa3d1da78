// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/toeirei/keyloader/internal/model"
	"github.com/uptrace/bun"
)

// KeySlotModel maps the key_slots table.
type KeySlotModel struct {
	bun.BaseModel `bun:"table:key_slots"`
	ID            int       `bun:"id,pk,autoincrement"`
	Slot          int       `bun:"slot"`
	KeyType       int       `bun:"key_type"`
	Algorithm     int       `bun:"algorithm"`
	KCV           string    `bun:"kcv"`
	KeyData       []byte    `bun:"key_data"`
	KeyIV         []byte    `bun:"key_iv"`
	KeyTag        []byte    `bun:"key_tag"`
	Status        string    `bun:"status"`
	PriorStatus   string    `bun:"prior_status"`
	IsKEK         bool      `bun:"is_kek"`
	KEKType       string    `bun:"kek_type"`
	CustomName    string    `bun:"custom_name"`
	KSN           string    `bun:"ksn"`
	InjectedAt    time.Time `bun:"injected_at"`
}

// AuditLogModel maps the audit_log table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int       `bun:"id,pk,autoincrement"`
	Timestamp     time.Time `bun:"timestamp"`
	Username      string    `bun:"username"`
	Action        string    `bun:"action"`
	Details       string    `bun:"details"`
}

func keySlotModelToModel(m KeySlotModel) model.KeySlotRecord {
	return model.KeySlotRecord{
		ID:          m.ID,
		Slot:        m.Slot,
		Type:        model.KeyType(m.KeyType),
		Algorithm:   model.Algorithm(m.Algorithm),
		KCV:         m.KCV,
		Sealed:      model.Envelope{Ciphertext: m.KeyData, IV: m.KeyIV, Tag: m.KeyTag},
		Status:      model.KeyStatus(m.Status),
		PriorStatus: model.KeyStatus(m.PriorStatus),
		IsKEK:       m.IsKEK,
		KEKType:     model.KEKType(m.KEKType),
		CustomName:  m.CustomName,
		KSN:         m.KSN,
		InjectedAt:  m.InjectedAt,
	}
}

func modelToKeySlotModel(r model.KeySlotRecord) KeySlotModel {
	injected := r.InjectedAt
	if injected.IsZero() {
		injected = time.Now().UTC()
	}
	return KeySlotModel{
		ID:          r.ID,
		Slot:        r.Slot,
		KeyType:     int(r.Type),
		Algorithm:   int(r.Algorithm),
		KCV:         strings.ToUpper(r.KCV),
		KeyData:     r.Sealed.Ciphertext,
		KeyIV:       r.Sealed.IV,
		KeyTag:      r.Sealed.Tag,
		Status:      string(r.Status),
		PriorStatus: string(r.PriorStatus),
		IsKEK:       r.IsKEK,
		KEKType:     string(r.KEKType),
		CustomName:  r.CustomName,
		KSN:         r.KSN,
		InjectedAt:  injected,
	}
}

func toRecords(ms []KeySlotModel) []model.KeySlotRecord {
	out := make([]model.KeySlotRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, keySlotModelToModel(m))
	}
	return out
}

// BunStore implements KeyRepository with Bun. A store returned by InTx is
// bound to the open transaction.
type BunStore struct {
	bun    *bun.DB
	db     bun.IDB
	dbType string
	inTx   bool
}

var _ KeyRepository = (*BunStore)(nil)

// DBType returns the configured engine name.
func (s *BunStore) DBType() string { return s.dbType }

// Close closes the underlying database.
func (s *BunStore) Close() error {
	if s.inTx {
		return errors.New("cannot close a transaction-bound store")
	}
	return s.bun.Close()
}

func (s *BunStore) GetKey(ctx context.Context, slot int, t model.KeyType) (*model.KeySlotRecord, error) {
	var m KeySlotModel
	err := s.db.NewSelect().Model(&m).
		Where("slot = ?", slot).
		Where("key_type = ?", int(t)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, MapDBError(err)
	}
	rec := keySlotModelToModel(m)
	return &rec, nil
}

func (s *BunStore) GetKeysAtSlot(ctx context.Context, slot int) ([]model.KeySlotRecord, error) {
	var ms []KeySlotModel
	if err := s.db.NewSelect().Model(&ms).Where("slot = ?", slot).OrderExpr("key_type ASC").Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	return toRecords(ms), nil
}

func (s *BunStore) ListKeys(ctx context.Context) ([]model.KeySlotRecord, error) {
	var ms []KeySlotModel
	if err := s.db.NewSelect().Model(&ms).OrderExpr("slot ASC, key_type ASC").Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	return toRecords(ms), nil
}

func (s *BunStore) ListKeysByStatus(ctx context.Context, status model.KeyStatus) ([]model.KeySlotRecord, error) {
	var ms []KeySlotModel
	if err := s.db.NewSelect().Model(&ms).Where("status = ?", string(status)).OrderExpr("slot ASC, key_type ASC").Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	return toRecords(ms), nil
}

func (s *BunStore) FindByKCV(ctx context.Context, kcv string) (*model.KeySlotRecord, error) {
	var m KeySlotModel
	err := s.db.NewSelect().Model(&m).
		Where("kcv = ?", strings.ToUpper(strings.TrimSpace(kcv))).
		OrderExpr("id ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, MapDBError(err)
	}
	rec := keySlotModelToModel(m)
	return &rec, nil
}

// UpsertKey inserts rec or replaces the record at (Slot, Type). rec.ID is
// set to the stored row id.
func (s *BunStore) UpsertKey(ctx context.Context, rec *model.KeySlotRecord) error {
	return s.InTx(ctx, func(r KeyRepository) error {
		tx := r.(*BunStore)
		existing, err := tx.GetKey(ctx, rec.Slot, rec.Type)
		switch {
		case errors.Is(err, ErrNotFound):
			return tx.InsertKey(ctx, rec)
		case err != nil:
			return err
		}
		m := modelToKeySlotModel(*rec)
		m.ID = existing.ID
		if _, err := tx.db.NewUpdate().Model(&m).WherePK().Exec(ctx); err != nil {
			return MapDBError(err)
		}
		rec.ID = m.ID
		rec.InjectedAt = m.InjectedAt
		return nil
	})
}

// InsertKey inserts rec and fails with ErrDuplicate when (Slot, Type) is taken.
func (s *BunStore) InsertKey(ctx context.Context, rec *model.KeySlotRecord) error {
	m := modelToKeySlotModel(*rec)
	m.ID = 0
	if _, err := s.db.NewInsert().Model(&m).Returning("id").Exec(ctx); err != nil {
		return MapDBError(err)
	}
	if m.ID == 0 {
		// MySQL does not support RETURNING.
		stored, err := s.GetKey(ctx, rec.Slot, rec.Type)
		if err != nil {
			return err
		}
		m.ID = stored.ID
	}
	rec.ID = m.ID
	rec.InjectedAt = m.InjectedAt
	return nil
}

func rowsAffected(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, MapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *BunStore) DeleteKey(ctx context.Context, slot int, t model.KeyType) error {
	n, err := rowsAffected(s.db.NewDelete().Model((*KeySlotModel)(nil)).
		Where("slot = ?", slot).
		Where("key_type = ?", int(t)).
		Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *BunStore) DeleteKeysAtSlot(ctx context.Context, slot int) (int, error) {
	return rowsAffected(s.db.NewDelete().Model((*KeySlotModel)(nil)).Where("slot = ?", slot).Exec(ctx))
}

func (s *BunStore) DeleteAllKeys(ctx context.Context) (int, error) {
	// Bun requires a WHERE clause on Delete; use raw SQL for the full wipe.
	return rowsAffected(ExecRaw(ctx, s.db, "DELETE FROM key_slots"))
}

const priorStatusExpr = "prior_status = CASE WHEN status = ? THEN prior_status ELSE status END"

// UpdateStatus sets the status of one record. Moving to Deleting remembers
// the current status in prior_status; any other status clears it.
func (s *BunStore) UpdateStatus(ctx context.Context, slot int, t model.KeyType, status model.KeyStatus) error {
	q := s.db.NewUpdate().Model((*KeySlotModel)(nil))
	if status == model.StatusDeleting {
		q = q.Set(priorStatusExpr, string(model.StatusDeleting))
	} else {
		q = q.Set("prior_status = ''")
	}
	n, err := rowsAffected(q.Set("status = ?", string(status)).
		Where("slot = ?", slot).
		Where("key_type = ?", int(t)).
		Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatusAll applies UpdateStatus semantics to every record.
func (s *BunStore) UpdateStatusAll(ctx context.Context, status model.KeyStatus) (int, error) {
	q := s.db.NewUpdate().Model((*KeySlotModel)(nil))
	if status == model.StatusDeleting {
		q = q.Set(priorStatusExpr, string(model.StatusDeleting))
	} else {
		q = q.Set("prior_status = ''")
	}
	return rowsAffected(q.Set("status = ?", string(status)).Where("1 = 1").Exec(ctx))
}

// RevertDeleting restores the prior status of every record left in Deleting.
func (s *BunStore) RevertDeleting(ctx context.Context) (int, error) {
	return rowsAffected(s.db.NewUpdate().Model((*KeySlotModel)(nil)).
		Set("status = prior_status").
		Set("prior_status = ''").
		Where("status = ?", string(model.StatusDeleting)).
		Where("prior_status <> ''").
		Exec(ctx))
}

// MarkKEK flags the record as a key-encryption key. An existing KEK type is
// kept; kekType only fills an empty one.
func (s *BunStore) MarkKEK(ctx context.Context, slot int, t model.KeyType, kekType model.KEKType) error {
	n, err := rowsAffected(s.db.NewUpdate().Model((*KeySlotModel)(nil)).
		Set("is_kek = ?", true).
		Set("kek_type = CASE WHEN kek_type = '' THEN ? ELSE kek_type END", string(kekType)).
		Where("slot = ?", slot).
		Where("key_type = ?", int(t)).
		Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSealed replaces the sealed payload of the record with the given id.
func (s *BunStore) UpdateSealed(ctx context.Context, id int, env model.Envelope) error {
	n, err := rowsAffected(s.db.NewUpdate().Model((*KeySlotModel)(nil)).
		Set("key_data = ?", env.Ciphertext).
		Set("key_iv = ?", env.IV).
		Set("key_tag = ?", env.Tag).
		Where("id = ?", id).
		Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InTx runs fn inside one transaction. Nested calls reuse the outer one.
func (s *BunStore) InTx(ctx context.Context, fn func(KeyRepository) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.bun.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&BunStore{bun: s.bun, db: tx, dbType: s.dbType, inTx: true}); err != nil {
		return err
	}
	return tx.Commit()
}

func currentUsername() string {
	curUser, err := user.Current()
	if err != nil {
		return "unknown"
	}
	if parts := strings.Split(curUser.Username, `\`); len(parts) > 1 {
		return parts[1]
	}
	return curUser.Username
}

// LogAction appends an audit entry attributed to the current OS user.
func (s *BunStore) LogAction(ctx context.Context, action, details string) error {
	_, err := ExecRaw(ctx, s.db, "INSERT INTO audit_log (username, action, details) VALUES (?, ?, ?)", currentUsername(), action, details)
	return MapDBError(err)
}

// GetAuditLog returns the newest entries first. limit <= 0 returns all.
func (s *BunStore) GetAuditLog(ctx context.Context, limit int) ([]model.AuditLogEntry, error) {
	var am []AuditLogModel
	q := s.db.NewSelect().Model(&am).OrderExpr("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("read audit log: %w", MapDBError(err))
	}
	out := make([]model.AuditLogEntry, 0, len(am))
	for _, a := range am {
		out = append(out, model.AuditLogEntry{
			ID:        a.ID,
			Timestamp: a.Timestamp.UTC().Format(time.RFC3339),
			Username:  a.Username,
			Action:    a.Action,
			Details:   a.Details,
		})
	}
	return out, nil
}
