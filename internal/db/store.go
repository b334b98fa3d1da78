// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"

	"github.com/toeirei/keyloader/internal/model"
)

// KeyRepository is the slot/type indexed store of key records consumed by
// the orchestrator, the envelope rotation and export/import.
// Lookups that find nothing return ErrNotFound.
type KeyRepository interface {
	GetKey(ctx context.Context, slot int, t model.KeyType) (*model.KeySlotRecord, error)
	GetKeysAtSlot(ctx context.Context, slot int) ([]model.KeySlotRecord, error)
	ListKeys(ctx context.Context) ([]model.KeySlotRecord, error)
	ListKeysByStatus(ctx context.Context, status model.KeyStatus) ([]model.KeySlotRecord, error)
	FindByKCV(ctx context.Context, kcv string) (*model.KeySlotRecord, error)

	UpsertKey(ctx context.Context, rec *model.KeySlotRecord) error
	InsertKey(ctx context.Context, rec *model.KeySlotRecord) error
	DeleteKey(ctx context.Context, slot int, t model.KeyType) error
	DeleteKeysAtSlot(ctx context.Context, slot int) (int, error)
	DeleteAllKeys(ctx context.Context) (int, error)

	UpdateStatus(ctx context.Context, slot int, t model.KeyType, status model.KeyStatus) error
	UpdateStatusAll(ctx context.Context, status model.KeyStatus) (int, error)
	RevertDeleting(ctx context.Context) (int, error)
	MarkKEK(ctx context.Context, slot int, t model.KeyType, kekType model.KEKType) error
	UpdateSealed(ctx context.Context, id int, env model.Envelope) error

	InTx(ctx context.Context, fn func(KeyRepository) error) error

	LogAction(ctx context.Context, action, details string) error
	GetAuditLog(ctx context.Context, limit int) ([]model.AuditLogEntry, error)
}

// Audit actions written by the core.
const (
	ActionInjectKey     = "INJECT_KEY"
	ActionRejectKey     = "REJECT_KEY"
	ActionDeleteKey     = "DELETE_KEY"
	ActionDeleteFailed  = "DELETE_KEY_FAILED"
	ActionDeleteAll     = "DELETE_ALL_KEYS"
	ActionWriteSerial   = "WRITE_SERIAL"
	ActionUninstall     = "UNINSTALL"
	ActionRecover       = "RECOVER_DELETING"
	ActionKEKCeremony   = "KEK_CEREMONY"
	ActionKEKRotate     = "KEK_ROTATE"
	ActionKEKDelete     = "KEK_DELETE"
	ActionExportKeys    = "EXPORT_KEYS"
	ActionImportKeys    = "IMPORT_KEYS"
	ActionSecurityAlert = "SECURITY"
)
