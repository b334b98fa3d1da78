// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package testutil holds fixtures shared by the package test suites.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/awnumar/memguard"

	"github.com/toeirei/keyloader/internal/db"
	"github.com/toeirei/keyloader/internal/envelope"
	"github.com/toeirei/keyloader/internal/model"
)

// ErrInjected is what FailingRepo returns from the operations it breaks.
var ErrInjected = errors.New("injected failure")

var storeSeq atomic.Uint64

// NewStore returns a migrated in-memory sqlite store private to the caller.
// Every call opens a separate database.
func NewStore(t testing.TB) *db.BunStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, storeSeq.Add(1))
	s, err := db.NewStoreFromDSN("sqlite", dsn)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewVault returns a vault backed by a memory keystore holding a random KEK.
func NewVault(t testing.TB) *envelope.Vault {
	t.Helper()
	v := envelope.NewVault(envelope.NewMemoryKeystore(), "test-kek")
	if err := v.Install(memguard.NewEnclaveRandom(envelope.KEKSize)); err != nil {
		t.Fatalf("install kek: %v", err)
	}
	return v
}

// FailingRepo wraps a repository and fails selected writes, inside and
// outside transactions.
type FailingRepo struct {
	db.KeyRepository
	FailUpdateSealed bool
	FailUpsert       bool
	FailDelete       bool
	FailInsertKCV    string
}

func (f *FailingRepo) InTx(ctx context.Context, fn func(db.KeyRepository) error) error {
	return f.KeyRepository.InTx(ctx, func(tx db.KeyRepository) error {
		inner := *f
		inner.KeyRepository = tx
		return fn(&inner)
	})
}

func (f *FailingRepo) UpdateSealed(ctx context.Context, id int, env model.Envelope) error {
	if f.FailUpdateSealed {
		return ErrInjected
	}
	return f.KeyRepository.UpdateSealed(ctx, id, env)
}

func (f *FailingRepo) UpsertKey(ctx context.Context, rec *model.KeySlotRecord) error {
	if f.FailUpsert {
		return ErrInjected
	}
	return f.KeyRepository.UpsertKey(ctx, rec)
}

func (f *FailingRepo) InsertKey(ctx context.Context, rec *model.KeySlotRecord) error {
	if f.FailInsertKCV != "" && strings.EqualFold(rec.KCV, f.FailInsertKCV) {
		return ErrInjected
	}
	return f.KeyRepository.InsertKey(ctx, rec)
}

func (f *FailingRepo) DeleteKey(ctx context.Context, slot int, t model.KeyType) error {
	if f.FailDelete {
		return ErrInjected
	}
	return f.KeyRepository.DeleteKey(ctx, slot, t)
}

func (f *FailingRepo) DeleteKeysAtSlot(ctx context.Context, slot int) (int, error) {
	if f.FailDelete {
		return 0, ErrInjected
	}
	return f.KeyRepository.DeleteKeysAtSlot(ctx, slot)
}
