// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package envelope

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/toeirei/keyloader/internal/config"
)

// ErrNoKEK is returned when the keystore holds no KEK under the alias.
var ErrNoKEK = errors.New("no kek in keystore")

// Keystore holds KEKs by alias. Implementations never expose the KEK in
// application readable form outside a memguard enclave.
type Keystore interface {
	Store(alias string, kek *memguard.Enclave) error
	Load(alias string) (*memguard.Enclave, error)
	Delete(alias string) error
	Exists(alias string) (bool, error)
}

// MemoryKeystore keeps KEKs in process memory. It is meant for tests and
// development setups: nothing survives a restart.
type MemoryKeystore struct {
	mu   sync.RWMutex
	keks map[string]*memguard.Enclave
}

// NewMemoryKeystore returns an empty in-memory keystore.
func NewMemoryKeystore() *MemoryKeystore {
	return &MemoryKeystore{keks: map[string]*memguard.Enclave{}}
}

func (m *MemoryKeystore) Store(alias string, kek *memguard.Enclave) error {
	if kek == nil {
		return fmt.Errorf("store %s: nil kek", alias)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keks[alias] = kek
	return nil
}

func (m *MemoryKeystore) Load(alias string) (*memguard.Enclave, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kek, ok := m.keks[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKEK, alias)
	}
	return kek, nil
}

func (m *MemoryKeystore) Delete(alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keks, alias)
	return nil
}

func (m *MemoryKeystore) Exists(alias string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keks[alias]
	return ok, nil
}

// OpenKeystore returns the keystore configured by cfg.Kind.
func OpenKeystore(cfg config.KeystoreConfig) (Keystore, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "memory":
		return NewMemoryKeystore(), nil
	case "tpm":
		return NewTPMKeystore(cfg.Path, cfg.TPMPath), nil
	}
	return nil, fmt.Errorf("unknown keystore kind %q", cfg.Kind)
}
