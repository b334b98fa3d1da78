// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/toeirei/keyloader/internal/db"
	"github.com/toeirei/keyloader/internal/logging"
	"github.com/toeirei/keyloader/internal/model"
	"github.com/toeirei/keyloader/internal/security"
)

// ErrIntegrity is returned when an envelope fails authentication. No
// plaintext accompanies it.
var ErrIntegrity = errors.New("envelope integrity check failed")

// PreviousSuffix names the alias the old KEK is parked under during rotation.
const PreviousSuffix = ".previous"

// Vault seals and opens envelopes under the KEK stored in a keystore.
type Vault struct {
	mu    sync.RWMutex
	ks    Keystore
	alias string
	kek   *memguard.Enclave
}

// NewVault binds a keystore alias. The KEK is loaded on first use.
func NewVault(ks Keystore, alias string) *Vault {
	return &Vault{ks: ks, alias: alias}
}

// Alias returns the keystore alias of the active KEK.
func (v *Vault) Alias() string { return v.alias }

// Install stores kek as the active KEK, replacing any existing one.
func (v *Vault) Install(kek *memguard.Enclave) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ks.Store(v.alias, kek); err != nil {
		return err
	}
	v.kek = kek
	return nil
}

// Ready reports whether a KEK is available.
func (v *Vault) Ready() bool {
	_, err := v.current()
	return err == nil
}

// Delete removes the active KEK from the keystore. Envelopes sealed under it
// can no longer be opened.
func (v *Vault) Delete() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.kek = nil
	return v.ks.Delete(v.alias)
}

func (v *Vault) current() (*memguard.Enclave, error) {
	v.mu.RLock()
	kek := v.kek
	v.mu.RUnlock()
	if kek != nil {
		return kek, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.kek != nil {
		return v.kek, nil
	}
	kek, err := v.ks.Load(v.alias)
	if err != nil {
		return nil, err
	}
	v.kek = kek
	return kek, nil
}

func gcmFor(kek []byte) (cipher.AEAD, error) {
	b, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(b)
}

func sealWith(kek *memguard.Enclave, plaintext []byte) (model.Envelope, error) {
	var env model.Envelope
	err := security.WithEnclave(kek, func(k []byte) error {
		aead, err := gcmFor(k)
		if err != nil {
			return err
		}
		iv := make([]byte, model.EnvelopeIVSize)
		if _, err := rand.Read(iv); err != nil {
			return err
		}
		out := aead.Seal(nil, iv, plaintext, nil)
		cut := len(out) - model.EnvelopeTagSize
		env, err = model.NewEnvelope(out[:cut], iv, out[cut:])
		return err
	})
	return env, err
}

func openWith(kek *memguard.Enclave, env model.Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	var plain []byte
	err := security.WithEnclave(kek, func(k []byte) error {
		aead, err := gcmFor(k)
		if err != nil {
			return err
		}
		ct := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
		ct = append(append(ct, env.Ciphertext...), env.Tag...)
		out, err := aead.Open(nil, env.IV, ct, nil)
		if err != nil {
			return ErrIntegrity
		}
		plain = out
		return nil
	})
	return plain, err
}

// Seal encrypts plaintext under the active KEK with a fresh IV.
func (v *Vault) Seal(plaintext []byte) (model.Envelope, error) {
	kek, err := v.current()
	if err != nil {
		return model.Envelope{}, err
	}
	return sealWith(kek, plaintext)
}

// SealHex seals the upper-case hex text of the key material, the form it
// arrived in on the wire.
func (v *Vault) SealHex(plaintextHex string) (model.Envelope, error) {
	return v.Seal([]byte(strings.ToUpper(strings.TrimSpace(plaintextHex))))
}

// Open authenticates and decrypts env. The caller wipes the result.
func (v *Vault) Open(env model.Envelope) ([]byte, error) {
	kek, err := v.current()
	if err != nil {
		return nil, err
	}
	return openWith(kek, env)
}

// Rotate re-seals every stored envelope under newKEK. The old KEK stays in
// the keystore under alias+PreviousSuffix until the repository commit
// succeeds; any failure restores it and leaves the records untouched.
func (v *Vault) Rotate(ctx context.Context, repo db.KeyRepository, newKEK *memguard.Enclave) (int, error) {
	oldKEK, err := v.current()
	if err != nil {
		return 0, err
	}

	recs, err := repo.ListKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}
	type opened struct {
		id    int
		plain []byte
	}
	var plains []opened
	defer func() {
		for _, p := range plains {
			memguard.WipeBytes(p.plain)
		}
	}()
	for _, r := range recs {
		if r.Sealed.IsZero() {
			continue
		}
		p, err := openWith(oldKEK, r.Sealed)
		if err != nil {
			return 0, fmt.Errorf("open %s: %w", r, err)
		}
		plains = append(plains, opened{id: r.ID, plain: p})
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	prev := v.alias + PreviousSuffix
	if err := v.ks.Store(prev, oldKEK); err != nil {
		return 0, fmt.Errorf("park old kek: %w", err)
	}
	restore := func(cause error) error {
		if err := v.ks.Store(v.alias, oldKEK); err != nil {
			logging.Errorf("kek rotation: restoring old kek failed: %v", err)
			return fmt.Errorf("%w (restore failed: %v)", cause, err)
		}
		v.kek = oldKEK
		if err := v.ks.Delete(prev); err != nil {
			logging.Warnf("kek rotation: removing %s failed: %v", prev, err)
		}
		return cause
	}
	if err := v.ks.Store(v.alias, newKEK); err != nil {
		return 0, restore(fmt.Errorf("install new kek: %w", err))
	}
	v.kek = newKEK

	resealed := make(map[int]model.Envelope, len(plains))
	for _, p := range plains {
		env, err := sealWith(newKEK, p.plain)
		if err != nil {
			return 0, restore(fmt.Errorf("reseal record %d: %w", p.id, err))
		}
		resealed[p.id] = env
	}
	err = repo.InTx(ctx, func(tx db.KeyRepository) error {
		for id, env := range resealed {
			if err := tx.UpdateSealed(ctx, id, env); err != nil {
				return err
			}
		}
		return tx.LogAction(ctx, db.ActionKEKRotate, fmt.Sprintf("resealed=%d", len(resealed)))
	})
	if err != nil {
		return 0, restore(fmt.Errorf("commit rotation: %w", err))
	}
	if err := v.ks.Delete(prev); err != nil {
		logging.Warnf("kek rotation: removing %s failed: %v", prev, err)
	}
	logging.Infof("kek rotated, %d envelopes resealed", len(resealed))
	return len(resealed), nil
}
