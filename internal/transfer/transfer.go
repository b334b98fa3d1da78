// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package transfer writes and reads passphrase protected backups of the key
// repository. Records keep their KEK envelopes; the whole record set is
// compressed and sealed a second time under a key derived from the
// passphrase.
package transfer

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/pbkdf2"

	"github.com/toeirei/keyloader/internal/db"
	"github.com/toeirei/keyloader/internal/logging"
	"github.com/toeirei/keyloader/internal/model"
	"github.com/toeirei/keyloader/internal/security"
)

const (
	// FormatVersion is written into every export document.
	FormatVersion = 1
	// Iterations is the PBKDF2-HMAC-SHA256 work factor.
	Iterations = 210_000
	// SaltSize is the size of the random PBKDF2 salt.
	SaltSize = 32
	keySize  = 32
	ivSize   = 12
	tagSize  = 16
)

// ErrImportFailed covers a wrong passphrase and every kind of corruption.
// Import never says which one it was.
var ErrImportFailed = errors.New("import failed: wrong passphrase or damaged file")

// ErrEmptyPassphrase is returned by Export for a blank passphrase.
var ErrEmptyPassphrase = errors.New("passphrase must not be empty")

// Document is the export file.
type Document struct {
	Version          int       `json:"version"`
	ExportDate       time.Time `json:"exportDate"`
	ExportedBy       string    `json:"exportedBy"`
	DeviceID         string    `json:"deviceId"`
	KeyCount         int       `json:"keyCount"`
	Salt             string    `json:"salt"`
	IV               string    `json:"iv"`
	AuthTag          string    `json:"authTag"`
	EncryptedPayload string    `json:"encryptedPayload"`
}

// aad binds the clear metadata to the ciphertext.
func (d *Document) aad() []byte {
	return []byte(strings.Join([]string{
		strconv.Itoa(d.Version),
		d.ExportDate.UTC().Format(time.RFC3339Nano),
		d.ExportedBy,
		d.DeviceID,
		strconv.Itoa(d.KeyCount),
		strings.ToUpper(d.Salt),
	}, "|"))
}

// record is one key record inside the encrypted payload.
type record struct {
	Slot       int       `json:"slot"`
	Type       int       `json:"type"`
	Algorithm  int       `json:"algorithm"`
	KCV        string    `json:"kcv"`
	KeyData    string    `json:"keyData"`
	KeyIV      string    `json:"keyIv"`
	KeyTag     string    `json:"keyTag"`
	IsKEK      bool      `json:"isKek"`
	KEKType    string    `json:"kekType,omitempty"`
	CustomName string    `json:"customName,omitempty"`
	KSN        string    `json:"ksn,omitempty"`
	InjectedAt time.Time `json:"injectedAt"`
}

func fromModel(r model.KeySlotRecord) record {
	h := r.Sealed.Hex()
	return record{
		Slot:       r.Slot,
		Type:       int(r.Type),
		Algorithm:  int(r.Algorithm),
		KCV:        r.KCV,
		KeyData:    h.KeyData,
		KeyIV:      h.IV,
		KeyTag:     h.AuthTag,
		IsKEK:      r.IsKEK,
		KEKType:    string(r.KEKType),
		CustomName: r.CustomName,
		KSN:        r.KSN,
		InjectedAt: r.InjectedAt,
	}
}

func (r record) toModel() (model.KeySlotRecord, error) {
	env, err := model.EnvelopeHex{KeyData: r.KeyData, IV: r.KeyIV, AuthTag: r.KeyTag}.Envelope()
	if err != nil {
		return model.KeySlotRecord{}, err
	}
	return model.KeySlotRecord{
		Slot:       r.Slot,
		Type:       model.KeyType(r.Type),
		Algorithm:  model.Algorithm(r.Algorithm),
		KCV:        strings.ToUpper(r.KCV),
		Sealed:     env,
		Status:     model.StatusSuccessful,
		IsKEK:      r.IsKEK,
		KEKType:    model.KEKType(r.KEKType),
		CustomName: r.CustomName,
		KSN:        r.KSN,
		InjectedAt: r.InjectedAt,
	}, nil
}

// Options describe the exporter.
type Options struct {
	ExportedBy string
	DeviceID   string
	// Iterations overrides the PBKDF2 work factor; zero uses Iterations.
	// Import reads no iteration count, so both sides must agree.
	Iterations int
	Now        func() time.Time
	Random     io.Reader
}

func (o Options) iterations() int {
	if o.Iterations > 0 {
		return o.Iterations
	}
	return Iterations
}

func deriveKey(passphrase security.Secret, salt []byte, iter int) *memguard.LockedBuffer {
	var k []byte
	_ = passphrase.Use(func(p []byte) error {
		k = pbkdf2.Key(p, salt, iter, keySize, sha256.New)
		return nil
	})
	return memguard.NewBufferFromBytes(k)
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return zr.DecodeAll(data, nil)
}

// Export seals every successfully injected record into a document. The
// passphrase is not retained.
func Export(ctx context.Context, repo db.KeyRepository, passphrase security.Secret, opts Options) (*Document, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	random := opts.Random
	if random == nil {
		random = rand.Reader
	}

	recs, err := repo.ListKeysByStatus(ctx, model.StatusSuccessful)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	payload := make([]record, 0, len(recs))
	for _, r := range recs {
		payload = append(payload, fromModel(r))
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	packed, err := compress(plain)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, SaltSize)
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(random, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if _, err := io.ReadFull(random, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	doc := &Document{
		Version:    FormatVersion,
		ExportDate: now().UTC().Truncate(time.Second),
		ExportedBy: opts.ExportedBy,
		DeviceID:   opts.DeviceID,
		KeyCount:   len(payload),
		Salt:       strings.ToUpper(hex.EncodeToString(salt)),
		IV:         strings.ToUpper(hex.EncodeToString(iv)),
	}

	key := deriveKey(passphrase, salt, opts.iterations())
	defer key.Destroy()
	aead, err := newGCM(key.Bytes())
	if err != nil {
		return nil, err
	}
	out := aead.Seal(nil, iv, packed, doc.aad())
	cut := len(out) - tagSize
	doc.EncryptedPayload = strings.ToUpper(hex.EncodeToString(out[:cut]))
	doc.AuthTag = strings.ToUpper(hex.EncodeToString(out[cut:]))

	if err := repo.LogAction(ctx, db.ActionExportKeys, fmt.Sprintf("count=%d device=%s", doc.KeyCount, doc.DeviceID)); err != nil {
		logging.Warnf("transfer: audit export failed: %v", err)
	}
	logging.Infof("transfer: exported %d key records", doc.KeyCount)
	return doc, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(b)
}

// Encode writes doc as indented JSON.
func (d *Document) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// Decode reads an export document. Anything unreadable is ErrImportFailed.
func Decode(r io.Reader) (*Document, error) {
	var d Document
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, ErrImportFailed
	}
	return &d, nil
}

func (d *Document) open(passphrase security.Secret, iter int) ([]record, error) {
	if d.Version != FormatVersion {
		return nil, ErrImportFailed
	}
	salt, err1 := hex.DecodeString(d.Salt)
	iv, err2 := hex.DecodeString(d.IV)
	tag, err3 := hex.DecodeString(d.AuthTag)
	ct, err4 := hex.DecodeString(d.EncryptedPayload)
	if errors.Join(err1, err2, err3, err4) != nil || len(salt) != SaltSize || len(iv) != ivSize || len(tag) != tagSize {
		return nil, ErrImportFailed
	}

	key := deriveKey(passphrase, salt, iter)
	defer key.Destroy()
	aead, err := newGCM(key.Bytes())
	if err != nil {
		return nil, ErrImportFailed
	}
	packed, err := aead.Open(nil, iv, append(ct, tag...), d.aad())
	if err != nil {
		return nil, ErrImportFailed
	}
	plain, err := decompress(packed)
	if err != nil {
		return nil, ErrImportFailed
	}
	var recs []record
	if err := json.Unmarshal(plain, &recs); err != nil || len(recs) != d.KeyCount {
		return nil, ErrImportFailed
	}
	return recs, nil
}

// Result counts what an import did.
type Result struct {
	Imported   int
	Duplicates int
	Conflicts  int
}

// Import opens doc and inserts its records in one transaction. Records whose
// KCV already exists are duplicates; records whose slot and type are taken
// by a different key are conflicts. Neither is imported.
func Import(ctx context.Context, repo db.KeyRepository, doc *Document, passphrase security.Secret, opts Options) (Result, error) {
	recs, err := doc.open(passphrase, opts.iterations())
	if err != nil {
		logging.Warnf("security: import of export from %q rejected", doc.DeviceID)
		return Result{}, err
	}
	var res Result
	err = repo.InTx(ctx, func(tx db.KeyRepository) error {
		for _, r := range recs {
			rec, err := r.toModel()
			if err != nil {
				return ErrImportFailed
			}
			if rec.KCV != "" {
				_, err := tx.FindByKCV(ctx, rec.KCV)
				if err == nil {
					res.Duplicates++
					continue
				}
				if !errors.Is(err, db.ErrNotFound) {
					return err
				}
			}
			_, err = tx.GetKey(ctx, rec.Slot, rec.Type)
			switch {
			case err == nil:
				res.Conflicts++
				continue
			case !errors.Is(err, db.ErrNotFound):
				return err
			}
			if err := tx.InsertKey(ctx, &rec); err != nil {
				return err
			}
			res.Imported++
		}
		return tx.LogAction(ctx, db.ActionImportKeys, fmt.Sprintf("imported=%d duplicates=%d conflicts=%d device=%s", res.Imported, res.Duplicates, res.Conflicts, doc.DeviceID))
	})
	if err != nil {
		return Result{}, fmt.Errorf("import records: %w", err)
	}
	logging.Infof("transfer: imported %d records, skipped %d duplicates and %d conflicts", res.Imported, res.Duplicates, res.Conflicts)
	return res, nil
}
