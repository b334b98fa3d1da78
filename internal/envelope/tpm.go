// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package envelope

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-tpm-tools/client"
	tpb "github.com/google/go-tpm-tools/proto/tpm"
	"github.com/google/go-tpm/legacy/tpm2"
	"google.golang.org/protobuf/proto"

	"github.com/toeirei/keyloader/internal/logging"
)

const containerVersion = 1

// tpmContainer is the on-disk file. Entries hold protobuf encoded
// SealedBytes that only the TPM that sealed them can open.
type tpmContainer struct {
	Version int               `cbor:"1,keyasint"`
	Entries map[string][]byte `cbor:"2,keyasint"`
}

// TPMKeystore seals KEKs to the storage root key of the local TPM.
type TPMKeystore struct {
	mu   sync.Mutex
	path string
	open func() (io.ReadWriteCloser, error)
}

// NewTPMKeystore stores sealed KEKs in containerPath. An empty tpmPath tries
// /dev/tpmrm0 and then /dev/tpm0.
func NewTPMKeystore(containerPath, tpmPath string) *TPMKeystore {
	return NewTPMKeystoreWithOpener(containerPath, func() (io.ReadWriteCloser, error) {
		if tpmPath != "" {
			return tpm2.OpenTPM(tpmPath)
		}
		rw, err := tpm2.OpenTPM("/dev/tpmrm0")
		if os.IsNotExist(err) {
			rw, err = tpm2.OpenTPM("/dev/tpm0")
		}
		return rw, err
	})
}

// NewTPMKeystoreWithOpener uses open to reach the TPM. Tests pass a
// simulator here.
func NewTPMKeystoreWithOpener(containerPath string, open func() (io.ReadWriteCloser, error)) *TPMKeystore {
	return &TPMKeystore{path: containerPath, open: open}
}

func (t *TPMKeystore) read() (tpmContainer, error) {
	c := tpmContainer{Version: containerVersion, Entries: map[string][]byte{}}
	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("read keystore: %w", err)
	}
	if err := cbor.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decode keystore: %w", err)
	}
	if c.Version != containerVersion {
		return c, fmt.Errorf("keystore version %d not supported", c.Version)
	}
	if c.Entries == nil {
		c.Entries = map[string][]byte{}
	}
	return c, nil
}

func (t *TPMKeystore) write(c tpmContainer) error {
	data, err := cbor.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".kek-*.tmp")
	if err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return os.Rename(tmp.Name(), t.path)
}

func (t *TPMKeystore) withSRK(fn func(*client.Key) error) error {
	rw, err := t.open()
	if err != nil {
		return fmt.Errorf("open tpm: %w", err)
	}
	defer rw.Close()
	srk, err := client.StorageRootKeyECC(rw)
	if err != nil {
		return fmt.Errorf("load storage root key: %w", err)
	}
	defer srk.Close()
	return fn(srk)
}

func (t *TPMKeystore) Store(alias string, kek *memguard.Enclave) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.read()
	if err != nil {
		return err
	}
	buf, err := kek.Open()
	if err != nil {
		return fmt.Errorf("open kek: %w", err)
	}
	defer buf.Destroy()

	var blob []byte
	err = t.withSRK(func(srk *client.Key) error {
		sealed, err := srk.Seal(buf.Bytes(), client.SealOpts{})
		if err != nil {
			return fmt.Errorf("seal kek: %w", err)
		}
		blob, err = proto.Marshal(sealed)
		return err
	})
	if err != nil {
		return err
	}
	c.Entries[alias] = blob
	if err := t.write(c); err != nil {
		return err
	}
	logging.Debugf("keystore: sealed %s to tpm in %s", alias, t.path)
	return nil
}

func (t *TPMKeystore) Load(alias string) (*memguard.Enclave, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.read()
	if err != nil {
		return nil, err
	}
	blob, ok := c.Entries[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKEK, alias)
	}
	var sealed tpb.SealedBytes
	if err := proto.Unmarshal(blob, &sealed); err != nil {
		return nil, fmt.Errorf("decode sealed kek: %w", err)
	}
	var kek *memguard.Enclave
	err = t.withSRK(func(srk *client.Key) error {
		plain, err := srk.Unseal(&sealed, client.UnsealOpts{})
		if err != nil {
			return fmt.Errorf("unseal kek: %w", err)
		}
		kek = memguard.NewEnclave(plain)
		return nil
	})
	return kek, err
}

func (t *TPMKeystore) Delete(alias string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.read()
	if err != nil {
		return err
	}
	if _, ok := c.Entries[alias]; !ok {
		return nil
	}
	delete(c.Entries, alias)
	return t.write(c)
}

func (t *TPMKeystore) Exists(alias string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.read()
	if err != nil {
		return false, err
	}
	_, ok := c.Entries[alias]
	return ok, nil
}
