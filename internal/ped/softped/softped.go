// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package softped is a software PED: a key table held in memguard enclaves
// and the cryptography of a real device, reported through the ped contract.
// It backs development setups, emulator links and the test suites.
package softped

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/toeirei/keyloader/internal/logging"
	"github.com/toeirei/keyloader/internal/model"
	"github.com/toeirei/keyloader/internal/ped"
	"github.com/toeirei/keyloader/internal/ped/pedcrypto"
	"github.com/toeirei/keyloader/internal/security"
)

// Keypad captures a PIN. Prompt calls deliver once with the digits entered
// and returns a function that aborts the capture.
type Keypad interface {
	Prompt(deliver func(pin string, err error)) (cancel func())
}

// KeypadFunc adapts a function to Keypad.
type KeypadFunc func(deliver func(pin string, err error)) func()

func (f KeypadFunc) Prompt(deliver func(pin string, err error)) func() { return f(deliver) }

type slotKey struct {
	slot int
	typ  model.KeyType
}

type storedKey struct {
	alg model.Algorithm
	key *memguard.Enclave
}

type dukptGroup struct {
	alg   model.Algorithm
	ik    *memguard.Enclave
	state model.DukptState
}

// Device is the software PED.
type Device struct {
	mu      sync.Mutex
	profile Profile
	info    ped.Info
	keypad  Keypad
	keys    map[slotKey]storedKey
	groups  map[int]*dukptGroup
	closed  bool
}

// Option configures a Device.
type Option func(*Device)

// WithKeypad attaches a PIN entry device.
func WithKeypad(k Keypad) Option { return func(d *Device) { d.keypad = k } }

// WithInfo overrides the reported identity. Empty fields keep the defaults.
func WithInfo(info ped.Info) Option {
	return func(d *Device) {
		if info.Manufacturer != "" {
			d.info.Manufacturer = info.Manufacturer
		}
		if info.Model != "" {
			d.info.Model = info.Model
		}
		if info.Serial != "" {
			d.info.Serial = info.Serial
		}
		if info.Brand != "" {
			d.info.Brand = info.Brand
		}
		if info.Firmware != "" {
			d.info.Firmware = info.Firmware
		}
	}
}

// New returns an empty software PED with the given profile.
func New(p Profile, opts ...Option) *Device {
	d := &Device{
		profile: p,
		info: ped.Info{
			Manufacturer: p.Name,
			Model:        p.Model,
			Serial:       "SP" + strings.ToUpper(uuid.NewString()[:8]),
			Brand:        "KEYLOADER",
			Firmware:     "1.0.0",
		},
		keys:   map[slotKey]storedKey{},
		groups: map[int]*dukptGroup{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Device) Info() (ped.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ped.Info{}, ped.HardwareError("info", 0, errClosed)
	}
	return d.info, nil
}

func (d *Device) Capabilities() ped.Capabilities { return d.profile.Caps }

var errClosed = errors.New("device closed")

func (d *Device) checkOpen(op string) error {
	if d.closed {
		return ped.HardwareError(op, 0, errClosed)
	}
	return nil
}

func (d *Device) checkSlot(op string, slot int) error {
	if !d.profile.Caps.KeySlots.Contains(slot) {
		return &ped.Error{Op: op, Err: fmt.Errorf("%w: %d not in %d-%d", ped.ErrInvalidSlot, slot, d.profile.Caps.KeySlots.Min, d.profile.Caps.KeySlots.Max)}
	}
	return nil
}

func (d *Device) checkAlgorithm(op string, alg model.Algorithm) error {
	if !d.profile.Caps.Supports(alg) {
		return &ped.Error{Op: op, Err: fmt.Errorf("%w: %v", ped.ErrUnsupportedAlgorithm, alg)}
	}
	return nil
}

// store seals key into an enclave. key is wiped.
func (d *Device) store(slot int, t model.KeyType, alg model.Algorithm, key []byte) {
	d.keys[slotKey{slot, t}] = storedKey{alg: alg, key: memguard.NewEnclave(key)}
}

// withKey opens the key at (slot, t) for the duration of fn.
func (d *Device) withKey(op string, slot int, t model.KeyType, fn func(alg model.Algorithm, key []byte) error) error {
	sk, ok := d.keys[slotKey{slot, t}]
	if !ok {
		return &ped.Error{Op: op, Err: fmt.Errorf("%w: slot %d %v", ped.ErrKeyNotFound, slot, t)}
	}
	return security.WithEnclave(sk.key, func(key []byte) error { return fn(sk.alg, key) })
}

func kcvMatches(computed, asserted string) bool {
	asserted = strings.ToUpper(strings.TrimSpace(asserted))
	if asserted == "" {
		return true
	}
	if len(asserted) > len(computed) {
		asserted = asserted[:len(computed)]
	}
	return strings.HasPrefix(computed, asserted)
}

func (d *Device) WriteKeyPlain(req ped.WritePlainRequest) (string, error) {
	const op = "write-key-plain"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(op); err != nil {
		return "", err
	}
	if err := d.checkSlot(op, req.Slot); err != nil {
		return "", err
	}
	if err := d.checkAlgorithm(op, req.Algorithm); err != nil {
		return "", err
	}
	if len(req.Key) != req.Algorithm.KeyLength() {
		return "", &ped.Error{Op: op, Err: fmt.Errorf("%w: %v needs %d bytes, got %d", ped.ErrInvalidKeyLength, req.Algorithm, req.Algorithm.KeyLength(), len(req.Key))}
	}
	kcv, err := pedcrypto.KCV(req.Algorithm, req.Key)
	if err != nil {
		return "", ped.HardwareError(op, 0, err)
	}
	d.store(req.Slot, req.Type, req.Algorithm, append([]byte(nil), req.Key...))
	logging.Debugf("softped: loaded %v %v at slot %d kcv=%s", req.Type, req.Algorithm, req.Slot, kcv)
	return kcv, nil
}

func (d *Device) WriteKey(req ped.WriteKeyRequest) (string, error) {
	const op = "write-key"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(op); err != nil {
		return "", err
	}
	if err := d.checkSlot(op, req.Slot); err != nil {
		return "", err
	}
	if err := d.checkAlgorithm(op, req.Algorithm); err != nil {
		return "", err
	}
	if req.Mode == ped.WrapHardware && !d.profile.Caps.HardwarePassthrough {
		return "", &ped.Error{Op: op, Err: fmt.Errorf("%w: hardware pass-through", ped.ErrUnsupported)}
	}

	n := req.Algorithm.KeyLength()
	var plain []byte
	err := d.withKey(op, req.TransportSlot, req.TransportType, func(kekAlg model.Algorithm, kek []byte) error {
		out, err := pedcrypto.UnwrapECB(kekAlg, kek, req.Wrapped)
		if err != nil {
			return &ped.Error{Op: op, Err: fmt.Errorf("%w: %v", ped.ErrInvalidKeyLength, err)}
		}
		plain = out
		return nil
	})
	if err != nil {
		return "", err
	}
	defer memguard.WipeBytes(plain)
	if len(plain) < n {
		return "", &ped.Error{Op: op, Err: fmt.Errorf("%w: unwrapped %d bytes, %v needs %d", ped.ErrInvalidKeyLength, len(plain), req.Algorithm, n)}
	}
	key := plain[:n]
	kcv, err := pedcrypto.KCV(req.Algorithm, key)
	if err != nil {
		return "", ped.HardwareError(op, 0, err)
	}
	if !kcvMatches(kcv, req.KCV) {
		return "", &ped.Error{Op: op, Code: 0x45, Err: fmt.Errorf("%w: device computed %s", ped.ErrKCVMismatch, kcv)}
	}
	d.store(req.Slot, req.Type, req.Algorithm, append([]byte(nil), key...))
	logging.Debugf("softped: unwrapped %v %v into slot %d under slot %d kcv=%s", req.Type, req.Algorithm, req.Slot, req.TransportSlot, kcv)
	return kcv, nil
}

func (d *Device) DeleteKey(slot int, t model.KeyType) error {
	const op = "delete-key"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(op); err != nil {
		return err
	}
	removed := 0
	for k := range d.keys {
		if k.slot == slot && (t == model.KeyTypeUnknown || k.typ == t) {
			delete(d.keys, k)
			removed++
		}
	}
	if t == model.KeyTypeUnknown || t == model.KeyTypeDukptInitial {
		if _, ok := d.groups[slot]; ok {
			delete(d.groups, slot)
			removed++
		}
	}
	if removed == 0 {
		return &ped.Error{Op: op, Err: fmt.Errorf("%w: slot %d %v", ped.ErrKeyNotFound, slot, t)}
	}
	return nil
}

func (d *Device) DeleteAllKeys() error {
	const op = "delete-all-keys"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(op); err != nil {
		return err
	}
	d.wipeAll()
	return nil
}

// wipeAll drops every enclave. Enclaves only hold ciphertext, so releasing
// the references is enough.
func (d *Device) wipeAll() {
	clear(d.keys)
	clear(d.groups)
}

func (d *Device) IsKeyPresent(slot int, t model.KeyType) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen("is-key-present"); err != nil {
		return false, err
	}
	if t == model.KeyTypeDukptInitial {
		_, ok := d.groups[slot]
		return ok, nil
	}
	if t == model.KeyTypeUnknown {
		if _, ok := d.groups[slot]; ok {
			return true, nil
		}
		for k := range d.keys {
			if k.slot == slot {
				return true, nil
			}
		}
		return false, nil
	}
	_, ok := d.keys[slotKey{slot, t}]
	return ok, nil
}

func (d *Device) WriteSerial(serial string) error {
	const op = "write-serial"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(op); err != nil {
		return err
	}
	serial = strings.TrimSpace(serial)
	if serial == "" || len(serial) > 32 {
		return ped.HardwareError(op, 0x21, fmt.Errorf("serial must be 1 to 32 characters"))
	}
	for _, r := range serial {
		if r < 0x21 || r > 0x7E {
			return ped.HardwareError(op, 0x21, fmt.Errorf("serial contains non printable characters"))
		}
	}
	d.info.Serial = serial
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.wipeAll()
	d.closed = true
	return nil
}

var _ ped.Device = (*Device)(nil)
