package vault

import "errors"

var (
	// ErrKeyDestroyed is returned when a destroyed key is used
	ErrKeyDestroyed = errors.New("key material has been destroyed")
	// ErrKeyNotExtractable is returned when exporting a derived wrapping key
	ErrKeyNotExtractable = errors.New("key is not extractable")
)

// Key holds AES-256 key material. The backing buffer is locked in memory where the
// platform allows it and overwritten by Destroy.
type Key struct {
	material    []byte
	extractable bool
	locked      bool
}

// newKey takes ownership of raw
func newKey(raw []byte, extractable bool) *Key {
	k := &Key{material: raw, extractable: extractable}
	if err := lockMemory(raw); err == nil {
		k.locked = true
	}
	return k
}

// Extractable reports whether ExportKey may return the raw bytes
func (k *Key) Extractable() bool {
	return k != nil && k.extractable
}

// Alive reports whether the key still holds material
func (k *Key) Alive() bool {
	return k != nil && k.material != nil
}

func (k *Key) bytes() ([]byte, error) {
	if !k.Alive() {
		return nil, ErrKeyDestroyed
	}
	return k.material, nil
}

// Destroy zeroes the key material. Safe to call more than once.
func (k *Key) Destroy() {
	if k == nil || k.material == nil {
		return
	}
	Zeroize(k.material)
	if k.locked {
		_ = unlockMemory(k.material)
		k.locked = false
	}
	k.material = nil
}
