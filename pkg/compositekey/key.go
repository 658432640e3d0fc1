// Package compositekey combines key source contributions into a composite
// key.
package compositekey

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/awnumar/memguard"

	"github.com/armorclaw/keyguard/pkg/keysource"
)

// Size is the composite key length in bytes
const Size = sha256.Size

var ErrDestroyed = errors.New("composite key has been destroyed")

// CompositeKey is the opaque result of a build. It lives in a locked,
// read-only buffer and is owned by the caller, who must Destroy it.
type CompositeKey struct {
	buf       *memguard.LockedBuffer
	sources   []keysource.Kind
	providers []string
}

func newCompositeKey(key []byte, sources []keysource.Kind, providers []string) *CompositeKey {
	// NewBufferFromBytes wipes key
	buf := memguard.NewBufferFromBytes(key)
	buf.Freeze()
	return &CompositeKey{buf: buf, sources: sources, providers: providers}
}

// Use calls fn with the key bytes. fn must not retain the slice.
func (k *CompositeKey) Use(fn func(key []byte) error) error {
	if !k.Alive() {
		return ErrDestroyed
	}
	return fn(k.buf.Bytes())
}

// Alive reports whether the key has not been destroyed
func (k *CompositeKey) Alive() bool {
	return k != nil && k.buf != nil && k.buf.IsAlive()
}

// Equal compares two keys in constant time
func (k *CompositeKey) Equal(other *CompositeKey) bool {
	if !k.Alive() || !other.Alive() {
		return false
	}
	return subtle.ConstantTimeCompare(k.buf.Bytes(), other.buf.Bytes()) == 1
}

// Fingerprint returns a short identifier safe to display. It is derived
// one-way from the key and reveals nothing usable about it.
func (k *CompositeKey) Fingerprint() string {
	if !k.Alive() {
		return ""
	}
	h := sha256.New()
	h.Write([]byte("keyguard-fingerprint"))
	h.Write(k.buf.Bytes())
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Sources returns the source kinds that contributed, in canonical order
func (k *CompositeKey) Sources() []keysource.Kind {
	return append([]keysource.Kind(nil), k.sources...)
}

// Providers returns the contributing provider names in the order used
func (k *CompositeKey) Providers() []string {
	return append([]string(nil), k.providers...)
}

// Destroy wipes the key. It is safe to call more than once.
func (k *CompositeKey) Destroy() {
	if k == nil || k.buf == nil {
		return
	}
	k.buf.Destroy()
}
