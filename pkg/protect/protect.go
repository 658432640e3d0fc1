// Package protect keeps secret values encrypted in memory between uses.
//
// Values are sealed in memguard enclaves. Callers open a value only for the
// duration of a single operation and must destroy the returned buffer.
package protect

import (
	"crypto/subtle"
	"fmt"

	"github.com/awnumar/memguard"
)

// Bytes is an immutable secret byte sequence.
// The zero value and nil are both valid empty secrets.
type Bytes struct {
	enclave *memguard.Enclave
	size    int
}

// NewBytes seals b. The source slice is wiped.
func NewBytes(b []byte) *Bytes {
	size := len(b)
	if size == 0 {
		return &Bytes{}
	}
	// NewEnclave wipes its source
	return &Bytes{enclave: memguard.NewEnclave(b), size: size}
}

// Len returns the secret's length in bytes
func (p *Bytes) Len() int {
	if p == nil {
		return 0
	}
	return p.size
}

// IsEmpty reports whether the secret has no content
func (p *Bytes) IsEmpty() bool {
	return p.Len() == 0
}

// Open decrypts the secret into a locked buffer owned by the caller.
// Empty secrets yield a nil buffer and no error.
func (p *Bytes) Open() (*memguard.LockedBuffer, error) {
	if p.IsEmpty() || p.enclave == nil {
		return nil, nil
	}
	buf, err := p.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open protected value: %w", err)
	}
	return buf, nil
}

// Use calls fn with the plaintext. The plaintext is wiped when fn returns
// and must not be retained.
func (p *Bytes) Use(fn func(plain []byte) error) error {
	buf, err := p.Open()
	if err != nil {
		return err
	}
	if buf == nil {
		return fn(nil)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Equal compares two secrets in constant time
func (p *Bytes) Equal(other *Bytes) bool {
	if p.Len() != other.Len() {
		return false
	}
	if p.IsEmpty() {
		return true
	}
	var equal bool
	err := p.Use(func(a []byte) error {
		return other.Use(func(b []byte) error {
			equal = subtle.ConstantTimeCompare(a, b) == 1
			return nil
		})
	})
	return err == nil && equal
}

// Destroy drops the sealed value. Using the secret afterwards yields empty.
func (p *Bytes) Destroy() {
	if p == nil {
		return
	}
	p.enclave = nil
	p.size = 0
}

// String is secret text such as a password.
// The plaintext is stored as its UTF-8 bytes.
type String struct {
	Bytes
}

// NewString seals s. The caller's copy of s cannot be wiped since Go strings
// are immutable; prefer NewStringFromBytes where the source is a byte slice.
func NewString(s string) *String {
	return NewStringFromBytes([]byte(s))
}

// NewStringFromBytes seals the UTF-8 text in b and wipes b
func NewStringFromBytes(b []byte) *String {
	return &String{Bytes: *NewBytes(b)}
}

// EqualString compares two secret strings in constant time
func (s *String) EqualString(other *String) bool {
	if s == nil || other == nil {
		return s.asBytes().Len() == other.asBytes().Len() && s.asBytes().IsEmpty()
	}
	return s.Bytes.Equal(&other.Bytes)
}

func (s *String) asBytes() *Bytes {
	if s == nil {
		return nil
	}
	return &s.Bytes
}

// Wipe zeroes b in place
func Wipe(b []byte) {
	memguard.WipeBytes(b)
}
