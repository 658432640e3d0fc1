// Package securerandom provides cryptographically secure random generation
// for key material. Callers own the returned buffers and must wipe them.
package securerandom

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// Reader is the entropy source. Tests may replace it to simulate failures.
var Reader io.Reader = crand.Reader

// Bytes returns byteLen cryptographically secure random bytes
func Bytes(byteLen int) ([]byte, error) {
	if byteLen <= 0 {
		return nil, fmt.Errorf("invalid random length %d", byteLen)
	}
	b := make([]byte, byteLen)
	if err := Fill(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Fill fills b with cryptographically secure random bytes
func Fill(b []byte) error {
	if _, err := io.ReadFull(Reader, b); err != nil {
		return fmt.Errorf("failed to read random bytes: %w", err)
	}
	return nil
}

// MustBytes generates random bytes or panics.
// Use only where failure is unrecoverable.
func MustBytes(byteLen int) []byte {
	b, err := Bytes(byteLen)
	if err != nil {
		panic(fmt.Sprintf("securerandom.Bytes failed: %v", err))
	}
	return b
}

// ID returns a hex identifier built from byteLen random bytes
func ID(byteLen int) (string, error) {
	b, err := Bytes(byteLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
