// Package keyfile reads and writes key file containers.
//
// Two XML formats are supported. Version 1.00 stores the key as base64 with
// no integrity data. Version 2.0 stores grouped hex with a Hash attribute
// holding the first four bytes of the key's SHA-256 digest; the hash makes a
// key file recreated from a printed backup verifiable before use.
package keyfile

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/armorclaw/keyguard/pkg/keyerr"
	"github.com/armorclaw/keyguard/pkg/protect"
	"github.com/armorclaw/keyguard/pkg/securerandom"
)

// KeySize is the length of the key payload in bytes
const KeySize = 32

// HashSize is the length of the V2 integrity hash in bytes
const HashSize = 4

// FormatVersion identifies a key file format
type FormatVersion int

const (
	FormatUnknown FormatVersion = iota
	FormatV1
	FormatV2
)

// DefaultFormat is used for new key files
const DefaultFormat = FormatV2

// String returns the version as written in the file
func (v FormatVersion) String() string {
	switch v {
	case FormatV1:
		return "1.00"
	case FormatV2:
		return "2.0"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// ParseFormatVersion accepts "1", "1.0", "1.00", "2" and "2.0"
func ParseFormatVersion(s string) (FormatVersion, error) {
	switch strings.TrimSpace(s) {
	case "1", "1.0", "1.00":
		return FormatV1, nil
	case "2", "2.0", "2.00":
		return FormatV2, nil
	default:
		return FormatUnknown, fmt.Errorf("unsupported key file format version %q", s)
	}
}

// Container is a key file's format version and key payload.
// A container is not modified after it is built.
type Container struct {
	Version FormatVersion
	Key     []byte
}

// CreateNew generates a container with random key bytes
func CreateNew(version FormatVersion) (*Container, error) {
	if version != FormatV1 && version != FormatV2 {
		return nil, keyerr.MalformedContainer("", fmt.Sprintf("cannot create key file with format %s", version), nil)
	}
	key, err := securerandom.Bytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key file data: %w", err)
	}
	return &Container{Version: version, Key: key}, nil
}

// Hash returns the integrity hash of the key payload
func (c *Container) Hash() []byte {
	return hashOf(c.Key)
}

// HashText returns the integrity hash as uppercase hex
func (c *Container) HashText() string {
	return strings.ToUpper(hex.EncodeToString(c.Hash()))
}

// KeyText returns the transcribable form of the key for the container's
// format: grouped uppercase hex for V2 and base64 for V1.
func (c *Container) KeyText() string {
	if c.Version == FormatV1 {
		return base64.StdEncoding.EncodeToString(c.Key)
	}
	return strings.Join(hexLines(c.Key), "\n")
}

// Equal reports whether both containers hold the same version and key
func (c *Container) Equal(other *Container) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Version == other.Version &&
		len(c.Key) == len(other.Key) &&
		subtle.ConstantTimeCompare(c.Key, other.Key) == 1
}

// Destroy wipes the key payload
func (c *Container) Destroy() {
	if c == nil {
		return
	}
	protect.Wipe(c.Key)
	c.Key = nil
}

// RecreateFromBackup rebuilds a container from transcribed backup text.
// V2 text is hex and V1 text is base64; whitespace is ignored and hex is
// case-insensitive. When hashText is non-empty it must match the hash of
// the decoded key, otherwise an IntegrityMismatch error is returned.
func RecreateFromBackup(version FormatVersion, rawKeyText, hashText string) (*Container, error) {
	key, err := decodeKeyText(version, rawKeyText)
	if err != nil {
		return nil, err
	}

	c := &Container{Version: version, Key: key}
	if expected := normalizeHex(hashText); expected != "" {
		if actual := c.HashText(); expected != actual {
			c.Destroy()
			return nil, keyerr.IntegrityMismatch(expected, actual)
		}
	}
	return c, nil
}

func decodeKeyText(version FormatVersion, text string) ([]byte, error) {
	var (
		key []byte
		err error
	)
	switch version {
	case FormatV2:
		key, err = hex.DecodeString(stripSpace(text))
	case FormatV1:
		key, err = base64.StdEncoding.DecodeString(stripSpace(text))
	default:
		return nil, keyerr.MalformedContainer("", fmt.Sprintf("unsupported key file format %s", version), nil)
	}
	if err != nil {
		return nil, keyerr.MalformedContainer("", "key data is not valid "+encodingName(version), err)
	}
	if len(key) != KeySize {
		protect.Wipe(key)
		return nil, keyerr.MalformedContainer("", fmt.Sprintf("key data must be %d bytes, got %d", KeySize, len(key)), nil)
	}
	return key, nil
}

func encodingName(v FormatVersion) string {
	if v == FormatV1 {
		return "base64"
	}
	return "hex"
}

func hashOf(key []byte) []byte {
	sum := sha256.Sum256(key)
	return sum[:HashSize]
}

// hexLines renders key bytes as uppercase hex, 8 characters per group and
// 4 groups per line
func hexLines(key []byte) []string {
	h := strings.ToUpper(hex.EncodeToString(key))
	var lines []string
	var groups []string
	for i := 0; i < len(h); i += 8 {
		end := i + 8
		if end > len(h) {
			end = len(h)
		}
		groups = append(groups, h[i:end])
		if len(groups) == 4 {
			lines = append(lines, strings.Join(groups, " "))
			groups = nil
		}
	}
	if len(groups) > 0 {
		lines = append(lines, strings.Join(groups, " "))
	}
	return lines
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func normalizeHex(s string) string {
	return strings.ToUpper(stripSpace(s))
}
