package keyfile

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/armorclaw/keyguard/pkg/keyerr"
	"github.com/armorclaw/keyguard/pkg/protect"
)

// LoadRaw reads any file as raw key material. A file of exactly KeySize
// bytes is used as is, a file of 2*KeySize hex characters is decoded, and
// any other non-empty file contributes its SHA-256 digest.
//
// This path exists for files that are not key file containers. It is only
// taken after the user accepted a warning about the file's format.
func LoadRaw(path string) ([]byte, error) {
	data, err := readLimited(path)
	if err != nil {
		return nil, err
	}
	defer protect.Wipe(data)

	switch {
	case len(data) == 0:
		return nil, keyerr.MalformedContainer(path, "key file is empty", nil)
	case len(data) == KeySize:
		return append([]byte(nil), data...), nil
	case len(data) == 2*KeySize:
		if key, err := hex.DecodeString(string(data)); err == nil {
			return key, nil
		}
	}

	sum := sha256.Sum256(data)
	return sum[:], nil
}
