// Package osaccount derives key bytes bound to the current OS user.
//
// A random per-user secret is kept in the platform credential store (macOS
// Keychain, Windows Credential Manager, Secret Service on Linux) and
// stretched with PBKDF2 together with the user's identity. The bytes are
// stable for the same user on the same machine and unavailable to others.
package osaccount

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"os/user"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/pbkdf2"

	"github.com/armorclaw/keyguard/pkg/keyerr"
	"github.com/armorclaw/keyguard/pkg/protect"
	"github.com/armorclaw/keyguard/pkg/securerandom"
)

const (
	// DefaultService is the credential store service name
	DefaultService = "keyguard OS account key"

	secretSize = 32
	keySize    = 32
	iterations = 100000
	saltPrefix = "keyguard-osaccount:"

	sourceName = "OS account"
)

// Deriver produces the OS account key contribution.
// When create is set a missing per-user secret is generated and stored.
type Deriver interface {
	DeriveBytes(ctx context.Context, create bool) ([]byte, error)
}

// Identity describes the account the bytes are bound to
type Identity struct {
	Username string
	UID      string
}

// KeyringAccount derives bytes from a secret held in the OS keyring
type KeyringAccount struct {
	service  string
	identity func() (Identity, error)
}

// Option configures a KeyringAccount
type Option func(*KeyringAccount)

// WithService overrides the keyring service name
func WithService(service string) Option {
	return func(a *KeyringAccount) { a.service = service }
}

// WithIdentity overrides the current user lookup
func WithIdentity(fn func() (Identity, error)) Option {
	return func(a *KeyringAccount) { a.identity = fn }
}

// NewKeyringAccount creates a keyring-backed deriver for the current user
func NewKeyringAccount(opts ...Option) *KeyringAccount {
	a := &KeyringAccount{
		service:  DefaultService,
		identity: currentIdentity,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func currentIdentity() (Identity, error) {
	u, err := user.Current()
	if err != nil {
		return Identity{}, err
	}
	return Identity{Username: u.Username, UID: u.Uid}, nil
}

// DeriveBytes implements Deriver
func (a *KeyringAccount) DeriveBytes(ctx context.Context, create bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, err := a.identity()
	if err != nil {
		return nil, keyerr.UnsupportedSource(sourceName, fmt.Errorf("cannot determine current user: %w", err))
	}

	secret, err := a.loadSecret(id.Username, create)
	if err != nil {
		return nil, err
	}
	defer protect.Wipe(secret)

	return pbkdf2.Key(secret, []byte(saltPrefix+id.UID), iterations, keySize, sha512.New), nil
}

func (a *KeyringAccount) loadSecret(username string, create bool) ([]byte, error) {
	encoded, err := keyring.Get(a.service, username)
	switch {
	case err == nil:
		secret, decErr := base64.RawStdEncoding.DecodeString(encoded)
		if decErr != nil || len(secret) != secretSize {
			return nil, keyerr.UnsupportedSource(sourceName, errors.New("stored account secret is corrupt"))
		}
		return secret, nil

	case errors.Is(err, keyring.ErrNotFound):
		if !create {
			return nil, keyerr.UnsupportedSource(sourceName,
				fmt.Errorf("no account secret stored for %s; create a composite key with this source first", username))
		}
		return a.createSecret(username)

	case errors.Is(err, keyring.ErrUnsupportedPlatform):
		return nil, keyerr.UnsupportedSource(sourceName, err)

	default:
		return nil, keyerr.UnsupportedSource(sourceName, fmt.Errorf("credential store unavailable: %w", err))
	}
}

func (a *KeyringAccount) createSecret(username string) ([]byte, error) {
	secret, err := securerandom.Bytes(secretSize)
	if err != nil {
		return nil, err
	}
	if err := keyring.Set(a.service, username, base64.RawStdEncoding.EncodeToString(secret)); err != nil {
		protect.Wipe(secret)
		if errors.Is(err, keyring.ErrUnsupportedPlatform) {
			return nil, keyerr.UnsupportedSource(sourceName, err)
		}
		return nil, keyerr.UnsupportedSource(sourceName, fmt.Errorf("failed to store account secret: %w", err))
	}
	return secret, nil
}

// Unsupported is a Deriver for platforms without a credential store
type Unsupported struct{}

// DeriveBytes always fails with an UnsupportedSource error
func (Unsupported) DeriveBytes(context.Context, bool) ([]byte, error) {
	return nil, keyerr.UnsupportedSource(sourceName, keyring.ErrUnsupportedPlatform)
}
