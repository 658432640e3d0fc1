// Package keysource holds the key source selection for a composite key
// request and the policy deciding whether that selection can be accepted.
package keysource

import (
	"errors"
	"fmt"
	"strings"

	"github.com/armorclaw/keyguard/pkg/keyerr"
	"github.com/armorclaw/keyguard/pkg/keyfile"
)

// Kind identifies a key source
type Kind int

const (
	Password Kind = iota
	KeyFile
	OSAccount
	Provider
)

// String returns the name used in logs and remembered choices
func (k Kind) String() string {
	switch k {
	case Password:
		return "password"
	case KeyFile:
		return "key_file"
	case OSAccount:
		return "os_account"
	case Provider:
		return "provider"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// NoKeyFile is the placeholder selection meaning "no key file".
// It always disables the key file source.
const NoKeyFile = "(None)"

// ErrPasswordMismatch is reported in create mode when the repeated
// password differs from the password
var ErrPasswordMismatch = errors.New("passwords do not match")

// IsPlaceholder reports whether a key file selection means "none"
func IsPlaceholder(selection string) bool {
	s := strings.TrimSpace(selection)
	return s == "" || s == NoKeyFile
}

// Environment answers the lookups the policy needs. Implementations must
// not perform anything heavier than a stat or a registry lookup.
type Environment interface {
	FileExists(path string) bool
	IsProvider(name string) bool
}

// ProviderChecker is satisfied by the key provider registry
type ProviderChecker interface {
	IsProvider(name string) bool
}

type fsEnvironment struct {
	providers ProviderChecker
}

// NewEnvironment returns an Environment that checks the filesystem and the
// given provider registry, which may be nil
func NewEnvironment(providers ProviderChecker) Environment {
	return fsEnvironment{providers: providers}
}

func (e fsEnvironment) FileExists(path string) bool { return keyfile.Exists(path) }

func (e fsEnvironment) IsProvider(name string) bool {
	return e.providers != nil && e.providers.IsProvider(name)
}

// State is a snapshot of a selector. It holds no secret material.
type State struct {
	PasswordEnabled  bool
	PasswordEmpty    bool
	CreateMode       bool
	PasswordsMatch   bool
	KeyFileEnabled   bool
	KeyFile          string
	OSAccountEnabled bool
}

// AnyEnabled reports whether at least one source is enabled
func (s State) AnyEnabled() bool {
	keyFile := s.KeyFileEnabled && !IsPlaceholder(s.KeyFile)
	return s.PasswordEnabled || keyFile || s.OSAccountEnabled
}

// Check returns the first reason the state cannot be accepted, or nil.
// An enabled but empty password is accepted; the checkbox records that the
// blank password is intentional.
func Check(s State, env Environment) error {
	if !s.AnyEnabled() {
		return keyerr.NoSourceSelected()
	}
	if s.PasswordEnabled && s.CreateMode && !s.PasswordsMatch {
		return ErrPasswordMismatch
	}
	if s.KeyFileEnabled && !IsPlaceholder(s.KeyFile) {
		name := strings.TrimSpace(s.KeyFile)
		if !env.IsProvider(name) && !env.FileExists(name) {
			return keyerr.KeyFileInvalid(name, keyerr.NotFound(name, nil))
		}
	}
	return nil
}

// AcceptEnabled reports whether the accept action should be enabled.
// It is a pure function of its inputs and safe to call on every change.
func AcceptEnabled(s State, env Environment) bool {
	return Check(s, env) == nil
}
