package keysource

import (
	"strings"

	"github.com/armorclaw/keyguard/pkg/protect"
)

// Defaults are the initial source choices for one database. They are
// resolved by the caller from configuration and remembered history.
type Defaults struct {
	Password  bool
	KeyFile   string
	OSAccount bool

	// Enforced marks defaults from an administrator rule. Remembered
	// history does not override enforced defaults.
	Enforced bool
}

// Selector holds the enabled state and raw input of every key source for
// one dialog session. It performs no I/O and is not safe for concurrent use.
type Selector struct {
	createMode bool

	passwordEnabled bool
	password        *protect.String
	repeat          *protect.String

	keyFileEnabled bool
	keyFile        string

	osAccount bool

	providerInput *protect.String
	allowRaw      bool
}

// NewSelector creates a selector for unlocking, starting from defaults
func NewSelector(d Defaults) *Selector {
	s := &Selector{
		passwordEnabled: d.Password,
		osAccount:       d.OSAccount,
		keyFile:         NoKeyFile,
	}
	if !IsPlaceholder(d.KeyFile) {
		s.keyFileEnabled = true
		s.keyFile = strings.TrimSpace(d.KeyFile)
	}
	return s
}

// NewCreateSelector creates a selector for defining a new composite key.
// The password must be entered twice.
func NewCreateSelector(d Defaults) *Selector {
	s := NewSelector(d)
	s.createMode = true
	return s
}

// CreateMode reports whether the selector is defining a new key
func (s *Selector) CreateMode() bool { return s.createMode }

// SetEnabled toggles a source. Disabling the key file resets its selection
// to the placeholder so a stale path is never carried forward.
func (s *Selector) SetEnabled(kind Kind, enabled bool) {
	switch kind {
	case Password:
		s.passwordEnabled = enabled
	case KeyFile, Provider:
		s.keyFileEnabled = enabled
		if !enabled {
			s.keyFile = NoKeyFile
		}
	case OSAccount:
		s.osAccount = enabled
	}
}

// IsEnabled reports whether a source is enabled. A key file selection equal
// to the placeholder counts as disabled.
func (s *Selector) IsEnabled(kind Kind) bool {
	switch kind {
	case Password:
		return s.passwordEnabled
	case KeyFile, Provider:
		return s.keyFileEnabled && !IsPlaceholder(s.keyFile)
	case OSAccount:
		return s.osAccount
	}
	return false
}

// SetPassword replaces the password. Entering a non-empty password enables
// the password source. The selector takes ownership of p.
func (s *Selector) SetPassword(p *protect.String) {
	destroyString(s.password)
	s.password = p
	if p != nil && !p.IsEmpty() {
		s.passwordEnabled = true
	}
}

// SetPasswordRepeat replaces the repeated password used in create mode
func (s *Selector) SetPasswordRepeat(p *protect.String) {
	destroyString(s.repeat)
	s.repeat = p
}

// PasswordsMatch reports whether password and repeat are identical
func (s *Selector) PasswordsMatch() bool {
	return s.password.EqualString(s.repeat)
}

// SetKeyFile selects a key file path or provider name. Selecting the
// placeholder disables the source; anything else enables it.
func (s *Selector) SetKeyFile(selection string) {
	if IsPlaceholder(selection) {
		s.keyFile = NoKeyFile
		s.keyFileEnabled = false
		return
	}
	s.keyFile = strings.TrimSpace(selection)
	s.keyFileEnabled = true
}

// KeyFile returns the current key file selection
func (s *Selector) KeyFile() string { return s.keyFile }

// SetProviderInput replaces the input passed to a key provider
func (s *Selector) SetProviderInput(p *protect.String) {
	destroyString(s.providerInput)
	s.providerInput = p
}

// SetAllowRawKeyFile records that the user accepted loading a key file that
// is not a key file container as raw key material
func (s *Selector) SetAllowRawKeyFile(allow bool) { s.allowRaw = allow }

// State returns a secret-free snapshot for the enablement policy
func (s *Selector) State() State {
	return State{
		PasswordEnabled:  s.passwordEnabled,
		PasswordEmpty:    s.password == nil || s.password.IsEmpty(),
		CreateMode:       s.createMode,
		PasswordsMatch:   !s.createMode || s.PasswordsMatch(),
		KeyFileEnabled:   s.keyFileEnabled,
		KeyFile:          s.keyFile,
		OSAccountEnabled: s.osAccount,
	}
}

// IsValid reports whether the current selection can be accepted
func (s *Selector) IsValid(env Environment) bool {
	return AcceptEnabled(s.State(), env)
}

// Request validates the selection and moves its secrets into a request.
// After a successful call the selector no longer holds secret input.
func (s *Selector) Request(contextPath string, secureDesktop bool, env Environment) (*Request, error) {
	if err := Check(s.State(), env); err != nil {
		return nil, err
	}

	r := &Request{
		ContextPath:     contextPath,
		SecureDesktop:   secureDesktop,
		CreatingNewKey:  s.createMode,
		OSAccount:       s.osAccount,
		AllowRawKeyFile: s.allowRaw,
	}

	if s.passwordEnabled {
		r.Password = s.password
		if r.Password == nil {
			r.Password = protect.NewString("")
		}
		s.password = nil
	}

	if s.IsEnabled(KeyFile) {
		if env.IsProvider(s.keyFile) {
			r.Providers = []string{s.keyFile}
			r.ProviderInput = s.providerInput
			s.providerInput = nil
		} else {
			r.KeyFilePath = s.keyFile
		}
	}

	s.Discard()
	return r, nil
}

// Discard destroys all secret input held by the selector
func (s *Selector) Discard() {
	destroyString(s.password)
	destroyString(s.repeat)
	destroyString(s.providerInput)
	s.password, s.repeat, s.providerInput = nil, nil, nil
}

func destroyString(p *protect.String) {
	if p != nil {
		p.Destroy()
	}
}
