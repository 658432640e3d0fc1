package keysource

import "github.com/armorclaw/keyguard/pkg/protect"

// Request is a validated composite key request. It owns its secret input
// and must be destroyed once the composite key has been built.
type Request struct {
	// ContextPath scopes per-database defaults; it is not key material
	ContextPath    string
	SecureDesktop  bool
	CreatingNewKey bool

	// Password is nil when the password source is disabled. An enabled
	// blank password is an empty, non-nil value.
	Password *protect.String

	KeyFilePath string
	OSAccount   bool

	// Providers are registered provider names; the builder orders them by
	// registration
	Providers     []string
	ProviderInput *protect.String

	AllowRawKeyFile bool
}

// Sources lists the enabled sources in canonical order
func (r *Request) Sources() []Kind {
	var kinds []Kind
	if r.Password != nil {
		kinds = append(kinds, Password)
	}
	if r.KeyFilePath != "" {
		kinds = append(kinds, KeyFile)
	}
	if r.OSAccount {
		kinds = append(kinds, OSAccount)
	}
	for range r.Providers {
		kinds = append(kinds, Provider)
	}
	return kinds
}

// HasSource reports whether at least one source is enabled
func (r *Request) HasSource() bool {
	return r != nil && len(r.Sources()) > 0
}

// Destroy drops the request's secret input
func (r *Request) Destroy() {
	if r == nil {
		return
	}
	destroyString(r.Password)
	destroyString(r.ProviderInput)
	r.Password, r.ProviderInput = nil, nil
}
