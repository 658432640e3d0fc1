// Package keyprovider implements the key provider registry.
//
// A key provider is a named component that produces key bytes for a
// composite key. Providers are selected through the key file field: when the
// selected name matches a registered provider it is used instead of a file.
package keyprovider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/armorclaw/keyguard/pkg/keyerr"
	"github.com/armorclaw/keyguard/pkg/protect"
)

// QueryContext is passed to a provider when key bytes are requested
type QueryContext struct {
	// ContextPath identifies the database the key is for
	ContextPath string

	// CreatingNewKey is set while a new composite key is being defined
	CreatingNewKey bool

	// SecureDesktop is set when the request was collected in isolation
	SecureDesktop bool

	// Input is free-form user input for providers that need it
	Input *protect.String
}

// Provider produces key bytes for a composite key
type Provider interface {
	Name() string
	GetKey(ctx context.Context, q QueryContext) ([]byte, error)
}

// InputDescriber is implemented by providers that need user input.
// The prompt shows the returned label next to the input field.
type InputDescriber interface {
	InputLabel() string
}

var ErrDuplicateProvider = errors.New("key provider already registered")

// Registry is a read-mostly, ordered set of providers.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	byName    map[string]Provider
}

// NewRegistry creates a registry holding the given providers in order
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{byName: make(map[string]Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a provider. Names must be unique and non-empty.
func (r *Registry) Register(p Provider) error {
	if p == nil || p.Name() == "" {
		return errors.New("key provider must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name())
	}
	r.providers = append(r.providers, p)
	r.byName[p.Name()] = p
	return nil
}

// Unregister removes a provider by name and reports whether it was present
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; !ok {
		return false
	}
	delete(r.byName, name)
	for i, p := range r.providers {
		if p.Name() == name {
			r.providers = append(r.providers[:i:i], r.providers[i+1:]...)
			break
		}
	}
	return true
}

// List returns provider names in registration order
func (r *Registry) List() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	return names
}

// IsProvider reports whether name is a registered provider
func (r *Registry) IsProvider(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// Lookup returns a provider by name
func (r *Registry) Lookup(name string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Order returns the registration index of name, or -1
func (r *Registry) Order(name string) int {
	if r == nil {
		return -1
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, p := range r.providers {
		if p.Name() == name {
			return i
		}
	}
	return -1
}

// GetKey asks the named provider for key bytes. Every failure, including an
// empty result, is reported as a ProviderFailed error. Calls are not retried.
func (r *Registry) GetKey(ctx context.Context, name string, q QueryContext) ([]byte, error) {
	p, ok := r.Lookup(name)
	if !ok {
		return nil, keyerr.ProviderFailed(name, "key provider not registered", nil)
	}

	key, err := p.GetKey(ctx, q)
	if err != nil {
		var ke *keyerr.KeyError
		if errors.As(err, &ke) && ke.Kind == keyerr.KindProviderFailed {
			return nil, ke
		}
		return nil, keyerr.ProviderFailed(name, err.Error(), err)
	}
	if len(key) == 0 {
		return nil, keyerr.ProviderFailed(name, "key provider returned no key data", nil)
	}
	return key, nil
}
