package keyprovider

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/keyguard/pkg/keyerr"
)

type staticProvider struct {
	name string
	key  []byte
	err  error
}

func (p *staticProvider) Name() string { return p.name }

func (p *staticProvider) GetKey(context.Context, QueryContext) ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	return append([]byte(nil), p.key...), nil
}

func TestRegistryOrderAndLookup(t *testing.T) {
	r, err := NewRegistry(
		&staticProvider{name: "b", key: []byte{2}},
		&staticProvider{name: "a", key: []byte{1}},
		&staticProvider{name: "c", key: []byte{3}},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "a", "c"}, r.List())
	assert.True(t, r.IsProvider("a"))
	assert.False(t, r.IsProvider("z"))
	assert.Equal(t, 1, r.Order("a"))
	assert.Equal(t, -1, r.Order("z"))

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	assert.Equal(t, []string{"b", "c"}, r.List())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r, err := NewRegistry(&staticProvider{name: "x"})
	require.NoError(t, err)

	err = r.Register(&staticProvider{name: "x"})
	assert.ErrorIs(t, err, ErrDuplicateProvider)
	assert.Error(t, r.Register(&staticProvider{}))
	assert.Error(t, r.Register(nil))
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	assert.Empty(t, r.List())
	assert.False(t, r.IsProvider("x"))
	_, err := r.GetKey(context.Background(), "x", QueryContext{})
	assert.True(t, errors.Is(err, keyerr.ErrProviderFailed))
}

func TestRegistryGetKey(t *testing.T) {
	boom := errors.New("device unplugged")
	r, err := NewRegistry(
		&staticProvider{name: "ok", key: []byte("material")},
		&staticProvider{name: "broken", err: boom},
		&staticProvider{name: "empty"},
		&staticProvider{name: "typed", err: keyerr.ProviderFailed("typed", "bad pin", nil)},
	)
	require.NoError(t, err)
	ctx := context.Background()

	key, err := r.GetKey(ctx, "ok", QueryContext{})
	require.NoError(t, err)
	assert.Equal(t, []byte("material"), key)

	tests := []struct {
		name     string
		provider string
		contains string
	}{
		{name: "unregistered", provider: "missing", contains: "not registered"},
		{name: "provider error", provider: "broken", contains: "device unplugged"},
		{name: "empty result", provider: "empty", contains: "no key data"},
		{name: "already typed", provider: "typed", contains: "bad pin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.GetKey(ctx, tt.provider, QueryContext{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, keyerr.ErrProviderFailed))

			var ke *keyerr.KeyError
			require.True(t, errors.As(err, &ke))
			assert.Equal(t, tt.provider, ke.Provider)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}

	_, err = r.GetKey(ctx, "broken", QueryContext{})
	assert.ErrorIs(t, err, boom)
}

func TestRegistryConcurrentReads(t *testing.T) {
	r, err := NewRegistry(&staticProvider{name: "p", key: []byte{9}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.GetKey(context.Background(), "p", QueryContext{})
			assert.NoError(t, err)
			assert.Equal(t, []string{"p"}, r.List())
		}()
	}
	wg.Wait()
}
