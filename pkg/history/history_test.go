package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/keyguard/pkg/keysource"
	"github.com/armorclaw/keyguard/pkg/protect"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRememberAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req := &keysource.Request{
		ContextPath: "/home/u/db.kgdb",
		Password:    protect.NewString("never stored"),
		KeyFilePath: "/keys/db.keyx",
	}
	require.NoError(t, s.Remember(ctx, req))

	e, ok, err := s.Lookup(ctx, "/home/u/db.kgdb")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.Password)
	assert.Equal(t, "/keys/db.keyx", e.KeyFile)
	assert.False(t, e.OSAccount)
	assert.False(t, e.UpdatedAt.IsZero())

	d := e.Defaults()
	assert.Equal(t, keysource.Defaults{Password: true, KeyFile: "/keys/db.keyx"}, d)
}

func TestRememberProviderAndReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Remember(ctx, &keysource.Request{ContextPath: "/db", KeyFilePath: "/a.keyx"}))
	require.NoError(t, s.Remember(ctx, &keysource.Request{ContextPath: "/db", Providers: []string{"Shamir Secret Shares"}, OSAccount: true}))

	e, ok, err := s.Lookup(ctx, "/db")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Shamir Secret Shares", e.KeyFile)
	assert.True(t, e.OSAccount)
	assert.False(t, e.Password)
}

func TestLookupMissingAndForget(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Lookup(ctx, "/nothing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, Entry{ContextPath: "/db", OSAccount: true}))
	require.NoError(t, s.Forget(ctx, "/db"))

	_, ok, err = s.Lookup(ctx, "/db")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmptyKeyFileDefaultsToPlaceholder(t *testing.T) {
	d := Entry{OSAccount: true}.Defaults()
	assert.Equal(t, keysource.NoKeyFile, d.KeyFile)
}

func TestRememberIgnoresAnonymousRequests(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Remember(context.Background(), nil))
	assert.NoError(t, s.Remember(context.Background(), &keysource.Request{OSAccount: true}))
}

func TestClosedStore(t *testing.T) {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err = s.Lookup(context.Background(), "/db")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Put(context.Background(), Entry{ContextPath: "/db"}), ErrClosed)
	assert.ErrorIs(t, s.Forget(context.Background(), "/db"), ErrClosed)
}
