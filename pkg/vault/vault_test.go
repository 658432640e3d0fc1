package vault

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawKey []byte

func (k rawKey) Use(fn func([]byte) error) error { return fn(k) }

func testKey(b byte) rawKey {
	return rawKey(bytes.Repeat([]byte{b}, 32))
}

func TestCreateAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db", "main.kgdb")

	v, err := Create(ctx, path, testKey(1))
	require.NoError(t, err)
	require.NoError(t, v.Put(ctx, "github", []byte("token-123")))
	require.NoError(t, v.Close())

	v, err = Open(ctx, path, testKey(1))
	require.NoError(t, err)
	defer v.Close()

	got, err := v.Get(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, []byte("token-123"), got)
	assert.Equal(t, path, v.Path())
}

func TestOpen_WrongKey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "main.kgdb")

	v, err := Create(ctx, path, testKey(1))
	require.NoError(t, err)
	require.NoError(t, v.Close())

	_, err = Open(ctx, path, testKey(2))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "none.kgdb"), testKey(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreate_Existing(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "main.kgdb")

	v, err := Create(ctx, path, testKey(1))
	require.NoError(t, err)
	require.NoError(t, v.Close())

	_, err = Create(ctx, path, testKey(1))
	assert.ErrorIs(t, err, ErrExists)
}

func TestEntries(t *testing.T) {
	ctx := context.Background()
	v, err := Create(ctx, filepath.Join(t.TempDir(), "main.kgdb"), testKey(7))
	require.NoError(t, err)
	defer v.Close()

	require.NoError(t, v.Put(ctx, "b", []byte("two")))
	require.NoError(t, v.Put(ctx, "a", []byte("one")))
	require.NoError(t, v.Put(ctx, "a", []byte("uno")))
	assert.Error(t, v.Put(ctx, "  ", []byte("x")))

	entries, err := v.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, "b", entries[1].Name)

	got, err := v.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), got)

	require.NoError(t, v.Delete(ctx, "a"))
	_, err = v.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.ErrorIs(t, v.Delete(ctx, "a"), ErrEntryNotFound)
}

func TestSealBindsEntryName(t *testing.T) {
	ctx := context.Background()
	v, err := Create(ctx, filepath.Join(t.TempDir(), "main.kgdb"), testKey(3))
	require.NoError(t, err)
	defer v.Close()

	sealed, nonce, err := v.seal([]byte("secret"), "one")
	require.NoError(t, err)

	_, err = v.open(sealed, nonce, "two")
	assert.Error(t, err, "a value moved to another row must not decrypt")

	plain, err := v.open(sealed, nonce, "one")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), plain)
}

func TestClosed(t *testing.T) {
	ctx := context.Background()
	v, err := Create(ctx, filepath.Join(t.TempDir(), "main.kgdb"), testKey(4))
	require.NoError(t, err)
	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	assert.ErrorIs(t, v.Put(ctx, "a", nil), ErrClosed)
	_, err = v.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = v.List(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
