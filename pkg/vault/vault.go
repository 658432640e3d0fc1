// Package vault is an encrypted secret store opened with a composite key.
//
// The database file is encrypted page by page with SQLCipher using the raw
// composite key. Entry values are additionally sealed with
// XChaCha20-Poly1305 under a subkey derived from the composite key, so a
// value copied out of a decrypted page is still protected.
package vault

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/armorclaw/keyguard/pkg/protect"
)

const (
	// SQLCipher parameters. The composite key is already a uniform 256-bit
	// key, so the page KDF only needs the SQLCipher default work factor.
	cipherPageSize     = 4096
	cipherKdfIter      = 256000
	cipherHmacAlg      = "HMAC_SHA512"
	cipherKdfAlgorithm = "PBKDF2_HMAC_SHA512"

	entryKeyInfo  = "keyguard vault entries v1"
	schemaVersion = "1"
)

var (
	ErrNotFound      = errors.New("vault database not found")
	ErrExists        = errors.New("vault database already exists")
	ErrInvalidKey    = errors.New("composite key does not open this vault")
	ErrEntryNotFound = errors.New("entry not found")
	ErrClosed        = errors.New("vault is closed")
)

// Key is satisfied by *compositekey.CompositeKey
type Key interface {
	Use(fn func(key []byte) error) error
}

// EntryInfo is the public information about a stored entry
type EntryInfo struct {
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Vault is an open vault database
type Vault struct {
	mu       sync.RWMutex
	db       *sql.DB
	path     string
	entryKey *protect.Bytes
}

// Create creates a new vault at path. It fails with ErrExists if the file
// is already there.
func Create(ctx context.Context, path string, key Key) (*Vault, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create vault directory: %w", err)
		}
	}

	v, err := open(ctx, path, key)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	if err := v.initSchema(ctx); err != nil {
		v.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		v.Close()
		return nil, fmt.Errorf("failed to restrict vault permissions: %w", err)
	}
	return v, nil
}

// Open opens an existing vault. A key that does not decrypt the file
// yields ErrInvalidKey.
func Open(ctx context.Context, path string, key Key) (*Vault, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	v, err := open(ctx, path, key)
	if err != nil {
		return nil, err
	}

	var version string
	err = v.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'version'`).Scan(&version)
	if err != nil {
		v.Close()
		if errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), "no such table") {
			return nil, fmt.Errorf("%s is not a keyguard vault", path)
		}
		return nil, fmt.Errorf("failed to read vault metadata: %w", err)
	}
	if version != schemaVersion {
		v.Close()
		return nil, fmt.Errorf("unsupported vault version %q", version)
	}
	return v, nil
}

func open(ctx context.Context, path string, key Key) (*Vault, error) {
	if key == nil {
		return nil, errors.New("composite key is required")
	}

	var (
		dsn      string
		entryKey *protect.Bytes
	)
	err := key.Use(func(k []byte) error {
		keyHex := hex.EncodeToString(k)
		dsn = fmt.Sprintf(
			"file:%s?_pragma_key=x'%s'&_pragma_cipher_page_size=%d&_pragma_kdf_iter=%d&_pragma_cipher_hmac_algorithm=%s&_pragma_cipher_kdf_algorithm=%s&_foreign_keys=ON",
			path,
			keyHex,
			cipherPageSize,
			cipherKdfIter,
			cipherHmacAlg,
			cipherKdfAlgorithm,
		)

		sub := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, k, nil, []byte(entryKeyInfo)), sub); err != nil {
			return fmt.Errorf("failed to derive entry key: %w", err)
		}
		entryKey = protect.NewBytes(sub)
		return nil
	})
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		entryKey.Destroy()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLCipher only reports a wrong key on the first read of a page
	var n int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master`).Scan(&n); err != nil {
		db.Close()
		entryKey.Destroy()
		if isNotADatabase(err) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Vault{db: db, path: path, entryKey: entryKey}, nil
}

func isNotADatabase(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "file is not a database") || strings.Contains(msg, "file is encrypted")
}

func (v *Vault) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS entries (
		name TEXT PRIMARY KEY,
		value_encrypted BLOB NOT NULL,
		nonce BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO metadata (key, value) VALUES ('version', '` + schemaVersion + `');
	INSERT OR IGNORE INTO metadata (key, value) VALUES ('created_at', ?);
	`
	_, err := v.db.ExecContext(ctx, query, time.Now().Unix())
	return err
}

// Path returns the database path
func (v *Vault) Path() string { return v.path }

// Close closes the database and destroys the entry key
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.db == nil {
		return nil
	}
	err := v.db.Close()
	v.db = nil
	v.entryKey.Destroy()
	return err
}

// Put stores or replaces an entry
func (v *Vault) Put(ctx context.Context, name string, value []byte) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("entry name is required")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db == nil {
		return ErrClosed
	}

	sealed, nonce, err := v.seal(value, name)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	_, err = v.db.ExecContext(ctx, `
	INSERT INTO entries (name, value_encrypted, nonce, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		value_encrypted = excluded.value_encrypted,
		nonce = excluded.nonce,
		updated_at = excluded.updated_at
	`, name, sealed, nonce, now, now)
	if err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}
	return nil
}

// Get returns a copy of an entry's value. The caller should wipe it.
func (v *Vault) Get(ctx context.Context, name string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.db == nil {
		return nil, ErrClosed
	}

	var sealed, nonce []byte
	err := v.db.QueryRowContext(ctx,
		`SELECT value_encrypted, nonce FROM entries WHERE name = ?`, name,
	).Scan(&sealed, &nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}
	return v.open(sealed, nonce, name)
}

// List returns the entries ordered by name
func (v *Vault) List(ctx context.Context) ([]EntryInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.db == nil {
		return nil, ErrClosed
	}

	rows, err := v.db.QueryContext(ctx, `SELECT name, created_at, updated_at FROM entries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []EntryInfo
	for rows.Next() {
		var (
			e                EntryInfo
			created, updated int64
		)
		if err := rows.Scan(&e.Name, &created, &updated); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(created, 0)
		e.UpdatedAt = time.Unix(updated, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes an entry
func (v *Vault) Delete(ctx context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db == nil {
		return ErrClosed
	}

	res, err := v.db.ExecContext(ctx, `DELETE FROM entries WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return nil
}

// seal encrypts value with the entry name as associated data, binding the
// ciphertext to its row
func (v *Vault) seal(value []byte, name string) (sealed, nonce []byte, err error) {
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(cryptorand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	err = v.entryKey.Use(func(key []byte) error {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return fmt.Errorf("failed to create cipher: %w", err)
		}
		sealed = aead.Seal(nil, nonce, value, []byte(name))
		return nil
	})
	return sealed, nonce, err
}

func (v *Vault) open(sealed, nonce []byte, name string) ([]byte, error) {
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("invalid nonce size: %d (expected %d)", len(nonce), chacha20poly1305.NonceSizeX)
	}
	var plain []byte
	err := v.entryKey.Use(func(key []byte) error {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return fmt.Errorf("failed to create cipher: %w", err)
		}
		plain, err = aead.Open(nil, nonce, sealed, []byte(name))
		if err != nil {
			return fmt.Errorf("decryption failed (data may be tampered or corrupted): %w", err)
		}
		return nil
	})
	return plain, err
}
