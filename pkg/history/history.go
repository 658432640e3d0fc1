// Package history remembers which key sources were last used for each
// database. Only choices are stored, never secrets: the key file path or
// provider name and whether the password and OS account sources were on.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/armorclaw/keyguard/pkg/keysource"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("history store is closed")

// Entry is the remembered choice for one database
type Entry struct {
	ContextPath string
	Password    bool
	KeyFile     string
	OSAccount   bool
	UpdatedAt   time.Time
}

// Defaults converts the entry into selector defaults
func (e Entry) Defaults() keysource.Defaults {
	keyFile := e.KeyFile
	if keyFile == "" {
		keyFile = keysource.NoKeyFile
	}
	return keysource.Defaults{
		Password:  e.Password,
		KeyFile:   keyFile,
		OSAccount: e.OSAccount,
	}
}

// Store persists remembered choices in SQLite
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the history database at path
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initDB(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initDB(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS key_sources (
		context_path TEXT PRIMARY KEY,
		password INTEGER NOT NULL DEFAULT 0,
		key_file TEXT NOT NULL DEFAULT '',
		os_account INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS history_meta (key TEXT PRIMARY KEY, value TEXT);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO history_meta (key, value) VALUES ('schema_version', '1');"); err != nil {
		return fmt.Errorf("store schema version: %w", err)
	}
	return nil
}

// Remember records the choice behind a successful request
func (s *Store) Remember(ctx context.Context, req *keysource.Request) error {
	if req == nil || req.ContextPath == "" {
		return nil
	}
	e := Entry{
		ContextPath: req.ContextPath,
		Password:    req.Password != nil,
		KeyFile:     req.KeyFilePath,
		OSAccount:   req.OSAccount,
	}
	if len(req.Providers) > 0 {
		e.KeyFile = req.Providers[0]
	}
	return s.Put(ctx, e)
}

// Put stores an entry, replacing any previous one
func (s *Store) Put(ctx context.Context, e Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO key_sources (context_path, password, key_file, os_account, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(context_path) DO UPDATE SET
		password = excluded.password,
		key_file = excluded.key_file,
		os_account = excluded.os_account,
		updated_at = excluded.updated_at`,
		e.ContextPath, e.Password, e.KeyFile, e.OSAccount, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("remember key sources: %w", err)
	}
	return nil
}

// Lookup returns the remembered entry for a database
func (s *Store) Lookup(ctx context.Context, contextPath string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, false, ErrClosed
	}

	var (
		e       Entry
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT context_path, password, key_file, os_account, updated_at FROM key_sources WHERE context_path = ?",
		contextPath,
	).Scan(&e.ContextPath, &e.Password, &e.KeyFile, &e.OSAccount, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup key sources: %w", err)
	}
	e.UpdatedAt = time.Unix(updated, 0)
	return e, true, nil
}

// Forget removes the entry for a database
func (s *Store) Forget(ctx context.Context, contextPath string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM key_sources WHERE context_path = ?", contextPath); err != nil {
		return fmt.Errorf("forget key sources: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
