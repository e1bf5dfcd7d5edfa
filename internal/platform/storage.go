package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Scope separates values kept across runs from values kept for one run.
type Scope string

const (
	ScopeLocal   Scope = "local"
	ScopeSession Scope = "session"
)

const storageFileName = "storage.db"

// Storage is a scoped key/value store backed by SQLite. Session values are
// dropped each time the storage is opened.
type Storage struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// OpenStorage creates or opens the storage database under dataPath.
func OpenStorage(dataPath string) (*Storage, error) {
	if strings.TrimSpace(dataPath) == "" {
		return nil, fmt.Errorf("dataPath is required")
	}
	dataPath = filepath.Clean(dataPath)
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage data dir: %w", err)
	}

	dbPath := filepath.Join(dataPath, storageFileName)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Storage{db: db, dbPath: dbPath, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Clear(context.Background(), ScopeSession); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		scope TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, key)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init storage schema: %w", err)
	}
	return nil
}

// Get returns the value under key and whether it exists.
func (s *Storage) Get(ctx context.Context, scope Scope, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE scope = ? AND key = ?`, string(scope), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s/%s: %w", scope, key, err)
	}
	return value, true, nil
}

// Set stores value under key.
func (s *Storage) Set(ctx context.Context, scope Scope, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (scope, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(scope), key, value, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", scope, key, err)
	}
	return nil
}

// Delete removes key.
func (s *Storage) Delete(ctx context.Context, scope Scope, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE scope = ? AND key = ?`, string(scope), key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", scope, key, err)
	}
	return nil
}

// Clear removes every key in scope.
func (s *Storage) Clear(ctx context.Context, scope Scope) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE scope = ?`, string(scope)); err != nil {
		return fmt.Errorf("clear %s storage: %w", scope, err)
	}
	return nil
}

// Len returns the number of keys in scope.
func (s *Storage) Len(ctx context.Context, scope Scope) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv WHERE scope = ?`, string(scope)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s storage: %w", scope, err)
	}
	return n, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}
