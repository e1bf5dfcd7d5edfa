// Package snapshot persists the last confirmed subscription record per user
// in SQLite.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/rcourtman/pulsefit/internal/subscription"
)

const dbFileName = "snapshots.db"

// Store implements subscription.SnapshotStore.
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

var _ subscription.SnapshotStore = (*Store)(nil)

// Open creates or opens the snapshot database under dataPath.
func Open(dataPath string) (*Store, error) {
	if strings.TrimSpace(dataPath) == "" {
		return nil, fmt.Errorf("dataPath is required")
	}
	dataPath = filepath.Clean(dataPath)
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot data dir: %w", err)
	}

	dbPath := filepath.Join(dataPath, dbFileName)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscription_snapshots (
		user_id TEXT PRIMARY KEY,
		record TEXT NOT NULL,
		saved_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init snapshot schema: %w", err)
	}
	return nil
}

// Name identifies the store in the platform database registry.
func (s *Store) Name() string {
	return "snapshots"
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Load returns the stored record and when it was saved. A user with no
// snapshot yields a nil record and no error.
func (s *Store) Load(ctx context.Context, userID string) (*subscription.Record, time.Time, error) {
	var raw string
	var savedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT record, saved_at FROM subscription_snapshots WHERE user_id = ?`, userID).
		Scan(&raw, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load snapshot: %w", err)
	}

	var rec subscription.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Discarding corrupt subscription snapshot")
		_ = s.Delete(ctx, userID)
		return nil, time.Time{}, nil
	}
	return &rec, time.UnixMilli(savedAt), nil
}

// Save replaces userID's snapshot.
func (s *Store) Save(ctx context.Context, userID string, rec *subscription.Record) error {
	if rec == nil {
		return s.Delete(ctx, userID)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscription_snapshots (user_id, record, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET record = excluded.record, saved_at = excluded.saved_at`,
		userID, string(raw), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Delete removes userID's snapshot.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscription_snapshots WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Drop removes every snapshot.
func (s *Store) Drop(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscription_snapshots`); err != nil {
		return fmt.Errorf("drop snapshots: %w", err)
	}
	return nil
}

// Count returns the number of stored snapshots.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscription_snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
