package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store provides SQLite-backed challenges, sessions, accounts and ledger for
// single-node deployments.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens a SQLite store at path and applies migrations
func Open(path string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.RunMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is usable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunMigrations creates the schema if needed
func (s *Store) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS challenges (
			id TEXT PRIMARY KEY,
			challenger_id TEXT NOT NULL,
			challenged_id TEXT NOT NULL,
			pair_key TEXT NOT NULL,
			type TEXT NOT NULL,
			wager_amount INTEGER NOT NULL DEFAULT 0 CHECK (wager_amount >= 0),
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			accepted_at INTEGER,
			started_at INTEGER,
			finished_at INTEGER,
			result TEXT,
			CHECK (challenger_id <> challenged_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_challenges_active_pair ON challenges(pair_key)
			WHERE status IN ('PENDING', 'ACCEPTED', 'IN_PROGRESS')`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_challenger ON challenges(challenger_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_challenged ON challenges(challenged_id, status)`,
		`CREATE TABLE IF NOT EXISTS duel_sessions (
			duel_id TEXT PRIMARY KEY REFERENCES challenges(id) ON DELETE CASCADE,
			data TEXT NOT NULL,
			version INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_duel_sessions_expiry ON duel_sessions(expires_at)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			balance INTEGER NOT NULL CHECK (balance >= 0),
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			amount INTEGER NOT NULL,
			reason TEXT NOT NULL,
			balance_before INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			correlation_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(correlation_id, account_id, reason)
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	s.logger.Debug("sqlite migrations completed")
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableTime(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}
