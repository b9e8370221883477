package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duel-arena/internal/config"
)

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

// Repository provides PostgreSQL-backed challenges, sessions, accounts and ledger
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// Ping checks the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS challenges (
			id VARCHAR(64) PRIMARY KEY,
			challenger_id VARCHAR(64) NOT NULL,
			challenged_id VARCHAR(64) NOT NULL,
			pair_key VARCHAR(130) NOT NULL,
			type VARCHAR(10) NOT NULL,
			wager_amount BIGINT NOT NULL DEFAULT 0 CHECK (wager_amount >= 0),
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			accepted_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			result JSONB,
			CHECK (challenger_id <> challenged_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_challenges_active_pair ON challenges(pair_key)
			WHERE status IN ('PENDING', 'ACCEPTED', 'IN_PROGRESS')`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_challenger ON challenges(challenger_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_challenged ON challenges(challenged_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_pending_expiry ON challenges(expires_at) WHERE status = 'PENDING'`,
		`CREATE TABLE IF NOT EXISTS duel_sessions (
			duel_id VARCHAR(64) PRIMARY KEY REFERENCES challenges(id) ON DELETE CASCADE,
			data JSONB NOT NULL,
			version BIGINT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_duel_sessions_expiry ON duel_sessions(expires_at)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id VARCHAR(64) PRIMARY KEY,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			balance BIGINT NOT NULL CHECK (balance >= 0),
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL REFERENCES accounts(id),
			amount BIGINT NOT NULL,
			reason VARCHAR(20) NOT NULL,
			balance_before BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			correlation_id VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE(correlation_id, account_id, reason)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id, created_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
