package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/duel-arena/internal/domain"
)

// SaveSession upserts a session. An older version never overwrites a newer one.
func (r *Repository) SaveSession(ctx context.Context, s *domain.DuelSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	query := `
		INSERT INTO duel_sessions (duel_id, data, version, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (duel_id)
		DO UPDATE SET
			data = EXCLUDED.data,
			version = EXCLUDED.version,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		WHERE duel_sessions.version < EXCLUDED.version
	`
	result, err := r.pool.Exec(ctx, query, s.DuelID, data, s.Version, s.ExpiresAt, s.LastActionAt)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrStateChanged
	}
	return nil
}

// GetSession retrieves a session by duel ID
func (r *Repository) GetSession(ctx context.Context, duelID string) (*domain.DuelSession, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT data FROM duel_sessions WHERE duel_id = $1`, duelID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	var s domain.DuelSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &s, nil
}

// DeleteSession removes a session. Deleting a missing session is not an error.
func (r *Repository) DeleteSession(ctx context.Context, duelID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM duel_sessions WHERE duel_id = $1`, duelID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// ListRestorableSessions returns unexpired sessions whose duel is ACCEPTED or IN_PROGRESS
func (r *Repository) ListRestorableSessions(ctx context.Context, now time.Time) ([]domain.DuelSession, error) {
	query := `
		SELECT s.data
		FROM duel_sessions s
		JOIN challenges c ON c.id = s.duel_id
		WHERE c.status IN ('ACCEPTED', 'IN_PROGRESS') AND s.expires_at >= $1
	`
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("listing restorable sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.DuelSession
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		var s domain.DuelSession
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("unmarshaling session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// ListExpiredSessions returns the IDs of sessions past their expiry
func (r *Repository) ListExpiredSessions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT duel_id FROM duel_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
