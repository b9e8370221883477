package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/duel-arena/internal/domain"
)

// SaveSession upserts a session unless a newer version is already stored
func (s *Store) SaveSession(ctx context.Context, sess *domain.DuelSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
INSERT INTO duel_sessions (duel_id, data, version, expires_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (duel_id) DO UPDATE SET
	data = excluded.data,
	version = excluded.version,
	expires_at = excluded.expires_at,
	updated_at = excluded.updated_at
WHERE duel_sessions.version < excluded.version
`, sess.DuelID, string(data), sess.Version, toMillis(sess.ExpiresAt), toMillis(sess.LastActionAt))
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return domain.ErrStateChanged
	}
	return nil
}

// GetSession retrieves a session by duel ID
func (s *Store) GetSession(ctx context.Context, duelID string) (*domain.DuelSession, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM duel_sessions WHERE duel_id = ?`, duelID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return decodeSession(data)
}

// DeleteSession removes a session if present
func (s *Store) DeleteSession(ctx context.Context, duelID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM duel_sessions WHERE duel_id = ?`, duelID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// ListRestorableSessions returns unexpired sessions whose duel is ACCEPTED or IN_PROGRESS
func (s *Store) ListRestorableSessions(ctx context.Context, now time.Time) ([]domain.DuelSession, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT s.data
FROM duel_sessions s
JOIN challenges c ON c.id = s.duel_id
WHERE c.status IN ('ACCEPTED', 'IN_PROGRESS') AND s.expires_at >= ?
ORDER BY s.duel_id
`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("listing restorable sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.DuelSession
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sess, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// ListExpiredSessions returns the IDs of sessions past their expiry
func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT duel_id FROM duel_sessions WHERE expires_at < ? ORDER BY duel_id`, toMillis(now))
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

func decodeSession(data string) (*domain.DuelSession, error) {
	var sess domain.DuelSession
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &sess, nil
}
