package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/duel-arena/internal/domain"
)

const challengeColumns = `id, challenger_id, challenged_id, type, wager_amount, status,
	created_at, updated_at, expires_at, accepted_at, started_at, finished_at, result`

type scanner interface {
	Scan(dest ...any) error
}

// CreateChallenge inserts a new PENDING challenge
func (s *Store) CreateChallenge(ctx context.Context, c *domain.Challenge) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO challenges (
	id, challenger_id, challenged_id, pair_key, type, wager_amount, status,
	created_at, updated_at, expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		c.ID,
		c.ChallengerID,
		c.ChallengedID,
		c.PairKey(),
		string(c.Type),
		c.WagerAmount,
		string(c.Status),
		toMillis(c.CreatedAt),
		toMillis(c.UpdatedAt),
		toMillis(c.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflictingChallenge
		}
		return fmt.Errorf("creating challenge: %w", err)
	}
	return nil
}

// GetChallenge retrieves a challenge by ID
func (s *Store) GetChallenge(ctx context.Context, duelID string) (*domain.Challenge, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = ?`, duelID)
	c, err := scanChallenge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("getting challenge: %w", err)
	}
	return c, nil
}

// FindActiveChallenge returns the active challenge between two characters in either direction
func (s *Store) FindActiveChallenge(ctx context.Context, characterA, characterB string) (*domain.Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+challengeColumns+`
FROM challenges
WHERE pair_key = ? AND status IN ('PENDING', 'ACCEPTED', 'IN_PROGRESS')
`, domain.PairKey(characterA, characterB))
	c, err := scanChallenge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("finding active challenge: %w", err)
	}
	return c, nil
}

// TransitionStatus moves a challenge between statuses if it is still in from
func (s *Store) TransitionStatus(ctx context.Context, duelID string, from, to domain.ChallengeStatus, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE challenges SET status = ?, updated_at = ?, %s = ?
WHERE id = ? AND status = ?
`, timestampColumn(to))
	ms := toMillis(at)
	result, err := s.db.ExecContext(ctx, query, string(to), ms, ms, duelID, string(from))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflictingChallenge
		}
		return fmt.Errorf("updating challenge status: %w", err)
	}
	return s.checkUpdated(ctx, result, duelID)
}

// CompleteChallenge records the result of an IN_PROGRESS duel
func (s *Store) CompleteChallenge(ctx context.Context, duelID string, res domain.DuelResult, at time.Time) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	ms := toMillis(at)
	result, err := s.db.ExecContext(ctx, `
UPDATE challenges SET status = 'COMPLETED', result = ?, updated_at = ?, finished_at = ?
WHERE id = ? AND status = 'IN_PROGRESS'
`, string(data), ms, ms, duelID)
	if err != nil {
		return fmt.Errorf("completing challenge: %w", err)
	}
	return s.checkUpdated(ctx, result, duelID)
}

// ExpirePending expires every PENDING challenge past its window in one statement
func (s *Store) ExpirePending(ctx context.Context, now time.Time) ([]domain.Challenge, error) {
	ms := toMillis(now)
	rows, err := s.db.QueryContext(ctx, `
UPDATE challenges SET status = 'EXPIRED', updated_at = ?, finished_at = ?
WHERE status = 'PENDING' AND expires_at < ?
RETURNING `+challengeColumns, ms, ms, ms)
	if err != nil {
		return nil, fmt.Errorf("expiring challenges: %w", err)
	}
	return collectChallenges(rows)
}

// ListChallenges returns a character's challenges in the given statuses, newest first
func (s *Store) ListChallenges(ctx context.Context, characterID string, statuses []domain.ChallengeStatus) ([]domain.Challenge, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{characterID, characterID}
	placeholders := make([]string, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+challengeColumns+`
FROM challenges
WHERE (challenger_id = ? OR challenged_id = ?) AND status IN (`+strings.Join(placeholders, ", ")+`)
ORDER BY created_at DESC, id
`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing challenges: %w", err)
	}
	return collectChallenges(rows)
}

// ListCompleted returns a character's completed duels, most recent first
func (s *Store) ListCompleted(ctx context.Context, characterID string, limit, offset int) ([]domain.Challenge, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+challengeColumns+`
FROM challenges
WHERE (challenger_id = ? OR challenged_id = ?) AND status = 'COMPLETED'
ORDER BY finished_at DESC, id
LIMIT ? OFFSET ?
`, characterID, characterID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing completed duels: %w", err)
	}
	return collectChallenges(rows)
}

// checkUpdated tells a vanished challenge apart from a lost race
func (s *Store) checkUpdated(ctx context.Context, result sql.Result, duelID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM challenges WHERE id = ?)`, duelID).Scan(&exists); err != nil {
		return fmt.Errorf("checking challenge existence: %w", err)
	}
	if !exists {
		return domain.ErrChallengeNotFound
	}
	return domain.ErrStateChanged
}

func timestampColumn(to domain.ChallengeStatus) string {
	switch to {
	case domain.StatusAccepted:
		return "accepted_at"
	case domain.StatusInProgress:
		return "started_at"
	default:
		return "finished_at"
	}
}

func scanChallenge(row scanner) (*domain.Challenge, error) {
	var (
		c                                 domain.Challenge
		typ, status                       string
		createdAt, updatedAt, expiresAt   int64
		acceptedAt, startedAt, finishedAt sql.NullInt64
		result                            sql.NullString
	)
	err := row.Scan(
		&c.ID,
		&c.ChallengerID,
		&c.ChallengedID,
		&typ,
		&c.WagerAmount,
		&status,
		&createdAt,
		&updatedAt,
		&expiresAt,
		&acceptedAt,
		&startedAt,
		&finishedAt,
		&result,
	)
	if err != nil {
		return nil, err
	}
	c.Type = domain.ChallengeType(typ)
	c.Status = domain.ChallengeStatus(status)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	c.ExpiresAt = fromMillis(expiresAt)
	c.AcceptedAt = nullableTime(acceptedAt)
	c.StartedAt = nullableTime(startedAt)
	c.FinishedAt = nullableTime(finishedAt)
	if result.Valid && result.String != "" {
		var res domain.DuelResult
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
		c.Result = &res
	}
	return &c, nil
}

func collectChallenges(rows *sql.Rows) ([]domain.Challenge, error) {
	defer rows.Close()

	var challenges []domain.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning challenge: %w", err)
		}
		challenges = append(challenges, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating challenges: %w", err)
	}
	return challenges, nil
}
