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

const challengeColumns = `id, challenger_id, challenged_id, type, wager_amount, status,
	created_at, updated_at, expires_at, accepted_at, started_at, finished_at, result`

// CreateChallenge inserts a new PENDING challenge. A second active challenge
// for the same pair trips the partial unique index.
func (r *Repository) CreateChallenge(ctx context.Context, c *domain.Challenge) error {
	query := `
		INSERT INTO challenges (id, challenger_id, challenged_id, pair_key, type, wager_amount, status,
			created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		c.ID,
		c.ChallengerID,
		c.ChallengedID,
		c.PairKey(),
		string(c.Type),
		c.WagerAmount,
		string(c.Status),
		c.CreatedAt,
		c.UpdatedAt,
		c.ExpiresAt,
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
func (r *Repository) GetChallenge(ctx context.Context, duelID string) (*domain.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM challenges WHERE id = $1`
	c, err := scanChallenge(r.pool.QueryRow(ctx, query, duelID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("getting challenge: %w", err)
	}
	return c, nil
}

// FindActiveChallenge returns the active challenge between two characters in either direction
func (r *Repository) FindActiveChallenge(ctx context.Context, characterA, characterB string) (*domain.Challenge, error) {
	query := `
		SELECT ` + challengeColumns + `
		FROM challenges
		WHERE pair_key = $1 AND status IN ('PENDING', 'ACCEPTED', 'IN_PROGRESS')
	`
	c, err := scanChallenge(r.pool.QueryRow(ctx, query, domain.PairKey(characterA, characterB)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("finding active challenge: %w", err)
	}
	return c, nil
}

// TransitionStatus moves a challenge from one status to another only if it is
// still in the expected status
func (r *Repository) TransitionStatus(ctx context.Context, duelID string, from, to domain.ChallengeStatus, at time.Time) error {
	query := fmt.Sprintf(`
		UPDATE challenges SET status = $3, updated_at = $4, %s = $4
		WHERE id = $1 AND status = $2
	`, timestampColumn(to))
	result, err := r.pool.Exec(ctx, query, duelID, string(from), string(to), at)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflictingChallenge
		}
		return fmt.Errorf("updating challenge status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missedUpdate(ctx, duelID)
	}
	return nil
}

// CompleteChallenge records the result of an IN_PROGRESS duel
func (r *Repository) CompleteChallenge(ctx context.Context, duelID string, res domain.DuelResult, at time.Time) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	query := `
		UPDATE challenges SET status = 'COMPLETED', result = $2, updated_at = $3, finished_at = $3
		WHERE id = $1 AND status = 'IN_PROGRESS'
	`
	result, err := r.pool.Exec(ctx, query, duelID, data, at)
	if err != nil {
		return fmt.Errorf("completing challenge: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missedUpdate(ctx, duelID)
	}
	return nil
}

// ExpirePending expires every PENDING challenge past its window in one statement
func (r *Repository) ExpirePending(ctx context.Context, now time.Time) ([]domain.Challenge, error) {
	query := `
		UPDATE challenges SET status = 'EXPIRED', updated_at = $1, finished_at = $1
		WHERE status = 'PENDING' AND expires_at < $1
		RETURNING ` + challengeColumns
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("expiring challenges: %w", err)
	}
	return collectChallenges(rows)
}

// ListChallenges returns a character's challenges in the given statuses, newest first
func (r *Repository) ListChallenges(ctx context.Context, characterID string, statuses []domain.ChallengeStatus) ([]domain.Challenge, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	query := `
		SELECT ` + challengeColumns + `
		FROM challenges
		WHERE (challenger_id = $1 OR challenged_id = $1) AND status = ANY($2)
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, characterID, names)
	if err != nil {
		return nil, fmt.Errorf("listing challenges: %w", err)
	}
	return collectChallenges(rows)
}

// ListCompleted returns a character's completed duels, most recent first
func (r *Repository) ListCompleted(ctx context.Context, characterID string, limit, offset int) ([]domain.Challenge, error) {
	query := `
		SELECT ` + challengeColumns + `
		FROM challenges
		WHERE (challenger_id = $1 OR challenged_id = $1) AND status = 'COMPLETED'
		ORDER BY finished_at DESC, id
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, query, characterID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing completed duels: %w", err)
	}
	return collectChallenges(rows)
}

// missedUpdate tells a vanished challenge apart from a lost race
func (r *Repository) missedUpdate(ctx context.Context, duelID string) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM challenges WHERE id = $1)`, duelID).Scan(&exists)
	if err != nil {
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

func scanChallenge(row pgx.Row) (*domain.Challenge, error) {
	var c domain.Challenge
	var result []byte
	err := row.Scan(
		&c.ID,
		&c.ChallengerID,
		&c.ChallengedID,
		&c.Type,
		&c.WagerAmount,
		&c.Status,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.ExpiresAt,
		&c.AcceptedAt,
		&c.StartedAt,
		&c.FinishedAt,
		&result,
	)
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		var res domain.DuelResult
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
		c.Result = &res
	}
	return &c, nil
}

func collectChallenges(rows pgx.Rows) ([]domain.Challenge, error) {
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
