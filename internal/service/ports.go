package service

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_ports.go -package=mocks . Ledger,Accounts,Notifier,Reconciler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/duel-arena/internal/domain"
)

// ChallengeStore is the durable authority on whether a duel may proceed.
// Status changes are conditional: TransitionStatus and CompleteChallenge return
// domain.ErrStateChanged when the stored status no longer matches from.
type ChallengeStore interface {
	CreateChallenge(ctx context.Context, c *domain.Challenge) error
	GetChallenge(ctx context.Context, duelID string) (*domain.Challenge, error)
	FindActiveChallenge(ctx context.Context, characterA, characterB string) (*domain.Challenge, error)
	TransitionStatus(ctx context.Context, duelID string, from, to domain.ChallengeStatus, at time.Time) error
	CompleteChallenge(ctx context.Context, duelID string, result domain.DuelResult, at time.Time) error
	ExpirePending(ctx context.Context, now time.Time) ([]domain.Challenge, error)
	ListChallenges(ctx context.Context, characterID string, statuses []domain.ChallengeStatus) ([]domain.Challenge, error)
	ListCompleted(ctx context.Context, characterID string, limit, offset int) ([]domain.Challenge, error)
}

// SessionStore is the durable authority on game progress
type SessionStore interface {
	SaveSession(ctx context.Context, s *domain.DuelSession) error
	GetSession(ctx context.Context, duelID string) (*domain.DuelSession, error)
	DeleteSession(ctx context.Context, duelID string) error
	ListRestorableSessions(ctx context.Context, now time.Time) ([]domain.DuelSession, error)
	ListExpiredSessions(ctx context.Context, now time.Time) ([]string, error)
}

// SessionCache is the in-memory working copy of active sessions.
// Get returns domain.ErrSessionNotFound on a miss.
type SessionCache interface {
	PutSession(ctx context.Context, s *domain.DuelSession) error
	GetSession(ctx context.Context, duelID string) (*domain.DuelSession, error)
	DeleteSession(ctx context.Context, duelID string) error
}

// Ledger moves gold in single-account atomic steps. Calls are idempotent per
// (correlationID, accountID, reason).
type Ledger interface {
	Debit(ctx context.Context, accountID string, amount int64, reason domain.LedgerReason, correlationID string) (domain.LedgerEntry, error)
	Credit(ctx context.Context, accountID string, amount int64, reason domain.LedgerReason, correlationID string) (domain.LedgerEntry, error)
}

// Transferer is implemented by ledgers that can move a stake between two
// accounts in one atomic call.
type Transferer interface {
	Transfer(ctx context.Context, fromID, toID string, amount int64, correlationID string) (domain.Transfer, error)
}

// Accounts looks up character balances and names
type Accounts interface {
	Balance(ctx context.Context, accountID string) (int64, error)
	DisplayName(ctx context.Context, accountID string) (string, error)
}

// TrackEngine computes one player's progress. State is opaque to the service.
type TrackEngine interface {
	Init(characterID string, cfg domain.TrackConfig) (json.RawMessage, error)
	Apply(state json.RawMessage, action domain.Action) (json.RawMessage, error)
	IsResolved(state json.RawMessage) (bool, error)
	Score(state json.RawMessage) (domain.TrackResult, error)
}

// Notifier dispatches duel events. Failures never affect a duel.
type Notifier interface {
	Notify(ctx context.Context, event domain.DuelEvent) error
}

// Reconciler keeps settlement failures for manual follow-up
type Reconciler interface {
	RecordReconciliation(ctx context.Context, rec domain.ReconciliationRecord) error
}
