package service

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/duel-arena/internal/config"
	"github.com/duel-arena/internal/domain"
)

// Store is a durable backend holding challenges, sessions and the reference
// ledger. The postgres and sqlite packages both satisfy it.
type Store interface {
	ChallengeStore
	SessionStore
	Ledger
	Accounts
}

// DuelService orchestrates challenge lifecycles, track progression and settlement
type DuelService struct {
	challenges ChallengeStore
	sessions   SessionStore
	cache      SessionCache
	accounts   Accounts
	engine     TrackEngine
	settler    *Settler
	notifier   Notifier
	config     *config.DuelConfig
	logger     *slog.Logger
	locks      *keyedMutex

	statsPageSize int

	now     func() time.Time
	newID   func() string
	newSeed func() uint64
}

// NewDuelService creates a new duel service
func NewDuelService(
	store Store,
	cache SessionCache,
	engine TrackEngine,
	cfg *config.DuelConfig,
	logger *slog.Logger,
) *DuelService {
	return &DuelService{
		challenges: store,
		sessions:   store,
		cache:      cache,
		accounts:   store,
		engine:     engine,
		settler:    NewSettler(store, store, logger),
		config:     cfg,
		logger:     logger,
		locks:      newKeyedMutex(),

		statsPageSize: defaultStatsPageSize,

		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
		newSeed: rand.Uint64,
	}
}

// SetNotifier sets the dispatcher for duel events
func (s *DuelService) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetReconciler sets where failed settlements are recorded
func (s *DuelService) SetReconciler(r Reconciler) {
	s.settler.SetReconciler(r)
}

// withTimeout bounds a store or ledger round trip
func (s *DuelService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

// notify sends an event and swallows failures
func (s *DuelService) notify(ctx context.Context, event domain.DuelEvent) {
	if s.notifier == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn("failed to dispatch duel event",
			"duel_id", event.DuelID,
			"event", event.Type,
			"error", err,
		)
	}
}

func (s *DuelService) notifyChallenge(ctx context.Context, eventType domain.EventType, c *domain.Challenge, recipients ...string) {
	s.notify(ctx, domain.DuelEvent{
		Type:       eventType,
		DuelID:     c.ID,
		Recipients: recipients,
		Challenge:  c,
		Result:     c.Result,
	})
}

// persistSession writes the durable copy first, then the cache.
// A cache failure is logged and the entry dropped so reads fall back to the store.
func (s *DuelService) persistSession(ctx context.Context, sess *domain.DuelSession) error {
	if err := s.sessions.SaveSession(ctx, sess); err != nil {
		return err
	}
	if err := s.cache.PutSession(ctx, sess); err != nil {
		s.logger.Warn("failed to cache session", "duel_id", sess.DuelID, "error", err)
		s.dropCached(ctx, sess.DuelID)
	}
	return nil
}

// loadSession reads the cache and falls back to the store on a miss
func (s *DuelService) loadSession(ctx context.Context, duelID string) (*domain.DuelSession, error) {
	sess, err := s.cache.GetSession(ctx, duelID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, domain.ErrSessionNotFound) {
		s.logger.Warn("session cache read failed", "duel_id", duelID, "error", err)
	}

	sess, err = s.sessions.GetSession(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.PutSession(ctx, sess); err != nil {
		s.logger.Warn("failed to repopulate session cache", "duel_id", duelID, "error", err)
	}
	return sess, nil
}

func (s *DuelService) dropCached(ctx context.Context, duelID string) {
	if err := s.cache.DeleteSession(ctx, duelID); err != nil {
		s.logger.Warn("failed to evict cached session", "duel_id", duelID, "error", err)
	}
}

// discardSession removes a session from both layers. A leftover durable row
// is picked up again by the expired-session sweep.
func (s *DuelService) discardSession(ctx context.Context, duelID string) {
	if err := s.sessions.DeleteSession(ctx, duelID); err != nil {
		s.logger.Error("failed to delete session", "duel_id", duelID, "error", err)
	}
	s.dropCached(ctx, duelID)
}
