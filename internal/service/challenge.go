package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/duel-arena/internal/domain"
)

// CreateChallenge opens a PENDING challenge from one character to another
func (s *DuelService) CreateChallenge(ctx context.Context, req domain.CreateChallengeRequest) (*domain.Challenge, error) {
	req.ChallengerID = strings.TrimSpace(req.ChallengerID)
	req.ChallengedID = strings.TrimSpace(req.ChallengedID)
	if err := s.validateChallengeRequest(req); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := s.now()

	existing, err := s.challenges.FindActiveChallenge(ctx, req.ChallengerID, req.ChallengedID)
	switch {
	case err == nil:
		if !existing.IsExpired(now) {
			return nil, domain.ErrConflictingChallenge
		}
		// A stale PENDING challenge the sweep has not reached yet must not block the pair.
		if err := s.expire(ctx, existing, now); err != nil {
			if errors.Is(err, domain.ErrStateChanged) {
				return nil, domain.ErrConflictingChallenge
			}
			return nil, err
		}
	case !errors.Is(err, domain.ErrChallengeNotFound):
		return nil, fmt.Errorf("checking active challenges: %w", err)
	}

	if req.Type == domain.ChallengeTypeWager {
		if err := s.checkFunds(ctx, req.WagerAmount, req.ChallengerID, req.ChallengedID); err != nil {
			return nil, err
		}
	}

	c := &domain.Challenge{
		ID:           s.newID(),
		ChallengerID: req.ChallengerID,
		ChallengedID: req.ChallengedID,
		Type:         req.Type,
		WagerAmount:  req.WagerAmount,
		Status:       domain.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(s.config.ChallengeWindow),
	}
	if err := s.challenges.CreateChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("creating challenge: %w", err)
	}

	s.logger.Info("challenge created",
		"duel_id", c.ID,
		"challenger_id", c.ChallengerID,
		"challenged_id", c.ChallengedID,
		"type", c.Type,
		"wager", c.WagerAmount,
	)
	s.notifyChallenge(ctx, domain.EventChallengeCreated, c, c.ChallengedID)
	return c, nil
}

func (s *DuelService) validateChallengeRequest(req domain.CreateChallengeRequest) error {
	if req.ChallengerID == "" || req.ChallengedID == "" || !req.Type.Valid() {
		return domain.ErrInvalidRequest
	}
	if req.ChallengerID == req.ChallengedID {
		return domain.ErrInvalidTarget
	}
	switch req.Type {
	case domain.ChallengeTypeCasual:
		if req.WagerAmount != 0 {
			return fmt.Errorf("%w: casual duels carry no stake", domain.ErrInvalidWager)
		}
	case domain.ChallengeTypeWager:
		if req.WagerAmount <= 0 {
			return fmt.Errorf("%w: wager must be positive", domain.ErrInvalidWager)
		}
		if s.config.MaxWager > 0 && req.WagerAmount > s.config.MaxWager {
			return fmt.Errorf("%w: wager exceeds limit of %d", domain.ErrInvalidWager, s.config.MaxWager)
		}
	}
	return nil
}

// checkFunds verifies every character can currently cover amount. Nothing is reserved.
func (s *DuelService) checkFunds(ctx context.Context, amount int64, characterIDs ...string) error {
	for _, id := range characterIDs {
		balance, err := s.accounts.Balance(ctx, id)
		if err != nil {
			return fmt.Errorf("getting balance of %s: %w", id, err)
		}
		if balance < amount {
			return &domain.InsufficientFundsError{
				CharacterID: id,
				Required:    amount,
				Available:   balance,
			}
		}
	}
	return nil
}

// AcceptChallenge lets the challenged character agree to a PENDING challenge
func (s *DuelService) AcceptChallenge(ctx context.Context, duelID, characterID string) (*domain.Challenge, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	c, err := s.challenges.GetChallenge(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if characterID != c.ChallengedID {
		return nil, domain.ErrNotAuthorized
	}
	if c.Status != domain.StatusPending {
		return nil, fmt.Errorf("%w: challenge is %s", domain.ErrInvalidState, c.Status)
	}

	now := s.now()
	if c.IsExpired(now) {
		return nil, s.expireOnAccess(ctx, c, now)
	}

	if c.Type == domain.ChallengeTypeWager {
		// Balances may have moved since the challenge was issued.
		if err := s.checkFunds(ctx, c.WagerAmount, c.ChallengerID, c.ChallengedID); err != nil {
			return nil, err
		}
	}

	if err := s.challenges.TransitionStatus(ctx, c.ID, domain.StatusPending, domain.StatusAccepted, now); err != nil {
		return nil, fmt.Errorf("accepting challenge: %w", err)
	}
	c.Status = domain.StatusAccepted
	c.AcceptedAt = &now
	c.UpdatedAt = now

	s.logger.Info("challenge accepted", "duel_id", c.ID, "character_id", characterID)
	s.notifyChallenge(ctx, domain.EventChallengeAccepted, c, c.ChallengerID)

	if !s.config.AutoStart {
		return c, nil
	}
	if _, err := s.StartGame(ctx, c.ID); err != nil {
		// The accept stands; the duel can still be started explicitly.
		s.logger.Error("failed to auto-start duel", "duel_id", c.ID, "error", err)
		return c, nil
	}
	return s.challenges.GetChallenge(ctx, c.ID)
}

// DeclineChallenge lets the challenged character refuse a PENDING challenge
func (s *DuelService) DeclineChallenge(ctx context.Context, duelID, characterID string) (*domain.Challenge, error) {
	return s.closePending(ctx, duelID, characterID, domain.SideChallenged, domain.StatusDeclined, domain.EventChallengeDeclined)
}

// CancelChallenge lets the challenger withdraw a PENDING challenge
func (s *DuelService) CancelChallenge(ctx context.Context, duelID, characterID string) (*domain.Challenge, error) {
	return s.closePending(ctx, duelID, characterID, domain.SideChallenger, domain.StatusCancelled, domain.EventChallengeCancelled)
}

func (s *DuelService) closePending(
	ctx context.Context,
	duelID, characterID string,
	actor domain.Side,
	to domain.ChallengeStatus,
	eventType domain.EventType,
) (*domain.Challenge, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	c, err := s.challenges.GetChallenge(ctx, duelID)
	if err != nil {
		return nil, err
	}
	allowed := c.ChallengedID
	if actor == domain.SideChallenger {
		allowed = c.ChallengerID
	}
	if characterID != allowed {
		return nil, domain.ErrNotAuthorized
	}
	if c.Status != domain.StatusPending {
		return nil, fmt.Errorf("%w: challenge is %s", domain.ErrInvalidState, c.Status)
	}

	now := s.now()
	if c.IsExpired(now) {
		return nil, s.expireOnAccess(ctx, c, now)
	}
	if err := s.challenges.TransitionStatus(ctx, c.ID, domain.StatusPending, to, now); err != nil {
		return nil, fmt.Errorf("closing challenge: %w", err)
	}
	c.Status = to
	c.FinishedAt = &now
	c.UpdatedAt = now

	s.logger.Info("challenge closed", "duel_id", c.ID, "status", to, "character_id", characterID)
	s.notifyChallenge(ctx, eventType, c, c.Opponent(characterID))
	return c, nil
}

// expire marks a PENDING challenge EXPIRED and tells both parties
func (s *DuelService) expire(ctx context.Context, c *domain.Challenge, now time.Time) error {
	if err := s.challenges.TransitionStatus(ctx, c.ID, domain.StatusPending, domain.StatusExpired, now); err != nil {
		return fmt.Errorf("expiring challenge: %w", err)
	}
	c.Status = domain.StatusExpired
	c.FinishedAt = &now
	c.UpdatedAt = now
	s.logger.Info("challenge expired", "duel_id", c.ID)
	s.notifyChallenge(ctx, domain.EventChallengeExpired, c, c.ChallengerID, c.ChallengedID)
	return nil
}

// expireOnAccess expires a challenge found stale during a user action and
// reports ErrChallengeExpired to the caller.
func (s *DuelService) expireOnAccess(ctx context.Context, c *domain.Challenge, now time.Time) error {
	if err := s.expire(ctx, c, now); err != nil && !errors.Is(err, domain.ErrStateChanged) {
		return err
	}
	return domain.ErrChallengeExpired
}

// StartGame creates both tracks of an ACCEPTED duel and moves it IN_PROGRESS
func (s *DuelService) StartGame(ctx context.Context, duelID string) (*domain.DuelSession, error) {
	unlock := s.locks.Lock(duelID)
	defer unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	c, err := s.challenges.GetChallenge(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.StatusAccepted {
		return nil, fmt.Errorf("%w: challenge is %s", domain.ErrInvalidState, c.Status)
	}

	now := s.now()
	cfg := domain.TrackConfig{
		Seed:       s.newSeed(),
		Target:     s.config.Target,
		MaxActions: s.config.MaxActions,
	}
	challengerState, err := s.engine.Init(c.ChallengerID, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing challenger track: %w", err)
	}
	challengedState, err := s.engine.Init(c.ChallengedID, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing challenged track: %w", err)
	}

	sess := &domain.DuelSession{
		DuelID:       c.ID,
		Config:       cfg,
		Challenger:   domain.PlayerTrack{CharacterID: c.ChallengerID, State: challengerState},
		Challenged:   domain.PlayerTrack{CharacterID: c.ChallengedID, State: challengedState},
		Version:      1,
		CreatedAt:    now,
		LastActionAt: now,
		ExpiresAt:    now.Add(s.config.SessionTTL),
	}
	if err := s.persistSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("saving new session: %w", err)
	}

	if err := s.challenges.TransitionStatus(ctx, c.ID, domain.StatusAccepted, domain.StatusInProgress, now); err != nil {
		s.discardSession(ctx, c.ID)
		return nil, fmt.Errorf("starting duel: %w", err)
	}
	c.Status = domain.StatusInProgress
	c.StartedAt = &now
	c.UpdatedAt = now

	s.logger.Info("duel started", "duel_id", c.ID, "expires_at", sess.ExpiresAt)
	s.notifyChallenge(ctx, domain.EventDuelStarted, c, c.ChallengerID, c.ChallengedID)
	return sess, nil
}

// SweepExpired marks every PENDING challenge past its window as EXPIRED.
// The store update is conditional on PENDING, so a concurrent accept wins.
func (s *DuelService) SweepExpired(ctx context.Context) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	expired, err := s.challenges.ExpirePending(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expiring pending challenges: %w", err)
	}
	for i := range expired {
		c := &expired[i]
		s.notifyChallenge(ctx, domain.EventChallengeExpired, c, c.ChallengerID, c.ChallengedID)
	}
	if len(expired) > 0 {
		s.logger.Info("expired stale challenges", "count", len(expired))
	}
	return len(expired), nil
}
