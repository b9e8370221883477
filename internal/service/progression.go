package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/duel-arena/internal/domain"
)

// SubmitAction applies one player's action to their own track. Once both
// tracks are resolved the duel is settled and completed exactly once.
func (s *DuelService) SubmitAction(ctx context.Context, duelID, characterID string, action domain.Action) (*domain.ActionResult, error) {
	if duelID == "" || characterID == "" {
		return nil, domain.ErrInvalidRequest
	}
	if action.Type == "" {
		return nil, domain.ErrInvalidAction
	}

	unlock := s.locks.Lock(duelID)
	defer unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sess, err := s.loadSession(ctx, duelID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, s.missingSessionError(ctx, duelID, characterID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	side, ok := sess.SideOf(characterID)
	if !ok {
		return nil, domain.ErrNotAParticipant
	}
	if sess.BothResolved() {
		// A previous join was interrupted. Finishing it is idempotent.
		if _, err := s.finishDuel(ctx, sess); err != nil {
			s.logger.Error("failed to finish resolved duel", "duel_id", duelID, "error", err)
		}
		return nil, domain.ErrAlreadyResolved
	}

	now := s.now()
	if sess.IsExpired(now) {
		return nil, domain.ErrSessionExpired
	}
	track := sess.Track(side)
	if track.Resolved {
		return nil, domain.ErrAlreadyResolved
	}

	next, err := s.engine.Apply(track.State, action)
	if err != nil {
		return nil, fmt.Errorf("applying action: %w", err)
	}
	resolved, err := s.engine.IsResolved(next)
	if err != nil {
		return nil, fmt.Errorf("checking track: %w", err)
	}
	var result *domain.TrackResult
	if resolved {
		scored, err := s.engine.Score(next)
		if err != nil {
			return nil, fmt.Errorf("scoring track: %w", err)
		}
		result = &scored
	}

	track.State = next
	track.Actions++
	track.Resolved = resolved
	track.Result = result
	sess.Touch(now, s.config.SessionTTL)

	if err := s.persistSession(ctx, sess); err != nil {
		if errors.Is(err, domain.ErrStateChanged) {
			// Our copy was stale; the next attempt reads the store.
			s.dropCached(ctx, duelID)
		}
		return nil, fmt.Errorf("saving session: %w", err)
	}

	res := &domain.ActionResult{
		DuelID: duelID,
		Side:   side,
		Track:  *track,
	}
	if !sess.BothResolved() {
		if resolved {
			s.notify(ctx, domain.DuelEvent{
				Type:       domain.EventTrackResolved,
				DuelID:     duelID,
				Recipients: []string{sess.Opponent(side).CharacterID},
			})
		}
		return res, nil
	}

	c, err := s.finishDuel(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("finishing duel: %w", err)
	}
	res.Completed = true
	res.Result = c.Result
	return res, nil
}

// missingSessionError explains why no session exists for a duel
func (s *DuelService) missingSessionError(ctx context.Context, duelID, characterID string) error {
	c, err := s.challenges.GetChallenge(ctx, duelID)
	if err != nil {
		return err
	}
	if !c.Involves(characterID) {
		return domain.ErrNotAParticipant
	}
	switch c.Status {
	case domain.StatusCompleted:
		return domain.ErrAlreadyResolved
	case domain.StatusVoided:
		return domain.ErrSessionExpired
	case domain.StatusPending, domain.StatusAccepted:
		return fmt.Errorf("%w: duel has not started", domain.ErrInvalidState)
	}
	return domain.ErrSessionNotFound
}

// finishDuel runs the join: settle once, complete the challenge, drop the
// session. Callers hold the duel lock. Every step tolerates being repeated.
func (s *DuelService) finishDuel(ctx context.Context, sess *domain.DuelSession) (*domain.Challenge, error) {
	c, err := s.challenges.GetChallenge(ctx, sess.DuelID)
	if err != nil {
		return nil, err
	}
	if c.Status == domain.StatusCompleted {
		s.discardSession(ctx, c.ID)
		return c, nil
	}
	if c.Status != domain.StatusInProgress {
		return nil, fmt.Errorf("%w: cannot settle duel in status %s", domain.ErrInvalidState, c.Status)
	}

	if sess.Result == nil {
		result := s.settler.Settle(ctx, c, sess)
		sess.Result = &result
		sess.Version++
		if err := s.persistSession(ctx, sess); err != nil {
			s.logger.Error("settled duel but failed to record result",
				"duel_id", c.ID,
				"settlement", result.Settlement,
				"error", err,
			)
			return nil, fmt.Errorf("saving settlement: %w", err)
		}
	}

	now := s.now()
	if err := s.challenges.CompleteChallenge(ctx, c.ID, *sess.Result, now); err != nil {
		if !errors.Is(err, domain.ErrStateChanged) {
			return nil, fmt.Errorf("completing challenge: %w", err)
		}
		return s.challenges.GetChallenge(ctx, c.ID)
	}
	c.Status = domain.StatusCompleted
	c.Result = sess.Result
	c.FinishedAt = &now
	c.UpdatedAt = now

	s.discardSession(ctx, c.ID)

	s.logger.Info("duel completed",
		"duel_id", c.ID,
		"winner_id", c.Result.WinnerID,
		"challenger_score", c.Result.ChallengerScore,
		"challenged_score", c.Result.ChallengedScore,
		"gold_transferred", c.Result.GoldTransferred,
		"settlement", c.Result.Settlement,
	)
	s.notifyChallenge(ctx, domain.EventDuelCompleted, c, c.ChallengerID, c.ChallengedID)
	return c, nil
}

// DuelView returns the caller's own track plus whether the opponent finished.
// The opponent's state is never exposed.
func (s *DuelService) DuelView(ctx context.Context, duelID, characterID string) (*domain.TrackView, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	c, err := s.challenges.GetChallenge(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if !c.Involves(characterID) {
		return nil, domain.ErrNotAParticipant
	}

	view := &domain.TrackView{
		DuelID:    duelID,
		Side:      domain.SideChallenger,
		Challenge: c,
	}
	if characterID == c.ChallengedID {
		view.Side = domain.SideChallenged
	}
	if c.Status != domain.StatusInProgress {
		return view, nil
	}

	sess, err := s.loadSession(ctx, duelID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	track := *sess.Track(view.Side)
	expires := sess.ExpiresAt
	view.Track = &track
	view.OpponentResolved = sess.Opponent(view.Side).Resolved
	view.ExpiresAt = &expires
	return view, nil
}
