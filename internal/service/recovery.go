package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/duel-arena/internal/domain"
)

const restoreConcurrency = 8

// MaintenanceReport summarizes one maintenance pass
type MaintenanceReport struct {
	ExpiredChallenges int `json:"expired_challenges"`
	CleanedSessions   int `json:"cleaned_sessions"`
}

// RestoreActiveSessions reloads unexpired sessions of ACCEPTED or IN_PROGRESS
// duels into the cache after a restart. Duels whose tracks were both resolved
// before the crash are finished here.
func (s *DuelService) RestoreActiveSessions(ctx context.Context) (int, error) {
	sessions, err := s.sessions.ListRestorableSessions(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("listing restorable sessions: %w", err)
	}

	var restored atomic.Int64
	var g errgroup.Group
	g.SetLimit(restoreConcurrency)
	for i := range sessions {
		sess := &sessions[i]
		g.Go(func() error {
			if err := s.restoreSession(ctx, sess); err != nil {
				s.logger.Error("failed to restore session", "duel_id", sess.DuelID, "error", err)
				return nil
			}
			restored.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("restored active sessions", "restored", restored.Load(), "found", len(sessions))
	return int(restored.Load()), nil
}

func (s *DuelService) restoreSession(ctx context.Context, sess *domain.DuelSession) error {
	unlock := s.locks.Lock(sess.DuelID)
	defer unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	c, err := s.challenges.GetChallenge(ctx, sess.DuelID)
	if err != nil {
		return err
	}
	if c.Status == domain.StatusAccepted {
		// Crashed between saving the session and starting the duel.
		err := s.challenges.TransitionStatus(ctx, c.ID, domain.StatusAccepted, domain.StatusInProgress, s.now())
		if err != nil && !errors.Is(err, domain.ErrStateChanged) {
			return fmt.Errorf("starting restored duel: %w", err)
		}
	}

	if err := s.cache.PutSession(ctx, sess); err != nil {
		return fmt.Errorf("caching session: %w", err)
	}
	if sess.BothResolved() {
		if _, err := s.finishDuel(ctx, sess); err != nil {
			return err
		}
	}
	return nil
}

// CleanupExpiredSessions removes sessions past their sliding TTL. An abandoned
// duel is VOIDED with no gold moved, unless both tracks had already resolved,
// in which case it is settled normally.
func (s *DuelService) CleanupExpiredSessions(ctx context.Context) (int, error) {
	ids, err := s.sessions.ListExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("listing expired sessions: %w", err)
	}

	cleaned := 0
	for _, id := range ids {
		ok, err := s.cleanupSession(ctx, id)
		if err != nil {
			s.logger.Error("failed to clean up session", "duel_id", id, "error", err)
			continue
		}
		if ok {
			cleaned++
		}
	}
	if cleaned > 0 {
		s.logger.Info("cleaned up expired sessions", "count", cleaned)
	}
	return cleaned, nil
}

func (s *DuelService) cleanupSession(ctx context.Context, duelID string) (bool, error) {
	unlock := s.locks.Lock(duelID)
	defer unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sess, err := s.sessions.GetSession(ctx, duelID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	now := s.now()
	if !sess.IsExpired(now) {
		// Renewed by an action after the listing.
		return false, nil
	}
	if sess.BothResolved() {
		_, err := s.finishDuel(ctx, sess)
		return err == nil, err
	}

	c, err := s.challenges.GetChallenge(ctx, duelID)
	if errors.Is(err, domain.ErrChallengeNotFound) {
		s.discardSession(ctx, duelID)
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if c.Status == domain.StatusAccepted || c.Status == domain.StatusInProgress {
		if err := s.challenges.TransitionStatus(ctx, c.ID, c.Status, domain.StatusVoided, now); err != nil {
			return false, fmt.Errorf("voiding duel: %w", err)
		}
		c.Status = domain.StatusVoided
		c.FinishedAt = &now
		c.UpdatedAt = now
		s.logger.Warn("voided abandoned duel",
			"duel_id", c.ID,
			"challenger_resolved", sess.Challenger.Resolved,
			"challenged_resolved", sess.Challenged.Resolved,
			"last_action_at", sess.LastActionAt,
		)
		s.notifyChallenge(ctx, domain.EventDuelVoided, c, c.ChallengerID, c.ChallengedID)
	}
	s.discardSession(ctx, duelID)
	return true, nil
}

// RunMaintenance expires stale challenges and cleans up abandoned sessions
func (s *DuelService) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	expired, err := s.SweepExpired(ctx)
	if err != nil {
		return report, err
	}
	report.ExpiredChallenges = expired

	cleaned, err := s.CleanupExpiredSessions(ctx)
	if err != nil {
		return report, err
	}
	report.CleanedSessions = cleaned
	return report, nil
}
