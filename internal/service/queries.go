package service

import (
	"context"
	"fmt"

	"github.com/duel-arena/internal/domain"
)

// defaultStatsPageSize bounds each history page scanned when computing stats
const defaultStatsPageSize = 200

// GetChallenge returns a challenge by ID
func (s *DuelService) GetChallenge(ctx context.Context, duelID string) (*domain.Challenge, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.challenges.GetChallenge(ctx, duelID)
}

// PendingChallenges returns incoming and outgoing PENDING challenges that are
// still inside their window
func (s *DuelService) PendingChallenges(ctx context.Context, characterID string) ([]domain.Challenge, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	all, err := s.challenges.ListChallenges(ctx, characterID, []domain.ChallengeStatus{domain.StatusPending})
	if err != nil {
		return nil, fmt.Errorf("listing pending challenges: %w", err)
	}
	now := s.now()
	pending := make([]domain.Challenge, 0, len(all))
	for _, c := range all {
		if c.IsExpired(now) {
			continue
		}
		pending = append(pending, c)
	}
	return pending, nil
}

// ActiveDuels returns duels that were accepted and are not finished yet
func (s *DuelService) ActiveDuels(ctx context.Context, characterID string) ([]domain.Challenge, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	duels, err := s.challenges.ListChallenges(ctx, characterID, []domain.ChallengeStatus{
		domain.StatusAccepted,
		domain.StatusInProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("listing active duels: %w", err)
	}
	return duels, nil
}

// History returns completed duels, most recent first
func (s *DuelService) History(ctx context.Context, characterID string, limit, offset int) ([]domain.Challenge, error) {
	if limit <= 0 {
		limit = s.config.HistoryDefaultLimit
	}
	if s.config.HistoryMaxLimit > 0 && limit > s.config.HistoryMaxLimit {
		limit = s.config.HistoryMaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	history, err := s.challenges.ListCompleted(ctx, characterID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing duel history: %w", err)
	}
	return history, nil
}

// Stats aggregates wins, losses and gold flow over all completed duels
func (s *DuelService) Stats(ctx context.Context, characterID string) (*domain.DuelStats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// Duels completing mid-scan push older ones onto the next page, so a duel
	// can show up twice but never gets skipped.
	seen := make(map[string]struct{})
	stats := &domain.DuelStats{CharacterID: characterID}
	for offset := 0; ; offset += s.statsPageSize {
		page, err := s.challenges.ListCompleted(ctx, characterID, s.statsPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("listing duel history: %w", err)
		}
		for _, c := range page {
			if _, dup := seen[c.ID]; dup || c.Result == nil {
				continue
			}
			seen[c.ID] = struct{}{}
			stats.TotalDuels++
			if c.Result.WinnerID == characterID {
				stats.Wins++
				stats.GoldWon += c.Result.GoldTransferred
			} else {
				stats.Losses++
				stats.GoldLost += c.Result.GoldTransferred
			}
		}
		if len(page) < s.statsPageSize {
			break
		}
	}
	if stats.TotalDuels > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalDuels)
	}
	return stats, nil
}
