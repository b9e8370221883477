package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duel-arena/internal/config"
	"github.com/duel-arena/internal/domain"
)

func challengeIDs(challenges []domain.Challenge) []string {
	ids := make([]string, 0, len(challenges))
	for _, c := range challenges {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestPendingChallenges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	outgoing := h.create(t, "alice", "bob", 0)
	h.clock.Advance(4 * time.Minute)
	incoming := h.create(t, "carol", "alice", 0)
	h.create(t, "dave", "erin", 0)

	pending, err := h.svc.PendingChallenges(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{outgoing.ID, incoming.ID}, challengeIDs(pending))

	// Past its window but not swept yet
	h.clock.Advance(2 * time.Minute)
	pending, err = h.svc.PendingChallenges(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{incoming.ID}, challengeIDs(pending))

	pending, err = h.svc.PendingChallenges(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestActiveDuels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	running := h.startDuel(t, "alice", "bob", 0)
	accepted := h.create(t, "carol", "alice", 0)
	_, err := h.svc.AcceptChallenge(ctx, accepted.ID, "alice")
	require.NoError(t, err)
	h.create(t, "alice", "dave", 0)

	active, err := h.svc.ActiveDuels(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{running, accepted.ID}, challengeIDs(active))

	active, err = h.svc.ActiveDuels(ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, active)
}

// playDuel runs a full wager duel and advances the clock so finish times differ
func (h *harness) playDuel(t *testing.T, from, to string, wager, fromScore, toScore int64) string {
	t.Helper()
	ctx := context.Background()
	duelID := h.startDuel(t, from, to, wager)
	_, err := h.svc.SubmitAction(ctx, duelID, from, finish(fromScore))
	require.NoError(t, err)
	res, err := h.svc.SubmitAction(ctx, duelID, to, finish(toScore))
	require.NoError(t, err)
	require.True(t, res.Completed)
	h.clock.Advance(time.Minute)
	return duelID
}

func TestHistoryAndStats(t *testing.T) {
	h := newHarness(t, func(cfg *config.DuelConfig) {
		cfg.HistoryDefaultLimit = 2
		cfg.HistoryMaxLimit = 3
	})
	ctx := context.Background()
	h.account(t, "alice", 1000)
	h.account(t, "bob", 1000)
	h.account(t, "carol", 1000)

	first := h.playDuel(t, "alice", "bob", 100, 20, 10)
	second := h.playDuel(t, "bob", "alice", 50, 21, 12)
	third := h.playDuel(t, "alice", "carol", 200, 5, 5)
	h.playDuel(t, "carol", "bob", 10, 1, 2)
	h.startDuel(t, "alice", "bob", 0)

	history, err := h.svc.History(ctx, "alice", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{third, second}, challengeIDs(history))

	history, err = h.svc.History(ctx, "alice", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{third, second, first}, challengeIDs(history))

	history, err = h.svc.History(ctx, "alice", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{first}, challengeIDs(history))

	history, err = h.svc.History(ctx, "alice", 1, -4)
	require.NoError(t, err)
	assert.Equal(t, []string{third}, challengeIDs(history))

	stats, err := h.svc.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", stats.CharacterID)
	assert.Equal(t, int64(3), stats.TotalDuels)
	assert.Equal(t, int64(2), stats.Wins)
	assert.Equal(t, int64(1), stats.Losses)
	assert.InDelta(t, 2.0/3.0, stats.WinRate, 1e-9)
	assert.Equal(t, int64(300), stats.GoldWon)
	assert.Equal(t, int64(50), stats.GoldLost)

	stats, err = h.svc.Stats(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalDuels)
	assert.Zero(t, stats.WinRate)
}

// growingHistory completes another duel right after the first history page is read
type growingHistory struct {
	ChallengeStore
	afterFirstPage func()
	calls          int
}

func (g *growingHistory) ListCompleted(ctx context.Context, characterID string, limit, offset int) ([]domain.Challenge, error) {
	page, err := g.ChallengeStore.ListCompleted(ctx, characterID, limit, offset)
	g.calls++
	if g.calls == 1 {
		g.afterFirstPage()
	}
	return page, err
}

func TestStats_CountsEachDuelOnceWhileHistoryGrows(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice", 1000)
	h.account(t, "bob", 1000)
	for range 3 {
		h.playDuel(t, "alice", "bob", 100, 20, 10)
	}

	h.svc.statsPageSize = 2
	history := &growingHistory{ChallengeStore: h.store}
	history.afterFirstPage = func() { h.playDuel(t, "alice", "bob", 100, 20, 10) }
	h.svc.challenges = history

	stats, err := h.svc.Stats(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalDuels)
	assert.Equal(t, int64(3), stats.Wins)
	assert.Equal(t, int64(300), stats.GoldWon)
	assert.GreaterOrEqual(t, history.calls, 2)
}
