package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duel-arena/internal/config"
	"github.com/duel-arena/internal/domain"
)

func TestCreateChallenge_Validation(t *testing.T) {
	h := newHarness(t, func(cfg *config.DuelConfig) { cfg.MaxWager = 1000 })
	h.account(t, "alice", 5000)
	h.account(t, "bob", 5000)

	tests := []struct {
		name string
		req  domain.CreateChallengeRequest
		want error
	}{
		{
			name: "missing challenger",
			req:  domain.CreateChallengeRequest{ChallengedID: "bob", Type: domain.ChallengeTypeCasual},
			want: domain.ErrInvalidRequest,
		},
		{
			name: "blank challenged",
			req:  domain.CreateChallengeRequest{ChallengerID: "alice", ChallengedID: "   ", Type: domain.ChallengeTypeCasual},
			want: domain.ErrInvalidRequest,
		},
		{
			name: "unknown type",
			req:  domain.CreateChallengeRequest{ChallengerID: "alice", ChallengedID: "bob", Type: "RANKED"},
			want: domain.ErrInvalidRequest,
		},
		{
			name: "self challenge",
			req:  domain.CreateChallengeRequest{ChallengerID: "alice", ChallengedID: " alice ", Type: domain.ChallengeTypeCasual},
			want: domain.ErrInvalidTarget,
		},
		{
			name: "casual with stake",
			req:  domain.CreateChallengeRequest{ChallengerID: "alice", ChallengedID: "bob", Type: domain.ChallengeTypeCasual, WagerAmount: 10},
			want: domain.ErrInvalidWager,
		},
		{
			name: "zero wager",
			req:  domain.CreateChallengeRequest{ChallengerID: "alice", ChallengedID: "bob", Type: domain.ChallengeTypeWager},
			want: domain.ErrInvalidWager,
		},
		{
			name: "negative wager",
			req:  domain.CreateChallengeRequest{ChallengerID: "alice", ChallengedID: "bob", Type: domain.ChallengeTypeWager, WagerAmount: -5},
			want: domain.ErrInvalidWager,
		},
		{
			name: "wager over limit",
			req:  domain.CreateChallengeRequest{ChallengerID: "alice", ChallengedID: "bob", Type: domain.ChallengeTypeWager, WagerAmount: 1001},
			want: domain.ErrInvalidWager,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := h.svc.CreateChallenge(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, c)
		})
	}
}

func TestCreateChallenge_Success(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice", 500)
	h.account(t, "bob", 500)

	c, err := h.svc.CreateChallenge(context.Background(), domain.CreateChallengeRequest{
		ChallengerID: " alice",
		ChallengedID: "bob ",
		Type:         domain.ChallengeTypeWager,
		WagerAmount:  100,
	})
	require.NoError(t, err)

	assert.Equal(t, "duel-1", c.ID)
	assert.Equal(t, "alice", c.ChallengerID)
	assert.Equal(t, "bob", c.ChallengedID)
	assert.Equal(t, domain.StatusPending, c.Status)
	assert.Equal(t, testStart.Add(h.cfg.ChallengeWindow), c.ExpiresAt)

	stored := h.challenge(t, c.ID)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, int64(100), stored.WagerAmount)

	// Nothing is reserved at creation
	assert.Equal(t, int64(500), h.balance(t, "alice"))
}

func TestCreateChallenge_PairConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.create(t, "alice", "bob", 0)

	_, err := h.svc.CreateChallenge(ctx, domain.CreateChallengeRequest{
		ChallengerID: "bob",
		ChallengedID: "alice",
		Type:         domain.ChallengeTypeCasual,
	})
	assert.ErrorIs(t, err, domain.ErrConflictingChallenge)

	_, err = h.svc.CreateChallenge(ctx, domain.CreateChallengeRequest{
		ChallengerID: "alice",
		ChallengedID: "bob",
		Type:         domain.ChallengeTypeCasual,
	})
	assert.ErrorIs(t, err, domain.ErrConflictingChallenge)

	// Other pairs are unaffected
	h.create(t, "alice", "carol", 0)

	// Once the first challenge is closed the pair is free again
	_, err = h.svc.DeclineChallenge(ctx, first.ID, "bob")
	require.NoError(t, err)
	h.create(t, "bob", "alice", 0)
}

func TestCreateChallenge_ConflictWhileInProgress(t *testing.T) {
	h := newHarness(t)
	h.startDuel(t, "alice", "bob", 0)

	_, err := h.svc.CreateChallenge(context.Background(), domain.CreateChallengeRequest{
		ChallengerID: "bob",
		ChallengedID: "alice",
		Type:         domain.ChallengeTypeCasual,
	})
	assert.ErrorIs(t, err, domain.ErrConflictingChallenge)
}

func TestCreateChallenge_InsufficientFunds(t *testing.T) {
	tests := []struct {
		name      string
		alice     int64
		bob       int64
		wantShort string
		shortfall int64
	}{
		{name: "challenger short", alice: 50, bob: 500, wantShort: "alice", shortfall: 50},
		{name: "challenged short", alice: 500, bob: 99, wantShort: "bob", shortfall: 1},
		{name: "both short names challenger", alice: 10, bob: 10, wantShort: "alice", shortfall: 90},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.account(t, "alice", tt.alice)
			h.account(t, "bob", tt.bob)

			_, err := h.svc.CreateChallenge(context.Background(), domain.CreateChallengeRequest{
				ChallengerID: "alice",
				ChallengedID: "bob",
				Type:         domain.ChallengeTypeWager,
				WagerAmount:  100,
			})
			require.ErrorIs(t, err, domain.ErrInsufficientFunds)

			var funds *domain.InsufficientFundsError
			require.True(t, errors.As(err, &funds))
			assert.Equal(t, tt.wantShort, funds.CharacterID)
			assert.Equal(t, tt.shortfall, funds.Shortfall())
			assert.Equal(t, "INSUFFICIENT_FUNDS", domain.ErrorCode(err))
		})
	}
}

func TestCreateChallenge_WagerRequiresAccounts(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice", 500)

	_, err := h.svc.CreateChallenge(context.Background(), domain.CreateChallengeRequest{
		ChallengerID: "alice",
		ChallengedID: "ghost",
		Type:         domain.ChallengeTypeWager,
		WagerAmount:  100,
	})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestCreateChallenge_StalePendingDoesNotBlockPair(t *testing.T) {
	h := newHarness(t)
	old := h.create(t, "alice", "bob", 0)

	h.clock.Advance(h.cfg.ChallengeWindow + time.Second)
	fresh := h.create(t, "bob", "alice", 0)

	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, domain.StatusExpired, h.challenge(t, old.ID).Status)

	expired := h.events.ofType(domain.EventChallengeExpired)
	require.Len(t, expired, 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, expired[0].Recipients)
}

func TestAcceptChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t, "alice", "bob", 0)

	_, err := h.svc.AcceptChallenge(ctx, c.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = h.svc.AcceptChallenge(ctx, c.ID, "mallory")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	h.clock.Advance(time.Minute)
	accepted, err := h.svc.AcceptChallenge(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.AcceptedAt)
	assert.Equal(t, testStart.Add(time.Minute), *accepted.AcceptedAt)

	stored := h.challenge(t, c.ID)
	assert.Equal(t, domain.StatusAccepted, stored.Status)
	require.NotNil(t, stored.AcceptedAt)

	events := h.events.ofType(domain.EventChallengeAccepted)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"alice"}, events[0].Recipients)

	_, err = h.svc.AcceptChallenge(ctx, c.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestAcceptChallenge_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.AcceptChallenge(context.Background(), "missing", "bob")
	assert.ErrorIs(t, err, domain.ErrChallengeNotFound)
}

func TestAcceptChallenge_Expired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t, "alice", "bob", 0)

	h.clock.Advance(h.cfg.ChallengeWindow + time.Millisecond)
	_, err := h.svc.AcceptChallenge(ctx, c.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrChallengeExpired)
	assert.Equal(t, domain.StatusExpired, h.challenge(t, c.ID).Status)

	// Once expired the challenge is simply terminal
	_, err = h.svc.DeclineChallenge(ctx, c.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestAcceptChallenge_ExactlyAtDeadline(t *testing.T) {
	h := newHarness(t)
	c := h.create(t, "alice", "bob", 0)

	h.clock.Advance(h.cfg.ChallengeWindow)
	accepted, err := h.svc.AcceptChallenge(context.Background(), c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, accepted.Status)
}

func TestAcceptChallenge_FundsRecheckedAtAccept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "carol", 500)
	h.account(t, "dave", 500)
	c := h.create(t, "carol", "dave", 300)

	// Dave spends gold elsewhere before answering
	h.account(t, "dave", 100)

	_, err := h.svc.AcceptChallenge(ctx, c.ID, "dave")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	var funds *domain.InsufficientFundsError
	require.True(t, errors.As(err, &funds))
	assert.Equal(t, "dave", funds.CharacterID)
	assert.Equal(t, int64(200), funds.Shortfall())

	assert.Equal(t, domain.StatusPending, h.challenge(t, c.ID).Status)

	// Topping up lets the same challenge go through
	h.account(t, "dave", 300)
	accepted, err := h.svc.AcceptChallenge(ctx, c.ID, "dave")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, accepted.Status)
}

func TestAcceptChallenge_AutoStart(t *testing.T) {
	h := newHarness(t, withAutoStart)
	ctx := context.Background()
	c := h.create(t, "alice", "bob", 0)

	started, err := h.svc.AcceptChallenge(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, started.Status)
	require.NotNil(t, started.StartedAt)

	sess, err := h.store.GetSession(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.Version)
	assert.True(t, h.cache.has(c.ID))
}

func TestDeclineChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t, "alice", "bob", 0)

	_, err := h.svc.DeclineChallenge(ctx, c.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	declined, err := h.svc.DeclineChallenge(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeclined, declined.Status)
	assert.NotNil(t, declined.FinishedAt)
	assert.Equal(t, domain.StatusDeclined, h.challenge(t, c.ID).Status)

	events := h.events.ofType(domain.EventChallengeDeclined)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"alice"}, events[0].Recipients)

	_, err = h.svc.AcceptChallenge(ctx, c.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCancelChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t, "alice", "bob", 0)

	_, err := h.svc.CancelChallenge(ctx, c.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	cancelled, err := h.svc.CancelChallenge(ctx, c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	events := h.events.ofType(domain.EventChallengeCancelled)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"bob"}, events[0].Recipients)

	_, err = h.svc.CancelChallenge(ctx, c.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCancelChallenge_AfterAcceptIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t, "alice", "bob", 0)
	_, err := h.svc.AcceptChallenge(ctx, c.ID, "bob")
	require.NoError(t, err)

	_, err = h.svc.CancelChallenge(ctx, c.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestStartGame(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t, "alice", "bob", 0)

	_, err := h.svc.StartGame(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.svc.AcceptChallenge(ctx, c.ID, "bob")
	require.NoError(t, err)

	sess, err := h.svc.StartGame(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, sess.DuelID)
	assert.Equal(t, int64(1), sess.Version)
	assert.Equal(t, "alice", sess.Challenger.CharacterID)
	assert.Equal(t, "bob", sess.Challenged.CharacterID)
	assert.Equal(t, domain.TrackConfig{Seed: 42, Target: h.cfg.Target, MaxActions: h.cfg.MaxActions}, sess.Config)
	assert.False(t, sess.Challenger.Resolved)
	assert.False(t, sess.Challenged.Resolved)
	assert.Equal(t, testStart.Add(h.cfg.SessionTTL), sess.ExpiresAt)

	stored, err := h.store.GetSession(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Config, stored.Config)
	assert.True(t, h.cache.has(c.ID))

	started := h.challenge(t, c.ID)
	assert.Equal(t, domain.StatusInProgress, started.Status)
	assert.NotNil(t, started.StartedAt)

	events := h.events.ofType(domain.EventDuelStarted)
	require.Len(t, events, 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, events[0].Recipients)

	_, err = h.svc.StartGame(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := h.create(t, "alice", "bob", 0)
	answered := h.create(t, "carol", "dave", 0)
	_, err := h.svc.AcceptChallenge(ctx, answered.ID, "dave")
	require.NoError(t, err)

	n, err := h.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(h.cfg.ChallengeWindow + time.Second)
	fresh := h.create(t, "erin", "frank", 0)

	n, err = h.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, domain.StatusExpired, h.challenge(t, stale.ID).Status)
	assert.Equal(t, domain.StatusAccepted, h.challenge(t, answered.ID).Status)
	assert.Equal(t, domain.StatusPending, h.challenge(t, fresh.ID).Status)

	expired := h.events.ofType(domain.EventChallengeExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].DuelID)

	// An expired challenge can no longer be accepted
	_, err = h.svc.AcceptChallenge(ctx, stale.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	n, err = h.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
