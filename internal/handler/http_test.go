package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duel-arena/internal/config"
	"github.com/duel-arena/internal/domain"
	"github.com/duel-arena/internal/engine"
	"github.com/duel-arena/internal/redis"
	"github.com/duel-arena/internal/service"
	"github.com/duel-arena/internal/sqlite"
	"github.com/duel-arena/internal/websocket"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error {
	return errors.New("connection refused")
}

type testAPI struct {
	handler *Handler
	router  http.Handler
	store   *sqlite.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "duels.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	cache := redis.NewSessionCacheWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), time.Minute, logger)
	t.Cleanup(func() { _ = cache.Close() })

	cfg := config.DefaultDuelConfig()
	cfg.AutoStart = true
	svc := service.NewDuelService(store, cache, engine.NewDrawEngine(), &cfg, logger)

	hub := websocket.NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)
	svc.SetNotifier(hub)

	h := NewHandler(svc, store, hub, logger)
	h.AddReadinessCheck("store", store)
	h.AddReadinessCheck("cache", cache)
	return &testAPI{handler: h, router: h.Router(), store: store}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func (a *testAPI) seedAccount(t *testing.T, id string, balance int64) {
	t.Helper()
	status, _ := a.do(t, http.MethodPut, "/api/v1/accounts/"+id, map[string]any{
		"display_name": strings.ToUpper(id[:1]) + id[1:],
		"balance":      balance,
	})
	require.Equal(t, http.StatusOK, status)
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t)

	status, env := api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	status, env = api.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	api.handler.AddReadinessCheck("kafka", failingPinger{})
	status, env = api.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.False(t, env.Success)
	checks := decodeData[map[string]string](t, env)
	assert.Equal(t, "ok", checks["store"])
	assert.Equal(t, "connection refused", checks["kafka"])
}

func TestWagerDuelOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	api.seedAccount(t, "alice", 500)
	api.seedAccount(t, "bob", 500)

	status, env := api.do(t, http.MethodPost, "/api/v1/challenges", domain.CreateChallengeRequest{
		ChallengerID: "alice",
		ChallengedID: "bob",
		Type:         domain.ChallengeTypeWager,
		WagerAmount:  100,
	})
	require.Equal(t, http.StatusCreated, status)
	created := decodeData[domain.Challenge](t, env)
	assert.Equal(t, domain.StatusPending, created.Status)

	status, env = api.do(t, http.MethodGet, "/api/v1/characters/bob/challenges/pending", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeData[[]domain.Challenge](t, env), 1)

	status, env = api.do(t, http.MethodPost, "/api/v1/challenges/"+created.ID+"/accept", map[string]string{"character_id": "bob"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.StatusInProgress, decodeData[domain.Challenge](t, env).Status)

	status, env = api.do(t, http.MethodGet, "/api/v1/characters/alice/duels/active", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeData[[]domain.Challenge](t, env), 1)

	status, env = api.do(t, http.MethodGet, "/api/v1/duels/"+created.ID+"?character_id=alice", nil)
	require.Equal(t, http.StatusOK, status)
	view := decodeData[domain.TrackView](t, env)
	assert.Equal(t, domain.SideChallenger, view.Side)
	assert.False(t, view.OpponentResolved)

	status, env = api.do(t, http.MethodPost, "/api/v1/duels/"+created.ID+"/actions", map[string]any{
		"character_id": "alice",
		"action":       domain.Action{Type: engine.ActionStand},
	})
	require.Equal(t, http.StatusOK, status)
	assert.False(t, decodeData[domain.ActionResult](t, env).Completed)

	status, env = api.do(t, http.MethodPost, "/api/v1/duels/"+created.ID+"/actions", map[string]any{
		"character_id": "alice",
		"action":       domain.Action{Type: engine.ActionDraw},
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ALREADY_RESOLVED", env.Code)

	status, env = api.do(t, http.MethodPost, "/api/v1/duels/"+created.ID+"/actions", map[string]any{
		"character_id": "bob",
		"action":       domain.Action{Type: engine.ActionStand},
	})
	require.Equal(t, http.StatusOK, status)
	res := decodeData[domain.ActionResult](t, env)
	require.True(t, res.Completed)
	require.NotNil(t, res.Result)
	assert.Equal(t, domain.SettlementSettled, res.Result.Settlement)

	winner, err := api.store.GetAccount(context.Background(), res.Result.WinnerID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), winner.Balance)

	status, env = api.do(t, http.MethodGet, "/api/v1/characters/alice/duels/history?limit=5", nil)
	require.Equal(t, http.StatusOK, status)
	history := decodeData[[]domain.Challenge](t, env)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusCompleted, history[0].Status)

	status, env = api.do(t, http.MethodGet, "/api/v1/characters/bob/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), decodeData[domain.DuelStats](t, env).TotalDuels)

	status, env = api.do(t, http.MethodGet, "/api/v1/duels/"+created.ID+"?character_id=bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.StatusCompleted, decodeData[domain.TrackView](t, env).Challenge.Status)
}

func TestErrorResponses(t *testing.T) {
	api := newTestAPI(t)
	api.seedAccount(t, "alice", 500)
	api.seedAccount(t, "bob", 50)

	status, env := api.do(t, http.MethodPost, "/api/v1/challenges", domain.CreateChallengeRequest{
		ChallengerID: "alice", ChallengedID: "carol", Type: domain.ChallengeTypeCasual,
	})
	require.Equal(t, http.StatusCreated, status)
	pending := decodeData[domain.Challenge](t, env)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{
			name: "malformed body", method: http.MethodPost, path: "/api/v1/challenges",
			body: `{"challenger_id":`, status: http.StatusBadRequest, code: "INVALID_REQUEST",
		},
		{
			name: "self challenge", method: http.MethodPost, path: "/api/v1/challenges",
			body:   domain.CreateChallengeRequest{ChallengerID: "alice", ChallengedID: "alice", Type: domain.ChallengeTypeCasual},
			status: http.StatusBadRequest, code: "INVALID_TARGET",
		},
		{
			name: "casual with stake", method: http.MethodPost, path: "/api/v1/challenges",
			body:   domain.CreateChallengeRequest{ChallengerID: "alice", ChallengedID: "bob", Type: domain.ChallengeTypeCasual, WagerAmount: 5},
			status: http.StatusBadRequest, code: "INVALID_WAGER",
		},
		{
			name: "cannot cover wager", method: http.MethodPost, path: "/api/v1/challenges",
			body:   domain.CreateChallengeRequest{ChallengerID: "alice", ChallengedID: "bob", Type: domain.ChallengeTypeWager, WagerAmount: 100},
			status: http.StatusUnprocessableEntity, code: "INSUFFICIENT_FUNDS",
		},
		{
			name: "pair already engaged", method: http.MethodPost, path: "/api/v1/challenges",
			body:   domain.CreateChallengeRequest{ChallengerID: "carol", ChallengedID: "alice", Type: domain.ChallengeTypeCasual},
			status: http.StatusConflict, code: "CONFLICTING_CHALLENGE",
		},
		{
			name: "unknown challenge", method: http.MethodGet, path: "/api/v1/challenges/nope",
			status: http.StatusNotFound, code: "CHALLENGE_NOT_FOUND",
		},
		{
			name: "accept by challenger", method: http.MethodPost, path: "/api/v1/challenges/" + pending.ID + "/accept",
			body: map[string]string{"character_id": "alice"}, status: http.StatusForbidden, code: "NOT_AUTHORIZED",
		},
		{
			name: "accept without character", method: http.MethodPost, path: "/api/v1/challenges/" + pending.ID + "/accept",
			body: map[string]string{}, status: http.StatusBadRequest, code: "INVALID_REQUEST",
		},
		{
			name: "action before start", method: http.MethodPost, path: "/api/v1/duels/" + pending.ID + "/actions",
			body:   map[string]any{"character_id": "alice", "action": domain.Action{Type: engine.ActionDraw}},
			status: http.StatusConflict, code: "INVALID_STATE",
		},
		{
			name: "view without character", method: http.MethodGet, path: "/api/v1/duels/" + pending.ID,
			status: http.StatusBadRequest, code: "INVALID_REQUEST",
		},
		{
			name: "unknown account", method: http.MethodGet, path: "/api/v1/accounts/ghost",
			status: http.StatusNotFound, code: "ACCOUNT_NOT_FOUND",
		},
		{
			name: "negative balance", method: http.MethodPut, path: "/api/v1/accounts/alice",
			body: map[string]any{"balance": -1}, status: http.StatusBadRequest, code: "INVALID_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := api.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.False(t, env.Success)
			assert.Equal(t, tt.code, env.Code)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestDeclineAndCancel(t *testing.T) {
	api := newTestAPI(t)

	create := func(from, to string) domain.Challenge {
		status, env := api.do(t, http.MethodPost, "/api/v1/challenges", domain.CreateChallengeRequest{
			ChallengerID: from, ChallengedID: to, Type: domain.ChallengeTypeCasual,
		})
		require.Equal(t, http.StatusCreated, status)
		return decodeData[domain.Challenge](t, env)
	}

	declined := create("alice", "bob")
	status, env := api.do(t, http.MethodPost, "/api/v1/challenges/"+declined.ID+"/decline", map[string]string{"character_id": "bob"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.StatusDeclined, decodeData[domain.Challenge](t, env).Status)

	status, env = api.do(t, http.MethodPost, "/api/v1/challenges/"+declined.ID+"/accept", map[string]string{"character_id": "bob"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_STATE", env.Code)

	cancelled := create("bob", "alice")
	status, env = api.do(t, http.MethodPost, "/api/v1/challenges/"+cancelled.ID+"/cancel", map[string]string{"character_id": "bob"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.StatusCancelled, decodeData[domain.Challenge](t, env).Status)
}

func TestMaintenanceAndStats(t *testing.T) {
	api := newTestAPI(t)

	status, env := api.do(t, http.MethodPost, "/api/v1/maintenance/sweep", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, service.MaintenanceReport{}, decodeData[service.MaintenanceReport](t, env))

	status, env = api.do(t, http.MethodGet, "/api/v1/ws/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]int{"total_connections": 0}, decodeData[map[string]int](t, env))

	status, env = api.do(t, http.MethodGet, "/api/v1/characters/nobody/duels/history", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(env.Data))
}
