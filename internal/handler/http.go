package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/duel-arena/internal/domain"
	"github.com/duel-arena/internal/service"
	"github.com/duel-arena/internal/websocket"
)

// AccountStore seeds and reads reference accounts
type AccountStore interface {
	UpsertAccount(ctx context.Context, a domain.Account) error
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the duel API
type Handler struct {
	service  *service.DuelService
	accounts AccountStore
	hub      *websocket.Hub
	deps     map[string]Pinger
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc *service.DuelService, accounts AccountStore, hub *websocket.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		service:  svc,
		accounts: accounts,
		hub:      hub,
		deps:     make(map[string]Pinger),
		logger:   logger,
	}
}

// AddReadinessCheck registers a dependency reported by /ready
func (h *Handler) AddReadinessCheck(name string, p Pinger) {
	h.deps[name] = p
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// characterRequest is the body of accept, decline and cancel
type characterRequest struct {
	CharacterID string `json:"character_id"`
}

// actionRequest is the body of an action submission
type actionRequest struct {
	CharacterID string        `json:"character_id"`
	Action      domain.Action `json:"action"`
}

// accountRequest is the body of an account upsert
type accountRequest struct {
	DisplayName string `json:"display_name"`
	Balance     int64  `json:"balance"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/challenges", func(r chi.Router) {
			r.Post("/", h.CreateChallenge)
			r.Route("/{duelID}", func(r chi.Router) {
				r.Get("/", h.GetChallenge)
				r.Post("/accept", h.AcceptChallenge)
				r.Post("/decline", h.DeclineChallenge)
				r.Post("/cancel", h.CancelChallenge)
			})
		})

		r.Route("/duels/{duelID}", func(r chi.Router) {
			r.Get("/", h.GetDuel)
			r.Post("/start", h.StartDuel)
			r.Post("/actions", h.SubmitAction)
		})

		r.Route("/characters/{characterID}", func(r chi.Router) {
			r.Get("/challenges/pending", h.PendingChallenges)
			r.Get("/duels/active", h.ActiveDuels)
			r.Get("/duels/history", h.History)
			r.Get("/stats", h.Stats)
		})

		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Put("/", h.UpsertAccount)
			r.Get("/", h.GetAccount)
		})

		r.Post("/maintenance/sweep", h.RunMaintenance)
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, status int, data any) {
	h.writeJSON(w, status, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError maps a domain error to its status and stable code. Unknown
// errors are logged and reported as internal.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	status := statusForCode(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		message = domain.ErrInternalError.Error()
	}
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   message,
		Code:    code,
	})
}

func statusForCode(code string) int {
	switch code {
	case "INVALID_REQUEST", "INVALID_TARGET", "INVALID_WAGER", "INVALID_ACTION":
		return http.StatusBadRequest
	case "NOT_AUTHORIZED", "NOT_A_PARTICIPANT":
		return http.StatusForbidden
	case "CHALLENGE_NOT_FOUND", "SESSION_NOT_FOUND", "ACCOUNT_NOT_FOUND":
		return http.StatusNotFound
	case "CONFLICTING_CHALLENGE", "INVALID_STATE", "STATE_CHANGED", "ALREADY_RESOLVED":
		return http.StatusConflict
	case "CHALLENGE_EXPIRED", "SESSION_EXPIRED":
		return http.StatusGone
	case "INSUFFICIENT_FUNDS":
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidRequest
	}
	return nil
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, http.StatusOK, map[string]int{
		"total_connections": h.hub.TotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadyCheck pings every registered dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.deps))
	ready := true
	for name, dep := range h.deps {
		if err := dep.Ping(r.Context()); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}
	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    checks,
			Error:   "not ready",
		})
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}

// CreateChallenge handles challenge creation
func (h *Handler) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateChallengeRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.service.CreateChallenge(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusCreated, c)
}

// GetChallenge returns a challenge by ID
func (h *Handler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.GetChallenge(r.Context(), chi.URLParam(r, "duelID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, c)
}

// AcceptChallenge handles the challenged character accepting
func (h *Handler) AcceptChallenge(w http.ResponseWriter, r *http.Request) {
	h.respondToChallenge(w, r, h.service.AcceptChallenge)
}

// DeclineChallenge handles the challenged character declining
func (h *Handler) DeclineChallenge(w http.ResponseWriter, r *http.Request) {
	h.respondToChallenge(w, r, h.service.DeclineChallenge)
}

// CancelChallenge handles the challenger withdrawing
func (h *Handler) CancelChallenge(w http.ResponseWriter, r *http.Request) {
	h.respondToChallenge(w, r, h.service.CancelChallenge)
}

func (h *Handler) respondToChallenge(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, duelID, characterID string) (*domain.Challenge, error),
) {
	var req characterRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.CharacterID == "" {
		h.writeError(w, r, domain.ErrInvalidRequest)
		return
	}

	c, err := op(r.Context(), chi.URLParam(r, "duelID"), req.CharacterID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, c)
}

// StartDuel starts an accepted duel
func (h *Handler) StartDuel(w http.ResponseWriter, r *http.Request) {
	duelID := chi.URLParam(r, "duelID")
	if _, err := h.service.StartGame(r.Context(), duelID); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.service.GetChallenge(r.Context(), duelID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, c)
}

// SubmitAction applies one action to the caller's track
func (h *Handler) SubmitAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.service.SubmitAction(r.Context(), chi.URLParam(r, "duelID"), req.CharacterID, req.Action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, res)
}

// GetDuel returns the caller's view of a duel
func (h *Handler) GetDuel(w http.ResponseWriter, r *http.Request) {
	characterID := r.URL.Query().Get("character_id")
	if characterID == "" {
		h.writeError(w, r, domain.ErrInvalidRequest)
		return
	}

	view, err := h.service.DuelView(r.Context(), chi.URLParam(r, "duelID"), characterID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, view)
}

// PendingChallenges lists a character's open challenges
func (h *Handler) PendingChallenges(w http.ResponseWriter, r *http.Request) {
	challenges, err := h.service.PendingChallenges(r.Context(), chi.URLParam(r, "characterID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, nonNil(challenges))
}

// ActiveDuels lists a character's running duels
func (h *Handler) ActiveDuels(w http.ResponseWriter, r *http.Request) {
	duels, err := h.service.ActiveDuels(r.Context(), chi.URLParam(r, "characterID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, nonNil(duels))
}

// History lists a character's completed duels
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	duels, err := h.service.History(r.Context(), chi.URLParam(r, "characterID"), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, nonNil(duels))
}

// Stats returns a character's duel record
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), chi.URLParam(r, "characterID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, stats)
}

// UpsertAccount creates or overwrites a reference account
func (h *Handler) UpsertAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	account := domain.Account{
		ID:          chi.URLParam(r, "accountID"),
		DisplayName: req.DisplayName,
		Balance:     req.Balance,
	}
	if err := h.accounts.UpsertAccount(r.Context(), account); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, account)
}

// GetAccount returns a reference account
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, account)
}

// RunMaintenance runs both sweeps on demand
func (h *Handler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RunMaintenance(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, report)
}

func nonNil(challenges []domain.Challenge) []domain.Challenge {
	if challenges == nil {
		return []domain.Challenge{}
	}
	return challenges
}
