package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/duel-arena/internal/domain"
)

// Message types sent by clients
const (
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
	MessageTypeError = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string    `json:"type"`
	DuelID    string    `json:"duel_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type delivery struct {
	recipients []string
	message    *Message
}

// Hub tracks connected characters and pushes duel events to them
type Hub struct {
	// Connected clients by character ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	deliveries chan *delivery

	mu     sync.RWMutex
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliveries: make(chan *delivery, 256),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[client.characterID]; !ok {
				h.clients[client.characterID] = make(map[*Client]bool)
			}
			h.clients[client.characterID][client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id, "character_id", client.characterID)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.characterID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
				}
				if len(clients) == 0 {
					delete(h.clients, client.characterID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case d := <-h.deliveries:
			h.deliver(d)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// deliver sends a message to every connection of each recipient
func (h *Hub) deliver(d *delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(d.message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	for _, characterID := range d.recipients {
		for client := range h.clients[characterID] {
			select {
			case client.send <- data:
			default:
				h.logger.Warn("client buffer full, skipping", "client_id", client.id)
			}
		}
	}
}

// Notify pushes a duel event to the connected recipients. Delivery is best
// effort; a full queue drops the event.
func (h *Hub) Notify(ctx context.Context, event domain.DuelEvent) error {
	if len(event.Recipients) == 0 {
		return nil
	}
	d := &delivery{
		recipients: event.Recipients,
		message: &Message{
			Type:      string(event.Type),
			DuelID:    event.DuelID,
			Data:      event,
			Timestamp: event.Timestamp,
		},
	}

	select {
	case h.deliveries <- d:
	case <-ctx.Done():
		return ctx.Err()
	default:
		h.logger.Warn("delivery queue full, dropping event", "duel_id", event.DuelID, "event", event.Type)
	}
	return nil
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ConnectionCount returns the number of open connections for a character
func (h *Hub) ConnectionCount(characterID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[characterID])
}

// TotalConnections returns the total number of connected clients
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}
