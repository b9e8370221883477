package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duel-arena/internal/domain"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, logger, w, r)
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, characterID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?character_id=" + characterID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_DeliversToRecipients(t *testing.T) {
	hub, srv := startHub(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	dial(t, srv, "carol")

	require.Eventually(t, func() bool { return hub.TotalConnections() == 3 }, 2*time.Second, 10*time.Millisecond)

	err := hub.Notify(context.Background(), domain.DuelEvent{
		Type:       domain.EventDuelStarted,
		DuelID:     "duel-1",
		Recipients: []string{"alice", "bob"},
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := readMessage(t, conn)
		assert.Equal(t, string(domain.EventDuelStarted), msg.Type)
		assert.Equal(t, "duel-1", msg.DuelID)
	}
}

func TestHub_MultipleConnectionsPerCharacter(t *testing.T) {
	hub, srv := startHub(t)
	first := dial(t, srv, "alice")
	second := dial(t, srv, "alice")

	require.Eventually(t, func() bool { return hub.ConnectionCount("alice") == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background(), domain.DuelEvent{
		Type:       domain.EventChallengeCreated,
		DuelID:     "duel-2",
		Recipients: []string{"alice"},
	}))
	assert.Equal(t, "duel-2", readMessage(t, first).DuelID)
	assert.Equal(t, "duel-2", readMessage(t, second).DuelID)

	first.Close()
	assert.Eventually(t, func() bool { return hub.ConnectionCount("alice") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PingPong(t *testing.T) {
	_, srv := startHub(t)
	conn := dial(t, srv, "alice")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypePing}))
	assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, MessageTypeError, readMessage(t, conn).Type)
}

func TestHub_NotifyWithoutRecipients(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.NoError(t, hub.Notify(context.Background(), domain.DuelEvent{DuelID: "duel-1"}))
	assert.Zero(t, hub.TotalConnections())
	assert.Zero(t, hub.ConnectionCount("alice"))
}

func TestServeWs_RequiresCharacter(t *testing.T) {
	_, srv := startHub(t)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
