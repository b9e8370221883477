package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duel-arena/internal/config"
	"github.com/duel-arena/internal/domain"
)

type submitCall struct {
	duelID      string
	characterID string
	action      domain.Action
}

// fakeHandler fails with errs in order, then succeeds
type fakeHandler struct {
	mu    sync.Mutex
	errs  []error
	calls []submitCall
}

func (f *fakeHandler) SubmitAction(ctx context.Context, duelID, characterID string, action domain.Action) (*domain.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, submitCall{duelID, characterID, action})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &domain.ActionResult{DuelID: duelID, Track: domain.PlayerTrack{CharacterID: characterID}}, nil
}

func (f *fakeHandler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestConsumer(handler ActionHandler) *Consumer {
	cfg := &config.KafkaConfig{
		ActionTopic:   "duel-actions",
		ActionTimeout: time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}
	return newConsumer(cfg, handler, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandleMessage_AppliesAction(t *testing.T) {
	handler := &fakeHandler{}
	c := newTestConsumer(handler)

	c.HandleMessage(context.Background(), []byte(`{
		"duel_id": "duel-7",
		"character_id": "alice",
		"action": {"type": "draw", "payload": {"times": 1}}
	}`))

	require.Len(t, handler.calls, 1)
	call := handler.calls[0]
	assert.Equal(t, "duel-7", call.duelID)
	assert.Equal(t, "alice", call.characterID)
	assert.Equal(t, "draw", call.action.Type)
	assert.JSONEq(t, `{"times": 1}`, string(call.action.Payload))
}

func TestHandleMessage_DropsBadMessages(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"malformed", `{"duel_id": `},
		{"missing duel", `{"character_id": "alice", "action": {"type": "draw"}}`},
		{"missing character", `{"duel_id": "duel-7", "action": {"type": "draw"}}`},
		{"missing action", `{"duel_id": "duel-7", "character_id": "alice"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &fakeHandler{}
			newTestConsumer(handler).HandleMessage(context.Background(), []byte(tt.value))
			assert.Zero(t, handler.callCount())
		})
	}
}

func TestHandleMessage_Retries(t *testing.T) {
	msg := []byte(`{"duel_id": "duel-7", "character_id": "alice", "action": {"type": "stand"}}`)

	tests := []struct {
		name  string
		errs  []error
		calls int
	}{
		{"state changed then ok", []error{domain.ErrStateChanged}, 2},
		{"transient failures", []error{errors.New("redis: connection refused"), domain.ErrStateChanged}, 3},
		{"gives up after limit", []error{domain.ErrStateChanged, domain.ErrStateChanged, domain.ErrStateChanged, domain.ErrStateChanged}, 3},
		{"rejected action", []error{fmt.Errorf("%w: unknown action", domain.ErrInvalidAction)}, 1},
		{"resolved track", []error{domain.ErrAlreadyResolved}, 1},
		{"not a participant", []error{domain.ErrNotAParticipant}, 1},
		{"expired session", []error{domain.ErrSessionExpired}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &fakeHandler{errs: tt.errs}
			newTestConsumer(handler).HandleMessage(context.Background(), msg)
			assert.Equal(t, tt.calls, handler.callCount())
		})
	}
}

func TestHandleMessage_StopsRetryingWhenCancelled(t *testing.T) {
	handler := &fakeHandler{errs: []error{domain.ErrStateChanged, domain.ErrStateChanged}}
	c := newTestConsumer(handler)
	c.config.RetryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.HandleMessage(ctx, []byte(`{"duel_id": "duel-7", "character_id": "alice", "action": {"type": "stand"}}`))

	assert.Equal(t, 1, handler.callCount())
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(domain.ErrStateChanged))
	assert.True(t, retryable(errors.New("boom")))
	assert.False(t, retryable(domain.ErrInvalidAction))
	assert.False(t, retryable(domain.ErrChallengeNotFound))
	assert.False(t, retryable(&domain.InsufficientFundsError{CharacterID: "bob", Required: 10}))
}

// fakeConsumerGroup fails the first failures Consume calls, then runs a session
// until the context ends.
type fakeConsumerGroup struct {
	mu       sync.Mutex
	failures int
	calls    int
	errs     chan error
}

func newFakeConsumerGroup(failures int) *fakeConsumerGroup {
	return &fakeConsumerGroup{failures: failures, errs: make(chan error)}
}

func (f *fakeConsumerGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()

	if fail {
		return errors.New("kafka server: Request was for a topic or partition that does not exist on this broker")
	}
	if err := handler.Setup(nil); err != nil {
		return err
	}
	<-ctx.Done()
	return handler.Cleanup(nil)
}

func (f *fakeConsumerGroup) consumeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeConsumerGroup) Errors() <-chan error { return f.errs }
func (f *fakeConsumerGroup) Close() error { return nil }
func (f *fakeConsumerGroup) Pause(map[string][]int32) {}
func (f *fakeConsumerGroup) Resume(map[string][]int32) {}
func (f *fakeConsumerGroup) PauseAll() {}
func (f *fakeConsumerGroup) ResumeAll() {}

// startAsync runs c.Start and reports when it returns.
func startAsync(t *testing.T, c *Consumer) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Start() }()
	return done
}

func TestConsumerStart_ReadyAfterFailedConsume(t *testing.T) {
	group := newFakeConsumerGroup(1)
	c := newTestConsumer(&fakeHandler{})
	c.consumerGroup = group
	c.readyTimeout = time.Minute

	done := startAsync(t, c)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Start still blocked after %d Consume calls", group.consumeCalls())
	}
	assert.Equal(t, 2, group.consumeCalls())
	require.NoError(t, c.Stop())
}

func TestConsumerStart_ReturnsAfterReadyTimeout(t *testing.T) {
	group := newFakeConsumerGroup(1 << 30)
	c := newTestConsumer(&fakeHandler{})
	c.consumerGroup = group
	c.readyTimeout = 50 * time.Millisecond

	done := startAsync(t, c)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after the ready timeout")
	}
	assert.Eventually(t, func() bool { return group.consumeCalls() > 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())
}

func TestConsumerStart_ReturnsWhenStopped(t *testing.T) {
	c := newTestConsumer(&fakeHandler{})
	group := newFakeConsumerGroup(1 << 30)
	c.consumerGroup = group
	c.readyTimeout = time.Hour
	c.config.RetryDelay = time.Hour

	done := startAsync(t, c)
	require.Eventually(t, func() bool { return group.consumeCalls() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
