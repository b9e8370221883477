package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/duel-arena/internal/config"
	"github.com/duel-arena/internal/domain"
)

// ActionHandler applies player actions to duels
type ActionHandler interface {
	SubmitAction(ctx context.Context, duelID, characterID string, action domain.Action) (*domain.ActionResult, error)
}

// Consumer consumes player actions from Kafka. Producers key messages by duel
// ID so one partition carries all actions of a duel in order.
type Consumer struct {
	config        *config.KafkaConfig
	handler       ActionHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	readyTimeout  time.Duration
}

// defaultReadyTimeout bounds how long Start waits for the first group session.
const defaultReadyTimeout = 30 * time.Second

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler ActionHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	c := newConsumer(cfg, handler, logger)
	c.consumerGroup = consumerGroup
	return c, nil
}

func newConsumer(cfg *config.KafkaConfig, handler ActionHandler, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:       cfg,
		handler:      handler,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		readyTimeout: defaultReadyTimeout,
	}
}

// Start begins consuming messages from Kafka. It waits until the first group
// session is set up, the consumer is stopped, or the ready timeout passes; in
// the last case consumption keeps retrying in the background.
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.ActionTopic,
		"group_id", c.config.GroupID,
	)

	ready := make(chan struct{})
	var readyOnce sync.Once
	handler := &consumerGroupHandler{
		consumer: c,
		markReady: func() {
			readyOnce.Do(func() { close(ready) })
		},
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			err := c.consumerGroup.Consume(c.ctx, []string{c.config.ActionTopic}, handler)
			if errors.Is(err, sarama.ErrClosedConsumerGroup) || c.ctx.Err() != nil {
				return
			}
			if err != nil {
				c.logger.Error("error from consumer", "error", err)
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(c.config.RetryDelay):
				}
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	select {
	case <-ready:
		c.logger.Info("Kafka consumer ready")
	case <-c.ctx.Done():
	case <-time.After(c.readyTimeout):
		c.logger.Warn("Kafka consumer not ready yet, continuing in background",
			"timeout", c.readyTimeout,
		)
	}
	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// HandleMessage decodes one action message and applies it. Malformed messages
// and rejected actions are logged and dropped; transient failures are retried.
func (c *Consumer) HandleMessage(ctx context.Context, value []byte) {
	var msg ActionMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		c.logger.Warn("failed to unmarshal action message", "error", err)
		return
	}
	if msg.DuelID == "" || msg.CharacterID == "" || msg.Action.Type == "" {
		c.logger.Warn("invalid action message",
			"duel_id", msg.DuelID,
			"character_id", msg.CharacterID,
			"action", msg.Action.Type,
		)
		return
	}

	attempts := max(c.config.RetryAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.apply(ctx, msg)
		if err == nil {
			return
		}
		if !retryable(err) || attempt == attempts {
			c.logger.Warn("action rejected",
				"duel_id", msg.DuelID,
				"character_id", msg.CharacterID,
				"action", msg.Action.Type,
				"code", domain.ErrorCode(err),
				"attempt", attempt,
				"error", err,
			)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.RetryDelay):
		}
	}
}

func (c *Consumer) apply(ctx context.Context, msg ActionMessage) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ActionTimeout)
	defer cancel()

	res, err := c.handler.SubmitAction(ctx, msg.DuelID, msg.CharacterID, msg.Action)
	if err != nil {
		return err
	}
	c.logger.Debug("action applied",
		"duel_id", msg.DuelID,
		"character_id", msg.CharacterID,
		"resolved", res.Track.Resolved,
		"completed", res.Completed,
	)
	return nil
}

// retryable reports whether an action failed for reasons unrelated to the action itself
func retryable(err error) bool {
	switch domain.ErrorCode(err) {
	case "INTERNAL", "STATE_CHANGED":
		return true
	}
	return false
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer  *Consumer
	markReady func()
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.markReady()
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages one at a time so actions of a duel keep their order
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil

		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.consumer.HandleMessage(session.Context(), message.Value)
			session.MarkMessage(message, "")
		}
	}
}

// ActionMessage is the JSON value of an action-topic message
type ActionMessage = domain.ActionSubmission
