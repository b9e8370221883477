package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duel-arena/internal/config"
	"github.com/duel-arena/internal/domain"
)

// SessionCache keeps the working copy of active duel sessions in Redis
type SessionCache struct {
	client *redis.Client
	grace  time.Duration
	logger *slog.Logger
}

// NewSessionCache connects to Redis and returns a session cache
func NewSessionCache(cfg *config.RedisConfig, logger *slog.Logger) (*SessionCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewSessionCacheWithClient(client, cfg.Grace, logger), nil
}

// NewSessionCacheWithClient wraps an existing client
func NewSessionCacheWithClient(client *redis.Client, grace time.Duration, logger *slog.Logger) *SessionCache {
	return &SessionCache{
		client: client,
		grace:  grace,
		logger: logger,
	}
}

// Close closes the Redis connection
func (c *SessionCache) Close() error {
	return c.client.Close()
}

// Ping checks Redis is reachable
func (c *SessionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// sessionKey returns the Redis key for a duel's session
func (c *SessionCache) sessionKey(duelID string) string {
	return fmt.Sprintf("duel:%s:session", duelID)
}

// PutSession stores a session until shortly after it expires
func (c *SessionCache) PutSession(ctx context.Context, s *domain.DuelSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	ttl := time.Until(s.ExpiresAt) + c.grace
	if ttl < c.grace {
		ttl = c.grace
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := c.client.Set(ctx, c.sessionKey(s.DuelID), data, ttl).Err(); err != nil {
		return fmt.Errorf("caching session: %w", err)
	}
	return nil
}

// GetSession returns a cached session or domain.ErrSessionNotFound
func (c *SessionCache) GetSession(ctx context.Context, duelID string) (*domain.DuelSession, error) {
	data, err := c.client.Get(ctx, c.sessionKey(duelID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("reading cached session: %w", err)
	}
	var s domain.DuelSession
	if err := json.Unmarshal(data, &s); err != nil {
		c.logger.Warn("dropping unreadable cached session", "duel_id", duelID, "error", err)
		c.client.Del(ctx, c.sessionKey(duelID))
		return nil, domain.ErrSessionNotFound
	}
	return &s, nil
}

// DeleteSession evicts a session
func (c *SessionCache) DeleteSession(ctx context.Context, duelID string) error {
	if err := c.client.Del(ctx, c.sessionKey(duelID)).Err(); err != nil {
		return fmt.Errorf("evicting session: %w", err)
	}
	return nil
}
