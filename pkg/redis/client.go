package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/axekz/coinyx/pkg/events"
	"github.com/axekz/coinyx/pkg/retry"
	"github.com/axekz/coinyx/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Default stream configuration
const (
	DefaultStreamMaxLen = 10000 // Default max entries per stream
)

var _ events.Publisher = (*Client)(nil)

// Client publishes economy events to Redis: a Pub/Sub message for live listeners and a stream
// entry for consumers that need history.
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	prefix       string
	streamMaxLen int64 // Max entries per stream (0 = unlimited)
}

// NewClient creates a new Redis client using environment variables for configuration.
// Environment variables:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: "0")
//   - REDIS_STREAM_MAXLEN: Max entries per stream (default: 10000, 0 = unlimited)
//
// prefix namespaces the channels and the stream, e.g. "coinyx.economy".
func NewClient(ctx context.Context, logger *zap.Logger, prefix string) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := utils.EnvInt("REDIS_DB", 0)
	streamMaxLen := utils.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen)

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 5
	err := retry.WithBackoff(ctx, cfg, logger, "redis_connection", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", db),
		zap.String("prefix", prefix),
		zap.Int64("streamMaxLen", streamMaxLen))

	return &Client{
		client:       rdb,
		logger:       logger,
		prefix:       prefix,
		streamMaxLen: streamMaxLen,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Channel is the Pub/Sub channel for an event type, e.g. "coinyx.economy:claim.expired".
func (c *Client) Channel(t events.Type) string {
	return c.prefix + ":" + string(t)
}

// Stream is the single stream every event is appended to.
func (c *Client) Stream() string {
	return c.prefix + ":stream"
}

// Publish sends e to its Pub/Sub channel and appends it to the stream in one pipeline.
func (c *Client) Publish(ctx context.Context, e events.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: c.Stream(),
		Values: StreamValues(e, body),
	}
	// Apply MAXLEN if configured (approximate for performance)
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}

	_, err = c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, c.Channel(e.Type), body)
		p.XAdd(ctx, args)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", e.Type, err)
	}
	return nil
}

// StreamValues is the field set of a stream entry.
func StreamValues(e events.Event, body []byte) map[string]interface{} {
	return map[string]interface{}{
		"id":   e.ID.String(),
		"type": string(e.Type),
		"at":   e.At.UnixMilli(),
		"data": string(body),
	}
}
