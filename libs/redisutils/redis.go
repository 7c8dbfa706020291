// Package redisutils wraps the shared redis connection. Each process holds
// one client for commands and a separate subscriber connection for pub/sub.
package redisutils

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/logging"
)

// Client wraps the go-redis client
type Client struct {
	*redis.Client
}

// NewClient connects to the passed redis url and verifies connectivity
func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	logger := logging.Logger(ctx, "redisutils.NewClient")

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errorutils.Wrap(err, "invalid redis url")
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		logger.Error().Err(err).Msg("failed to ping redis")
		return nil, errorutils.Wrap(err, "redis ping failed")
	}

	return &Client{Client: rdb}, nil
}

// HealthCheck pings redis
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// Publish marshals nothing; callers pass serialized bytes
func (c *Client) PublishRaw(ctx context.Context, channel string, payload []byte) error {
	return c.Client.Publish(ctx, channel, payload).Err()
}

// Subscriber opens a dedicated pub/sub connection for the given patterns
func (c *Client) Subscriber(ctx context.Context, patterns ...string) *redis.PubSub {
	return c.Client.PSubscribe(ctx, patterns...)
}
