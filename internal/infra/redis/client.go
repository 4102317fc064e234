package redis

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/outbound-voice-bridge/internal/config"
)

// Client holds the connection used for campaign slots and session claims.
type Client struct {
	inner *redis.Client
}

// NewClient connects and pings the server.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	c := &Client{inner: redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})}
	if err := c.Ping(ctx); err != nil {
		_ = c.inner.Close()
		return nil, err
	}
	return c, nil
}

// Ping checks the server answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.inner.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *Client) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// Inner exposes the raw redis client.
func (c *Client) Inner() *redis.Client {
	return c.inner
}
