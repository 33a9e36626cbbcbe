// Package redis implements the domain cache interfaces on go-redis/v9. All
// engine keys live under a single namespace so a shared Redis can host
// several deployments side by side.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyNamespace prefixes every key the engine writes.
const keyNamespace = "arb"

// Timeouts are sized for the feed tick cadence: a cache read that cannot
// finish well inside one tick is better treated as a miss than waited on.
const (
	dialTimeout  = 3 * time.Second
	opTimeout    = 500 * time.Millisecond
	poolWaitTime = time.Second
)

// ClientConfig holds Redis connection parameters.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client wraps the go-redis driver with the engine's key namespace and
// connectivity helpers. The cache implementations in this package build on it.
type Client struct {
	rdb *redis.Client
}

// New dials Redis and verifies connectivity with a ping before returning.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: addr is required")
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
		PoolTimeout:  poolWaitTime,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: dial %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Key joins parts under the engine namespace: Key("spread", venue, asset,
// fiat) -> "arb:spread:<venue>:<asset>:<fiat>".
func (c *Client) Key(parts ...string) string {
	return keyNamespace + ":" + strings.Join(parts, ":")
}

// Ping reports whether the connection is usable, for the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying exposes the raw driver for callers outside this package.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
