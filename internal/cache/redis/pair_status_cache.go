package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfold/arbengine/internal/domain"
)

// PairStatusCache is the TTL'd negative cache for pairs a venue reported as
// unsupported. While an entry lives, the feed skips the pair without spending
// a venue call; expiry re-enables probing in case the venue lists the pair
// later.
type PairStatusCache struct {
	client *Client
	ttl    time.Duration
}

var _ domain.PairStatusCache = (*PairStatusCache)(nil)

// NewPairStatusCache creates a PairStatusCache with the given entry TTL.
func NewPairStatusCache(client *Client, ttl time.Duration) *PairStatusCache {
	return &PairStatusCache{client: client, ttl: ttl}
}

// MarkUnsupported records that the venue does not list the pair.
func (c *PairStatusCache) MarkUnsupported(ctx context.Context, venue, asset, fiat string) error {
	key := c.client.Key("pair", "unsupported", venue, asset, fiat)
	if err := c.client.rdb.Set(ctx, key, "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// IsUnsupported reports whether the pair is currently marked unsupported.
func (c *PairStatusCache) IsUnsupported(ctx context.Context, venue, asset, fiat string) (bool, error) {
	key := c.client.Key("pair", "unsupported", venue, asset, fiat)
	err := c.client.rdb.Get(ctx, key).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return true, nil
}
