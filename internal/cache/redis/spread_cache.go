package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfold/arbengine/internal/domain"
)

// SpreadCache shares the latest spread per (venue, pair) across processes.
// Entries carry a TTL slightly past the freshness window so readers never see
// a spread the analyzer would already reject, modulo its own staleness gate.
type SpreadCache struct {
	client *Client
	ttl    time.Duration
}

var _ domain.SpreadCache = (*SpreadCache)(nil)

// NewSpreadCache creates a SpreadCache with the given entry TTL.
func NewSpreadCache(client *Client, ttl time.Duration) *SpreadCache {
	return &SpreadCache{client: client, ttl: ttl}
}

// Set stores the spread under its venue/pair key.
func (c *SpreadCache) Set(ctx context.Context, spread domain.Spread) error {
	data, err := json.Marshal(spread)
	if err != nil {
		return fmt.Errorf("redis: marshal spread: %w", err)
	}
	key := c.client.Key("spread", spread.Venue, spread.Asset, spread.Fiat)
	if err := c.client.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// Get returns the cached spread or domain.ErrNotFound when the key is absent
// or expired.
func (c *SpreadCache) Get(ctx context.Context, venue, asset, fiat string) (domain.Spread, error) {
	key := c.client.Key("spread", venue, asset, fiat)
	data, err := c.client.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Spread{}, fmt.Errorf("redis: %s: %w", key, domain.ErrNotFound)
		}
		return domain.Spread{}, fmt.Errorf("redis: get %s: %w", key, err)
	}

	var spread domain.Spread
	if err := json.Unmarshal(data, &spread); err != nil {
		return domain.Spread{}, fmt.Errorf("redis: unmarshal %s: %w", key, err)
	}
	return spread, nil
}
