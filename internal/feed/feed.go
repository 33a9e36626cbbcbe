// Package feed is the price-feed adapter. It polls venue clients under
// per-venue call budgets, normalizes quotes into spreads, caches the latest
// spread per (venue, pair), remembers unsupported pairs in a TTL'd negative
// cache, and serves a last-known-good view to the analyzer.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantfold/arbengine/internal/domain"
)

// Config holds the feed service parameters.
type Config struct {
	Pairs           [][2]string // (asset, fiat)
	RefreshInterval time.Duration
	FreshnessWindow time.Duration
	CallsPerSecond  float64
	CallBurst       int
	VolumeBuckets   int
}

// Service aggregates venue clients behind the SpreadSource contract.
type Service struct {
	cfg      Config
	venues   []domain.VenueClient
	limiters map[string]*rate.Limiter
	negCache domain.PairStatusCache
	cache    domain.SpreadCache // optional cross-process cache
	clock    domain.Clock
	logger   *slog.Logger

	mu       sync.RWMutex
	lastGood map[string]domain.Spread // keyed by venue|asset|fiat
}

// NewService creates a feed Service. negCache is required; cache may be nil
// when no cross-process sharing is configured.
func NewService(cfg Config, venues []domain.VenueClient, negCache domain.PairStatusCache, cache domain.SpreadCache, clock domain.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = domain.ClockFunc(time.Now)
	}
	limiters := make(map[string]*rate.Limiter, len(venues))
	for _, v := range venues {
		limiters[v.Name()] = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), cfg.CallBurst)
	}
	return &Service{
		cfg:      cfg,
		venues:   venues,
		limiters: limiters,
		negCache: negCache,
		cache:    cache,
		clock:    clock,
		logger:   logger.With(slog.String("component", "feed")),
		lastGood: make(map[string]domain.Spread),
	}
}

func spreadKey(venue, asset, fiat string) string {
	return venue + "|" + asset + "|" + fiat
}

// Run refreshes all venue/pair combinations on the configured cadence until
// ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	s.logger.Info("feed started",
		slog.Int("venues", len(s.venues)),
		slog.Int("pairs", len(s.cfg.Pairs)),
	)
	defer s.logger.Info("feed stopped")

	// Prime immediately rather than waiting a full interval.
	s.RefreshAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RefreshAll(ctx)
		}
	}
}

// RefreshAll polls every venue/pair combination once. Budget-exhausted and
// negative-cached pairs are skipped, never blocked on.
func (s *Service) RefreshAll(ctx context.Context) {
	for _, venue := range s.venues {
		limiter := s.limiters[venue.Name()]
		for _, pair := range s.cfg.Pairs {
			asset, fiat := pair[0], pair[1]

			skip, err := s.negCache.IsUnsupported(ctx, venue.Name(), asset, fiat)
			if err != nil {
				s.logger.Warn("negative cache lookup failed",
					slog.String("venue", venue.Name()), slog.String("error", err.Error()))
			} else if skip {
				continue
			}

			// Respect the venue call budget: skip the pair this cycle and
			// keep serving the last-known-good spread.
			if !limiter.Allow() {
				s.logger.Debug("venue budget exhausted, skipping pair",
					slog.String("venue", venue.Name()),
					slog.String("pair", asset+"/"+fiat),
				)
				continue
			}

			if err := s.refreshOne(ctx, venue, asset, fiat); err != nil {
				s.logger.Warn("spread refresh failed",
					slog.String("venue", venue.Name()),
					slog.String("pair", asset+"/"+fiat),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// refreshOne fetches one spread, updating the caches. Unsupported pairs are
// recorded in the negative cache so they are not retried until the entry
// expires; transient failures leave the last-known-good value in place for
// the next cycle.
func (s *Service) refreshOne(ctx context.Context, venue domain.VenueClient, asset, fiat string) error {
	spread, err := venue.BestPrices(ctx, asset, fiat)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedPair) {
			if markErr := s.negCache.MarkUnsupported(ctx, venue.Name(), asset, fiat); markErr != nil {
				s.logger.Warn("negative cache mark failed", slog.String("error", markErr.Error()))
			}
			return nil
		}
		return err
	}

	s.Ingest(ctx, spread)
	return nil
}

// Ingest records a normalized spread. It is the entry point for both the
// polling path and push-based venue streams.
func (s *Service) Ingest(ctx context.Context, spread domain.Spread) {
	if spread.Timestamp.IsZero() {
		spread.Timestamp = s.clock.Now()
	}
	if mid := spread.Mid(); mid > 0 {
		spread.SpreadPct = (spread.BestAsk - spread.BestBid) / mid * 100
	}

	s.mu.Lock()
	s.lastGood[spreadKey(spread.Venue, spread.Asset, spread.Fiat)] = spread
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Set(ctx, spread); err != nil {
			s.logger.Warn("spread cache set failed", slog.String("error", err.Error()))
		}
	}
}

// Latest returns the last-known-good spread per (venue, pair). Entries past
// the freshness window are dropped; the analyzer applies its own staleness
// gate on top.
func (s *Service) Latest(ctx context.Context) ([]domain.Spread, error) {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Spread, 0, len(s.lastGood))
	for _, spread := range s.lastGood {
		if spread.Stale(now, s.cfg.FreshnessWindow) {
			continue
		}
		out = append(out, spread)
	}
	return out, nil
}

// Spread returns the last-known-good spread for one venue/pair, falling back
// to the shared cache when this process has not seen it yet.
func (s *Service) Spread(ctx context.Context, venue, asset, fiat string) (domain.Spread, error) {
	s.mu.RLock()
	spread, ok := s.lastGood[spreadKey(venue, asset, fiat)]
	s.mu.RUnlock()
	if ok {
		return spread, nil
	}
	if s.cache != nil {
		return s.cache.Get(ctx, venue, asset, fiat)
	}
	return domain.Spread{}, domain.ErrNotFound
}

// Quotes returns every venue's last-known-good spread for one pair. Smart
// routing uses this to pick the best all-in price per chunk.
func (s *Service) Quotes(ctx context.Context, asset, fiat string) ([]domain.Spread, error) {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Spread
	for _, spread := range s.lastGood {
		if spread.Asset != asset || spread.Fiat != fiat {
			continue
		}
		if spread.Stale(now, s.cfg.FreshnessWindow) {
			continue
		}
		out = append(out, spread)
	}
	return out, nil
}

// VolumeProfile returns the recent volume-share profile for the pair on the
// given venue, used by VWAP slicing. When the venue cannot supply one, a
// uniform profile is returned so execution can still proceed.
func (s *Service) VolumeProfile(ctx context.Context, venueName, asset, fiat string, buckets int) ([]float64, error) {
	if buckets <= 0 {
		buckets = s.cfg.VolumeBuckets
	}
	if buckets <= 0 {
		return nil, fmt.Errorf("feed: volume profile: bucket count must be positive")
	}

	for _, v := range s.venues {
		if v.Name() != venueName {
			continue
		}
		profile, err := v.VolumeProfile(ctx, asset, fiat, buckets)
		if err == nil && len(profile) == buckets {
			return profile, nil
		}
		if err != nil {
			s.logger.Warn("volume profile unavailable, using uniform",
				slog.String("venue", venueName), slog.String("error", err.Error()))
		}
		break
	}

	uniform := make([]float64, buckets)
	for i := range uniform {
		uniform[i] = 1 / float64(buckets)
	}
	return uniform, nil
}

// Compile-time interface check: the analyzer consumes the Service as its
// spread source.
var _ interface {
	Latest(ctx context.Context) ([]domain.Spread, error)
} = (*Service)(nil)
