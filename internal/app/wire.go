package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/quantfold/arbengine/internal/blob/s3"
	"github.com/quantfold/arbengine/internal/cache/redis"
	"github.com/quantfold/arbengine/internal/config"
	"github.com/quantfold/arbengine/internal/domain"
	"github.com/quantfold/arbengine/internal/store/postgres"
	"github.com/quantfold/arbengine/internal/venue/binance"
	"github.com/quantfold/arbengine/internal/venue/binancep2p"
	"github.com/quantfold/arbengine/internal/venue/paper"
)

// Dependencies bundles the infrastructure the operating modes build on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Venue adapters
	Venues  []domain.VenueClient
	Gateway domain.OrderGateway

	// Caches
	SpreadCache     domain.SpreadCache
	PairStatusCache domain.PairStatusCache

	// Stores (nil in detect-only deployments without Postgres)
	OpportunityStore domain.OpportunityStore
	PlanStore        domain.PlanStore
	PerformanceStore domain.PerformanceStore

	// Blob storage (nil unless S3 is enabled)
	BlobWriter domain.BlobWriter
	Reporter   domain.EventSink

	// Health probes for the readiness endpoint.
	RedisPing    func(ctx context.Context) error
	PostgresPing func(ctx context.Context) error
}

// needsPostgres reports whether the mode persists history.
func needsPostgres(mode string) bool {
	switch mode {
	case "trade", "make", "full":
		return true
	default:
		return false
	}
}

// Wire constructs the concrete dependency implementations from configuration
// and returns them with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Venue adapters ---
	binanceClient := binance.NewClient(binance.ClientConfig{
		BaseURL:   cfg.Venues.Binance.BaseURL,
		APIKey:    cfg.Venues.Binance.APIKey,
		APISecret: cfg.Venues.Binance.APISecret,
	})
	for _, name := range cfg.Feed.Venues {
		switch name {
		case binance.Name:
			deps.Venues = append(deps.Venues, binanceClient)
		case binancep2p.Name:
			deps.Venues = append(deps.Venues, binancep2p.NewClient(binancep2p.ClientConfig{
				BaseURL: cfg.Venues.BinanceP2P.BaseURL,
				Rows:    cfg.Venues.BinanceP2P.Rows,
			}))
		default:
			cleanup()
			return nil, nil, fmt.Errorf("wire: unknown venue %q", name)
		}
	}

	// Execution runs paper unless venue credentials are configured.
	if cfg.Venues.Binance.APIKey != "" && cfg.Venues.Binance.APISecret != "" {
		gateway, err := binance.NewGateway(binanceClient)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: binance gateway: %w", err)
		}
		deps.Gateway = gateway
	} else {
		logger.Info("no venue credentials configured, using paper gateway")
		deps.Gateway = paper.NewGateway(logger)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.SpreadCache = redis.NewSpreadCache(redisClient, 2*cfg.Feed.FreshnessWindow.Duration)
	deps.PairStatusCache = redis.NewPairStatusCache(redisClient, cfg.Feed.NegativeTTL.Duration)
	deps.RedisPing = redisClient.Ping

	// --- PostgreSQL (modes that persist history) ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.OpportunityStore = postgres.NewOpportunityStore(pgClient)
		deps.PlanStore = postgres.NewPlanStore(pgClient)
		deps.PerformanceStore = postgres.NewPerformanceStore(pgClient,
			cfg.Risk.DefaultWinProb, 0.02)
		deps.PostgresPing = pgClient.Pool().Ping
	}

	// --- S3 plan-report archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		writer := s3blob.NewWriter(s3Client)
		deps.BlobWriter = writer
		deps.Reporter = s3blob.NewReporter(writer, logger)
	}

	return deps, cleanup, nil
}

// eventSink fans a terminal plan event out to logging, the performance store,
// and the S3 archive, whichever are wired.
type eventSink struct {
	perf     domain.PerformanceStore
	reporter domain.EventSink
	logger   *slog.Logger
}

func newEventSink(deps *Dependencies, logger *slog.Logger) *eventSink {
	return &eventSink{
		perf:     deps.PerformanceStore,
		reporter: deps.Reporter,
		logger:   logger.With(slog.String("component", "events")),
	}
}

// PlanEvent implements domain.EventSink.
func (s *eventSink) PlanEvent(ctx context.Context, event domain.PlanEvent) {
	s.logger.Info("plan event",
		slog.String("plan_id", event.PlanID),
		slog.String("state", string(event.State)),
		slog.String("reason", string(event.Reason)),
		slog.Float64("filled", event.FilledNotional),
		slog.Float64("released", event.ReleasedNotional),
	)
	if s.perf != nil {
		if err := s.perf.RecordOutcome(ctx, event); err != nil {
			s.logger.Error("record outcome failed",
				slog.String("plan_id", event.PlanID), slog.Any("error", err))
		}
	}
	if s.reporter != nil {
		s.reporter.PlanEvent(ctx, event)
	}
}
