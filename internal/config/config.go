// Package config defines the top-level configuration for the arbitrage
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// duration wraps time.Duration so values can be written as "5s" / "250ms" in
// the TOML file.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ARBENGINE_* environment
// variables.
type Config struct {
	Feed      FeedConfig      `toml:"feed"`
	Analyzer  AnalyzerConfig  `toml:"analyzer"`
	Risk      RiskConfig      `toml:"risk"`
	Maker     MakerConfig     `toml:"maker"`
	Execution ExecutionConfig `toml:"execution"`
	Inventory InventoryConfig `toml:"inventory"`
	Venues    VenuesConfig    `toml:"venues"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// FeedConfig holds price-feed adapter parameters.
type FeedConfig struct {
	Venues          []string `toml:"venues"`
	Pairs           []string `toml:"pairs"` // "ASSET/FIAT"
	RefreshInterval duration `toml:"refresh_interval"`
	FreshnessWindow duration `toml:"freshness_window"`
	CallsPerSecond  float64  `toml:"calls_per_second"` // per-venue budget
	CallBurst       int      `toml:"call_burst"`
	NegativeTTL     duration `toml:"negative_ttl"` // unsupported-pair cache TTL
	VolumeBuckets   int      `toml:"volume_buckets"`
}

// AnalyzerConfig holds opportunity-detection parameters.
type AnalyzerConfig struct {
	TickInterval         duration `toml:"tick_interval"`
	MinMarginPct         float64  `toml:"min_margin_pct"`
	FeeOverheadPct       float64  `toml:"fee_overhead_pct"`
	MaxCycleLen          int      `toml:"max_cycle_len"`
	BaseCurrencies       []string `toml:"base_currencies"`
	MinLiquidityScore    float64  `toml:"min_liquidity_score"`
	MinLegDepth          float64  `toml:"min_leg_depth"`
	MaxNotionalPerTrade  float64  `toml:"max_notional_per_trade"`
	LiquidityVolumeWeight  float64 `toml:"liquidity_volume_weight"`
	LiquiditySpreadWeight  float64 `toml:"liquidity_spread_weight"`
	LiquidityBalanceWeight float64 `toml:"liquidity_balance_weight"`
	VenueFeePct            map[string]float64 `toml:"venue_fee_pct"`
	P2PVenues              []string           `toml:"p2p_venues"`
}

// RiskConfig holds sizing and gating parameters for the risk engine.
type RiskConfig struct {
	RiskCapital       float64 `toml:"risk_capital"`
	KellyMultiplier   float64 `toml:"kelly_multiplier"`
	GlobalRiskCap     float64 `toml:"global_risk_cap"`
	VarConfidence     float64 `toml:"var_confidence"`
	LossTolerancePct  float64 `toml:"loss_tolerance_pct"`
	DefaultWinProb    float64 `toml:"default_win_prob"`
	InventoryBandPct  float64 `toml:"inventory_band_pct"`
	MinNotional       float64 `toml:"min_notional"`
}

// MakerConfig holds market-making parameters.
type MakerConfig struct {
	RefreshInterval    duration `toml:"refresh_interval"`
	HalfSpreadPct      float64  `toml:"half_spread_pct"`
	SkewGain           float64  `toml:"skew_gain"`
	VolWidenGain       float64  `toml:"vol_widen_gain"`
	QuoteSize          float64  `toml:"quote_size"`
	TargetRatio        float64  `toml:"target_ratio"`
	ImbalanceBand      float64  `toml:"imbalance_band"`
	RebalanceThreshold float64  `toml:"rebalance_threshold"`
	CancelRetries      int      `toml:"cancel_retries"`
	CancelBackoff      duration `toml:"cancel_backoff"`
	OffPeakStartHour   int      `toml:"off_peak_start_hour"`
	OffPeakEndHour     int      `toml:"off_peak_end_hour"`
	OffPeakWidenPct    float64  `toml:"off_peak_widen_pct"`
}

// ExecutionConfig holds scheduler parameters.
type ExecutionConfig struct {
	Strategy        string   `toml:"strategy"` // twap|vwap|iceberg|smart
	Chunks          int      `toml:"chunks"`
	Duration        duration `toml:"duration"`
	VisibleSlice    float64  `toml:"visible_slice"` // iceberg visible notional
	RefreshInterval duration `toml:"refresh_interval"`
	MaxRetries      int      `toml:"max_retries"`
	RetryBackoff    duration `toml:"retry_backoff"`
	GatewayTimeout  duration `toml:"gateway_timeout"`
	FreshnessWindow duration `toml:"freshness_window"`
}

// VenuesConfig holds per-venue connection parameters.
type VenuesConfig struct {
	Binance    BinanceConfig    `toml:"binance"`
	BinanceP2P BinanceP2PConfig `toml:"binance_p2p"`
}

// BinanceConfig holds Binance spot REST and stream parameters. Empty API
// credentials put execution in paper mode.
type BinanceConfig struct {
	BaseURL   string `toml:"base_url"`
	WSURL     string `toml:"ws_url"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
}

// BinanceP2PConfig holds P2P advert board parameters.
type BinanceP2PConfig struct {
	BaseURL string `toml:"base_url"`
	Rows    int    `toml:"rows"`
}

// InventoryConfig seeds the ledger with starting balances.
type InventoryConfig struct {
	Balances map[string]float64 `toml:"balances"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for plan reports.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// Defaults returns a Config populated with sensible development defaults.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			Venues:          []string{"binance"},
			Pairs:           []string{"USDT/VES", "USDT/COP"},
			RefreshInterval: duration{2 * time.Second},
			FreshnessWindow: duration{5 * time.Second},
			CallsPerSecond:  5,
			CallBurst:       10,
			NegativeTTL:     duration{time.Hour},
			VolumeBuckets:   12,
		},
		Analyzer: AnalyzerConfig{
			TickInterval:        duration{time.Second},
			MinMarginPct:        0.5,
			FeeOverheadPct:      0.35,
			MaxCycleLen:         4,
			BaseCurrencies:      []string{"USDT"},
			MinLiquidityScore:   0.3,
			MinLegDepth:         50,
			MaxNotionalPerTrade: 5_000,
			LiquidityVolumeWeight:  0.5,
			LiquiditySpreadWeight:  0.3,
			LiquidityBalanceWeight: 0.2,
			VenueFeePct: map[string]float64{
				"binance": 0.1,
			},
			P2PVenues: []string{},
		},
		Risk: RiskConfig{
			RiskCapital:      10_000,
			KellyMultiplier:  0.5,
			GlobalRiskCap:    2_000,
			VarConfidence:    0.95,
			LossTolerancePct: 0.02,
			DefaultWinProb:   0.55,
			InventoryBandPct: 0.35,
			MinNotional:      10,
		},
		Maker: MakerConfig{
			RefreshInterval:    duration{5 * time.Second},
			HalfSpreadPct:      0.4,
			SkewGain:           0.5,
			VolWidenGain:       0.25,
			QuoteSize:          100,
			TargetRatio:        0.5,
			ImbalanceBand:      0.15,
			RebalanceThreshold: 0.30,
			CancelRetries:      3,
			CancelBackoff:      duration{250 * time.Millisecond},
			OffPeakStartHour:   22,
			OffPeakEndHour:     6,
			OffPeakWidenPct:    0.15,
		},
		Execution: ExecutionConfig{
			Strategy:        "twap",
			Chunks:          10,
			Duration:        duration{100 * time.Second},
			VisibleSlice:    100,
			RefreshInterval: duration{5 * time.Second},
			MaxRetries:      3,
			RetryBackoff:    duration{500 * time.Millisecond},
			GatewayTimeout:  duration{5 * time.Second},
			FreshnessWindow: duration{5 * time.Second},
		},
		Inventory: InventoryConfig{
			Balances: map[string]float64{},
		},
		Venues: VenuesConfig{
			Binance: BinanceConfig{
				BaseURL: "https://api.binance.com",
				WSURL:   "wss://stream.binance.com:9443/ws",
			},
			BinanceP2P: BinanceP2PConfig{
				BaseURL: "https://p2p.binance.com",
				Rows:    5,
			},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arbengine",
			User:          "arbengine",
			SSLMode:       "disable",
			PoolMaxConns:  8,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   16,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled: false,
			Region:  "us-east-1",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Mode:     "detect",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"detect": true,
	"trade":  true,
	"make":   true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStrategies = map[string]bool{
	"twap":    true,
	"vwap":    true,
	"iceberg": true,
	"smart":   true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: detect, trade, make, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if len(c.Feed.Venues) == 0 {
		errs = append(errs, "feed: at least one venue must be configured")
	}
	if len(c.Feed.Pairs) == 0 {
		errs = append(errs, "feed: at least one pair must be configured")
	}
	for _, p := range c.Feed.Pairs {
		if !strings.Contains(p, "/") {
			errs = append(errs, fmt.Sprintf("feed: pair %q must be ASSET/FIAT", p))
		}
	}
	if c.Feed.FreshnessWindow.Duration <= 0 {
		errs = append(errs, "feed: freshness_window must be positive")
	}
	if c.Feed.CallsPerSecond <= 0 {
		errs = append(errs, "feed: calls_per_second must be positive")
	}

	if c.Analyzer.MaxCycleLen < 3 {
		errs = append(errs, "analyzer: max_cycle_len must be at least 3 for triangular routes")
	}
	if c.Analyzer.MinLiquidityScore < 0 || c.Analyzer.MinLiquidityScore > 1 {
		errs = append(errs, "analyzer: min_liquidity_score must be in [0,1]")
	}
	if w := c.Analyzer.LiquidityVolumeWeight + c.Analyzer.LiquiditySpreadWeight + c.Analyzer.LiquidityBalanceWeight; w <= 0 {
		errs = append(errs, "analyzer: liquidity weights must sum to a positive value")
	}
	if c.Analyzer.MaxNotionalPerTrade <= 0 {
		errs = append(errs, "analyzer: max_notional_per_trade must be positive")
	}

	if c.Risk.KellyMultiplier <= 0 || c.Risk.KellyMultiplier > 1 {
		errs = append(errs, "risk: kelly_multiplier must be in (0,1]")
	}
	if c.Risk.VarConfidence <= 0.5 || c.Risk.VarConfidence >= 1 {
		errs = append(errs, "risk: var_confidence must be in (0.5,1)")
	}
	if c.Risk.RiskCapital <= 0 {
		errs = append(errs, "risk: risk_capital must be positive")
	}

	if !validStrategies[strings.ToLower(c.Execution.Strategy)] {
		errs = append(errs, fmt.Sprintf("execution: unknown strategy %q (valid: twap, vwap, iceberg, smart)", c.Execution.Strategy))
	}
	if c.Execution.Chunks <= 0 {
		errs = append(errs, "execution: chunks must be positive")
	}
	if c.Execution.MaxRetries < 1 {
		errs = append(errs, "execution: max_retries must be at least 1")
	}
	if c.Execution.GatewayTimeout.Duration <= 0 {
		errs = append(errs, "execution: gateway_timeout must be positive")
	}

	if c.Maker.CancelRetries < 1 {
		errs = append(errs, "maker: cancel_retries must be at least 1")
	}
	if c.Maker.CancelBackoff.Duration < 0 {
		errs = append(errs, "maker: cancel_backoff must not be negative")
	}
	if c.Maker.ImbalanceBand <= 0 || c.Maker.ImbalanceBand >= 0.5 {
		errs = append(errs, "maker: imbalance_band must be in (0,0.5)")
	}
	if c.Maker.RebalanceThreshold <= c.Maker.ImbalanceBand {
		errs = append(errs, "maker: rebalance_threshold must exceed imbalance_band")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: invalid port %d", c.Server.Port))
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region is required when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// PairKeys parses the configured "ASSET/FIAT" pair strings. Invalid entries
// are assumed to have been rejected by Validate.
func (c *Config) PairKeys() [][2]string {
	out := make([][2]string, 0, len(c.Feed.Pairs))
	for _, p := range c.Feed.Pairs {
		parts := strings.SplitN(p, "/", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, [2]string{strings.ToUpper(parts[0]), strings.ToUpper(parts[1])})
	}
	return out
}
