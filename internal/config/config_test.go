package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Mode = "hodl" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
		{"no venues", func(c *Config) { c.Feed.Venues = nil }},
		{"malformed pair", func(c *Config) { c.Feed.Pairs = []string{"USDTVES"} }},
		{"zero freshness window", func(c *Config) { c.Feed.FreshnessWindow = duration{} }},
		{"cycle too short", func(c *Config) { c.Analyzer.MaxCycleLen = 2 }},
		{"kelly out of range", func(c *Config) { c.Risk.KellyMultiplier = 1.5 }},
		{"var confidence out of range", func(c *Config) { c.Risk.VarConfidence = 0.4 }},
		{"unknown strategy", func(c *Config) { c.Execution.Strategy = "pov" }},
		{"zero chunks", func(c *Config) { c.Execution.Chunks = 0 }},
		{"no retries", func(c *Config) { c.Execution.MaxRetries = 0 }},
		{"rebalance below band", func(c *Config) {
			c.Maker.ImbalanceBand = 0.3
			c.Maker.RebalanceThreshold = 0.2
		}},
		{"bad server port", func(c *Config) { c.Server.Port = -1 }},
		{"s3 without bucket", func(c *Config) {
			c.S3.Enabled = true
			c.S3.Bucket = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "trade"
log_level = "debug"

[feed]
venues = ["binance", "binance_p2p"]
pairs = ["ETH/USDT"]
refresh_interval = "500ms"

[execution]
strategy = "vwap"
chunks = 20
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "trade", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"binance", "binance_p2p"}, cfg.Feed.Venues)
	assert.Equal(t, 500*time.Millisecond, cfg.Feed.RefreshInterval.Duration)
	assert.Equal(t, "vwap", cfg.Execution.Strategy)
	assert.Equal(t, 20, cfg.Execution.Chunks)

	// Untouched sections keep their defaults.
	assert.Equal(t, 0.5, cfg.Risk.KellyMultiplier)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("ARBENGINE_MODE", "full")
	t.Setenv("ARBENGINE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("ARBENGINE_BINANCE_API_KEY", "key-from-env")
	t.Setenv("ARBENGINE_RISK_CAPITAL", "25000")
	t.Setenv("ARBENGINE_FEED_PAIRS", "ETH/USDT, BTC/USDT")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "key-from-env", cfg.Venues.Binance.APIKey)
	assert.Equal(t, 25000.0, cfg.Risk.RiskCapital)
	assert.Equal(t, []string{"ETH/USDT", "BTC/USDT"}, cfg.Feed.Pairs)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestPairKeys(t *testing.T) {
	cfg := Defaults()
	cfg.Feed.Pairs = []string{"eth/usdt", "USDT/VES"}

	keys := cfg.PairKeys()
	require.Len(t, keys, 2)
	assert.Equal(t, [2]string{"ETH", "USDT"}, keys[0])
	assert.Equal(t, [2]string{"USDT", "VES"}, keys[1])
}
