package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Venues.Binance.APIKey)
	redact(&out.Venues.Binance.APISecret)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}
	if cfg.Feed.Venues != nil {
		out.Feed.Venues = make([]string, len(cfg.Feed.Venues))
		copy(out.Feed.Venues, cfg.Feed.Venues)
	}
	if cfg.Feed.Pairs != nil {
		out.Feed.Pairs = make([]string, len(cfg.Feed.Pairs))
		copy(out.Feed.Pairs, cfg.Feed.Pairs)
	}
	if cfg.Inventory.Balances != nil {
		out.Inventory.Balances = make(map[string]float64, len(cfg.Inventory.Balances))
		for k, v := range cfg.Inventory.Balances {
			out.Inventory.Balances[k] = v
		}
	}

	return out
}

// redact overwrites a secret with the placeholder unless it is already empty.
func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
