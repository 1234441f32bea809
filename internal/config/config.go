package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config carries everything the API process needs from the environment.
// LEDGER_PG_DSN is optional: without it the service runs on the in-memory
// engine, which is enough for local development and the smoke flow.
type Config struct {
	Addr          string
	PGDSN         string
	Env           string
	RateBurst     int
	RatePerSecond int
	FeeBps        int64 // 0 disables the fee schedule
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:          getenv("LEDGER_ADDR", ":8080"),
		PGDSN:         os.Getenv("LEDGER_PG_DSN"),
		Env:           getenv("LEDGER_ENV", "development"),
		RateBurst:     50,
		RatePerSecond: 25,
	}

	var err error
	if cfg.RateBurst, err = getint("LEDGER_RATE_BURST", cfg.RateBurst); err != nil {
		return nil, err
	}
	if cfg.RatePerSecond, err = getint("LEDGER_RATE_PER_SECOND", cfg.RatePerSecond); err != nil {
		return nil, err
	}

	if raw := os.Getenv("LEDGER_FEE_BPS"); raw != "" {
		bps, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || bps < 0 || bps > 10000 {
			return nil, fmt.Errorf("LEDGER_FEE_BPS must be an integer between 0 and 10000, got %q", raw)
		}
		cfg.FeeBps = bps
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	return v, nil
}
