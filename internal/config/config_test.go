package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.RateBurst != 50 || cfg.RatePerSecond != 25 {
		t.Fatalf("unexpected rate defaults: %d/%d", cfg.RateBurst, cfg.RatePerSecond)
	}
	if cfg.FeeBps != 0 {
		t.Fatalf("fee schedule should default off, got %d", cfg.FeeBps)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LEDGER_ADDR", ":9090")
	t.Setenv("LEDGER_FEE_BPS", "150")
	t.Setenv("LEDGER_RATE_BURST", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9090" || cfg.FeeBps != 150 || cfg.RateBurst != 10 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("LEDGER_FEE_BPS", "12000")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for out-of-range fee bps")
	}
}
