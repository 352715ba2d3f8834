package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "DATABASE_URL", "REDIS_ADDR", "VAT_RATE_PERCENT",
		"CACHE_TTL_SECONDS", "CACHE_MAX_ENTRIES", "SALES_PAGE_SIZE",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("expected address :8080, got %s", cfg.Address())
	}
	if cfg.VATRateBasisPoints != 1200 {
		t.Fatalf("expected 1200 basis points, got %d", cfg.VATRateBasisPoints)
	}
	if cfg.CacheTTLSeconds != 60 || cfg.CacheMaxEntries != 4096 {
		t.Fatalf("unexpected cache defaults: ttl=%d max=%d", cfg.CacheTTLSeconds, cfg.CacheMaxEntries)
	}
	if cfg.SalesPageSize != 50 {
		t.Fatalf("expected page size 50, got %d", cfg.SalesPageSize)
	}
	if cfg.DatabaseURL != "" || cfg.RedisAddr != "" {
		t.Fatalf("expected empty backing-store config by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("VAT_RATE_PERCENT", "10.5")
	t.Setenv("SALES_PAGE_SIZE", "25")
	t.Setenv("CURRENCY_SYMBOL", "$")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.VATRateBasisPoints != 1050 {
		t.Fatalf("expected 1050 basis points, got %d", cfg.VATRateBasisPoints)
	}
	if cfg.SalesPageSize != 25 {
		t.Fatalf("expected page size 25, got %d", cfg.SalesPageSize)
	}
	if cfg.CurrencySymbol != "$" {
		t.Fatalf("expected $ symbol, got %s", cfg.CurrencySymbol)
	}
}

func TestLoadRoundsFractionalVATRate(t *testing.T) {
	t.Setenv("VAT_RATE_PERCENT", "3.3")

	cfg := Load()
	if cfg.VATRateBasisPoints != 330 {
		t.Fatalf("expected 3.3%% to load as 330 basis points, got %d", cfg.VATRateBasisPoints)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	t.Setenv("VAT_RATE_PERCENT", "not-a-number")
	t.Setenv("CACHE_TTL_SECONDS", "-5")
	t.Setenv("SALES_PAGE_SIZE", "0")

	cfg := Load()
	if cfg.VATRateBasisPoints != 1200 {
		t.Fatalf("garbage VAT rate must fall back to 1200, got %d", cfg.VATRateBasisPoints)
	}
	if cfg.CacheTTLSeconds != 60 {
		t.Fatalf("negative TTL must fall back to 60, got %d", cfg.CacheTTLSeconds)
	}
	if cfg.SalesPageSize != 50 {
		t.Fatalf("zero page size must fall back to 50, got %d", cfg.SalesPageSize)
	}
}
