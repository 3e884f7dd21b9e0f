package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"SERVER_PORT", "PORT", "COMMISSION_HOLD_DAYS", "CLICK_ATTRIBUTION_WINDOW_MINUTES", "LEDGER_EVENTS_EXCHANGE", "PAYMENT_TTL_MINUTES"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.LedgerEventsExchange != "vpn.ledger" {
		t.Fatalf("expected default exchange, got %q", cfg.LedgerEventsExchange)
	}
	if cfg.CommissionHoldDays != 14 {
		t.Fatalf("expected default hold of 14 days, got %d", cfg.CommissionHoldDays)
	}
	if cfg.ClickAttributionWindow() != 30*time.Minute {
		t.Fatalf("expected 30 minute click window, got %s", cfg.ClickAttributionWindow())
	}
	if cfg.PaymentTTL() != time.Hour {
		t.Fatalf("expected one hour payment ttl, got %s", cfg.PaymentTTL())
	}
	if cfg.AutoApproveSchedule != "0 3 * * *" {
		t.Fatalf("expected default auto-approve schedule, got %q", cfg.AutoApproveSchedule)
	}
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("COMMISSION_HOLD_DAYS", "-3")
	t.Setenv("CLICK_ATTRIBUTION_WINDOW_MINUTES", "0")
	t.Setenv("WEBHOOK_RATE_LIMIT_PER_MINUTE", "-1")
	t.Setenv("LIFETIME_PLAN_YEARS", "-10")
	t.Setenv("REDIS_RATE_LIMIT_PREFIX", "   ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.CommissionHoldDays != 0 {
		t.Fatalf("expected negative hold coerced to 0, got %d", cfg.CommissionHoldDays)
	}
	if cfg.ClickAttributionWindowMinutes != 30 {
		t.Fatalf("expected click window reset to 30, got %d", cfg.ClickAttributionWindowMinutes)
	}
	if cfg.WebhookRateLimitPerMinute != 0 {
		t.Fatalf("expected limiter disabled, got %d", cfg.WebhookRateLimitPerMinute)
	}
	if cfg.LifetimePlanYears != 100 {
		t.Fatalf("expected lifetime horizon reset to 100, got %d", cfg.LifetimePlanYears)
	}
	if cfg.RedisRateLimitPrefix != "ledger:rate_limit" {
		t.Fatalf("expected default prefix, got %q", cfg.RedisRateLimitPrefix)
	}
}

func TestLoadConfig_PortAndKeyAliases(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	t.Setenv("PORT", "9090")
	t.Setenv("LEDGER_INTERNAL_API_KEY", " alias-key ")
	t.Setenv("LEDGER_SERVICE_URL", "http://ledger:8080/")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT to override, got %q", cfg.ServerPort)
	}
	if cfg.InternalAPIKey != "alias-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
	if cfg.LedgerServiceURL != "http://ledger:8080" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.LedgerServiceURL)
	}
}

func TestLoadConfig_ReadsDotEnvFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "IP_HASH_SALT")
	unsetEnvWithCleanup(t, "AUTO_MIGRATE")
	dir := t.TempDir()
	content := "IP_HASH_SALT=from-file\nAUTO_MIGRATE=true\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.IPHashSalt != "from-file" || !cfg.AutoMigrate {
		t.Fatalf("expected values from .env, got salt=%q migrate=%t", cfg.IPHashSalt, cfg.AutoMigrate)
	}
}

func TestConfig_CORSOrigins(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{raw: "", want: []string{"*"}},
		{raw: "https://admin.example.com, ,https://ops.example.com", want: []string{"https://admin.example.com", "https://ops.example.com"}},
	}
	for _, tt := range tests {
		got := Config{CORSAllowedOrigins: tt.raw}.CORSOrigins()
		if len(got) != len(tt.want) {
			t.Fatalf("expected %v, got %v", tt.want, got)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		}
	}
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
