package httpserver

import (
	"testing"
	"time"
)

func TestConfigValidateAppliesDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{
		SessionSigningKey: "key",
		WebhookSecret:     "secret",
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		test.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:3000" {
		test.Fatalf("expected default origin, got %v", cfg.AllowedOrigins)
	}
	if cfg.SessionIssuer != "toptake" || cfg.SessionCookieName != "tt_session" {
		test.Fatalf("expected session defaults, got %q/%q", cfg.SessionIssuer, cfg.SessionCookieName)
	}
	if cfg.RequestTimeout != 5*time.Second {
		test.Fatalf("expected default timeout, got %s", cfg.RequestTimeout)
	}
}

func TestConfigValidateRequiresSecrets(test *testing.T) {
	test.Parallel()
	cfg := Config{WebhookSecret: "secret"}
	if err := cfg.Validate(); err == nil {
		test.Fatalf("expected error for missing signing key")
	}
	cfg = Config{SessionSigningKey: "key"}
	if err := cfg.Validate(); err == nil {
		test.Fatalf("expected error for missing webhook secret")
	}
}
