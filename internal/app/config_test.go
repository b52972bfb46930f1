package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/security"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, "blazeguard.yaml", `
database:
  path: /var/lib/blazeguard/db.sqlite
logging:
  level: debug
  format: console
api:
  enabled: true
  jwt_secret: secret:api.jwt
  token_ttl: 2h
ratelimit:
  max_alerts_per_hour: 20
  per_issuer:
    php_log: 5
notifications:
  max_retries: 5
  backoff:
    initial: 30s
  channels:
    webhook:
      filter: 'severity in ["high", "critical"]'
  webhook:
    url: https://hooks.example.com/blazeguard
  rate_limits:
    webhook:
      max_per_window: 3
      window: 1m
      enabled: true
schedule:
  scan: "*/10 * * * *"
issuers:
  uploads:
    directories: [/srv/www/wp-content/uploads]
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "/var/lib/blazeguard/db.sqlite" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.API.TokenTTL != 2*time.Hour || cfg.API.Address != ":8080" {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.RateLimit.MaxAlertsPerHour != 20 || cfg.RateLimit.PerIssuer["php_log"] != 5 {
		t.Errorf("ratelimit = %+v", cfg.RateLimit)
	}
	if cfg.Notifications.MaxRetries != 5 || cfg.Notifications.Backoff.Initial != 30*time.Second {
		t.Errorf("notifications queue = %+v", cfg.Notifications.Config)
	}
	if cfg.Notifications.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want default 50", cfg.Notifications.BatchSize)
	}
	if cfg.Notifications.Webhook == nil || cfg.Notifications.Slack != nil {
		t.Errorf("channels = webhook:%v slack:%v", cfg.Notifications.Webhook, cfg.Notifications.Slack)
	}
	if rl := cfg.Notifications.RateLimits["webhook"]; rl.MaxPerWindow != 3 || !rl.Enabled {
		t.Errorf("webhook rate limit = %+v", rl)
	}
	if cfg.Schedule.Scan != "*/10 * * * *" || cfg.Schedule.Deliver != "@every 1m" {
		t.Errorf("schedule = %+v", cfg.Schedule)
	}
	if dirs, ok := cfg.Issuers["uploads"]["directories"].([]any); !ok || len(dirs) != 1 {
		t.Errorf("issuer options = %#v", cfg.Issuers["uploads"])
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadConfig(writeFile(t, "bad.yaml", "api: [")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := LoadConfig(writeFile(t, "nosecret.yaml", "api:\n  enabled: true\n")); err == nil {
		t.Error("expected validation error without jwt_secret")
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.API.JWTSecret = "0123456789abcdef0123456789abcdef"
		return cfg
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }},
		{"empty sqlite path", func(c *Config) { c.Database.Path = "" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"api without secret", func(c *Config) { c.API.JWTSecret = "" }},
		{"tls without cert", func(c *Config) { c.API.TLS.Enabled = true; c.API.TLS.KeyFile = "k.pem" }},
		{"negative rate", func(c *Config) { c.RateLimit.MaxAlertsPerHour = -1 }},
		{"negative per issuer", func(c *Config) { c.RateLimit.PerIssuer = map[string]int{"x": -2} }},
		{"bad cron", func(c *Config) { c.Schedule.Retention = "every tuesday" }},
		{"negative retention", func(c *Config) { c.Retention.AuditDays = -1 }},
		{"archive without addresses", func(c *Config) { c.Archive.Enabled = true }},
		{"nats without url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	cfg := valid()
	cfg.API.Enabled = false
	cfg.API.JWTSecret = ""
	cfg.Database.Driver = "memory"
	cfg.Database.Path = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("memory driver without API: %v", err)
	}
}

type mapStore map[string]string

func (m mapStore) Get(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", security.ErrSecretNotFound
	}
	return v, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.JWTSecret = "secret:api.jwt"
	cfg.NATS.Token = "plain-token"
	cfg.Notifications.Webhook = nil
	cfg.Notifications.Slack = nil

	store := mapStore{"api.jwt": "resolved-jwt-secret"}
	if err := cfg.ResolveSecrets(context.Background(), store); err != nil {
		t.Fatalf("ResolveSecrets() error = %v", err)
	}
	if cfg.API.JWTSecret != "resolved-jwt-secret" {
		t.Errorf("JWTSecret = %q", cfg.API.JWTSecret)
	}
	if cfg.NATS.Token != "plain-token" {
		t.Errorf("NATS.Token = %q, plain values must pass through", cfg.NATS.Token)
	}

	cfg.Archive.Password = "secret:clickhouse"
	err := cfg.ResolveSecrets(context.Background(), store)
	if !errors.Is(err, security.ErrSecretNotFound) {
		t.Errorf("missing secret error = %v", err)
	}
}
