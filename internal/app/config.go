package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/blazeguard/internal/notification"
	"github.com/good-yellow-bee/blazeguard/internal/notifier"
	"github.com/good-yellow-bee/blazeguard/internal/pipeline"
	"github.com/good-yellow-bee/blazeguard/internal/ratelimit"
	"github.com/good-yellow-bee/blazeguard/internal/reputation"
	"github.com/good-yellow-bee/blazeguard/internal/retention"
	"github.com/good-yellow-bee/blazeguard/internal/scheduler"
	"github.com/good-yellow-bee/blazeguard/internal/security"
)

// Config represents the blazeguard configuration file.
type Config struct {
	Database      DatabaseConfig            `yaml:"database"`
	Logging       LoggingConfig             `yaml:"logging"`
	API           APIConfig                 `yaml:"api"`
	Metrics       MetricsConfig             `yaml:"metrics"`
	RateLimit     ratelimit.Config          `yaml:"ratelimit"`
	Pipeline      pipeline.Config           `yaml:"pipeline"`
	Notifications NotificationsConfig       `yaml:"notifications"`
	Suppression   SuppressionConfig         `yaml:"suppression"`
	Domains       reputation.Config         `yaml:"domains"`
	Schedule      scheduler.Config          `yaml:"schedule"`
	Retention     retention.Config          `yaml:"retention"`
	Issuers       map[string]map[string]any `yaml:"issuers"` // per-issuer option maps
	NATS          NATSConfig                `yaml:"nats"`
	Archive       ArchiveConfig             `yaml:"archive"`
	Secrets       SecretsConfig             `yaml:"secrets"`
	Verbose       bool                      `yaml:"-"` // set via CLI flag
}

// DatabaseConfig selects the primary store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite (default) or memory
	Path   string `yaml:"path"`   // SQLite file path
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// APIConfig contains the HTTP API settings.
type APIConfig struct {
	Enabled          bool               `yaml:"enabled"`
	Address          string             `yaml:"address"`
	JWTSecret        string             `yaml:"jwt_secret"` // may be a secret:<name> reference
	TokenTTL         time.Duration      `yaml:"token_ttl"`
	TrustProxy       bool               `yaml:"trust_proxy"`
	EventsPerMinute  int                `yaml:"events_per_minute"`
	LockoutThreshold int                `yaml:"lockout_threshold"`
	LockoutDuration  time.Duration      `yaml:"lockout_duration"`
	MaxBodyBytes     int64              `yaml:"max_body_bytes"`
	RequestTimeout   time.Duration      `yaml:"request_timeout"`
	TLS              security.TLSConfig `yaml:"tls"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// NotificationsConfig holds queue settings plus the channel credentials.
// A channel is registered only when its section is present.
type NotificationsConfig struct {
	notification.Config `yaml:",inline"`

	Slack    *notifier.SlackConfig    `yaml:"slack"`
	Teams    *notifier.TeamsConfig    `yaml:"teams"`
	Telegram *notifier.TelegramConfig `yaml:"telegram"`
	Email    *notifier.EmailConfig    `yaml:"email"`
	Webhook  *notifier.WebhookConfig  `yaml:"webhook"`

	// RateLimits caps sends per channel name.
	RateLimits map[string]notifier.RateLimitConfig `yaml:"rate_limits"`
}

// SuppressionConfig points at seed ignore rules.
type SuppressionConfig struct {
	RulesFile string `yaml:"rules_file"` // YAML rules imported at startup
}

// NATSConfig configures the optional event bridge.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	Token         string        `yaml:"token"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Queue         string        `yaml:"queue"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ArchiveConfig configures the optional ClickHouse finding archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addresses     []string      `yaml:"addresses"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Compression   bool          `yaml:"compression"`
	RetentionDays int           `yaml:"retention_days"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBufferSize int           `yaml:"max_buffer_size"`
}

// SecretsConfig selects where secret:<name> references are looked up.
// The file store passphrase comes from the BLAZEGUARD_SECRETS_KEY
// environment variable.
type SecretsConfig struct {
	File      string `yaml:"file"`
	EnvPrefix string `yaml:"env_prefix"`
}

// SecretsKeyEnv names the variable holding the secret file passphrase.
const SecretsKeyEnv = "BLAZEGUARD_SECRETS_KEY"

// LoadConfig loads configuration from a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		RateLimit: ratelimit.DefaultConfig(),
		Notifications: NotificationsConfig{
			Config: notification.DefaultConfig(),
		},
		Schedule:  scheduler.DefaultConfig(),
		Retention: retention.DefaultConfig(),
		Pipeline:  pipeline.Config{ScanTimeout: 5 * time.Minute},
		API:       APIConfig{Enabled: true},
	}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for missing config fields.
func (c *Config) setDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/blazeguard.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.API.Address == "" {
		c.API.Address = ":8080"
	}
	if c.API.TokenTTL == 0 {
		c.API.TokenTTL = 24 * time.Hour
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Secrets.EnvPrefix == "" {
		c.Secrets.EnvPrefix = "BLAZEGUARD_SECRET_"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.Archive.Database == "" {
		c.Archive.Database = "blazeguard"
	}
	if c.Schedule.JobTimeout == 0 {
		c.Schedule.JobTimeout = scheduler.DefaultConfig().JobTimeout
	}
}

// Validate checks the configuration for errors. Secret references are not
// resolved here.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite or memory, got %q", c.Database.Driver)
	}

	switch c.Logging.Format {
	case "json", "console", "text":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	if c.API.Enabled {
		if c.API.JWTSecret == "" {
			return fmt.Errorf("api.jwt_secret is required when the API is enabled")
		}
		if c.API.TLS.Enabled {
			if c.API.TLS.CertFile == "" {
				return fmt.Errorf("api.tls.cert_file is required when TLS is enabled")
			}
			if c.API.TLS.KeyFile == "" {
				return fmt.Errorf("api.tls.key_file is required when TLS is enabled")
			}
		}
	}

	if c.RateLimit.MaxAlertsPerHour < 0 {
		return fmt.Errorf("ratelimit.max_alerts_per_hour must not be negative")
	}
	for name, n := range c.RateLimit.PerIssuer {
		if n < 0 {
			return fmt.Errorf("ratelimit.per_issuer.%s must not be negative", name)
		}
	}

	for name, spec := range map[string]string{
		"schedule.scan":      c.Schedule.Scan,
		"schedule.deliver":   c.Schedule.Deliver,
		"schedule.retention": c.Schedule.Retention,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: invalid cron spec %q: %w", name, spec, err)
		}
	}

	if c.Retention.AuditDays < 0 || c.Retention.NotificationDays < 0 || c.Retention.ArchiveDays < 0 {
		return fmt.Errorf("retention periods must not be negative")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when NATS is enabled")
	}
	if c.Archive.Enabled && len(c.Archive.Addresses) == 0 {
		return fmt.Errorf("archive.addresses is required when the archive is enabled")
	}
	return nil
}

// ResolveSecrets replaces secret:<name> references in credential fields
// with values from store.
func (c *Config) ResolveSecrets(ctx context.Context, store security.SecretStore) error {
	fields := map[string]*string{
		"api.jwt_secret":   &c.API.JWTSecret,
		"nats.token":       &c.NATS.Token,
		"nats.password":    &c.NATS.Password,
		"archive.password": &c.Archive.Password,
	}
	n := &c.Notifications
	if n.Slack != nil {
		fields["notifications.slack.webhook_url"] = &n.Slack.WebhookURL
	}
	if n.Teams != nil {
		fields["notifications.teams.webhook_url"] = &n.Teams.WebhookURL
	}
	if n.Telegram != nil {
		fields["notifications.telegram.bot_token"] = &n.Telegram.BotToken
	}
	if n.Email != nil {
		fields["notifications.email.password"] = &n.Email.Password
	}
	if n.Webhook != nil {
		fields["notifications.webhook.url"] = &n.Webhook.URL
		fields["notifications.webhook.secret"] = &n.Webhook.Secret
	}

	var errs []error
	for name, p := range fields {
		v, err := security.Resolve(ctx, store, *p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		*p = v
	}
	return errors.Join(errs...)
}
