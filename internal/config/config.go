package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port   string `env:"PORT" envDefault:"8080"`
	Debug  bool   `env:"DEBUG" envDefault:"false"`
	AppURL string `env:"APP_URL" envDefault:"http://localhost:8080"`

	// Mention store
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite://data/mentions.db"`

	// Schedule configuration
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"5m"`
	RetryPollInterval time.Duration `env:"RETRY_POLL_INTERVAL" envDefault:"30s"`
	LookbackWindow    time.Duration `env:"LOOKBACK_WINDOW" envDefault:"24h"`
	MaxBatchSize      int           `env:"MAX_BATCH_SIZE" envDefault:"100"`
	Workers           int           `env:"WORKERS" envDefault:"4"`
	AdapterTimeout    time.Duration `env:"ADAPTER_TIMEOUT" envDefault:"30s"`
	LeaseTTL          time.Duration `env:"LEASE_TTL" envDefault:"10m"`

	// Per-mention retry policy
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"30s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30m"`
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`

	// Fetch backoff, independent of per-mention retries
	FetchBackoffBase time.Duration `env:"FETCH_BACKOFF_BASE" envDefault:"1m"`
	FetchBackoffMax  time.Duration `env:"FETCH_BACKOFF_MAX" envDefault:"1h"`

	// Keywords and forum locations to monitor
	Keywords   []string `env:"KEYWORDS" envSeparator:","`
	Subreddits []string `env:"SUBREDDITS" envSeparator:"," envDefault:"smallbusiness,Entrepreneur,business,startups,CustomerService"`

	// Reddit credentials
	RedditClientID     string `env:"REDDIT_CLIENT_ID"`
	RedditClientSecret string `env:"REDDIT_CLIENT_SECRET"`
	RedditUsername     string `env:"REDDIT_USERNAME"`
	RedditPassword     string `env:"REDDIT_PASSWORD"`
	RedditUserAgent    string `env:"REDDIT_USER_AGENT" envDefault:"mentions-responder/1.0"`

	// Sentiment analysis
	OpenAIAPIKey        string  `env:"OPENAI_API_KEY"`
	OpenAIModel         string  `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIRPS           float64 `env:"OPENAI_RPS" envDefault:"1"`
	ConfidenceThreshold float64 `env:"CONFIDENCE_THRESHOLD" envDefault:"0"`

	// Notification configuration
	TeamsWebhookURL   string `env:"TEAMS_WEBHOOK_URL"`
	NotificationEmail string `env:"NOTIFICATION_EMAIL"`
	SMTPHost          string `env:"SMTP_HOST"`
	SMTPPort          int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername      string `env:"SMTP_USERNAME"`
	SMTPPassword      string `env:"SMTP_PASSWORD"`
	SMTPFrom          string `env:"SMTP_FROM"`

	// Archive configuration
	StorageAccount   string `env:"AZURE_STORAGE_ACCOUNT"`
	StorageContainer string `env:"AZURE_STORAGE_CONTAINER" envDefault:"mentions"`
	ArchiveDir       string `env:"ARCHIVE_DIR"`

	DedupCacheTTL time.Duration `env:"DEDUP_CACHE_TTL" envDefault:"24h"`
}

var placeholderPasswords = []string{
	"your_password_here",
	"your_password",
	"password",
	"yourpassword",
}

var placeholderAPIKeys = []string{
	"your_openai_api_key_here",
	"sk-your-actual-openai-api-key",
	"${OPENAI_API_KEY}",
}

// Parse reads configuration from the environment (and .env when present)
// without validating it.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.Keywords = trimAll(cfg.Keywords)
	cfg.Subreddits = trimAll(cfg.Subreddits)
	for _, placeholder := range placeholderAPIKeys {
		if cfg.OpenAIAPIKey == placeholder {
			cfg.OpenAIAPIKey = ""
		}
	}

	return cfg, nil
}

// Load loads and validates configuration for the long-running service
func Load() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}

	// Validate required configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := cfg.ValidateNotifications(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings every entry point depends on
func (c *Config) Validate() error {
	if len(c.Keywords) == 0 {
		return fmt.Errorf("KEYWORDS must list at least one term")
	}
	if len(c.Subreddits) == 0 {
		return fmt.Errorf("SUBREDDITS must list at least one location")
	}

	positive := map[string]time.Duration{
		"POLL_INTERVAL":       c.PollInterval,
		"RETRY_POLL_INTERVAL": c.RetryPollInterval,
		"LOOKBACK_WINDOW":     c.LookbackWindow,
		"ADAPTER_TIMEOUT":     c.AdapterTimeout,
		"LEASE_TTL":           c.LeaseTTL,
		"RETRY_BASE_DELAY":    c.RetryBaseDelay,
		"RETRY_MAX_DELAY":     c.RetryMaxDelay,
		"FETCH_BACKOFF_BASE":  c.FetchBackoffBase,
		"FETCH_BACKOFF_MAX":   c.FetchBackoffMax,
		"DEDUP_CACHE_TTL":     c.DedupCacheTTL,
	}
	for key, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, value)
		}
	}

	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.RetryBaseDelay > c.RetryMaxDelay {
		return fmt.Errorf("RETRY_BASE_DELAY (%s) must not exceed RETRY_MAX_DELAY (%s)", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.FetchBackoffBase > c.FetchBackoffMax {
		return fmt.Errorf("FETCH_BACKOFF_BASE (%s) must not exceed FETCH_BACKOFF_MAX (%s)", c.FetchBackoffBase, c.FetchBackoffMax)
	}
	if c.LeaseTTL <= c.AdapterTimeout {
		return fmt.Errorf("LEASE_TTL (%s) must exceed ADAPTER_TIMEOUT (%s)", c.LeaseTTL, c.AdapterTimeout)
	}
	if c.OpenAIRPS <= 0 {
		return fmt.Errorf("OPENAI_RPS must be positive")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be between 0 and 1")
	}

	if !strings.HasPrefix(c.DatabaseURL, "sqlite://") &&
		!strings.HasPrefix(c.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must start with sqlite:// or postgres://")
	}

	return nil
}

// ValidateNotifications checks the alerting channels used by the service
func (c *Config) ValidateNotifications() error {
	if c.TeamsWebhookURL == "" && c.NotificationEmail == "" {
		return fmt.Errorf("at least one notification method must be configured (TEAMS_WEBHOOK_URL or NOTIFICATION_EMAIL)")
	}

	if c.NotificationEmail != "" {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("SMTP configuration is required when NOTIFICATION_EMAIL is set")
		}
		for _, placeholder := range placeholderPasswords {
			if strings.EqualFold(c.SMTPPassword, placeholder) {
				return fmt.Errorf("SMTP_PASSWORD is set to the placeholder %q", c.SMTPPassword)
			}
		}
	}

	return nil
}

// SenderAddress is the From header for outbound email
func (c *Config) SenderAddress() string {
	if c.SMTPFrom != "" {
		return c.SMTPFrom
	}
	return c.SMTPUsername
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
