package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("KEYWORDS", "Acme, Acme Cloud ,")
	t.Setenv("OPENAI_API_KEY", "your_openai_api_key_here")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5*time.Minute, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 30*time.Minute, cfg.RetryMaxDelay)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 100, cfg.MaxBatchSize)
	assert.Equal(t, []string{"Acme", "Acme Cloud"}, cfg.Keywords)
	assert.Equal(t, []string{"smallbusiness", "Entrepreneur", "business", "startups", "CustomerService"}, cfg.Subreddits)
	assert.Empty(t, cfg.OpenAIAPIKey, "placeholder API keys are discarded")
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DatabaseURL:       "sqlite://data/mentions.db",
			PollInterval:      5 * time.Minute,
			RetryPollInterval: 30 * time.Second,
			LookbackWindow:    24 * time.Hour,
			AdapterTimeout:    30 * time.Second,
			LeaseTTL:          10 * time.Minute,
			RetryBaseDelay:    30 * time.Second,
			RetryMaxDelay:     30 * time.Minute,
			RetryMaxAttempts:  5,
			FetchBackoffBase:  time.Minute,
			FetchBackoffMax:   time.Hour,
			DedupCacheTTL:     24 * time.Hour,
			MaxBatchSize:      100,
			Workers:           4,
			OpenAIRPS:         1,
			Keywords:          []string{"Acme"},
			Subreddits:        []string{"smallbusiness"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"postgres dsn", func(c *Config) { c.DatabaseURL = "postgres://user:pw@localhost/mentions" }, ""},
		{"no keywords", func(c *Config) { c.Keywords = nil }, "KEYWORDS"},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "WORKERS"},
		{"zero attempts", func(c *Config) { c.RetryMaxAttempts = 0 }, "RETRY_MAX_ATTEMPTS"},
		{"negative poll", func(c *Config) { c.PollInterval = -time.Second }, "POLL_INTERVAL"},
		{"base above max", func(c *Config) { c.RetryBaseDelay = time.Hour }, "RETRY_BASE_DELAY"},
		{"fetch base above max", func(c *Config) { c.FetchBackoffBase = 2 * time.Hour }, "FETCH_BACKOFF_BASE"},
		{"lease shorter than adapter timeout", func(c *Config) { c.LeaseTTL = 10 * time.Second }, "LEASE_TTL"},
		{"threshold out of range", func(c *Config) { c.ConfidenceThreshold = 1.5 }, "CONFIDENCE_THRESHOLD"},
		{"unknown dsn", func(c *Config) { c.DatabaseURL = "mysql://localhost" }, "DATABASE_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateNotifications(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"no channel", Config{}, true},
		{"teams only", Config{TeamsWebhookURL: "https://example.com/hook"}, false},
		{"email without smtp", Config{NotificationEmail: "ops@example.com"}, true},
		{"email with smtp", Config{NotificationEmail: "ops@example.com", SMTPHost: "smtp.example.com", SMTPUsername: "bot", SMTPPassword: "s3cret"}, false},
		{"placeholder password", Config{NotificationEmail: "ops@example.com", SMTPHost: "smtp.example.com", SMTPUsername: "bot", SMTPPassword: "Your_Password_Here"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateNotifications()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSenderAddress(t *testing.T) {
	cfg := &Config{SMTPUsername: "bot@example.com"}
	assert.Equal(t, "bot@example.com", cfg.SenderAddress())

	cfg.SMTPFrom = "Mentions <mentions@example.com>"
	assert.Equal(t, "Mentions <mentions@example.com>", cfg.SenderAddress())
}
