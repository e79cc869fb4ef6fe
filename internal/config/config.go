package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	AIServiceURL string        `mapstructure:"AI_SERVICE_URL"`
	AITimeout    time.Duration `mapstructure:"AI_TIMEOUT"`
	AIMaxRetries int           `mapstructure:"AI_MAX_RETRIES"`

	// FallbackClinicID is used by the patient reconciler when neither the
	// patient record nor the upload event carries a clinic.
	FallbackClinicID string `mapstructure:"FALLBACK_CLINIC_ID"`

	ConsumerGroup       string `mapstructure:"CONSUMER_GROUP"`
	ConsumerName        string `mapstructure:"CONSUMER_NAME"`
	ConsumerBatchSize   int64  `mapstructure:"CONSUMER_BATCH_SIZE"`
	ConsumerConcurrency int    `mapstructure:"CONSUMER_CONCURRENCY"`
	// Failed stream entries are retried once idle this long, up to
	// CONSUMER_MAX_DELIVERIES deliveries, then dead-lettered.
	ConsumerRetryIdle     time.Duration `mapstructure:"CONSUMER_RETRY_IDLE"`
	ConsumerMaxDeliveries int64         `mapstructure:"CONSUMER_MAX_DELIVERIES"`

	WebhookURLs   []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret string   `mapstructure:"WEBHOOK_SECRET"`

	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	// StaleSweepInterval re-runs scoring for stuck Pending examinations
	// from the server process. Zero disables the sweeper.
	StaleSweepInterval time.Duration `mapstructure:"STALE_SWEEP_INTERVAL"`
	StaleAfter         time.Duration `mapstructure:"STALE_AFTER"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AI_SERVICE_URL", "http://ai-core-service:8000")
	v.SetDefault("AI_TIMEOUT", "30s")
	v.SetDefault("AI_MAX_RETRIES", 2)
	v.SetDefault("CONSUMER_GROUP", "medical-record")
	v.SetDefault("CONSUMER_NAME", "exam-server-1")
	v.SetDefault("CONSUMER_BATCH_SIZE", 10)
	v.SetDefault("CONSUMER_CONCURRENCY", 4)
	v.SetDefault("CONSUMER_RETRY_IDLE", "30s")
	v.SetDefault("CONSUMER_MAX_DELIVERIES", 5)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("STALE_SWEEP_INTERVAL", "0s")
	v.SetDefault("STALE_AFTER", "15m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CORS_ORIGINS",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
		"AI_SERVICE_URL", "AI_TIMEOUT", "AI_MAX_RETRIES", "FALLBACK_CLINIC_ID",
		"CONSUMER_GROUP", "CONSUMER_NAME", "CONSUMER_BATCH_SIZE", "CONSUMER_CONCURRENCY",
		"CONSUMER_RETRY_IDLE", "CONSUMER_MAX_DELIVERIES",
		"WEBHOOK_URLS", "WEBHOOK_SECRET", "MIGRATIONS_DIR",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
		"STALE_SWEEP_INTERVAL", "STALE_AFTER",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated lists arrive as a single env string.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.WebhookURLs = splitList(v.GetString("WEBHOOK_URLS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); DevAuthMiddleware is active.")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// FallbackClinic parses FALLBACK_CLINIC_ID. It returns nil when unset.
func (c *Config) FallbackClinic() (*uuid.UUID, error) {
	if c.FallbackClinicID == "" {
		return nil, nil
	}
	id, err := uuid.Parse(c.FallbackClinicID)
	if err != nil {
		return nil, fmt.Errorf("FALLBACK_CLINIC_ID is not a valid uuid: %w", err)
	}
	return &id, nil
}

// Validate checks that the configuration is safe to run. Outside development
// either AUTH_ISSUER or AUTH_SIGNING_KEY must be set so bearer tokens are
// actually verified, and FALLBACK_CLINIC_ID must be a uuid when present.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if _, err := c.FallbackClinic(); err != nil {
		return err
	}
	if c.AIServiceURL == "" {
		return fmt.Errorf("AI_SERVICE_URL is required")
	}
	if c.AITimeout <= 0 {
		return fmt.Errorf("AI_TIMEOUT must be positive, got %s", c.AITimeout)
	}
	if c.AIMaxRetries < 0 {
		return fmt.Errorf("AI_MAX_RETRIES must not be negative, got %d", c.AIMaxRetries)
	}
	if c.ConsumerConcurrency < 1 {
		return fmt.Errorf("CONSUMER_CONCURRENCY must be at least 1, got %d", c.ConsumerConcurrency)
	}
	if c.ConsumerRetryIdle <= 0 || c.ConsumerMaxDeliveries < 1 {
		return fmt.Errorf("CONSUMER_RETRY_IDLE must be positive and CONSUMER_MAX_DELIVERIES at least 1")
	}
	if c.StaleSweepInterval < 0 || c.StaleAfter < 0 {
		return fmt.Errorf("STALE_SWEEP_INTERVAL and STALE_AFTER must not be negative")
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}
	return nil
}
