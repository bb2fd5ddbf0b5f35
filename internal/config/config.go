package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/ehr/recordmerge/internal/domain/batch"
)

// Store backends accepted by STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreBackend  string `mapstructure:"STORE_BACKEND"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	BatchBodyLimit string        `mapstructure:"BATCH_BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	MergeWorkers       int           `mapstructure:"MERGE_WORKERS"`
	MergeQueueSize     int           `mapstructure:"MERGE_QUEUE_SIZE"`
	MergeLockWait      time.Duration `mapstructure:"MERGE_LOCK_WAIT"`
	MergeMaxRequeues   int           `mapstructure:"MERGE_MAX_REQUEUES"`
	MergeRequeueRPS    float64       `mapstructure:"MERGE_REQUEUE_RPS"`
	MergeCommitRetries int           `mapstructure:"MERGE_COMMIT_RETRIES"`
	MergeStatusTTL     time.Duration `mapstructure:"MERGE_STATUS_TTL"`
	MergePolicyFile    string        `mapstructure:"MERGE_POLICY_FILE"`

	WebhookURLs        []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret      string   `mapstructure:"WEBHOOK_SECRET"`
	WebhookMaxAttempts int      `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`

	MetricsEnabled bool `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH", "MIGRATIONS_DIR",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "BATCH_BODY_LIMIT", "REQUEST_TIMEOUT",
	"MERGE_WORKERS", "MERGE_QUEUE_SIZE", "MERGE_LOCK_WAIT", "MERGE_MAX_REQUEUES", "MERGE_REQUEUE_RPS",
	"MERGE_COMMIT_RETRIES", "MERGE_STATUS_TTL", "MERGE_POLICY_FILE",
	"WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_MAX_ATTEMPTS",
	"METRICS_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	d := batch.DefaultConfig()
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SQLITE_PATH", "recordmerge.db")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BATCH_BODY_LIMIT", "16M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MERGE_WORKERS", d.Workers)
	v.SetDefault("MERGE_QUEUE_SIZE", d.QueueSize)
	v.SetDefault("MERGE_LOCK_WAIT", d.LockWait.String())
	v.SetDefault("MERGE_MAX_REQUEUES", d.MaxRequeues)
	v.SetDefault("MERGE_REQUEUE_RPS", d.RequeueRPS)
	v.SetDefault("MERGE_COMMIT_RETRIES", 3)
	v.SetDefault("MERGE_STATUS_TTL", d.StatusTTL.String())
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 3)
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.WebhookURLs = splitList(cfg.WebhookURLs, v.GetString("WEBHOOK_URLS"))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	return cfg, nil
}

// splitList accepts both a decoded list and a single comma-separated value,
// which is what an environment variable yields.
func splitList(decoded []string, raw string) []string {
	if len(decoded) > 1 {
		return decoded
	}
	if len(decoded) == 1 {
		raw = decoded[0]
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

// Level parses LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Batch returns the orchestrator settings.
func (c *Config) Batch() batch.Config {
	return batch.Config{
		Workers:     c.MergeWorkers,
		QueueSize:   c.MergeQueueSize,
		LockWait:    c.MergeLockWait,
		MaxRequeues: c.MergeMaxRequeues,
		RequeueRPS:  c.MergeRequeueRPS,
		StatusTTL:   c.MergeStatusTTL,
	}
}

// Validate checks that the configuration is safe to run. Outside development
// a token verifier (JWKS URL or signing key) must be configured.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_BACKEND is %q", BackendSQLite)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q or %q, got %q",
			BackendMemory, BackendPostgres, BackendSQLite, c.StoreBackend)
	}

	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			return fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}

	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q; "+
				"refusing to start without authentication", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes in production")
	}

	if c.MergeWorkers < 0 || c.MergeQueueSize < 0 || c.MergeMaxRequeues < 0 || c.MergeCommitRetries < 0 {
		return fmt.Errorf("MERGE_WORKERS, MERGE_QUEUE_SIZE, MERGE_MAX_REQUEUES and MERGE_COMMIT_RETRIES must not be negative")
	}
	if c.MergeRequeueRPS < 0 {
		return fmt.Errorf("MERGE_REQUEUE_RPS must not be negative")
	}
	if c.WebhookMaxAttempts < 1 && len(c.WebhookURLs) > 0 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}
