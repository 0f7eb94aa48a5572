package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "GOBILLING"

// Config is the service configuration, read from an optional file and
// GOBILLING_* environment variables (nested keys use "_", e.g. GOBILLING_STORAGE_BACKEND).
type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	Currency        string        `mapstructure:"currency"`
	RemoteTimeout   time.Duration `mapstructure:"remote_timeout"`

	Storage  StorageConfig  `mapstructure:"storage"`
	Credits  CreditsConfig  `mapstructure:"credits"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Webhooks WebhooksConfig `mapstructure:"webhooks"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// StorageConfig selects and configures the mirror backend
type StorageConfig struct {
	// Backend is one of memory, redis, postgres, firestore, tiered.
	// tiered fronts postgres with redis.
	Backend        string `mapstructure:"backend"`
	EventRetention int    `mapstructure:"event_retention"`

	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`
	RedisKeyPrefix string `mapstructure:"redis_key_prefix"`

	PostgresDSN string `mapstructure:"postgres_dsn"`

	FirestoreProject string `mapstructure:"firestore_project"`
}

// CreditsConfig configures the subscription provider
type CreditsConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// StripeConfig configures the payment provider. An empty APIKey disables payments.
type StripeConfig struct {
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// WebhooksConfig tunes webhook ingress and processing
type WebhooksConfig struct {
	ProcessedTTL time.Duration `mapstructure:"processed_ttl"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	RateLimit    int           `mapstructure:"rate_limit"`
	BodyLimit    int64         `mapstructure:"body_limit"`
}

// JobsConfig holds cron schedules. An empty schedule disables the job.
type JobsConfig struct {
	ReplaySchedule  string `mapstructure:"replay_schedule"`
	CleanupSchedule string `mapstructure:"cleanup_schedule"`
}

// MetricsConfig configures Prometheus metrics
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("shutdown_timeout", 15*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("currency", "usd")
	v.SetDefault("remote_timeout", 10*time.Second)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.event_retention", 1000)
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.redis_key_prefix", "gobilling:")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.firestore_project", "")

	v.SetDefault("credits.base_url", "")
	v.SetDefault("credits.api_key", "")
	v.SetDefault("credits.webhook_secret", "")

	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")

	v.SetDefault("webhooks.processed_ttl", 30*24*time.Hour)
	v.SetDefault("webhooks.max_attempts", 3)
	v.SetDefault("webhooks.retry_delay", time.Second)
	v.SetDefault("webhooks.rate_limit", 100)
	v.SetDefault("webhooks.body_limit", 256*1024)

	v.SetDefault("jobs.replay_schedule", "*/15 * * * *")
	v.SetDefault("jobs.cleanup_schedule", "@hourly")

	v.SetDefault("metrics.namespace", "gobilling")
}

// loadConfig reads envFile (if present) into the process environment, then
// layers configFile (if set) and GOBILLING_* variables over the defaults.
func loadConfig(configFile, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "memory", "redis", "firestore":
	case "postgres", "tiered":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "firestore" && c.Storage.FirestoreProject == "" {
		return fmt.Errorf("storage.firestore_project is required for the firestore backend")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	return nil
}
