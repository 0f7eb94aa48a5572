package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	gfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/credits"
	webhookmetrics "github.com/mihaimyh/gobilling/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gobilling/pkg/billing/stripe"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
	zerologadapter "github.com/mihaimyh/gobilling/pkg/gobilling/logger/zerolog"
	managermetrics "github.com/mihaimyh/gobilling/pkg/gobilling/metrics/prometheus"
	"github.com/mihaimyh/gobilling/storage/firestore"
	"github.com/mihaimyh/gobilling/storage/memory"
	"github.com/mihaimyh/gobilling/storage/postgres"
	"github.com/mihaimyh/gobilling/storage/redis"
	"github.com/mihaimyh/gobilling/storage/tiered"
)

// app holds every wired component of the service
type app struct {
	config   *Config
	log      zerolog.Logger
	registry *prometheus.Registry

	storage   gobilling.Storage
	credits   *credits.Client
	stripe    *stripe.Provider
	manager   *gobilling.Manager
	processor *billing.Processor

	webhookMetrics billing.Metrics

	closers []io.Closer
}

func newLogger(cfg *Config, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
	}
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "gobilling").Logger(), nil
}

// wireApp builds storage, providers, the manager and the webhook processor
func wireApp(ctx context.Context, cfg *Config) (*app, error) {
	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	a := &app{
		config:   cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.config
	logger := zerologadapter.NewLogger(&a.log)

	store, err := a.openStorage(ctx)
	if err != nil {
		return err
	}
	a.storage = store

	a.webhookMetrics = webhookmetrics.NewMetrics(a.registry, cfg.Metrics.Namespace)

	a.credits, err = credits.NewClient(credits.Config{
		BaseURL: cfg.Credits.BaseURL,
		APIKey:  cfg.Credits.APIKey,
		Metrics: a.webhookMetrics,
	})
	if err != nil {
		return fmt.Errorf("credits client: %w", err)
	}

	var payments gobilling.PaymentProvider
	if cfg.Stripe.APIKey != "" {
		a.stripe, err = stripe.NewProvider(stripe.Config{
			APIKey:        cfg.Stripe.APIKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Metrics:       a.webhookMetrics,
		})
		if err != nil {
			return fmt.Errorf("stripe provider: %w", err)
		}
		payments = a.stripe
	} else {
		a.log.Warn().Msg("Stripe API key not set, upgrades will be invoiced without charging")
	}

	a.manager, err = gobilling.NewManager(store, a.credits, payments, gobilling.Config{
		Currency:      cfg.Currency,
		RemoteTimeout: cfg.RemoteTimeout,
		CircuitBreakerConfig: &gobilling.CircuitBreakerConfig{
			Enabled: true,
		},
		Logger:  logger,
		Metrics: managermetrics.NewMetrics(a.registry, cfg.Metrics.Namespace),
	})
	if err != nil {
		return fmt.Errorf("manager: %w", err)
	}

	a.processor, err = billing.NewProcessor(store, billing.NewMirrorHandler(store, logger).WithInvoicePayer(a.credits), billing.ProcessorConfig{
		Retry: gobilling.RetryConfig{
			MaxAttempts: cfg.Webhooks.MaxAttempts,
			Delay:       cfg.Webhooks.RetryDelay,
		},
		ProcessedTTL: cfg.Webhooks.ProcessedTTL,
		Logger:       logger,
		Metrics:      a.webhookMetrics,
	})
	if err != nil {
		return fmt.Errorf("webhook processor: %w", err)
	}
	return nil
}

func (a *app) openStorage(ctx context.Context) (gobilling.Storage, error) {
	sc := a.config.Storage
	switch sc.Backend {
	case "memory":
		return memory.NewWithConfig(memory.Config{EventRetention: sc.EventRetention}), nil

	case "redis":
		return a.openRedis(ctx)

	case "postgres":
		return a.openPostgres(ctx)

	case "tiered":
		hot, err := a.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		cold, err := a.openPostgres(ctx)
		if err != nil {
			return nil, err
		}
		store, err := tiered.New(tiered.Config{
			Hot:           hot,
			Cold:          cold,
			AsyncEventLog: true,
			AsyncErrorHandler: func(err error) {
				a.log.Warn().Err(err).Msg("tiered storage drift")
			},
		})
		if err != nil {
			return nil, err
		}
		// Closed before its tiers so queued appends reach postgres
		a.closers = append(a.closers, store)
		return store, nil

	case "firestore":
		client, err := gfirestore.NewClient(ctx, sc.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		store, err := firestore.New(client, firestore.Config{EventRetention: sc.EventRetention})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("firestore storage: %w", err)
		}
		a.closers = append(a.closers, client)
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
}

func (a *app) openRedis(ctx context.Context) (*redis.Storage, error) {
	sc := a.config.Storage
	client := goredis.NewClient(&goredis.Options{
		Addr:     sc.RedisAddr,
		Password: sc.RedisPassword,
		DB:       sc.RedisDB,
	})
	store, err := redis.New(client, redis.Config{
		KeyPrefix:      sc.RedisKeyPrefix,
		EventRetention: sc.EventRetention,
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis storage: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	a.closers = append(a.closers, store)
	return store, nil
}

func (a *app) openPostgres(ctx context.Context) (*postgres.Storage, error) {
	sc := a.config.Storage
	pc := postgres.DefaultConfig()
	pc.ConnectionString = sc.PostgresDSN
	pc.EventRetention = sc.EventRetention
	pc.AutoMigrate = true
	store, err := postgres.New(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres storage: %w", err)
	}
	a.closers = append(a.closers, store)
	return store, nil
}

// Close releases storage connections
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
