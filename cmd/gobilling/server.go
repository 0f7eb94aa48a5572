package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/hlog"

	"github.com/mihaimyh/gobilling/pkg/api"
	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/credits"
	zerologadapter "github.com/mihaimyh/gobilling/pkg/gobilling/logger/zerolog"
)

// pinger is implemented by storage backends with a live connection
type pinger interface {
	Ping(ctx context.Context) error
}

// cleaner is implemented by storage backends that expire processed markers themselves
type cleaner interface {
	Cleanup(ctx context.Context) error
}

// router mounts webhook ingress, the admin API, health and metrics
func (a *app) router() (http.Handler, error) {
	logger := zerologadapter.NewLogger(&a.log)
	webhookCfg := billing.WebhookConfig{
		BodyLimit: a.config.Webhooks.BodyLimit,
		RateLimit: a.config.Webhooks.RateLimit,
		Logger:    logger,
		Metrics:   a.webhookMetrics,
	}

	creditsHook, err := credits.NewWebhookHandler(a.processor, a.config.Credits.WebhookSecret, webhookCfg)
	if err != nil {
		return nil, err
	}

	admin, err := api.NewHandler(api.Config{
		Manager:   a.manager,
		Processor: a.processor,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(a.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	}))

	r.Handle("/webhooks/credits", creditsHook)
	if a.stripe != nil && a.config.Stripe.WebhookSecret != "" {
		stripeHook, err := a.stripe.WebhookHandler(a.processor, webhookCfg)
		if err != nil {
			return nil, err
		}
		r.Handle("/webhooks/stripe", stripeHook)
	}

	r.Mount("/v1", admin.Routes())
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	r.Get("/healthz", a.health)
	return r, nil
}

func (a *app) health(w http.ResponseWriter, r *http.Request) {
	if p, ok := a.storage.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// scheduler registers the periodic dead-letter replay and, for backends that
// need it, expired-marker cleanup.
func (a *app) scheduler(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	jobs := a.config.Jobs

	if jobs.ReplaySchedule != "" {
		if _, err := c.AddFunc(jobs.ReplaySchedule, func() { a.replayFailed(ctx) }); err != nil {
			return nil, err
		}
	}

	if cl, ok := a.storage.(cleaner); ok && jobs.CleanupSchedule != "" {
		_, err := c.AddFunc(jobs.CleanupSchedule, func() {
			if err := cl.Cleanup(ctx); err != nil {
				a.log.Error().Err(err).Msg("Processed marker cleanup failed")
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (a *app) replayFailed(ctx context.Context) billing.ReplayResult {
	result, err := a.processor.ReplayFailed(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("Dead-letter replay failed")
		return result
	}
	if result.Replayed > 0 || result.Failed > 0 {
		a.log.Info().
			Int("replayed", result.Replayed).
			Int("failed", result.Failed).
			Msg("Dead-letter replay finished")
	}
	return result
}
