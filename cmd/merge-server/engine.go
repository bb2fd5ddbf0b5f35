package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ehr/recordmerge/internal/config"
	"github.com/ehr/recordmerge/internal/domain/batch"
	"github.com/ehr/recordmerge/internal/domain/merge"
	"github.com/ehr/recordmerge/internal/domain/record"
	"github.com/ehr/recordmerge/internal/domain/review"
	"github.com/ehr/recordmerge/internal/platform/audit"
	"github.com/ehr/recordmerge/internal/platform/db"
	"github.com/ehr/recordmerge/internal/platform/telemetry"
	"github.com/ehr/recordmerge/internal/platform/webhook"
)

// engine is everything a merge needs, shared by the server and the
// one-shot CLI commands.
type engine struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   record.Store
	pool    *pgxpool.Pool
	reg     *prometheus.Registry
	metrics *telemetry.Metrics
	queue   *review.MemoryQueue
	hooks   *webhook.Manager
	manager *merge.Manager
	orch    *batch.Orchestrator
}

func openStore(ctx context.Context, cfg *config.Config) (record.Store, *pgxpool.Pool, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		return record.NewPGStore(pool), pool, nil
	case config.BackendSQLite:
		s, err := record.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case config.BackendMemory, "":
		return record.NewMemoryStore(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func newEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*engine, error) {
	policy, err := config.LoadPolicy(cfg.MergePolicyFile)
	if err != nil {
		return nil, err
	}

	store, pool, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}

	e := &engine{cfg: cfg, logger: logger, store: store, pool: pool}

	if cfg.MetricsEnabled {
		e.reg = prometheus.NewRegistry()
		e.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		e.metrics = telemetry.New(e.reg)
	}

	e.hooks = webhook.NewManager(webhook.NewInMemoryStore(),
		webhook.WithMaxAttempts(cfg.WebhookMaxAttempts),
		webhook.WithLogger(component(logger, "webhook")),
	)
	for _, url := range cfg.WebhookURLs {
		if _, err := e.hooks.RegisterEndpoint(ctx, url, cfg.WebhookSecret, nil); err != nil {
			store.Close()
			return nil, fmt.Errorf("register webhook %s: %w", url, err)
		}
	}

	e.queue = review.NewMemoryQueue()
	publisher := review.MultiPublisher{e.queue, review.WebhookPublisher{Sender: e.hooks}}

	sinks := audit.MultiSink{
		audit.LogSink{Logger: component(logger, "audit")},
		audit.WebhookSink{Sender: e.hooks},
	}
	if pool != nil {
		sinks = append(sinks, audit.NewPGSink(pool))
	}

	e.manager = merge.NewManager(store, policy,
		merge.WithReviewPublisher(publisher),
		merge.WithAuditSink(sinks),
		merge.WithMetrics(e.metrics),
		merge.WithLogger(component(logger, "merge")),
		merge.WithCommitRetries(cfg.MergeCommitRetries),
	)
	e.orch = batch.New(e.manager, store, cfg.Batch(),
		batch.WithMetrics(e.metrics),
		batch.WithLogger(component(logger, "batch")),
	)
	return e, nil
}

// close drains queued merges and pending webhook deliveries, then closes
// the store. Errors are joined so every step runs.
func (e *engine) close(ctx context.Context) error {
	var errs []error
	if err := e.orch.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain merge queue: %w", err))
	}
	if err := e.hooks.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain webhooks: %w", err))
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

func component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
