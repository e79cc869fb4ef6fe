package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/aura/exam/internal/aiscoring"
	"github.com/aura/exam/internal/config"
	"github.com/aura/exam/internal/domain/examination"
	"github.com/aura/exam/internal/domain/patient"
	"github.com/aura/exam/internal/notify"
	"github.com/aura/exam/internal/platform/db"
	"github.com/aura/exam/internal/platform/messaging"
	"github.com/aura/exam/internal/platform/telemetry"
	"github.com/aura/exam/internal/platform/webhook"
	"github.com/aura/exam/internal/platform/websocket"
	"github.com/aura/exam/internal/workflow"
)

// app holds the wired services shared by serve and reanalyze.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool    *pgxpool.Pool
	rdb     *redis.Client
	metrics *telemetry.Provider

	hub      *websocket.Hub
	hooks    *webhook.Dispatcher
	notifier *notify.Notifier

	patients     *patient.Service
	exams        *examination.Service
	orchestrator *workflow.Orchestrator
	merge        *workflow.MergeConsumer
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	fallbackClinic, err := cfg.FallbackClinic()
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	rdb, err := messaging.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Msg("connected to redis")

	a := &app{cfg: cfg, logger: logger, pool: pool, rdb: rdb, metrics: telemetry.NewProvider()}
	describeMetrics(a.metrics)

	a.hub = websocket.NewHub(logger)
	a.hooks, err = webhook.NewDispatcher(webhook.EndpointsFromURLs(cfg.WebhookURLs), cfg.WebhookSecret, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("webhooks: %w", err)
	}
	// A nil *Dispatcher inside the interface would not compare equal to nil.
	var hooks notify.WebhookDispatcher
	if a.hooks.Enabled() {
		hooks = a.hooks
	}

	patientRepo := patient.NewRepoPG(pool)
	a.patients = patient.NewService(patientRepo, logger)

	publisher := messaging.NewPublisher(rdb)
	a.notifier = notify.New(publisher, a.hub, hooks, a.patients, logger)
	a.exams = examination.NewService(examination.NewRepoPG(pool), a.notifier, logger)

	reconciler := patient.NewReconciler(patientRepo, fallbackClinic,
		a.metrics.Counter("reconciler_fallback_clinic_total"), logger)
	scorer := aiscoring.NewClient(aiscoring.Options{
		BaseURL:    cfg.AIServiceURL,
		Timeout:    cfg.AITimeout,
		MaxRetries: cfg.AIMaxRetries,
	}, logger)

	a.orchestrator = workflow.NewOrchestrator(workflow.Deps{
		Exams:      a.exams,
		Reconciler: reconciler,
		Scorer:     scorer,
		Publisher:  a.notifier,
		DeadLetter: publisher,
		Tx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		},
		Metrics: a.metrics,
	}, logger)
	a.merge = workflow.NewMergeConsumer(a.exams, a.metrics, logger)

	return a, nil
}

// Close waits for in-flight notifications before releasing connections.
func (a *app) Close() {
	if a.notifier != nil {
		a.notifier.Wait()
	}
	if err := a.rdb.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing redis client")
	}
	a.pool.Close()
}

func describeMetrics(p *telemetry.Provider) {
	for name, help := range map[string]string{
		"stream_messages_processed_total":  "Stream messages handled and acknowledged.",
		"stream_messages_failed_total":     "Stream messages left pending after a handler error.",
		"workflow_analyzed_total":          "Examinations moved to Analyzed by the orchestrator.",
		"workflow_ai_failures_total":       "AI scoring attempts that failed.",
		"workflow_duplicates_total":        "Upload events for examinations that already exist.",
		"workflow_events_invalid_total":    "Upload events dropped as invalid.",
		"workflow_dead_letters_total":      "Upload events moved to the dead letter stream.",
		"merge_applied_total":              "AnalysisCompleted events merged into examinations.",
		"merge_discarded_total":            "AnalysisCompleted events discarded, by reason.",
		"reconciler_fallback_clinic_total": "Uploads assigned to the fallback clinic.",
	} {
		p.Describe(name, help)
	}
}
