package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aura/exam/internal/domain/examination"
	"github.com/aura/exam/internal/domain/patient"
	"github.com/aura/exam/internal/events"
	"github.com/aura/exam/internal/platform/auth"
	"github.com/aura/exam/internal/platform/db"
	"github.com/aura/exam/internal/platform/messaging"
	"github.com/aura/exam/internal/platform/middleware"
	"github.com/aura/exam/internal/platform/reporting"
	"github.com/aura/exam/internal/platform/webhook"
	"github.com/aura/exam/internal/platform/websocket"
)

const shutdownTimeout = 10 * time.Second

func runServer() error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDev() {
		logger.Warn().Msg("running in development mode; unauthenticated requests act as admin")
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	count, err := db.NewMigrator(a.pool, cfg.MigrationsDir).Up(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to apply migrations")
	}
	logger.Info().Int("applied", count).Msg("migrations up to date")

	e := newEcho(a)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range a.consumers(logger) {
		c := c
		g.Go(func() error { return c.Run(gctx) })
	}
	if cfg.StaleSweepInterval > 0 {
		g.Go(func() error { return a.sweepLoop(gctx) })
	}

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(a *app) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(a.metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, db.Check{Name: "redis", Ping: messaging.Ping(a.rdb)}))
	e.GET("/metrics", a.metrics.PrometheusHandler())

	jwt := auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
	if cfg.IsDev() {
		jwt = auth.DevAuthMiddleware(jwt)
	}

	websocket.NewHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""), auth.QueryToken("access_token"), jwt)

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
		rl.BurstSize = cfg.RateLimitBurst
	}

	apiV1 := e.Group("/api/v1",
		middleware.BodyLimit(cfg.BodyLimit),
		middleware.RequestTimeout(cfg.RequestTimeout),
		jwt,
		middleware.RateLimit(rl),
	)

	examination.NewHandler(a.exams, a.orchestrator).RegisterRoutes(apiV1)
	reporting.NewHandler(reporting.NewStore(reporting.OpenFromPool(a.pool)), logger).RegisterRoutes(apiV1)
	webhook.NewHandler(a.hooks).RegisterRoutes(apiV1, auth.RequireRole(auth.RoleAdmin))

	return e
}

// consumers builds one consumer group reader per inbound stream.
func (a *app) consumers(logger zerolog.Logger) []*messaging.Consumer {
	opts := messaging.ConsumerOptions{
		Group:       a.cfg.ConsumerGroup,
		Name:        a.cfg.ConsumerName,
		BatchSize:   a.cfg.ConsumerBatchSize,
		Concurrency: a.cfg.ConsumerConcurrency,

		RetryIdle:     a.cfg.ConsumerRetryIdle,
		MaxDeliveries: a.cfg.ConsumerMaxDeliveries,
	}
	handlers := []struct {
		stream  string
		handler messaging.Handler
	}{
		{events.StreamImageUploaded, a.orchestrator.HandleMessage},
		{events.StreamAnalysisCompleted, a.merge.HandleMessage},
		{events.StreamUserRegistered, userRegisteredHandler(a.patients, logger)},
	}

	out := make([]*messaging.Consumer, 0, len(handlers))
	for _, h := range handlers {
		out = append(out, messaging.NewConsumer(a.rdb, h.stream, opts, h.handler, logger).WithMetrics(a.metrics))
	}
	return out
}

// userRegisteredHandler completes placeholder patients from identity events.
// Undecodable entries are acked so they do not block the group.
func userRegisteredHandler(svc *patient.Service, logger zerolog.Logger) messaging.Handler {
	return func(ctx context.Context, msg messaging.Message) error {
		var ev events.UserRegistered
		if err := msg.Decode(&ev); err != nil {
			logger.Error().Err(err).Str("message_id", msg.ID).Msg("dropping undecodable user registration")
			return nil
		}
		return svc.HandleUserRegistered(ctx, ev)
	}
}

// sweepLoop periodically reanalyzes examinations stuck in Pending.
func (a *app) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.StaleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := a.orchestrator.SweepStale(ctx, a.cfg.StaleAfter, 100)
			if err != nil && ctx.Err() == nil {
				a.logger.Error().Err(err).Msg("stale sweep failed")
				continue
			}
			if res.Scanned > 0 {
				a.logger.Info().Int("scanned", res.Scanned).Int("analyzed", res.Analyzed).
					Int("failed", res.Failed).Msg("stale sweep finished")
			}
		}
	}
}
