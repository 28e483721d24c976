// The backend serves the storefront data API: the public read path, the
// package ingestion endpoint the workers post to, scope-guarded CRUD, and
// the task relay to the orchestrator. Documents live in MongoDB, hot reads
// and token verdicts in Redis, full-text search in the external index.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/steamwatch/steamwatch/internal/backend"
	"github.com/steamwatch/steamwatch/internal/cache"
	"github.com/steamwatch/steamwatch/internal/catalog/mongo"
	"github.com/steamwatch/steamwatch/internal/config"
	"github.com/steamwatch/steamwatch/internal/health"
	"github.com/steamwatch/steamwatch/internal/httpx"
	"github.com/steamwatch/steamwatch/internal/logging"
	"github.com/steamwatch/steamwatch/internal/metrics"
	"github.com/steamwatch/steamwatch/internal/oauth"
	"github.com/steamwatch/steamwatch/internal/ratelimit"
	"github.com/steamwatch/steamwatch/internal/search"
	"github.com/steamwatch/steamwatch/internal/tracing"
)

var version = "dev"

func main() {
	cfg, err := config.LoadBackend()
	if err != nil {
		slog.Error("config error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.Setup("backend", cfg.LogLevel)
	logger.Info("starting", slog.String("version", version))

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.Telemetry.TracingEnabled,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: "steamwatch-backend",
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Error("tracing init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	store, err := mongo.NewStore(startCtx, cfg.MongoURI, cfg.MongoDB, logger)
	if err != nil {
		logger.Error("mongo connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	responseCache, err := cache.NewRedis(startCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("redis connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = responseCache.Close() }()

	var searcher search.Searcher
	if len(cfg.ElasticAddrs) > 0 {
		searcher, err = search.NewElastic(cfg.ElasticAddrs, cfg.ElasticIndex, logger)
		if err != nil {
			logger.Error("elasticsearch init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	} else {
		logger.Warn("no elasticsearch addresses configured, search filter disabled")
	}

	m := metrics.New()
	authClient := oauth.NewClient(cfg.Auth, []string{oauth.ScopeOrchestratorTasks}, logger)
	validator := oauth.NewValidator(cfg.Auth, responseCache, cfg.TokenInfoTTL, logger, m)

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, m.ReadsThrottled.Inc)
	defer limiter.Close()

	tracker := health.NewTracker(health.DefaultConfig())
	prober := health.NewProber(health.DefaultProberConfig(), tracker, []health.Probe{
		{Name: "mongo", Check: store.Ping},
		{Name: "redis", Check: func(ctx context.Context) error {
			_, _, err := responseCache.Get(ctx, "healthcheck")
			return err
		}},
	}, logger)

	r := httpx.NewRouter(logger, cfg.CORSOrigins)
	r.Use(tracing.Middleware("steamwatch-backend"))
	r.Use(limiter.Middleware)
	backend.MountRoutes(r, backend.Dependencies{
		Store:     store,
		Searcher:  searcher,
		Cache:     responseCache,
		Validator: validator,
		Tasks:     backend.NewTaskProxy(authClient, cfg.OrchestratorURL),
		Bus:       backend.DefaultBus(responseCache, m, logger),
		Config:    cfg,
		Logger:    logger,
		Metrics:   m,
	})
	r.Get("/healthz", health.Handler(tracker))
	r.Get("/livez", health.Liveness())
	r.Handle("/metrics", m.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prober.Start()
	defer prober.Stop()

	if err := httpx.Serve(ctx, cfg.ListenAddr, r, logger); err != nil {
		logger.Error("shutdown with error", slog.String("error", err.Error()))
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
}
