// The auth server issues and introspects the client-credentials tokens the
// services use with each other. Token rows live in SQLite; revocations clear
// the resource servers' shared Redis verdict cache so they take effect ahead
// of the cache TTL.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/steamwatch/steamwatch/internal/authsrv"
	"github.com/steamwatch/steamwatch/internal/cache"
	"github.com/steamwatch/steamwatch/internal/config"
	"github.com/steamwatch/steamwatch/internal/health"
	"github.com/steamwatch/steamwatch/internal/httpx"
	"github.com/steamwatch/steamwatch/internal/logging"
	"github.com/steamwatch/steamwatch/internal/metrics"
	"github.com/steamwatch/steamwatch/internal/tracing"
)

var version = "dev"

func main() {
	cfg, err := config.LoadAuth()
	if err != nil {
		slog.Error("config error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.Setup("authserver", cfg.LogLevel)
	logger.Info("starting", slog.String("version", version))

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.Telemetry.TracingEnabled,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: "steamwatch-authserver",
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Error("tracing init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, err := authsrv.Open(cfg.DBDSN)
	if err != nil {
		logger.Error("auth store open failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()
	if err := store.Migrate(startCtx); err != nil {
		logger.Error("auth store migration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The verdict cache belongs to the resource servers; the auth server only
	// clears keys on revocation. Without Redis configured that hook is off and
	// revocations take effect when the resource servers' TTL runs out.
	var verdictCache cache.Cache
	if cfg.RedisAddr != "" {
		verdictCache, err = cache.NewRedis(startCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Error("redis connect failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() { _ = verdictCache.Close() }()
	} else {
		logger.Warn("no redis configured, revocations rely on token cache TTL")
	}

	m := metrics.New()
	svc := authsrv.NewService(store, verdictCache, cfg, logger, m)

	if err := svc.SeedFromFile(startCtx, cfg.SeedClientsPath); err != nil {
		logger.Error("client seeding failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tracker := health.NewTracker(health.DefaultConfig())
	prober := health.NewProber(health.DefaultProberConfig(), tracker, []health.Probe{
		{Name: "store", Check: func(ctx context.Context) error {
			_, err := store.CountClients(ctx)
			return err
		}},
	}, logger)

	r := httpx.NewRouter(logger, cfg.CORSOrigins)
	r.Use(tracing.Middleware("steamwatch-authserver"))
	authsrv.NewAPI(svc, logger).Mount(r)
	r.Get("/healthz", health.Handler(tracker))
	r.Get("/livez", health.Liveness())
	r.Handle("/metrics", m.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prober.Start()
	defer prober.Stop()
	go svc.RunGC(ctx)

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
