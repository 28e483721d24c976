// The orchestrator owns the what-needs-updating state: it schedules periodic
// refreshes, serves the task submission API, and folds worker results back
// into the app registry. Scheduler, broker consumer and HTTP server run as
// independent loops so a wedged broker cannot starve the timers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steamwatch/steamwatch/internal/broker"
	"github.com/steamwatch/steamwatch/internal/cache"
	"github.com/steamwatch/steamwatch/internal/config"
	"github.com/steamwatch/steamwatch/internal/health"
	"github.com/steamwatch/steamwatch/internal/httpx"
	"github.com/steamwatch/steamwatch/internal/logging"
	"github.com/steamwatch/steamwatch/internal/metrics"
	"github.com/steamwatch/steamwatch/internal/oauth"
	"github.com/steamwatch/steamwatch/internal/orchestrator"
	"github.com/steamwatch/steamwatch/internal/registry"
	"github.com/steamwatch/steamwatch/internal/scheduler"
	"github.com/steamwatch/steamwatch/internal/tracing"
)

var version = "dev"

func main() {
	cfg, err := config.LoadOrchestrator()
	if err != nil {
		slog.Error("config error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.Setup("orchestrator", cfg.LogLevel)
	logger.Info("starting", slog.String("version", version))

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.Telemetry.TracingEnabled,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: "steamwatch-orchestrator",
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Error("tracing init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reg, err := registry.Open(cfg.RegistryDSN)
	if err != nil {
		logger.Error("registry open failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = reg.Close() }()
	if err := reg.Migrate(context.Background()); err != nil {
		logger.Error("registry migration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New()
	conn := broker.New(cfg.Broker, logger)
	defer func() { _ = conn.Close() }()

	publisher := broker.NewPublisher(conn, cfg.Broker.WorkerQueue, logger, m)
	svc := orchestrator.NewService(reg, publisher, cfg, logger)

	taskRouter := broker.NewRouter()
	svc.Register(taskRouter)
	consumer := broker.NewConsumer(conn, cfg.Broker.ResultQueue, cfg.Broker.PrefetchCount, taskRouter, logger, m)

	sched, err := scheduler.New(cfg, svc, logger)
	if err != nil {
		logger.Error("scheduler init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Introspection verdicts are cached in-process; the orchestrator has no
	// shared cache and its client population is a handful of services.
	tokenCache := cache.NewMemory(1024)
	validator := oauth.NewValidator(cfg.Auth, tokenCache, 5*time.Minute, logger, m)

	tracker := health.NewTracker(health.DefaultConfig())
	prober := health.NewProber(health.DefaultProberConfig(), tracker, []health.Probe{
		{Name: "registry", Check: func(ctx context.Context) error {
			_, err := reg.CountApps(ctx)
			return err
		}},
		{Name: "broker", Check: func(ctx context.Context) error {
			ch, err := conn.Channel()
			if err != nil {
				return err
			}
			return ch.Close()
		}},
	}, logger)

	r := httpx.NewRouter(logger, cfg.CORSOrigins)
	r.Use(tracing.Middleware("steamwatch-orchestrator"))
	orchestrator.NewAPI(svc, validator, logger).Mount(r)
	r.Get("/healthz", health.Handler(tracker))
	r.Get("/livez", health.Liveness())
	r.Handle("/metrics", m.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.Start()
	defer sched.Stop()
	prober.Start()
	defer prober.Stop()
	go svc.RunJournalPruner(ctx, cfg.TaskRetention)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return httpx.Serve(gctx, cfg.ListenAddr, r, logger) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("shutdown with error", slog.String("error", err.Error()))
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
}
