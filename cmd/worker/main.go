// The worker consumes fetch tasks from the orchestrator's queue, calls the
// upstream catalog under the process-wide rate limit, and posts the resulting
// packages to the backend. A small HTTP listener exposes metrics and health;
// the worker has no API of its own.
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
	"github.com/steamwatch/steamwatch/internal/config"
	"github.com/steamwatch/steamwatch/internal/health"
	"github.com/steamwatch/steamwatch/internal/httpx"
	"github.com/steamwatch/steamwatch/internal/logging"
	"github.com/steamwatch/steamwatch/internal/metrics"
	"github.com/steamwatch/steamwatch/internal/oauth"
	"github.com/steamwatch/steamwatch/internal/steam"
	"github.com/steamwatch/steamwatch/internal/tracing"
	"github.com/steamwatch/steamwatch/internal/worker"
)

var version = "dev"

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		slog.Error("config error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.Setup("worker", cfg.LogLevel)
	logger.Info("starting", slog.String("version", version))

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.Telemetry.TracingEnabled,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: "steamwatch-worker",
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Error("tracing init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New()
	conn := broker.New(cfg.Broker, logger)
	defer func() { _ = conn.Close() }()

	steamClient := steam.New(cfg, logger, m)
	authClient := oauth.NewClient(cfg.Auth, []string{oauth.ScopeBackendPackage}, logger)
	poster := worker.NewPackageClient(authClient, cfg.BackendURL)
	results := broker.NewPublisher(conn, cfg.Broker.ResultQueue, logger, m)

	tasks := worker.NewTasks(steamClient, poster, results, cfg.DefaultCountryCode, logger)
	taskRouter := broker.NewRouter()
	tasks.Register(taskRouter)
	consumer := broker.NewConsumer(conn, cfg.Broker.WorkerQueue, cfg.Broker.PrefetchCount, taskRouter, logger, m)

	tracker := health.NewTracker(health.DefaultConfig())
	prober := health.NewProber(health.DefaultProberConfig(), tracker, []health.Probe{
		{Name: "broker", Check: func(ctx context.Context) error {
			ch, err := conn.Channel()
			if err != nil {
				return err
			}
			return ch.Close()
		}},
	}, logger)

	r := httpx.NewRouter(logger, nil)
	r.Get("/healthz", health.Handler(tracker))
	r.Get("/livez", health.Liveness())
	r.Handle("/metrics", m.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prober.Start()
	defer prober.Stop()

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
