package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/fanin/internal/artifact"
	"github.com/lsm/fanin/internal/backend"
	"github.com/lsm/fanin/internal/blob"
	"github.com/lsm/fanin/internal/config"
	"github.com/lsm/fanin/internal/consumer"
	"github.com/lsm/fanin/internal/dlq"
	"github.com/lsm/fanin/internal/observability"
	"github.com/lsm/fanin/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFlag   = flag.String("config", "", "Path to YAML config file. Can also be set via FANIN_CONFIG_FILE.")
		logLevelFlag = flag.String("log-level", "", "Log level (debug, info, warn, error). Can also be set via FANIN_LOG_LEVEL env var.")
		targetFlag   = flag.Int("target", 0, "Override EXPECTED_MESSAGES_COUNT")
		timeoutFlag  = flag.Duration("wait-timeout", 0, "Override FANIN_WAIT_TIMEOUT")
	)
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *targetFlag > 0 {
		cfg.Collect.Target = *targetFlag
	}
	if *timeoutFlag > 0 {
		cfg.Collect.WaitTimeout = *timeoutFlag
	}

	levelFlag := *logLevelFlag
	if levelFlag == "" {
		levelFlag = cfg.LogLevel
	}
	level := observability.GetLogLevel(levelFlag)
	logger := observability.NewLogger("fanin-collect", level)
	slog.SetDefault(logger)

	if err := cfg.ValidateCollect(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("fanin-collect"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("failed to shut down tracing", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backends := backend.New(cfg, logger, tracer)
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Error("failed to close clients", "error", err)
		}
	}()

	store, err := backends.Store(ctx)
	if err != nil {
		return err
	}
	l, subscription, err := backends.Listener(ctx)
	if err != nil {
		return err
	}

	pub, err := artifact.NewPublisher(store, artifact.Config{
		Destination: blob.Location{Bucket: cfg.Collect.Bucket, Key: cfg.Collect.Object},
		NoClobber:   cfg.Collect.NoClobber,
	},
		artifact.WithLogger(logger),
		artifact.WithTracer(tracer),
		artifact.WithMetrics(metrics.ArtifactWrite, metrics.ArtifactBytes),
	)
	if err != nil {
		return fmt.Errorf("artifact publisher: %w", err)
	}

	opts := []consumer.Option{
		consumer.WithLogger(logger),
		consumer.WithTracer(tracer),
		consumer.WithMetrics(metrics),
	}
	deadLetter, err := backends.DeadLetter(ctx)
	if err != nil {
		return err
	}
	if deadLetter != nil {
		dlqHandler := dlq.NewHandler(deadLetter, subscription, dlq.WithLogger(logger))
		opts = append(opts, consumer.WithPoisonPolicy(dlqHandler.Resolve))
		logger.Info("undecodable messages go to dead letter", "destination", deadLetter.Destination())
	}

	c, err := consumer.New(consumer.Config{
		Subscription: subscription,
		Target:       cfg.Collect.Target,
		WaitTimeout:  cfg.Collect.WaitTimeout,
		DrainTimeout: cfg.Collect.DrainTimeout,
	}, l, pub, opts...)
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}

	health := observability.NewHealthServer()
	health.AddCheck("nats", backends.Ping)
	metricsServer := serveMetrics(cfg.MetricsAddr, reg, health, logger)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}()
	health.SetReady(true)

	logger.Info("collecting messages",
		"subscription", subscription,
		"target", cfg.Collect.Target,
		"destination", blob.URI(store.Scheme(), pub.Destination()),
	)

	report, err := c.Run(ctx)
	health.SetReady(false)
	fmt.Fprintln(os.Stdout, report.Summary())
	if err != nil {
		if errors.Is(err, consumer.ErrPublish) {
			logger.Error("aggregate was not stored; acknowledged messages are lost", "records", report.Records)
		}
		return fmt.Errorf("run %s: %w", report.RunID, err)
	}
	return nil
}

// serveMetrics starts the metrics and health endpoints. An empty addr
// disables them.
func serveMetrics(addr string, reg *prometheus.Registry, health *observability.HealthServer, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if addr == "" {
		return srv
	}
	go func() {
		logger.Info("metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
