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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lsm/fanin/internal/backend"
	"github.com/lsm/fanin/internal/blob"
	"github.com/lsm/fanin/internal/config"
	"github.com/lsm/fanin/internal/observability"
	"github.com/lsm/fanin/internal/splitter"
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
		serveFlag    = flag.Bool("serve", false, "Receive storage CloudEvents over HTTP")
		bucketFlag   = flag.String("bucket", "", "Bucket of the object to split once")
		nameFlag     = flag.String("name", "", "Name of the object to split once")
	)
	flag.Parse()

	if *serveFlag == (*bucketFlag != "" || *nameFlag != "") {
		return errors.New("use either --serve or --bucket with --name")
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	levelFlag := *logLevelFlag
	if levelFlag == "" {
		levelFlag = cfg.LogLevel
	}
	logger := observability.NewLogger("fanin-split", observability.GetLogLevel(levelFlag))
	slog.SetDefault(logger)

	if err := cfg.ValidateSplit(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("fanin-split"), logger)
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
	pub, err := backends.Publisher(ctx)
	if err != nil {
		return err
	}
	trig, err := backends.Trigger(ctx)
	if err != nil {
		return err
	}

	s, err := splitter.New(store, pub,
		splitter.WithTrigger(trig),
		splitter.WithRateLimit(cfg.Split.PublishRate, cfg.Split.PublishBurst),
		splitter.WithLogger(logger),
		splitter.WithTracer(tracer),
		splitter.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("splitter: %w", err)
	}

	if !*serveFlag {
		res, err := s.Split(ctx, blob.Location{Bucket: *bucketFlag, Key: *nameFlag})
		if err != nil {
			return fmt.Errorf("split %s/%s: %w", *bucketFlag, *nameFlag, err)
		}
		fmt.Fprintf(os.Stdout, "Published %d of %d messages to %s\n", res.Published, res.Total, pub.Destination())
		if res.TriggerErr != nil {
			fmt.Fprintf(os.Stdout, "Downstream trigger failed: %v\n", res.TriggerErr)
		}
		return nil
	}

	return serve(ctx, cfg, s, reg, backends, logger)
}

func serve(ctx context.Context, cfg *config.Config, s *splitter.Splitter, reg *prometheus.Registry, backends *backend.Set, logger *slog.Logger) error {
	health := observability.NewHealthServer()
	health.AddCheck("nats", backends.Ping)

	mux := http.NewServeMux()
	mux.Handle("POST /", otelhttp.NewHandler(s, "fanin.split.event"))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	srv := &http.Server{
		Addr:              cfg.Split.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("event receiver starting", "addr", cfg.Split.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("event receiver: %w", err)
		}
	}()

	health.SetReady(true)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}
	health.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("event receiver shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
