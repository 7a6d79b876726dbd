// Package tracing configures OpenTelemetry for the fanin binaries and
// carries span context across broker message attributes.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultEndpoint = "localhost:4317"

// Config holds tracing configuration.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	// SampleRatio is the fraction of root traces recorded. Spans whose
	// parent arrived sampled in message attributes are always recorded.
	SampleRatio float64
	// Attributes describe where the process runs (Cloud Run job or service).
	Attributes []attribute.KeyValue
}

// GetConfig reads tracing configuration from the environment:
// FANIN_OTEL_ENABLED, OTEL_EXPORTER_OTLP_ENDPOINT (an http:// prefix selects
// a plaintext connection), FANIN_OTEL_SAMPLE_RATIO and the Cloud Run
// CLOUD_RUN_JOB/CLOUD_RUN_EXECUTION/K_SERVICE/K_REVISION variables.
func GetConfig(serviceName string) Config {
	cfg := Config{
		Endpoint:    defaultEndpoint,
		Insecure:    true,
		ServiceName: serviceName,
		SampleRatio: 1,
	}
	cfg.Enabled, _ = strconv.ParseBool(os.Getenv("FANIN_OTEL_ENABLED"))

	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		switch {
		case strings.HasPrefix(ep, "https://"):
			cfg.Endpoint, cfg.Insecure = strings.TrimPrefix(ep, "https://"), false
		case strings.HasPrefix(ep, "http://"):
			cfg.Endpoint = strings.TrimPrefix(ep, "http://")
		default:
			cfg.Endpoint = ep
		}
	}
	if r, err := strconv.ParseFloat(os.Getenv("FANIN_OTEL_SAMPLE_RATIO"), 64); err == nil && r >= 0 && r <= 1 {
		cfg.SampleRatio = r
	}

	for env, key := range map[string]attribute.Key{
		"CLOUD_RUN_JOB":        semconv.FaaSNameKey,
		"K_SERVICE":            semconv.FaaSNameKey,
		"CLOUD_RUN_EXECUTION":  semconv.FaaSInstanceKey,
		"K_REVISION":           semconv.FaaSVersionKey,
		"CLOUD_RUN_TASK_INDEX": attribute.Key("gcp.cloud_run.task_index"),
	} {
		if v := os.Getenv(env); v != "" {
			cfg.Attributes = append(cfg.Attributes, key.String(v))
		}
	}
	return cfg
}

// Initialize installs a tracer provider exporting over OTLP gRPC and the
// W3C propagators. When tracing is disabled it returns a no-op tracer. The
// returned function flushes pending spans.
func Initialize(cfg Config, logger *slog.Logger) (trace.Tracer, func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Debug("tracing disabled")
		return noop.NewTracerProvider().Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	attrs := append([]attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}, cfg.Attributes...)
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)

	return tp.Tracer(cfg.ServiceName), tp.Shutdown, nil
}

// ExtractAttributes returns ctx carrying the remote span context found in
// message attributes (traceparent/tracestate), if any.
func ExtractAttributes(ctx context.Context, attrs map[string]string) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(attrs))
}

// InjectAttributes writes the span context of ctx into attrs, creating the
// map when nil.
func InjectAttributes(ctx context.Context, attrs map[string]string) map[string]string {
	if attrs == nil {
		attrs = make(map[string]string, 2)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))
	return attrs
}
