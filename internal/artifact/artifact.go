// Package artifact writes the records of an aggregation run to blob storage
// as a single JSON array.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/fanin/internal/blob"
	"github.com/lsm/fanin/internal/record"
	"github.com/lsm/fanin/internal/tracing"
)

// ContentType of every artifact.
const ContentType = "application/json"

var (
	// ErrEmpty is returned when there is nothing to publish. No object is
	// written, so an empty run never looks like a completed batch.
	ErrEmpty = errors.New("no records to publish")

	// ErrExists is returned when NoClobber is set and the destination is taken.
	ErrExists = errors.New("artifact already exists")
)

// Artifact describes a written aggregate.
type Artifact struct {
	Location blob.Location
	URI      string
	Records  int
	Bytes    int
}

// Config holds publisher configuration.
type Config struct {
	Destination blob.Location
	// NoClobber refuses to replace an existing object at Destination.
	NoClobber bool
	// IndentWidth is the number of spaces per JSON nesting level. Zero means
	// two; a negative width writes compact JSON.
	IndentWidth int
}

// Publisher serializes records and writes them once. It does not retry; a
// failed write is returned to the caller.
type Publisher struct {
	store  blob.Store
	config Config
	logger *slog.Logger
	tracer trace.Tracer

	writeDuration prometheus.Observer
	bytesWritten  prometheus.Counter
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// WithTracer sets the tracer used for write spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Publisher) { p.tracer = t }
}

// WithMetrics records write latency and artifact size.
func WithMetrics(duration prometheus.Observer, bytes prometheus.Counter) Option {
	return func(p *Publisher) {
		p.writeDuration = duration
		p.bytesWritten = bytes
	}
}

// NewPublisher creates a Publisher writing to cfg.Destination on store.
func NewPublisher(store blob.Store, cfg Config, opts ...Option) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if err := cfg.Destination.Validate(); err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	if cfg.IndentWidth == 0 {
		cfg.IndentWidth = 2
	}
	p := &Publisher{
		store:  store,
		config: cfg,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("artifact"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Destination returns the configured destination.
func (p *Publisher) Destination() blob.Location { return p.config.Destination }

// Encode renders records as the artifact body.
func (p *Publisher) Encode(records []record.Record) ([]byte, error) {
	if p.config.IndentWidth < 0 {
		return record.JSON.Marshal(records)
	}
	return record.JSON.MarshalIndent(records, "", strings.Repeat(" ", p.config.IndentWidth))
}

// Publish writes records as one JSON array object. An empty slice returns
// ErrEmpty without touching storage.
func (p *Publisher) Publish(ctx context.Context, records []record.Record) (Artifact, error) {
	dest := p.config.Destination
	uri := blob.URI(p.store.Scheme(), dest)

	if len(records) == 0 {
		p.logger.Info("no records accumulated, skipping artifact upload", "destination", uri)
		return Artifact{}, ErrEmpty
	}

	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanArtifactWrite,
		trace.WithAttributes(
			tracing.ArtifactURI.String(uri),
			tracing.RecordCount.Int(len(records)),
		),
	)
	defer span.End()

	if p.config.NoClobber {
		exists, err := p.store.Exists(ctx, dest)
		if err != nil {
			tracing.SetSpanError(span, err)
			return Artifact{}, fmt.Errorf("check destination %s: %w", uri, err)
		}
		if exists {
			err := fmt.Errorf("%s: %w", uri, ErrExists)
			tracing.SetSpanError(span, err)
			return Artifact{}, err
		}
	}

	body, err := p.Encode(records)
	if err != nil {
		tracing.SetSpanError(span, err)
		return Artifact{}, fmt.Errorf("encode artifact: %w", err)
	}

	start := time.Now()
	err = p.store.Write(ctx, dest, body, ContentType)
	if p.writeDuration != nil {
		p.writeDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		tracing.SetSpanError(span, err)
		return Artifact{}, fmt.Errorf("upload artifact %s: %w", uri, err)
	}
	if p.bytesWritten != nil {
		p.bytesWritten.Add(float64(len(body)))
	}
	tracing.SetSpanOK(span)

	p.logger.Info("artifact uploaded",
		"destination", uri,
		"records", len(records),
		"bytes", len(body),
	)
	return Artifact{Location: dest, URI: uri, Records: len(records), Bytes: len(body)}, nil
}
