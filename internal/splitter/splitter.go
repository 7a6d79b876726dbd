// Package splitter reads a JSON array from blob storage, publishes each
// element as its own message and then triggers the downstream job.
package splitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/lsm/fanin/internal/blob"
	"github.com/lsm/fanin/internal/broker"
	"github.com/lsm/fanin/internal/observability"
	"github.com/lsm/fanin/internal/record"
	"github.com/lsm/fanin/internal/tracing"
	"github.com/lsm/fanin/internal/trigger"
)

// Attributes set on every published message.
const (
	AttrSource = "fanin-source"
	AttrIndex  = "fanin-index"
)

var (
	// ErrNotFound is returned when the source object does not exist.
	ErrNotFound = errors.New("source object not found")
	// ErrNotArray is returned when the source is valid JSON but not an array.
	ErrNotArray = errors.New("source is not a JSON array")
	// ErrInvalidJSON is returned when the source does not parse.
	ErrInvalidJSON = errors.New("source is not valid JSON")
)

// Result summarizes a split.
type Result struct {
	Source    blob.Location
	Total     int
	Published int
	// TriggerID identifies the downstream execution, if one was started.
	TriggerID string
	// TriggerErr is set when triggering failed. Publishing still counts as
	// successful.
	TriggerErr error
}

// Splitter publishes the elements of stored JSON arrays.
type Splitter struct {
	store     blob.Store
	publisher broker.Publisher
	trigger   trigger.Trigger
	limiter   *rate.Limiter
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *observability.Metrics
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithTrigger sets the downstream job trigger.
func WithTrigger(t trigger.Trigger) Option {
	return func(s *Splitter) { s.trigger = t }
}

// WithRateLimit paces publishing to r messages per second.
func WithRateLimit(r float64, burst int) Option {
	return func(s *Splitter) {
		if r <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Splitter) { s.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Splitter) { s.tracer = t }
}

// WithMetrics sets the metrics the splitter reports to.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Splitter) { s.metrics = m }
}

// New creates a Splitter.
func New(store blob.Store, pub broker.Publisher, opts ...Option) (*Splitter, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	s := &Splitter{store: store, publisher: pub, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Split publishes every element of the array stored at loc, in order, one
// message at a time, stopping at the first failure. When at least one
// message was published the trigger runs; its failure is reported in
// Result.TriggerErr rather than as an error.
func (s *Splitter) Split(ctx context.Context, loc blob.Location) (Result, error) {
	res := Result{Source: loc}
	uri := blob.URI(s.store.Scheme(), loc)
	logger := s.logger.With("source", uri, "destination", s.publisher.Destination())

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanSplit,
		trace.WithAttributes(
			tracing.ArtifactURI.String(uri),
			tracing.Destination.String(s.publisher.Destination()),
		),
	)
	defer span.End()

	items, err := s.load(ctx, loc)
	if err != nil {
		s.countError(err)
		tracing.SetSpanError(span, err)
		return res, err
	}
	res.Total = len(items)
	logger.Info("publishing messages", "count", res.Total)

	for i, item := range items {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				tracing.SetSpanError(span, err)
				return res, fmt.Errorf("rate limiter: %w", err)
			}
		}

		attrs := map[string]string{AttrSource: uri, AttrIndex: strconv.Itoa(i)}
		id, err := s.publisher.Publish(ctx, item, attrs)
		if err != nil {
			err = fmt.Errorf("publish message %d of %d: %w", i+1, res.Total, err)
			s.countError(err)
			tracing.SetSpanError(span, err)
			logger.Error("publish failed", "published", res.Published, "error", err)
			return res, err
		}
		res.Published++
		if s.metrics != nil {
			s.metrics.SplitPublished.WithLabelValues(s.publisher.Destination()).Inc()
		}
		logger.Debug("published message", "index", i, "message_id", id)
	}
	span.SetAttributes(tracing.RecordCount.Int(res.Published))
	logger.Info("published all messages", "count", res.Published)

	if res.Published > 0 && s.trigger != nil {
		res.TriggerID, res.TriggerErr = s.trigger.Trigger(ctx, trigger.Request{
			Source:      loc,
			Destination: s.publisher.Destination(),
			Messages:    res.Published,
		})
		if res.TriggerErr != nil {
			logger.Error("downstream trigger failed", "error", res.TriggerErr)
			s.countTrigger("error")
		} else {
			logger.Info("downstream job triggered", "execution", res.TriggerID)
			s.countTrigger("ok")
		}
	}

	tracing.SetSpanOK(span)
	return res, nil
}

// load reads loc and returns each array element compacted.
func (s *Splitter) load(ctx context.Context, loc blob.Location) ([][]byte, error) {
	exists, err := s.store.Exists(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", loc, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
	}

	data, err := s.store.Read(ctx, loc)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", loc, err)
	}

	if !record.JSON.Valid(data) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJSON, loc)
	}
	if record.JSON.Get(data).ValueType() != jsoniter.ArrayValue {
		return nil, fmt.Errorf("%w: %s", ErrNotArray, loc)
	}

	var raw []jsoniter.RawMessage
	if err := record.JSON.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidJSON, loc, err)
	}

	items := make([][]byte, len(raw))
	for i, r := range raw {
		var buf bytes.Buffer
		if err := json.Compact(&buf, r); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidJSON, i, err)
		}
		items[i] = buf.Bytes()
	}
	return items, nil
}

func (s *Splitter) countError(err error) {
	if s.metrics == nil {
		return
	}
	reason := "publish"
	switch {
	case errors.Is(err, ErrNotFound):
		reason = "not_found"
	case errors.Is(err, ErrNotArray):
		reason = "not_array"
	case errors.Is(err, ErrInvalidJSON):
		reason = "invalid_json"
	}
	s.metrics.SplitErrors.WithLabelValues(reason).Inc()
}

func (s *Splitter) countTrigger(status string) {
	if s.metrics != nil {
		s.metrics.JobTriggers.WithLabelValues(status).Inc()
	}
}
