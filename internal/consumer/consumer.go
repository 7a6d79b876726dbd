// Package consumer runs one bounded aggregation: it listens on a
// subscription until enough records have arrived, the wait times out or the
// run is interrupted, drains the stream and publishes what was collected as a
// single artifact.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/fanin/internal/aggregate"
	"github.com/lsm/fanin/internal/artifact"
	"github.com/lsm/fanin/internal/blob"
	"github.com/lsm/fanin/internal/listener"
	"github.com/lsm/fanin/internal/observability"
	"github.com/lsm/fanin/internal/record"
)

// DefaultDrainTimeout bounds how long a cancelled subscription may take to
// finish its in-flight handlers.
const DefaultDrainTimeout = 60 * time.Second

var (
	// ErrListenerStart is returned when the subscription could not be opened.
	// Nothing is received and nothing is written.
	ErrListenerStart = errors.New("start listener")

	// ErrPublish is returned when the aggregate could not be written. Messages
	// already acknowledged stay acknowledged.
	ErrPublish = errors.New("publish aggregate")

	// ErrStreamClosed is returned when the subscription ended on its own
	// before the wait was over. Records received up to then are still
	// published.
	ErrStreamClosed = errors.New("subscription closed unexpectedly")
)

// Publisher writes the final aggregate.
type Publisher interface {
	Publish(ctx context.Context, records []record.Record) (artifact.Artifact, error)
	Destination() blob.Location
}

// PoisonPolicy resolves a message whose payload could not be decoded.
type PoisonPolicy func(ctx context.Context, msg *listener.Message, failure *record.DecodeFailure)

// DiscardPoison acknowledges an undecodable message so the broker does not
// redeliver it. The payload is lost; the caller has already logged it.
func DiscardPoison(_ context.Context, msg *listener.Message, _ *record.DecodeFailure) {
	msg.Ack()
}

// Config holds the parameters of one run.
type Config struct {
	// Subscription names the stream in logs and metric labels.
	Subscription string
	// Target is the number of records that completes the run.
	Target int
	// WaitTimeout bounds the listening phase. Zero waits until the target is
	// reached or the context is cancelled.
	WaitTimeout time.Duration
	// DrainTimeout bounds the wait for in-flight handlers after cancellation.
	// Zero means DefaultDrainTimeout.
	DrainTimeout time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Target <= 0 {
		errs = append(errs, fmt.Errorf("target: %w", aggregate.ErrInvalidTarget))
	}
	if c.WaitTimeout < 0 {
		errs = append(errs, errors.New("wait timeout must not be negative"))
	}
	if c.DrainTimeout < 0 {
		errs = append(errs, errors.New("drain timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// Consumer wires a Listener to an Accumulator, a Gate and a Publisher.
// A Consumer performs a single run.
type Consumer struct {
	config    Config
	listener  listener.Listener
	publisher Publisher
	poison    PoisonPolicy
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *observability.Metrics
	now       func() time.Time
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) { c.logger = l }
}

// WithTracer sets the tracer used for the run span.
func WithTracer(t trace.Tracer) Option {
	return func(c *Consumer) { c.tracer = t }
}

// WithMetrics sets the metrics the consumer reports to.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithPoisonPolicy replaces DiscardPoison.
func WithPoisonPolicy(p PoisonPolicy) Option {
	return func(c *Consumer) { c.poison = p }
}

// New creates a Consumer.
func New(cfg Config, l listener.Listener, p Publisher, opts ...Option) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("consumer config: %w", err)
	}
	if l == nil {
		return nil, errors.New("listener is required")
	}
	if p == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	c := &Consumer{
		config:    cfg,
		listener:  l,
		publisher: p,
		poison:    DiscardPoison,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.poison == nil {
		c.poison = DiscardPoison
	}
	c.logger = slog.New(observability.WithTrace(c.logger.Handler())).With("subscription", cfg.Subscription)
	return c, nil
}
