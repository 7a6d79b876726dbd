// Package jetstream delivers messages from a durable NATS JetStream pull
// consumer to a listener.Handler.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lsm/fanin/internal/listener"
	"github.com/lsm/fanin/internal/tracing"
)

// DefaultWorkers is the handler concurrency.
const DefaultWorkers = 8

// Config holds JetStream listener configuration.
type Config struct {
	Stream  string
	Durable string
	// FilterSubject restricts the consumer to one subject. Empty consumes the
	// whole stream.
	FilterSubject string
	// AckWait is the redelivery timeout for unacknowledged messages. Zero
	// keeps the server default.
	AckWait time.Duration
	// BatchSize is the number of messages buffered per pull. Zero keeps the
	// client default.
	BatchSize int
	Workers   int
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Stream == "" {
		errs = append(errs, errors.New("stream is required"))
	}
	if c.Durable == "" {
		errs = append(errs, errors.New("durable consumer name is required"))
	}
	return errors.Join(errs...)
}

// Listener consumes one durable pull consumer. Messages arrive on a single
// callback and are handled on a bounded pool; a full pool stalls the pull.
type Listener struct {
	js     jetstream.JetStream
	config Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Listener) { s.logger = l }
}

// WithTracer sets the tracer for per-message spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Listener) { s.tracer = t }
}

// New creates a Listener. The connection behind js stays owned by the caller.
func New(js jetstream.JetStream, cfg Config, opts ...Option) (*Listener, error) {
	if js == nil {
		return nil, errors.New("jetstream context is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	l := &Listener{js: js, config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("stream", cfg.Stream, "durable", cfg.Durable)
	return l, nil
}

// Start creates or updates the durable consumer and begins consuming.
func (l *Listener) Start(ctx context.Context, h listener.Handler) (*listener.Subscription, error) {
	cfg := jetstream.ConsumerConfig{
		Name:          l.config.Durable,
		Durable:       l.config.Durable,
		FilterSubject: l.config.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       l.config.AckWait,
		MaxAckPending: l.config.Workers * 4,
	}
	cons, err := l.js.CreateOrUpdateConsumer(ctx, l.config.Stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer %s on %s: %w", l.config.Durable, l.config.Stream, err)
	}

	l.logger.Info("consuming jetstream messages", "workers", l.config.Workers)
	h = listener.Guard(l.logger, h)

	return listener.Go(ctx, func(ctx context.Context) error {
		return l.receive(ctx, cons, h)
	}), nil
}

func (l *Listener) receive(ctx context.Context, cons jetstream.Consumer, h listener.Handler) error {
	var g errgroup.Group
	g.SetLimit(l.config.Workers)
	fatal := make(chan error, 1)

	opts := []jetstream.PullConsumeOpt{
		jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			if errors.Is(err, jetstream.ErrConsumerDeleted) || errors.Is(err, jetstream.ErrConsumerNotFound) {
				select {
				case fatal <- err:
				default:
				}
				return
			}
			l.logger.Warn("jetstream consume error", "error", err)
		}),
	}
	if l.config.BatchSize > 0 {
		opts = append(opts, jetstream.PullMaxMessages(l.config.BatchSize))
	}

	// Messages buffered past cancellation are left unacknowledged; the server
	// redelivers them after AckWait.
	cc, err := cons.Consume(func(m jetstream.Msg) {
		if ctx.Err() != nil {
			return
		}
		g.Go(func() error {
			if ctx.Err() == nil {
				l.dispatch(ctx, m, h)
			}
			return nil
		})
	}, opts...)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	var streamErr error
	select {
	case <-ctx.Done():
	case streamErr = <-fatal:
	}

	cc.Stop()
	<-cc.Closed()
	_ = g.Wait()
	return streamErr
}

func (l *Listener) dispatch(ctx context.Context, m jetstream.Msg, h listener.Handler) {
	attrs := make(map[string]string, len(m.Headers()))
	for k, v := range m.Headers() {
		if len(v) > 0 {
			attrs[k] = v[0]
		}
	}

	id := attrs[jetstream.MsgIDHeader]
	var published time.Time
	if meta, err := m.Metadata(); err == nil {
		published = meta.Timestamp
		if id == "" {
			id = fmt.Sprintf("%s/%d", meta.Stream, meta.Sequence.Stream)
		}
	}

	msg := listener.NewMessage(id, m.Data(),
		func() {
			if err := m.Ack(); err != nil {
				l.logger.Error("ack failed", "message_id", id, "error", err)
			}
		},
		func() {
			if err := m.Nak(); err != nil {
				l.logger.Error("nak failed", "message_id", id, "error", err)
			}
		},
	)
	msg.Attributes = attrs
	msg.PublishTime = published

	spanCtx, span := tracing.StartSpan(tracing.ExtractAttributes(ctx, attrs), l.tracer, tracing.SpanMessageReceive,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			tracing.Destination.String(m.Subject()),
			tracing.Subscription.String(l.config.Durable),
			tracing.MessageID.String(id),
		),
	)
	defer span.End()

	h(spanCtx, msg)
	tracing.SetSpanOK(span)
}

// Close is a no-op; the durable consumer outlives the process so the next
// run resumes where this one stopped.
func (l *Listener) Close() error { return nil }
