// Package kafka delivers records from a Kafka consumer group to a
// listener.Handler.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lsm/fanin/internal/kafka"
	"github.com/lsm/fanin/internal/listener"
	"github.com/lsm/fanin/internal/tracing"
)

// DefaultWorkers is the handler concurrency per fetch.
const DefaultWorkers = 8

// Config holds Kafka listener configuration.
type Config struct {
	Cluster       *kafka.ClusterConfig // required
	Topic         string
	ConsumerGroup string
	StartOffset   string // "earliest" or "latest" (default: "latest")
	Workers       int
}

// consumer abstracts the kafka client methods used by Listener for testing.
type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	AllowRebalance()
	Close()
}

// Listener consumes a topic as part of a consumer group. Records are handled
// concurrently per fetch; acknowledged records are committed once the whole
// fetch has been handled, so delivery is at-least-once. Kafka cannot
// redeliver a single record, so a nacked record is only left uncommitted.
type Listener struct {
	client  consumer
	topic   string
	workers int
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Listener) { s.logger = l }
}

// WithTracer sets the tracer for per-record spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Listener) { s.tracer = t }
}

// New creates a Kafka listener. The client connects lazily.
func New(cfg Config, opts ...Option) (*Listener, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}

	kopts, err := kafka.ConsumerOptions(cfg.Cluster, cfg.ConsumerGroup, cfg.Topic, cfg.StartOffset)
	if err != nil {
		return nil, fmt.Errorf("consumer options: %w", err)
	}

	l := newListener(nil, cfg.Topic, cfg.Workers, opts...)
	client, err := kgo.NewClient(append(kopts, kafka.LoggerOption(l.logger))...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	l.client = client
	return l, nil
}

func newListener(client consumer, topic string, workers int, opts ...Option) *Listener {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	l := &Listener{
		client:  client,
		topic:   topic,
		workers: workers,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Start begins consuming. It returns immediately.
func (l *Listener) Start(ctx context.Context, h listener.Handler) (*listener.Subscription, error) {
	l.logger.Info("starting kafka consumer", "topic", l.topic, "workers", l.workers)
	h = listener.Guard(l.logger, h)
	return listener.Go(ctx, func(ctx context.Context) error {
		return l.receive(ctx, h)
	}), nil
}

func (l *Listener) receive(ctx context.Context, h listener.Handler) error {
	for {
		fetches := l.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return kgo.ErrClientClosed
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
					continue
				}
				l.logger.Error("fetch error", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		// Once cancelled, records not yet handed to a handler stay unmarked so
		// the group redelivers them.
		var (
			g       errgroup.Group
			skipped atomic.Int64
		)
		g.SetLimit(l.workers)
		fetches.EachRecord(func(rec *kgo.Record) {
			if ctx.Err() != nil {
				skipped.Add(1)
				return
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					skipped.Add(1)
					return nil
				}
				l.dispatch(ctx, rec, h)
				return nil
			})
		})
		_ = g.Wait()
		if n := skipped.Load(); n > 0 {
			l.logger.Info("left records uncommitted after cancel", "topic", l.topic, "records", n)
		}

		// Offsets acknowledged during a drain are still committed.
		if err := l.client.CommitMarkedOffsets(context.WithoutCancel(ctx)); err != nil {
			l.logger.Error("commit error", "topic", l.topic, "error", err)
		}
		l.client.AllowRebalance()

		if ctx.Err() != nil {
			l.logger.Info("kafka listener draining complete", "topic", l.topic)
			return ctx.Err()
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, rec *kgo.Record, h listener.Handler) {
	attrs := make(map[string]string, len(rec.Headers))
	for _, hd := range rec.Headers {
		attrs[hd.Key] = string(hd.Value)
	}

	id := fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
	msg := listener.NewMessage(id, rec.Value,
		func() { l.client.MarkCommitRecords(rec) },
		func() {
			l.logger.Warn("kafka record nacked, offset left uncommitted",
				"topic", rec.Topic,
				"partition", rec.Partition,
				"offset", rec.Offset,
			)
		},
	)
	msg.Attributes = attrs
	msg.PublishTime = rec.Timestamp

	spanCtx, span := tracing.StartSpan(tracing.ExtractAttributes(ctx, attrs), l.tracer, tracing.SpanMessageReceive,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			tracing.Destination.String(rec.Topic),
			tracing.KafkaPartition.Int64(int64(rec.Partition)),
			tracing.KafkaOffset.Int64(rec.Offset),
			tracing.MessageID.String(id),
		),
	)
	defer span.End()

	h(spanCtx, msg)
	tracing.SetSpanOK(span)
}

// Close performs graceful shutdown of the Kafka client.
func (l *Listener) Close() error {
	l.client.Close()
	return nil
}
