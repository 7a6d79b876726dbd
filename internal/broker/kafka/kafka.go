// Package kafka publishes split records to a Kafka topic.
package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/fanin/internal/broker"
	"github.com/lsm/fanin/internal/kafka"
	"github.com/lsm/fanin/internal/tracing"
)

// producer abstracts the kafka client methods used by Publisher for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher produces records synchronously to one topic.
type Publisher struct {
	client producer
	topic  string
	tracer trace.Tracer
}

var _ broker.Publisher = (*Publisher)(nil)

// New creates a Kafka publisher with cluster configuration.
func New(cluster *kafka.ClusterConfig, topic string, tracer trace.Tracer) (*Publisher, error) {
	if cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	opts, err := kafka.ProducerOptions(cluster, topic)
	if err != nil {
		return nil, fmt.Errorf("producer options: %w", err)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher client: %w", err)
	}

	return &Publisher{client: client, topic: topic, tracer: tracer}, nil
}

// Publish sends one record and returns its partition/offset.
func (p *Publisher) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(tracing.Destination.String(p.topic)),
	)
	defer span.End()

	attrs = tracing.InjectAttributes(ctx, attrs)
	record := &kgo.Record{Topic: p.topic, Value: data}
	for k, v := range attrs {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	results := p.client.ProduceSync(ctx, record)
	r, err := results.First()
	if err != nil {
		tracing.SetSpanError(span, err)
		return "", fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	span.SetAttributes(tracing.KafkaPartition.Int64(int64(r.Partition)), tracing.KafkaOffset.Int64(r.Offset))
	tracing.SetSpanOK(span)
	return fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset), nil
}

// Destination returns the topic.
func (p *Publisher) Destination() string { return p.topic }

// Close shuts down the publisher.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}
