// Package jetstream publishes split records to a NATS JetStream subject.
package jetstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/fanin/internal/broker"
	"github.com/lsm/fanin/internal/tracing"
)

// Publisher publishes to one subject and waits for the stream's ack.
type Publisher struct {
	js      jetstream.JetStream
	subject string
	tracer  trace.Tracer
}

var _ broker.Publisher = (*Publisher)(nil)

// New creates a Publisher. The connection behind js stays owned by the caller.
func New(js jetstream.JetStream, subject string, tracer trace.Tracer) (*Publisher, error) {
	if js == nil {
		return nil, errors.New("jetstream context is required")
	}
	if subject == "" {
		return nil, errors.New("subject is required")
	}
	return &Publisher{js: js, subject: subject, tracer: tracer}, nil
}

// Publish sends one message. The returned ID is stream/sequence.
func (p *Publisher) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(tracing.Destination.String(p.subject)),
	)
	defer span.End()

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	for k, v := range tracing.InjectAttributes(ctx, attrs) {
		msg.Header.Set(k, v)
	}

	ack, err := p.js.PublishMsg(ctx, msg)
	if err != nil {
		tracing.SetSpanError(span, err)
		return "", fmt.Errorf("publish to %s: %w", p.subject, err)
	}
	id := fmt.Sprintf("%s/%d", ack.Stream, ack.Sequence)
	span.SetAttributes(tracing.MessageID.String(id))
	tracing.SetSpanOK(span)
	return id, nil
}

// Destination returns the subject.
func (p *Publisher) Destination() string { return p.subject }

// Close is a no-op; the caller owns the connection.
func (p *Publisher) Close() error { return nil }
