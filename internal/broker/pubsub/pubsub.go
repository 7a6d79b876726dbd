// Package pubsub publishes split records to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/lsm/fanin/internal/broker"
	"github.com/lsm/fanin/internal/tracing"
)

// ParseTopic resolves the project and short topic ID. A full
// projects/<p>/topics/<t> path overrides project.
func ParseTopic(project, topic string) (string, string, error) {
	if strings.HasPrefix(topic, "projects/") {
		parts := strings.Split(topic, "/")
		if len(parts) != 4 || parts[1] == "" || parts[2] != "topics" || parts[3] == "" {
			return "", "", fmt.Errorf("malformed topic path %q", topic)
		}
		return parts[1], parts[3], nil
	}
	if topic == "" {
		return "", "", errors.New("topic is required")
	}
	if project == "" {
		return "", "", errors.New("project ID is required for a short topic ID")
	}
	return project, topic, nil
}

// Publisher publishes to one topic and waits for each publish result.
type Publisher struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	path       string
	ownsClient bool
	tracer     trace.Tracer
}

var _ broker.Publisher = (*Publisher)(nil)

// New creates a client and a Publisher that owns it.
func New(ctx context.Context, project, topic string, tracer trace.Tracer, clientOpts ...option.ClientOption) (*Publisher, error) {
	p, _, err := ParseTopic(project, topic)
	if err != nil {
		return nil, err
	}
	client, err := pubsub.NewClient(ctx, p, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub, err := NewFromClient(client, project, topic, tracer)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	pub.ownsClient = true
	return pub, nil
}

// NewFromClient creates a Publisher on a client the caller keeps owning.
func NewFromClient(client *pubsub.Client, project, topic string, tracer trace.Tracer) (*Publisher, error) {
	p, id, err := ParseTopic(project, topic)
	if err != nil {
		return nil, err
	}
	return &Publisher{
		client: client,
		topic:  client.TopicInProject(id, p),
		path:   fmt.Sprintf("projects/%s/topics/%s", p, id),
		tracer: tracer,
	}, nil
}

// Publish sends one message and blocks until the server acknowledges it.
func (p *Publisher) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(tracing.Destination.String(p.path)),
	)
	defer span.End()

	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: tracing.InjectAttributes(ctx, attrs),
	})
	id, err := res.Get(ctx)
	if err != nil {
		tracing.SetSpanError(span, err)
		return "", fmt.Errorf("publish to %s: %w", p.path, err)
	}
	span.SetAttributes(tracing.MessageID.String(id))
	tracing.SetSpanOK(span)
	return id, nil
}

// Destination returns the full topic path.
func (p *Publisher) Destination() string { return p.path }

// Close flushes pending messages and releases an owned client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if !p.ownsClient {
		return nil
	}
	return p.client.Close()
}
