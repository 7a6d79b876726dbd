// Package pubsub delivers messages from a Google Cloud Pub/Sub subscription
// to a listener.Handler using streaming pull.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/lsm/fanin/internal/listener"
	"github.com/lsm/fanin/internal/tracing"
)

// Config holds Pub/Sub listener configuration.
type Config struct {
	ProjectID string
	// Subscription is a short ID or a full projects/<p>/subscriptions/<s> path.
	Subscription string
	// MaxOutstandingMessages caps unacknowledged messages held by the client.
	// Zero keeps the client default.
	MaxOutstandingMessages int
	// NumGoroutines is the number of streaming pull goroutines. Zero keeps
	// the client default.
	NumGoroutines int
	// MaxExtension bounds ack deadline extension. Zero keeps the client
	// default.
	MaxExtension time.Duration
}

// ParseSubscription resolves the project and short subscription ID. A full
// path overrides project.
func ParseSubscription(project, subscription string) (string, string, error) {
	if strings.HasPrefix(subscription, "projects/") {
		parts := strings.Split(subscription, "/")
		if len(parts) != 4 || parts[1] == "" || parts[2] != "subscriptions" || parts[3] == "" {
			return "", "", fmt.Errorf("malformed subscription path %q", subscription)
		}
		return parts[1], parts[3], nil
	}
	if subscription == "" {
		return "", "", errors.New("subscription is required")
	}
	if strings.Contains(subscription, "/") {
		return "", "", fmt.Errorf("malformed subscription %q", subscription)
	}
	if project == "" {
		return "", "", errors.New("project ID is required for a short subscription ID")
	}
	return project, subscription, nil
}

// Listener streams one subscription.
type Listener struct {
	client     *pubsub.Client
	sub        *pubsub.Subscription
	path       string
	ownsClient bool
	logger     *slog.Logger
	tracer     trace.Tracer
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

// New creates a Pub/Sub client and a Listener that owns it.
func New(ctx context.Context, cfg Config, clientOpts []option.ClientOption, opts ...Option) (*Listener, error) {
	project, _, err := ParseSubscription(cfg.ProjectID, cfg.Subscription)
	if err != nil {
		return nil, err
	}
	client, err := pubsub.NewClient(ctx, project, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	l, err := NewFromClient(client, cfg, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	l.ownsClient = true
	return l, nil
}

// NewFromClient creates a Listener on an existing client, which the caller
// keeps ownership of.
func NewFromClient(client *pubsub.Client, cfg Config, opts ...Option) (*Listener, error) {
	project, id, err := ParseSubscription(cfg.ProjectID, cfg.Subscription)
	if err != nil {
		return nil, err
	}

	sub := client.SubscriptionInProject(id, project)
	if cfg.MaxOutstandingMessages != 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	}
	if cfg.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines
	}
	if cfg.MaxExtension > 0 {
		sub.ReceiveSettings.MaxExtension = cfg.MaxExtension
	}

	l := &Listener{
		client: client,
		sub:    sub,
		path:   fmt.Sprintf("projects/%s/subscriptions/%s", project, id),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

// Path returns the full subscription path.
func (l *Listener) Path() string { return l.path }

// Start checks that the subscription exists and begins streaming pull.
func (l *Listener) Start(ctx context.Context, h listener.Handler) (*listener.Subscription, error) {
	ok, err := l.sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", l.path, err)
	}
	if !ok {
		return nil, fmt.Errorf("subscription %s does not exist", l.path)
	}

	l.logger.Info("listening on subscription", "subscription", l.path)
	h = listener.Guard(l.logger, h)

	return listener.Go(ctx, func(ctx context.Context) error {
		// Receive returns only after every callback has returned.
		return l.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
			l.dispatch(ctx, m, h)
		})
	}), nil
}

func (l *Listener) dispatch(ctx context.Context, m *pubsub.Message, h listener.Handler) {
	msg := listener.NewMessage(m.ID, m.Data, m.Ack, m.Nack)
	msg.Attributes = m.Attributes
	msg.PublishTime = m.PublishTime

	spanCtx, span := tracing.StartSpan(tracing.ExtractAttributes(ctx, m.Attributes), l.tracer, tracing.SpanMessageReceive,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			tracing.Subscription.String(l.path),
			tracing.MessageID.String(m.ID),
		),
	)
	defer span.End()

	h(spanCtx, msg)
	tracing.SetSpanOK(span)
}

// Close releases the client when the Listener created it.
func (l *Listener) Close() error {
	if !l.ownsClient {
		return nil
	}
	return l.client.Close()
}
