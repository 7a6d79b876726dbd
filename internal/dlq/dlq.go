// Package dlq forwards messages that could not be decoded to a dead-letter
// destination so they are kept for inspection instead of dropped.
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/lsm/fanin/internal/broker"
	"github.com/lsm/fanin/internal/listener"
	"github.com/lsm/fanin/internal/record"
)

// Headers added to every dead-lettered message.
const (
	HeaderSubscription = "fanin-original-subscription"
	HeaderMessageID    = "fanin-original-message-id"
	HeaderError        = "fanin-error-message"
	HeaderFailedAt     = "fanin-failed-at"
)

// DefaultTimeout bounds one dead-letter publish.
const DefaultTimeout = 10 * time.Second

// Handler publishes failed messages to a dead-letter destination.
type Handler struct {
	publisher    broker.Publisher
	subscription string
	timeout      time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a Handler for messages consumed from subscription.
func NewHandler(pub broker.Publisher, subscription string, opts ...Option) *Handler {
	h := &Handler{
		publisher:    pub,
		subscription: subscription,
		timeout:      DefaultTimeout,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Send publishes the original payload and attributes of msg, plus failure
// headers, to the dead-letter destination.
func (h *Handler) Send(ctx context.Context, msg *listener.Message, failure *record.DecodeFailure) error {
	headers := make(map[string]string, len(msg.Attributes)+4)
	maps.Copy(headers, msg.Attributes)
	headers[HeaderSubscription] = h.subscription
	headers[HeaderMessageID] = msg.ID
	headers[HeaderFailedAt] = h.now().UTC().Format(time.RFC3339)
	if failure != nil && failure.Err != nil {
		headers[HeaderError] = failure.Err.Error()
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if _, err := h.publisher.Publish(ctx, msg.Data, headers); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", h.publisher.Destination(), err)
	}
	return nil
}

// Resolve dead-letters msg and acknowledges it. When the publish fails the
// message is nacked so the broker delivers it again. Its signature matches
// consumer.PoisonPolicy.
func (h *Handler) Resolve(ctx context.Context, msg *listener.Message, failure *record.DecodeFailure) {
	// The run may already be draining; the copy must still be attempted.
	if err := h.Send(context.WithoutCancel(ctx), msg, failure); err != nil {
		h.logger.Error("dead-letter failed, requesting redelivery", "message_id", msg.ID, "error", err)
		msg.Nack()
		return
	}
	h.logger.Info("message dead-lettered", "message_id", msg.ID, "destination", h.publisher.Destination())
	msg.Ack()
}

// Close releases the dead-letter publisher.
func (h *Handler) Close() error {
	return h.publisher.Close()
}
