// Package listener defines the push-subscription contract shared by the
// broker backends: a Listener delivers each Message to a Handler on its own
// goroutines and hands back a Subscription used to stop and drain the stream.
package listener

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Handler processes one delivered message. It must resolve the message with
// Ack or Nack before returning; Guard acknowledges anything left unresolved.
// Handlers may run concurrently with each other.
type Handler func(ctx context.Context, msg *Message)

// Listener starts asynchronous delivery from one subscription.
type Listener interface {
	// Start begins delivery and returns without blocking. Cancelling ctx or
	// calling Cancel on the returned Subscription stops delivery, and no
	// handler starts after that. Implementations wrap h in Guard.
	Start(ctx context.Context, h Handler) (*Subscription, error)

	// Close releases the broker connection held by the listener.
	Close() error
}

// Fate records how a message was resolved.
type Fate int32

const (
	Unresolved Fate = iota
	Acked
	Nacked
)

func (f Fate) String() string {
	switch f {
	case Acked:
		return "acked"
	case Nacked:
		return "nacked"
	default:
		return "unresolved"
	}
}

// Message is one delivery from the broker.
type Message struct {
	ID          string
	Data        []byte
	Attributes  map[string]string
	PublishTime time.Time

	ack  func()
	nack func()
	fate atomic.Int32
}

// NewMessage builds a Message whose Ack and Nack call the given broker
// operations. Either function may be nil.
func NewMessage(id string, data []byte, ack, nack func()) *Message {
	return &Message{ID: id, Data: data, ack: ack, nack: nack}
}

// Ack acknowledges the message. Only the first Ack or Nack takes effect; the
// return value reports whether this call decided the message's fate.
func (m *Message) Ack() bool {
	if !m.fate.CompareAndSwap(int32(Unresolved), int32(Acked)) {
		return false
	}
	if m.ack != nil {
		m.ack()
	}
	return true
}

// Nack negatively acknowledges the message so the broker redelivers it.
func (m *Message) Nack() bool {
	if !m.fate.CompareAndSwap(int32(Unresolved), int32(Nacked)) {
		return false
	}
	if m.nack != nil {
		m.nack()
	}
	return true
}

// Resolved reports whether Ack or Nack has been called.
func (m *Message) Resolved() bool { return m.Fate() != Unresolved }

// Fate returns how the message was resolved so far.
func (m *Message) Fate() Fate { return Fate(m.fate.Load()) }

// Guard wraps h so that every message leaves the handler resolved: a panic is
// recovered and the message acknowledged, and so is a message h returned
// without resolving. Acknowledging rather than redelivering keeps a poison
// message from looping forever.
func Guard(logger *slog.Logger, h Handler) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg *Message) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("message handler panicked, acknowledging message",
					"message_id", msg.ID,
					"panic", r,
				)
				msg.Ack()
				return
			}
			if !msg.Resolved() {
				logger.Warn("message handler left message unresolved, acknowledging",
					"message_id", msg.ID,
				)
				msg.Ack()
			}
		}()
		h(ctx, msg)
	}
}
