// Package broker defines how split records are published.
package broker

import "context"

// Publisher sends one message and waits for the broker to accept it.
type Publisher interface {
	// Publish returns the broker-assigned message ID.
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
	// Destination names the topic, subject or stream messages go to.
	Destination() string
	Close() error
}
