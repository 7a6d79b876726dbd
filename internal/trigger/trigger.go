// Package trigger starts the downstream job once a batch of messages has
// been published.
package trigger

import (
	"context"
	"strconv"
	"strings"

	"github.com/lsm/fanin/internal/blob"
)

// Request describes the batch that is ready for processing.
type Request struct {
	// Source is the object the batch was split from.
	Source blob.Location
	// Destination is the topic, subject or stream the batch went to.
	Destination string
	// Messages is the number of messages published.
	Messages int
}

// Expand replaces {{.Bucket}}, {{.Key}}, {{.Destination}} and {{.Messages}}
// in tmpl with the request's values.
func (r Request) Expand(tmpl string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return strings.NewReplacer(
		"{{.Bucket}}", r.Source.Bucket,
		"{{.Key}}", r.Source.Key,
		"{{.Destination}}", r.Destination,
		"{{.Messages}}", strconv.Itoa(r.Messages),
	).Replace(tmpl)
}

// Trigger starts a downstream execution and returns its identifier. It does
// not wait for the execution to finish.
type Trigger interface {
	Trigger(ctx context.Context, req Request) (string, error)
	Close() error
}

// Noop is a Trigger that does nothing.
type Noop struct{}

// Trigger returns an empty identifier.
func (Noop) Trigger(context.Context, Request) (string, error) { return "", nil }

// Close does nothing.
func (Noop) Close() error { return nil }
