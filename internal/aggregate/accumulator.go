// Package aggregate holds the shared state of an aggregation run: the
// Accumulator that collects decoded records and the Gate that wakes the
// driving goroutine once enough of them have arrived.
package aggregate

import (
	"errors"
	"sync"

	"github.com/lsm/fanin/internal/record"
)

// ErrInvalidTarget is returned for a non-positive target count.
var ErrInvalidTarget = errors.New("target count must be positive")

// Accumulator is a concurrency-safe, append-only buffer of records with a
// target count. Records offered after the target is reached are still kept:
// an at-least-once broker may deliver a burst before cancellation lands.
type Accumulator struct {
	mu      sync.Mutex
	records []record.Record
	target  int
	reached bool
}

// NewAccumulator creates an Accumulator that reports completion once target
// records have been offered.
func NewAccumulator(target int) (*Accumulator, error) {
	if target <= 0 {
		return nil, ErrInvalidTarget
	}
	return &Accumulator{
		records: make([]record.Record, 0, target),
		target:  target,
	}, nil
}

// Offer appends rec. It returns true for exactly one call: the one that moved
// the count from below the target to at or above it.
func (a *Accumulator) Offer(rec record.Record) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = append(a.records, rec)
	if !a.reached && len(a.records) >= a.target {
		a.reached = true
		return true
	}
	return false
}

// Snapshot returns a copy of the records accumulated so far, in the order
// the offers acquired the lock.
func (a *Accumulator) Snapshot() []record.Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]record.Record, len(a.records))
	copy(out, a.records)
	return out
}

// TargetCount returns the configured target.
func (a *Accumulator) TargetCount() int { return a.target }

// CurrentCount returns the number of records offered so far.
func (a *Accumulator) CurrentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}
