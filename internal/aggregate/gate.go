package aggregate

import (
	"context"
	"sync"
	"time"
)

// Outcome is the result of waiting on a Gate.
type Outcome int

const (
	// Pending is the zero Outcome: no wait has finished.
	Pending Outcome = iota
	// Completed means Signal was called, before or during the wait.
	Completed
	// TimedOut means the wait deadline passed first.
	TimedOut
	// Interrupted means the context was cancelled first.
	Interrupted
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Gate is a single-fire completion signal.
type Gate struct {
	once sync.Once
	done chan struct{}
}

// NewGate creates an unsignalled Gate.
func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Signal fires the gate. Calls after the first have no effect.
func (g *Gate) Signal() {
	g.once.Do(func() { close(g.done) })
}

// Done returns a channel closed once the gate fires.
func (g *Gate) Done() <-chan struct{} { return g.done }

// Fired reports whether Signal has been called.
func (g *Gate) Fired() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate fires, timeout elapses or ctx is cancelled.
// A non-positive timeout waits without a deadline. A gate that already fired
// yields Completed regardless of the state of ctx.
func (g *Gate) Wait(ctx context.Context, timeout time.Duration) Outcome {
	if g.Fired() {
		return Completed
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-g.done:
		return Completed
	case <-deadline:
		if g.Fired() {
			return Completed
		}
		return TimedOut
	case <-ctx.Done():
		if g.Fired() {
			return Completed
		}
		return Interrupted
	}
}
