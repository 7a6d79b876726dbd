package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Subscription.
type State int32

const (
	Running State = iota
	Cancelling
	Closed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Cancelling:
		return "cancelling"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscription is the handle of a live stream. It is closed once the receive
// loop has returned, which backends only do after every in-flight handler has
// finished.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32
	err    error
}

// Go runs receive on a new goroutine and returns its Subscription. receive
// must block until ctx is cancelled or the stream fails, and must not return
// while handlers it dispatched are still running.
func Go(ctx context.Context, receive func(ctx context.Context) error) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer cancel()

		err := receive(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.err = err
		}
		s.state.Store(int32(Closed))
	}()

	return s
}

// Cancel requests the stream to stop. It does not wait; handlers already
// running complete normally. Calling Cancel more than once is harmless.
func (s *Subscription) Cancel() {
	s.state.CompareAndSwap(int32(Running), int32(Cancelling))
	s.cancel()
}

// Closed returns a channel that is closed once the stream has fully stopped.
func (s *Subscription) Closed() <-chan struct{} { return s.done }

// AwaitClosed waits for the stream to stop and reports whether it did within
// timeout. A non-positive timeout waits indefinitely.
func (s *Subscription) AwaitClosed(timeout time.Duration) bool {
	if timeout <= 0 {
		<-s.done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}

// State returns the current lifecycle state.
func (s *Subscription) State() State { return State(s.state.Load()) }

// Err returns the error that ended the stream, if it ended on its own. It is
// only meaningful once Closed is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
