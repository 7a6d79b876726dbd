package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/fanin/internal/aggregate"
	"github.com/lsm/fanin/internal/listener"
	"github.com/lsm/fanin/internal/record"
	"github.com/lsm/fanin/internal/tracing"
)

// Run performs the aggregation and blocks until it reaches Done or Error.
//
// Cancelling ctx interrupts the listening phase; the records received so far
// are still published, so an interrupted run ends in Done with a partial
// artifact. The report is valid whether or not an error is returned.
func (c *Consumer) Run(ctx context.Context) (Report, error) {
	start := c.now()
	rep := Report{
		RunID:  uuid.NewString(),
		State:  Listening,
		Target: c.config.Target,
	}

	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanRun, trace.WithAttributes(
		tracing.RunID.String(rep.RunID),
		tracing.Subscription.String(c.config.Subscription),
	))
	defer span.End()

	logger := c.logger.With("run_id", rep.RunID)

	acc, err := aggregate.NewAccumulator(c.config.Target)
	if err != nil {
		return c.finish(ctx, span, rep, start, err)
	}
	gate := aggregate.NewGate()
	var failures atomic.Int64

	logger.InfoContext(ctx, "listening for messages",
		"target", c.config.Target,
		"wait_timeout", c.config.WaitTimeout,
	)

	sub, err := c.listener.Start(ctx, c.handle(logger, acc, gate, &failures))
	if err != nil {
		return c.finish(ctx, span, rep, start, fmt.Errorf("%w: %w", ErrListenerStart, err))
	}

	var streamEnded bool
	rep.Outcome, streamEnded = c.wait(ctx, gate, sub)
	switch {
	case streamEnded:
		logger.ErrorContext(ctx, "subscription ended before the wait was over", "error", sub.Err())
	case rep.Outcome == aggregate.Completed:
		logger.InfoContext(ctx, "target reached", "records", acc.CurrentCount())
	case rep.Outcome == aggregate.TimedOut:
		logger.WarnContext(ctx, "wait timed out before target was reached",
			"records", acc.CurrentCount(),
			"target", c.config.Target,
		)
	default:
		logger.InfoContext(ctx, "interrupted, shutting down", "records", acc.CurrentCount())
	}

	rep.State = Draining
	logger.InfoContext(ctx, "cancelling message stream", "drain_timeout", c.config.DrainTimeout)
	sub.Cancel()
	if sub.AwaitClosed(c.config.DrainTimeout) {
		logger.InfoContext(ctx, "message stream shutdown complete")
	} else {
		rep.DrainTimedOut = true
		logger.WarnContext(ctx, "timed out waiting for message stream to shut down")
		if c.metrics != nil {
			c.metrics.DrainTimeouts.WithLabelValues(c.config.Subscription).Inc()
		}
	}

	var streamErr error
	if streamEnded {
		streamErr = ErrStreamClosed
		if err := sub.Err(); err != nil {
			streamErr = fmt.Errorf("%w: %w", ErrStreamClosed, err)
		}
	}

	rep.State = Uploading
	records := acc.Snapshot()
	rep.Records = len(records)
	rep.Partial = rep.Records < c.config.Target
	rep.DecodeFailures = int(failures.Load())

	if len(records) == 0 {
		rep.Empty = true
		logger.InfoContext(ctx, "no records accumulated, nothing to upload")
		return c.finish(ctx, span, rep, start, streamErr)
	}

	logger.InfoContext(ctx, "uploading aggregated records", "records", rep.Records)
	// The upload runs even after an interrupt, so it must outlive ctx.
	art, err := c.publisher.Publish(context.WithoutCancel(ctx), records)
	if err != nil {
		return c.finish(ctx, span, rep, start, errors.Join(streamErr, fmt.Errorf("%w: %w", ErrPublish, err)))
	}
	rep.Artifact = &art

	return c.finish(ctx, span, rep, start, streamErr)
}

// wait blocks in the listening phase. It also returns when the subscription
// closes on its own, reporting that as streamEnded.
func (c *Consumer) wait(ctx context.Context, gate *aggregate.Gate, sub *listener.Subscription) (aggregate.Outcome, bool) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-sub.Closed():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	outcome := gate.Wait(waitCtx, c.config.WaitTimeout)
	streamEnded := outcome == aggregate.Interrupted && ctx.Err() == nil
	return outcome, streamEnded
}

func (c *Consumer) handle(logger *slog.Logger, acc *aggregate.Accumulator, gate *aggregate.Gate, failures *atomic.Int64) listener.Handler {
	sub := c.config.Subscription
	return func(ctx context.Context, msg *listener.Message) {
		if c.metrics != nil {
			c.metrics.MessagesReceived.WithLabelValues(sub).Inc()
		}

		rec, failure := record.Decode(msg.ID, msg.Data)
		if failure != nil {
			failures.Add(1)
			if c.metrics != nil {
				c.metrics.DecodeFailures.WithLabelValues(sub).Inc()
			}
			logger.ErrorContext(ctx, "undecodable message",
				"message_id", msg.ID,
				"preview", failure.Preview,
				"error", failure.Err,
			)
			c.poison(ctx, msg, failure)
			return
		}

		crossed := acc.Offer(rec)
		msg.Ack()
		if c.metrics != nil {
			c.metrics.RecordsAccumulated.WithLabelValues(sub).Inc()
		}

		logger.DebugContext(ctx, "accumulated message",
			"message_id", msg.ID,
			"count", acc.CurrentCount(),
			"target", acc.TargetCount(),
		)
		if crossed {
			logger.InfoContext(ctx, "all expected messages received, signalling stop", "target", acc.TargetCount())
			gate.Signal()
		}
	}
}

func (c *Consumer) finish(ctx context.Context, span trace.Span, rep Report, start time.Time, err error) (Report, error) {
	rep.Duration = c.now().Sub(start)
	if err != nil {
		rep.State = Error
		tracing.SetSpanError(span, err)
	} else {
		rep.State = Done
		tracing.SetSpanOK(span)
	}
	span.SetAttributes(
		tracing.RecordCount.Int(rep.Records),
		attribute.String("fanin.run.state", rep.State.String()),
		attribute.String("fanin.run.outcome", rep.Outcome.String()),
	)
	if c.metrics != nil {
		c.metrics.Runs.WithLabelValues(rep.State.String(), rep.Outcome.String()).Inc()
	}

	if err != nil {
		c.logger.ErrorContext(ctx, "aggregation run failed", "report", rep, "error", err)
	} else {
		c.logger.InfoContext(ctx, "aggregation run finished", "report", rep)
	}
	return rep, err
}
