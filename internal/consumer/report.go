package consumer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lsm/fanin/internal/aggregate"
	"github.com/lsm/fanin/internal/artifact"
)

// State is a phase of a run. Done and Error are terminal.
type State int

const (
	Listening State = iota
	Draining
	Uploading
	Done
	Error
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Draining:
		return "draining"
	case Uploading:
		return "uploading"
	case Done:
		return "done"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Report summarizes a run.
type Report struct {
	RunID   string
	State   State
	Outcome aggregate.Outcome
	// Records is the number of records captured, which may exceed Target
	// when messages were already in flight as the target was crossed.
	Records int
	Target  int
	// Partial is set when fewer than Target records were captured.
	Partial bool
	// Empty is set when nothing was captured and no artifact was written.
	Empty bool
	// Artifact is nil unless an artifact was written.
	Artifact       *artifact.Artifact
	DecodeFailures int
	DrainTimedOut  bool
	Duration       time.Duration
}

// Summary is the one-line result printed when a run ends.
func (r Report) Summary() string {
	status := fmt.Sprintf("state=%s outcome=%s partial=%t", r.State, r.Outcome, r.Partial)
	switch {
	case r.Artifact != nil:
		return fmt.Sprintf("Wrote %d of %d messages to %s (%s)", r.Records, r.Target, r.Artifact.URI, status)
	case r.Empty:
		return fmt.Sprintf("No messages received; nothing written (%s)", status)
	default:
		return fmt.Sprintf("Captured %d of %d messages; nothing written (%s)", r.Records, r.Target, status)
	}
}

// LogValue implements slog.LogValuer.
func (r Report) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("run_id", r.RunID),
		slog.String("state", r.State.String()),
		slog.String("outcome", r.Outcome.String()),
		slog.Int("records", r.Records),
		slog.Int("target", r.Target),
		slog.Bool("partial", r.Partial),
		slog.Int("decode_failures", r.DecodeFailures),
		slog.Bool("drain_timed_out", r.DrainTimedOut),
		slog.Duration("duration", r.Duration),
	}
	if r.Artifact != nil {
		attrs = append(attrs,
			slog.String("artifact", r.Artifact.URI),
			slog.Int("bytes", r.Artifact.Bytes),
		)
	}
	if r.Empty {
		attrs = append(attrs, slog.Bool("empty", true))
	}
	return slog.GroupValue(attrs...)
}
