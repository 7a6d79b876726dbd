// Package cloudrun triggers the downstream job by executing a Cloud Run Job.
package cloudrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	run "cloud.google.com/go/run/apiv2"
	"cloud.google.com/go/run/apiv2/runpb"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/lsm/fanin/internal/tracing"
	"github.com/lsm/fanin/internal/trigger"
)

// Environment variables set on the execution when PassBatch is enabled.
const (
	EnvExpectedCount = "EXPECTED_MESSAGES_COUNT"
	EnvSourceBucket  = "FANIN_SOURCE_BUCKET"
	EnvSourceKey     = "FANIN_SOURCE_KEY"
)

// Config identifies the job to execute.
type Config struct {
	ProjectID string
	Region    string
	Job       string
	// PassBatch overrides the job's environment with the message count and
	// source object of the batch, so the collector waits for exactly that
	// many messages.
	PassBatch bool
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.ProjectID == "" {
		errs = append(errs, errors.New("project ID is required"))
	}
	if c.Region == "" {
		errs = append(errs, errors.New("region is required"))
	}
	if c.Job == "" {
		errs = append(errs, errors.New("job name is required"))
	}
	return errors.Join(errs...)
}

// Name returns the fully qualified job name.
func (c Config) Name() string {
	return fmt.Sprintf("projects/%s/locations/%s/jobs/%s", c.ProjectID, c.Region, c.Job)
}

// runFunc starts an execution and returns the long-running operation name.
type runFunc func(ctx context.Context, req *runpb.RunJobRequest) (string, error)

// Trigger executes a Cloud Run Job without waiting for it to finish.
type Trigger struct {
	run    runFunc
	close  func() error
	config Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trigger) { t.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(tr trace.Tracer) Option {
	return func(t *Trigger) { t.tracer = tr }
}

// New creates a Jobs client and a Trigger that owns it.
func New(ctx context.Context, cfg Config, clientOpts []option.ClientOption, opts ...Option) (*Trigger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := run.NewJobsClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("cloud run jobs client: %w", err)
	}
	runJob := func(ctx context.Context, req *runpb.RunJobRequest) (string, error) {
		op, err := client.RunJob(ctx, req)
		if err != nil {
			return "", err
		}
		return op.Name(), nil
	}
	return newTrigger(runJob, client.Close, cfg, opts...), nil
}

func newTrigger(fn runFunc, closeFn func() error, cfg Config, opts ...Option) *Trigger {
	t := &Trigger{
		run:    fn,
		close:  closeFn,
		config: cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

var _ trigger.Trigger = (*Trigger)(nil)

// Trigger starts one job execution and returns its operation name.
func (t *Trigger) Trigger(ctx context.Context, req trigger.Request) (string, error) {
	name := t.config.Name()
	ctx, span := tracing.StartSpan(ctx, t.tracer, tracing.SpanTrigger,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracing.JobName.String(name)),
	)
	defer span.End()

	runReq := &runpb.RunJobRequest{Name: name}
	if t.config.PassBatch {
		runReq.Overrides = &runpb.RunJobRequest_Overrides{
			ContainerOverrides: []*runpb.RunJobRequest_Overrides_ContainerOverride{{
				Env: []*runpb.EnvVar{
					envVar(EnvExpectedCount, strconv.Itoa(req.Messages)),
					envVar(EnvSourceBucket, req.Source.Bucket),
					envVar(EnvSourceKey, req.Source.Key),
				},
			}},
		}
	}

	op, err := t.run(ctx, runReq)
	if err != nil {
		tracing.SetSpanError(span, err)
		return "", fmt.Errorf("run job %s: %w", name, err)
	}

	t.logger.Info("triggered cloud run job", "job", name, "operation", op, "messages", req.Messages)
	tracing.SetSpanOK(span)
	return op, nil
}

// Close releases the Jobs client.
func (t *Trigger) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}

func envVar(name, value string) *runpb.EnvVar {
	return &runpb.EnvVar{Name: name, Values: &runpb.EnvVar_Value{Value: value}}
}
