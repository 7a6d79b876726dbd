// Package temporal triggers the downstream job by starting or signalling a
// Temporal workflow.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/fanin/internal/tracing"
	"github.com/lsm/fanin/internal/trigger"
)

// WorkflowClient abstracts the Temporal SDK client for testability.
type WorkflowClient interface {
	ExecuteWorkflow(ctx context.Context, options StartWorkflowOptions, workflow string, args ...any) (WorkflowRun, error)
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg any) error
	Close()
}

// StartWorkflowOptions mirrors Temporal client.StartWorkflowOptions.
type StartWorkflowOptions struct {
	ID        string
	TaskQueue string
}

// WorkflowRun represents a started workflow execution.
type WorkflowRun interface {
	GetID() string
	GetRunID() string
}

// Mode determines how the trigger interacts with Temporal.
type Mode string

const (
	ModeStart  Mode = "start"
	ModeSignal Mode = "signal"
)

// Config holds Temporal trigger configuration.
type Config struct {
	HostPort     string `yaml:"hostPort"`
	Namespace    string `yaml:"namespace"`
	TaskQueue    string `yaml:"taskQueue"`
	WorkflowType string `yaml:"workflowType"`
	// WorkflowID is a template expanded with trigger.Request.Expand. Empty
	// derives an ID from the workflow type and the current time.
	WorkflowID string        `yaml:"workflowId,omitempty"`
	Mode       Mode          `yaml:"mode,omitempty"`
	SignalName string        `yaml:"signalName,omitempty"` // Required when Mode == ModeSignal
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	TLS        TLSConfig     `yaml:"tls,omitempty"`
	Auth       AuthConfig    `yaml:"auth,omitempty"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.TaskQueue == "" {
		errs = append(errs, errors.New("task queue is required"))
	}
	if c.WorkflowType == "" {
		errs = append(errs, errors.New("workflow type is required"))
	}
	switch c.Mode {
	case "", ModeStart:
	case ModeSignal:
		if c.SignalName == "" {
			errs = append(errs, errors.New("signal name is required when mode is 'signal'"))
		}
		if c.WorkflowID == "" {
			errs = append(errs, errors.New("workflow ID is required when mode is 'signal'"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported mode: %s", c.Mode))
	}
	if c.TLS.Disabled && (c.TLS.Enabled || c.TLS.CAFile != "") {
		errs = append(errs, errors.New("tls.disabled cannot be combined with tls.enabled or tls.caFile"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.certFile and tls.keyFile must be set together"))
	}
	if err := c.Auth.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Payload is the workflow argument or signal value.
type Payload struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	Destination string `json:"destination"`
	Messages    int    `json:"messages"`
}

// Trigger starts or signals a workflow per request.
type Trigger struct {
	client  WorkflowClient
	config  Config
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
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

// New creates a Trigger with the given client.
func New(client WorkflowClient, cfg Config, opts ...Option) (*Trigger, error) {
	if client == nil {
		return nil, errors.New("temporal client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStart
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	t := &Trigger{
		client:  client,
		config:  cfg,
		timeout: timeout,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t, nil
}

var _ trigger.Trigger = (*Trigger)(nil)

// Trigger starts the workflow (returning its run ID) or signals it
// (returning the workflow ID).
func (t *Trigger) Trigger(ctx context.Context, req trigger.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	workflowID := t.workflowID(req)
	ctx, span := tracing.StartSpan(ctx, t.tracer, tracing.SpanTrigger,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			tracing.WorkflowType.String(t.config.WorkflowType),
			tracing.WorkflowID.String(workflowID),
		),
	)
	defer span.End()

	payload := Payload{
		Bucket:      req.Source.Bucket,
		Key:         req.Source.Key,
		Destination: req.Destination,
		Messages:    req.Messages,
	}

	switch t.config.Mode {
	case ModeSignal:
		if err := t.client.SignalWorkflow(ctx, workflowID, "", t.config.SignalName, payload); err != nil {
			tracing.SetSpanError(span, err)
			return "", fmt.Errorf("signal workflow %s: %w", workflowID, err)
		}
		t.logger.Info("signalled workflow", "workflow_id", workflowID, "signal", t.config.SignalName)
		tracing.SetSpanOK(span)
		return workflowID, nil

	default:
		run, err := t.client.ExecuteWorkflow(ctx, StartWorkflowOptions{
			ID:        workflowID,
			TaskQueue: t.config.TaskQueue,
		}, t.config.WorkflowType, payload)
		if err != nil {
			tracing.SetSpanError(span, err)
			return "", fmt.Errorf("start workflow %s: %w", workflowID, err)
		}
		t.logger.Info("started workflow",
			"workflow_id", run.GetID(),
			"run_id", run.GetRunID(),
			"workflow_type", t.config.WorkflowType,
		)
		tracing.SetSpanOK(span)
		return run.GetRunID(), nil
	}
}

// Close shuts down the Temporal client.
func (t *Trigger) Close() error {
	t.client.Close()
	return nil
}

func (t *Trigger) workflowID(req trigger.Request) string {
	if t.config.WorkflowID == "" {
		return fmt.Sprintf("%s-%d", t.config.WorkflowType, t.now().UnixNano())
	}
	return req.Expand(t.config.WorkflowID)
}
