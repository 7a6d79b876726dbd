package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
)

type sdkWorkflowRun struct {
	run client.WorkflowRun
}

func (r *sdkWorkflowRun) GetID() string    { return r.run.GetID() }
func (r *sdkWorkflowRun) GetRunID() string { return r.run.GetRunID() }

// SDKClient adapts a Temporal SDK client to WorkflowClient.
type SDKClient struct {
	client client.Client
}

// Dial connects to Temporal with the TLS and credentials in cfg.
func Dial(cfg Config, logger *slog.Logger) (*SDKClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts.Logger = temporallog.NewStructuredLogger(logger.With("component", "temporal"))

	c, err := client.Dial(opts)
	if err != nil {
		return nil, fmt.Errorf("dial temporal at %s: %w", opts.HostPort, err)
	}
	return &SDKClient{client: c}, nil
}

func clientOptions(cfg Config) (client.Options, error) {
	opts := client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	}
	if opts.HostPort == "" {
		opts.HostPort = "localhost:7233"
	}
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}

	opts.ConnectionOptions.TLSDisabled = cfg.TLS.Disabled
	tlsConfig, err := cfg.TLS.serverTLS()
	if err != nil {
		return client.Options{}, fmt.Errorf("tls config: %w", err)
	}
	opts.ConnectionOptions.TLS = tlsConfig

	creds, err := credentials(cfg)
	if err != nil {
		return client.Options{}, fmt.Errorf("credentials: %w", err)
	}
	opts.Credentials = creds
	return opts, nil
}

// ExecuteWorkflow starts a workflow.
func (a *SDKClient) ExecuteWorkflow(ctx context.Context, opts StartWorkflowOptions, workflow string, args ...any) (WorkflowRun, error) {
	run, err := a.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        opts.ID,
		TaskQueue: opts.TaskQueue,
	}, workflow, args...)
	if err != nil {
		return nil, err
	}
	return &sdkWorkflowRun{run: run}, nil
}

// SignalWorkflow signals a running workflow.
func (a *SDKClient) SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg any) error {
	return a.client.SignalWorkflow(ctx, workflowID, runID, signalName, arg)
}

// Close closes the SDK client.
func (a *SDKClient) Close() {
	a.client.Close()
}
