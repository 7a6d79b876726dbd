package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Messaging keys follow the OpenTelemetry semantic
// conventions; the rest are fanin specific.
const (
	MessageID      = attribute.Key("messaging.message.id")
	Subscription   = attribute.Key("messaging.destination.subscription.name")
	Destination    = attribute.Key("messaging.destination.name")
	KafkaPartition = attribute.Key("messaging.kafka.partition")
	KafkaOffset    = attribute.Key("messaging.kafka.offset")
	WorkflowType   = attribute.Key("temporal.workflow.type")
	WorkflowID     = attribute.Key("temporal.workflow.id")
	ArtifactURI    = attribute.Key("fanin.artifact.uri")
	RecordCount    = attribute.Key("fanin.record.count")
	RunID          = attribute.Key("fanin.run.id")
	JobName        = attribute.Key("fanin.job.name")
)

// Span names.
const (
	SpanRun            = "fanin.run"
	SpanMessageReceive = "fanin.message.receive"
	SpanArtifactWrite  = "fanin.artifact.write"
	SpanSplit          = "fanin.split"
	SpanPublish        = "fanin.publish"
	SpanTrigger        = "fanin.trigger"
)

// StartSpan starts a span on tracer. A nil tracer yields the span already in
// ctx, which is a no-op span when there is none.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanOK(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}
