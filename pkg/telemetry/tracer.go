// Package telemetry provides OpenTelemetry tracing for task runs
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloud-shuttle/conveyor/pkg/types"
)

const instrumentationName = "github.com/cloud-shuttle/conveyor"

// Span names
const (
	SpanTaskRun      = "conveyor.task.run"
	SpanStage        = "conveyor.stage"
	SpanWorkerInvoke = "conveyor.worker.invoke"
)

// tracer looks the provider up on every call so a provider installed after
// package init is honoured
func tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

// StartTaskSpan starts the root span of one task run
func StartTaskSpan(ctx context.Context, task *types.Task) (context.Context, trace.Span) {
	return tracer().Start(ctx, SpanTaskRun, trace.WithAttributes(TaskAttrs(task)...))
}

// StartStageSpan starts a span for one stage handler
func StartStageSpan(ctx context.Context, taskID int, stage types.Stage, iteration int) (context.Context, trace.Span) {
	return tracer().Start(ctx, SpanStage+"."+string(stage), trace.WithAttributes(
		attribute.Int(KeyTaskID, taskID),
		attribute.String(KeyStage, string(stage)),
		attribute.Int(KeyIteration, iteration),
	))
}

// StartWorkerSpan starts a span for a worker invocation
func StartWorkerSpan(ctx context.Context, persona, model string) (context.Context, trace.Span) {
	return tracer().Start(ctx, SpanWorkerInvoke, trace.WithAttributes(
		attribute.String(KeyPersona, persona),
		attribute.String(KeyWorkerModel, model),
	))
}

// RecordError records an error on a span and marks it failed
func RecordError(span trace.Span, err error, category string) {
	if err == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("exception.type", fmt.Sprintf("%T", err)),
	}
	if category != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, category))
	}
	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// EndTask records the outcome of a run and ends its span. A blocked run
// is not an error.
func EndTask(span trace.Span, outcome types.Outcome, err error) {
	span.SetAttributes(attribute.String(KeyTaskOutcome, string(outcome)))
	switch {
	case err != nil:
		RecordError(span, err, ErrorCategoryStage)
	case outcome == types.OutcomeFailed:
		span.SetStatus(codes.Error, "task failed")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID returns the trace ID from ctx, or an empty string
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
