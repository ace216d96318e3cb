package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the global tracer for Ralph
var tracer = otel.Tracer("ralph")

// Span names for Ralph operations
const (
	// Admission spans
	SpanAdmit   = "ralph.admission.admit"
	SpanTaskRun = "ralph.task.run"
	SpanResume  = "ralph.task.resume"

	// Worktree spans
	SpanWorktreeEnsure  = "ralph.worktree.ensure"
	SpanWorktreeResolve = "ralph.worktree.resolve"
	SpanWorktreeCleanup = "ralph.worktree.cleanup"

	// Merge-conflict spans
	SpanRecoveryRun     = "ralph.merge_conflict.run"
	SpanRecoveryAttempt = "ralph.merge_conflict.attempt"
	SpanRecoveryWait    = "ralph.merge_conflict.wait"

	// Agent spans
	SpanAgentSession = "ralph.agent.session"

	// Escalation spans
	SpanEscalationResume = "ralph.escalation.resume"
)

// StartTaskSpan starts a span for a task operation with task attributes
func StartTaskSpan(ctx context.Context, name string, taskAttrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(taskAttrs...))
}

// StartWorktreeSpan starts a span for worktree operations
func StartWorktreeSpan(ctx context.Context, name, worktreePath string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyWorktreePath, worktreePath))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartRecoverySpan starts a span for a merge-conflict recovery step
func StartRecoverySpan(ctx context.Context, name, repo string, prNumber int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, PRAttrs(repo, prNumber)...)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span with optional error type/category
func RecordError(span trace.Span, err error, errorType, errorCategory string) {
	if err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exception.message", err.Error()),
		attribute.String("exception.type", errorType),
	}

	if errorCategory != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, errorCategory))
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// SetTaskStatus sets the task status as a span attribute
func SetTaskStatus(span trace.Span, status string) {
	span.SetAttributes(attribute.String(KeyTaskStatus, status))
}

// SetRecoveryOutcome tags a recovery span with its terminal outcome
func SetRecoveryOutcome(span trace.Span, outcome, code string) {
	span.SetAttributes(
		attribute.String(KeyRecoveryOutcome, outcome),
		attribute.String(KeyRecoveryCode, code),
	)
	if outcome == "failed" {
		span.SetStatus(codes.Error, code)
	}
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// ErrorTypeFromError extracts a human-readable error type
func ErrorTypeFromError(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}
