// Package otel provides OpenTelemetry instrumentation utilities for the sync engines.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by the pull and push spans.
const (
	AttrTenant          = attribute.Key("sync.tenant")
	AttrTable           = attribute.Key("sync.table")
	AttrPageSize        = attribute.Key("pagination.limit")
	AttrHasCursor       = attribute.Key("pagination.has_cursor")
	AttrResultCount     = attribute.Key("result.count")
	AttrDeletedCount    = attribute.Key("result.deleted_count")
	AttrChangeCount     = attribute.Key("push.change_count")
	AttrChangesApplied  = attribute.Key("push.changes_applied")
	AttrConflictsSolved = attribute.Key("push.conflicts_resolved")
	AttrStrategy        = attribute.Key("push.strategy")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns a no-op span.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		// Ending the returned span must not end a span already in ctx.
		return ctx, trace.SpanFromContext(context.Background())
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records an error on a span and sets the span status to error.
// The status description stays generic so SQL and connection details only
// appear in the span events.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
