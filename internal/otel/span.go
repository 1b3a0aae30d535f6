// Package otel holds small tracing helpers shared by the sync components.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of the orchestrator's own spans
const TracerName = "github.com/stacklok/toolhive-mlsync"

// Attribute keys shared by bulk-pass and live-sync spans
const (
	AttrTaskID         = attribute.Key("task.id")
	AttrWorkerName     = attribute.Key("worker.name")
	AttrJobState       = attribute.Key("job.state")
	AttrRemoteFileID   = attribute.Key("file.remote_id")
	AttrLocalFilePath  = attribute.Key("file.local_path")
	AttrOutOfSyncCount = attribute.Key("sync.out_of_sync")
	AttrShouldBackoff  = attribute.Key("sync.should_backoff")
)

// StartSpan starts a span on tracer, or hands back the span already in ctx when
// tracer is nil so callers never need to check
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError marks span as failed. Nil spans and nil errors are ignored.
// The status description stays generic; the error itself is attached as an event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
