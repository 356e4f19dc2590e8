package sagalog

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars).
	// Empty string if no active span is found in the context.
	TraceID string

	// SpanID is the W3C span ID (16 lowercase hex chars).
	SpanID string
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx and returns
// its trace_id and span_id as hex strings.
//
// If the context carries no active span (e.g. in unit tests), both fields
// are returned as empty strings.
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}

	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// Stamp copies the trace identifiers active in ctx onto r. A context
// without a span leaves the previous identifiers in place.
func Stamp(ctx context.Context, r *Record) {
	ti := ExtractTraceInfo(ctx)
	if ti.TraceID == "" {
		return
	}
	r.TraceID = ti.TraceID
	r.SpanID = ti.SpanID
}
