package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// noopSpan discards everything. Guards receive one of these whenever no
// tracer has been configured, so span calls stay unconditional at the call
// sites.
type noopSpan struct{}

func (noopSpan) End() {}

func (noopSpan) SetAttribute(string, interface{}) {}

func (noopSpan) AddEvent(string, map[string]interface{}) {}

func (noopSpan) RecordError(error) {}

func (noopSpan) SetStatus(int, string) {}

func (noopSpan) SpanContext() trace.SpanContext { return trace.SpanContext{} }

func (noopSpan) TracerProvider() trace.TracerProvider { return nil }

// NewNoopSpan returns a span that records nothing
func NewNoopSpan() Span {
	return noopSpan{}
}

// NoopStartSpan satisfies StartSpanFunc without creating spans
func NoopStartSpan(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, Span) {
	return ctx, noopSpan{}
}
