package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// otelSpanWrapper wraps an OpenTelemetry span to implement the Span interface
type otelSpanWrapper struct {
	span trace.Span
}

// End implements Span.End
func (o *otelSpanWrapper) End() {
	o.span.End()
}

// SetStatus implements Span.SetStatus
func (o *otelSpanWrapper) SetStatus(code int, description string) {
	var statusCode codes.Code
	switch code {
	case SpanStatusOK:
		statusCode = codes.Ok
	case SpanStatusError:
		statusCode = codes.Error
	default:
		statusCode = codes.Unset
	}
	o.span.SetStatus(statusCode, description)
}

// SetAttribute implements Span.SetAttribute
func (o *otelSpanWrapper) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		o.span.SetAttributes(attribute.String(key, v))
	case int:
		o.span.SetAttributes(attribute.Int(key, v))
	case int64:
		o.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		o.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		o.span.SetAttributes(attribute.Bool(key, v))
	case []attribute.KeyValue:
		o.span.SetAttributes(v...)
	default:
		o.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

// AddEvent implements Span.AddEvent
func (o *otelSpanWrapper) AddEvent(name string, attributes map[string]interface{}) {
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	o.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError implements Span.RecordError
func (o *otelSpanWrapper) RecordError(err error) {
	o.span.RecordError(err)
}

// SpanContext implements Span.SpanContext
func (o *otelSpanWrapper) SpanContext() trace.SpanContext {
	return o.span.SpanContext()
}

// TracerProvider implements Span.TracerProvider
func (o *otelSpanWrapper) TracerProvider() trace.TracerProvider {
	return o.span.TracerProvider()
}

// Span attribute keys used by the resilience core
const (
	// ComponentAttributeKey is the attribute key for the resilience component
	ComponentAttributeKey = attribute.Key("resilience.component")

	// CollaboratorAttributeKey is the attribute key for the guarded collaborator
	CollaboratorAttributeKey = attribute.Key("resilience.collaborator")

	// OutcomeAttributeKey is the attribute key for the call outcome
	OutcomeAttributeKey = attribute.Key("resilience.outcome")
)

// Package level variables for tracing. Exporter and provider setup belongs to
// the embedding service binary; this library only consumes the tracer API and
// falls back to the global provider (a no-op unless the host installed one).
var (
	tracerMu     sync.RWMutex
	globalTracer trace.Tracer
)

// SetTracer sets the tracer used by StartSpan. Intended for service wiring and tests.
func SetTracer(t trace.Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the configured tracer, falling back to the globally
// registered OpenTelemetry provider
func GetTracer() trace.Tracer {
	tracerMu.RLock()
	t := globalTracer
	tracerMu.RUnlock()
	if t != nil {
		return t
	}
	return otel.Tracer("mandate-mesh")
}

// StartSpan starts a new span and returns the wrapped span and context
func StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, otelSpan := GetTracer().Start(ctx, name)
	return ctx, &otelSpanWrapper{span: otelSpan}
}

// AddSpanEvent adds an event to the current span
func AddSpanEvent(ctx context.Context, name string, attributes ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attributes...))
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attributes ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attributes...)
}

// RecordSpanError records an error on the current span
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}
