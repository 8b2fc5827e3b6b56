package observer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer creates spans for tracing graph/node/step operations outside the
// LMHandle/ToolClient wrappers (e.g. a custom span around a loop step's
// iteration). An OTEL-backed implementation is available via NewTracer().
type Tracer interface {
	// Start creates a new span with the given name and optional attributes.
	// Returns a child context carrying the span and the span itself.
	// Callers must call Span.End() when the operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span represents a traced operation. Callers must call End() when the
// operation completes to flush the span to the configured exporter.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	Event(name string, attrs ...SpanAttr)
	Error(err error)
	End()
}

// SpanAttr is a key-value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

func StringAttr(k, v string) SpanAttr        { return SpanAttr{Key: k, Value: v} }
func IntAttr(k string, v int) SpanAttr       { return SpanAttr{Key: k, Value: v} }
func BoolAttr(k string, v bool) SpanAttr     { return SpanAttr{Key: k, Value: v} }
func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{Key: k, Value: v} }

// otelTracer implements Tracer using OpenTelemetry.
type otelTracer struct {
	inner trace.Tracer
}

// NewTracer returns a Tracer backed by the global OTEL TracerProvider. Call
// observer.Init() first to configure the provider; otherwise spans go to a
// no-op backend.
func NewTracer() Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(otelAttrs...))
	return ctx, &otelSpan{inner: span}
}

type otelSpan struct {
	inner trace.Span
}

func (s *otelSpan) SetAttr(attrs ...SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.SetAttributes(otelAttrs...)
}

func (s *otelSpan) Event(name string, attrs ...SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.inner.End()
}

func toOTELAttr(a SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

var (
	_ Tracer = (*otelTracer)(nil)
	_ Span   = (*otelSpan)(nil)
)
