package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/pipeweave/pipeweave/internal/composer"
)

// ComposerTracer adapts an otel Tracer to composer.Tracer, the
// OpenTracing-shaped contract the core uses so it never imports otel
// directly (spec.md §4.7).
type ComposerTracer struct {
	tracer oteltrace.Tracer
}

// NewComposerTracer builds a ComposerTracer backed by the named otel tracer
// on the given provider.
func NewComposerTracer(tp oteltrace.TracerProvider, name string) *ComposerTracer {
	return &ComposerTracer{tracer: tp.Tracer(name)}
}

// StartSpan implements composer.Tracer.
func (c *ComposerTracer) StartSpan(ctx context.Context, operation string, tags map[string]any) (context.Context, composer.Span) {
	spanCtx, span := c.tracer.Start(ctx, operation)
	s := &composerSpan{span: span}
	for k, v := range tags {
		s.SetTag(k, v)
	}
	return spanCtx, s
}

// composerSpan adapts an otel trace.Span to composer.Span.
type composerSpan struct {
	span oteltrace.Span
}

func (s *composerSpan) SetTag(key string, value any) {
	if key == "error" {
		if b, ok := value.(bool); ok && b {
			s.span.SetStatus(codes.Error, "")
		}
	}
	s.span.SetAttributes(toAttribute(key, value))
}

func (s *composerSpan) LogKV(fields map[string]any) {
	attrs := make([]attribute.KeyValue, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, toAttribute(k, v))
	}
	s.span.AddEvent("log", oteltrace.WithAttributes(attrs...))
}

func (s *composerSpan) Finish() {
	s.span.End()
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, "")
	}
}
