package composer

import (
	"context"
	"net/http"
)

// TemplateSource resolves a request to base/child template bytes. Hosts may
// cache the parsed Document outside the core; the composer only exposes a
// pure Parse entry point so that context overrides never leak into a cache.
type TemplateSource interface {
	FetchTemplate(ctx context.Context, r *http.Request) (base, child []byte, err error)
}

// ContextProvider resolves per-fragment attribute overrides for a request,
// keyed by fragment id (or, when no id is set, the fragment's parser-order
// FragmentDescriptor.Index as a decimal string).
type ContextProvider interface {
	FetchContext(ctx context.Context, r *http.Request) (map[string]map[string]string, error)
}

// TagStream is the abstract stream a CustomTag handler returns. Consume is
// called once by the orchestrator; it should deliver literal bytes and any
// dynamically discovered fragments (treated as async) to the sink, and
// return when the stream is exhausted.
type TagStream interface {
	Consume(ctx context.Context, sink TagEventSink) error
}

// TagEventSink receives events produced while consuming a TagStream.
type TagEventSink interface {
	Literal(b []byte)
	Fragment(d *FragmentDescriptor)
}

// TagHandler delegates a CustomTagInstr to the host.
type TagHandler interface {
	HandleTag(ctx context.Context, r *http.Request, name string, attrs map[string]string) (TagStream, error)
}

// HeaderFilter lets the host post-process a fragment's response headers
// before they are considered for forwarding/propagation.
type HeaderFilter interface {
	FilterResponseHeaders(attrs map[string]string, headers http.Header) http.Header
}

// AttributeMapper builds the object serialized into pipe hooks from a
// fragment's attributes (spec.md §9's "dynamic attribute objects").
type AttributeMapper interface {
	PipeAttributes(attrs map[string]string) map[string]any
}

// Tracer is the OpenTracing-shaped contract the composer uses for request
// and fragment-fetch spans. Implementations are expected to be best-effort:
// a tracer error must never affect the response (spec.md §4.7).
type Tracer interface {
	StartSpan(ctx context.Context, operation string, tags map[string]any) (context.Context, Span)
}

// Span is a single open span returned by Tracer.StartSpan.
type Span interface {
	SetTag(key string, value any)
	LogKV(fields map[string]any)
	Finish()
}

// noopTracer and noopSpan let the composer run with tracing disabled.
type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]any) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetTag(string, any)   {}
func (noopSpan) LogKV(map[string]any) {}
func (noopSpan) Finish()              {}
