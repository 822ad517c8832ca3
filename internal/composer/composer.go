package composer

import (
	"context"
	"net/http"
)

// Composer is the public façade over the template parser and fragment
// orchestrator. Parse is pure and host-cacheable; Render applies per-request
// context and streams output, keeping context overrides out of anything a
// host might cache (spec.md §9 "Template cache boundary").
type Composer struct {
	host    HostConfig
	parser  *Parser
	fetcher *Fetcher
}

// New builds a Composer for the given host configuration.
func New(host HostConfig) *Composer {
	return &Composer{
		host:    host,
		parser:  NewParser(host.HandledTags),
		fetcher: NewFetcher(),
	}
}

// Parse builds a Document from base/child template bytes. The result may be
// memoized by the caller, keyed by template identity.
func (c *Composer) Parse(base, child []byte) (*Document, error) {
	return c.parser.Parse(base, child)
}

// RenderOptions carries the per-request collaborators and overrides a host
// supplies at render time (spec.md §6).
type RenderOptions struct {
	Request         *http.Request
	ContextOverrides map[string]map[string]string
	TagHandler       TagHandler
	HeaderFilter     HeaderFilter
	AttributeMapper  AttributeMapper
	Tracer           Tracer
	// Stats, when non-nil, is populated once Render has fetched every
	// fragment (static, async-drained, and dynamically discovered), so a
	// host can log a job-counter-style outcome summary the way the
	// teacher's worker logs per-job page/error counts. On a primary failure
	// it is populated early and its outcome counts cover only the fetches
	// that had already resolved.
	Stats *RenderStats
}

// RenderStats summarizes one render's fragment outcomes.
type RenderStats struct {
	FragmentCount int
	TimeoutCount  int
	FallbackCount int
	ErrorCount    int
	PrimaryID     string
	StatusCode    int
}

// Render streams the assembled document to w, fetching every fragment,
// resolving the primary's status/headers, and draining async content after
// the body. It returns once the full response (or, for a primary failure
// before any bytes are committed, a bare 500) has been written.
func (c *Composer) Render(ctx context.Context, doc *Document, opts RenderOptions, w http.ResponseWriter) error {
	r := newRenderer(c, doc, opts)
	return r.run(ctx, w)
}
