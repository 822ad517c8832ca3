package composer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/pipeweave/pipeweave/internal/metrics"
)

// fragState holds one fragment's per-render fetch result. fetchReady closes
// once the fetch (and, on failure, its single fallback attempt) has
// resolved; claimReady closes once the planner has assigned this fragment's
// pipe-index span. The two are kept separate so the primary's status can be
// decided without waiting on the planner's strictly-ordered claim gate.
type fragState struct {
	desc *FragmentDescriptor

	fetchReady chan struct{}
	result     *FetchResult
	err        error
	assets     []AssetEntry

	claimReady chan struct{}

	body []byte // filled only for fragments drained asynchronously
}

func (fs *fragState) failed() bool {
	if fs.err != nil {
		return true
	}
	return fs.result != nil && fs.result.StatusCode >= 500
}

// renderer drives one Composer.Render call: it fans a fetch goroutine out
// per fragment, streams sync fragments and async placeholders in document
// order, and drains async bodies in fetch-completion order once the
// document has been fully walked.
type renderer struct {
	c    *Composer
	doc  *Document
	opts RenderOptions
	ctx  context.Context

	planner      *Planner
	mapper       AttributeMapper
	tracer       Tracer
	instanceName string
	requestHost  string

	states map[*FragmentDescriptor]*fragState

	dynMu   sync.Mutex
	dynNext int

	drainWG sync.WaitGroup
	drainCh chan *fragState

	allMu  sync.Mutex
	allFS  []*fragState
}

func newRenderer(c *Composer, doc *Document, opts RenderOptions) *renderer {
	metrics.Init()
	mapper := opts.AttributeMapper
	if mapper == nil {
		mapper = identityAttributeMapper{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noopTracer{}
	}
	r := &renderer{
		c:            c,
		doc:          doc,
		opts:         opts,
		planner:      NewPlanner(c.host.maxAssetLinks()),
		mapper:       mapper,
		tracer:       tracer,
		instanceName: c.host.pipeInstanceName(),
		states:       make(map[*FragmentDescriptor]*fragState, len(doc.Fragments)),
		dynNext:      len(doc.Fragments),
		drainCh:      make(chan *fragState, len(doc.Fragments)+1),
	}
	if opts.Request != nil {
		r.requestHost = opts.Request.Host
	}
	return r
}

func (r *renderer) requestHeaders() http.Header {
	if r.opts.Request == nil {
		return http.Header{}
	}
	return r.opts.Request.Header
}

// overrideKey is the lookup key a host's context overrides are keyed by:
// the template-declared id, or the fragment's parser-order ordinal when no
// id was given. This must be resolvable before any fetch starts, so it
// cannot use IndexLo/IndexHi (only known after the planner claims a span).
func overrideKey(d *FragmentDescriptor) string {
	if d.ID != "" {
		return d.ID
	}
	return strconv.Itoa(d.Index)
}

// cloneDescriptor copies d and applies any matching context override,
// re-deriving the typed fields from the merged attribute map. The original
// descriptor (owned by the cached Document) is never mutated.
func cloneDescriptor(d *FragmentDescriptor, overrides map[string]map[string]string) *FragmentDescriptor {
	clone := *d
	clone.Attrs = make(map[string]string, len(d.Attrs))
	for k, v := range d.Attrs {
		clone.Attrs[k] = v
	}
	if ov, ok := overrides[overrideKey(d)]; ok {
		for k, v := range ov {
			clone.Attrs[k] = v
		}
		clone.ID = clone.Attrs["id"]
		clone.Src = clone.Attrs["src"]
		clone.FallbackSrc = clone.Attrs["fallback-src"]
		clone.Primary = attrBool(clone.Attrs, "primary")
		clone.Async = attrBool(clone.Attrs, "async")
		clone.Public = attrBool(clone.Attrs, "public")
		clone.TimeoutMS = attrInt(clone.Attrs, "timeout")
	}
	return &clone
}

// start clones every static fragment, registers its state, and launches its
// fetch goroutine. Must complete before any instruction referencing a
// fragment is walked.
func (r *renderer) start(ctx context.Context) {
	r.ctx = ctx
	for _, d := range r.doc.Fragments {
		clone := cloneDescriptor(d, r.opts.ContextOverrides)
		fs := &fragState{desc: clone, fetchReady: make(chan struct{}), claimReady: make(chan struct{})}
		r.states[d] = fs
		r.trackFragState(fs)
		async := clone.Async
		if async {
			r.drainWG.Add(1)
		}
		go r.fetchFragment(ctx, fs, async)
	}
}

// trackFragState records fs for the render's final RenderStats summary,
// independent of r.states (which is only keyed by statically parsed
// fragments and never sees dynamically discovered ones).
func (r *renderer) trackFragState(fs *fragState) {
	r.allMu.Lock()
	r.allFS = append(r.allFS, fs)
	r.allMu.Unlock()
}

// registerDynamicFragment handles a fragment surfaced mid-stream by a
// custom-tag handler. Per the TagStream contract, Consume must not return
// until every Fragment/Literal event it intends to produce has already
// reached the sink, so this Add always happens before the drain phase's
// WaitGroup.Wait.
func (r *renderer) registerDynamicFragment(d *FragmentDescriptor) {
	r.dynMu.Lock()
	d.Index = r.dynNext
	r.dynNext++
	r.dynMu.Unlock()

	fs := &fragState{desc: d, fetchReady: make(chan struct{}), claimReady: make(chan struct{})}
	r.trackFragState(fs)
	r.drainWG.Add(1)
	go r.fetchFragment(r.ctx, fs, true)
}

// fetchFragment fetches one fragment, reports it to the planner, and, for
// async fragments, fully buffers its body before pushing the completed
// state onto drainCh.
func (r *renderer) fetchFragment(ctx context.Context, fs *fragState, async bool) {
	d := fs.desc
	spanCtx, span := r.tracer.StartSpan(ctx, "fragment.fetch", map[string]any{
		"fragment.id":     d.EffectiveID(),
		"fragment.src":    d.Src,
		"fragment.async":  d.Async,
		"fragment.public": d.Public,
		"span.kind":       "client",
	})

	forward := ForwardHeaders(r.requestHeaders(), d.Public)
	res, err := r.c.fetcher.Fetch(spanCtx, d, forward)
	var assets []AssetEntry
	if err == nil {
		assets = ParseLinkHeader(res.Headers, r.requestHost, r.c.host.maxAssetLinks())
		if r.opts.HeaderFilter != nil {
			res.Headers = r.opts.HeaderFilter.FilterResponseHeaders(d.Attrs, res.Headers)
		}
	}
	fs.result, fs.err, fs.assets = res, err, assets
	close(fs.fetchReady)

	switch {
	case err != nil:
		span.SetTag("error", true)
		metrics.ObserveFragmentFetch("network_error")
		if ce, ok := err.(*ComposeError); ok {
			span.LogKV(map[string]any{"kind": string(ce.Kind)})
			if ce.Kind == ErrFragmentTimeout {
				span.SetTag("timeout", true)
				metrics.ObserveFragmentTimeout(d.Primary)
			}
		}
	case res.StatusCode >= 500:
		span.SetTag("error", true)
		metrics.ObserveFragmentFetch("http_error")
	default:
		metrics.ObserveFragmentFetch("success")
	}
	switch {
	case res != nil && res.UsedFallback:
		span.SetTag("fallback", true)
		metrics.ObserveFragmentFallback(!fs.failed())
	case d.FallbackSrc != "" && fs.failed():
		metrics.ObserveFragmentFallback(false)
	}
	span.Finish()

	scripts := 0
	for _, a := range assets {
		if a.Rel == RelFragmentScript {
			scripts++
		}
	}
	// The first fragment-script shares the fragment's own index; only the
	// ones after it reserve extra indices.
	extra := 0
	if scripts > 1 {
		extra = scripts - 1
	}
	d.IndexLo, d.IndexHi = r.planner.Claim(d.Index, extra)
	close(fs.claimReady)

	if !async {
		return
	}
	defer r.drainWG.Done()
	if err == nil && res != nil && res.Body != nil {
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		fs.body = body
	}
	r.drainCh <- fs
}

// primaryState returns the (cloned) primary fragment's state, if any, in
// parser order.
func (r *renderer) primaryState() *fragState {
	for _, d := range r.doc.Fragments {
		fs := r.states[d]
		if fs.desc.Primary {
			return fs
		}
	}
	return nil
}

func writeCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
}

// buildLinkHeader renders the outer preload Link header: the AMD loader
// (omitted entirely once the host inlines a PipeDefinition) followed by the
// primary fragment's stylesheets, then its fragment-scripts.
func (r *renderer) buildLinkHeader(primary *fragState) string {
	var entries []string
	if len(r.c.host.PipeDefinition) == 0 && r.c.host.AMDLoaderURL != "" {
		e := fmt.Sprintf(`<%s>; rel="preload"; as="script"; nopush`, r.c.host.AMDLoaderURL)
		if !sameOrigin(r.c.host.AMDLoaderURL, r.requestHost) {
			e += `; crossorigin`
		}
		entries = append(entries, e)
	}
	if primary != nil {
		for _, a := range primary.assets {
			if a.Rel != RelStylesheet {
				continue
			}
			e := fmt.Sprintf(`<%s>; rel="preload"; as="style"`, a.Href)
			if a.CrossOrigin {
				e += `; crossorigin`
			}
			entries = append(entries, e)
		}
		for _, a := range primary.assets {
			if a.Rel != RelFragmentScript {
				continue
			}
			e := fmt.Sprintf(`<%s>; rel="preload"; as="script"`, a.Href)
			if a.CrossOrigin {
				e += `; crossorigin`
			}
			entries = append(entries, e)
		}
	}
	return strings.Join(entries, ", ")
}

// run executes the full render: it waits on the primary's fetch headers
// before writing any byte, then streams the shell, body, and drain region.
func (r *renderer) run(ctx context.Context, w http.ResponseWriter) error {
	ctx, serverSpan := r.tracer.StartSpan(ctx, "compose.request", map[string]any{
		"http.url":  requestURL(r.opts.Request),
		"span.kind": "server",
	})
	defer serverSpan.Finish()

	r.start(ctx)

	primary := r.primaryState()
	status := http.StatusOK
	var location string
	var setCookies []string
	if primary != nil {
		<-primary.fetchReady
		if primary.failed() {
			serverSpan.SetTag("error", true)
			serverSpan.SetTag("http.status_code", http.StatusInternalServerError)
			writeCacheHeaders(w.Header())
			w.WriteHeader(http.StatusInternalServerError)
			r.reportStats(http.StatusInternalServerError, primary)
			return nil
		}
		status = primary.result.StatusCode
		location = primary.result.Headers.Get("Location")
		setCookies = primary.result.Headers.Values("Set-Cookie")
	}

	writeCacheHeaders(w.Header())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if location != "" {
		w.Header().Set("Location", location)
	}
	for _, c := range setCookies {
		w.Header().Add("Set-Cookie", c)
	}
	if link := r.buildLinkHeader(primary); link != "" {
		w.Header().Set("Link", link)
	}
	w.WriteHeader(status)
	serverSpan.SetTag("http.status_code", status)

	flusher, _ := w.(http.Flusher)

	w.Write([]byte("<html><head>"))
	r.writeInstructions(ctx, w, flusher, r.doc.HeadLiterals)
	r.writePipeBootstrap(w)
	w.Write([]byte("</head><body>"))
	if flusher != nil {
		flusher.Flush()
	}

	r.writeInstructions(ctx, w, flusher, r.doc.Body)
	r.drain(w, flusher)

	w.Write([]byte("</body></html>"))
	if flusher != nil {
		flusher.Flush()
	}
	r.reportStats(status, primary)
	return nil
}

// reportStats populates opts.Stats, if the host asked for one, from every
// fragment this render touched. It is called after the drain phase, or, on a
// primary failure, right before the early return. Only fragments whose
// fetchReady has closed contribute to the error/timeout/fallback counts (a
// still-running fetch, possible on the primary-failure path, is counted in
// FragmentCount only), so reading their result/err is race-free without
// locking.
func (r *renderer) reportStats(status int, primary *fragState) {
	if primary == nil {
		metrics.ObservePrimaryStatus(0)
	} else {
		metrics.ObservePrimaryStatus(status)
	}
	if r.opts.Stats == nil {
		return
	}
	stats := r.opts.Stats
	stats.StatusCode = status
	if primary != nil {
		stats.PrimaryID = primary.desc.EffectiveID()
	}

	r.allMu.Lock()
	fragments := append([]*fragState(nil), r.allFS...)
	r.allMu.Unlock()

	stats.FragmentCount = len(fragments)
	for _, fs := range fragments {
		select {
		case <-fs.fetchReady:
		default:
			continue
		}
		if fs.failed() {
			stats.ErrorCount++
		}
		if ce, ok := fs.err.(*ComposeError); ok && ce.Kind == ErrFragmentTimeout {
			stats.TimeoutCount++
		}
		if fs.result != nil && fs.result.UsedFallback {
			stats.FallbackCount++
		}
	}
}

func requestURL(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	return req.URL.String()
}

// writePipeBootstrap emits the client-side runtime: the host's inline
// PipeDefinition blob if set, else an external loader script tag plus a
// minimal global bootstrap. The runtime's own behavior is an external
// collaborator; the composer's job ends at emitting the hooks it calls.
func (r *renderer) writePipeBootstrap(w io.Writer) {
	if len(r.c.host.PipeDefinition) > 0 {
		w.Write([]byte("<script>"))
		w.Write(r.c.host.PipeDefinition)
		w.Write([]byte("</script>"))
		return
	}
	if r.c.host.AMDLoaderURL != "" {
		fmt.Fprintf(w, `<script src=%q data-pipe-loader></script>`, r.c.host.AMDLoaderURL)
	}
	fmt.Fprintf(w, `<script>var %s=window.%s||{};</script>`, r.instanceName, r.instanceName)
}

// writeInstructions walks one instruction list (head or body), rendering
// sync fragments, async placeholders, and delegated custom tags inline.
func (r *renderer) writeInstructions(ctx context.Context, out io.Writer, flusher http.Flusher, instrs []Instruction) {
	for _, instr := range instrs {
		switch v := instr.(type) {
		case Literal:
			out.Write(v.Bytes)
		case FragmentInstr:
			fs := r.states[v.Descriptor]
			if fs.desc.Async {
				r.writeAsyncPlaceholder(out, fs)
			} else {
				r.writeSyncFragment(out, flusher, fs)
			}
		case CustomTagInstr:
			r.writeCustomTag(ctx, out, flusher, v)
		}
	}
}

// writeSyncFragment blocks on the fragment's fetch and claim, then streams
// its body directly, swallowing a failed fetch into an empty region between
// the start/end hooks (spec.md §4.3 "non-primary failures never surface").
func (r *renderer) writeSyncFragment(out io.Writer, flusher http.Flusher, fs *fragState) {
	<-fs.fetchReady
	<-fs.claimReady
	d := fs.desc

	var scripts []AssetEntry
	for _, a := range fs.assets {
		if a.Rel == RelFragmentScript {
			scripts = append(scripts, a)
		}
	}
	plan := planSyncAssets(d, scripts)

	var b strings.Builder
	writeFragmentStarts(&b, r.instanceName, d, plan, r.mapper)
	out.Write([]byte(b.String()))

	if !fs.failed() {
		io.Copy(out, fs.result.Body)
		fs.result.Body.Close()
		if flusher != nil {
			flusher.Flush()
		}
	}

	var e strings.Builder
	writeFragmentEnds(&e, r.instanceName, plan)
	out.Write([]byte(e.String()))
}

// writeAsyncPlaceholder blocks only on the fetch's headers and claim (not
// its body), writing the placeholder hook and any stylesheet loadCSS calls
// inline; the body streams later from the drain phase.
func (r *renderer) writeAsyncPlaceholder(out io.Writer, fs *fragState) {
	<-fs.fetchReady
	<-fs.claimReady
	d := fs.desc

	var styles []AssetEntry
	for _, a := range fs.assets {
		if a.Rel == RelStylesheet {
			styles = append(styles, a)
		}
	}
	var b strings.Builder
	writePlaceholder(&b, r.instanceName, d, styles)
	out.Write([]byte(b.String()))
}

// drain writes every async fragment's real start/body/end region in
// fetch-completion order, once the document has been fully walked.
func (r *renderer) drain(w io.Writer, flusher http.Flusher) {
	go func() {
		r.drainWG.Wait()
		close(r.drainCh)
	}()
	for fs := range r.drainCh {
		r.writeDrainedFragment(w, flusher, fs)
	}
}

func (r *renderer) writeDrainedFragment(out io.Writer, flusher http.Flusher, fs *fragState) {
	d := fs.desc
	var scripts []AssetEntry
	for _, a := range fs.assets {
		if a.Rel == RelFragmentScript {
			scripts = append(scripts, a)
		}
	}
	plan := planSyncAssets(d, scripts)

	var b strings.Builder
	writeFragmentStarts(&b, r.instanceName, d, plan, r.mapper)
	if !fs.failed() {
		b.Write(fs.body)
	}
	writeFragmentEnds(&b, r.instanceName, plan)
	out.Write([]byte(b.String()))
	if flusher != nil {
		flusher.Flush()
	}
}

// writeCustomTag delegates a handled tag to the host, feeding its stream
// into a sink that writes literals inline and registers any dynamically
// discovered fragments for the drain phase.
func (r *renderer) writeCustomTag(ctx context.Context, out io.Writer, flusher http.Flusher, instr CustomTagInstr) {
	if r.opts.TagHandler == nil {
		return
	}
	stream, err := r.opts.TagHandler.HandleTag(ctx, r.opts.Request, instr.Name, instr.Attrs)
	if err != nil || stream == nil {
		return
	}
	sink := &tagSink{r: r, out: out}
	stream.Consume(ctx, sink)
	if flusher != nil {
		flusher.Flush()
	}
}

// tagSink implements TagEventSink, serializing writes against whatever
// concurrency the host's TagStream uses internally.
type tagSink struct {
	r   *renderer
	out io.Writer
	mu  sync.Mutex
}

func (s *tagSink) Literal(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(b)
}

func (s *tagSink) Fragment(d *FragmentDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.r.registerDynamicFragment(d)
}
