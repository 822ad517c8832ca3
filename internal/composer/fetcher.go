package composer

import (
	"compress/gzip"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// forwardedHeaders, together with the x-... prefix rule in ForwardHeaders,
// implements spec.md §4.3's forwarding allowlist: referer, accept-language,
// user-agent, and any x-... header, except the ones explicitly blocked below.
var forwardedHeaders = map[string]struct{}{
	"referer":         {},
	"accept-language": {},
	"user-agent":      {},
}

// blockedForwardHeaders are x-... headers excluded from the otherwise
// permissive x-* forwarding rule.
var blockedForwardHeaders = map[string]struct{}{
	"x-wrong-header": {},
}

// Fetcher performs one upstream HTTP call per fragment, applying the
// header-forwarding allowlist, timeout, gzip decode, and single-fallback
// retry rules of spec.md §4.3.
type Fetcher struct {
	client *http.Client
}

// NewFetcher builds a Fetcher backed by one *http.Transport shared across
// requests, pooling connections per upstream authority the way the
// teacher's collyfetcher.newHTTPTransport does.
func NewFetcher() *Fetcher {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Fetcher{client: &http.Client{
		Transport: transport,
		// Redirects are not followed: a 3xx is returned as the fragment's own
		// response, so a primary fragment's Location can be propagated.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// ForwardHeaders builds the subset of the incoming request's headers that
// may be forwarded to a fragment upstream, honoring the public-only
// cookie/authorization rule.
func ForwardHeaders(in http.Header, public bool) http.Header {
	out := make(http.Header)
	for key, vals := range in {
		lower := strings.ToLower(key)
		if lower == "cookie" || lower == "authorization" {
			if public {
				out[key] = vals
			}
			continue
		}
		if _, ok := forwardedHeaders[lower]; ok {
			out[key] = vals
			continue
		}
		if strings.HasPrefix(lower, "x-") {
			if _, blocked := blockedForwardHeaders[lower]; !blocked {
				out[key] = vals
			}
		}
	}
	return out
}

// Fetch performs the fragment's primary request, then, on failure, its
// single fallback retry if fallbackSrc is set. The returned FetchResult's
// Body is a live, unread stream the caller must close.
func (f *Fetcher) Fetch(ctx context.Context, d *FragmentDescriptor, forward http.Header) (*FetchResult, error) {
	res, err := f.attempt(ctx, d.Src, d.Timeout(), forward)
	if err == nil && !isUpstreamFailure(res.StatusCode) {
		return res, nil
	}
	if d.FallbackSrc == "" {
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	fb, fbErr := f.attempt(ctx, d.FallbackSrc, d.Timeout(), forward)
	if fbErr != nil {
		return nil, fbErr
	}
	fb.UsedFallback = true
	return fb, nil
}

func isUpstreamFailure(status int) bool {
	return status >= 500
}

// attempt issues one HTTP GET with a deadline on the socket-to-first-byte
// wait only, decoding a gzip-encoded body transparently. The deadline timer
// is stopped as soon as headers arrive, so a slow body read past timeout
// is not itself treated as a fragment timeout.
func (f *Fetcher) attempt(ctx context.Context, src string, timeout time.Duration, forward http.Header) (*FetchResult, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, src, nil)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, NewComposeError(ErrFragmentFetch, "could not build fragment request", err)
	}
	for key, vals := range forward {
		for _, v := range vals {
			req.Header.Add(key, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		timer.Stop()
		cancel()
		if timedOut.Load() {
			return nil, NewComposeError(ErrFragmentTimeout, "fragment fetch timed out", err)
		}
		return nil, NewComposeError(ErrFragmentFetch, "fragment fetch failed", err)
	}
	// Headers arrived: the first-byte deadline is satisfied, so stop the
	// timer before it can cancel reqCtx mid-body-read. cancel still frees
	// reqCtx's resources once the body is closed.
	timer.Stop()

	body := resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, gzErr := gzip.NewReader(body)
		if gzErr != nil {
			body.Close()
			cancel()
			return &FetchResult{
				StatusCode: resp.StatusCode,
				Headers:    resp.Header,
				Body:       io.NopCloser(strings.NewReader("")),
			}, nil
		}
		body = &gzipBody{Reader: gz, underlying: resp.Body}
	}

	return &FetchResult{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       &cancelOnCloseBody{ReadCloser: body, cancel: cancel},
	}, nil
}

// gzipBody closes both the gzip reader and the underlying network body,
// and degrades decode errors mid-stream to clean EOF rather than
// propagating them to the client connection (spec.md §4.3 Decoding).
type gzipBody struct {
	*gzip.Reader
	underlying io.ReadCloser
}

func (g *gzipBody) Read(p []byte) (int, error) {
	n, err := g.Reader.Read(p)
	if err != nil && err != io.EOF {
		return n, io.EOF
	}
	return n, err
}

func (g *gzipBody) Close() error {
	_ = g.Reader.Close()
	return g.underlying.Close()
}

// cancelOnCloseBody releases the per-attempt request context once the
// caller is done reading the body (the first-byte timer has already been
// stopped when the headers arrived).
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnCloseBody) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
