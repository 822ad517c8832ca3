package composer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComposerRenderStreamsSyncAndAsyncFragments(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PRIMARY"))
	}))
	defer primary.Close()
	async := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ASYNC"))
	}))
	defer async.Close()

	base := []byte(`<html><head></head><body>` +
		`<fragment id="p" primary="true" src="` + primary.URL + `"></fragment>` +
		`<fragment id="a" async="true" src="` + async.URL + `"></fragment>` +
		`</body></html>`)

	cmp := New(HostConfig{PipeInstanceName: "p"})
	doc, err := cmp.Parse(base, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	err = cmp.Render(context.Background(), doc, RenderOptions{Request: req}, rec)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)

	out := rec.Body.String()
	require.Contains(t, out, "PRIMARY")
	require.Contains(t, out, "ASYNC")
	require.Contains(t, out, `p.start(0)`)
	require.Contains(t, out, `p.placeholder(1)`)
	require.True(t, indexOf(out, `p.placeholder(1)`) < indexOf(out, "ASYNC"),
		"the placeholder hook must precede the drained async body")
}

func TestComposerRenderPrimaryFailureWritesBareStatusOnly(t *testing.T) {
	t.Parallel()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	base := []byte(`<html><body><fragment id="p" primary="true" src="` + failing.URL + `"></fragment></body></html>`)
	cmp := New(HostConfig{})
	doc, err := cmp.Parse(base, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	err = cmp.Render(context.Background(), doc, RenderOptions{Request: req}, rec)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Zero(t, rec.Body.Len(), "a primary failure must not write any body bytes")
}

func TestComposerRenderNonPrimaryFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PRIMARY"))
	}))
	defer primary.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	base := []byte(`<html><body>` +
		`<fragment id="p" primary="true" src="` + primary.URL + `"></fragment>` +
		`<fragment id="s" src="` + failing.URL + `"></fragment>` +
		`</body></html>`)
	cmp := New(HostConfig{})
	doc, err := cmp.Parse(base, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	err = cmp.Render(context.Background(), doc, RenderOptions{Request: req}, rec)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code, "a non-primary failure must never change the outer response status")
	require.Contains(t, rec.Body.String(), "PRIMARY")
}

func TestComposerRenderContextOverridesChangeSource(t *testing.T) {
	t.Parallel()

	overridden := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("overridden content"))
	}))
	defer overridden.Close()

	base := []byte(`<html><body><fragment id="widget" src="http://127.0.0.1:1/unreachable"></fragment></body></html>`)
	cmp := New(HostConfig{})
	doc, err := cmp.Parse(base, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	opts := RenderOptions{
		Request: req,
		ContextOverrides: map[string]map[string]string{
			"widget": {"src": overridden.URL},
		},
	}
	err = cmp.Render(context.Background(), doc, opts, rec)
	require.NoError(t, err)
	require.Contains(t, rec.Body.String(), "overridden content")
}

func TestComposerRenderPropagatesPrimaryLocationAndCookies(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/redirected")
		w.Header().Add("Set-Cookie", "a=1")
		w.WriteHeader(http.StatusFound)
	}))
	defer primary.Close()

	base := []byte(`<html><body><fragment id="p" primary="true" src="` + primary.URL + `"></fragment></body></html>`)
	cmp := New(HostConfig{})
	doc, err := cmp.Parse(base, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	err = cmp.Render(context.Background(), doc, RenderOptions{Request: req}, rec)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/redirected", rec.Header().Get("Location"))
	require.Equal(t, []string{"a=1"}, rec.Header().Values("Set-Cookie"))
}

func TestComposerRenderPopulatesStats(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PRIMARY"))
	}))
	defer primary.Close()

	fallbackTarget := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("FALLBACK"))
	}))
	defer fallbackTarget.Close()
	failingFirst := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failingFirst.Close()

	stuck := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer stuck.Close()

	base := []byte(`<html><body>` +
		`<fragment id="p" primary="true" src="` + primary.URL + `"></fragment>` +
		`<fragment id="fb" src="` + failingFirst.URL + `" fallback-src="` + fallbackTarget.URL + `"></fragment>` +
		`<fragment id="slow" src="` + stuck.URL + `" timeout="5"></fragment>` +
		`</body></html>`)
	cmp := New(HostConfig{})
	doc, err := cmp.Parse(base, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	stats := &RenderStats{}
	err = cmp.Render(context.Background(), doc, RenderOptions{Request: req, Stats: stats}, rec)
	require.NoError(t, err)

	require.Equal(t, 3, stats.FragmentCount)
	require.Equal(t, "p", stats.PrimaryID)
	require.Equal(t, http.StatusOK, stats.StatusCode)
	require.Equal(t, 1, stats.TimeoutCount)
	require.Equal(t, 1, stats.FallbackCount)
	require.Contains(t, rec.Body.String(), "FALLBACK")
}

func TestComposerRenderInlinesPipeDefinitionAndOmitsLoaderLink(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PRIMARY"))
	}))
	defer primary.Close()

	base := []byte(`<html><body><fragment id="p" primary="true" src="` + primary.URL + `"></fragment></body></html>`)
	cmp := New(HostConfig{
		AMDLoaderURL:   "https://cdn.example.com/loader.js",
		PipeDefinition: []byte("window.p=window.p||{};"),
	})
	doc, err := cmp.Parse(base, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	err = cmp.Render(context.Background(), doc, RenderOptions{Request: req}, rec)
	require.NoError(t, err)
	require.Contains(t, rec.Body.String(), "window.p=window.p||{};")
	require.Empty(t, rec.Header().Get("Link"), "an inlined PipeDefinition must suppress the loader preload header")
}
