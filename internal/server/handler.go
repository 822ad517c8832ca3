package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/composer"
	"github.com/pipeweave/pipeweave/internal/hash/sha256"
)

// documentCache memoizes the parsed composer.Document per request path,
// reusing an entry only while the content hash of the base+child bytes
// returned by the TemplateSource is unchanged. This is the host-side cache spec.md §9 expects to live
// outside internal/composer: Parse is pure, so a cache hit skips parsing
// entirely, while context overrides are always applied fresh at Render
// time and never touch the cache.
type documentCache struct {
	mu     sync.RWMutex
	hasher *sha256.Hasher
	byKey  map[string]cachedDocument
}

type cachedDocument struct {
	hash string
	doc  *composer.Document
}

func newDocumentCache() *documentCache {
	return &documentCache{hasher: sha256.New(), byKey: make(map[string]cachedDocument)}
}

func (c *documentCache) getOrParse(cmp *composer.Composer, key string, base, child []byte) (*composer.Document, error) {
	hash, err := c.hasher.Hash(append(append([]byte(nil), base...), child...))
	if err != nil {
		return nil, fmt.Errorf("hash template content: %w", err)
	}

	c.mu.RLock()
	entry, ok := c.byKey[key]
	c.mu.RUnlock()
	if ok && entry.hash == hash {
		return entry.doc, nil
	}

	doc, err := cmp.Parse(base, child)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byKey[key] = cachedDocument{hash: hash, doc: doc}
	c.mu.Unlock()
	return doc, nil
}

// composeHandler serves the composition route: resolve a template, parse
// (or reuse) its Document, and stream it via composer.Composer.Render.
func (a *App) composeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	base, child, err := a.templateSource.FetchTemplate(ctx, r)
	if err != nil {
		a.logger.Warn("template fetch failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg, ok := composer.Presentable(err)
		if !ok {
			msg = "template fetch failed"
		}
		http.Error(w, msg, composer.StatusCodeOf(err))
		return
	}

	doc, err := a.docCache.getOrParse(a.composer, r.URL.Path, base, child)
	if err != nil {
		a.logger.Error("template parse failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg, ok := composer.Presentable(err)
		if !ok {
			msg = "template invalid"
		}
		http.Error(w, msg, composer.StatusCodeOf(err))
		return
	}

	contextOverrides := map[string]map[string]string{}
	if a.contextProvider != nil {
		contextOverrides, err = a.contextProvider.FetchContext(ctx, r)
		if err != nil {
			a.logger.Warn("context provider failed, continuing without overrides",
				zap.String("path", r.URL.Path), zap.Error(err))
			contextOverrides = map[string]map[string]string{}
		}
	}

	stats := &composer.RenderStats{}
	opts := composer.RenderOptions{
		Request:          r,
		ContextOverrides: contextOverrides,
		TagHandler:       a.tagHandler,
		HeaderFilter:     a.headerFilter,
		AttributeMapper:  a.attributeMapper,
		Tracer:           a.tracer,
		Stats:            stats,
	}

	if err := a.composer.Render(ctx, doc, opts, w); err != nil {
		a.logger.Error("render failed", zap.String("path", r.URL.Path), zap.Error(err))
		return
	}
	a.logger.Info("request composed",
		zap.String("path", r.URL.Path),
		zap.Int("status", stats.StatusCode),
		zap.String("primary_id", stats.PrimaryID),
		zap.Int("fragment_count", stats.FragmentCount),
		zap.Int("timeout_count", stats.TimeoutCount),
		zap.Int("fallback_count", stats.FallbackCount),
		zap.Int("error_count", stats.ErrorCount),
	)
}

func (a *App) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err == nil {
		_, _ = w.Write(buf.Bytes())
	}
}
