// Package main hosts the pipeweave entrypoint.
//
// Architecture overview:
//   - HTTP: internal/server.App exposes /healthz, /readyz, /metrics, and the
//     composition route. Requests are resolved to a template key, fetched via
//     the configured TemplateSource backend, parsed (or reused from the
//     host-side document cache), and streamed through internal/composer's
//     Render.
//   - Composition core: internal/composer fetches every fragment concurrently,
//     decides each render's primary status from the primary fragment's fetch
//     result alone, streams synchronous fragments and async placeholders in
//     document order, and drains async fragment bodies as they complete.
//   - Template sources: internal/templatesource provides memory/local/gcs/
//     postgres backends, each fingerprinting base+child content and
//     announcing a change through internal/notify so a host-side cache
//     outside this process knows to refetch.
//   - Configuration & plumbing: viper populates Config from env/files; zap
//     provides structured logging; Prometheus metrics are exported via
//     internal/metrics; OpenTelemetry tracing is wired through
//     internal/telemetry's composer.Tracer adapter.
//
// Operational notes:
//   - The composition route carries no request-timeout middleware: it streams
//     bytes while fragments are still in flight, and http.TimeoutHandler
//     buffers the response until the handler returns, which would defeat
//     that. Fragment-level timeouts inside internal/composer bound worst-case
//     latency instead.
//   - Configure env vars with the PIPEWEAVE_ prefix, e.g.
//     PIPEWEAVE_SERVER_PORT, PIPEWEAVE_TEMPLATE_SOURCE_BACKEND,
//     PIPEWEAVE_HOST_AMD_LOADER_URL.
//   - Run locally: go run ./cmd/pipeweave -config config.yaml.
package main
