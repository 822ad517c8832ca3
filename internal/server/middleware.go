package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/metrics"
)

type requestIDKey struct{}

// idGenerator and clock mirror the teacher's crawler.IDGenerator/crawler.Clock
// seams: narrow interfaces so middleware tests can inject fakes instead of
// the real id/uuid.Generator and clock/system.Clock.
type idGenerator interface {
	NewID() (string, error)
}

type clock interface {
	Now() time.Time
}

// requestIDMiddleware stamps every request with an X-Request-ID, matching
// the teacher's internal/api.requestIDMiddleware but generating the ID
// through the teacher's own id/uuid.Generator rather than calling
// google/uuid directly.
func requestIDMiddleware(gen idGenerator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID, err := gen.NewID()
			if err != nil {
				reqID = "unavailable"
			}
			ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// loggingMiddleware wraps the response in a status-capturing responseWriter
// and logs once the handler returns, matching the teacher's shape but
// through the injected zap.Logger rather than a package-level slog logger.
// Elapsed time is measured via the injected clock (clock/system.Clock in
// production) rather than by calling time.Now directly, so tests can fake it.
func loggingMiddleware(logger *zap.Logger, clk clock) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := clk.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", clk.Now().Sub(start)),
			)
		})
	}
}

// recoverMiddleware recovers from a panic anywhere downstream and logs it
// instead of letting it crash the server, matching the teacher's
// recoverMiddleware.
func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// timeoutMiddleware wraps next in http.TimeoutHandler. It must never be
// applied to the composition route: http.TimeoutHandler buffers the
// response until the wrapped handler returns, which defeats streaming
// fragments to the client while they are still in flight. It is only used
// for the plain JSON /healthz and /readyz endpoints.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

// metricsMiddleware wraps next with internal/metrics.Middleware. That
// middleware's statusRecorder passes Flush through to the underlying
// ResponseWriter, so it is safe to apply to the composition route too.
func metricsMiddleware(next http.Handler) http.Handler {
	return metrics.Middleware(next)
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}
