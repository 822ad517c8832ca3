package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestRequestIDMiddlewareSetsHeaderAndContext(t *testing.T) {
	t.Parallel()

	gen := &fakeIDGen{ids: []string{"req-1"}}
	var sawID string
	next := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		sawID, _ = r.Context().Value(requestIDKey{}).(string)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	requestIDMiddleware(gen)(next).ServeHTTP(rec, req)

	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	require.Equal(t, "req-1", sawID)
}

func TestRequestIDMiddlewareFallsBackWhenGeneratorErrors(t *testing.T) {
	t.Parallel()

	gen := &erroringIDGen{}
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	requestIDMiddleware(gen)(next).ServeHTTP(rec, req)

	require.Equal(t, "unavailable", rec.Header().Get("X-Request-ID"))
}

type erroringIDGen struct{}

func (erroringIDGen) NewID() (string, error) { return "", fmt.Errorf("generator exhausted") }

func TestLoggingMiddlewareRecordsStatusAndDuration(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(100, 0)}
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		clk.now = clk.now.Add(5 * time.Millisecond)
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/teapot", nil)
	loggingMiddleware(zap.NewNop(), clk)(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRecoverMiddlewareConvertsPanicToInternalServerError(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	recoverMiddleware(zap.NewNop())(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTimeoutMiddlewareTimesOutSlowHandler(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(200 * time.Millisecond):
			w.Write([]byte("too slow"))
		case <-r.Context().Done():
		}
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	timeoutMiddleware(10 * time.Millisecond)(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestResponseWriterHijackUnsupported(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.Error(t, err)
	require.Equal(t, "hijacker not supported", err.Error())
}

func TestResponseWriterHijackDelegates(t *testing.T) {
	t.Parallel()

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw := &responseWriter{ResponseWriter: h}

	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.closeClient())
}

func TestResponseWriterFlushDelegates(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec}
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte("data"))
	rw.Flush()
	require.True(t, rec.Flushed)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	srv, client := net.Pipe()
	h.client = client
	return srv, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) closeClient() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}
