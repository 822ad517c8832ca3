package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusClass(t *testing.T) {
	testCases := []struct {
		name     string
		input    int
		expected string
	}{
		{"no primary", 0, "none"},
		{"ok", 200, "2xx"},
		{"redirect", 302, "3xx"},
		{"not found", 404, "4xx"},
		{"server error", 500, "5xx"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := statusClass(tc.input); got != tc.expected {
				t.Errorf("statusClass(%d) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	fragmentFetchTotal = nil
	fragmentFallbackTotal = nil
	fragmentTimeoutTotal = nil
	primaryStatusTotal = nil
	httpRequestsTotal = nil
	httpRequestDurationSeconds = nil
	once = sync.Once{}

	Init()
	Init()

	if fragmentFetchTotal == nil || httpRequestsTotal == nil || primaryStatusTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveFragmentFetch("success")
	if val := testutil.ToFloat64(fragmentFetchTotal.WithLabelValues("success")); val != 1 {
		t.Errorf("expected fragmentFetchTotal success to be 1, got %f", val)
	}

	ObservePrimaryStatus(200)
	if val := testutil.ToFloat64(primaryStatusTotal.WithLabelValues("2xx")); val != 1 {
		t.Errorf("expected primaryStatusTotal 2xx to be 1, got %f", val)
	}
}
