package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserversRecord(t *testing.T) {
	Init()
	Init()

	ObserveFetch("https://metrics-a.example/x", "2xx", 512)
	require.InDelta(t, 1.0, testutil.ToFloat64(fetchPagesTotal.WithLabelValues("metrics-a.example", "2xx")), 0)
	require.InDelta(t, 512.0, testutil.ToFloat64(fetchBytesTotal.WithLabelValues("metrics-a.example")), 0)

	before := testutil.ToFloat64(fetchErrorsTotal.WithLabelValues("dns_error"))
	ObserveFetchError("dns_error")
	require.InDelta(t, before+1, testutil.ToFloat64(fetchErrorsTotal.WithLabelValues("dns_error")), 0)

	fallbacks := testutil.ToFloat64(tlsFallbackTotal)
	ObserveTLSFallback()
	require.InDelta(t, fallbacks+1, testutil.ToFloat64(tlsFallbackTotal), 0)

	retries := testutil.ToFloat64(jobAttemptsTotal.WithLabelValues("retry"))
	ObserveJobAttempt("retry")
	require.InDelta(t, retries+1, testutil.ToFloat64(jobAttemptsTotal.WithLabelValues("retry")), 0)

	SetActiveJobs(7)
	require.InDelta(t, 7.0, testutil.ToFloat64(dispatchActiveJobs), 0)

	ObserveRateLimitDelay("metrics-a.example", 250*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaysSeconds))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
