package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

func TestFetchRecordsRedirectChainInOrder(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/c", http.StatusFound)
	})
	mux.HandleFunc("/c", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><title>C</title></html>"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "test-agent"})
	res, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/a", Timeout: time.Second})
	require.NoError(t, err)

	require.Equal(t, srv.URL+"/a", res.RequestedURL)
	require.Equal(t, srv.URL+"/c", res.FinalURL)
	require.True(t, res.Redirected())
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(res.Body), "<title>C</title>")
	require.False(t, res.SSLValidationFailed)

	require.Len(t, res.RedirectChain, 2)
	require.Equal(t, srv.URL+"/a", res.RedirectChain[0].FromURL)
	require.Equal(t, srv.URL+"/b", res.RedirectChain[0].ToURL)
	require.Equal(t, http.StatusMovedPermanently, res.RedirectChain[0].StatusCode)
	require.Equal(t, "permanent", res.RedirectChain[0].Type)
	require.Equal(t, srv.URL+"/b", res.RedirectChain[1].FromURL)
	require.Equal(t, srv.URL+"/c", res.RedirectChain[1].ToURL)
	require.Equal(t, "temporary", res.RedirectChain[1].Type)
	require.False(t, res.RedirectChain[1].Timestamp.Before(res.RedirectChain[0].Timestamp))
}

func TestFetchWithoutRedirectHasEmptyChain(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "yes", r.Header.Get("X-Trace"))
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	f := New(Config{})
	res, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL,
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.NotNil(t, res.RedirectChain)
	require.Empty(t, res.RedirectChain)
	require.Equal(t, srv.URL, res.FinalURL)
	require.False(t, res.Redirected())
}

func TestFetchStopsAfterMaxRedirects(t *testing.T) {
	t.Parallel()

	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		http.Redirect(w, r, r.URL.Path+"x", http.StatusTemporaryRedirect)
	}))
	t.Cleanup(srv.Close)

	f := New(Config{MaxRedirects: 3})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/r"})
	require.Error(t, err)

	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, crawler.KindProtocol, fe.Kind)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 4, hits)
}

func TestFetchFallsBackOnCertificateError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secure-ish"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{})
	res, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.True(t, res.SSLValidationFailed)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "secure-ish", string(res.Body))
}

func TestFetchDoesNotFallBackOnOtherErrors(t *testing.T) {
	t.Parallel()

	insecure := &countingTransport{err: errors.New("should not be used")}
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	f := New(Config{}, WithTransports(newHTTPTransport(false), insecure))
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: addr, Timeout: time.Second})
	require.Error(t, err)
	require.Equal(t, crawler.KindConnectionRefused, crawler.KindOf(err))
	require.Zero(t, insecure.calls())
}

func TestFetchClassifiesTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := New(Config{})
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL, Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	require.Equal(t, crawler.KindTimeout, crawler.KindOf(err))
}

func TestFetchWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{err: context.Canceled}
	f := New(Config{}, WithLimiter(limiter))
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"https://example.com"}, limiter.urls)
}

type countingTransport struct {
	mu  sync.Mutex
	n   int
	err error
}

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil, c.err
}

func (c *countingTransport) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type stubLimiter struct {
	urls []string
	err  error
}

func (s *stubLimiter) Wait(_ context.Context, url string) error {
	s.urls = append(s.urls, url)
	return s.err
}
