// Package collyfetcher implements crawler.Fetcher using gocolly with redirect
// chain capture and a one-shot insecure TLS fallback.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/metrics"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultMaxRedirects = 5
	DefaultMaxBodyBytes = 10 * 1024 * 1024
	DefaultTimeout      = 30 * time.Second
	DefaultUserAgent    = "bulk-crawl-orchestrator/1.0"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	MaxRedirects int
	MaxBodyBytes int
	Timeout      time.Duration
}

// Limiter throttles requests per host. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements crawler.Fetcher using a fresh Colly collector per
// attempt over shared, pooled transports.
type Fetcher struct {
	cfg      Config
	secure   http.RoundTripper
	insecure http.RoundTripper
	limiter  Limiter
	logger   *zap.Logger
	now      func() time.Time
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLimiter enables per-host politeness throttling.
func WithLimiter(l Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// WithLogger sets the fetcher's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithTransports overrides the verifying and non-verifying round trippers.
func WithTransports(secure, insecure http.RoundTripper) Option {
	return func(f *Fetcher) {
		f.secure = secure
		f.insecure = insecure
	}
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	f := &Fetcher{
		cfg:      cfg,
		secure:   newHTTPTransport(false),
		insecure: newHTTPTransport(true),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch performs one retrieval attempt. Certificate validation failures are
// retried once without verification and flagged on the result; every other
// failure is returned as a *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return crawler.FetchResult{}, crawler.ClassifyError(err)
		}
	}

	result, err := f.attempt(ctx, request, f.secure)
	if err == nil {
		return result, nil
	}
	if !crawler.IsCertificateError(err) {
		return crawler.FetchResult{}, crawler.ClassifyError(err)
	}

	f.logger.Warn("tls validation failed, retrying without verification",
		zap.String("url", request.URL),
		zap.Error(err),
	)
	metrics.ObserveTLSFallback()
	result, err = f.attempt(ctx, request, f.insecure)
	if err != nil {
		return crawler.FetchResult{}, crawler.ClassifyError(err)
	}
	result.SSLValidationFailed = true
	return result, nil
}

func (f *Fetcher) attempt(
	ctx context.Context,
	request crawler.FetchRequest,
	transport http.RoundTripper,
) (crawler.FetchResult, error) {
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	start := f.now()
	result := crawler.FetchResult{
		RequestedURL:  request.URL,
		RedirectChain: []crawler.RedirectHop{},
	}
	chain := &redirectRecorder{max: f.cfg.MaxRedirects, now: f.now}

	collector := colly.NewCollector(
		colly.StdlibContext(ctx),
		colly.UserAgent(f.cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(f.cfg.MaxBodyBytes),
	)
	collector.WithTransport(transport)
	collector.SetRequestTimeout(timeout)
	collector.SetRedirectHandler(chain.check)

	var received bool
	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		received = true
		result.FinalURL = r.Request.URL.String()
		result.StatusCode = r.StatusCode
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
		}
		result.Body = append([]byte(nil), r.Body...)
	})

	if err := collector.Visit(request.URL); err != nil {
		return crawler.FetchResult{}, fmt.Errorf("fetch %s: %w", request.URL, err)
	}
	if !received {
		return crawler.FetchResult{}, crawler.NewFetchError(crawler.KindUnknown, errors.New("no response received"))
	}
	result.RedirectChain = chain.hops()
	if len(result.RedirectChain) == 0 {
		// colly reports the parsed request URL, which gains a "/" path on bare hosts.
		result.FinalURL = request.URL
	}
	result.Duration = f.now().Sub(start)
	return result, nil
}

// redirectRecorder appends each hop before the client follows it and stops
// once the hop budget is spent.
type redirectRecorder struct {
	mu    sync.Mutex
	max   int
	now   func() time.Time
	chain []crawler.RedirectHop
}

func (r *redirectRecorder) check(req *http.Request, via []*http.Request) error {
	status := 0
	if req.Response != nil {
		status = req.Response.StatusCode
	}
	from := ""
	if len(via) > 0 {
		from = via[len(via)-1].URL.String()
	}
	r.mu.Lock()
	r.chain = append(r.chain, crawler.RedirectHop{
		FromURL:    from,
		ToURL:      req.URL.String(),
		StatusCode: status,
		Type:       crawler.RedirectType(status),
		Timestamp:  r.now(),
	})
	r.mu.Unlock()
	if len(via) > r.max {
		return crawler.NewFetchError(crawler.KindProtocol, fmt.Errorf("stopped after %d redirects", r.max))
	}
	return nil
}

func (r *redirectRecorder) hops() []crawler.RedirectHop {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.RedirectHop{}, r.chain...)
}

func newHTTPTransport(insecure bool) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // fallback after a failed verification, flagged on the result
	}
	return t
}
