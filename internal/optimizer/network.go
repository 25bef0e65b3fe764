package optimizer

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

// DefaultProbeURLs are lightweight public endpoints used to estimate
// network conditions.
var DefaultProbeURLs = []string{
	"https://httpbin.org/json",
	"https://jsonplaceholder.typicode.com/posts/1",
	"https://api.github.com/zen",
	"https://httpbin.org/uuid",
	"https://www.google.com/generate_204",
}

const (
	defaultProbeTimeout = 5 * time.Second
	allFailedSpeed      = 50
)

// NetworkSample is the outcome of one probe round.
type NetworkSample struct {
	LatencyMs float64   `json:"latency_ms"`
	SpeedMbps float64   `json:"speed_mbps"`
	Failed    int       `json:"failed"`
	Probed    int       `json:"probed"`
	At        time.Time `json:"at"`
}

// Prober estimates network latency and throughput.
type Prober interface {
	Probe(ctx context.Context) (NetworkSample, error)
}

// FetchProber times concurrent fetches of a fixed URL list. A failed probe
// counts as the full timeout.
type FetchProber struct {
	fetcher crawler.Fetcher
	urls    []string
	timeout time.Duration
	now     func() time.Time
}

// NewFetchProber builds a prober over fetcher.
func NewFetchProber(fetcher crawler.Fetcher, urls []string, timeout time.Duration) *FetchProber {
	if len(urls) == 0 {
		urls = DefaultProbeURLs
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &FetchProber{fetcher: fetcher, urls: append([]string(nil), urls...), timeout: timeout, now: time.Now}
}

// Probe fetches every URL once and returns the average latency and speed tier.
func (p *FetchProber) Probe(ctx context.Context) (NetworkSample, error) {
	latencies := make([]float64, len(p.urls))
	failed := make([]bool, len(p.urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range p.urls {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pctx, cancel := context.WithTimeout(gctx, p.timeout)
			defer cancel()
			start := p.now()
			_, err := p.fetcher.Fetch(pctx, crawler.FetchRequest{URL: u, Timeout: p.timeout})
			if ctxErr := gctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				latencies[i] = float64(p.timeout.Milliseconds())
				failed[i] = true
				return nil
			}
			latencies[i] = float64(p.now().Sub(start).Milliseconds())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return NetworkSample{}, err
	}

	sample := NetworkSample{Probed: len(p.urls), At: p.now()}
	var total float64
	for i, l := range latencies {
		total += l
		if failed[i] {
			sample.Failed++
		}
	}
	sample.LatencyMs = total / float64(len(latencies))
	sample.SpeedMbps = SpeedTier(sample.LatencyMs)
	if sample.Failed == sample.Probed {
		sample.SpeedMbps = allFailedSpeed
	}
	return sample, nil
}
