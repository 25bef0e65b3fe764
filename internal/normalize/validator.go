package normalize

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Config tunes the Validator.
type Config struct {
	// DNSBatchSize is the number of hosts resolved concurrently.
	DNSBatchSize int
	// DNSBatchDelay is the pause between resolution batches.
	DNSBatchDelay time.Duration
	// DNSSkipThreshold disables DNS checks when more URLs than this are submitted.
	DNSSkipThreshold int
	// MaxURLs caps a single submission.
	MaxURLs int
	// LookupTimeout bounds a single host lookup.
	LookupTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DNSBatchSize:     50,
		DNSBatchDelay:    100 * time.Millisecond,
		DNSSkipThreshold: 1000,
		MaxURLs:          20000,
		LookupTimeout:    5 * time.Second,
	}
}

// Skipped is a rejected input line and the reason.
type Skipped struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Stats summarizes a validation pass.
type Stats struct {
	Total      int  `json:"total"`
	Valid      int  `json:"valid"`
	Duplicates int  `json:"duplicates"`
	Invalid    int  `json:"invalid"`
	DNSChecked bool `json:"dns_checked"`
}

// Result is the outcome of Validate.
type Result struct {
	ValidURLs         []string  `json:"valid_urls"`
	DuplicatesRemoved int       `json:"duplicates_removed"`
	Skipped           []Skipped `json:"skipped"`
	Stats             Stats     `json:"stats"`
}

// Validator normalizes, deduplicates, and resolves submitted URLs.
type Validator struct {
	resolver Resolver
	cfg      Config
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewValidator builds a Validator. A nil resolver uses net.DefaultResolver.
func NewValidator(resolver Resolver, cfg Config, logger *zap.Logger) *Validator {
	def := DefaultConfig()
	if cfg.DNSBatchSize <= 0 {
		cfg.DNSBatchSize = def.DNSBatchSize
	}
	if cfg.DNSBatchDelay < 0 {
		cfg.DNSBatchDelay = 0
	}
	if cfg.DNSSkipThreshold <= 0 {
		cfg.DNSSkipThreshold = def.DNSSkipThreshold
	}
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = def.MaxURLs
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{resolver: resolver, cfg: cfg, logger: logger, sleep: sleepCtx}
}

// Validate normalizes every line, drops duplicates keeping first occurrence,
// and resolves hostnames unless skipDNS is set or the submission is larger
// than the skip threshold. It fails with crawler.ErrInvalidInput when the
// submission is too large or nothing valid remains.
func (v *Validator) Validate(ctx context.Context, lines []string, skipDNS bool) (Result, error) {
	var res Result
	candidates := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		candidates = append(candidates, line)
	}
	res.Stats.Total = len(candidates)
	if len(candidates) > v.cfg.MaxURLs {
		return res, fmt.Errorf("%w: %d urls exceeds limit of %d", crawler.ErrInvalidInput, len(candidates), v.cfg.MaxURLs)
	}

	seen := make(map[string]struct{}, len(candidates))
	normalized := make([]string, 0, len(candidates))
	for _, raw := range candidates {
		n, err := URL(raw)
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{URL: raw, Reason: reason(err)})
			continue
		}
		key := Key(n)
		if _, dup := seen[key]; dup {
			res.DuplicatesRemoved++
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, n)
	}

	if !skipDNS && len(candidates) <= v.cfg.DNSSkipThreshold {
		res.Stats.DNSChecked = true
		failed, err := v.resolveAll(ctx, normalized)
		if err != nil {
			return res, err
		}
		kept := normalized[:0]
		for _, n := range normalized {
			if failed[Hostname(n)] {
				res.Skipped = append(res.Skipped, Skipped{URL: n, Reason: ReasonDNSFailed})
				continue
			}
			kept = append(kept, n)
		}
		normalized = kept
	} else if !skipDNS {
		v.logger.Info("dns validation skipped for large submission",
			zap.Int("urls", len(candidates)),
			zap.Int("threshold", v.cfg.DNSSkipThreshold),
		)
	}

	res.ValidURLs = normalized
	res.Stats.Valid = len(normalized)
	res.Stats.Duplicates = res.DuplicatesRemoved
	res.Stats.Invalid = len(res.Skipped)
	if len(normalized) == 0 {
		return res, fmt.Errorf("%w: no valid urls", crawler.ErrInvalidInput)
	}
	return res, nil
}

// resolveAll resolves each distinct host once, in batches, and returns the
// set of hosts that failed.
func (v *Validator) resolveAll(ctx context.Context, urls []string) (map[string]bool, error) {
	hosts := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		h := Hostname(u)
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}

	failed := make(map[string]bool)
	for start := 0; start < len(hosts); start += v.cfg.DNSBatchSize {
		if start > 0 && v.cfg.DNSBatchDelay > 0 {
			if err := v.sleep(ctx, v.cfg.DNSBatchDelay); err != nil {
				return nil, fmt.Errorf("dns validation: %w", err)
			}
		}
		end := min(start+v.cfg.DNSBatchSize, len(hosts))
		batch := hosts[start:end]
		results := make([]bool, len(batch))

		// A cancelled ctx fails the group; lookups not yet started are skipped.
		g, gctx := errgroup.WithContext(ctx)
		for i, host := range batch {
			g.Go(func() error {
				ok, err := v.lookup(gctx, host)
				results[i] = ok
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("dns validation: %w", err)
		}
		for i, ok := range results {
			if !ok {
				failed[batch[i]] = true
			}
		}
	}
	return failed, nil
}

// lookup reports whether host resolves. It errors only when ctx itself is
// done; resolver failures are a false result.
func (v *Validator) lookup(ctx context.Context, host string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if net.ParseIP(host) != nil {
		return true, nil
	}
	lctx, cancel := context.WithTimeout(ctx, v.cfg.LookupTimeout)
	defer cancel()
	addrs, err := v.resolver.LookupHost(lctx, host)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if err != nil || len(addrs) == 0 {
		v.logger.Debug("dns lookup failed", zap.String("host", host), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
