package optimizer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/progress"
)

// Config tunes the Controller. Zero values take the defaults.
type Config struct {
	MinConcurrency     int
	MaxConcurrency     int
	TargetResponseTime time.Duration
	AdjustInterval     time.Duration
	ProbeInterval      time.Duration
}

const (
	defaultTargetResponse = 3 * time.Second
	defaultAdjustInterval = 30 * time.Second
	defaultProbeInterval  = 5 * time.Minute

	initialAvgResponseMs = 1000
	initialLatencyMs     = 100
	initialSpeedMbps     = 100
	targetSuccessRate    = 0.9
	highLoadWarning      = 0.9
)

// Metrics are the rolling performance measurements.
type Metrics struct {
	AvgResponseMs float64   `json:"avg_response_ms"`
	SuccessRate   float64   `json:"success_rate"`
	LatencyMs     float64   `json:"latency_ms"`
	SpeedMbps     float64   `json:"speed_mbps"`
	LastProbe     time.Time `json:"last_probe,omitempty"`
	JobsObserved  int64     `json:"jobs_observed"`
}

// Decision is the result of one adjustment tick.
type Decision struct {
	Previous    int                        `json:"previous"`
	Optimal     int                        `json:"optimal"`
	Recommended int                        `json:"recommended"`
	Factors     crawler.ConcurrencyFactors `json:"factors"`
	Reasoning   string                     `json:"reasoning"`
	At          time.Time                  `json:"at"`
}

// Snapshot is a read-only view of controller state.
type Snapshot struct {
	CurrentConcurrency int                `json:"current_concurrency"`
	MinConcurrency     int                `json:"min_concurrency"`
	MaxConcurrency     int                `json:"max_concurrency"`
	TargetResponseMs   float64            `json:"target_response_ms"`
	LastDecision       *Decision          `json:"last_decision,omitempty"`
	Load               Load               `json:"load"`
	Metrics            Metrics            `json:"metrics"`
	SystemInfo         crawler.SystemInfo `json:"system_info"`
	Health             string             `json:"health"`
	Suggestions        []string           `json:"suggestions"`
}

// Controller owns the concurrency budget. Recommended is safe to call from
// the dispatcher at any time; Tick and RefreshNetwork run on a cron schedule.
type Controller struct {
	cfg     Config
	info    crawler.SystemInfo
	minC    int
	maxC    int
	sampler Sampler
	prober  Prober
	emitter progress.Emitter
	logger  *zap.Logger
	now     func() time.Time

	mu           sync.Mutex
	current      int
	load         Load
	metrics      Metrics
	last         *Decision
	windowJobs   int
	windowOK     int
	windowTimeMs float64

	probeMu sync.Mutex
	cron    *cron.Cron
}

// NewController builds a Controller. A nil sampler reports zero load; a nil
// prober leaves network defaults in place.
func NewController(
	cfg Config,
	info crawler.SystemInfo,
	sampler Sampler,
	prober Prober,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Controller {
	if cfg.TargetResponseTime <= 0 {
		cfg.TargetResponseTime = defaultTargetResponse
	}
	if cfg.AdjustInterval <= 0 {
		cfg.AdjustInterval = defaultAdjustInterval
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	minC, maxC := ComputeRange(info.CPUCores, info.TotalMemoryBytes, info.Platform)
	if cfg.MinConcurrency > 0 {
		minC = max(cfg.MinConcurrency, DefaultMinConcurrency)
	}
	if cfg.MaxConcurrency > 0 {
		maxC = cfg.MaxConcurrency
	}
	if maxC < minC {
		maxC = minC
	}
	if sampler == nil {
		sampler = staticSampler{}
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg:     cfg,
		info:    info,
		minC:    minC,
		maxC:    maxC,
		sampler: sampler,
		prober:  prober,
		emitter: emitter,
		logger:  logger,
		now:     time.Now,
		current: max(minC, int(math.Round(float64(maxC)*0.5))),
		metrics: Metrics{
			AvgResponseMs: initialAvgResponseMs,
			SuccessRate:   1.0,
			LatencyMs:     initialLatencyMs,
			SpeedMbps:     initialSpeedMbps,
		},
	}
	logger.Info("concurrency controller initialized",
		zap.Int("cpu_cores", info.CPUCores),
		zap.Uint64("total_memory_bytes", info.TotalMemoryBytes),
		zap.Int("min", minC),
		zap.Int("max", maxC),
		zap.Int("initial", c.current),
	)
	return c
}

// Recommended returns the concurrency budget currently in effect.
func (c *Controller) Recommended() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Range returns the static concurrency bounds.
func (c *Controller) Range() (int, int) {
	return c.minC, c.maxC
}

// RecordJob folds one finished job attempt into the current window.
func (c *Controller) RecordJob(d time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windowJobs++
	c.windowTimeMs += float64(d.Milliseconds())
	if success {
		c.windowOK++
	}
	c.metrics.JobsObserved++
}

// Tick samples the host, folds the job window into the rolling metrics,
// computes the optimal concurrency, and moves the budget toward it by at
// most 20% of its current value.
func (c *Controller) Tick(_ context.Context) Decision {
	load, err := c.sampler.Sample()

	c.mu.Lock()
	if err != nil {
		c.logger.Debug("host load sample failed, reusing last sample", zap.Error(err))
		load = c.load
	}
	c.load = load
	if c.windowJobs > 0 {
		avg := c.windowTimeMs / float64(c.windowJobs)
		rate := float64(c.windowOK) / float64(c.windowJobs)
		c.metrics.AvgResponseMs = c.metrics.AvgResponseMs*0.7 + avg*0.3
		c.metrics.SuccessRate = c.metrics.SuccessRate*0.8 + rate*0.2
		c.windowJobs, c.windowOK, c.windowTimeMs = 0, 0, 0
	}
	optimal, factors := Optimal(Inputs{
		CPUUsage:         load.CPUUsage,
		MemoryUsage:      load.MemoryUsage,
		SpeedMbps:        c.metrics.SpeedMbps,
		LatencyMs:        c.metrics.LatencyMs,
		AvgResponseMs:    c.metrics.AvgResponseMs,
		TargetResponseMs: float64(c.cfg.TargetResponseTime.Milliseconds()),
		SuccessRate:      c.metrics.SuccessRate,
	}, c.minC, c.maxC)
	factors.LoadAvg = load.LoadAvg
	previous := c.current
	c.current = LimitChange(previous, optimal, c.minC, c.maxC)
	d := Decision{
		Previous:    previous,
		Optimal:     optimal,
		Recommended: c.current,
		Factors:     factors,
		Reasoning:   c.reasoningLocked(load),
		At:          c.now(),
	}
	c.last = &d
	c.mu.Unlock()

	if load.CPUUsage > highLoadWarning || load.MemoryUsage > highLoadWarning {
		c.logger.Warn("high system load detected",
			zap.Float64("cpu_usage", load.CPUUsage),
			zap.Float64("memory_usage", load.MemoryUsage),
		)
	}
	if d.Recommended != d.Previous {
		c.logger.Info("concurrency adjusted",
			zap.Int("from", d.Previous),
			zap.Int("to", d.Recommended),
			zap.Int("optimal", d.Optimal),
			zap.String("reasoning", d.Reasoning),
		)
	}
	c.emitter.Emit(progress.NewOptimizationEvent(d.At, progress.OptimizationUpdate{
		CurrentConcurrency:     d.Previous,
		RecommendedConcurrency: d.Recommended,
		Factors:                d.Factors,
		Reasoning:              d.Reasoning,
		SystemInfo:             c.info,
	}))
	return d
}

// RefreshNetwork re-probes the network unless the last probe is younger than
// the probe interval. force skips that guard.
func (c *Controller) RefreshNetwork(ctx context.Context, force bool) error {
	if c.prober == nil {
		return nil
	}
	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	c.mu.Lock()
	fresh := !c.metrics.LastProbe.IsZero() && c.now().Sub(c.metrics.LastProbe) < c.cfg.ProbeInterval
	c.mu.Unlock()
	if fresh && !force {
		return nil
	}

	sample, err := c.prober.Probe(ctx)
	if err != nil {
		return fmt.Errorf("network probe: %w", err)
	}
	c.mu.Lock()
	c.metrics.LatencyMs = sample.LatencyMs
	c.metrics.SpeedMbps = sample.SpeedMbps
	c.metrics.LastProbe = c.now()
	c.mu.Unlock()
	c.logger.Info("network probe complete",
		zap.Float64("speed_mbps", sample.SpeedMbps),
		zap.Float64("latency_ms", sample.LatencyMs),
		zap.Int("failed", sample.Failed),
	)
	return nil
}

// Snapshot returns the current state with health and suggestions.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		CurrentConcurrency: c.current,
		MinConcurrency:     c.minC,
		MaxConcurrency:     c.maxC,
		TargetResponseMs:   float64(c.cfg.TargetResponseTime.Milliseconds()),
		Load:               c.load,
		Metrics:            c.metrics,
		SystemInfo:         c.info,
		Health:             HealthStatus(c.load.CPUUsage, c.load.MemoryUsage),
		Suggestions:        c.suggestionsLocked(),
	}
	if c.last != nil {
		d := *c.last
		s.LastDecision = &d
	}
	return s
}

// Suggestions lists operator hints for the current state.
func (c *Controller) Suggestions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suggestionsLocked()
}

func (c *Controller) suggestionsLocked() []string {
	var out []string
	if c.load.MemoryUsage > 0.8 {
		out = append(out, "Consider reducing concurrency or adding more RAM")
	}
	if c.load.CPUUsage > 0.8 {
		out = append(out, "CPU is heavily utilized, consider reducing concurrent jobs")
	}
	if c.metrics.AvgResponseMs > float64(c.cfg.TargetResponseTime.Milliseconds())*1.5 {
		out = append(out, "High response times detected, consider reducing concurrency or checking network")
	}
	if c.metrics.SuccessRate < targetSuccessRate {
		out = append(out, "Low success rate, consider reducing concurrency or increasing timeouts")
	}
	if c.metrics.SpeedMbps < 50 {
		out = append(out, "Slow network detected, reducing concurrency for stability")
	}
	if len(out) == 0 {
		out = append(out, "System performing optimally")
	}
	return out
}

func (c *Controller) reasoningLocked(load Load) string {
	return fmt.Sprintf("CPU: %d%%, Mem: %d%%, Speed: %.0fMbps, Latency: %dms",
		int(math.Round(load.CPUUsage*100)),
		int(math.Round(load.MemoryUsage*100)),
		c.metrics.SpeedMbps,
		int(math.Round(c.metrics.LatencyMs)),
	)
}

// Start schedules adjustment ticks and network probes on a cron and kicks
// off an initial probe. Stop must be called to release the scheduler.
func (c *Controller) Start(ctx context.Context) error {
	cr := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := cr.AddFunc(fmt.Sprintf("@every %s", c.cfg.AdjustInterval), func() {
		c.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("schedule concurrency tick: %w", err)
	}
	if c.prober != nil {
		if _, err := cr.AddFunc(fmt.Sprintf("@every %s", c.cfg.ProbeInterval), func() {
			if err := c.RefreshNetwork(ctx, false); err != nil {
				c.logger.Warn("network probe failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule network probe: %w", err)
		}
		go func() {
			if err := c.RefreshNetwork(ctx, true); err != nil {
				c.logger.Warn("initial network probe failed", zap.Error(err))
			}
		}()
	}
	c.cron = cr
	cr.Start()
	return nil
}

// Stop halts scheduled work and waits for running jobs or ctx expiry.
func (c *Controller) Stop(ctx context.Context) error {
	if c.cron == nil {
		return nil
	}
	done := c.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop concurrency controller: %w", ctx.Err())
	}
}
