// Package optimizer adapts the dispatcher's concurrency budget to host load,
// network conditions, and observed job performance.
package optimizer

import (
	"math"
	"runtime"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

// Concurrency bounds.
const (
	DefaultMinConcurrency = 5
	floorMaxConcurrency   = 20
	ceilMaxConcurrency    = 500

	jobsPerCore    = 3
	memoryShare    = 0.7
	memoryPerJobMB = 75.0

	// maxStepShare caps the per-tick change as a share of current concurrency.
	maxStepShare = 0.2
)

// Inputs are the measurements a concurrency decision is computed from.
type Inputs struct {
	CPUUsage         float64
	MemoryUsage      float64
	SpeedMbps        float64
	LatencyMs        float64
	AvgResponseMs    float64
	TargetResponseMs float64
	SuccessRate      float64
}

// ComputeRange derives the static [min, max] concurrency range from host
// resources: three jobs per core or 70% of RAM at 75MB per job, whichever is
// lower, scaled by a platform multiplier and clamped to [20, 500].
func ComputeRange(cores int, totalMemBytes uint64, platform string) (int, int) {
	if cores < 1 {
		cores = runtime.NumCPU()
	}
	cpuBased := float64(cores * jobsPerCore)
	maxC := cpuBased
	if totalMemBytes > 0 {
		memMB := float64(totalMemBytes) / (1 << 20)
		maxC = math.Min(cpuBased, math.Floor(memMB*memoryShare/memoryPerJobMB))
	}
	switch platform {
	case "darwin":
		maxC = math.Min(maxC*1.2, 200)
	case "linux":
		maxC = math.Min(maxC*1.5, 300)
	case "windows":
		maxC = math.Min(maxC*0.8, 150)
	}
	maxC = clamp(maxC, floorMaxConcurrency, ceilMaxConcurrency)
	return DefaultMinConcurrency, int(math.Floor(maxC))
}

// ResourceFactor is clamp(1 - 0.6*cpu - 0.4*mem, 0.2, 1.0).
func ResourceFactor(cpu, mem float64) float64 {
	return clamp(1-0.6*cpu-0.4*mem, 0.2, 1.0)
}

// NetworkFactor is clamp(speed/100, 0, 2) * clamp(1000/latency, 0.5, 1).
func NetworkFactor(speedMbps, latencyMs float64) float64 {
	latencyPenalty := 1.0
	if latencyMs > 0 {
		latencyPenalty = clamp(1000/latencyMs, 0.5, 1.0)
	}
	return clamp(speedMbps/100, 0, 2.0) * latencyPenalty
}

// PerformanceFactor averages the response-time ratio, clamped to [0.3, 1.5],
// with the success rate floored at 0.5.
func PerformanceFactor(targetMs, avgMs, successRate float64) float64 {
	responseScore := 1.5
	if avgMs > 0 {
		responseScore = clamp(targetMs/avgMs, 0.3, 1.5)
	}
	return (responseScore + math.Max(successRate, 0.5)) / 2
}

// Optimal weights the three factors 0.4/0.3/0.3 against maxC and clamps the
// result to [minC, maxC].
func Optimal(in Inputs, minC, maxC int) (int, crawler.ConcurrencyFactors) {
	f := crawler.ConcurrencyFactors{
		Resource:    ResourceFactor(in.CPUUsage, in.MemoryUsage),
		Network:     NetworkFactor(in.SpeedMbps, in.LatencyMs),
		Performance: PerformanceFactor(in.TargetResponseMs, in.AvgResponseMs, in.SuccessRate),
		CPUUsage:    in.CPUUsage,
		MemoryUsage: in.MemoryUsage,
	}
	multiplier := 0.4*f.Resource + 0.3*f.Network + 0.3*f.Performance
	optimal := int(math.Round(float64(maxC) * multiplier))
	return clampInt(optimal, minC, maxC), f
}

// LimitChange moves current toward optimal by at most max(1, floor(20% of
// current)) and keeps the result inside [minC, maxC]. The one-worker floor
// stays within 20% only while current >= DefaultMinConcurrency, which the
// controller guarantees by never using a smaller minimum.
func LimitChange(current, optimal, minC, maxC int) int {
	step := max(1, int(math.Floor(float64(current)*maxStepShare)))
	next := optimal
	switch {
	case optimal > current:
		next = min(optimal, current+step)
	case optimal < current:
		next = max(optimal, current-step)
	}
	return clampInt(next, minC, maxC)
}

// SpeedTier maps an average probe latency to an effective speed estimate.
func SpeedTier(avgMs float64) float64 {
	switch {
	case avgMs < 200:
		return 200
	case avgMs < 500:
		return 150
	case avgMs < 1000:
		return 100
	case avgMs < 2000:
		return 50
	default:
		return 25
	}
}

// HealthStatus buckets host load.
func HealthStatus(cpu, mem float64) string {
	switch {
	case cpu > 0.8 || mem > 0.8:
		return "overloaded"
	case cpu > 0.6 || mem > 0.6:
		return "high-load"
	case cpu < 0.3 && mem < 0.3:
		return "underutilized"
	default:
		return "optimal"
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
