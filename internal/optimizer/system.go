package optimizer

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"github.com/prometheus/procfs"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

// Load is one host utilization sample; usages are fractions in [0, 1].
type Load struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	LoadAvg     float64 `json:"load_avg"`
}

// Sampler reports current host utilization.
type Sampler interface {
	Sample() (Load, error)
}

// ProcSampler reads load average and memory availability from /proc.
type ProcSampler struct {
	fs    procfs.FS
	cores int
}

// NewProcSampler opens the default /proc mount.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcSampler{fs: fs, cores: runtime.NumCPU()}, nil
}

// NewProcSamplerAt opens a procfs tree rooted at mountPoint.
func NewProcSamplerAt(mountPoint string, cores int) (*ProcSampler, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", mountPoint, err)
	}
	if cores < 1 {
		cores = runtime.NumCPU()
	}
	return &ProcSampler{fs: fs, cores: cores}, nil
}

// Sample returns CPU usage as loadavg1/cores capped at 1 and memory usage as
// 1 - MemAvailable/MemTotal.
func (s *ProcSampler) Sample() (Load, error) {
	avg, err := s.fs.LoadAvg()
	if err != nil {
		return Load{}, fmt.Errorf("read loadavg: %w", err)
	}
	mem, err := s.fs.Meminfo()
	if err != nil {
		return Load{}, fmt.Errorf("read meminfo: %w", err)
	}
	out := Load{
		LoadAvg:  avg.Load1,
		CPUUsage: math.Min(avg.Load1/float64(s.cores), 1.0),
	}
	if mem.MemTotal != nil && *mem.MemTotal > 0 && mem.MemAvailable != nil {
		out.MemoryUsage = clamp(1-float64(*mem.MemAvailable)/float64(*mem.MemTotal), 0, 1)
	}
	return out, nil
}

// TotalMemory returns MemTotal in bytes.
func (s *ProcSampler) TotalMemory() (uint64, error) {
	mem, err := s.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	if mem.MemTotal == nil {
		return 0, errors.New("meminfo has no MemTotal")
	}
	return *mem.MemTotal * 1024, nil
}

// Cores returns the CPU count used for load normalization.
func (s *ProcSampler) Cores() int {
	return s.cores
}

// HostInfo describes the current process host.
func HostInfo(totalMemBytes uint64) crawler.SystemInfo {
	return crawler.SystemInfo{
		CPUCores:         runtime.NumCPU(),
		TotalMemoryBytes: totalMemBytes,
		Platform:         runtime.GOOS,
		Arch:             runtime.GOARCH,
	}
}

// staticSampler always reports the same load. It stands in when /proc is
// unavailable.
type staticSampler struct {
	load Load
}

func (s staticSampler) Sample() (Load, error) {
	return s.load, nil
}
