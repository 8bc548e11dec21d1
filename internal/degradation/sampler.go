package degradation

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pbnjay/memory"
)

// Sampler produces the controller's input.
type Sampler interface {
	Sample(ctx context.Context) MetricsSnapshot
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) MetricsSnapshot

func (f SamplerFunc) Sample(ctx context.Context) MetricsSnapshot { return f(ctx) }

// Traffic is a cumulative view of delivery outcomes.
type Traffic struct {
	Requests  int64
	Errors    int64
	LatencyMs float64
}

// TrafficSource exposes delivery counters. The delivery service implements it.
type TrafficSource interface {
	Traffic() Traffic
}

// HealthSource reports the share of healthy dependencies. The breaker
// registry implements it.
type HealthSource interface {
	HealthyRatio() float64
}

// SystemSampler combines traffic counters, dependency health and process
// resource usage. Rates are computed over the interval since the previous
// sample.
type SystemSampler struct {
	traffic TrafficSource
	health  HealthSource
	clock   clock.Clock

	totalMemory uint64
	cpu         func() time.Duration

	mu       sync.Mutex
	prev     Traffic
	prevCPU  time.Duration
	prevWall time.Time
}

// NewSystemSampler builds a sampler. traffic and health may be nil.
func NewSystemSampler(traffic TrafficSource, health HealthSource, clk clock.Clock) *SystemSampler {
	if clk == nil {
		clk = clock.New()
	}
	s := &SystemSampler{
		traffic:     traffic,
		health:      health,
		clock:       clk,
		totalMemory: memory.TotalMemory(),
		cpu:         processCPUTime,
	}
	s.prevCPU = s.cpu()
	s.prevWall = clk.Now()
	return s
}

// Sample implements Sampler.
func (s *SystemSampler) Sample(_ context.Context) MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := HealthySnapshot()
	if s.traffic != nil {
		cur := s.traffic.Traffic()
		requests := cur.Requests - s.prev.Requests
		errors := cur.Errors - s.prev.Errors
		if requests > 0 {
			m.ErrorRate = float64(errors) / float64(requests)
			m.SuccessRate = 1 - m.ErrorRate
		}
		m.ResponseTimeMs = cur.LatencyMs
		s.prev = cur
	}
	if s.health != nil {
		m.HealthyDependencyRatio = s.health.HealthyRatio()
	}
	m.MemoryUsage = s.memoryUsage()
	m.CPUUsage = s.cpuUsage()
	return m
}

func (s *SystemSampler) memoryUsage() float64 {
	if s.totalMemory == 0 {
		return 0
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / float64(s.totalMemory)
}

func (s *SystemSampler) cpuUsage() float64 {
	now := s.clock.Now()
	used := s.cpu()
	wall := now.Sub(s.prevWall)
	delta := used - s.prevCPU
	s.prevWall, s.prevCPU = now, used
	if wall <= 0 || delta <= 0 {
		return 0
	}
	u := float64(delta) / float64(wall) / float64(runtime.NumCPU())
	if u > 1 {
		u = 1
	}
	return u
}
