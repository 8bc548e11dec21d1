// Package degradation maps aggregated health signals onto a process-wide
// degradation level and picks a fallback strategy per feature.
package degradation

import (
	"fmt"
	"strings"
)

// Level is the process-wide degradation level.
type Level int

const (
	Normal Level = iota
	Light
	Moderate
	Severe
	Critical
)

var levelNames = [...]string{"NORMAL", "LIGHT", "MODERATE", "SEVERE", "CRITICAL"}

func (l Level) String() string {
	if l < Normal || l > Critical {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLevel accepts the level names case-insensitively.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return Normal, fmt.Errorf("unknown degradation level %q", s)
}

// degradeThreshold is the highest feature priority degraded at each level.
func degradeThreshold(l Level) int {
	switch l {
	case Light:
		return 5
	case Moderate:
		return 7
	case Severe:
		return 8
	case Critical:
		return 9
	default:
		return 0
	}
}

// MetricsSnapshot is one sample of the signals the controller evaluates.
type MetricsSnapshot struct {
	ErrorRate              float64 `json:"errorRate"`
	ResponseTimeMs         float64 `json:"responseTimeMs"`
	MemoryUsage            float64 `json:"memoryUsage"`
	CPUUsage               float64 `json:"cpuUsage"`
	HealthyDependencyRatio float64 `json:"healthyDependencyRatio"`
	SuccessRate            float64 `json:"successRate"`
}

// HealthySnapshot is a sample that matches no tier.
func HealthySnapshot() MetricsSnapshot {
	return MetricsSnapshot{HealthyDependencyRatio: 1, SuccessRate: 1}
}

// Thresholds define one tier. The tier matches when any signal crosses its
// bound; a zero bound disables that signal.
type Thresholds struct {
	ErrorRate              float64 `yaml:"error_rate" json:"errorRate"`
	ResponseTimeMs         float64 `yaml:"response_time_ms" json:"responseTimeMs"`
	MemoryUsage            float64 `yaml:"memory_usage" json:"memoryUsage"`
	CPUUsage               float64 `yaml:"cpu_usage" json:"cpuUsage"`
	HealthyDependencyRatio float64 `yaml:"healthy_dependency_ratio" json:"healthyDependencyRatio"`
	SuccessRate            float64 `yaml:"success_rate" json:"successRate"`
}

// matches returns the crossed bounds, empty when the tier does not match.
func (t Thresholds) matches(m MetricsSnapshot) []string {
	var hits []string
	above := func(name string, v, bound float64) {
		if bound > 0 && v >= bound {
			hits = append(hits, fmt.Sprintf("%s %.2f >= %.2f", name, v, bound))
		}
	}
	below := func(name string, v, bound float64) {
		if bound > 0 && v <= bound {
			hits = append(hits, fmt.Sprintf("%s %.2f <= %.2f", name, v, bound))
		}
	}
	above("errorRate", m.ErrorRate, t.ErrorRate)
	above("responseTimeMs", m.ResponseTimeMs, t.ResponseTimeMs)
	above("memoryUsage", m.MemoryUsage, t.MemoryUsage)
	above("cpuUsage", m.CPUUsage, t.CPUUsage)
	below("healthyDependencyRatio", m.HealthyDependencyRatio, t.HealthyDependencyRatio)
	below("successRate", m.SuccessRate, t.SuccessRate)
	return hits
}

// DefaultTiers returns the built-in thresholds.
func DefaultTiers() map[Level]Thresholds {
	return map[Level]Thresholds{
		Light:    {ErrorRate: 0.05, ResponseTimeMs: 1000, MemoryUsage: 0.70, CPUUsage: 0.70, HealthyDependencyRatio: 0.90, SuccessRate: 0.95},
		Moderate: {ErrorRate: 0.10, ResponseTimeMs: 2000, MemoryUsage: 0.80, CPUUsage: 0.80, HealthyDependencyRatio: 0.75, SuccessRate: 0.90},
		Severe:   {ErrorRate: 0.25, ResponseTimeMs: 5000, MemoryUsage: 0.90, CPUUsage: 0.90, HealthyDependencyRatio: 0.50, SuccessRate: 0.75},
		Critical: {ErrorRate: 0.50, ResponseTimeMs: 10000, MemoryUsage: 0.95, CPUUsage: 0.95, HealthyDependencyRatio: 0.25, SuccessRate: 0.50},
	}
}

// classify returns the highest matching tier and the bounds it crossed.
func classify(tiers map[Level]Thresholds, m MetricsSnapshot) (Level, []string) {
	for l := Critical; l > Normal; l-- {
		t, ok := tiers[l]
		if !ok {
			continue
		}
		if hits := t.matches(m); len(hits) > 0 {
			return l, hits
		}
	}
	return Normal, nil
}
