package degradation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-service/internal/metrics"
)

// Config tunes the controller.
type Config struct {
	EvaluationInterval time.Duration        `yaml:"evaluation_interval"`
	RecoveryPeriod     time.Duration        `yaml:"recovery_period"`
	HistorySize        int                  `yaml:"history_size"`
	Tiers              map[Level]Thresholds `yaml:"-"`
	Features           []FeatureSpec        `yaml:"-"`
}

// DefaultConfig evaluates every 10s and recovers after 60s.
func DefaultConfig() Config {
	return Config{
		EvaluationInterval: 10 * time.Second,
		RecoveryPeriod:     60 * time.Second,
		HistorySize:        100,
		Tiers:              DefaultTiers(),
		Features:           DefaultFeatures(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.EvaluationInterval <= 0 {
		c.EvaluationInterval = d.EvaluationInterval
	}
	if c.RecoveryPeriod <= 0 {
		c.RecoveryPeriod = d.RecoveryPeriod
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if len(c.Tiers) == 0 {
		c.Tiers = d.Tiers
	}
	if len(c.Features) == 0 {
		c.Features = d.Features
	}
	return c
}

// Status is the process-wide degradation state.
type Status struct {
	CurrentLevel      Level                `json:"currentLevel"`
	PreviousLevel     Level                `json:"previousLevel"`
	Reason            string               `json:"reason"`
	AffectedFeatures  []Feature            `json:"affectedFeatures"`
	ActiveStrategies  map[Feature]Strategy `json:"activeStrategies"`
	TriggerMetrics    MetricsSnapshot      `json:"triggerMetrics"`
	EstimatedRecovery *time.Time           `json:"estimatedRecovery,omitempty"`
	ChangedAt         time.Time            `json:"changedAt"`
	Forced            bool                 `json:"forced"`
}

// Change is one history entry.
type Change struct {
	From    Level           `json:"from"`
	To      Level           `json:"to"`
	Reason  string          `json:"reason"`
	Metrics MetricsSnapshot `json:"metrics"`
	At      time.Time       `json:"at"`
	Forced  bool            `json:"forced"`
}

// Controller evaluates samples periodically. Escalation applies at once;
// moving down needs the lower level observed for a whole recovery period.
type Controller struct {
	cfg      Config
	sampler  Sampler
	clock    clock.Clock
	recorder metrics.Recorder
	logger   zerolog.Logger

	mu            sync.RWMutex
	status        Status
	last          MetricsSnapshot
	recoverySince time.Time
	recoveryLevel Level
	forced        *Level
	history       []Change
	historyNext   int
	listeners     []func(Status)
}

// NewController starts at NORMAL.
func NewController(cfg Config, sampler Sampler, clk clock.Clock, recorder metrics.Recorder, logger zerolog.Logger) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if sampler == nil {
		sampler = SamplerFunc(func(context.Context) MetricsSnapshot { return HealthySnapshot() })
	}
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:      cfg,
		sampler:  sampler,
		clock:    clk,
		recorder: recorder,
		logger:   logger.With().Str("component", "DegradationController").Logger(),
		status: Status{
			CurrentLevel:     Normal,
			PreviousLevel:    Normal,
			ActiveStrategies: map[Feature]Strategy{},
			TriggerMetrics:   HealthySnapshot(),
			ChangedAt:        clk.Now(),
		},
		last: HealthySnapshot(),
	}
}

// OnChange registers fn to run after every level change. It runs outside
// the controller lock.
func (c *Controller) OnChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Run evaluates every EvaluationInterval until ctx ends.
func (c *Controller) Run(ctx context.Context) {
	ticker := c.clock.Ticker(c.cfg.EvaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate(ctx)
		}
	}
}

// Evaluate takes one sample and updates the level.
func (c *Controller) Evaluate(ctx context.Context) Status {
	return c.Observe(c.sampler.Sample(ctx))
}

// Observe applies one sample.
func (c *Controller) Observe(m MetricsSnapshot) Status {
	now := c.clock.Now()
	target, hits := classify(c.cfg.Tiers, m)

	c.mu.Lock()
	c.last = m
	if c.forced != nil {
		st := c.copyLocked()
		c.mu.Unlock()
		return st
	}

	current := c.status.CurrentLevel
	var changed bool
	switch {
	case target > current:
		c.recoverySince = time.Time{}
		changed = c.setLocked(target, reasonFor(target, hits), m, now, false)
	case target < current:
		if c.recoverySince.IsZero() {
			c.recoverySince = now
			c.recoveryLevel = target
		} else if target > c.recoveryLevel {
			c.recoveryLevel = target
		}
		if now.Sub(c.recoverySince) >= c.cfg.RecoveryPeriod {
			level := c.recoveryLevel
			c.recoverySince = time.Time{}
			changed = c.setLocked(level, "recovered after sustained improvement", m, now, false)
		}
	default:
		c.recoverySince = time.Time{}
	}
	st := c.copyLocked()
	listeners := c.listeners
	c.mu.Unlock()

	if changed {
		c.notify(listeners, st)
	}
	return st
}

func reasonFor(l Level, hits []string) string {
	if len(hits) == 0 {
		return l.String()
	}
	return strings.Join(hits, ", ")
}

// setLocked moves to level and recomputes strategies. It reports a change.
func (c *Controller) setLocked(level Level, reason string, m MetricsSnapshot, now time.Time, forced bool) bool {
	from := c.status.CurrentLevel
	if level == from && forced == c.status.Forced {
		return false
	}
	strategies := make(map[Feature]Strategy)
	var affected []Feature
	for _, f := range c.cfg.Features {
		if s, ok := strategyFor(f, level); ok {
			strategies[f.Name] = s
			affected = append(affected, f.Name)
		}
	}
	var eta *time.Time
	if level > Normal && !forced {
		t := now.Add(c.cfg.RecoveryPeriod)
		eta = &t
	}
	c.status = Status{
		CurrentLevel:      level,
		PreviousLevel:     from,
		Reason:            reason,
		AffectedFeatures:  affected,
		ActiveStrategies:  strategies,
		TriggerMetrics:    m,
		EstimatedRecovery: eta,
		ChangedAt:         now,
		Forced:            forced,
	}
	c.appendHistoryLocked(Change{From: from, To: level, Reason: reason, Metrics: m, At: now, Forced: forced})

	lvl := zerolog.InfoLevel
	if level > from {
		lvl = zerolog.WarnLevel
	}
	c.logger.WithLevel(lvl).Str("from", from.String()).Str("to", level.String()).Str("reason", reason).Bool("forced", forced).Msg("Degradation level changed.")
	c.recorder.RecordMetric("degradation_level", float64(level))
	c.recorder.RecordMetric("degradation_changes_total", 1, "to", level.String())
	return true
}

func (c *Controller) appendHistoryLocked(ch Change) {
	if len(c.history) < c.cfg.HistorySize {
		c.history = append(c.history, ch)
		return
	}
	c.history[c.historyNext] = ch
	c.historyNext = (c.historyNext + 1) % c.cfg.HistorySize
}

func (c *Controller) notify(listeners []func(Status), st Status) {
	for _, fn := range listeners {
		fn(st)
	}
}

func (c *Controller) copyLocked() Status {
	st := c.status
	st.AffectedFeatures = append([]Feature(nil), c.status.AffectedFeatures...)
	st.ActiveStrategies = make(map[Feature]Strategy, len(c.status.ActiveStrategies))
	for k, v := range c.status.ActiveStrategies {
		st.ActiveStrategies[k] = v
	}
	return st
}

// Status returns the current state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyLocked()
}

// Level returns the current level.
func (c *Controller) Level() Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.CurrentLevel
}

// IsDegraded reports whether f has an active strategy.
func (c *Controller) IsDegraded(f Feature) bool {
	_, ok := c.Strategy(f)
	return ok
}

// Strategy returns the active strategy of f.
func (c *Controller) Strategy(f Feature) (Strategy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.status.ActiveStrategies[f]
	return s, ok
}

// History returns up to limit changes, newest first. limit <= 0 means all.
func (c *Controller) History(limit int) []Change {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Change, 0, limit)
	for i := 0; i < limit; i++ {
		idx := n - 1 - i
		if n == c.cfg.HistorySize {
			// Full ring: the newest entry sits just before historyNext.
			idx = (c.historyNext - 1 - i + 2*n) % n
		}
		out = append(out, c.history[idx])
	}
	return out
}

// ForceLevel pins the level until ClearForce.
func (c *Controller) ForceLevel(level Level, reason string) Status {
	if reason == "" {
		reason = "forced by operator"
	}
	c.mu.Lock()
	l := level
	c.forced = &l
	c.recoverySince = time.Time{}
	changed := c.setLocked(level, reason, c.last, c.clock.Now(), true)
	st := c.copyLocked()
	listeners := c.listeners
	c.mu.Unlock()

	if changed {
		c.notify(listeners, st)
	}
	return st
}

// ClearForce resumes evaluation from the latest sample without waiting for
// a recovery period.
func (c *Controller) ClearForce() Status {
	c.mu.Lock()
	if c.forced == nil {
		st := c.copyLocked()
		c.mu.Unlock()
		return st
	}
	c.forced = nil
	target, hits := classify(c.cfg.Tiers, c.last)
	reason := "force cleared"
	if target > Normal {
		reason = reasonFor(target, hits)
	}
	changed := c.setLocked(target, reason, c.last, c.clock.Now(), false)
	st := c.copyLocked()
	listeners := c.listeners
	c.mu.Unlock()

	if changed {
		c.notify(listeners, st)
	}
	return st
}
