// Package heartbeat implements per-connection adaptive keep-alive and
// dead-connection detection.
package heartbeat

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const latencyHistory = 10

// Dead connection reasons passed to DeadFunc.
const (
	ReasonMissedHeartbeats = "missed-heartbeats"
	ReasonInactive         = "inactive"
	ReasonSendFailed       = "send-failed"
)

// Config tunes the adaptive interval.
type Config struct {
	BaseInterval        time.Duration `yaml:"base_interval"`
	MinInterval         time.Duration `yaml:"min_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	BackoffFactor       float64       `yaml:"backoff_factor"`
	MaxMissedHeartbeats int           `yaml:"max_missed_heartbeats"`
	ActivityTimeout     time.Duration `yaml:"activity_timeout"`
}

// DefaultConfig returns the standard heartbeat settings.
func DefaultConfig() Config {
	return Config{
		BaseInterval:        30 * time.Second,
		MinInterval:         10 * time.Second,
		MaxInterval:         120 * time.Second,
		BackoffFactor:       1.5,
		MaxMissedHeartbeats: 3,
		ActivityTimeout:     5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseInterval <= 0 {
		c.BaseInterval = d.BaseInterval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MinInterval > c.MaxInterval {
		c.MinInterval = c.MaxInterval
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = d.MaxMissedHeartbeats
	}
	if c.ActivityTimeout <= 0 {
		c.ActivityTimeout = d.ActivityTimeout
	}
	return c
}

// Scaled stretches every interval by f. The degradation controller uses it
// to thin out heartbeats under load.
func (c Config) Scaled(f float64) Config {
	if f <= 0 {
		return c
	}
	c = c.withDefaults()
	scale := func(d time.Duration) time.Duration { return time.Duration(float64(d) * f) }
	c.BaseInterval = scale(c.BaseInterval)
	c.MinInterval = scale(c.MinInterval)
	c.MaxInterval = scale(c.MaxInterval)
	return c
}

// SendFunc emits one heartbeat frame. It must not block.
type SendFunc func(seq int64, interval time.Duration) error

// DeadFunc is told once when the connection is declared dead.
type DeadFunc func(reason string)

// Stats is a point-in-time view of a tracker.
type Stats struct {
	Interval         time.Duration `json:"interval"`
	Sequence         int64         `json:"sequence"`
	MissedHeartbeats int           `json:"missedHeartbeats"`
	AverageLatency   time.Duration `json:"averageLatency"`
	LastLatency      time.Duration `json:"lastLatency"`
	LastActivity     time.Time     `json:"lastActivity"`
}

// Tracker owns the heartbeat state of one connection. All fields are guarded
// by mu; the timer callback and client acks both take it.
type Tracker struct {
	cfg    Config
	clock  clock.Clock
	send   SendFunc
	onDead DeadFunc

	mu           sync.Mutex
	interval     time.Duration
	seq          int64
	sentAt       time.Time
	awaiting     bool
	missed       int
	lastActivity time.Time
	latencies    []time.Duration
	timer        *clock.Timer
	started      bool
	stopped      bool
}

// NewTracker creates a stopped tracker.
func NewTracker(cfg Config, clk clock.Clock, send SendFunc, onDead DeadFunc) *Tracker {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		cfg:          cfg,
		clock:        clk,
		send:         send,
		onDead:       onDead,
		interval:     cfg.BaseInterval,
		lastActivity: clk.Now(),
		latencies:    make([]time.Duration, 0, latencyHistory),
	}
}

// Interval returns the current heartbeat interval.
func (t *Tracker) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Start schedules the first heartbeat. Calling it twice is a no-op.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true
	t.timer = t.clock.AfterFunc(t.interval, t.tick)
}

func (t *Tracker) tick() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()

	if t.awaiting {
		t.missed++
		t.grow()
	}

	reason := ""
	switch {
	case t.missed >= t.cfg.MaxMissedHeartbeats:
		reason = ReasonMissedHeartbeats
	case now.Sub(t.lastActivity) > t.cfg.ActivityTimeout:
		reason = ReasonInactive
	}

	if reason == "" {
		t.seq++
		t.sentAt = now
		t.awaiting = true
		t.timer = t.clock.AfterFunc(t.interval, t.tick)
		if err := t.send(t.seq, t.interval); err != nil {
			reason = ReasonSendFailed
		}
	}

	if reason == "" {
		t.mu.Unlock()
		return
	}
	t.stopLocked()
	t.mu.Unlock()

	if t.onDead != nil {
		t.onDead(reason)
	}
}

// grow backs the interval off toward the maximum. Caller holds mu.
func (t *Tracker) grow() {
	next := time.Duration(float64(t.interval) * t.cfg.BackoffFactor)
	if next > t.cfg.MaxInterval {
		next = t.cfg.MaxInterval
	}
	t.interval = next
}

// shrink tightens the interval toward the minimum. Caller holds mu.
func (t *Tracker) shrink() {
	next := time.Duration(float64(t.interval) * 0.9)
	if next < t.cfg.MinInterval {
		next = t.cfg.MinInterval
	}
	t.interval = next
}

// Ack records the client's acknowledgment of heartbeat seq. Acks for any
// heartbeat but the outstanding one are ignored.
func (t *Tracker) Ack(seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || !t.awaiting || seq != t.seq {
		return false
	}
	now := t.clock.Now()
	latency := now.Sub(t.sentAt)

	if len(t.latencies) == latencyHistory {
		copy(t.latencies, t.latencies[1:])
		t.latencies = t.latencies[:latencyHistory-1]
	}
	t.latencies = append(t.latencies, latency)

	t.awaiting = false
	t.missed = 0
	t.lastActivity = now

	switch {
	case latency < 100*time.Millisecond:
		t.shrink()
	case latency > time.Second:
		t.grow()
	}
	return true
}

// Touch records client traffic other than heartbeat acks.
func (t *Tracker) Touch() {
	t.mu.Lock()
	t.lastActivity = t.clock.Now()
	t.mu.Unlock()
}

// Stop cancels the timer. Once it returns no further heartbeat is sent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Tracker) stopLocked() {
	if t.stopped {
		return
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Stopped reports whether the tracker has been stopped or declared dead.
func (t *Tracker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stats returns the tracker's current counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		Interval:         t.interval,
		Sequence:         t.seq,
		MissedHeartbeats: t.missed,
		LastActivity:     t.lastActivity,
	}
	if n := len(t.latencies); n > 0 {
		var sum time.Duration
		for _, l := range t.latencies {
			sum += l
		}
		s.AverageLatency = sum / time.Duration(n)
		s.LastLatency = t.latencies[n-1]
	}
	return s
}
