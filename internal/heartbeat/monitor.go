package heartbeat

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-service/internal/metrics"
)

// Monitor creates trackers and routes acks to them by connection id.
type Monitor struct {
	cfg      Config
	clock    clock.Clock
	recorder metrics.Recorder
	logger   zerolog.Logger

	mu       sync.RWMutex
	trackers map[string]*Tracker
}

// MonitorStats aggregates every tracked connection.
type MonitorStats struct {
	Tracked          int           `json:"tracked"`
	AverageInterval  time.Duration `json:"averageInterval"`
	AverageLatency   time.Duration `json:"averageLatency"`
	MissedHeartbeats int           `json:"missedHeartbeats"`
}

// NewMonitor creates an empty Monitor.
func NewMonitor(cfg Config, clk clock.Clock, recorder metrics.Recorder, logger zerolog.Logger) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		clock:    clk,
		recorder: recorder,
		logger:   logger.With().Str("component", "HeartbeatMonitor").Logger(),
		trackers: make(map[string]*Tracker),
	}
}

// Config returns the monitor's effective settings.
func (m *Monitor) Config() Config { return m.cfg }

// Track starts a tracker for connID using cfg. onDead is called at most once
// and the tracker is already untracked when it runs.
func (m *Monitor) Track(connID string, cfg Config, send SendFunc, onDead DeadFunc) *Tracker {
	var t *Tracker
	t = NewTracker(cfg, m.clock, send, func(reason string) {
		m.remove(connID, t)
		m.logger.Info().Str("connection_id", connID).Str("reason", reason).Msg("Connection declared dead.")
		m.recorder.RecordMetric("heartbeat_dead_connections_total", 1, "reason", reason)
		if onDead != nil {
			onDead(reason)
		}
	})

	m.mu.Lock()
	if old, ok := m.trackers[connID]; ok {
		old.Stop()
	}
	m.trackers[connID] = t
	m.mu.Unlock()

	t.Start()
	return t
}

// Untrack stops and forgets the tracker for connID.
func (m *Monitor) Untrack(connID string) {
	m.mu.Lock()
	t, ok := m.trackers[connID]
	delete(m.trackers, connID)
	m.mu.Unlock()
	if ok {
		t.Stop()
	}
}

func (m *Monitor) remove(connID string, t *Tracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.trackers[connID]; ok && cur == t {
		delete(m.trackers, connID)
	}
}

// Ack routes a client ack. It reports false for unknown connections and
// stale sequences.
func (m *Monitor) Ack(connID string, seq int64) bool {
	m.mu.RLock()
	t, ok := m.trackers[connID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if !t.Ack(seq) {
		return false
	}
	if l := t.Stats().LastLatency; l > 0 {
		m.recorder.RecordMetric("heartbeat_latency_seconds", l.Seconds())
	}
	return true
}

// Touch records non-heartbeat client traffic on connID.
func (m *Monitor) Touch(connID string) {
	m.mu.RLock()
	t, ok := m.trackers[connID]
	m.mu.RUnlock()
	if ok {
		t.Touch()
	}
}

// Stats aggregates the tracked connections.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	all := make([]*Tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		all = append(all, t)
	}
	m.mu.RUnlock()

	out := MonitorStats{Tracked: len(all)}
	if len(all) == 0 {
		return out
	}
	var interval, latency time.Duration
	withLatency := 0
	for _, t := range all {
		s := t.Stats()
		interval += s.Interval
		out.MissedHeartbeats += s.MissedHeartbeats
		if s.AverageLatency > 0 {
			latency += s.AverageLatency
			withLatency++
		}
	}
	out.AverageInterval = interval / time.Duration(len(all))
	if withLatency > 0 {
		out.AverageLatency = latency / time.Duration(withLatency)
	}
	return out
}
