package breaker

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-service/internal/metrics"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// Well-known breaker names used by the delivery path.
const (
	EventStoreWrite  = "eventstore.write"
	EventStoreReplay = "eventstore.replay"
	EventStoreStats  = "eventstore.stats"
	FanoutPublish    = "fanout.publish"
	RateLimiterCheck = "ratelimit.check"
	PresenceWrite    = "presence.write"
)

// Registry owns one breaker per operation name.
type Registry struct {
	defaults  Options
	overrides map[string]Options
	clock     clock.Clock
	recorder  metrics.Recorder
	logger    zerolog.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry. overrides replace the defaults
// for specific breaker names.
func NewRegistry(defaults Options, overrides map[string]Options, clk clock.Clock, recorder metrics.Recorder, logger zerolog.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Registry{
		defaults:  defaults,
		overrides: overrides,
		clock:     clk,
		recorder:  recorder,
		logger:    logger.With().Str("component", "BreakerRegistry").Logger(),
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the named breaker, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	opts := r.defaults
	if o, ok := r.overrides[name]; ok {
		opts = o
	}
	b = New(name, opts, r.clock)
	b.OnStateChange(r.onStateChange)
	r.breakers[name] = b
	r.recorder.RecordMetric("circuit_breaker_state", float64(StateClosed), "name", name)
	return b
}

// Lookup returns the named breaker without creating it.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

func (r *Registry) onStateChange(name string, from, to State) {
	log := r.logger.With().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Logger()
	if to == StateOpen {
		log.Warn().Msg("Circuit breaker opened.")
	} else {
		log.Info().Msg("Circuit breaker state changed.")
	}
	r.recorder.RecordMetric("circuit_breaker_state", float64(to), "name", name)
	r.recorder.RecordMetric("circuit_breaker_transitions_total", 1, "name", name, "to", to.String())
}

// Force pins an existing breaker to state.
func (r *Registry) Force(name string, state State) error {
	b, ok := r.Lookup(name)
	if !ok {
		return notification.NewNotFoundError("breaker.force", "unknown circuit breaker "+name)
	}
	r.logger.Warn().Str("breaker", name).Str("state", state.String()).Msg("Operator forced circuit breaker state.")
	return b.Force(state)
}

// ClearForce returns an existing breaker to automatic evaluation.
func (r *Registry) ClearForce(name string) error {
	b, ok := r.Lookup(name)
	if !ok {
		return notification.NewNotFoundError("breaker.clear", "unknown circuit breaker "+name)
	}
	r.logger.Info().Str("breaker", name).Msg("Operator cleared forced circuit breaker state.")
	b.ClearForce()
	return nil
}

// Snapshot returns every breaker's view, sorted by name.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, b := range all {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HealthyRatio is the share of breakers currently CLOSED. An empty registry is healthy.
func (r *Registry) HealthyRatio() float64 {
	snaps := r.Snapshot()
	if len(snaps) == 0 {
		return 1
	}
	closed := 0
	for _, s := range snaps {
		if s.State == StateClosed.String() {
			closed++
		}
	}
	return float64(closed) / float64(len(snaps))
}
