// Package delivery is the notification delivery façade. It orchestrates the
// event store, connection registry, heartbeat monitor, cross-instance bus,
// rate limiter and degradation controller behind Connect and Deliver.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/tinywideclouds/go-notification-service/internal/breaker"
	"github.com/tinywideclouds/go-notification-service/internal/degradation"
	"github.com/tinywideclouds/go-notification-service/internal/eventstore"
	"github.com/tinywideclouds/go-notification-service/internal/fanout"
	"github.com/tinywideclouds/go-notification-service/internal/heartbeat"
	"github.com/tinywideclouds/go-notification-service/internal/metrics"
	"github.com/tinywideclouds/go-notification-service/internal/ratelimit"
	"github.com/tinywideclouds/go-notification-service/internal/realtime"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// EventStore is the slice of the event store the façade needs.
type EventStore interface {
	StoreEvent(ctx context.Context, n notification.Notification, ttl time.Duration) (notification.StoredEvent, error)
	ReplayEvents(ctx context.Context, q eventstore.ReplayQuery) (eventstore.ReplayResult, error)
	Stats(ctx context.Context) (eventstore.Stats, error)
}

// RateLimiter admits producer calls.
type RateLimiter interface {
	Check(ctx context.Context, p ratelimit.Profile, identifier, ip string) (ratelimit.Result, error)
}

// Config tunes the façade.
type Config struct {
	InstanceID            string
	MaxConnectionsPerUser int
	OutboundBuffer        int
	ReplayLimit           int
	StoreTimeout          time.Duration
	ReplayTimeout         time.Duration
	PublishTimeout        time.Duration
	StoreRetry            breaker.RetryPolicy
	PublishRetry          breaker.RetryPolicy
	// DeliverManyConcurrency bounds the parallel deliveries of DeliverMany.
	DeliverManyConcurrency int
	// ProducerProfile limits producers whose context carries no principal.
	ProducerProfile ratelimit.Profile

	// Fallback settings applied while features are degraded.
	DegradedReplayLimit        int
	RecentOnlyWindow           time.Duration
	DegradedConnectionsPerUser int
	HeartbeatScale             float64
	SimplifiedMessageLength    int
	MetricsSampleEvery         int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerUser:      realtime.DefaultMaxConnectionsPerUser,
		OutboundBuffer:             realtime.DefaultOutboundBuffer,
		ReplayLimit:                100,
		StoreTimeout:               2 * time.Second,
		ReplayTimeout:              3 * time.Second,
		PublishTimeout:             2 * time.Second,
		StoreRetry:                 breaker.DefaultRetryPolicy(),
		PublishRetry:               breaker.DefaultRetryPolicy(),
		DeliverManyConcurrency:     16,
		ProducerProfile:            ratelimit.ProfileSystem,
		DegradedReplayLimit:        20,
		RecentOnlyWindow:           15 * time.Minute,
		DegradedConnectionsPerUser: 2,
		HeartbeatScale:             2,
		SimplifiedMessageLength:    280,
		MetricsSampleEvery:         10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConnectionsPerUser <= 0 {
		c.MaxConnectionsPerUser = d.MaxConnectionsPerUser
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = d.OutboundBuffer
	}
	if c.ReplayLimit <= 0 {
		c.ReplayLimit = d.ReplayLimit
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.ReplayTimeout <= 0 {
		c.ReplayTimeout = d.ReplayTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.StoreRetry.MaxAttempts <= 0 {
		c.StoreRetry = d.StoreRetry
	}
	if c.PublishRetry.MaxAttempts <= 0 {
		c.PublishRetry = d.PublishRetry
	}
	if c.DeliverManyConcurrency <= 0 {
		c.DeliverManyConcurrency = d.DeliverManyConcurrency
	}
	if c.ProducerProfile == "" {
		c.ProducerProfile = d.ProducerProfile
	}
	if c.DegradedReplayLimit <= 0 {
		c.DegradedReplayLimit = d.DegradedReplayLimit
	}
	if c.RecentOnlyWindow <= 0 {
		c.RecentOnlyWindow = d.RecentOnlyWindow
	}
	if c.DegradedConnectionsPerUser <= 0 {
		c.DegradedConnectionsPerUser = d.DegradedConnectionsPerUser
	}
	if c.HeartbeatScale <= 0 {
		c.HeartbeatScale = d.HeartbeatScale
	}
	if c.SimplifiedMessageLength <= 0 {
		c.SimplifiedMessageLength = d.SimplifiedMessageLength
	}
	if c.MetricsSampleEvery <= 0 {
		c.MetricsSampleEvery = d.MetricsSampleEvery
	}
	// Replay must fit the connection's queue next to its control frames.
	if ceiling := c.OutboundBuffer - 8; ceiling > 0 && c.ReplayLimit > ceiling {
		c.ReplayLimit = ceiling
	}
	return c
}

// Dependencies are the collaborators of the façade. Limiter and Degradation
// may be nil.
type Dependencies struct {
	Store       EventStore
	Bus         fanout.Bus
	Breakers    *breaker.Registry
	Registry    *realtime.Registry
	Monitor     *heartbeat.Monitor
	Limiter     RateLimiter
	Degradation *degradation.Controller
	Recorder    metrics.Recorder
	Clock       clock.Clock
}

// Service implements notification.Producer and the connection lifecycle.
type Service struct {
	cfg      Config
	store    EventStore
	bus      fanout.Bus
	breakers *breaker.Registry
	registry *realtime.Registry
	monitor  *heartbeat.Monitor
	limiter  RateLimiter
	degrade  *degradation.Controller
	recorder metrics.Recorder
	clock    clock.Clock
	logger   zerolog.Logger

	interest  *interestQueue
	statsLast *breaker.LastGood[string, eventstore.Stats]
	publishes sync.WaitGroup
	closing   atomic.Bool

	counters  counters
	metricSeq atomic.Int64
}

var _ notification.Producer = (*Service)(nil)

// New wires the façade. The registry's interest hook is taken over to drive
// bus subscriptions.
func New(cfg Config, deps Dependencies, logger zerolog.Logger) (*Service, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("event store cannot be nil")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("fan-out bus cannot be nil")
	}
	if deps.Registry == nil || deps.Monitor == nil || deps.Breakers == nil {
		return nil, fmt.Errorf("registry, monitor and breakers are required")
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	cfg = cfg.withDefaults()
	if cfg.InstanceID == "" {
		cfg.InstanceID = deps.Registry.InstanceID()
	}
	statsLast, err := breaker.NewLastGood[string, eventstore.Stats](4, 0)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		bus:       deps.Bus,
		breakers:  deps.Breakers,
		registry:  deps.Registry,
		monitor:   deps.Monitor,
		limiter:   deps.Limiter,
		degrade:   deps.Degradation,
		recorder:  deps.Recorder,
		clock:     deps.Clock,
		logger:    logger.With().Str("component", "DeliveryService").Str("instance", cfg.InstanceID).Logger(),
		statsLast: statsLast,
	}
	s.interest = newInterestQueue(s.bus, s.logger)
	s.registry.OnInterest(s.interest.push)
	return s, nil
}

// InstanceID returns the id of this instance.
func (s *Service) InstanceID() string { return s.cfg.InstanceID }

// Registry exposes the connection registry for admin views.
func (s *Service) Registry() *realtime.Registry { return s.registry }

// Run receives remote envelopes and applies bus interest changes until ctx
// ends.
func (s *Service) Run(ctx context.Context) error {
	go s.interest.run(ctx)
	return s.bus.Run(ctx, s.handleRemote)
}

// Shutdown sends every connection a shutdown frame, tears it down, waits for
// in-flight publishes and closes the bus.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	conns := s.registry.All()
	s.logger.Info().Int("connections", len(conns)).Msg("Shutting down delivery service.")
	frame, err := realtime.NewFrame(realtime.EventShutdown, "", 0, realtime.ShutdownPayload{Reason: "server-shutdown", Reconnect: true})
	for _, c := range conns {
		if err == nil {
			_ = c.Enqueue(frame)
		}
		s.Disconnect(c.ID, "server-shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.publishes.Wait()
		close(done)
	}()
	var errs error
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("in-flight publishes did not finish: %w", ctx.Err()))
	}
	errs = multierr.Append(errs, err)
	errs = multierr.Append(errs, s.bus.Close())
	return errs
}

func (s *Service) strategy(f degradation.Feature) (degradation.Strategy, bool) {
	if s.degrade == nil {
		return "", false
	}
	return s.degrade.Strategy(f)
}
