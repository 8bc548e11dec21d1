package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinywideclouds/go-notification-service/internal/breaker"
	"github.com/tinywideclouds/go-notification-service/internal/degradation"
	"github.com/tinywideclouds/go-notification-service/internal/eventstore"
	"github.com/tinywideclouds/go-notification-service/internal/heartbeat"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// latencyAlpha weights the newest sample of the latency average.
const latencyAlpha = 0.2

type counters struct {
	requests        atomic.Int64
	errors          atomic.Int64
	delivered       atomic.Int64
	dropped         atomic.Int64
	remote          atomic.Int64
	published       atomic.Int64
	publishFailures atomic.Int64
	storeFailures   atomic.Int64

	mu        sync.Mutex
	latencyMs float64
}

// observe feeds one producer call into the degradation counters. Caller
// mistakes and rate limiting are not service errors.
func (s *Service) observe(started time.Time, err error) {
	elapsed := s.clock.Since(started)
	s.counters.requests.Add(1)
	switch notification.KindOf(err) {
	case notification.KindValidation, notification.KindRateLimited:
	default:
		if err != nil {
			s.counters.errors.Add(1)
			if notification.KindOf(err) == notification.KindUnknown {
				s.logger.Error().Err(err).Msg("Unexpected delivery error.")
			}
		}
	}
	s.counters.mu.Lock()
	ms := float64(elapsed) / float64(time.Millisecond)
	if s.counters.latencyMs == 0 {
		s.counters.latencyMs = ms
	} else {
		s.counters.latencyMs = latencyAlpha*ms + (1-latencyAlpha)*s.counters.latencyMs
	}
	s.counters.mu.Unlock()
	if _, ok := s.strategy(degradation.FeatureDeliveryMetrics); !ok {
		s.recorder.RecordMetric("delivery_latency_seconds", elapsed.Seconds())
	}
}

// Traffic implements degradation.TrafficSource. Store failures count as
// errors even when the live push succeeded.
func (s *Service) Traffic() degradation.Traffic {
	s.counters.mu.Lock()
	latency := s.counters.latencyMs
	s.counters.mu.Unlock()
	return degradation.Traffic{
		Requests:  s.counters.requests.Load(),
		Errors:    s.counters.errors.Load() + s.counters.storeFailures.Load(),
		LatencyMs: latency,
	}
}

// metric records through the delivery-metrics fallback: sampled, reduced to
// totals, or dropped.
func (s *Service) metric(name string, value float64, labels ...string) {
	if st, ok := s.strategy(degradation.FeatureDeliveryMetrics); ok {
		switch st {
		case degradation.StrategySample:
			if s.metricSeq.Add(1)%s.cfg.MetricsSampleEvery != 0 {
				return
			}
		case degradation.StrategyAggregate:
			labels = nil
		case degradation.StrategyDisable:
			return
		}
	}
	s.recorder.RecordMetric(name, value, labels...)
}

// Stats is the admin view of delivery.
type Stats struct {
	InstanceID         string                 `json:"instanceId"`
	Requests           int64                  `json:"requests"`
	Errors             int64                  `json:"errors"`
	Delivered          int64                  `json:"delivered"`
	Dropped            int64                  `json:"dropped"`
	RemoteDelivered    int64                  `json:"remoteDelivered"`
	Published          int64                  `json:"published"`
	PublishFailures    int64                  `json:"publishFailures"`
	StoreFailures      int64                  `json:"storeFailures"`
	AverageLatencyMs   float64                `json:"averageLatencyMs"`
	LocalConnections   int                    `json:"localConnections"`
	LocalUsers         int                    `json:"localUsers"`
	ClusterConnections int                    `json:"clusterConnections"`
	Heartbeat          heartbeat.MonitorStats `json:"heartbeat"`
	Store              eventstore.Stats       `json:"store"`
	StoreStatsAge      time.Duration          `json:"storeStatsAge,omitempty"`
	Stale              bool                   `json:"stale,omitempty"`
	Degradation        *degradation.Status    `json:"degradation,omitempty"`
}

const storeStatsKey = "store"

// Stats collects counters from every collaborator. Store statistics fall
// back to the last good value, flagged stale, when the store is unavailable.
func (s *Service) Stats(ctx context.Context) Stats {
	t := s.Traffic()
	st := Stats{
		InstanceID:       s.cfg.InstanceID,
		Requests:         t.Requests,
		Errors:           t.Errors,
		Delivered:        s.counters.delivered.Load(),
		Dropped:          s.counters.dropped.Load(),
		RemoteDelivered:  s.counters.remote.Load(),
		Published:        s.counters.published.Load(),
		PublishFailures:  s.counters.publishFailures.Load(),
		StoreFailures:    s.counters.storeFailures.Load(),
		AverageLatencyMs: t.LatencyMs,
		LocalConnections: s.registry.Count(),
		LocalUsers:       s.registry.UserCount(),
		Heartbeat:        s.monitor.Stats(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if n, err := s.registry.ClusterCount(ctx); err == nil {
		st.ClusterConnections = n
	} else {
		st.ClusterConnections = st.LocalConnections
		st.Stale = true
	}
	type storeView struct {
		stats eventstore.Stats
		age   time.Duration
		stale bool
	}
	view, _ := breaker.Do(ctx, s.breakers.Get(breaker.EventStoreStats),
		func(ctx context.Context) (storeView, error) {
			storeStats, err := s.store.Stats(ctx)
			if err != nil {
				return storeView{}, err
			}
			s.statsLast.Put(storeStatsKey, storeStats)
			return storeView{stats: storeStats}, nil
		},
		func(_ context.Context, err error) (storeView, error) {
			s.logger.Debug().Err(err).Msg("Store statistics unavailable, serving last known values.")
			cached, age, _ := s.statsLast.Get(storeStatsKey)
			return storeView{stats: cached, age: age, stale: true}, nil
		},
	)
	st.Store = view.stats
	st.StoreStatsAge = view.age
	st.Stale = st.Stale || view.stale
	if s.degrade != nil {
		d := s.degrade.Status()
		st.Degradation = &d
	}
	return st
}
