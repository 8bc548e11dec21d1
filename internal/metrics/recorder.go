// Package metrics adapts the notification service's side-effect-only metrics
// collaborator onto a Prometheus registry.
package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "notification"

// Recorder is satisfied by notification.MetricsRecorder implementations.
type Recorder interface {
	RecordMetric(name string, value float64, labels ...string)
}

// Nop discards every metric.
type Nop struct{}

func (Nop) RecordMetric(string, float64, ...string) {}

// PrometheusRecorder lazily registers one collector per metric name.
// The collector type comes from the name suffix: "_total" is a counter,
// "_seconds" a histogram, anything else a gauge. Labels are passed as
// alternating key/value pairs and must keep the same keys per name.
type PrometheusRecorder struct {
	registry *prometheus.Registry
	logger   zerolog.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusRecorder creates a recorder on a fresh registry carrying the
// Go runtime and process collectors.
func NewPrometheusRecorder(logger zerolog.Logger) *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &PrometheusRecorder{
		registry:   reg,
		logger:     logger.With().Str("component", "PrometheusRecorder").Logger(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (r *PrometheusRecorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordMetric records value under name.
func (r *PrometheusRecorder) RecordMetric(name string, value float64, labels ...string) {
	keys, values := splitLabels(labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	switch {
	case strings.HasSuffix(name, "_total"):
		var c *prometheus.CounterVec
		if c, err = r.counter(name, keys); err == nil {
			if value < 0 {
				r.logger.Warn().Str("metric", name).Msg("Ignoring negative counter increment.")
				return
			}
			var m prometheus.Counter
			if m, err = c.GetMetricWithLabelValues(values...); err == nil {
				m.Add(value)
			}
		}
	case strings.HasSuffix(name, "_seconds"):
		var h *prometheus.HistogramVec
		if h, err = r.histogram(name, keys); err == nil {
			var m prometheus.Observer
			if m, err = h.GetMetricWithLabelValues(values...); err == nil {
				m.Observe(value)
			}
		}
	default:
		var g *prometheus.GaugeVec
		if g, err = r.gauge(name, keys); err == nil {
			var m prometheus.Gauge
			if m, err = g.GetMetricWithLabelValues(values...); err == nil {
				m.Set(value)
			}
		}
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("metric", name).Msg("Failed to record metric.")
	}
}

func (r *PrometheusRecorder) counter(name string, keys []string) (*prometheus.CounterVec, error) {
	if c, ok := r.counters[name]; ok {
		return c, nil
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: name}, keys)
	if err := r.registry.Register(c); err != nil {
		return nil, err
	}
	r.counters[name] = c
	return c, nil
}

func (r *PrometheusRecorder) gauge(name string, keys []string) (*prometheus.GaugeVec, error) {
	if g, ok := r.gauges[name]; ok {
		return g, nil
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: name}, keys)
	if err := r.registry.Register(g); err != nil {
		return nil, err
	}
	r.gauges[name] = g
	return g, nil
}

func (r *PrometheusRecorder) histogram(name string, keys []string) (*prometheus.HistogramVec, error) {
	if h, ok := r.histograms[name]; ok {
		return h, nil
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      name,
		Buckets:   prometheus.DefBuckets,
	}, keys)
	if err := r.registry.Register(h); err != nil {
		return nil, err
	}
	r.histograms[name] = h
	return h, nil
}

// splitLabels turns k1, v1, k2, v2 into keys and values. A trailing key with
// no value gets an empty value.
func splitLabels(labels []string) ([]string, []string) {
	keys := make([]string, 0, (len(labels)+1)/2)
	values := make([]string, 0, (len(labels)+1)/2)
	for i := 0; i < len(labels); i += 2 {
		keys = append(keys, labels[i])
		if i+1 < len(labels) {
			values = append(values, labels[i+1])
		} else {
			values = append(values, "")
		}
	}
	return keys, values
}
