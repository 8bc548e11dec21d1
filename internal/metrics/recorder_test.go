package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-service/internal/metrics"
)

func TestPrometheusRecorder_CounterGaugeHistogram(t *testing.T) {
	rec := metrics.NewPrometheusRecorder(zerolog.Nop())

	rec.RecordMetric("deliveries_total", 1, "result", "ok")
	rec.RecordMetric("deliveries_total", 2, "result", "ok")
	rec.RecordMetric("deliveries_total", 1, "result", "dropped")
	rec.RecordMetric("connections_active", 7)
	rec.RecordMetric("connections_active", 3)
	rec.RecordMetric("delivery_duration_seconds", 0.02)

	count, err := testutil.GatherAndCount(rec.Registry(), "notification_deliveries_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per label value")

	gauge, err := testutil.GatherAndCount(rec.Registry(), "notification_connections_active")
	require.NoError(t, err)
	assert.Equal(t, 1, gauge)
}

func TestPrometheusRecorder_NegativeCounterIgnored(t *testing.T) {
	rec := metrics.NewPrometheusRecorder(zerolog.Nop())
	assert.NotPanics(t, func() {
		rec.RecordMetric("drops_total", -1)
	})
}

func TestPrometheusRecorder_LabelMismatchIsDropped(t *testing.T) {
	rec := metrics.NewPrometheusRecorder(zerolog.Nop())
	rec.RecordMetric("deliveries_total", 1, "stored", "true")

	// Later calls with other label keys are logged, not recorded.
	assert.NotPanics(t, func() {
		rec.RecordMetric("deliveries_total", 1)
		rec.RecordMetric("deliveries_total", 1, "stored", "true", "extra", "x")
	})
	count, err := testutil.GatherAndCount(rec.Registry(), "notification_deliveries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheusRecorder_Handler(t *testing.T) {
	rec := metrics.NewPrometheusRecorder(zerolog.Nop())
	rec.RecordMetric("fanout_messages_total", 1, "direction", "out")

	srv := httptest.NewServer(rec.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `notification_fanout_messages_total{direction="out"} 1`)
}
