package notificationservice_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-service/internal/api"
	"github.com/tinywideclouds/go-notification-service/internal/auth"
	"github.com/tinywideclouds/go-notification-service/internal/breaker"
	"github.com/tinywideclouds/go-notification-service/internal/degradation"
	"github.com/tinywideclouds/go-notification-service/internal/delivery"
	"github.com/tinywideclouds/go-notification-service/internal/eventstore"
	"github.com/tinywideclouds/go-notification-service/internal/fanout"
	"github.com/tinywideclouds/go-notification-service/internal/heartbeat"
	"github.com/tinywideclouds/go-notification-service/internal/metrics"
	"github.com/tinywideclouds/go-notification-service/internal/ratelimit"
	"github.com/tinywideclouds/go-notification-service/internal/realtime"
	"github.com/tinywideclouds/go-notification-service/notificationservice"
	"github.com/tinywideclouds/go-notification-service/notificationservice/config"
)

// startService wires the real components on miniredis and serves them on a
// random port.
func startService(t *testing.T) (string, *notificationservice.Wrapper) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := zerolog.Nop()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	recorder := metrics.NewPrometheusRecorder(logger)
	breakers := breaker.NewRegistry(breaker.DefaultOptions(), nil, nil, recorder, logger)
	store, err := eventstore.NewRedisStore(rdb, eventstore.Config{}, recorder, nil, logger)
	require.NoError(t, err)
	limiter, err := ratelimit.New(rdb, ratelimit.Config{}, breakers, recorder, nil, logger)
	require.NoError(t, err)
	ctrl := degradation.NewController(degradation.DefaultConfig(), nil, nil, recorder, logger)

	svc, err := delivery.New(delivery.Config{InstanceID: "instance-a"}, delivery.Dependencies{
		Store:       store,
		Bus:         fanout.NewHub().Bus("instance-a"),
		Breakers:    breakers,
		Registry:    realtime.NewRegistry("instance-a", nil, nil, nil, logger),
		Monitor:     heartbeat.NewMonitor(heartbeat.DefaultConfig(), nil, recorder, logger),
		Limiter:     limiter,
		Degradation: ctrl,
		Recorder:    recorder,
	}, logger)
	require.NoError(t, err)
	go func() { _ = svc.Run(ctx) }()

	cfg := &config.AppConfig{APIPort: "0"}
	w, err := notificationservice.New(cfg, &notificationservice.Dependencies{
		Delivery:    svc,
		Limiter:     limiter,
		Breakers:    breakers,
		Degradation: ctrl,
		Metrics:     recorder.Handler(),
		Checks:      map[string]api.Check{"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}, auth.NewHeaderMiddleware(logger), logger)
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- w.Start(ctx) }()
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = w.Shutdown(shutdownCtx)
		<-started
	})

	require.Eventually(t, func() bool { return !strings.HasSuffix(w.Addr(), ":0") }, 2*time.Second, 5*time.Millisecond)
	return "http://" + w.Addr(), w
}

func do(t *testing.T, method, url, userID, role, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set(auth.HeaderUserID, userID)
	}
	if role != "" {
		req.Header.Set(auth.HeaderRole, role)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestWrapper_Routes(t *testing.T) {
	base, _ := startService(t)

	testCases := []struct {
		name       string
		method     string
		path       string
		userID     string
		role       string
		body       string
		wantStatus int
	}{
		{name: "readiness", method: http.MethodGet, path: "/readyz", wantStatus: http.StatusOK},
		{name: "health is public", method: http.MethodGet, path: "/healthz", wantStatus: http.StatusOK},
		{name: "breaker health is public", method: http.MethodGet, path: "/healthz/circuit-breakers", wantStatus: http.StatusOK},
		{name: "prometheus", method: http.MethodGet, path: "/metrics", wantStatus: http.StatusOK},
		{
			name: "producer needs a principal", method: http.MethodPost, path: "/api/notifications",
			body: `{"userId":"u1","message":"hi"}`, wantStatus: http.StatusUnauthorized,
		},
		{
			name: "users cannot produce", method: http.MethodPost, path: "/api/notifications",
			userID: "u1", body: `{"userId":"u1","message":"hi"}`, wantStatus: http.StatusForbidden,
		},
		{
			name: "system producers deliver", method: http.MethodPost, path: "/api/notifications",
			userID: "svc-orders", role: "system", body: `{"userId":"u1","message":"hi"}`, wantStatus: http.StatusAccepted,
		},
		{name: "admin only", method: http.MethodGet, path: "/admin/connections", userID: "u1", wantStatus: http.StatusForbidden},
		{name: "admin view", method: http.MethodGet, path: "/admin/connections", userID: "ops", role: "admin", wantStatus: http.StatusOK},
		{name: "whitelist route", method: http.MethodGet, path: "/admin/rate-limit/whitelist", userID: "ops", role: "admin", wantStatus: http.StatusOK},
		{name: "rate limit status route", method: http.MethodGet, path: "/admin/rate-limit/default/u1", userID: "ops", role: "admin", wantStatus: http.StatusOK},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, tc.method, base+tc.path, tc.userID, tc.role, tc.body)
			assert.Equal(t, tc.wantStatus, resp.StatusCode)
		})
	}
}

func TestWrapper_ShutdownEndsStreams(t *testing.T) {
	base, w := startService(t)

	resp := do(t, http.MethodGet, base+"/notifications/stream", "u1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(ctx))

	// The stream ends with the shutdown frame.
	body, err := io.ReadAll(resp.Body)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		require.NoError(t, err)
	}
	assert.Contains(t, string(body), "event: connected")
	assert.Contains(t, string(body), "event: shutdown")
}
