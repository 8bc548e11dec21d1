package api_test

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-service/internal/api"
	"github.com/tinywideclouds/go-notification-service/internal/auth"
	"github.com/tinywideclouds/go-notification-service/internal/breaker"
	"github.com/tinywideclouds/go-notification-service/internal/degradation"
	"github.com/tinywideclouds/go-notification-service/internal/delivery"
	"github.com/tinywideclouds/go-notification-service/internal/eventstore"
	"github.com/tinywideclouds/go-notification-service/internal/fanout"
	"github.com/tinywideclouds/go-notification-service/internal/heartbeat"
	"github.com/tinywideclouds/go-notification-service/internal/ratelimit"
	"github.com/tinywideclouds/go-notification-service/internal/realtime"
)

// --- Mocks ---

type mockRateLimitAdmin struct {
	mock.Mock
}

func (m *mockRateLimitAdmin) Status(ctx context.Context, p ratelimit.Profile, identifier string) (ratelimit.Status, error) {
	args := m.Called(ctx, p, identifier)
	return args.Get(0).(ratelimit.Status), args.Error(1)
}

func (m *mockRateLimitAdmin) Reset(ctx context.Context, p ratelimit.Profile, identifier string) error {
	return m.Called(ctx, p, identifier).Error(0)
}

func (m *mockRateLimitAdmin) AddToWhitelist(ctx context.Context, ip string) error {
	return m.Called(ctx, ip).Error(0)
}

func (m *mockRateLimitAdmin) RemoveFromWhitelist(ctx context.Context, ip string) error {
	return m.Called(ctx, ip).Error(0)
}

func (m *mockRateLimitAdmin) ListWhitelist(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	var ips []string
	if v, ok := args.Get(0).([]string); ok {
		ips = v
	}
	return ips, args.Error(1)
}

type mockDeliveryLimiter struct {
	mock.Mock
}

func (m *mockDeliveryLimiter) Check(ctx context.Context, p ratelimit.Profile, identifier, ip string) (ratelimit.Result, error) {
	args := m.Called(ctx, p, identifier, ip)
	return args.Get(0).(ratelimit.Result), args.Error(1)
}

// --- Test Setup ---

type apiFixture struct {
	api      *api.API
	svc      *delivery.Service
	breakers *breaker.Registry
	degrade  *degradation.Controller
	limiter  *mockRateLimitAdmin
	mr       *miniredis.Miniredis
	rdb      *redis.Client
}

type apiOptions struct {
	deliveryLimiter delivery.RateLimiter
	checks          map[string]api.Check
}

func setupAPI(t *testing.T, opts apiOptions) *apiFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := zerolog.Nop()

	store, err := eventstore.NewRedisStore(rdb, eventstore.Config{}, nil, clk, logger)
	require.NoError(t, err)
	breakers := breaker.NewRegistry(breaker.DefaultOptions(), nil, clk, nil, logger)
	registry := realtime.NewRegistry("instance-a", nil, nil, clk, logger)
	monitor := heartbeat.NewMonitor(heartbeat.DefaultConfig(), clk, nil, logger)
	ctrl := degradation.NewController(degradation.DefaultConfig(), nil, clk, nil, logger)

	svc, err := delivery.New(delivery.Config{InstanceID: "instance-a"}, delivery.Dependencies{
		Store:       store,
		Bus:         fanout.NewHub().Bus("instance-a"),
		Breakers:    breakers,
		Registry:    registry,
		Monitor:     monitor,
		Limiter:     opts.deliveryLimiter,
		Degradation: ctrl,
		Clock:       clk,
	}, logger)
	require.NoError(t, err)
	go func() { _ = svc.Run(ctx) }()

	limiter := new(mockRateLimitAdmin)
	handlers := api.NewAPI(api.Config{WriteTimeout: time.Second}, api.Dependencies{
		Delivery:    svc,
		Limiter:     limiter,
		Breakers:    breakers,
		Degradation: ctrl,
		Checks:      opts.checks,
	}, logger)

	return &apiFixture{api: handlers, svc: svc, breakers: breakers, degrade: ctrl, limiter: limiter, mr: mr, rdb: rdb}
}

// authed runs h behind the trusted-header middleware.
func authed(h http.HandlerFunc) http.Handler {
	return auth.NewHeaderMiddleware(zerolog.Nop())(h)
}

func asUser(r *http.Request, userID, role string) *http.Request {
	r.Header.Set(auth.HeaderUserID, userID)
	if role != "" {
		r.Header.Set(auth.HeaderRole, role)
	}
	return r
}

// --- SSE reading ---

type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// sseReader parses an event stream in the background.
type sseReader struct {
	events chan sseEvent
}

func newSSEReader(body io.Reader) *sseReader {
	r := &sseReader{events: make(chan sseEvent, 64)}
	go func() {
		defer close(r.events)
		sc := bufio.NewScanner(body)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				r.events <- ev
				ev = sseEvent{}
			case strings.HasPrefix(line, "id: "):
				ev.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				ev.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data += strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return r
}

func (r *sseReader) next(t *testing.T) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-r.events:
		require.True(t, ok, "stream ended")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}
