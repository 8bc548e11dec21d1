package ratelimit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-service/internal/ratelimit"
)

type testFixture struct {
	ctx     context.Context
	redis   *miniredis.Miniredis
	clock   *clock.Mock
	limiter *ratelimit.Limiter
}

func setup(t *testing.T, cfg ratelimit.Config) *testFixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))

	limiter, err := ratelimit.New(rdb, cfg, nil, nil, mock, zerolog.Nop())
	require.NoError(t, err)

	return &testFixture{ctx: ctx, redis: mr, clock: mock, limiter: limiter}
}

func tenPerMinute() ratelimit.Config {
	return ratelimit.Config{
		Rules: map[ratelimit.Profile]ratelimit.Rule{
			ratelimit.ProfileDefault: {Limit: 10, Window: time.Minute},
		},
		StaticWhitelist: []string{"10.0.0.1"},
	}
}

func TestLimiter_Boundary(t *testing.T) {
	fx := setup(t, tenPerMinute())

	// 1. Nine requests are admitted with decreasing remaining.
	for i := 1; i <= 9; i++ {
		res, err := fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-1", "192.168.1.5")
		require.NoError(t, err)
		require.True(t, res.Allowed)
		assert.Equal(t, 10-i, res.Remaining)
	}

	// 2. The tenth is the last one admitted.
	res, err := fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-1", "192.168.1.5")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	// 3. The eleventh is denied until the oldest request leaves the window.
	res, err = fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-1", "192.168.1.5")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 60, res.ResetTime)
	assert.Equal(t, 60*time.Second, res.RetryAfter)

	// 4. A whitelisted IP is admitted regardless of the count.
	res, err = fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-1", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Whitelisted)

	// 5. Other identities have their own window.
	res, err = fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-2", "192.168.1.6")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiter_WindowSlides(t *testing.T) {
	fx := setup(t, tenPerMinute())

	for i := 0; i < 10; i++ {
		_, err := fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-1", "")
		require.NoError(t, err)
		fx.clock.Add(time.Second)
	}
	res, err := fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-1", "")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	// The oldest entry was written 10s ago.
	assert.Equal(t, 50, res.ResetTime)

	fx.clock.Add(50 * time.Second)
	res, err = fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-1", "")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiter_Burst(t *testing.T) {
	fx := setup(t, ratelimit.Config{})
	rule := fx.limiter.Rule(ratelimit.ProfileDefault)
	require.Equal(t, 20, rule.BurstLimit)

	for i := 0; i < rule.BurstLimit; i++ {
		res, err := fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-1", "")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-1", "")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, res.ResetTime)

	fx.clock.Add(time.Second)
	res, err = fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-1", "")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, rule.Limit-rule.BurstLimit-1, res.Remaining)
}

func TestLimiter_FailsOpen(t *testing.T) {
	fx := setup(t, tenPerMinute())
	fx.redis.SetError("LOADING Redis is loading the dataset in memory")

	// 1. The store is down, requests are admitted and flagged.
	for i := 0; i < 10; i++ {
		res, err := fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-1", "")
		require.NoError(t, err)
		require.True(t, res.Allowed)
		assert.True(t, res.FailedOpen)
	}

	// 2. Callers past their quota are still admitted while the store is down.
	for i := 0; i < 5; i++ {
		res, err := fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-1", "")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.True(t, res.FailedOpen)
		assert.Zero(t, res.RetryAfter)
		assert.Zero(t, res.Remaining)
	}

	// 3. Once the store is back it is authoritative again.
	fx.redis.SetError("")
	res, err := fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-1", "")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.False(t, res.FailedOpen)
}

func TestLimiter_StatusAndReset(t *testing.T) {
	fx := setup(t, tenPerMinute())
	for i := 0; i < 3; i++ {
		_, err := fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "user-1", "")
		require.NoError(t, err)
	}

	st, err := fx.limiter.Status(fx.ctx, ratelimit.ProfileDefault, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 7, st.Remaining)
	assert.Equal(t, 60, st.ResetTime)

	// Status does not consume.
	st, err = fx.limiter.Status(fx.ctx, ratelimit.ProfileDefault, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Count)

	require.NoError(t, fx.limiter.Reset(fx.ctx, ratelimit.ProfileDefault, "user-1"))
	st, err = fx.limiter.Status(fx.ctx, ratelimit.ProfileDefault, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Count)
	assert.Equal(t, 10, st.Remaining)
}

func TestLimiter_Whitelist(t *testing.T) {
	fx := setup(t, tenPerMinute())

	t.Run("Add and remove", func(t *testing.T) {
		require.NoError(t, fx.limiter.AddToWhitelist(fx.ctx, "172.16.0.9"))
		assert.True(t, fx.limiter.IsWhitelisted("172.16.0.9"))

		list, err := fx.limiter.ListWhitelist(fx.ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"172.16.0.9", "10.0.0.1"}, list)

		require.NoError(t, fx.limiter.RemoveFromWhitelist(fx.ctx, "172.16.0.9"))
		assert.False(t, fx.limiter.IsWhitelisted("172.16.0.9"))
	})

	t.Run("Static entries cannot be removed", func(t *testing.T) {
		err := fx.limiter.RemoveFromWhitelist(fx.ctx, "10.0.0.1")
		assert.Error(t, err)
		assert.True(t, fx.limiter.IsWhitelisted("10.0.0.1"))
	})

	t.Run("Refresh picks up entries written by other instances", func(t *testing.T) {
		_, err := fx.redis.SAdd("notif:rl:whitelist", "203.0.113.7")
		require.NoError(t, err)
		assert.False(t, fx.limiter.IsWhitelisted("203.0.113.7"))

		require.NoError(t, fx.limiter.RefreshWhitelist(fx.ctx))
		assert.True(t, fx.limiter.IsWhitelisted("203.0.113.7"))
	})
}

func TestLimiter_RejectsBadInput(t *testing.T) {
	fx := setup(t, tenPerMinute())

	_, err := fx.limiter.Check(fx.ctx, ratelimit.Profile("gold"), "user-1", "")
	assert.Error(t, err)

	_, err = fx.limiter.Check(fx.ctx, ratelimit.ProfileDefault, "", "")
	assert.Error(t, err)

	_, err = ratelimit.New(redis.NewClient(&redis.Options{Addr: fx.redis.Addr()}), ratelimit.Config{
		Rules: map[ratelimit.Profile]ratelimit.Rule{ratelimit.ProfileAdmin: {Limit: 0, Window: time.Minute}},
	}, nil, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	fx := setup(t, ratelimit.Config{
		Rules: map[ratelimit.Profile]ratelimit.Rule{
			ratelimit.ProfileDefault: {Limit: 2, Window: time.Minute},
		},
	})

	handler := fx.limiter.Middleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/notifications", nil)
		req.RemoteAddr = "198.51.100.4:5555"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	rr := send()
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Remaining"))

	_ = send()
	rr = send()
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body["error"])
	retry, _ := strconv.Atoi(rr.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, 60, retry)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", ratelimit.ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")
	assert.Equal(t, "203.0.113.9", ratelimit.ClientIP(req))
}

func TestParseProfile(t *testing.T) {
	for _, p := range ratelimit.Profiles {
		parsed, err := ratelimit.ParseProfile(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	_, err := ratelimit.ParseProfile("gold")
	assert.Error(t, err)
}
