package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-notification-service/internal/breaker"
	"github.com/tinywideclouds/go-notification-service/internal/metrics"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

const (
	keyPrefix    = "notif:rl:"
	whitelistKey = "notif:rl:whitelist"

	fallbackLimiters = 10000
)

// slidingWindowScript prunes, counts and admits in one round trip.
// KEYS[1] window key
// ARGV now_ms, window_ms, limit, burst, burst_window_ms, member
// Returns {allowed, count, oldest_ms, burst_reset_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local burst = tonumber(ARGV[4])
local burstWindow = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

local recent = 0
if burst > 0 then
  recent = redis.call('ZCOUNT', key, '(' .. (now - burstWindow), '+inf')
end

local allowed = 0
if count < limit and (burst <= 0 or recent < burst) then
  redis.call('ZADD', key, now, ARGV[6])
  redis.call('PEXPIRE', key, window)
  count = count + 1
  allowed = 1
end

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end

local burstReset = 0
if allowed == 0 and count < limit and burst > 0 then
  local b = redis.call('ZRANGEBYSCORE', key, '(' .. (now - burstWindow), '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
  if b[2] then
    burstReset = tonumber(b[2]) + burstWindow - now
  end
end

return {allowed, count, oldest, burstReset}
`)

// redisClient is the subset of go-redis the limiter needs.
type redisClient interface {
	redis.Scripter
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZCount(ctx context.Context, key, min, max string) *redis.IntCmd
	ZRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// Result is the outcome of one admission check.
type Result struct {
	Profile     Profile       `json:"profile"`
	Allowed     bool          `json:"allowed"`
	Limit       int           `json:"limit"`
	Remaining   int           `json:"remaining"`
	ResetTime   int           `json:"resetTime"`
	RetryAfter  time.Duration `json:"-"`
	Whitelisted bool          `json:"whitelisted,omitempty"`
	FailedOpen  bool          `json:"failedOpen,omitempty"`
}

// Status is a read-only view of one window.
type Status struct {
	Profile    Profile `json:"profile"`
	Identifier string  `json:"identifier"`
	Limit      int     `json:"limit"`
	Count      int     `json:"count"`
	Remaining  int     `json:"remaining"`
	ResetTime  int     `json:"resetTime"`
}

// Config holds the limiter's tunables.
type Config struct {
	Rules           map[Profile]Rule
	StaticWhitelist []string
	RefreshInterval time.Duration
}

// Limiter is the shared-store sliding-window rate limiter.
type Limiter struct {
	client   redisClient
	rules    map[Profile]Rule
	static   map[string]struct{}
	refresh  time.Duration
	breakers *breaker.Registry
	recorder metrics.Recorder
	clock    clock.Clock
	logger   zerolog.Logger

	mu        sync.RWMutex
	whitelist map[string]struct{}

	// fallback admits per identifier while the store is unreachable.
	fallback    *lru.Cache[string, *rate.Limiter]
	failOpenLog rate.Sometimes
}

// New creates a Limiter. breakers and recorder may be nil.
func New(client redisClient, cfg Config, breakers *breaker.Registry, recorder metrics.Recorder, clk clock.Clock, logger zerolog.Logger) (*Limiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	rules := DefaultRules()
	for p, r := range cfg.Rules {
		if _, err := ParseProfile(string(p)); err != nil {
			return nil, err
		}
		if err := r.validate(p); err != nil {
			return nil, err
		}
		rules[p] = r
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	fallback, err := lru.New[string, *rate.Limiter](fallbackLimiters)
	if err != nil {
		return nil, err
	}

	static := make(map[string]struct{}, len(cfg.StaticWhitelist))
	for _, ip := range cfg.StaticWhitelist {
		if ip != "" {
			static[ip] = struct{}{}
		}
	}

	return &Limiter{
		client:      client,
		rules:       rules,
		static:      static,
		refresh:     cfg.RefreshInterval,
		breakers:    breakers,
		recorder:    recorder,
		clock:       clk,
		logger:      logger.With().Str("component", "RateLimiter").Logger(),
		whitelist:   make(map[string]struct{}),
		fallback:    fallback,
		failOpenLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}, nil
}

// Rule returns the limits applied to p.
func (l *Limiter) Rule(p Profile) Rule {
	if r, ok := l.rules[p]; ok {
		return r
	}
	return l.rules[ProfileDefault]
}

func windowKey(p Profile, id string) string {
	return keyPrefix + string(p) + ":" + id
}

// Check decides whether one more request from identifier is admitted.
func (l *Limiter) Check(ctx context.Context, p Profile, identifier, ip string) (Result, error) {
	if _, err := ParseProfile(string(p)); err != nil {
		return Result{}, notification.NewValidationError("ratelimit.check", err.Error())
	}
	if identifier == "" {
		return Result{}, notification.NewValidationError("ratelimit.check", "identifier is required")
	}
	rule := l.Rule(p)

	if ip != "" && l.IsWhitelisted(ip) {
		l.recorder.RecordMetric("rate_limit_checks_total", 1, "profile", string(p), "result", "whitelisted")
		return Result{Profile: p, Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, Whitelisted: true}, nil
	}

	res, err := l.evaluate(ctx, p, identifier, rule)
	if err != nil {
		return l.failOpen(p, identifier, rule, err), nil
	}

	outcome := "allowed"
	if !res.Allowed {
		outcome = "denied"
	}
	l.recorder.RecordMetric("rate_limit_checks_total", 1, "profile", string(p), "result", outcome)
	return res, nil
}

func (l *Limiter) evaluate(ctx context.Context, p Profile, identifier string, rule Rule) (Result, error) {
	call := func(ctx context.Context) (Result, error) {
		now := l.clock.Now()
		nowMs := now.UnixMilli()
		member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

		vals, err := slidingWindowScript.Run(ctx, l.client, []string{windowKey(p, identifier)},
			nowMs, rule.Window.Milliseconds(), rule.Limit, rule.BurstLimit, rule.BurstWindow.Milliseconds(), member,
		).Int64Slice()
		if err != nil {
			return Result{}, notification.NewDependencyError("ratelimit.check", err)
		}
		if len(vals) != 4 {
			return Result{}, fmt.Errorf("unexpected sliding window reply of length %d", len(vals))
		}
		allowed, count, oldest, burstReset := vals[0] == 1, int(vals[1]), vals[2], vals[3]

		res := Result{Profile: p, Allowed: allowed, Limit: rule.Limit}
		res.Remaining = rule.Limit - count
		if res.Remaining < 0 || !allowed {
			res.Remaining = 0
		}

		untilReset := time.Duration(oldest+rule.Window.Milliseconds()-nowMs) * time.Millisecond
		if !allowed && burstReset > 0 {
			untilReset = time.Duration(burstReset) * time.Millisecond
		}
		res.ResetTime = ceilSeconds(untilReset)
		if !allowed {
			if res.ResetTime < 1 {
				res.ResetTime = 1
			}
			res.RetryAfter = time.Duration(res.ResetTime) * time.Second
		}
		return res, nil
	}

	if l.breakers == nil {
		return call(ctx)
	}
	return breaker.Do(ctx, l.breakers.Get(breaker.RateLimiterCheck), call, nil)
}

// failOpen always admits while the store is down. A local token bucket per
// identifier only marks callers that would have exceeded their quota, so the
// outage stays visible without refusing deliveries.
func (l *Limiter) failOpen(p Profile, identifier string, rule Rule, cause error) Result {
	key := windowKey(p, identifier)
	lim, ok := l.fallback.Get(key)
	if !ok {
		burst := rule.BurstLimit
		if burst <= 0 {
			burst = rule.Limit
		}
		perSecond := float64(rule.Limit) / rule.Window.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
		l.fallback.Add(key, lim)
	}
	within := lim.AllowN(l.clock.Now(), 1)

	l.failOpenLog.Do(func() {
		l.logger.Warn().Err(cause).Str("profile", string(p)).Msg("Rate limit store unavailable, failing open.")
	})
	if !within {
		l.logger.Debug().Str("profile", string(p)).Str("identifier", identifier).Msg("Admitting over-quota request while failing open.")
	}
	l.recorder.RecordMetric("rate_limit_fail_open_total", 1, "profile", string(p), "over_quota", strconv.FormatBool(!within))

	res := Result{Profile: p, Limit: rule.Limit, Allowed: true, FailedOpen: true}
	if within {
		res.Remaining = int(lim.TokensAt(l.clock.Now()))
	}
	return res
}

// Status reports the current window without consuming a request.
func (l *Limiter) Status(ctx context.Context, p Profile, identifier string) (Status, error) {
	if _, err := ParseProfile(string(p)); err != nil {
		return Status{}, notification.NewValidationError("ratelimit.status", err.Error())
	}
	rule := l.Rule(p)
	key := windowKey(p, identifier)
	now := l.clock.Now().UnixMilli()
	start := "(" + strconv.FormatInt(now-rule.Window.Milliseconds(), 10)

	count, err := l.client.ZCount(ctx, key, start, "+inf").Result()
	if err != nil {
		return Status{}, notification.NewDependencyError("ratelimit.status", err)
	}
	st := Status{Profile: p, Identifier: identifier, Limit: rule.Limit, Count: int(count)}
	st.Remaining = rule.Limit - st.Count
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	if count > 0 {
		first, err := l.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: start, Max: "+inf", Count: 1}).Result()
		if err != nil {
			return Status{}, notification.NewDependencyError("ratelimit.status", err)
		}
		if len(first) == 1 {
			st.ResetTime = ceilSeconds(time.Duration(int64(first[0].Score)+rule.Window.Milliseconds()-now) * time.Millisecond)
		}
	}
	return st, nil
}

// Reset clears one window.
func (l *Limiter) Reset(ctx context.Context, p Profile, identifier string) error {
	if _, err := ParseProfile(string(p)); err != nil {
		return notification.NewValidationError("ratelimit.reset", err.Error())
	}
	if err := l.client.Del(ctx, windowKey(p, identifier)).Err(); err != nil {
		return notification.NewDependencyError("ratelimit.reset", err)
	}
	l.fallback.Remove(windowKey(p, identifier))
	l.logger.Info().Str("profile", string(p)).Str("identifier", identifier).Msg("Rate limit window reset.")
	return nil
}

// IsWhitelisted checks the static list and the local copy of the shared set.
func (l *Limiter) IsWhitelisted(ip string) bool {
	if _, ok := l.static[ip]; ok {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.whitelist[ip]
	return ok
}

// AddToWhitelist adds ip to the shared whitelist.
func (l *Limiter) AddToWhitelist(ctx context.Context, ip string) error {
	if ip == "" {
		return notification.NewValidationError("ratelimit.whitelist", "ip is required")
	}
	if err := l.client.SAdd(ctx, whitelistKey, ip).Err(); err != nil {
		return notification.NewDependencyError("ratelimit.whitelist", err)
	}
	l.mu.Lock()
	l.whitelist[ip] = struct{}{}
	l.mu.Unlock()
	l.logger.Info().Str("ip", ip).Msg("Added IP to rate limit whitelist.")
	return nil
}

// RemoveFromWhitelist removes ip from the shared whitelist. Static entries
// cannot be removed at runtime.
func (l *Limiter) RemoveFromWhitelist(ctx context.Context, ip string) error {
	if _, ok := l.static[ip]; ok {
		return notification.NewValidationError("ratelimit.whitelist", "ip is part of the static whitelist")
	}
	if err := l.client.SRem(ctx, whitelistKey, ip).Err(); err != nil {
		return notification.NewDependencyError("ratelimit.whitelist", err)
	}
	l.mu.Lock()
	delete(l.whitelist, ip)
	l.mu.Unlock()
	l.logger.Info().Str("ip", ip).Msg("Removed IP from rate limit whitelist.")
	return nil
}

// ListWhitelist returns the shared and static entries.
func (l *Limiter) ListWhitelist(ctx context.Context) ([]string, error) {
	members, err := l.client.SMembers(ctx, whitelistKey).Result()
	if err != nil {
		return nil, notification.NewDependencyError("ratelimit.whitelist", err)
	}
	seen := make(map[string]struct{}, len(members)+len(l.static))
	out := make([]string, 0, len(members)+len(l.static))
	for _, ip := range append(members, l.staticList()...) {
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		out = append(out, ip)
	}
	return out, nil
}

func (l *Limiter) staticList() []string {
	out := make([]string, 0, len(l.static))
	for ip := range l.static {
		out = append(out, ip)
	}
	return out
}

// RefreshWhitelist reloads the local copy of the shared whitelist.
func (l *Limiter) RefreshWhitelist(ctx context.Context) error {
	members, err := l.client.SMembers(ctx, whitelistKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return notification.NewDependencyError("ratelimit.whitelist", err)
	}
	next := make(map[string]struct{}, len(members))
	for _, ip := range members {
		next[ip] = struct{}{}
	}
	l.mu.Lock()
	l.whitelist = next
	l.mu.Unlock()
	return nil
}

// Run refreshes the whitelist until ctx ends.
func (l *Limiter) Run(ctx context.Context) {
	if err := l.RefreshWhitelist(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("Initial whitelist load failed.")
	}
	ticker := l.clock.Ticker(l.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.RefreshWhitelist(ctx); err != nil {
				l.logger.Warn().Err(err).Msg("Whitelist refresh failed, keeping previous copy.")
			}
		}
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
