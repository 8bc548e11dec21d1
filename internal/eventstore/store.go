// Package eventstore keeps a bounded, per-user sequenced log of delivered
// notifications in the shared coordination store so clients can resume
// after a reconnect.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-service/internal/metrics"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

const (
	defaultReplayLimit = 100
	maxReplayLimit     = 1000

	statStored     = "stored"
	statDuplicates = "duplicates"
	statEvicted    = "evicted"
	statExpired    = "expired"
	statReplayed   = "replayed"
)

// redisClient is the subset of go-redis the store needs.
type redisClient interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd
}

// Config holds the store's tunables.
type Config struct {
	DefaultTTL   time.Duration
	MaxPerUser   int
	ReplayLimit  int
	MaxReplay    int
	KeyNamespace string
}

// ReplayQuery selects events for a resuming client. When both LastEventID
// and Since are set, replay starts after whichever is later.
type ReplayQuery struct {
	UserID      string
	LastEventID string
	Since       time.Time
	Limit       int
}

// ReplayResult is one page of a user's log.
type ReplayResult struct {
	Events       []notification.StoredEvent `json:"events"`
	HasMore      bool                       `json:"hasMore"`
	FromSequence int64                      `json:"fromSequence"`
	ToSequence   int64                      `json:"toSequence"`
	// Stale is set when the result was served by a fallback rather than the store.
	Stale bool `json:"stale,omitempty"`
}

// Stats are the store-wide counters shared by every instance.
type Stats struct {
	Stored     int64 `json:"stored"`
	Duplicates int64 `json:"duplicates"`
	Evicted    int64 `json:"evicted"`
	Expired    int64 `json:"expired"`
	Replayed   int64 `json:"replayed"`
}

// UserStats summarises one user's log.
type UserStats struct {
	UserID       string `json:"userId"`
	Count        int64  `json:"count"`
	LastSequence int64  `json:"lastSequence"`
	LastEventID  string `json:"lastEventId,omitempty"`
}

// RedisStore implements the replay log on Redis.
type RedisStore struct {
	client   redisClient
	cfg      Config
	clock    clock.Clock
	recorder metrics.Recorder
	logger   zerolog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewRedisStore is the constructor for the RedisStore.
func NewRedisStore(client redisClient, cfg Config, recorder metrics.Recorder, clk clock.Clock, logger zerolog.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = notification.DefaultTTL
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 1000
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = defaultReplayLimit
	}
	if cfg.MaxReplay <= 0 {
		cfg.MaxReplay = maxReplayLimit
	}
	if cfg.KeyNamespace == "" {
		cfg.KeyNamespace = "notif"
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RedisStore{
		client:   client,
		cfg:      cfg,
		clock:    clk,
		recorder: recorder,
		logger:   logger.With().Str("component", "EventStore").Logger(),
		seen:     make(map[string]struct{}),
	}, nil
}

func (s *RedisStore) key(kind, userID string) string {
	return s.cfg.KeyNamespace + ":" + kind + ":{" + userID + "}"
}

func (s *RedisStore) statsKey() string {
	return s.cfg.KeyNamespace + ":stats"
}

func (s *RedisStore) eventPrefix(userID string) string {
	return s.key("evt", userID) + ":"
}

// StoreEvent appends n to its user's log and returns the stored event.
// Storing the same notification id twice returns the original sequence.
func (s *RedisStore) StoreEvent(ctx context.Context, n notification.Notification, ttl time.Duration) (notification.StoredEvent, error) {
	if n.ID == "" || n.UserID == "" {
		return notification.StoredEvent{}, notification.NewValidationError("eventstore.store", "notification id and user id are required")
	}
	if ttl <= 0 {
		ttl = n.TTL
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	ttlSeconds := int64(ttl / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	now := s.clock.Now().UTC()
	event := notification.StoredEvent{
		EventID:      n.ID,
		UserID:       n.UserID,
		Notification: n,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(ttlSeconds) * time.Second),
		Status:       notification.EventPending,
	}
	// The sequence is only known inside the script; it is restored from the
	// index on read.
	event.Notification.Sequence = 0
	payload, err := json.Marshal(event)
	if err != nil {
		return notification.StoredEvent{}, fmt.Errorf("failed to marshal stored event: %w", err)
	}

	log := s.logger.With().Str("user", n.UserID).Str("event_id", n.ID).Logger()
	keys := []string{s.key("seq", n.UserID), s.key("idx", n.UserID), s.key("ids", n.UserID), s.key("last", n.UserID)}
	vals, err := storeScript.Run(ctx, s.client, keys,
		n.ID, ttlSeconds, s.cfg.MaxPerUser, s.eventPrefix(n.UserID), payload,
	).Int64Slice()
	if err != nil {
		log.Error().Err(err).Msg("Failed to store event.")
		return notification.StoredEvent{}, notification.NewDependencyError("eventstore.store", err)
	}
	if len(vals) != 3 {
		return notification.StoredEvent{}, fmt.Errorf("unexpected store reply of length %d", len(vals))
	}
	seq, duplicate, evicted := vals[0], vals[1] == 1, vals[2]

	s.markSeen(n.UserID)
	if duplicate {
		log.Debug().Int64("sequence", seq).Msg("Event already stored, returning existing sequence.")
		s.bump(ctx, statDuplicates, 1)
		existing, err := s.load(ctx, n.UserID, seq)
		if err == nil {
			return existing, nil
		}
		event.Sequence = seq
		event.Notification.Sequence = seq
		return event, nil
	}

	s.bump(ctx, statStored, 1)
	if evicted > 0 {
		log.Info().Int64("evicted", evicted).Msg("User event log reached capacity, oldest events evicted.")
		s.bump(ctx, statEvicted, evicted)
	}
	event.Sequence = seq
	event.Notification.Sequence = seq
	log.Debug().Int64("sequence", seq).Msg("Stored event.")
	return event, nil
}

// ReplayEvents returns events with a sequence greater than the resolved start.
func (s *RedisStore) ReplayEvents(ctx context.Context, q ReplayQuery) (ReplayResult, error) {
	if q.UserID == "" {
		return ReplayResult{}, notification.NewValidationError("eventstore.replay", "user id is required")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = s.cfg.ReplayLimit
	}
	if limit > s.cfg.MaxReplay {
		limit = s.cfg.MaxReplay
	}

	start, err := s.resolveStart(ctx, q)
	if err != nil {
		return ReplayResult{}, err
	}

	idxKey := s.key("idx", q.UserID)
	members, err := s.client.ZRangeByScoreWithScores(ctx, idxKey, &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(start, 10),
		Max:   "+inf",
		Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return ReplayResult{}, notification.NewDependencyError("eventstore.replay", err)
	}

	result := ReplayResult{FromSequence: start, ToSequence: start, Events: []notification.StoredEvent{}}
	if len(members) > limit {
		result.HasMore = true
		members = members[:limit]
	}
	if len(members) == 0 {
		return result, nil
	}

	events, err := s.loadMany(ctx, q.UserID, members)
	if err != nil {
		return ReplayResult{}, err
	}
	result.Events = events
	if n := len(events); n > 0 {
		result.ToSequence = events[n-1].Sequence
		s.bump(ctx, statReplayed, int64(n))
	}
	s.logger.Debug().Str("user", q.UserID).Int64("from", start).Int("count", len(events)).Bool("has_more", result.HasMore).Msg("Replayed events.")
	return result, nil
}

// resolveStart returns the sequence replay starts after. With both a last
// event id and a since bound the later start wins.
func (s *RedisStore) resolveStart(ctx context.Context, q ReplayQuery) (int64, error) {
	var start int64
	if q.LastEventID != "" {
		seq, err := s.client.HGet(ctx, s.key("ids", q.UserID), q.LastEventID).Int64()
		switch {
		case errors.Is(err, redis.Nil):
			// Unknown or evicted id: the client gets everything still retained.
		case err != nil:
			return 0, notification.NewDependencyError("eventstore.replay", err)
		default:
			start = seq
		}
	}
	if q.Since.IsZero() {
		return start, nil
	}
	after, err := s.sequenceAfter(ctx, q.UserID, q.Since)
	if err != nil {
		return 0, err
	}
	if after > start {
		start = after
	}
	return start, nil
}

// sequenceAfter walks the index for the last sequence created at or before
// since, so replay starts with the first event created after it.
func (s *RedisStore) sequenceAfter(ctx context.Context, userID string, since time.Time) (int64, error) {
	members, err := s.client.ZRangeByScoreWithScores(ctx, s.key("idx", userID), &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return 0, notification.NewDependencyError("eventstore.replay", err)
	}
	events, err := s.loadMany(ctx, userID, members)
	if err != nil {
		return 0, err
	}
	var start int64
	for _, e := range events {
		if !e.CreatedAt.After(since) {
			start = e.Sequence
			continue
		}
		break
	}
	return start, nil
}

// loadMany fetches the payloads for index members, dropping entries whose
// payload has expired.
func (s *RedisStore) loadMany(ctx context.Context, userID string, members []redis.Z) ([]notification.StoredEvent, error) {
	if len(members) == 0 {
		return nil, nil
	}
	prefix := s.eventPrefix(userID)
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = prefix + strconv.FormatInt(int64(m.Score), 10)
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, notification.NewDependencyError("eventstore.replay", err)
	}

	events := make([]notification.StoredEvent, 0, len(members))
	var expired []interface{}
	var expiredIDs []string
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, members[i].Member)
			if id, ok := members[i].Member.(string); ok {
				expiredIDs = append(expiredIDs, id)
			}
			continue
		}
		var e notification.StoredEvent
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			s.logger.Warn().Err(err).Str("user", userID).Str("key", keys[i]).Msg("Skipping unreadable stored event.")
			continue
		}
		seq := int64(members[i].Score)
		e.Sequence = seq
		e.Notification.Sequence = seq
		events = append(events, e)
	}

	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, s.key("idx", userID), expired...).Err(); err != nil {
			s.logger.Warn().Err(err).Str("user", userID).Msg("Failed to prune expired index entries.")
		}
		if err := s.client.HDel(ctx, s.key("ids", userID), expiredIDs...).Err(); err != nil {
			s.logger.Warn().Err(err).Str("user", userID).Msg("Failed to prune expired id entries.")
		}
		s.bump(ctx, statExpired, int64(len(expired)))
	}
	return events, nil
}

func (s *RedisStore) load(ctx context.Context, userID string, seq int64) (notification.StoredEvent, error) {
	str, err := s.client.Get(ctx, s.eventPrefix(userID)+strconv.FormatInt(seq, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return notification.StoredEvent{}, notification.NewNotFoundError("eventstore.load", "event not found")
	}
	if err != nil {
		return notification.StoredEvent{}, notification.NewDependencyError("eventstore.load", err)
	}
	var e notification.StoredEvent
	if err := json.Unmarshal([]byte(str), &e); err != nil {
		return notification.StoredEvent{}, fmt.Errorf("failed to unmarshal stored event: %w", err)
	}
	e.Sequence = seq
	e.Notification.Sequence = seq
	return e, nil
}

// MarkDelivered flags one event as delivered, keeping its TTL.
func (s *RedisStore) MarkDelivered(ctx context.Context, userID string, seq int64) error {
	e, err := s.load(ctx, userID, seq)
	if err != nil {
		return err
	}
	if e.Status == notification.EventDelivered {
		return nil
	}
	e.Status = notification.EventDelivered
	e.Sequence = 0
	e.Notification.Sequence = 0
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal stored event: %w", err)
	}
	if err := s.client.Set(ctx, s.eventPrefix(userID)+strconv.FormatInt(seq, 10), payload, redis.KeepTTL).Err(); err != nil {
		return notification.NewDependencyError("eventstore.mark", err)
	}
	return nil
}

// Stats returns the shared counters.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	m, err := s.client.HGetAll(ctx, s.statsKey()).Result()
	if err != nil {
		return Stats{}, notification.NewDependencyError("eventstore.stats", err)
	}
	parse := func(k string) int64 {
		v, _ := strconv.ParseInt(m[k], 10, 64)
		return v
	}
	return Stats{
		Stored:     parse(statStored),
		Duplicates: parse(statDuplicates),
		Evicted:    parse(statEvicted),
		Expired:    parse(statExpired),
		Replayed:   parse(statReplayed),
	}, nil
}

// UserStats returns the size and head of one user's log.
func (s *RedisStore) UserStats(ctx context.Context, userID string) (UserStats, error) {
	count, err := s.client.ZCard(ctx, s.key("idx", userID)).Result()
	if err != nil {
		return UserStats{}, notification.NewDependencyError("eventstore.userstats", err)
	}
	st := UserStats{UserID: userID, Count: count}
	seq, err := s.client.Get(ctx, s.key("seq", userID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return UserStats{}, notification.NewDependencyError("eventstore.userstats", err)
	}
	st.LastSequence = seq
	last, err := s.client.Get(ctx, s.key("last", userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return UserStats{}, notification.NewDependencyError("eventstore.userstats", err)
	}
	st.LastEventID = last
	return st, nil
}

// Cleanup prunes expired index entries for users this instance has written
// to. Users whose log is empty afterwards are forgotten.
func (s *RedisStore) Cleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	users := make([]string, 0, len(s.seen))
	for u := range s.seen {
		users = append(users, u)
	}
	s.mu.Unlock()

	var total int64
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		vals, err := pruneScript.Run(ctx, s.client, []string{s.key("idx", u), s.key("ids", u)}, s.eventPrefix(u)).Int64Slice()
		if err != nil {
			return total, notification.NewDependencyError("eventstore.cleanup", err)
		}
		if len(vals) != 2 {
			continue
		}
		total += vals[0]
		if vals[1] == 0 {
			s.mu.Lock()
			delete(s.seen, u)
			s.mu.Unlock()
		}
	}
	if total > 0 {
		s.bump(ctx, statExpired, total)
		s.logger.Info().Int64("pruned", total).Int("users", len(users)).Msg("Event store cleanup pruned expired entries.")
	}
	return total, nil
}

// RunCleanup calls Cleanup every interval until ctx ends.
func (s *RedisStore) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Event store cleanup failed.")
			}
		}
	}
}

func (s *RedisStore) markSeen(userID string) {
	s.mu.Lock()
	s.seen[userID] = struct{}{}
	s.mu.Unlock()
}

func (s *RedisStore) bump(ctx context.Context, field string, n int64) {
	if err := s.client.HIncrBy(ctx, s.statsKey(), field, n).Err(); err != nil {
		s.logger.Warn().Err(err).Str("field", field).Msg("Failed to update event store stats.")
	}
	s.recorder.RecordMetric("eventstore_events_total", float64(n), "result", field)
}
