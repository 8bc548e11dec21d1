package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// Presence mirrors connection metadata into the coordination store. The
// mirror is for stats and health only; delivery never reads it.
type Presence interface {
	Put(ctx context.Context, info notification.ConnectionInfo) error
	Delete(ctx context.Context, instanceID, connectionID string) error
	Count(ctx context.Context) (int, error)
}

type presenceClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// RedisPresence stores one key per connection under notif:conn:<instance>:<id>.
type RedisPresence struct {
	client presenceClient
	ttl    time.Duration
}

// NewRedisPresence is the constructor for the RedisPresence. ttl must exceed
// the refresh interval.
func NewRedisPresence(client presenceClient, ttl time.Duration) (*RedisPresence, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisPresence{client: client, ttl: ttl}, nil
}

func presenceKey(instanceID, connectionID string) string {
	return "notif:conn:" + instanceID + ":" + connectionID
}

// Put writes or refreshes one connection's metadata.
func (p *RedisPresence) Put(ctx context.Context, info notification.ConnectionInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal connection info: %w", err)
	}
	if err := p.client.Set(ctx, presenceKey(info.ServerInstanceID, info.ConnectionID), payload, p.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write connection info: %w", err)
	}
	return nil
}

// Delete removes one connection's metadata.
func (p *RedisPresence) Delete(ctx context.Context, instanceID, connectionID string) error {
	if err := p.client.Del(ctx, presenceKey(instanceID, connectionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete connection info: %w", err)
	}
	return nil
}

// Count returns the number of live connections across all instances.
func (p *RedisPresence) Count(ctx context.Context) (int, error) {
	var cursor uint64
	total := 0
	for {
		keys, next, err := p.client.Scan(ctx, cursor, "notif:conn:*", 500).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan connection info: %w", err)
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}
