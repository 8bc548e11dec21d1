package fanout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-service/internal/metrics"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

const (
	userChannelPrefix = "notif:user:"
	broadcastChannel  = "notif:broadcast"

	subscribeTimeout = 2 * time.Second
)

type redisPubSubClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisBus fans out over Redis pub/sub with one channel per user plus a
// broadcast channel. Only users with a local connection are subscribed.
type RedisBus struct {
	client     redisPubSubClient
	instanceID string
	recorder   metrics.Recorder
	logger     zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
}

// NewRedisBus subscribes to the broadcast channel.
func NewRedisBus(ctx context.Context, client redisPubSubClient, instanceID string, recorder metrics.Recorder, logger zerolog.Logger) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	ps := client.Subscribe(ctx, broadcastChannel)
	// Receive the subscription confirmation so connection problems surface here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", broadcastChannel, err)
	}
	return &RedisBus{
		client:     client,
		instanceID: instanceID,
		recorder:   recorder,
		logger:     logger.With().Str("component", "RedisBus").Str("instance", instanceID).Logger(),
		pubsub:     ps,
	}, nil
}

func userChannel(userID string) string { return userChannelPrefix + userID }

// Publish sends env to the user's channel or the broadcast channel.
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	env.Origin = b.instanceID
	payload, err := encode(env)
	if err != nil {
		return err
	}
	channel := broadcastChannel
	if env.Kind == KindUser {
		channel = userChannel(env.UserID)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return notification.NewDependencyError("fanout.publish", err)
	}
	b.recorder.RecordMetric("fanout_messages_total", 1, "direction", "out")
	return nil
}

// Subscribe starts receiving envelopes for userID.
func (b *RedisBus) Subscribe(userID string) error {
	return b.change(userID, true)
}

// Unsubscribe stops receiving envelopes for userID.
func (b *RedisBus) Unsubscribe(userID string) error {
	return b.change(userID, false)
}

func (b *RedisBus) change(userID string, subscribe bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	var err error
	if subscribe {
		err = b.pubsub.Subscribe(ctx, userChannel(userID))
	} else {
		err = b.pubsub.Unsubscribe(ctx, userChannel(userID))
	}
	if err != nil {
		return notification.NewDependencyError("fanout.subscribe", err)
	}
	return nil
}

// Run delivers envelopes from other instances until ctx ends or the bus closes.
func (b *RedisBus) Run(ctx context.Context, h Handler) error {
	ch := b.pubsub.Channel()
	b.logger.Info().Msg("Redis fan-out bus receiving.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Channel != broadcastChannel && !strings.HasPrefix(msg.Channel, userChannelPrefix) {
				continue
			}
			env, err := decode([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed fan-out message.")
				continue
			}
			if env.Origin == b.instanceID {
				continue
			}
			b.recorder.RecordMetric("fanout_messages_total", 1, "direction", "in")
			h(ctx, env)
		}
	}
}

// Close unsubscribes everything.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pubsub.Close()
}
