package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tinywideclouds/go-notification-service/internal/metrics"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

const (
	attrOrigin = "origin"
	attrKind   = "kind"
	attrUser   = "user"

	// Pub/Sub rejects expiration policies shorter than a day.
	minSubscriptionTTL = 24 * time.Hour
)

// PubSubConfig names the shared topic and this instance's subscription.
type PubSubConfig struct {
	ProjectID          string
	TopicID            string
	SubscriptionPrefix string
	// SubscriptionTTL lets Pub/Sub collect subscriptions of instances that
	// died without cleaning up.
	SubscriptionTTL time.Duration
	// DeleteOnClose removes the subscription when the bus closes.
	DeleteOnClose bool
}

// pubsubTopicClient is the publishing half of a *pubsub.Publisher.
type pubsubTopicClient interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
}

// PubSubBus fans out over a single Google Cloud Pub/Sub topic. Every instance
// owns a subscription and drops envelopes for users it holds no connection for.
type PubSubBus struct {
	client         *pubsub.Client
	topic          pubsubTopicClient
	subscriptionID string
	subscription   string
	instanceID     string
	cfg            PubSubConfig
	recorder       metrics.Recorder
	logger         zerolog.Logger

	mu       sync.RWMutex
	interest map[string]struct{}
	closed   bool
}

// NewPubSubBus ensures the topic and this instance's subscription exist.
func NewPubSubBus(ctx context.Context, client *pubsub.Client, instanceID string, cfg PubSubConfig, recorder metrics.Recorder, logger zerolog.Logger) (*PubSubBus, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub fan-out requires a project and topic")
	}
	if cfg.SubscriptionPrefix == "" {
		cfg.SubscriptionPrefix = cfg.TopicID
	}
	if cfg.SubscriptionTTL < minSubscriptionTTL {
		cfg.SubscriptionTTL = minSubscriptionTTL
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	subID := cfg.SubscriptionPrefix + "-" + instanceID
	b := &PubSubBus{
		client:         client,
		subscriptionID: subID,
		subscription:   fmt.Sprintf("projects/%s/subscriptions/%s", cfg.ProjectID, subID),
		instanceID:     instanceID,
		cfg:            cfg,
		recorder:       recorder,
		logger:         logger.With().Str("component", "PubSubBus").Str("instance", instanceID).Logger(),
		interest:       make(map[string]struct{}),
	}
	if err := b.ensure(ctx); err != nil {
		return nil, err
	}
	b.topic = client.Publisher(cfg.TopicID)
	return b, nil
}

func (b *PubSubBus) topicName() string {
	return fmt.Sprintf("projects/%s/topics/%s", b.cfg.ProjectID, b.cfg.TopicID)
}

func (b *PubSubBus) ensure(ctx context.Context) error {
	_, err := b.client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: b.topicName()})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create fan-out topic %s: %w", b.cfg.TopicID, err)
	}
	_, err = b.client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:  b.subscription,
		Topic: b.topicName(),
		ExpirationPolicy: &pubsubpb.ExpirationPolicy{
			Ttl: durationpb.New(b.cfg.SubscriptionTTL),
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create fan-out subscription %s: %w", b.subscriptionID, err)
	}
	b.logger.Info().Str("topic", b.cfg.TopicID).Str("subscription", b.subscriptionID).Msg("Pub/Sub fan-out resources ready.")
	return nil
}

// Publish sends env to the shared topic and waits for the server ack.
func (b *PubSubBus) Publish(ctx context.Context, env Envelope) error {
	env.Origin = b.instanceID
	payload, err := encode(env)
	if err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			attrOrigin: b.instanceID,
			attrKind:   string(env.Kind),
			attrUser:   env.UserID,
		},
	}
	if _, err := b.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return notification.NewDependencyError("fanout.publish", err)
	}
	b.recorder.RecordMetric("fanout_messages_total", 1, "direction", "out")
	return nil
}

// Subscribe records local interest in userID.
func (b *PubSubBus) Subscribe(userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interest[userID] = struct{}{}
	return nil
}

// Unsubscribe forgets local interest in userID.
func (b *PubSubBus) Unsubscribe(userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.interest, userID)
	return nil
}

func (b *PubSubBus) wants(msg *pubsub.Message) bool {
	if msg.Attributes[attrOrigin] == b.instanceID {
		return false
	}
	if Kind(msg.Attributes[attrKind]) == KindBroadcast {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.interest[msg.Attributes[attrUser]]
	return ok
}

// Run receives from this instance's subscription until ctx ends.
func (b *PubSubBus) Run(ctx context.Context, h Handler) error {
	sub := b.client.Subscriber(b.subscriptionID)
	b.logger.Info().Msg("Pub/Sub fan-out bus receiving.")
	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		// Fan-out is best effort; redelivery would only duplicate what replay covers.
		msg.Ack()
		if !b.wants(msg) {
			return
		}
		env, err := decode(msg.Data)
		if err != nil {
			b.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Dropping malformed fan-out message.")
			return
		}
		b.recorder.RecordMetric("fanout_messages_total", 1, "direction", "in")
		h(ctx, env)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("fan-out subscription receive failed: %w", err)
	}
	return nil
}

// Close flushes pending publishes and optionally deletes the subscription.
func (b *PubSubBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.topic.Stop()
	if !b.cfg.DeleteOnClose {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := b.client.SubscriptionAdminClient.DeleteSubscription(ctx, &pubsubpb.DeleteSubscriptionRequest{Subscription: b.subscription})
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete fan-out subscription %s: %w", b.subscriptionID, err)
	}
	return nil
}
