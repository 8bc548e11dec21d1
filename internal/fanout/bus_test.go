package fanout_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-notification-service/internal/fanout"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

func envelope(userID, id string) fanout.Envelope {
	return fanout.Envelope{
		Kind:   fanout.KindUser,
		UserID: userID,
		Notification: notification.Notification{
			ID: id, UserID: userID, Type: "info", Title: "t", Message: "m",
			Priority: notification.PriorityNormal, Timestamp: time.Now().UTC(),
		},
		PublishedAt: time.Now().UTC(),
	}
}

// runBus starts b and returns a channel of received envelopes.
func runBus(t *testing.T, ctx context.Context, b fanout.Bus) <-chan fanout.Envelope {
	t.Helper()
	out := make(chan fanout.Envelope, 16)
	go func() {
		_ = b.Run(ctx, func(_ context.Context, env fanout.Envelope) { out <- env })
	}()
	return out
}

func expect(t *testing.T, ch <-chan fanout.Envelope) fanout.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return fanout.Envelope{}
	}
}

func expectNone(t *testing.T, ch <-chan fanout.Envelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected envelope %s", env.Notification.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMemoryBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := fanout.NewHub()
	a, b := hub.Bus("instance-a"), hub.Bus("instance-b")
	assert.Same(t, a, hub.Bus("instance-a"))
	got := runBus(t, ctx, b)

	// 1. Without interest nothing arrives.
	require.NoError(t, a.Publish(ctx, envelope("user-1", "n1")))
	expectNone(t, got)

	// 2. With interest the envelope carries its origin.
	require.NoError(t, b.Subscribe("user-1"))
	require.NoError(t, a.Publish(ctx, envelope("user-1", "n2")))
	env := expect(t, got)
	assert.Equal(t, "n2", env.Notification.ID)
	assert.Equal(t, "instance-a", env.Origin)

	// 3. Broadcasts reach everyone.
	require.NoError(t, a.Publish(ctx, fanout.Envelope{Kind: fanout.KindBroadcast, Notification: notification.Notification{ID: "b1"}}))
	assert.Equal(t, "b1", expect(t, got).Notification.ID)

	// 4. A user envelope must name its user.
	err := a.Publish(ctx, fanout.Envelope{Kind: fanout.KindUser})
	assert.ErrorIs(t, err, notification.ErrValidation)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}

func TestRedisBus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return rdb
	}

	a, err := fanout.NewRedisBus(ctx, newClient(), "instance-a", nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := fanout.NewRedisBus(ctx, newClient(), "instance-b", nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	gotA := runBus(t, ctx, a)
	gotB := runBus(t, ctx, b)

	// 1. Only the subscribed instance receives the user's envelope.
	require.NoError(t, a.Subscribe("user-1"))
	require.NoError(t, b.Subscribe("user-1"))
	require.Eventually(t, func() bool { return mr.PubSubNumSub("notif:user:user-1")["notif:user:user-1"] == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, a.Publish(ctx, envelope("user-1", "n1")))
	env := expect(t, gotB)
	assert.Equal(t, "n1", env.Notification.ID)
	assert.Equal(t, "instance-a", env.Origin)

	// 2. The publisher ignores its own echo.
	expectNone(t, gotA)

	// 3. After unsubscribing the envelope no longer arrives.
	require.NoError(t, b.Unsubscribe("user-1"))
	require.Eventually(t, func() bool { return mr.PubSubNumSub("notif:user:user-1")["notif:user:user-1"] == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, a.Publish(ctx, envelope("user-1", "n2")))
	expectNone(t, gotB)

	// 4. Broadcasts reach the other instance.
	require.NoError(t, a.Publish(ctx, fanout.Envelope{Kind: fanout.KindBroadcast, Notification: notification.Notification{ID: "b1"}}))
	assert.Equal(t, "b1", expect(t, gotB).Notification.ID)
}

func TestRedisBus_RequiresClient(t *testing.T) {
	_, err := fanout.NewRedisBus(context.Background(), nil, "instance-a", nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestPubSubBus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)

	// Arrange: in-memory Pub/Sub server shared by two instances.
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	const projectID = "test-project"
	client, err := pubsub.NewClient(context.Background(), projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cfg := fanout.PubSubConfig{ProjectID: projectID, TopicID: "notification-fanout", DeleteOnClose: true}
	a, err := fanout.NewPubSubBus(ctx, client, "instance-a", cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	// Creating the same resources again is tolerated.
	b, err := fanout.NewPubSubBus(ctx, client, "instance-b", cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	gotA := runBus(t, ctx, a)
	gotB := runBus(t, ctx, b)
	require.NoError(t, b.Subscribe("user-1"))

	// Act: one envelope b wants, one nobody wants.
	require.NoError(t, a.Publish(ctx, envelope("user-2", "ignored")))
	require.NoError(t, a.Publish(ctx, envelope("user-1", "n1")))

	// Assert
	env := expect(t, gotB)
	assert.Equal(t, "n1", env.Notification.ID)
	assert.Equal(t, "instance-a", env.Origin)
	expectNone(t, gotA)

	// Close deletes the instance subscription.
	require.NoError(t, b.Close())
	subName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, "notification-fanout-instance-b")
	_, err = client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: subName})
	assert.Equal(t, codes.NotFound, status.Code(err))
}
