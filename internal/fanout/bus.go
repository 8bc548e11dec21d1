// Package fanout replicates notifications between instances so every process
// holding a connection for a user can push to it. Delivery across the bus is
// best effort; clients reconcile gaps through replay.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// Kind separates per-user envelopes from broadcasts.
type Kind string

const (
	KindUser      Kind = "user"
	KindBroadcast Kind = "broadcast"
)

// Envelope is one notification travelling between instances.
type Envelope struct {
	Origin       string                    `json:"origin"`
	Kind         Kind                      `json:"kind"`
	UserID       string                    `json:"userId,omitempty"`
	Notification notification.Notification `json:"notification"`
	PublishedAt  time.Time                 `json:"publishedAt"`
}

// Handler receives envelopes published by other instances.
type Handler func(ctx context.Context, env Envelope)

// Bus is the cross-instance channel. Subscribe and Unsubscribe declare this
// instance's interest in a user and must return quickly.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(userID string) error
	Unsubscribe(userID string) error
	Run(ctx context.Context, h Handler) error
	Close() error
}

func encode(env Envelope) ([]byte, error) {
	if env.Kind == KindUser && env.UserID == "" {
		return nil, notification.NewValidationError("fanout.publish", "user envelope without user id")
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fanout envelope: %w", err)
	}
	return b, nil
}

func decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal fanout envelope: %w", err)
	}
	return env, nil
}
