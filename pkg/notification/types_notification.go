// Package notification contains the public domain models, error taxonomy and
// interfaces for the notification delivery service. It defines the contract
// producers and transports use to interact with the service.
package notification

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority ranks a notification for display and degradation purposes.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority maps a wire value to a Priority. An empty value is normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// DefaultTTL is the lifetime of a stored event when the producer does not set one.
const DefaultTTL = 2 * time.Hour

// Notification is a server-generated event addressed to a single user.
// Sequence is assigned by the event store and is zero until stored.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Priority  Priority        `json:"priority"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence,omitempty"`
	TTL       time.Duration   `json:"ttl,omitempty"`
}

// Validate checks the producer-supplied shape of a notification.
func (n *Notification) Validate() error {
	if n.UserID == "" {
		return NewValidationError("notification.validate", "userId is required")
	}
	if n.Title == "" && n.Message == "" {
		return NewValidationError("notification.validate", "title or message is required")
	}
	if _, err := ParsePriority(string(n.Priority)); err != nil {
		return NewValidationError("notification.validate", err.Error())
	}
	if n.TTL < 0 {
		return NewValidationError("notification.validate", "ttl cannot be negative")
	}
	return nil
}

// EventStatus is the lifecycle state of a StoredEvent.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventDelivered EventStatus = "delivered"
	EventExpired   EventStatus = "expired"
)

// StoredEvent is a notification persisted in the bounded replay log.
type StoredEvent struct {
	EventID      string       `json:"eventId"`
	UserID       string       `json:"userId"`
	Sequence     int64        `json:"sequence"`
	Notification Notification `json:"notification"`
	CreatedAt    time.Time    `json:"createdAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	Status       EventStatus  `json:"status"`
}

// ClientInfo describes the client side of a streaming connection.
type ClientInfo struct {
	IP        string `json:"ip"`
	UserAgent string `json:"userAgent"`
	Transport string `json:"transport"` // "sse" or "websocket"
}

// ConnectionInfo is the cross-instance metadata kept for a live connection.
// It is stored in the coordination store for stats and health only.
type ConnectionInfo struct {
	ConnectionID     string    `json:"connectionId"`
	UserID           string    `json:"userId"`
	ServerInstanceID string    `json:"serverInstanceId"`
	ConnectedAt      time.Time `json:"connectedAt"`
	Transport        string    `json:"transport"`
}

// Outcome reports what happened to a single delivery.
type Outcome struct {
	NotificationID   string `json:"notificationId"`
	UserID           string `json:"userId,omitempty"`
	Sequence         int64  `json:"sequence,omitempty"`
	Stored           bool   `json:"stored"`
	LocalConnections int    `json:"localConnections"`
	Published        bool   `json:"published"`
	Degraded         bool   `json:"degraded,omitempty"`
	// Error is set on batch outcomes whose delivery failed.
	Error string `json:"error,omitempty"`
}

// Role is a privilege level carried by an authenticated principal.
type Role string

const (
	RoleUser    Role = "user"
	RolePremium Role = "premium"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

// Principal is the pre-validated caller identity handed to the service by
// the authentication collaborator.
type Principal struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// IsPrivileged reports whether the principal can use admin operations and the
// degraded-auth connection path.
func (p Principal) IsPrivileged() bool {
	return p.Role == RoleAdmin || p.Role == RoleSystem
}
