package notification

import "context"

// Producer is the surface consumed by the case-management domain. Calls are
// fire-and-forget from the caller's perspective: they return local or
// store-level failures only and never wait for client consumption.
type Producer interface {
	Deliver(ctx context.Context, userID string, n Notification) (Outcome, error)
	DeliverMany(ctx context.Context, userIDs []string, n Notification) ([]Outcome, error)
	Broadcast(ctx context.Context, n Notification) (Outcome, error)
}

// MetricsRecorder is the side-effect-only metrics collaborator.
type MetricsRecorder interface {
	RecordMetric(name string, value float64, labels ...string)
}
