// Package realtime owns the live client connections of this instance: the
// in-process user to connection registry, the per-connection outbound queue
// and the SSE and WebSocket transports that drain it.
package realtime

import (
	"encoding/json"
	"fmt"
)

// EventType names a frame on the wire.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventNotification EventType = "notification"
	EventHeartbeat    EventType = "heartbeat"
	EventReplayStart  EventType = "replay-start"
	EventReplayEnd    EventType = "replay-end"
	EventStale        EventType = "stale"
	EventShutdown     EventType = "shutdown"
)

// Frame is one message to a client. Data is encoded once and shared by every
// connection the frame is pushed to. Seq is the per-user sequence of a
// notification frame and zero for control frames.
type Frame struct {
	ID    string
	Event EventType
	Seq   int64
	Data  json.RawMessage
}

// NewFrame encodes v as the frame payload.
func NewFrame(event EventType, id string, seq int64, v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s frame: %w", event, err)
	}
	return Frame{ID: id, Event: event, Seq: seq, Data: data}, nil
}

// ConnectedPayload is the body of the initial control frame.
type ConnectedPayload struct {
	ConnectionID      string `json:"connectionId"`
	InstanceID        string `json:"instanceId"`
	HeartbeatInterval int64  `json:"heartbeatInterval"`
	Replaying         bool   `json:"replaying"`
}

// HeartbeatPayload is the body of a heartbeat frame. Interval is in ms.
type HeartbeatPayload struct {
	Seq      int64 `json:"seq"`
	Interval int64 `json:"interval"`
}

// ReplayPayload brackets a replayed batch.
type ReplayPayload struct {
	Count        int   `json:"count"`
	FromSequence int64 `json:"fromSequence"`
	ToSequence   int64 `json:"toSequence"`
	HasMore      bool  `json:"hasMore"`
}

// StalePayload tells the client that part of what it sees came from a
// fallback and may be incomplete.
type StalePayload struct {
	Reason string `json:"reason"`
	Scope  string `json:"scope"`
}

// ShutdownPayload is the last frame a connection receives from this instance.
type ShutdownPayload struct {
	Reason    string `json:"reason"`
	Reconnect bool   `json:"reconnect"`
}
