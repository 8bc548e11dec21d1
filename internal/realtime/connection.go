package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-notification-service/internal/heartbeat"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// DefaultOutboundBuffer is the per-connection queue size.
const DefaultOutboundBuffer = 256

var (
	// ErrBufferFull is returned by Enqueue when the client is not keeping up.
	ErrBufferFull = errors.New("outbound buffer full")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("connection closed")
	// ErrDuplicate is returned when a notification frame at or below the last
	// queued sequence is dropped.
	ErrDuplicate = errors.New("duplicate sequence")
)

// Stream writes frames to one client transport.
type Stream interface {
	WriteFrame(f Frame) error
	Close() error
}

// Connection is one live client stream owned by this instance. A single
// writer goroutine (Run) owns the transport; producers only enqueue.
type Connection struct {
	ID          string
	UserID      string
	InstanceID  string
	Principal   notification.Principal
	Client      notification.ClientInfo
	ConnectedAt time.Time
	LastEventID string

	outbound chan Frame
	done     chan struct{}

	mu          sync.Mutex
	closed      bool
	closeReason string
	replaying   bool
	pending     []Frame
	lastSeq     int64
	tracker     *heartbeat.Tracker
	delivered   int64
}

// NewConnection creates an open connection with an empty queue.
func NewConnection(p notification.Principal, instanceID string, client notification.ClientInfo, lastEventID string, buffer int, now time.Time) *Connection {
	if buffer <= 0 {
		buffer = DefaultOutboundBuffer
	}
	return &Connection{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		InstanceID:  instanceID,
		Principal:   p,
		Client:      client,
		ConnectedAt: now,
		LastEventID: lastEventID,
		outbound:    make(chan Frame, buffer),
		done:        make(chan struct{}),
	}
}

// Done is closed when the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// SetTracker attaches the heartbeat tracker stopped by Close.
func (c *Connection) SetTracker(t *heartbeat.Tracker) {
	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.tracker = t
	}
	c.mu.Unlock()
	if closed {
		t.Stop()
	}
}

// Tracker returns the attached heartbeat tracker, if any.
func (c *Connection) Tracker() *heartbeat.Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker
}

// BeginReplay holds live notification frames back until EndReplay.
func (c *Connection) BeginReplay() {
	c.mu.Lock()
	c.replaying = true
	c.mu.Unlock()
}

// EndReplay releases held frames that the replay did not already cover.
func (c *Connection) EndReplay() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = false
	held := c.pending
	c.pending = nil
	for _, f := range held {
		if err := c.enqueueLocked(f); err != nil && !errors.Is(err, ErrDuplicate) {
			return err
		}
	}
	return nil
}

// EnqueueReplay queues a replayed frame ahead of held live frames.
func (c *Connection) EnqueueReplay(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(f)
}

// Enqueue queues f without blocking. Notification frames at or below the
// last queued sequence are dropped with ErrDuplicate.
func (c *Connection) Enqueue(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.replaying && f.Event == EventNotification {
		c.pending = append(c.pending, f)
		return nil
	}
	return c.enqueueLocked(f)
}

func (c *Connection) enqueueLocked(f Frame) error {
	if c.closed {
		return ErrClosed
	}
	if f.Event == EventNotification && f.Seq > 0 {
		if f.Seq <= c.lastSeq {
			return ErrDuplicate
		}
	}
	select {
	case c.outbound <- f:
		if f.Event == EventNotification && f.Seq > 0 {
			c.lastSeq = f.Seq
		}
		if f.Event == EventNotification {
			c.delivered++
		}
		return nil
	default:
		return ErrBufferFull
	}
}

// LastSequence returns the highest notification sequence queued.
func (c *Connection) LastSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Delivered returns the number of notification frames queued.
func (c *Connection) Delivered() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered
}

// Close tears the connection down and stops its heartbeat. It reports
// whether this call did the teardown. The tracker is stopped after the lock
// is released because its tick enqueues through this connection.
func (c *Connection) Close(reason string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.closeReason = reason
	c.pending = nil
	tracker := c.tracker
	close(c.done)
	c.mu.Unlock()

	if tracker != nil {
		tracker.Stop()
	}
	return true
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseReason returns the reason given to Close.
func (c *Connection) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Run drains the queue into s until the connection closes, ctx ends or a
// write fails. Frames already queued when Close is called are still written.
func (c *Connection) Run(ctx context.Context, s Stream) error {
	for {
		select {
		case f := <-c.outbound:
			if err := s.WriteFrame(f); err != nil {
				return notification.NewConnectionError("realtime.write", err)
			}
		case <-c.done:
			c.drain(s)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) drain(s Stream) {
	for {
		select {
		case f := <-c.outbound:
			if err := s.WriteFrame(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Info is the metadata mirrored to the coordination store.
func (c *Connection) Info() notification.ConnectionInfo {
	return notification.ConnectionInfo{
		ConnectionID:     c.ID,
		UserID:           c.UserID,
		ServerInstanceID: c.InstanceID,
		ConnectedAt:      c.ConnectedAt,
		Transport:        c.Client.Transport,
	}
}

// Snapshot is the admin view of one connection.
type Snapshot struct {
	ConnectionID string          `json:"connectionId"`
	UserID       string          `json:"userId"`
	InstanceID   string          `json:"instanceId"`
	Transport    string          `json:"transport"`
	ConnectedAt  time.Time       `json:"connectedAt"`
	LastEventID  string          `json:"lastEventId,omitempty"`
	LastSequence int64           `json:"lastSequence"`
	Delivered    int64           `json:"delivered"`
	Queued       int             `json:"queued"`
	Heartbeat    heartbeat.Stats `json:"heartbeat"`
}

// Snapshot returns the current admin view.
func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		ConnectionID: c.ID,
		UserID:       c.UserID,
		InstanceID:   c.InstanceID,
		Transport:    c.Client.Transport,
		ConnectedAt:  c.ConnectedAt,
		LastEventID:  c.LastEventID,
		LastSequence: c.lastSeq,
		Delivered:    c.delivered,
		Queued:       len(c.outbound),
	}
	tracker := c.tracker
	c.mu.Unlock()
	if tracker != nil {
		s.Heartbeat = tracker.Stats()
	}
	return s
}
