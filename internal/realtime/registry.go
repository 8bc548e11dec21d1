package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-service/internal/breaker"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// DefaultMaxConnectionsPerUser bounds concurrent local connections per user.
const DefaultMaxConnectionsPerUser = 5

const presenceTimeout = time.Second

// InterestFunc is told when this instance gains its first connection for a
// user (true) or loses its last one (false). It runs under the registry lock
// so calls for one user never reorder; it must not block.
type InterestFunc func(userID string, interested bool)

// Registry is the in-process map of user to live connections.
type Registry struct {
	instanceID string
	presence   Presence
	breaker    *breaker.Breaker
	clock      clock.Clock
	logger     zerolog.Logger

	mu       sync.RWMutex
	byUser   map[string]map[string]*Connection
	byID     map[string]*Connection
	interest InterestFunc
}

// NewRegistry creates an empty registry. presence and b may be nil.
func NewRegistry(instanceID string, presence Presence, b *breaker.Breaker, clk clock.Clock, logger zerolog.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		instanceID: instanceID,
		presence:   presence,
		breaker:    b,
		clock:      clk,
		logger:     logger.With().Str("component", "ConnectionRegistry").Str("instance", instanceID).Logger(),
		byUser:     make(map[string]map[string]*Connection),
		byID:       make(map[string]*Connection),
	}
}

// InstanceID returns the id of the owning instance.
func (r *Registry) InstanceID() string { return r.instanceID }

// OnInterest sets the first/last connection hook.
func (r *Registry) OnInterest(fn InterestFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interest = fn
}

// Add registers c unless its user already holds limit connections.
func (r *Registry) Add(c *Connection, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxConnectionsPerUser
	}
	r.mu.Lock()
	conns := r.byUser[c.UserID]
	if len(conns) >= limit {
		r.mu.Unlock()
		return notification.NewConnectionLimitError(c.UserID, limit)
	}
	first := len(conns) == 0
	if conns == nil {
		conns = make(map[string]*Connection)
		r.byUser[c.UserID] = conns
	}
	conns[c.ID] = c
	r.byID[c.ID] = c
	if first && r.interest != nil {
		r.interest(c.UserID, true)
	}
	r.mu.Unlock()

	r.logger.Info().Str("user", c.UserID).Str("connection_id", c.ID).Str("transport", c.Client.Transport).Msg("User connected.")
	r.putPresence(c)
	return nil
}

// Remove unregisters connID. It reports the removed connection and whether
// it was its user's last local connection.
func (r *Registry) Remove(connID string) (*Connection, bool) {
	r.mu.Lock()
	c, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.byID, connID)
	conns := r.byUser[c.UserID]
	delete(conns, connID)
	last := len(conns) == 0
	if last {
		delete(r.byUser, c.UserID)
		if r.interest != nil {
			r.interest(c.UserID, false)
		}
	}
	r.mu.Unlock()

	r.logger.Info().Str("user", c.UserID).Str("connection_id", connID).Bool("last", last).Msg("User disconnected.")
	r.deletePresence(c)
	return c, last
}

// Get returns a connection by id.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[connID]
	return c, ok
}

// ForUser returns the user's local connections.
func (r *Registry) ForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// All returns every local connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// HasUser reports whether the user has any local connection.
func (r *Registry) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of local connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// UserCount returns the number of users with a local connection.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Snapshot returns the admin view of every connection, oldest first.
func (r *Registry) Snapshot() []Snapshot {
	all := r.All()
	out := make([]Snapshot, 0, len(all))
	for _, c := range all {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// ClusterCount returns the live connections across every instance, as seen
// by the coordination store.
func (r *Registry) ClusterCount(ctx context.Context) (int, error) {
	if r.presence == nil {
		return r.Count(), nil
	}
	return r.presence.Count(ctx)
}

// RefreshPresence rewrites the metadata of every local connection.
func (r *Registry) RefreshPresence() {
	for _, c := range r.All() {
		r.putPresence(c)
	}
}

// RunPresenceRefresh refreshes the mirrored metadata until ctx ends.
func (r *Registry) RunPresenceRefresh(ctx context.Context, interval time.Duration) {
	if r.presence == nil {
		return
	}
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshPresence()
		}
	}
}

func (r *Registry) putPresence(c *Connection) {
	if r.presence == nil {
		return
	}
	r.presenceCall(c, "write", func(ctx context.Context) error {
		return r.presence.Put(ctx, c.Info())
	})
}

func (r *Registry) deletePresence(c *Connection) {
	if r.presence == nil {
		return
	}
	r.presenceCall(c, "delete", func(ctx context.Context) error {
		return r.presence.Delete(ctx, r.instanceID, c.ID)
	})
}

func (r *Registry) presenceCall(c *Connection, op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	var err error
	if r.breaker != nil {
		err = r.breaker.Execute(ctx, fn)
	} else {
		err = fn(ctx)
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("user", c.UserID).Str("connection_id", c.ID).Str("op", op).Msg("Failed to mirror connection metadata.")
	}
}
