package fanout

import (
	"context"
	"sync"
)

// Hub connects in-process buses. A single instance deployment uses a hub with
// one member, where publishing reaches nobody.
type Hub struct {
	mu    sync.RWMutex
	buses map[string]*MemoryBus
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{buses: make(map[string]*MemoryBus)}
}

// Bus returns the member bus for instanceID, creating it on first use.
func (h *Hub) Bus(instanceID string) *MemoryBus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.buses[instanceID]; ok {
		return b
	}
	b := &MemoryBus{
		hub:        h,
		instanceID: instanceID,
		interest:   make(map[string]struct{}),
		inbox:      make(chan Envelope, 1024),
		done:       make(chan struct{}),
	}
	h.buses[instanceID] = b
	return b
}

func (h *Hub) members() []*MemoryBus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*MemoryBus, 0, len(h.buses))
	for _, b := range h.buses {
		out = append(out, b)
	}
	return out
}

// MemoryBus is a Bus whose peers live in the same process.
type MemoryBus struct {
	hub        *Hub
	instanceID string

	mu       sync.RWMutex
	interest map[string]struct{}
	inbox    chan Envelope
	done     chan struct{}
	closed   bool
}

// Publish delivers env to every other interested member. Members with a full
// inbox miss it.
func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	env.Origin = b.instanceID
	if _, err := encode(env); err != nil {
		return err
	}
	for _, peer := range b.hub.members() {
		if peer == b || !peer.wants(env) {
			continue
		}
		select {
		case peer.inbox <- env:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) wants(env Envelope) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	if env.Kind == KindBroadcast {
		return true
	}
	_, ok := b.interest[env.UserID]
	return ok
}

// Subscribe records interest in userID.
func (b *MemoryBus) Subscribe(userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interest[userID] = struct{}{}
	return nil
}

// Unsubscribe forgets interest in userID.
func (b *MemoryBus) Unsubscribe(userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.interest, userID)
	return nil
}

// Run hands inbox envelopes to h until ctx ends or the bus closes.
func (b *MemoryBus) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case env := <-b.inbox:
			h(ctx, env)
		}
	}
}

// Close detaches the bus from its hub.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	b.hub.mu.Lock()
	delete(b.hub.buses, b.instanceID)
	b.hub.mu.Unlock()
	return nil
}
