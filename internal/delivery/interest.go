package delivery

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-service/internal/fanout"
)

type interestOp struct {
	userID     string
	interested bool
}

// interestQueue applies bus subscriptions off the registry lock while
// keeping their order.
type interestQueue struct {
	bus    fanout.Bus
	logger zerolog.Logger

	mu   sync.Mutex
	ops  []interestOp
	wake chan struct{}
}

func newInterestQueue(bus fanout.Bus, logger zerolog.Logger) *interestQueue {
	return &interestQueue{bus: bus, logger: logger, wake: make(chan struct{}, 1)}
}

// push is a realtime.InterestFunc.
func (q *interestQueue) push(userID string, interested bool) {
	q.mu.Lock()
	q.ops = append(q.ops, interestOp{userID: userID, interested: interested})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *interestQueue) take() []interestOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := q.ops
	q.ops = nil
	return ops
}

func (q *interestQueue) run(ctx context.Context) {
	for {
		for _, op := range q.take() {
			q.apply(op)
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}

func (q *interestQueue) apply(op interestOp) {
	var err error
	if op.interested {
		err = q.bus.Subscribe(op.userID)
	} else {
		err = q.bus.Unsubscribe(op.userID)
	}
	if err != nil {
		q.logger.Warn().Err(err).Str("user", op.userID).Bool("interested", op.interested).Msg("Failed to update fan-out interest.")
	}
}
