package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/tinywideclouds/go-notification-service/internal/breaker"
	"github.com/tinywideclouds/go-notification-service/internal/degradation"
	"github.com/tinywideclouds/go-notification-service/internal/eventstore"
	"github.com/tinywideclouds/go-notification-service/internal/realtime"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// Connect registers a new stream for p. When lastEventID is set the missed
// events are queued before any live notification.
func (s *Service) Connect(ctx context.Context, p notification.Principal, client notification.ClientInfo, lastEventID string) (*realtime.Connection, error) {
	if p.UserID == "" {
		return nil, notification.NewValidationError("connect", "principal has no user id")
	}
	if s.closing.Load() {
		return nil, notification.NewFeatureDisabledError(string(degradation.FeatureRealtimeConnections), "server is shutting down")
	}

	limit := s.cfg.MaxConnectionsPerUser
	hbCfg := s.monitor.Config()
	if st, ok := s.strategy(degradation.FeatureRealtimeConnections); ok {
		switch st {
		case degradation.StrategyRejectNew:
			if !p.IsPrivileged() {
				s.metric("connections_rejected_total", 1, "reason", "degraded")
				return nil, notification.NewFeatureDisabledError(string(degradation.FeatureRealtimeConnections), "new connections are suspended")
			}
			limit = min(limit, s.cfg.DegradedConnectionsPerUser)
		case degradation.StrategyLimitPerUser:
			limit = min(limit, s.cfg.DegradedConnectionsPerUser)
		case degradation.StrategyReduceHeartbeat:
			hbCfg = hbCfg.Scaled(s.cfg.HeartbeatScale)
		}
	}

	conn := realtime.NewConnection(p, s.cfg.InstanceID, client, lastEventID, s.cfg.OutboundBuffer, s.clock.Now().UTC())
	replaying := lastEventID != ""
	if replaying {
		conn.BeginReplay()
	}
	if err := s.registry.Add(conn, limit); err != nil {
		s.metric("connections_rejected_total", 1, "reason", "limit")
		return nil, err
	}

	log := s.logger.With().Str("user", p.UserID).Str("connection_id", conn.ID).Logger()
	connected, err := realtime.NewFrame(realtime.EventConnected, "", 0, realtime.ConnectedPayload{
		ConnectionID:      conn.ID,
		InstanceID:        s.cfg.InstanceID,
		HeartbeatInterval: hbCfg.BaseInterval.Milliseconds(),
		Replaying:         replaying,
	})
	if err == nil {
		err = conn.Enqueue(connected)
	}
	if err != nil {
		s.Disconnect(conn.ID, "setup-failed")
		return nil, notification.NewConnectionError("connect", err)
	}

	if replaying {
		if err := s.replay(ctx, conn); err != nil {
			log.Warn().Err(err).Msg("Replay could not be queued, closing connection.")
			s.Disconnect(conn.ID, "replay-failed")
			return nil, notification.NewConnectionError("connect.replay", err)
		}
	}

	tracker := s.monitor.Track(conn.ID, hbCfg,
		func(seq int64, interval time.Duration) error {
			f, err := realtime.NewFrame(realtime.EventHeartbeat, "", 0, realtime.HeartbeatPayload{Seq: seq, Interval: interval.Milliseconds()})
			if err != nil {
				return err
			}
			return conn.Enqueue(f)
		},
		func(reason string) {
			s.Disconnect(conn.ID, "heartbeat-"+reason)
		},
	)
	conn.SetTracker(tracker)
	if conn.Closed() {
		// Torn down while starting up.
		s.monitor.Untrack(conn.ID)
		return nil, notification.NewConnectionError("connect", realtime.ErrClosed)
	}

	s.metric("connections_opened_total", 1, "transport", client.Transport)
	s.metric("connections_active", float64(s.registry.Count()))
	log.Debug().Bool("replay", replaying).Int("limit", limit).Msg("Connection established.")
	return conn, nil
}

// replay queues the events after the connection's last event id between
// replay-start and replay-end frames, then releases held live frames.
func (s *Service) replay(ctx context.Context, conn *realtime.Connection) error {
	q := eventstore.ReplayQuery{UserID: conn.UserID, LastEventID: conn.LastEventID, Limit: s.cfg.ReplayLimit}
	var staleReason string
	if st, ok := s.strategy(degradation.FeatureEventReplay); ok {
		switch st {
		case degradation.StrategyLimitReplay:
			q.Limit = min(q.Limit, s.cfg.DegradedReplayLimit)
		case degradation.StrategyRecentOnly:
			q.Limit = min(q.Limit, s.cfg.DegradedReplayLimit)
			q.Since = s.clock.Now().Add(-s.cfg.RecentOnlyWindow)
		case degradation.StrategySkipReplay:
			staleReason = "replay-disabled"
		}
	}

	var res eventstore.ReplayResult
	if staleReason == "" {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.ReplayTimeout)
		defer cancel()
		var err error
		res, err = breaker.Do(ctx, s.breakers.Get(breaker.EventStoreReplay),
			func(ctx context.Context) (eventstore.ReplayResult, error) {
				return s.store.ReplayEvents(ctx, q)
			},
			func(_ context.Context, err error) (eventstore.ReplayResult, error) {
				if notification.KindOf(err) == notification.KindValidation {
					return eventstore.ReplayResult{}, err
				}
				s.logger.Warn().Err(err).Str("user", conn.UserID).Msg("Replay unavailable, serving live events only.")
				return eventstore.ReplayResult{Stale: true}, nil
			},
		)
		if err != nil {
			return err
		}
		if res.Stale {
			staleReason = "replay-unavailable"
		}
	}

	start, err := realtime.NewFrame(realtime.EventReplayStart, "", 0, realtime.ReplayPayload{
		Count:        len(res.Events),
		FromSequence: res.FromSequence,
		ToSequence:   res.ToSequence,
		HasMore:      res.HasMore,
	})
	if err != nil {
		return err
	}
	if err := conn.EnqueueReplay(start); err != nil {
		return err
	}
	for _, ev := range res.Events {
		n := ev.Notification
		n.Sequence = ev.Sequence
		f, err := notificationFrame(n)
		if err != nil {
			return err
		}
		if err := conn.EnqueueReplay(f); err != nil && !errors.Is(err, realtime.ErrDuplicate) {
			return err
		}
	}
	end, err := realtime.NewFrame(realtime.EventReplayEnd, "", 0, realtime.ReplayPayload{
		Count:        len(res.Events),
		FromSequence: res.FromSequence,
		ToSequence:   res.ToSequence,
		HasMore:      res.HasMore,
	})
	if err != nil {
		return err
	}
	if err := conn.EnqueueReplay(end); err != nil {
		return err
	}
	if staleReason != "" {
		stale, err := realtime.NewFrame(realtime.EventStale, "", 0, realtime.StalePayload{Reason: staleReason, Scope: "replay"})
		if err != nil {
			return err
		}
		if err := conn.EnqueueReplay(stale); err != nil {
			return err
		}
	}
	s.metric("replayed_events_total", float64(len(res.Events)))
	return conn.EndReplay()
}

// Disconnect tears down a connection. It reports whether this call removed it.
func (s *Service) Disconnect(connectionID, reason string) bool {
	conn, _ := s.registry.Remove(connectionID)
	if conn == nil {
		return false
	}
	s.monitor.Untrack(connectionID)
	conn.Close(reason)
	s.metric("connections_closed_total", 1, "reason", reason)
	s.metric("connections_active", float64(s.registry.Count()))
	return true
}

// Acknowledge routes a client heartbeat ack. It reports whether seq matched
// the outstanding heartbeat.
func (s *Service) Acknowledge(connectionID string, seq int64) (bool, error) {
	if _, ok := s.registry.Get(connectionID); !ok {
		return false, notification.NewNotFoundError("acknowledge", "unknown connection "+connectionID)
	}
	return s.monitor.Ack(connectionID, seq), nil
}

// Touch records client activity on a connection.
func (s *Service) Touch(connectionID string) {
	s.monitor.Touch(connectionID)
}

// Connection returns a local connection by id.
func (s *Service) Connection(connectionID string) (*realtime.Connection, bool) {
	return s.registry.Get(connectionID)
}

// push queues f on every connection in conns. Connections that cannot keep
// up are dropped.
func (s *Service) push(conns []*realtime.Connection, f realtime.Frame) int {
	delivered := 0
	for _, c := range conns {
		err := c.Enqueue(f)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, realtime.ErrBufferFull):
			s.logger.Warn().Str("user", c.UserID).Str("connection_id", c.ID).Msg("Outbound buffer full, dropping connection.")
			s.counters.dropped.Add(1)
			s.metric("deliveries_dropped_total", 1)
			s.Disconnect(c.ID, "buffer-full")
		case errors.Is(err, realtime.ErrDuplicate):
			s.logger.Debug().Str("connection_id", c.ID).Int64("sequence", f.Seq).Msg("Dropped frame already queued on connection.")
		case errors.Is(err, realtime.ErrClosed):
		default:
			s.logger.Warn().Err(err).Str("connection_id", c.ID).Msg("Failed to queue frame.")
		}
	}
	return delivered
}

// notificationFrame carries an event id only for stored notifications, so a
// client's Last-Event-ID always names an event replay can resume from.
func notificationFrame(n notification.Notification) (realtime.Frame, error) {
	var id string
	if n.Sequence > 0 {
		id = n.ID
	}
	return realtime.NewFrame(realtime.EventNotification, id, n.Sequence, n)
}
