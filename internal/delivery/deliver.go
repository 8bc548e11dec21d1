package delivery

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-notification-service/internal/breaker"
	"github.com/tinywideclouds/go-notification-service/internal/degradation"
	"github.com/tinywideclouds/go-notification-service/internal/fanout"
	"github.com/tinywideclouds/go-notification-service/internal/ratelimit"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// Deliver stores n for userID, pushes it to the user's local connections and
// publishes it to the other instances.
func (s *Service) Deliver(ctx context.Context, userID string, n notification.Notification) (outcome notification.Outcome, err error) {
	started := s.clock.Now()
	defer func() { s.observe(started, err) }()

	n, err = s.prepare(userID, n)
	if err != nil {
		return notification.Outcome{}, err
	}
	if err := s.admit(ctx); err != nil {
		return notification.Outcome{NotificationID: n.ID, UserID: userID}, err
	}
	return s.deliver(ctx, n)
}

// DeliverMany delivers n to each user with bounded concurrency. Every user
// gets a fresh notification id. Outcomes line up with userIDs and carry the
// per-user error; the returned error joins them.
func (s *Service) DeliverMany(ctx context.Context, userIDs []string, n notification.Notification) ([]notification.Outcome, error) {
	outcomes := make([]notification.Outcome, len(userIDs))
	errs := make([]error, len(userIDs))

	var g errgroup.Group
	g.SetLimit(s.cfg.DeliverManyConcurrency)
	for i, userID := range userIDs {
		g.Go(func() error {
			m := n
			m.ID = ""
			m.Sequence = 0
			outcomes[i], errs[i] = s.Deliver(ctx, userID, m)
			if errs[i] != nil {
				outcomes[i].UserID = userID
				outcomes[i].Error = errs[i].Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, errors.Join(errs...)
}

// Broadcast pushes n to every local connection and to the other instances.
// Broadcasts have no per-user sequence and are not stored.
func (s *Service) Broadcast(ctx context.Context, n notification.Notification) (outcome notification.Outcome, err error) {
	started := s.clock.Now()
	defer func() { s.observe(started, err) }()

	n.UserID = ""
	n.Sequence = 0
	check := n
	check.UserID = "*"
	if err := check.Validate(); err != nil {
		return notification.Outcome{}, err
	}
	n = s.fill(n)
	if err := s.admit(ctx); err != nil {
		return notification.Outcome{NotificationID: n.ID}, err
	}
	n, degraded := s.shape(n)

	f, err := notificationFrame(n)
	if err != nil {
		return notification.Outcome{}, err
	}
	outcome = notification.Outcome{
		NotificationID:   n.ID,
		LocalConnections: s.push(s.registry.All(), f),
		Degraded:         degraded,
	}
	outcome.Published = s.publishAsync(fanout.Envelope{Kind: fanout.KindBroadcast, Notification: n, PublishedAt: s.clock.Now().UTC()})
	s.metric("broadcasts_total", 1)
	return outcome, nil
}

func (s *Service) fill(n notification.Notification) notification.Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = s.clock.Now().UTC()
	}
	if n.Priority == "" {
		n.Priority = notification.PriorityNormal
	}
	return n
}

func (s *Service) prepare(userID string, n notification.Notification) (notification.Notification, error) {
	if userID == "" {
		userID = n.UserID
	}
	n.UserID = userID
	n.Sequence = 0
	if err := n.Validate(); err != nil {
		return n, err
	}
	return s.fill(n), nil
}

// admit applies the producer rate limit. The caller's principal picks the
// profile; callers without one use the configured producer profile.
func (s *Service) admit(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	profile := s.cfg.ProducerProfile
	identifier := "producer"
	if p, ok := notification.PrincipalFromContext(ctx); ok {
		profile = ratelimit.ProfileForRole(p.Role)
		identifier = "producer:" + p.UserID
	}
	res, err := s.limiter.Check(ctx, profile, identifier, "")
	if err != nil {
		return err
	}
	if !res.Allowed {
		s.metric("deliveries_rate_limited_total", 1, "profile", string(profile))
		return notification.NewRateLimitError("deliver", res.RetryAfter)
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, n notification.Notification) (notification.Outcome, error) {
	n, degraded := s.shape(n)
	outcome := notification.Outcome{NotificationID: n.ID, UserID: n.UserID, Degraded: degraded}
	log := s.logger.With().Str("user", n.UserID).Str("notification_id", n.ID).Logger()

	stored, err := s.storeEvent(ctx, n)
	switch {
	case err == nil:
		n.Sequence = stored.Sequence
		outcome.Sequence = stored.Sequence
		outcome.Stored = true
	case notification.KindOf(err) == notification.KindValidation:
		return outcome, err
	default:
		// Live delivery still goes ahead; replay is not guaranteed for it.
		log.Warn().Err(err).Msg("Event store write failed, delivering live only.")
		outcome.Degraded = true
		s.counters.storeFailures.Add(1)
		s.metric("eventstore_write_failures_total", 1, "kind", notification.KindOf(err).String())
	}

	f, err := notificationFrame(n)
	if err != nil {
		return outcome, err
	}
	outcome.LocalConnections = s.push(s.registry.ForUser(n.UserID), f)
	outcome.Published = s.publishAsync(fanout.Envelope{Kind: fanout.KindUser, UserID: n.UserID, Notification: n, PublishedAt: s.clock.Now().UTC()})

	s.counters.delivered.Add(1)
	s.metric("deliveries_total", 1, "stored", boolLabel(outcome.Stored))
	log.Debug().Int64("sequence", outcome.Sequence).Int("local", outcome.LocalConnections).Bool("stored", outcome.Stored).Msg("Notification delivered.")
	return outcome, nil
}

func (s *Service) storeEvent(ctx context.Context, n notification.Notification) (notification.StoredEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	var stored notification.StoredEvent
	err := s.breakers.Get(breaker.EventStoreWrite).Execute(ctx, func(ctx context.Context) error {
		// The store is idempotent per notification id, so retrying is safe.
		return breaker.Retry(ctx, s.cfg.StoreRetry, func(ctx context.Context) error {
			ev, err := s.store.StoreEvent(ctx, n, n.TTL)
			if err != nil {
				return err
			}
			stored = ev
			return nil
		})
	})
	return stored, err
}

// publishAsync hands env to the bus in the background. It reports whether a
// publish was attempted.
func (s *Service) publishAsync(env fanout.Envelope) bool {
	strategy := "normal"
	if st, ok := s.strategy(degradation.FeatureCrossInstanceFanout); ok {
		if st == degradation.StrategyLocalOnly {
			s.metric("fanout_skipped_total", 1, "reason", string(st))
			return false
		}
		// batch and redis-only publish as usual; the label records them.
		strategy = string(st)
	}
	if s.closing.Load() {
		return false
	}
	// Recorded past metric degradation, which would sample or strip the label.
	s.recorder.RecordMetric("fanout_publishes_total", 1, "fanout_strategy", strategy)
	env.Origin = s.cfg.InstanceID
	s.publishes.Add(1)
	go func() {
		defer s.publishes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		defer cancel()
		err := s.breakers.Get(breaker.FanoutPublish).Execute(ctx, func(ctx context.Context) error {
			return breaker.Retry(ctx, s.cfg.PublishRetry, func(ctx context.Context) error {
				return s.bus.Publish(ctx, env)
			})
		})
		if err != nil {
			s.counters.publishFailures.Add(1)
			s.logger.Warn().Err(err).Str("user", env.UserID).Str("notification_id", env.Notification.ID).Msg("Cross-instance publish failed.")
			s.metric("fanout_publish_failures_total", 1)
			return
		}
		s.counters.published.Add(1)
	}()
	return true
}

// handleRemote pushes envelopes from other instances to local connections.
// They are never stored or published again.
func (s *Service) handleRemote(_ context.Context, env fanout.Envelope) {
	if env.Origin == s.cfg.InstanceID {
		return
	}
	f, err := notificationFrame(env.Notification)
	if err != nil {
		s.logger.Warn().Err(err).Str("origin", env.Origin).Msg("Dropping undeliverable remote envelope.")
		return
	}
	var n int
	switch env.Kind {
	case fanout.KindBroadcast:
		n = s.push(s.registry.All(), f)
	default:
		n = s.push(s.registry.ForUser(env.UserID), f)
	}
	s.counters.remote.Add(1)
	s.metric("remote_deliveries_total", 1, "kind", string(env.Kind))
	s.logger.Debug().Str("origin", env.Origin).Str("user", env.UserID).Int("local", n).Msg("Delivered remote envelope.")
}

// shape applies the rich-payloads fallback. It reports whether n changed.
func (s *Service) shape(n notification.Notification) (notification.Notification, bool) {
	st, ok := s.strategy(degradation.FeatureRichPayloads)
	if !ok {
		return n, false
	}
	switch st {
	case degradation.StrategySimplify:
		if r := []rune(n.Message); len(r) > s.cfg.SimplifiedMessageLength {
			n.Message = string(r[:s.cfg.SimplifiedMessageLength])
		}
	case degradation.StrategyStripData:
		n.Data = nil
	case degradation.StrategyTitleOnly:
		n.Data = nil
		if n.Title != "" {
			n.Message = ""
		}
	}
	return n, true
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
