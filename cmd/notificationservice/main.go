// Main entrypoint for the notification service. Handles config loading,
// dependency injection, and starting the application.
package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-notification-service/internal/api"
	"github.com/tinywideclouds/go-notification-service/internal/app"
	"github.com/tinywideclouds/go-notification-service/internal/auth"
	"github.com/tinywideclouds/go-notification-service/internal/breaker"
	"github.com/tinywideclouds/go-notification-service/internal/degradation"
	"github.com/tinywideclouds/go-notification-service/internal/delivery"
	"github.com/tinywideclouds/go-notification-service/internal/eventstore"
	"github.com/tinywideclouds/go-notification-service/internal/fanout"
	"github.com/tinywideclouds/go-notification-service/internal/heartbeat"
	"github.com/tinywideclouds/go-notification-service/internal/metrics"
	"github.com/tinywideclouds/go-notification-service/internal/ratelimit"
	"github.com/tinywideclouds/go-notification-service/internal/realtime"
	"github.com/tinywideclouds/go-notification-service/notificationservice"
	"github.com/tinywideclouds/go-notification-service/notificationservice/config"
)

//go:embed config.yaml
var configFile []byte

func main() {
	// --- 1. Setup structured logging ---
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "go-notification-service").Logger()

	// --- 2. Load Configuration (Stage 0: Unmarshal) ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Fatal().Err(err).Msg("Failed to unmarshal embedded yaml config.")
	}

	// --- 3. Build Base Config (Stage 1: YAML to Base Struct) ---
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build base configuration from YAML.")
	}

	// --- 4. Apply Overrides & Validate (Stage 2: Env Vars) ---
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration with environment overrides.")
	}
	logger = logger.With().Str("instance", cfg.InstanceID).Logger()

	// --- 5. Create dependencies ---
	ctx := context.Background()
	deps, tasks, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies.")
	}

	// --- 6. Create Authentication Middleware ---
	authMiddleware, err := newAuthMiddleware(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize authentication middleware.")
	}

	// --- 7. Create the service ---
	service, err := notificationservice.New(cfg, deps, authMiddleware, logger.With().Str("component", "NotificationService").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create notification service.")
	}

	// --- 8. Run the application ---
	if err := app.Run(ctx, logger, cfg.ShutdownTimeout, service, tasks...); err != nil {
		logger.Error().Err(err).Msg("Service stopped with errors.")
		os.Exit(1)
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// newDependencies builds every component and the background loops that keep
// them current.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*notificationservice.Dependencies, []app.Task, error) {
	recorder := metrics.NewPrometheusRecorder(logger)

	logger.Debug().Str("addr", cfg.Redis.Addr).Msg("Connecting to Redis.")
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis.")

	breakers := breaker.NewRegistry(breaker.DefaultOptions(), nil, nil, recorder, logger)

	store, err := eventstore.NewRedisStore(rdb, eventstore.Config{
		DefaultTTL:   cfg.EventStore.DefaultTTL,
		MaxPerUser:   cfg.EventStore.MaxPerUser,
		ReplayLimit:  cfg.EventStore.ReplayLimit,
		MaxReplay:    cfg.EventStore.MaxReplay,
		KeyNamespace: cfg.EventStore.KeyNamespace,
	}, recorder, nil, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create event store: %w", err)
	}

	limiter, err := ratelimit.New(rdb, ratelimit.Config{
		Rules:           cfg.RateLimit.Rules,
		StaticWhitelist: cfg.RateLimit.Whitelist,
		RefreshInterval: cfg.RateLimit.RefreshInterval,
	}, breakers, recorder, nil, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	presence, err := realtime.NewRedisPresence(rdb, cfg.Presence.TTL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create presence store: %w", err)
	}
	registry := realtime.NewRegistry(cfg.InstanceID, presence, breakers.Get(breaker.PresenceWrite), nil, logger)

	bus, err := newBus(ctx, cfg, rdb, recorder, logger)
	if err != nil {
		return nil, nil, err
	}

	// The sampler reads the delivery counters, which exist only once the
	// service is built.
	traffic := &trafficRef{}
	sampler := degradation.NewSystemSampler(traffic, breakers, nil)
	controller := degradation.NewController(degradation.Config{
		EvaluationInterval: cfg.Degradation.EvaluationInterval,
		RecoveryPeriod:     cfg.Degradation.RecoveryPeriod,
		HistorySize:        cfg.Degradation.HistorySize,
	}, sampler, nil, recorder, logger)

	svc, err := delivery.New(delivery.Config{
		InstanceID:            cfg.InstanceID,
		MaxConnectionsPerUser: cfg.Delivery.MaxConnectionsPerUser,
		OutboundBuffer:        cfg.Delivery.OutboundBuffer,
		ReplayLimit:           cfg.EventStore.ReplayLimit,
	}, delivery.Dependencies{
		Store:       store,
		Bus:         bus,
		Breakers:    breakers,
		Registry:    registry,
		Monitor:     heartbeat.NewMonitor(cfg.Heartbeat, nil, recorder, logger),
		Limiter:     limiter,
		Degradation: controller,
		Recorder:    recorder,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create delivery service: %w", err)
	}
	traffic.svc = svc

	logger.Debug().Msg("All production dependencies initialized.")

	deps := &notificationservice.Dependencies{
		Delivery:    svc,
		Limiter:     limiter,
		Breakers:    breakers,
		Degradation: controller,
		Metrics:     recorder.Handler(),
		Checks: map[string]api.Check{
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	}
	tasks := []app.Task{
		{Name: "delivery", Run: svc.Run},
		{Name: "degradation", Run: loop(controller.Run)},
		{Name: "ratelimit-whitelist", Run: loop(limiter.Run)},
		{Name: "eventstore-cleanup", Run: loop(func(ctx context.Context) {
			store.RunCleanup(ctx, orDefault(cfg.EventStore.CleanupInterval, 5*time.Minute))
		})},
		{Name: "presence-refresh", Run: loop(func(ctx context.Context) {
			registry.RunPresenceRefresh(ctx, orDefault(cfg.Presence.RefreshInterval, 30*time.Second))
		})},
	}
	return deps, tasks, nil
}

// loop adapts a run-until-done function to an app task.
func loop(run func(ctx context.Context)) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		run(ctx)
		return nil
	}
}

type trafficRef struct {
	svc *delivery.Service
}

func (t *trafficRef) Traffic() degradation.Traffic {
	if t.svc == nil {
		return degradation.Traffic{}
	}
	return t.svc.Traffic()
}

// newBus creates the pluggable fan-out bus based on config.
func newBus(ctx context.Context, cfg *config.AppConfig, rdb *redis.Client, recorder metrics.Recorder, logger zerolog.Logger) (fanout.Bus, error) {
	logger.Info().Str("type", cfg.Fanout.Type).Msg("Initializing fan-out bus...")
	switch cfg.Fanout.Type {
	case config.FanoutRedis:
		bus, err := fanout.NewRedisBus(ctx, rdb, cfg.InstanceID, recorder, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis fan-out bus: %w", err)
		}
		return bus, nil

	case config.FanoutPubSub:
		logger.Debug().Str("project_id", cfg.ProjectID).Msg("Connecting to PubSub.")
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
		}
		bus, err := fanout.NewPubSubBus(ctx, client, cfg.InstanceID, fanout.PubSubConfig{
			ProjectID:          cfg.ProjectID,
			TopicID:            cfg.Fanout.PubSub.TopicID,
			SubscriptionPrefix: cfg.Fanout.PubSub.SubscriptionPrefix,
			SubscriptionTTL:    cfg.Fanout.PubSub.SubscriptionTTL,
			DeleteOnClose:      cfg.Fanout.PubSub.DeleteOnClose,
		}, recorder, logger)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to create pubsub fan-out bus: %w", err)
		}
		return bus, nil

	case config.FanoutLocal:
		logger.Warn().Msg("Using in-process fan-out; notifications will not reach other instances.")
		return fanout.NewHub().Bus(cfg.InstanceID), nil

	default:
		return nil, fmt.Errorf("invalid fanout type: %s", cfg.Fanout.Type)
	}
}

// newAuthMiddleware picks JWT validation or gateway-forwarded identity.
func newAuthMiddleware(cfg *config.AppConfig, logger zerolog.Logger) (auth.Middleware, error) {
	switch cfg.Auth.Mode {
	case config.AuthHeader:
		logger.Warn().Msg("Trusting forwarded identity headers; the service must sit behind a gateway.")
		return auth.NewHeaderMiddleware(logger), nil
	default:
		return auth.NewJWTMiddleware([]byte(cfg.Auth.JWTSecret), logger)
	}
}
