package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-service/internal/heartbeat"
	"github.com/tinywideclouds/go-notification-service/internal/ratelimit"
)

const (
	FanoutRedis  = "redis"
	FanoutPubSub = "pubsub"
	FanoutLocal  = "local"

	AuthJWT    = "jwt"
	AuthHeader = "header"

	defaultShutdownTimeout = 15 * time.Second
)

// RateLimitConfig is the validated limiter section.
type RateLimitConfig struct {
	Whitelist       []string
	RefreshInterval time.Duration
	Rules           map[ratelimit.Profile]ratelimit.Rule
}

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID       string
	InstanceID      string
	APIPort         string
	ShutdownTimeout time.Duration
	Redis           YamlRedisConfig
	Fanout          YamlFanoutConfig
	Auth            YamlAuthConfig
	AllowedOrigins  []string
	EventStore      YamlEventStoreConfig
	Delivery        YamlDeliveryConfig
	Presence        YamlPresenceConfig
	Heartbeat       heartbeat.Config
	Degradation     YamlDegradationConfig
	RateLimit       RateLimitConfig
}

// splitList splits a comma separated env value, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
// This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	override := func(key string, apply func(string)) {
		if v := os.Getenv(key); v != "" {
			logger.Debug().Str("key", key).Str("source", "env").Msg("Overriding config value.")
			apply(v)
		}
	}
	override("GCP_PROJECT_ID", func(v string) { cfg.ProjectID = v })
	override("INSTANCE_ID", func(v string) { cfg.InstanceID = v })
	override("API_PORT", func(v string) { cfg.APIPort = v })
	override("REDIS_ADDR", func(v string) { cfg.Redis.Addr = v })
	override("REDIS_PASSWORD", func(v string) { cfg.Redis.Password = v })
	override("FANOUT_TYPE", func(v string) { cfg.Fanout.Type = strings.ToLower(v) })
	override("JWT_SECRET", func(v string) { cfg.Auth.JWTSecret = v })
	override("AUTH_MODE", func(v string) { cfg.Auth.Mode = strings.ToLower(v) })
	override("CORS_ALLOWED_ORIGINS", func(v string) { cfg.AllowedOrigins = splitList(v) })
	override("RATE_LIMIT_WHITELIST", func(v string) { cfg.RateLimit.Whitelist = splitList(v) })

	// 2. Defaults
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		logger.Debug().Str("instance_id", cfg.InstanceID).Msg("No instance id configured, generated one.")
	}
	if cfg.Fanout.Type == "" {
		cfg.Fanout.Type = FanoutRedis
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = AuthJWT
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	// 3. Final Validation
	if err := validate(cfg); err != nil {
		logger.Error().Err(err).Msg("Final config validation failed.")
		return nil, err
	}

	logger.Debug().Msg("Configuration finalized and validated successfully.")
	return cfg, nil
}

func validate(cfg *AppConfig) error {
	if cfg.APIPort == "" {
		return fmt.Errorf("API_PORT is not set in config or env var")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is not set in config or env var")
	}
	switch cfg.Fanout.Type {
	case FanoutRedis, FanoutLocal:
	case FanoutPubSub:
		if cfg.ProjectID == "" {
			return fmt.Errorf("GCP_PROJECT_ID is not set but fanout type is pubsub")
		}
		if cfg.Fanout.PubSub.TopicID == "" {
			return fmt.Errorf("fanout.pubsub.topic_id is required for pubsub fanout")
		}
	default:
		return fmt.Errorf("invalid fanout type: %s (must be 'redis', 'pubsub' or 'local')", cfg.Fanout.Type)
	}
	switch cfg.Auth.Mode {
	case AuthJWT:
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is not set in config or env var")
		}
	case AuthHeader:
	default:
		return fmt.Errorf("invalid auth mode: %s (must be 'jwt' or 'header')", cfg.Auth.Mode)
	}
	return nil
}
