package config

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-service/internal/heartbeat"
	"github.com/tinywideclouds/go-notification-service/internal/ratelimit"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type YamlPubSubConfig struct {
	TopicID            string        `yaml:"topic_id"`
	SubscriptionPrefix string        `yaml:"subscription_prefix"`
	SubscriptionTTL    time.Duration `yaml:"subscription_ttl"`
	DeleteOnClose      bool          `yaml:"delete_on_close"`
}

// YamlFanoutConfig selects the cross-instance bus.
type YamlFanoutConfig struct {
	Type   string           `yaml:"type"` // "redis", "pubsub" or "local"
	PubSub YamlPubSubConfig `yaml:"pubsub"`
}

type YamlAuthConfig struct {
	Mode      string `yaml:"mode"` // "jwt" or "header"
	JWTSecret string `yaml:"jwt_secret"`
}

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type YamlEventStoreConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	MaxPerUser      int           `yaml:"max_per_user"`
	ReplayLimit     int           `yaml:"replay_limit"`
	MaxReplay       int           `yaml:"max_replay"`
	KeyNamespace    string        `yaml:"key_namespace"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type YamlDeliveryConfig struct {
	MaxConnectionsPerUser int           `yaml:"max_connections_per_user"`
	OutboundBuffer        int           `yaml:"outbound_buffer"`
	WriteTimeout          time.Duration `yaml:"write_timeout"`
}

type YamlPresenceConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type YamlDegradationConfig struct {
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`
	RecoveryPeriod     time.Duration `yaml:"recovery_period"`
	HistorySize        int           `yaml:"history_size"`
}

type YamlRateLimitConfig struct {
	Whitelist       []string                  `yaml:"whitelist"`
	RefreshInterval time.Duration             `yaml:"refresh_interval"`
	Rules           map[string]ratelimit.Rule `yaml:"rules"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID       string                `yaml:"project_id"`
	InstanceID      string                `yaml:"instance_id"`
	APIPort         string                `yaml:"api_port"`
	ShutdownTimeout time.Duration         `yaml:"shutdown_timeout"`
	Redis           YamlRedisConfig       `yaml:"redis"`
	Fanout          YamlFanoutConfig      `yaml:"fanout"`
	Auth            YamlAuthConfig        `yaml:"auth"`
	Cors            YamlCorsConfig        `yaml:"cors"`
	EventStore      YamlEventStoreConfig  `yaml:"event_store"`
	Delivery        YamlDeliveryConfig    `yaml:"delivery"`
	Presence        YamlPresenceConfig    `yaml:"presence"`
	Heartbeat       heartbeat.Config      `yaml:"heartbeat"`
	Degradation     YamlDegradationConfig `yaml:"degradation"`
	RateLimit       YamlRateLimitConfig   `yaml:"rate_limit"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a clean, base AppConfig struct.
// Stage 1 complete: The AppConfig struct now exists, but without environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Mapping YAML config to base config struct.")

	rules := make(map[ratelimit.Profile]ratelimit.Rule, len(yamlCfg.RateLimit.Rules))
	for name, rule := range yamlCfg.RateLimit.Rules {
		p, err := ratelimit.ParseProfile(name)
		if err != nil {
			return nil, err
		}
		rules[p] = rule
	}

	appCfg := &AppConfig{
		ProjectID:       yamlCfg.ProjectID,
		InstanceID:      yamlCfg.InstanceID,
		APIPort:         yamlCfg.APIPort,
		ShutdownTimeout: yamlCfg.ShutdownTimeout,
		Redis:           yamlCfg.Redis,
		Fanout:          yamlCfg.Fanout,
		Auth:            yamlCfg.Auth,
		AllowedOrigins:  yamlCfg.Cors.AllowedOrigins,
		EventStore:      yamlCfg.EventStore,
		Delivery:        yamlCfg.Delivery,
		Presence:        yamlCfg.Presence,
		Heartbeat:       yamlCfg.Heartbeat,
		Degradation:     yamlCfg.Degradation,
		RateLimit: RateLimitConfig{
			Whitelist:       yamlCfg.RateLimit.Whitelist,
			RefreshInterval: yamlCfg.RateLimit.RefreshInterval,
			Rules:           rules,
		},
	}

	logger.Debug().
		Str("project_id", appCfg.ProjectID).
		Str("api_port", appCfg.APIPort).
		Str("fanout_type", appCfg.Fanout.Type).
		Str("auth_mode", appCfg.Auth.Mode).
		Msg("YAML config mapping complete.")

	return appCfg, nil
}
