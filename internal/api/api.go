// Package api holds the HTTP handlers of the notification service: the
// client streams, the producer endpoints, the admin surface and health.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-service/internal/breaker"
	"github.com/tinywideclouds/go-notification-service/internal/degradation"
	"github.com/tinywideclouds/go-notification-service/internal/delivery"
	"github.com/tinywideclouds/go-notification-service/internal/ratelimit"
	"github.com/tinywideclouds/go-notification-service/internal/realtime"
	"github.com/tinywideclouds/go-notification-service/internal/response"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

const (
	maxBodyBytes     = 1 << 20
	maxBatchUsers    = 1000
	defaultHistory   = 50
	wsReadLimitBytes = 4096
)

// Delivery is the façade surface used by the handlers.
type Delivery interface {
	notification.Producer
	Connect(ctx context.Context, p notification.Principal, client notification.ClientInfo, lastEventID string) (*realtime.Connection, error)
	Disconnect(connectionID, reason string) bool
	Acknowledge(connectionID string, seq int64) (bool, error)
	Touch(connectionID string)
	Connection(connectionID string) (*realtime.Connection, bool)
	Stats(ctx context.Context) delivery.Stats
	Registry() *realtime.Registry
}

// RateLimitAdmin is the operator surface of the limiter.
type RateLimitAdmin interface {
	Status(ctx context.Context, p ratelimit.Profile, identifier string) (ratelimit.Status, error)
	Reset(ctx context.Context, p ratelimit.Profile, identifier string) error
	AddToWhitelist(ctx context.Context, ip string) error
	RemoveFromWhitelist(ctx context.Context, ip string) error
	ListWhitelist(ctx context.Context) ([]string, error)
}

// Check probes one dependency for the health endpoints.
type Check func(ctx context.Context) error

// Config tunes the handlers.
type Config struct {
	WriteTimeout   time.Duration
	AllowedOrigins []string
	CheckTimeout   time.Duration
}

// Dependencies of the handlers. Limiter and Degradation may be nil.
type Dependencies struct {
	Delivery    Delivery
	Limiter     RateLimitAdmin
	Breakers    *breaker.Registry
	Degradation *degradation.Controller
	Checks      map[string]Check
}

// API holds the dependencies for the HTTP handlers.
type API struct {
	cfg      Config
	svc      Delivery
	limiter  RateLimitAdmin
	breakers *breaker.Registry
	degrade  *degradation.Controller
	checks   map[string]Check
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewAPI creates the handler set.
func NewAPI(cfg Config, deps Dependencies, logger zerolog.Logger) *API {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	return &API{
		cfg:      cfg,
		svc:      deps.Delivery,
		limiter:  deps.Limiter,
		breakers: deps.Breakers,
		degrade:  deps.Degradation,
		checks:   deps.Checks,
		upgrader: realtime.NewUpgrader(cfg.AllowedOrigins),
		logger:   logger.With().Str("component", "API").Logger(),
	}
}

// principal reads the authenticated caller or writes a 401.
func (a *API) principal(w http.ResponseWriter, r *http.Request, handler string) (notification.Principal, bool) {
	p, ok := notification.PrincipalFromContext(r.Context())
	if !ok || p.UserID == "" {
		a.logger.Warn().Str("handler", handler).Msg("No principal in request context.")
		response.WriteError(w, notification.NewAuthenticationError(handler, "missing authentication token"))
		return notification.Principal{}, false
	}
	return p, true
}

func clientInfo(r *http.Request, transport string) notification.ClientInfo {
	return notification.ClientInfo{IP: ratelimit.ClientIP(r), UserAgent: r.UserAgent(), Transport: transport}
}
