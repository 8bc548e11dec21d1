// Package notificationservice wires the HTTP surface of the notification
// service: client streams, the producer API, the admin API and health.
package notificationservice

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/tinywideclouds/go-notification-service/internal/api"
	"github.com/tinywideclouds/go-notification-service/internal/auth"
	"github.com/tinywideclouds/go-notification-service/internal/breaker"
	"github.com/tinywideclouds/go-notification-service/internal/degradation"
	"github.com/tinywideclouds/go-notification-service/internal/delivery"
	"github.com/tinywideclouds/go-notification-service/internal/ratelimit"
	"github.com/tinywideclouds/go-notification-service/notificationservice/config"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// Dependencies are the built components the wrapper serves. Limiter and
// Metrics may be nil.
type Dependencies struct {
	Delivery    *delivery.Service
	Limiter     *ratelimit.Limiter
	Breakers    *breaker.Registry
	Degradation *degradation.Controller
	Metrics     http.Handler
	Checks      map[string]api.Check
}

// Wrapper owns the HTTP server and the delivery façade's shutdown.
type Wrapper struct {
	*baseServer
	svc        *delivery.Service
	apiHandler *api.API
	logger     zerolog.Logger
}

// New creates the handlers and registers every route.
func New(
	cfg *config.AppConfig,
	deps *Dependencies,
	authMiddleware auth.Middleware,
	logger zerolog.Logger,
) (*Wrapper, error) {
	if deps == nil || deps.Delivery == nil || deps.Breakers == nil {
		return nil, fmt.Errorf("delivery service and breaker registry are required")
	}
	if authMiddleware == nil {
		return nil, fmt.Errorf("auth middleware cannot be nil")
	}

	// 1. Create the base server.
	base := newBaseServer(":"+cfg.APIPort, logger)

	// 2. Create the API handlers.
	apiDeps := api.Dependencies{
		Delivery:    deps.Delivery,
		Breakers:    deps.Breakers,
		Degradation: deps.Degradation,
		Checks:      deps.Checks,
	}
	if deps.Limiter != nil {
		apiDeps.Limiter = deps.Limiter
	}
	apiHandler := api.NewAPI(api.Config{
		WriteTimeout:   cfg.Delivery.WriteTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	}, apiDeps, logger)

	// 3. Attach handlers to the router.
	registerRoutes(base.mux, apiHandler, deps, authMiddleware)

	return &Wrapper{
		baseServer: base,
		svc:        deps.Delivery,
		apiHandler: apiHandler,
		logger:     logger,
	}, nil
}

func chain(h http.HandlerFunc, mws ...auth.Middleware) http.Handler {
	var out http.Handler = h
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

func registerRoutes(mux *http.ServeMux, a *api.API, deps *Dependencies, authn auth.Middleware) {
	// Client streams are also limited per user on connect.
	streamMws := []auth.Middleware{authn}
	if deps.Limiter != nil {
		streamMws = append(streamMws, deps.Limiter.Middleware(profileOf, userOf))
	}
	mux.Handle("GET /notifications/stream", chain(a.StreamHandler, streamMws...))
	mux.Handle("GET /notifications/ws", chain(a.WebSocketHandler, streamMws...))
	mux.Handle("POST /notifications/heartbeat", chain(a.HeartbeatAckHandler, authn))

	producer := []auth.Middleware{authn, auth.RequireRole(notification.RoleSystem, notification.RoleAdmin)}
	mux.Handle("POST /api/notifications", chain(a.DeliverHandler, producer...))
	mux.Handle("POST /api/notifications/batch", chain(a.BatchDeliverHandler, producer...))
	mux.Handle("POST /api/notifications/broadcast", chain(a.BroadcastHandler, producer...))

	admin := []auth.Middleware{authn, auth.RequireRole(notification.RoleAdmin)}
	mux.Handle("GET /admin/rate-limit/whitelist", chain(a.WhitelistListHandler, admin...))
	mux.Handle("POST /admin/rate-limit/whitelist", chain(a.WhitelistAddHandler, admin...))
	mux.Handle("DELETE /admin/rate-limit/whitelist/{ip}", chain(a.WhitelistRemoveHandler, admin...))
	mux.Handle("GET /admin/rate-limit/{profile}/{id}", chain(a.RateLimitStatusHandler, admin...))
	mux.Handle("DELETE /admin/rate-limit/{profile}/{id}", chain(a.RateLimitResetHandler, admin...))
	mux.Handle("GET /admin/circuit-breakers", chain(a.BreakersHandler, admin...))
	mux.Handle("POST /admin/circuit-breakers/{name}/force", chain(a.ForceBreakerHandler, admin...))
	mux.Handle("DELETE /admin/circuit-breakers/{name}/force", chain(a.ClearBreakerHandler, admin...))
	mux.Handle("GET /admin/degradation", chain(a.DegradationHandler, admin...))
	mux.Handle("GET /admin/degradation/history", chain(a.DegradationHistoryHandler, admin...))
	mux.Handle("POST /admin/degradation/force", chain(a.ForceDegradationHandler, admin...))
	mux.Handle("DELETE /admin/degradation/force", chain(a.ClearDegradationHandler, admin...))
	mux.Handle("GET /admin/connections", chain(a.ConnectionsHandler, admin...))
	mux.Handle("GET /admin/metrics/delivery", chain(a.DeliveryMetricsHandler, admin...))

	mux.HandleFunc("GET /healthz", a.HealthHandler)
	mux.HandleFunc("GET /healthz/components", a.ComponentsHealthHandler)
	mux.HandleFunc("GET /healthz/circuit-breakers", a.BreakersHandler)
	mux.HandleFunc("GET /healthz/degradation", a.DegradationHealthHandler)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}
}

func profileOf(r *http.Request) ratelimit.Profile {
	if p, ok := notification.PrincipalFromContext(r.Context()); ok {
		return ratelimit.ProfileForRole(p.Role)
	}
	return ratelimit.ProfileDefault
}

func userOf(r *http.Request) string {
	if p, ok := notification.PrincipalFromContext(r.Context()); ok {
		return "connect:" + p.UserID
	}
	return ""
}

// Start listens, marks the service ready and serves until Shutdown.
func (w *Wrapper) Start(ctx context.Context) error {
	l, err := w.listen()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = l.Close()
		return err
	}
	w.SetReady(true)
	w.logger.Info().Msg("Service is now ready.")
	return w.serve(l)
}

// Shutdown tells every client to reconnect elsewhere, waits for in-flight
// publishes, then stops the HTTP server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	w.SetReady(false)

	var errs error
	if err := w.svc.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Delivery service shutdown failed.")
		errs = multierr.Append(errs, err)
	}
	if err := w.shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		errs = multierr.Append(errs, err)
	}

	w.logger.Info().Msg("All components shut down.")
	return errs
}
