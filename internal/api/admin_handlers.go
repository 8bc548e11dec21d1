package api

import (
	"net/http"
	"strconv"

	"github.com/tinywideclouds/go-notification-service/internal/breaker"
	"github.com/tinywideclouds/go-notification-service/internal/degradation"
	"github.com/tinywideclouds/go-notification-service/internal/ratelimit"
	"github.com/tinywideclouds/go-notification-service/internal/realtime"
	"github.com/tinywideclouds/go-notification-service/internal/response"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

func (a *API) operator(r *http.Request) string {
	if p, ok := notification.PrincipalFromContext(r.Context()); ok {
		return p.UserID
	}
	return ""
}

func (a *API) requireLimiter(w http.ResponseWriter) bool {
	if a.limiter == nil {
		response.WriteError(w, notification.NewFeatureDisabledError("ratelimit", "rate limiting is not configured"))
		return false
	}
	return true
}

func (a *API) requireDegradation(w http.ResponseWriter) bool {
	if a.degrade == nil {
		response.WriteError(w, notification.NewFeatureDisabledError("degradation", "degradation control is not configured"))
		return false
	}
	return true
}

func pathProfile(w http.ResponseWriter, r *http.Request) (ratelimit.Profile, bool) {
	p, err := ratelimit.ParseProfile(r.PathValue("profile"))
	if err != nil {
		response.WriteError(w, notification.NewValidationError("ratelimit", err.Error()))
		return "", false
	}
	return p, true
}

// RateLimitStatusHandler shows one window: GET /admin/rate-limit/{profile}/{id}.
func (a *API) RateLimitStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireLimiter(w) {
		return
	}
	profile, ok := pathProfile(w, r)
	if !ok {
		return
	}
	st, err := a.limiter.Status(r.Context(), profile, r.PathValue("id"))
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, st)
}

// RateLimitResetHandler clears one window: DELETE /admin/rate-limit/{profile}/{id}.
func (a *API) RateLimitResetHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireLimiter(w) {
		return
	}
	profile, ok := pathProfile(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := a.limiter.Reset(r.Context(), profile, id); err != nil {
		response.WriteError(w, err)
		return
	}
	a.logger.Info().Str("operator", a.operator(r)).Str("profile", string(profile)).Str("identifier", id).Msg("Rate limit reset by operator.")
	w.WriteHeader(http.StatusNoContent)
}

type whitelistRequest struct {
	IP string `json:"ip"`
}

type whitelistResponse struct {
	IPs []string `json:"ips"`
}

// WhitelistListHandler lists the whitelisted IPs.
func (a *API) WhitelistListHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireLimiter(w) {
		return
	}
	ips, err := a.limiter.ListWhitelist(r.Context())
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, whitelistResponse{IPs: ips})
}

// WhitelistAddHandler adds an IP to the shared whitelist.
func (a *API) WhitelistAddHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireLimiter(w) {
		return
	}
	var req whitelistRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.limiter.AddToWhitelist(r.Context(), req.IP); err != nil {
		response.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WhitelistRemoveHandler removes an IP: DELETE /admin/rate-limit/whitelist/{ip}.
func (a *API) WhitelistRemoveHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireLimiter(w) {
		return
	}
	if err := a.limiter.RemoveFromWhitelist(r.Context(), r.PathValue("ip")); err != nil {
		response.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type forceStateRequest struct {
	State string `json:"state"`
}

// BreakersHandler lists every circuit breaker.
func (a *API) BreakersHandler(w http.ResponseWriter, _ *http.Request) {
	response.WriteJSON(w, http.StatusOK, a.breakers.Snapshot())
}

// ForceBreakerHandler pins a breaker: POST /admin/circuit-breakers/{name}/force.
func (a *API) ForceBreakerHandler(w http.ResponseWriter, r *http.Request) {
	var req forceStateRequest
	if !decode(w, r, &req) {
		return
	}
	state, err := breaker.ParseState(req.State)
	if err != nil {
		response.WriteError(w, notification.NewValidationError("breaker.force", err.Error()))
		return
	}
	name := r.PathValue("name")
	if err := a.breakers.Force(name, state); err != nil {
		response.WriteError(w, err)
		return
	}
	a.logger.Warn().Str("operator", a.operator(r)).Str("breaker", name).Str("state", state.String()).Msg("Circuit breaker forced by operator.")
	b, _ := a.breakers.Lookup(name)
	response.WriteJSON(w, http.StatusOK, b.Snapshot())
}

// ClearBreakerHandler returns a breaker to automatic evaluation.
func (a *API) ClearBreakerHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.breakers.ClearForce(name); err != nil {
		response.WriteError(w, err)
		return
	}
	b, _ := a.breakers.Lookup(name)
	response.WriteJSON(w, http.StatusOK, b.Snapshot())
}

// DegradationHandler shows the current degradation status.
func (a *API) DegradationHandler(w http.ResponseWriter, _ *http.Request) {
	if !a.requireDegradation(w) {
		return
	}
	response.WriteJSON(w, http.StatusOK, a.degrade.Status())
}

// DegradationHistoryHandler lists level changes, newest first.
func (a *API) DegradationHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireDegradation(w) {
		return
	}
	limit := defaultHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.WriteJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter, must be a non-negative integer")
			return
		}
		limit = n
	}
	response.WriteJSON(w, http.StatusOK, a.degrade.History(limit))
}

type forceLevelRequest struct {
	Level  string `json:"level"`
	Reason string `json:"reason"`
}

// ForceDegradationHandler pins the degradation level.
func (a *API) ForceDegradationHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireDegradation(w) {
		return
	}
	var req forceLevelRequest
	if !decode(w, r, &req) {
		return
	}
	level, err := degradation.ParseLevel(req.Level)
	if err != nil {
		response.WriteError(w, notification.NewValidationError("degradation.force", err.Error()))
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "forced by " + a.operator(r)
	}
	response.WriteJSON(w, http.StatusOK, a.degrade.ForceLevel(level, reason))
}

// ClearDegradationHandler resumes automatic evaluation.
func (a *API) ClearDegradationHandler(w http.ResponseWriter, _ *http.Request) {
	if !a.requireDegradation(w) {
		return
	}
	response.WriteJSON(w, http.StatusOK, a.degrade.ClearForce())
}

type connectionsResponse struct {
	InstanceID  string              `json:"instanceId"`
	Connections int                 `json:"connections"`
	Users       int                 `json:"users"`
	Details     []realtime.Snapshot `json:"details"`
}

// ConnectionsHandler lists this instance's connections.
func (a *API) ConnectionsHandler(w http.ResponseWriter, _ *http.Request) {
	reg := a.svc.Registry()
	details := reg.Snapshot()
	response.WriteJSON(w, http.StatusOK, connectionsResponse{
		InstanceID:  reg.InstanceID(),
		Connections: len(details),
		Users:       reg.UserCount(),
		Details:     details,
	})
}

// DeliveryMetricsHandler returns the delivery counters.
func (a *API) DeliveryMetricsHandler(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, a.svc.Stats(r.Context()))
}
