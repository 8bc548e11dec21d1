package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/tinywideclouds/go-notification-service/internal/breaker"
	"github.com/tinywideclouds/go-notification-service/internal/degradation"
	"github.com/tinywideclouds/go-notification-service/internal/response"
)

// HealthStatus is the aggregate state reported by /healthz.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the result of one dependency check.
type ComponentHealth struct {
	Name      string       `json:"name"`
	Status    HealthStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	LatencyMs int64        `json:"latencyMs"`
}

// HealthReport is the body of /healthz.
type HealthReport struct {
	Status           HealthStatus      `json:"status"`
	InstanceID       string            `json:"instanceId"`
	Timestamp        time.Time         `json:"timestamp"`
	Components       []ComponentHealth `json:"components"`
	OpenBreakers     []string          `json:"openBreakers,omitempty"`
	DegradationLevel degradation.Level `json:"degradationLevel"`
}

// runChecks probes every dependency concurrently.
func (a *API) runChecks(ctx context.Context) []ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CheckTimeout)
	defer cancel()

	out := make([]ComponentHealth, 0, len(a.checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, check := range a.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started := time.Now()
			err := check(ctx)
			c := ComponentHealth{Name: name, Status: StatusHealthy, LatencyMs: time.Since(started).Milliseconds()}
			if err != nil {
				c.Status = StatusUnhealthy
				c.Error = err.Error()
			}
			mu.Lock()
			out = append(out, c)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Health builds the aggregate report. A failed dependency check is
// unhealthy; open breakers or any degradation level above NORMAL are
// degraded.
func (a *API) Health(ctx context.Context) HealthReport {
	rep := HealthReport{
		Status:     StatusHealthy,
		InstanceID: a.svc.Registry().InstanceID(),
		Timestamp:  time.Now().UTC(),
		Components: a.runChecks(ctx),
	}
	for _, s := range a.breakers.Snapshot() {
		if s.State != breaker.StateClosed.String() {
			rep.OpenBreakers = append(rep.OpenBreakers, s.Name)
		}
	}
	if a.degrade != nil {
		rep.DegradationLevel = a.degrade.Level()
	}
	if len(rep.OpenBreakers) > 0 || rep.DegradationLevel > degradation.Normal {
		rep.Status = StatusDegraded
	}
	for _, c := range rep.Components {
		if c.Status == StatusUnhealthy {
			rep.Status = StatusUnhealthy
			break
		}
	}
	return rep
}

// HealthHandler answers 503 only when unhealthy so a degraded instance stays
// in rotation.
func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	rep := a.Health(r.Context())
	status := http.StatusOK
	if rep.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	response.WriteJSON(w, status, rep)
}

// ComponentsHealthHandler reports each dependency check.
func (a *API) ComponentsHealthHandler(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, a.runChecks(r.Context()))
}

type degradationHealth struct {
	Level    degradation.Level  `json:"level"`
	Degraded bool               `json:"degraded"`
	Status   degradation.Status `json:"status"`
}

// DegradationHealthHandler is the unauthenticated view of degradation.
func (a *API) DegradationHealthHandler(w http.ResponseWriter, _ *http.Request) {
	if !a.requireDegradation(w) {
		return
	}
	st := a.degrade.Status()
	response.WriteJSON(w, http.StatusOK, degradationHealth{Level: st.CurrentLevel, Degraded: st.CurrentLevel > degradation.Normal, Status: st})
}
