package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tinywideclouds/go-notification-service/internal/response"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// notificationRequest is the producer-facing JSON shape. TTL is in seconds.
type notificationRequest struct {
	ID         string                `json:"id,omitempty"`
	UserID     string                `json:"userId,omitempty"`
	Type       string                `json:"type"`
	Title      string                `json:"title"`
	Message    string                `json:"message"`
	Data       json.RawMessage       `json:"data,omitempty"`
	Priority   notification.Priority `json:"priority,omitempty"`
	TTLSeconds int                   `json:"ttlSeconds,omitempty"`
}

func (req notificationRequest) notification() notification.Notification {
	return notification.Notification{
		ID:       req.ID,
		UserID:   req.UserID,
		Type:     req.Type,
		Title:    req.Title,
		Message:  req.Message,
		Data:     req.Data,
		Priority: req.Priority,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
	}
}

type batchRequest struct {
	UserIDs      []string            `json:"userIds"`
	Notification notificationRequest `json:"notification"`
}

type batchResponse struct {
	Outcomes []notification.Outcome `json:"outcomes"`
	Failed   int                    `json:"failed"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// DeliverHandler delivers one notification to one user.
func (a *API) DeliverHandler(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if !decode(w, r, &req) {
		return
	}
	outcome, err := a.svc.Deliver(r.Context(), req.UserID, req.notification())
	if err != nil {
		a.logger.Debug().Err(err).Str("user", req.UserID).Msg("Delivery rejected.")
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, outcome)
}

// BatchDeliverHandler delivers the same notification to many users. Partial
// failure answers 207 with the per-user errors in the outcomes.
func (a *API) BatchDeliverHandler(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	switch {
	case len(req.UserIDs) == 0:
		response.WriteError(w, notification.NewValidationError("batch", "userIds is required"))
		return
	case len(req.UserIDs) > maxBatchUsers:
		response.WriteError(w, notification.NewValidationError("batch", "too many userIds"))
		return
	}

	outcomes, err := a.svc.DeliverMany(r.Context(), req.UserIDs, req.Notification.notification())
	resp := batchResponse{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Error != "" {
			resp.Failed++
		}
	}
	switch {
	case err == nil:
		response.WriteJSON(w, http.StatusAccepted, resp)
	case resp.Failed == len(outcomes):
		response.WriteError(w, err)
	default:
		a.logger.Debug().Err(err).Int("failed", resp.Failed).Msg("Batch partially delivered.")
		response.WriteJSON(w, http.StatusMultiStatus, resp)
	}
}

// BroadcastHandler pushes a notification to every connected user.
func (a *API) BroadcastHandler(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if !decode(w, r, &req) {
		return
	}
	outcome, err := a.svc.Broadcast(r.Context(), req.notification())
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, outcome)
}
