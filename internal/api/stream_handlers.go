package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/tinywideclouds/go-notification-service/internal/realtime"
	"github.com/tinywideclouds/go-notification-service/internal/response"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// lastEventID reads the resume point. EventSource sends the header on
// reconnect; the query parameter covers the first connect of a page.
func lastEventID(r *http.Request) string {
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("lastEventId")
}

// StreamHandler serves the SSE stream until the client goes away or the
// connection is torn down.
func (a *API) StreamHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r, "StreamHandler")
	if !ok {
		return
	}
	log := a.logger.With().Str("user", p.UserID).Str("transport", "sse").Logger()

	conn, err := a.svc.Connect(r.Context(), p, clientInfo(r, "sse"), lastEventID(r))
	if err != nil {
		log.Debug().Err(err).Msg("Stream connection refused.")
		response.WriteError(w, err)
		return
	}
	defer a.svc.Disconnect(conn.ID, "client-closed")

	stream, err := realtime.NewSSEStream(w, a.cfg.WriteTimeout)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start event stream.")
		return
	}
	if err := conn.Run(r.Context(), stream); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("Event stream ended with error.")
	}
}

type heartbeatAckRequest struct {
	ConnectionID string `json:"connectionId"`
	Seq          int64  `json:"seq"`
}

type heartbeatAckResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// HeartbeatAckHandler accepts heartbeat acks from SSE clients, which cannot
// write on their stream.
func (a *API) HeartbeatAckHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r, "HeartbeatAckHandler")
	if !ok {
		return
	}
	var body heartbeatAckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ConnectionID == "" {
		response.WriteError(w, notification.NewValidationError("heartbeat", "connectionId is required"))
		return
	}
	// Another user's connection id is reported as unknown.
	conn, found := a.svc.Connection(body.ConnectionID)
	if !found || conn.UserID != p.UserID {
		response.WriteError(w, notification.NewNotFoundError("heartbeat", "unknown connection "+body.ConnectionID))
		return
	}
	a.svc.Touch(conn.ID)
	acked, err := a.svc.Acknowledge(conn.ID, body.Seq)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, heartbeatAckResponse{Acknowledged: acked})
}

// WebSocketHandler serves the same frames over a WebSocket. Client messages
// count as activity; heartbeat acks are routed to the monitor.
func (a *API) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r, "WebSocketHandler")
	if !ok {
		return
	}
	log := a.logger.With().Str("user", p.UserID).Str("transport", "websocket").Logger()

	// Connect first so refusals are still plain HTTP errors.
	conn, err := a.svc.Connect(r.Context(), p, clientInfo(r, "websocket"), lastEventID(r))
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket connection refused.")
		response.WriteError(w, err)
		return
	}
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		log.Warn().Err(err).Msg("WebSocket upgrade failed.")
		a.svc.Disconnect(conn.ID, "upgrade-failed")
		return
	}
	stream := realtime.NewWebSocketStream(ws, a.cfg.WriteTimeout)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go a.readLoop(ctx, cancel, ws, conn.ID)

	err = conn.Run(ctx, stream)
	reason := "client-closed"
	if err != nil && !errors.Is(err, context.Canceled) {
		reason = "write-failed"
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("WebSocket stream ended with error.")
	}
	a.svc.Disconnect(conn.ID, reason)
	_ = stream.Close()
}

// readLoop consumes client messages until the socket fails, then cancels
// the writer.
func (a *API) readLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, connectionID string) {
	defer cancel()
	ws.SetReadLimit(wsReadLimitBytes)
	for {
		var msg realtime.ClientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Debug().Err(err).Str("connection_id", connectionID).Msg("WebSocket read failed.")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		a.svc.Touch(connectionID)
		if msg.Type == realtime.ClientHeartbeatAck {
			if _, err := a.svc.Acknowledge(connectionID, msg.Seq); err != nil {
				return
			}
		}
	}
}
