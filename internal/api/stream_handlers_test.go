package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-service/internal/auth"
	"github.com/tinywideclouds/go-notification-service/internal/degradation"
	"github.com/tinywideclouds/go-notification-service/internal/realtime"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

func TestStreamHandler_LiveAndResume(t *testing.T) {
	fx := setupAPI(t, apiOptions{})
	server := httptest.NewServer(authed(fx.api.StreamHandler))
	defer server.Close()

	openStream := func(t *testing.T, lastEventID string) (*sseReader, context.CancelFunc) {
		t.Helper()
		ctx, cancel := context.WithCancel(context.Background())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		asUser(req, "user-1", "")
		if lastEventID != "" {
			req.Header.Set("Last-Event-ID", lastEventID)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
		t.Cleanup(func() { _ = resp.Body.Close() })
		return newSSEReader(resp.Body), cancel
	}

	// 1. A live notification carries its id so the browser can resume from it.
	stream, cancel := openStream(t, "")
	assert.Equal(t, "connected", stream.next(t).Event)

	first, err := fx.svc.Deliver(context.Background(), "user-1", notification.Notification{Type: "t", Message: "one"})
	require.NoError(t, err)
	ev := stream.next(t)
	assert.Equal(t, "notification", ev.Event)
	assert.Equal(t, first.NotificationID, ev.ID)

	// 2. Closing the request removes the connection.
	cancel()
	require.Eventually(t, func() bool { return fx.svc.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	// 3. Resuming replays what was missed.
	second, err := fx.svc.Deliver(context.Background(), "user-1", notification.Notification{Type: "t", Message: "two"})
	require.NoError(t, err)

	stream, cancel = openStream(t, first.NotificationID)
	defer cancel()
	assert.Equal(t, "connected", stream.next(t).Event)
	assert.Equal(t, "replay-start", stream.next(t).Event)
	ev = stream.next(t)
	assert.Equal(t, second.NotificationID, ev.ID)
	var n notification.Notification
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &n))
	assert.Equal(t, "two", n.Message)
	assert.Equal(t, "replay-end", stream.next(t).Event)
}

func TestStreamHandler_RejectsAnonymous(t *testing.T) {
	fx := setupAPI(t, apiOptions{})
	req := httptest.NewRequest(http.MethodGet, "/notifications/stream", nil)
	rr := httptest.NewRecorder()

	fx.api.StreamHandler(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestStreamHandler_ConnectionLimit(t *testing.T) {
	fx := setupAPI(t, apiOptions{})
	for i := 0; i < realtime.DefaultMaxConnectionsPerUser; i++ {
		_, err := fx.svc.Connect(context.Background(), notification.Principal{UserID: "user-1"}, notification.ClientInfo{Transport: "sse"}, "")
		require.NoError(t, err)
	}

	rr := httptest.NewRecorder()
	authed(fx.api.StreamHandler).ServeHTTP(rr, asUser(httptest.NewRequest(http.MethodGet, "/notifications/stream", nil), "user-1", ""))

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestHeartbeatAckHandler(t *testing.T) {
	fx := setupAPI(t, apiOptions{})
	conn, err := fx.svc.Connect(context.Background(), notification.Principal{UserID: "user-1"}, notification.ClientInfo{Transport: "sse"}, "")
	require.NoError(t, err)

	testCases := []struct {
		name       string
		userID     string
		body       string
		wantStatus int
	}{
		{name: "own connection", userID: "user-1", body: `{"connectionId":"` + conn.ID + `","seq":7}`, wantStatus: http.StatusOK},
		{name: "someone else's connection", userID: "user-2", body: `{"connectionId":"` + conn.ID + `","seq":1}`, wantStatus: http.StatusNotFound},
		{name: "unknown connection", userID: "user-1", body: `{"connectionId":"nope","seq":1}`, wantStatus: http.StatusNotFound},
		{name: "missing id", userID: "user-1", body: `{"seq":1}`, wantStatus: http.StatusBadRequest},
		{name: "bad json", userID: "user-1", body: `{`, wantStatus: http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := asUser(httptest.NewRequest(http.MethodPost, "/notifications/heartbeat", strings.NewReader(tc.body)), tc.userID, "")
			rr := httptest.NewRecorder()
			authed(fx.api.HeartbeatAckHandler).ServeHTTP(rr, req)
			assert.Equal(t, tc.wantStatus, rr.Code)
			if tc.wantStatus == http.StatusOK {
				// No heartbeat has been sent yet, so nothing matches.
				assert.JSONEq(t, `{"acknowledged":false}`, rr.Body.String())
			}
		})
	}
}

func TestWebSocketHandler(t *testing.T) {
	fx := setupAPI(t, apiOptions{})
	server := httptest.NewServer(authed(fx.api.WebSocketHandler))
	defer server.Close()

	header := http.Header{}
	header.Set(auth.HeaderUserID, "user-1")
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = ws.Close() }()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	// 1. The first message is the connected frame.
	var msg realtime.WireMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, realtime.EventConnected, msg.Type)
	var connected realtime.ConnectedPayload
	require.NoError(t, json.Unmarshal(msg.Data, &connected))
	assert.Equal(t, "instance-a", connected.InstanceID)

	// 2. Client messages reach the service; a stale ack is harmless.
	require.NoError(t, ws.WriteJSON(realtime.ClientMessage{Type: realtime.ClientHeartbeatAck, Seq: 99}))

	// 3. Notifications arrive as JSON text messages.
	outcome, err := fx.svc.Deliver(context.Background(), "user-1", notification.Notification{Type: "t", Message: "over ws"})
	require.NoError(t, err)
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, realtime.EventNotification, msg.Type)
	assert.Equal(t, outcome.NotificationID, msg.ID)

	// 4. Closing the socket tears the connection down.
	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = ws.Close()
	require.Eventually(t, func() bool { return fx.svc.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketHandler_RefusedBeforeUpgrade(t *testing.T) {
	fx := setupAPI(t, apiOptions{})
	fx.degrade.ForceLevel(degradation.Critical, "maintenance")

	req := asUser(httptest.NewRequest(http.MethodGet, "/notifications/ws", bytes.NewReader(nil)), "user-1", "")
	rr := httptest.NewRecorder()
	authed(fx.api.WebSocketHandler).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
