package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// NewUpgrader returns the WebSocket upgrader used by the stream endpoint.
// allowedOrigins empty accepts any origin.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// WireMessage is the JSON envelope of a frame on a WebSocket.
type WireMessage struct {
	Type EventType       `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is what clients send on a WebSocket.
type ClientMessage struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq,omitempty"`
}

// ClientHeartbeatAck is the ClientMessage type acknowledging a heartbeat.
const ClientHeartbeatAck = "heartbeat-ack"

// WebSocketStream writes frames as JSON text messages.
type WebSocketStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWebSocketStream wraps an upgraded connection.
func NewWebSocketStream(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketStream {
	return &WebSocketStream{conn: conn, writeTimeout: writeTimeout}
}

// WriteFrame writes f as one text message.
func (s *WebSocketStream) WriteFrame(f Frame) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteJSON(WireMessage{Type: f.Event, ID: f.ID, Data: f.Data})
}

// Close sends a close message and closes the socket.
func (s *WebSocketStream) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection closed"), deadline)
	return s.conn.Close()
}
