package realtime

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"time"
)

// SSEStream writes frames as text/event-stream events.
type SSEStream struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
}

// NewSSEStream prepares w for streaming and writes the response headers.
func NewSSEStream(w http.ResponseWriter, writeTimeout time.Duration) (*SSEStream, error) {
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("response does not support streaming: %w", err)
	}
	return &SSEStream{w: w, rc: rc, writeTimeout: writeTimeout}, nil
}

// WriteFrame writes one event and flushes it.
func (s *SSEStream) WriteFrame(f Frame) error {
	if s.writeTimeout > 0 {
		// Not every ResponseWriter supports deadlines; the write still proceeds.
		_ = s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.w.Write(EncodeSSE(f)); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Close is a no-op; the handler returning ends the response.
func (s *SSEStream) Close() error { return nil }

// EncodeSSE renders f in event-stream framing. Control frames carry no id so
// the client's Last-Event-ID keeps pointing at the last notification.
func EncodeSSE(f Frame) []byte {
	var b bytes.Buffer
	if f.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", f.ID)
	}
	fmt.Fprintf(&b, "event: %s\n", f.Event)
	sc := bufio.NewScanner(bytes.NewReader(f.Data))
	sc.Buffer(make([]byte, 0, 4096), len(f.Data)+1)
	wrote := false
	for sc.Scan() {
		fmt.Fprintf(&b, "data: %s\n", sc.Bytes())
		wrote = true
	}
	if !wrote {
		b.WriteString("data: {}\n")
	}
	b.WriteString("\n")
	return b.Bytes()
}
