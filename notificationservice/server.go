package notificationservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-service/internal/response"
)

// baseServer owns the listener, the mux and the readiness flag.
type baseServer struct {
	server   *http.Server
	mux      *http.ServeMux
	ready    atomic.Bool
	listener atomic.Pointer[net.Listener]
	logger   zerolog.Logger
}

func newBaseServer(addr string, logger zerolog.Logger) *baseServer {
	mux := http.NewServeMux()
	s := &baseServer{
		mux:    mux,
		logger: logger,
		// No write timeout: event streams stay open for the life of a client.
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
	mux.HandleFunc("GET /readyz", s.readyHandler)
	return s
}

func (s *baseServer) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		response.WriteJSONError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// SetReady flips the /readyz answer.
func (s *baseServer) SetReady(ready bool) { s.ready.Store(ready) }

// Addr returns the bound address once listening, else the configured one.
func (s *baseServer) Addr() string {
	if l := s.listener.Load(); l != nil {
		return (*l).Addr().String()
	}
	return s.server.Addr
}

// listen binds the port so startup failures surface before serving.
func (s *baseServer) listen() (net.Listener, error) {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener.Store(&l)
	return l, nil
}

func (s *baseServer) serve(l net.Listener) error {
	s.logger.Info().Str("addr", l.Addr().String()).Msg("HTTP listener is active.")
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *baseServer) shutdown(ctx context.Context) error {
	s.SetReady(false)
	return s.server.Shutdown(ctx)
}
