package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/errors"
	"github.com/core-tools/hsu-oomguard/pkg/guardian"
	"github.com/core-tools/hsu-oomguard/pkg/logging"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ModeFunc reports the current loop mode for /healthz
type ModeFunc func() guardian.Mode

type Server struct {
	address  string
	recorder *Recorder
	mode     ModeFunc
	logger   logging.Logger

	server   *http.Server
	listener net.Listener
}

func NewServer(address string, recorder *Recorder, mode ModeFunc, logger logging.Logger) *Server {
	s := &Server{
		address:  address,
		recorder: recorder,
		mode:     mode,
		logger:   logger,
	}
	s.server = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.recorder.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", s.healthz).Methods("GET")
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	mode := guardian.ModeIdle
	if s.mode != nil {
		mode = s.mode()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"mode":   string(mode),
	})
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return errors.NewIOError("failed to listen for metrics", err).WithContext("address", s.address)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Metrics server error: %v", err)
		}
	}()

	s.logger.Infof("Metrics server listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.NewIOError("failed to shut down metrics server", err)
	}
	s.logger.Infof("Metrics server stopped")
	return nil
}
