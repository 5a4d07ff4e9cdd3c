// Package server exposes the local status and control API. The server binds
// to loopback by default and carries no authentication; it is the machine
// interface the desktop front end and scripts talk to.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mixerkit/goxlr-updater/internal/agent"
	"github.com/mixerkit/goxlr-updater/internal/device"
	"github.com/mixerkit/goxlr-updater/internal/pkg/metrics"
	"github.com/mixerkit/goxlr-updater/pkg/log"
	"github.com/mixerkit/goxlr-updater/pkg/options"
)

// Backend is the slice of the agent the API serves.
type Backend interface {
	Devices() []device.Identity
	UpdateStatus() agent.Status
	StartUpdate(ctx context.Context, req agent.UpdateRequest) error
	StartDownload(ctx context.Context, serial string) (string, error)
}

// deviceInfo is the wire shape of one device list entry.
type deviceInfo struct {
	Family  string `json:"family"`
	Serial  string `json:"serial"`
	Version string `json:"version"`
	Bus     uint8  `json:"bus"`
	Address uint8  `json:"address"`
}

type downloadRequest struct {
	Serial string `json:"serial"`
}

type downloadResponse struct {
	Path string `json:"path"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the local HTTP API.
type Server struct {
	backend Backend
	opts    *options.HttpOptions
	httpSrv *http.Server
	logger  log.Logger
}

// New creates a server over backend. Metrics collectors are registered on a
// private registry serving /metrics.
func New(backend Backend, opts *options.HttpOptions) *Server {
	s := &Server{
		backend: backend,
		opts:    opts,
		logger:  log.WithName("server"),
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	api.HandleFunc("/update", s.handleUpdateStatus).Methods(http.MethodGet)
	api.HandleFunc("/update", s.handleStartUpdate).Methods(http.MethodPost)
	api.HandleFunc("/download", s.handleDownload).Methods(http.MethodPost)

	s.httpSrv = &http.Server{
		Handler:      r,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	}
	return s
}

// Handler returns the routing handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves the API until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen(s.opts.Network, s.opts.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("Status server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Server shutdown failed", "error", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	identities := s.backend.Devices()

	infos := make([]deviceInfo, 0, len(identities))
	for _, id := range identities {
		infos = append(infos, deviceInfo{
			Family:  id.Family.String(),
			Serial:  id.Serial,
			Version: id.Version.String(),
			Bus:     id.Key.Bus,
			Address: id.Key.Address,
		})
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.UpdateStatus())
}

func (s *Server) handleStartUpdate(w http.ResponseWriter, r *http.Request) {
	var req agent.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Serial == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("serial is required"))
		return
	}

	if err := s.backend.StartUpdate(r.Context(), req); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Serial == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("serial is required"))
		return
	}

	path, err := s.backend.StartDownload(r.Context(), req.Serial)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, downloadResponse{Path: path})
}

// statusFor maps agent errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrUpdateInProgress),
		errors.Is(err, agent.ErrConflictingApps),
		errors.Is(err, agent.ErrNotAnUpgrade),
		errors.Is(err, agent.ErrFamilyMismatch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
