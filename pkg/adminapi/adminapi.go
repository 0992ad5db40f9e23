// Package adminapi exposes the observability and control HTTP surface
// fronting one Endpoint: health, lifecycle status, per-link state, the
// disaster recovery trigger, the delete operation, and Prometheus metrics.
// Distinct from the replication wire protocol in pkg/transport, which peers
// use to talk to each other.
package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"replicore/pkg/endpoint"
	"replicore/pkg/types"
)

const contentTypeJSON = "application/json"

// Status names the outcome of an admin API call.
type Status string

const (
	StatusOK      Status = "OK"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Response is the standard admin API response envelope.
type Response struct {
	Status    Status      `json:"status,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	Value     any         `json:"value,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Server is the admin HTTP server for one Endpoint.
type Server struct {
	ep         *endpoint.Endpoint
	registry   *prometheus.Registry
	httpServer *http.Server
	addr       string
	log        *slog.Logger
}

// NewServer builds a Server bound to addr, e.g. "127.0.0.1:8090". registry
// is the same one backing metrics.NewPrometheus, so /metrics reports the
// live collector rather than the unrelated global default registry.
func NewServer(ep *endpoint.Endpoint, registry *prometheus.Registry, addr string) *Server {
	return &Server{
		ep:       ep,
		registry: registry,
		addr:     addr,
		log:      slog.With("component", "adminapi"),
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/links", s.handleLinks)
	r.Post("/recover", s.handleRecover)
	r.Post("/activate", s.handleActivate)
	r.Post("/delete", s.handleDelete)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return r
}

// Start launches the HTTP server on its own goroutine.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin http server error", "error", err)
		}
	}()
	s.log.Info("admin http server started", "addr", s.addr)
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("failed to encode admin response", "error", err)
	}
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Status: StatusOK, RequestID: requestID(r)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, RequestID: requestID(r), Value: s.ep.Status()})
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, RequestID: requestID(r), Value: s.ep.Links()})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.ep.Activate(r.Context()); err != nil {
		s.writeJSON(w, http.StatusConflict, Response{Status: StatusError, RequestID: requestID(r), Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, RequestID: requestID(r)})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if err := s.ep.Recover(r.Context()); err != nil {
		s.writeJSON(w, http.StatusConflict, Response{Status: StatusError, RequestID: requestID(r), Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, RequestID: requestID(r)})
}

type deleteRequest struct {
	LogName           string   `json:"logName"`
	ToSeq             uint64   `json:"toSeq"`
	RemoteEndpointIDs []string `json:"remoteEndpointIds"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, Response{Status: StatusError, RequestID: requestID(r), Error: err.Error()})
		return
	}
	if req.LogName == "" {
		s.writeJSON(w, http.StatusBadRequest, Response{Status: StatusError, RequestID: requestID(r), Error: "logName is required"})
		return
	}

	remoteIDs := make([]types.EndpointID, len(req.RemoteEndpointIDs))
	for i, id := range req.RemoteEndpointIDs {
		remoteIDs[i] = types.EndpointID(id)
	}

	watermark, err := s.ep.Delete(r.Context(), types.LogName(req.LogName), types.SequenceNr(req.ToSeq), remoteIDs)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, Response{Status: StatusError, RequestID: requestID(r), Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, RequestID: requestID(r), Value: watermark})
}
