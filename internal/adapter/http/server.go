// Package http serves health, metrics, and operator endpoints while the
// pipeline runs on its schedule.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// IncidentStore lists incidents and applies operator status transitions.
type IncidentStore interface {
	Incidents(ctx context.Context) ([]store.Incident, error)
	SetIncidentStatus(ctx context.Context, incidentID int64, status string) error
}

// RunLister lists ledger runs for a job.
type RunLister interface {
	Runs(ctx context.Context, job string) ([]store.JobRun, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Ready     ReadinessChecker
	Gatherer  prometheus.Gatherer
	Incidents IncidentStore
	Runs      RunLister
}

// Server exposes health, readiness, metrics, and operator HTTP endpoints.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics, and the
// /api routes.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(deps.Ready))
	mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/runs", s.handleRuns(deps.Runs))
	mux.HandleFunc("GET /api/incidents", s.handleIncidents(deps.Incidents))
	mux.HandleFunc("POST /api/incidents/{id}/status", s.handleIncidentStatus(deps.Incidents))

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (s *Server) handleRuns(runs RunLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := r.URL.Query().Get("job")
		if job == "" {
			writeError(w, http.StatusBadRequest, "job query parameter is required")
			return
		}
		list, err := runs.Runs(r.Context(), job)
		if err != nil {
			s.logger.Error("list runs failed", "job", job, "error", err)
			writeError(w, http.StatusInternalServerError, "list runs failed")
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func (s *Server) handleIncidents(incidents IncidentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := incidents.Incidents(r.Context())
		if err != nil {
			s.logger.Error("list incidents failed", "error", err)
			writeError(w, http.StatusInternalServerError, "list incidents failed")
			return
		}
		if status := r.URL.Query().Get("status"); status != "" {
			filtered := list[:0]
			for _, inc := range list {
				if inc.Status == status {
					filtered = append(filtered, inc)
				}
			}
			list = filtered
		}
		writeJSON(w, http.StatusOK, list)
	}
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleIncidentStatus(incidents IncidentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid incident id")
			return
		}
		var req statusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Status != store.IncidentAcknowledged && req.Status != store.IncidentResolved {
			writeError(w, http.StatusBadRequest, "status must be acknowledged or resolved")
			return
		}

		err = incidents.SetIncidentStatus(r.Context(), id, req.Status)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "incident not found")
		case err != nil:
			s.logger.Error("set incident status failed", "incident_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "set incident status failed")
		default:
			s.logger.Info("incident status changed", "incident_id", id, "status", req.Status)
			writeJSON(w, http.StatusOK, map[string]any{"incident_id": id, "status": req.Status})
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
