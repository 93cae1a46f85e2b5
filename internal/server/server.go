// Package server provides the HTTP API the operations console talks to.
// Everything it returns is a read-only snapshot; mutations happen only by
// posting new intents.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/incident-core/internal/bulk"
	"github.com/invisible-tech/incident-core/internal/config"
	"github.com/invisible-tech/incident-core/internal/engine"
	"github.com/invisible-tech/incident-core/internal/resolver"
	"github.com/invisible-tech/incident-core/internal/types"
	"github.com/invisible-tech/incident-core/internal/version"
)

// Server is the HTTP server for the sync core API.
type Server struct {
	cfg        config.CoreConfig
	engine     *engine.Engine
	log        *logrus.Logger
	httpServer *http.Server
}

// New creates a new HTTP server that uses the given engine.
func New(cfg config.CoreConfig, eng *engine.Engine, log *logrus.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, engine: eng, log: log}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/incidents", s.handleIncidents)
	mux.HandleFunc("/api/v1/incidents/", s.handleIncidentByID)
	mux.HandleFunc("/api/v1/bulk", s.handleBulk)
	mux.HandleFunc("/api/v1/bulk/export", s.handleBulkExport)
	mux.HandleFunc("/api/v1/queue", s.handleQueue)
	mux.HandleFunc("/api/v1/queue/", s.handleQueueEntry)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/devices", s.handleDevices)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("Sync core listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.Incidents())

	case http.MethodPost:
		var draft types.IncidentDraft
		if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		inc, queued, err := s.engine.CreateIncident(r.Context(), &draft)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if queued {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
			return
		}
		writeJSON(w, http.StatusCreated, inc)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// updateBody is the PATCH payload: the change set plus an optional
// resolution policy for a known conflict.
type updateBody struct {
	Patch  *types.IncidentPatch `json:"patch"`
	Policy resolver.Policy      `json:"policy,omitempty"`
}

func (s *Server) handleIncidentByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/incidents/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var body updateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		res, queued, err := s.engine.UpdateIncident(r.Context(), id, body.Patch, body.Policy)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if queued {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
			return
		}
		if res.Outcome == resolver.OutcomeConflict {
			// Conflict is data, not an error: the UI picks a policy and
			// re-invokes with the same patch.
			writeJSON(w, http.StatusConflict, res)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case http.MethodDelete:
		queued, err := s.engine.DeleteIncident(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if queued {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type bulkBody struct {
	Operation types.BulkKind `json:"operation"`
	IDs       []string       `json:"ids"`
	Reason    string         `json:"reason,omitempty"`
	Status    string         `json:"status,omitempty"`
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body bulkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	res, err := s.engine.RunBulk(r.Context(), body.Operation, body.IDs, bulk.Options{
		Reason: body.Reason,
		Status: body.Status,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBulkExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res := s.engine.LastBulkResult()
	if res == nil {
		http.Error(w, "No bulk result available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="bulk-result.csv"`)
	if err := res.WriteCSV(w); err != nil {
		s.log.WithError(err).Error("Failed to write bulk CSV export")
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Queue())
}

func (s *Server) handleQueueEntry(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/queue/")
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(rest, "/retry"):
		id := strings.TrimSuffix(rest, "/retry")
		if err := s.engine.RetryQueueEntry(id); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodDelete && rest != "" && !strings.Contains(rest, "/"):
		if err := s.engine.CancelQueueEntry(rest); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.AgentTrust())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.DeviceHealth())
}

// writeError maps the failure taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var mc *types.MergeConflictError
	switch {
	case errors.Is(err, types.ErrPreconditionFailed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, types.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, types.ErrRemoteUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &mc):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":  "merge_conflict",
			"fields": mc.Fields,
		})
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
