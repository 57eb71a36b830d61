package server

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

func (s *Server) registerAdminRoutes(r *mux.Router) {
	r.HandleFunc("/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/approvals/sweep", s.handleSweep).Methods(http.MethodPost)
	r.HandleFunc("/incidents/close-stale", s.handleCloseStale).Methods(http.MethodPost)
	r.HandleFunc("/topology/seed", s.handleSeed).Methods(http.MethodPost)
}

// JobResponse reports the outcome of an on-demand maintenance job.
type JobResponse struct {
	Job      string `json:"job"`
	Affected int64  `json:"affected"`
}

// handleReload re-reads configuration and swaps the reloadable settings.
// An invalid configuration is rejected and the running one is kept.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.cfgMgr == nil {
		respondJSON(w, http.StatusServiceUnavailable, errorBody(KindInternal, "configuration reload is not available"))
		return
	}
	cfg, err := s.orch.Reload(r.Context(), s.cfgMgr, "api")
	if err != nil {
		s.respondError(w, r, &models.ValidationError{Field: "config", Message: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, cfg.Redacted())
}

// handleGetConfig returns the running configuration with secrets masked.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg
	if s.cfgMgr != nil {
		cfg = s.cfgMgr.Get(r.Context())
	}
	respondJSON(w, http.StatusOK, cfg.Redacted())
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.orch.SweepApprovals(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, JobResponse{Job: "approval-sweep", Affected: int64(n)})
}

func (s *Server) handleCloseStale(w http.ResponseWriter, r *http.Request) {
	n, err := s.orch.CloseStaleIncidents(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, JobResponse{Job: "incident-retention", Affected: n})
}

// handleSeed applies a YAML topology document sent as the request body.
func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		s.respondError(w, r, fmt.Errorf("read seed body: %w", err))
		return
	}
	if len(doc) > maxBodyBytes {
		s.respondError(w, r, &models.ValidationError{Field: "seed", Message: "document too large"})
		return
	}
	sum, err := s.orch.SeedTopology(r.Context(), doc)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}
