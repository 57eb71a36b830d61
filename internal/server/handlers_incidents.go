package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kubilitics/kubilitics-remediation/internal/db"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

func (s *Server) registerIncidentRoutes(r *mux.Router) {
	r.HandleFunc("/incidents", s.handleCreateIncident).Methods(http.MethodPost)
	r.HandleFunc("/incidents", s.handleListIncidents).Methods(http.MethodGet)
	// Literal paths before {id}
	r.HandleFunc("/incidents/open", s.handleListOpenIncidents).Methods(http.MethodGet)
	r.HandleFunc("/incidents/{id}", s.handleGetIncident).Methods(http.MethodGet)
	r.HandleFunc("/incidents/{id}", s.handleUpdateIncident).Methods(http.MethodPatch)
	r.HandleFunc("/incidents/{id}/acknowledge", s.handleAcknowledgeIncident).Methods(http.MethodPost)
	r.HandleFunc("/incidents/{id}/close", s.handleCloseIncident).Methods(http.MethodPost)
	r.HandleFunc("/incidents/{id}/similar", s.handleSimilarIncidents).Methods(http.MethodGet)
	r.HandleFunc("/incidents/{id}/solutions", s.handleRecommendedSolutions).Methods(http.MethodGet)
}

func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req types.CreateIncidentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	inc, err := s.orch.CreateIncident(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, inc)
}

// handleListIncidents supports ?service=, ?status=a,b, ?severity=, ?limit=, ?offset=.
func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	offset, err := intQuery(r, "offset")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	q := db.IncidentQuery{
		ServiceName: r.URL.Query().Get("service"),
		Severity:    models.Severity(r.URL.Query().Get("severity")),
		Limit:       limit,
		Offset:      offset,
	}
	for _, st := range listQuery(r, "status") {
		q.Statuses = append(q.Statuses, models.IncidentStatus(st))
	}

	incidents, err := s.orch.ListIncidents(r.Context(), q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleListOpenIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.orch.ListOpenIncidents(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.orch.GetIncident(r.Context(), pathVar(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

func (s *Server) handleUpdateIncident(w http.ResponseWriter, r *http.Request) {
	var req types.UpdateIncidentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	inc, err := s.orch.UpdateIncident(r.Context(), pathVar(r, "id"), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

func (s *Server) handleAcknowledgeIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.orch.AcknowledgeIncident(r.Context(), pathVar(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

func (s *Server) handleCloseIncident(w http.ResponseWriter, r *http.Request) {
	var req types.CloseIncidentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.Actor = actor(r, req.Actor)
	inc, err := s.orch.CloseIncident(r.Context(), pathVar(r, "id"), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

func (s *Server) handleSimilarIncidents(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	report, err := s.orch.FindSimilarIncidents(r.Context(), pathVar(r, "id"), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleRecommendedSolutions(w http.ResponseWriter, r *http.Request) {
	report, err := s.orch.RecommendedSolutions(r.Context(), pathVar(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}
