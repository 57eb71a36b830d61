package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

func (s *Server) registerActionRoutes(r *mux.Router) {
	r.HandleFunc("/actions", s.handleCreateAction).Methods(http.MethodPost)
	// Literal paths before {id}
	r.HandleFunc("/actions/pending", s.handleListPending).Methods(http.MethodGet)
	r.HandleFunc("/actions/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/actions/emergency", s.handleEmergency).Methods(http.MethodPost)
	r.HandleFunc("/actions/{id}", s.handleGetAction).Methods(http.MethodGet)
	r.HandleFunc("/actions/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/actions/{id}/reject", s.handleReject).Methods(http.MethodPost)
}

func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	var req types.CreateAuditEntryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	entry, err := s.orch.CreateAuditEntry(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	entry, err := s.orch.GetAuditEntry(r.Context(), pathVar(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handleListPending supports ?incident_id=.
func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.orch.ListPendingApprovals(r.Context(), r.URL.Query().Get("incident_id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if pending == nil {
		pending = []*models.PendingApproval{}
	}
	respondJSON(w, http.StatusOK, pending)
}

// handleHistory supports ?incident_id= and ?limit=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	history, err := s.orch.ExecutionHistory(r.Context(), r.URL.Query().Get("incident_id"), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if history == nil {
		history = []*models.AuditLogEntry{}
	}
	respondJSON(w, http.StatusOK, history)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req types.ApproveActionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	entry, err := s.orch.Approve(r.Context(), pathVar(r, "id"), actor(r, req.ApprovedBy))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req types.RejectActionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	entry, err := s.orch.Reject(r.Context(), pathVar(r, "id"), actor(r, req.RejectedBy), req.Reason)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var req types.EmergencyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.Operator = actor(r, req.Operator)
	entry, err := s.orch.ExecuteEmergency(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}
