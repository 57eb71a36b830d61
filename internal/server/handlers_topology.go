package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kubilitics/kubilitics-remediation/internal/action"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

func (s *Server) registerTopologyRoutes(r *mux.Router) {
	r.HandleFunc("/services", s.handleListServices).Methods(http.MethodGet)
	r.HandleFunc("/services", s.handleUpsertService).Methods(http.MethodPost)
	r.HandleFunc("/services/health", s.handleServiceHealth).Methods(http.MethodGet)
	r.HandleFunc("/services/{name}", s.handleGetService).Methods(http.MethodGet)
	r.HandleFunc("/services/{name}/status", s.handleUpdateServiceStatus).Methods(http.MethodPut)
	r.HandleFunc("/services/{name}/blast-radius", s.handleBlastRadius).Methods(http.MethodGet)
	r.HandleFunc("/services/{name}/impact", s.handleImpact).Methods(http.MethodGet)

	r.HandleFunc("/dependencies", s.handleListDependencies).Methods(http.MethodGet)
	r.HandleFunc("/dependencies", s.handleAddDependency).Methods(http.MethodPost)

	r.HandleFunc("/playbooks", s.handleListPlaybooks).Methods(http.MethodGet)
	r.HandleFunc("/playbooks/search", s.handleSearchPlaybooks).Methods(http.MethodPost)

	r.HandleFunc("/config-changes", s.handleListConfigChanges).Methods(http.MethodGet)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.orch.ListServices(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, services)
}

func (s *Server) handleUpsertService(w http.ResponseWriter, r *http.Request) {
	var req types.UpsertServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	svc, err := s.orch.UpsertService(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, svc)
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.orch.ServiceHealth(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.orch.GetService(r.Context(), pathVar(r, "name"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, svc)
}

func (s *Server) handleUpdateServiceStatus(w http.ResponseWriter, r *http.Request) {
	var req types.UpdateServiceStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := action.ValidateStruct(req); err != nil {
		s.respondError(w, r, err)
		return
	}
	name := pathVar(r, "name")
	if err := s.orch.UpdateServiceStatus(r.Context(), name, models.ServiceStatus(req.Status)); err != nil {
		s.respondError(w, r, err)
		return
	}
	svc, err := s.orch.GetService(r.Context(), name)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, svc)
}

// BlastRadiusResponse lists the services that transitively depend on Service.
type BlastRadiusResponse struct {
	Service       string                    `json:"service"`
	TotalAffected int                       `json:"total_affected"`
	Affected      []models.BlastRadiusEntry `json:"affected"`
}

func (s *Server) handleBlastRadius(w http.ResponseWriter, r *http.Request) {
	name := pathVar(r, "name")
	entries, err := s.orch.BlastRadius(r.Context(), name)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.BlastRadiusEntry{}
	}
	respondJSON(w, http.StatusOK, BlastRadiusResponse{Service: name, TotalAffected: len(entries), Affected: entries})
}

func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	impact, err := s.orch.AnalyzeImpact(r.Context(), pathVar(r, "name"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, impact)
}

func (s *Server) handleListDependencies(w http.ResponseWriter, r *http.Request) {
	deps, err := s.orch.ListDependencies(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, deps)
}

func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	var req types.AddDependencyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	dep, err := s.orch.AddDependency(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, dep)
}

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	pbs, err := s.orch.ListPlaybooks(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, pbs)
}

func (s *Server) handleSearchPlaybooks(w http.ResponseWriter, r *http.Request) {
	var req types.SearchPlaybooksRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.orch.SearchPlaybooks(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListConfigChanges(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	changes, err := s.orch.ListConfigChanges(r.Context(), r.URL.Query().Get("service"), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, changes)
}
