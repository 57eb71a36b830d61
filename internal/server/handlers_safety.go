package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kubilitics/kubilitics-remediation/internal/safety/policy"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/risk"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

func (s *Server) registerSafetyRoutes(r *mux.Router) {
	r.HandleFunc("/guardrails/evaluate", s.handleEvaluateGuardrails).Methods(http.MethodPost)
	r.HandleFunc("/guardrails/rules", s.handleGuardrailRules).Methods(http.MethodGet)
	r.HandleFunc("/recommendations", s.handleRecommendation).Methods(http.MethodPost)
}

func (s *Server) handleEvaluateGuardrails(w http.ResponseWriter, r *http.Request) {
	var req types.GuardrailRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.orch.EvaluateGuardrails(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// GuardrailRulesResponse describes the active guardrails.
type GuardrailRulesResponse struct {
	Rules     []string      `json:"rules"`
	Policy    policy.Policy `json:"policy"`
	Weights   risk.Weights  `json:"weights"`
	Timestamp time.Time     `json:"timestamp"`
}

func (s *Server) handleGuardrailRules(w http.ResponseWriter, r *http.Request) {
	eng := s.orch.Safety()
	respondJSON(w, http.StatusOK, GuardrailRulesResponse{
		Rules:     eng.Rules(),
		Policy:    eng.Policy(),
		Weights:   eng.Weights(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleRecommendation(w http.ResponseWriter, r *http.Request) {
	var req types.RecommendationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	rec, err := s.orch.ProduceRecommendation(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
