package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/action"
	"github.com/kubilitics/kubilitics-remediation/internal/audit"
	"github.com/kubilitics/kubilitics-remediation/internal/metrics"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/internal/safety"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/blastradius"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/policy"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

// BlastRadius returns every service that transitively depends on service.
func (s *Service) BlastRadius(ctx context.Context, service string) ([]models.BlastRadiusEntry, error) {
	if service == "" {
		return nil, &models.ValidationError{Field: "service_name", Message: "is required"}
	}
	return s.safety.BlastRadius(ctx, service)
}

// AnalyzeImpact grades the impact of changing service.
func (s *Service) AnalyzeImpact(ctx context.Context, service string) (*blastradius.Impact, error) {
	if service == "" {
		return nil, &models.ValidationError{Field: "service_name", Message: "is required"}
	}
	return s.safety.AnalyzeImpact(ctx, service)
}

// EvaluateGuardrails runs the guardrail battery and records the outcome.
func (s *Service) EvaluateGuardrails(ctx context.Context, req types.GuardrailRequest) (*policy.Result, error) {
	if err := action.ValidateStruct(req); err != nil {
		return nil, err
	}
	res, err := s.safety.EvaluateGuardrails(ctx, req.ActionType, req.ServiceName, req.ActionDetails)
	if err != nil {
		return nil, err
	}

	metrics.GuardrailEvaluations.WithLabelValues(res.ActionType, string(res.Status)).Inc()
	for _, c := range res.Checks {
		if c.Status == policy.CheckBlocked {
			metrics.GuardrailBlocked.WithLabelValues(c.Name, res.ActionType).Inc()
		}
	}
	s.record(string(audit.EventGuardrailEvaluated), s.audit.LogGuardrailEvaluated(ctx, res))

	if res.Status == policy.StatusBlocked {
		s.logger.Warn("guardrails blocked action",
			zap.String("action", res.ActionType),
			zap.String("service", res.ServiceName),
			zap.Int("blocked", res.Blocked),
		)
	}
	return res, nil
}

// ProduceRecommendation scores a proposed action against an incident.
func (s *Service) ProduceRecommendation(ctx context.Context, req types.RecommendationRequest) (*safety.Recommendation, error) {
	if err := action.ValidateStruct(req); err != nil {
		return nil, err
	}
	inc, err := s.store.GetIncident(ctx, req.IncidentID)
	if err != nil {
		return nil, err
	}

	rec, err := s.safety.Recommend(ctx, inc, req.ActionType, req.ActionDetails)
	if err != nil {
		return nil, err
	}

	metrics.Recommendations.WithLabelValues(string(rec.Verdict)).Inc()
	metrics.SafetyScore.Observe(rec.SafetyScore)
	s.record(string(audit.EventRecommendationProduced), s.audit.LogRecommendation(ctx, rec))
	s.logger.Info("recommendation produced",
		zap.String("incident_id", rec.IncidentID),
		zap.String("action", rec.ProposedAction),
		zap.String("verdict", string(rec.Verdict)),
		zap.Float64("safety_score", rec.SafetyScore),
	)
	return rec, nil
}
