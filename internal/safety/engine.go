package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/action"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/internal/reasoning"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/blastradius"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/policy"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/risk"
)

// Package safety provides the unified Safety Engine for the remediation
// orchestrator.
//
// The Safety Engine is the layer between a proposed remediation and the
// approval gate. It decides, deterministically, how dangerous an action is and
// whether a human must look at it first. AI narration is attached to the
// result but never feeds into the decision.
//
// Evaluation Flow:
//   Action Proposed (incident + action type + details)
//      ↓
//   0. Boundary: parse details into a typed action (ValidationError if malformed)
//      ↓
//   1. Guardrail Policy Engine: fixed battery of checks
//      - blast radius, critical dependents, rollback safety,
//        peak hours, scale factor
//      ↓
//   2. Risk Scorer: safety score, risk factors, verdict
//      - BLOCKED whenever any guardrail blocked
//      ↓
//   3. Narrator (optional): free-text commentary
//      ↓
//   Recommendation (requires_human_approval, estimated downtime)
//
// Integration Points:
//   - Orchestrator: evaluateGuardrails, produceRecommendation, analyzeImpact
//   - Configuration: policy and weights are swapped atomically on reload
//   - Tracing: one span per recommendation

// BlastRadiusService is one entry of a recommendation's blast radius summary.
type BlastRadiusService struct {
	Name string `json:"name"`
	Hops int    `json:"hops"`
}

// BlastRadiusSummary summarises the traversal for a recommendation.
type BlastRadiusSummary struct {
	TotalAffected int                  `json:"total_affected"`
	Services      []BlastRadiusService `json:"services"`
}

// GuardrailSummary summarises the guardrail outcome for a recommendation.
type GuardrailSummary struct {
	Status   policy.OverallStatus `json:"status"`
	Passed   int                  `json:"passed"`
	Blocked  int                  `json:"blocked"`
	Warnings int                  `json:"warnings"`
}

// Recommendation is the risk-assessed verdict on a proposed action.
type Recommendation struct {
	IncidentID               string                 `json:"incident_id"`
	ServiceName              string                 `json:"service_name"`
	IncidentSeverity         models.Severity        `json:"incident_severity"`
	ProposedAction           string                 `json:"proposed_action"`
	ProposedActionDetails    map[string]interface{} `json:"proposed_action_details"`
	Verdict                  risk.Verdict           `json:"verdict"`
	VerdictReason            string                 `json:"verdict_reason"`
	SafetyScore              float64                `json:"safety_score"`
	RiskFactors              []string               `json:"risk_factors"`
	BlastRadius              BlastRadiusSummary     `json:"blast_radius"`
	Guardrails               GuardrailSummary       `json:"guardrail_results"`
	AIReasoning              string                 `json:"ai_reasoning"`
	RequiresHumanApproval    bool                   `json:"requires_human_approval"`
	EstimatedDowntimeSeconds int                    `json:"estimated_downtime_seconds"`
	Timestamp                time.Time              `json:"timestamp"`
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Policy        policy.Policy
	Weights       risk.Weights
	ImpactWeights blastradius.ImpactWeights
	Narrator      reasoning.Narrator
	Clock         clock.Clock
	Logger        *zap.Logger
}

// Engine is the unified safety engine.
type Engine struct {
	topo       blastradius.Topology
	calculator blastradius.Calculator
	guardrails policy.Engine
	scorer     *risk.Scorer
	narrator   reasoning.Narrator
	clock      clock.Clock
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewEngine creates a safety engine over the given topology.
func NewEngine(topo blastradius.Topology, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Policy.MaxBlastRadius == 0 && opts.Policy.MaxScaleFactor == 0 {
		opts.Policy = policy.DefaultPolicy()
	}
	if opts.Weights.StartingScore == 0 {
		opts.Weights = risk.DefaultWeights()
	}
	if opts.ImpactWeights == (blastradius.ImpactWeights{}) {
		opts.ImpactWeights = blastradius.DefaultImpactWeights()
	}

	calc := blastradius.NewCalculator(topo, opts.ImpactWeights)
	return &Engine{
		topo:       topo,
		calculator: calc,
		guardrails: policy.NewEngine(calc, topo, opts.Clock, opts.Policy),
		scorer:     risk.NewScorer(opts.Weights),
		narrator:   opts.Narrator,
		clock:      opts.Clock,
		logger:     opts.Logger,
		tracer:     otel.Tracer("github.com/kubilitics/kubilitics-remediation/internal/safety"),
	}
}

// Policy returns the guardrail thresholds in force.
func (e *Engine) Policy() policy.Policy { return e.guardrails.Policy() }

// SetPolicy replaces the guardrail thresholds.
func (e *Engine) SetPolicy(p policy.Policy) { e.guardrails.SetPolicy(p) }

// Weights returns the risk weights in force.
func (e *Engine) Weights() risk.Weights { return e.scorer.Weights() }

// SetWeights replaces the risk weights.
func (e *Engine) SetWeights(w risk.Weights) { e.scorer.SetWeights(w) }

// Rules lists the guardrail checks in evaluation order.
func (e *Engine) Rules() []string { return e.guardrails.Rules() }

// BlastRadius returns every transitive dependent of service.
func (e *Engine) BlastRadius(ctx context.Context, service string) ([]models.BlastRadiusEntry, error) {
	return e.calculator.BlastRadius(ctx, service)
}

// AnalyzeImpact grades the impact of disrupting service.
func (e *Engine) AnalyzeImpact(ctx context.Context, service string) (*blastradius.Impact, error) {
	return e.calculator.AnalyzeImpact(ctx, service)
}

// EvaluateGuardrails parses the proposed action and runs the guardrails on it.
func (e *Engine) EvaluateGuardrails(ctx context.Context, actionType, service string, details map[string]interface{}) (*policy.Result, error) {
	act, err := action.Parse(actionType, details)
	if err != nil {
		return nil, err
	}
	return e.guardrails.Evaluate(ctx, act, service)
}

// Recommend produces a risk-assessed recommendation for running the proposed
// action against the incident's service.
func (e *Engine) Recommend(ctx context.Context, inc *models.Incident, actionType string, details map[string]interface{}) (*Recommendation, error) {
	ctx, span := e.tracer.Start(ctx, "safety.Recommend", trace.WithAttributes(
		attribute.String("incident.id", inc.ID),
		attribute.String("service.name", inc.ServiceName),
		attribute.String("action.type", actionType),
	))
	defer span.End()

	rec, err := e.recommend(ctx, inc, actionType, details)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("verdict", string(rec.Verdict)),
		attribute.Float64("safety_score", rec.SafetyScore),
	)
	return rec, nil
}

func (e *Engine) recommend(ctx context.Context, inc *models.Incident, actionType string, details map[string]interface{}) (*Recommendation, error) {
	act, err := action.Parse(actionType, details)
	if err != nil {
		return nil, err
	}
	service := inc.ServiceName

	guard, err := e.guardrails.Evaluate(ctx, act, service)
	if err != nil {
		return nil, err
	}
	svc, err := e.topo.GetService(ctx, service)
	if err != nil {
		return nil, err
	}
	dependents, err := e.calculator.DirectDependents(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("dependents of %s: %w", service, err)
	}

	rollbackScore := svc.RollbackSafetyScore
	assessment := e.scorer.Score(risk.Input{
		BlastRadius:               len(guard.BlastRadius),
		GuardrailsBlocked:         guard.Blocked > 0,
		GuardrailRequiresApproval: guard.RequiresApproval,
		Severity:                  inc.Severity,
		RollbackSafetyScore:       &rollbackScore,
	})

	if details == nil {
		details = map[string]interface{}{}
	}
	rec := &Recommendation{
		IncidentID:            inc.ID,
		ServiceName:           service,
		IncidentSeverity:      inc.Severity,
		ProposedAction:        actionType,
		ProposedActionDetails: details,
		Verdict:               assessment.Verdict,
		VerdictReason:         assessment.VerdictReason,
		SafetyScore:           assessment.SafetyScore,
		RiskFactors:           assessment.RiskFactors,
		BlastRadius: BlastRadiusSummary{
			TotalAffected: len(guard.BlastRadius),
			Services:      make([]BlastRadiusService, 0, len(guard.BlastRadius)),
		},
		Guardrails: GuardrailSummary{
			Status:   guard.Status,
			Passed:   guard.Passed,
			Blocked:  guard.Blocked,
			Warnings: guard.Warnings,
		},
		RequiresHumanApproval:    assessment.RequiresHumanApproval,
		EstimatedDowntimeSeconds: e.scorer.EstimatedDowntimeSeconds(act.ExpectedResolutionMinutes()),
		Timestamp:                e.clock.Now().UTC(),
	}
	for _, b := range guard.BlastRadius {
		rec.BlastRadius.Services = append(rec.BlastRadius.Services, BlastRadiusService{Name: b.ServiceName, Hops: b.Hops})
	}

	names := make([]string, 0, len(dependents))
	for _, d := range dependents {
		names = append(names, d.ServiceName)
	}
	rec.AIReasoning = e.narrate(ctx, reasoning.RecommendationFacts{
		Service:         service,
		ErrorMessage:    inc.ErrorMessage,
		RootCause:       inc.RootCause,
		Severity:        string(inc.Severity),
		Action:          actionType,
		Details:         details,
		BlastRadius:     len(guard.BlastRadius),
		Dependents:      names,
		GuardrailStatus: string(guard.Status),
		SafetyScore:     assessment.SafetyScore,
	})

	e.logger.Info("recommendation produced",
		zap.String("incident_id", inc.ID),
		zap.String("service", service),
		zap.String("action", actionType),
		zap.String("verdict", string(rec.Verdict)),
		zap.Float64("safety_score", rec.SafetyScore),
	)
	return rec, nil
}

// narrate never fails: narration problems are logged and reported in the text.
func (e *Engine) narrate(ctx context.Context, facts reasoning.RecommendationFacts) string {
	if e.narrator == nil {
		return reasoning.NotConfigured
	}
	prompt, err := reasoning.RecommendationPrompt(facts)
	if err == nil {
		var text string
		if text, err = e.narrator.Narrate(ctx, prompt); err == nil {
			return text
		}
	}
	e.logger.Warn("narration failed", zap.String("service", facts.Service), zap.Error(err))
	return "AI reasoning unavailable: " + err.Error()
}
