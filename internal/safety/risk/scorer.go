package risk

import (
	"fmt"
	"math"
	"strconv"
	"sync/atomic"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

// Package risk turns a blast radius and a guardrail outcome into a safety
// score and a verdict.
//
// Scoring:
//   start at StartingScore, subtract one penalty per matching factor, clamp to
//   [0, 1], round to two decimals. Every factor that matched is reported as a
//   human-readable string whether or not it carries a penalty.
//
// Verdicts (first match wins):
//   BLOCKED          any guardrail blocked
//   RECOMMENDED      score >= RecommendedThreshold
//   CAUTION          score >= CautionThreshold
//   NOT_RECOMMENDED  otherwise

// Verdict is the scorer's recommendation for a proposed action.
type Verdict string

const (
	VerdictBlocked        Verdict = "BLOCKED"
	VerdictRecommended    Verdict = "RECOMMENDED"
	VerdictCaution        Verdict = "CAUTION"
	VerdictNotRecommended Verdict = "NOT_RECOMMENDED"
)

var verdictReasons = map[Verdict]string{
	VerdictBlocked:        "Action blocked by guardrails. Manual override required.",
	VerdictRecommended:    "Low risk. Safe to proceed with human approval.",
	VerdictCaution:        "Medium risk. Proceed with careful monitoring.",
	VerdictNotRecommended: "High risk. Consider alternative actions.",
}

// Reason returns the fixed explanation attached to v.
func (v Verdict) Reason() string { return verdictReasons[v] }

// Weights are the named scoring constants.
type Weights struct {
	StartingScore              float64
	HighBlastRadiusThreshold   int
	HighBlastRadiusPenalty     float64
	ModerateBlastRadiusPenalty float64
	GuardrailBlockedPenalty    float64
	LowRollbackSafetyThreshold float64
	LowRollbackSafetyPenalty   float64
	RecommendedThreshold       float64
	CautionThreshold           float64
	DefaultDowntimeSeconds     int
}

// DefaultWeights returns the standard scoring constants.
func DefaultWeights() Weights {
	return Weights{
		StartingScore:              1.0,
		HighBlastRadiusThreshold:   3,
		HighBlastRadiusPenalty:     0.3,
		ModerateBlastRadiusPenalty: 0.1,
		GuardrailBlockedPenalty:    0.4,
		LowRollbackSafetyThreshold: 0.5,
		LowRollbackSafetyPenalty:   0.2,
		RecommendedThreshold:       0.7,
		CautionThreshold:           0.4,
		DefaultDowntimeSeconds:     300,
	}
}

// Input is what the scorer needs to know about a proposed action.
type Input struct {
	BlastRadius               int
	GuardrailsBlocked         bool
	GuardrailRequiresApproval bool
	Severity                  models.Severity
	// RollbackSafetyScore is nil when the target service is unknown.
	RollbackSafetyScore *float64
}

// Assessment is the scorer's output.
type Assessment struct {
	SafetyScore           float64  `json:"safety_score"`
	Verdict               Verdict  `json:"verdict"`
	VerdictReason         string   `json:"verdict_reason"`
	RiskFactors           []string `json:"risk_factors"`
	RequiresHumanApproval bool     `json:"requires_human_approval"`
}

// Scorer computes assessments. It is safe for concurrent use; weights can be
// replaced at runtime.
type Scorer struct {
	weights atomic.Pointer[Weights]
}

// NewScorer creates a scorer with the given weights.
func NewScorer(w Weights) *Scorer {
	s := &Scorer{}
	s.SetWeights(w)
	return s
}

func (s *Scorer) Weights() Weights { return *s.weights.Load() }

func (s *Scorer) SetWeights(w Weights) { s.weights.Store(&w) }

// EstimatedDowntimeSeconds converts an expected resolution time into seconds,
// falling back to the configured default when none is given.
func (s *Scorer) EstimatedDowntimeSeconds(expectedMinutes int) int {
	if expectedMinutes > 0 {
		return expectedMinutes * 60
	}
	return s.Weights().DefaultDowntimeSeconds
}

// Score assesses in.
func (s *Scorer) Score(in Input) Assessment {
	w := s.Weights()
	score := w.StartingScore
	factors := []string{}

	switch {
	case in.BlastRadius > w.HighBlastRadiusThreshold:
		score -= w.HighBlastRadiusPenalty
		factors = append(factors, fmt.Sprintf("High blast radius (%d services affected)", in.BlastRadius))
	case in.BlastRadius > 0:
		score -= w.ModerateBlastRadiusPenalty
		factors = append(factors, fmt.Sprintf("Moderate blast radius (%d services affected)", in.BlastRadius))
	}

	if in.GuardrailsBlocked {
		score -= w.GuardrailBlockedPenalty
		factors = append(factors, "Some guardrail checks were blocked")
	}

	if in.Severity == models.SeverityCritical {
		factors = append(factors, "Critical severity incident - faster action needed")
	}

	if in.RollbackSafetyScore != nil && *in.RollbackSafetyScore < w.LowRollbackSafetyThreshold {
		score -= w.LowRollbackSafetyPenalty
		factors = append(factors, fmt.Sprintf("Low rollback safety score (%s)",
			strconv.FormatFloat(*in.RollbackSafetyScore, 'f', -1, 64)))
	}

	score = math.Round(math.Max(0, math.Min(1, score))*100) / 100

	var v Verdict
	switch {
	case in.GuardrailsBlocked:
		v = VerdictBlocked
	case score >= w.RecommendedThreshold:
		v = VerdictRecommended
	case score >= w.CautionThreshold:
		v = VerdictCaution
	default:
		v = VerdictNotRecommended
	}

	return Assessment{
		SafetyScore:           score,
		Verdict:               v,
		VerdictReason:         v.Reason(),
		RiskFactors:           factors,
		RequiresHumanApproval: in.GuardrailRequiresApproval || v != VerdictRecommended,
	}
}
