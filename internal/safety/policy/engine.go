package policy

import (
	"context"

	"github.com/kubilitics/kubilitics-remediation/internal/action"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

// Package policy provides the Guardrail Policy Engine, the gatekeeper every
// proposed remediation passes through before it can be approved.
//
// Responsibilities:
//   - Evaluate a proposed action against a fixed, ordered battery of checks
//   - Report every check individually with a human-readable message
//   - Derive an overall status the approval flow and risk scorer consume
//   - Stay read-only: evaluation has no side effects and may run concurrently
//
// Checks (evaluated in this order):
//
//   1. blast_radius         blocked when more services depend on the target
//                           (transitively) than MaxBlastRadius allows
//   2. critical_dependency  warning requiring approval when any direct
//                           dependent relies on the target with critical criticality
//   3. rollback_safety      rollbacks only; always passes and reports the
//                           service's historical rollback safety score
//   4. peak_hours           blocked inside the UTC peak window for the action
//                           keys in PeakBlockedActions (restart, scale_down)
//   5. scale_factor         scale-up only; blocked when the instance ratio
//                           exceeds MaxScaleFactor
//
// Overall status:
//   blocked            if any check is blocked
//   requires_approval  else if any warning demands approval
//   approved           otherwise
//
// Integration Points:
//   - Blast radius calculator: transitive and direct dependents
//   - Risk scorer: consumes the Result
//   - Configuration: Policy is replaced atomically on reload

// CheckStatus is the outcome of a single guardrail check.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckWarning CheckStatus = "warning"
	CheckBlocked CheckStatus = "blocked"
)

// OverallStatus summarises all checks.
type OverallStatus string

const (
	StatusApproved         OverallStatus = "approved"
	StatusRequiresApproval OverallStatus = "requires_approval"
	StatusBlocked          OverallStatus = "blocked"
)

// Check is the result of one guardrail.
type Check struct {
	Name               string      `json:"check"`
	Status             CheckStatus `json:"status"`
	Message            string      `json:"message"`
	RequiresApproval   bool        `json:"-"`
	AffectedServices   []string    `json:"affected_services,omitempty"`
	CriticalDependents []string    `json:"critical_dependents,omitempty"`
}

// Result is the outcome of Evaluate.
type Result struct {
	Status           OverallStatus `json:"status"`
	ActionType       string        `json:"action_type"`
	ServiceName      string        `json:"service_name"`
	AllChecksPassed  bool          `json:"all_checks_passed"`
	RequiresApproval bool          `json:"requires_human_approval"`
	Checks           []Check       `json:"checks"`
	Total            int           `json:"total_checks"`
	Passed           int           `json:"passed"`
	Warnings         int           `json:"warnings"`
	Blocked          int           `json:"blocked"`

	// BlastRadius is the traversal the checks were evaluated against.
	BlastRadius []models.BlastRadiusEntry `json:"-"`
}

// Engine evaluates proposed actions against the guardrails.
type Engine interface {
	// Evaluate runs every applicable check for act against service.
	// Fails with a NotFoundError when service does not exist.
	Evaluate(ctx context.Context, act action.Action, service string) (*Result, error)

	// Policy returns the thresholds currently in force.
	Policy() Policy

	// SetPolicy atomically replaces the thresholds for subsequent evaluations.
	SetPolicy(p Policy)

	// Rules lists the check names in evaluation order.
	Rules() []string
}

// Policy holds the guardrail thresholds.
type Policy struct {
	MaxBlastRadius                  int
	CriticalServicesRequireApproval bool
	RollbackAlwaysAllowed           bool
	PeakHoursStartUTC               int
	PeakHoursEndUTC                 int
	PeakBlockedActions              []string
	MaxScaleFactor                  float64
}

// DefaultPolicy returns the standard guardrail thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MaxBlastRadius:                  5,
		CriticalServicesRequireApproval: true,
		RollbackAlwaysAllowed:           true,
		PeakHoursStartUTC:               14,
		PeakHoursEndUTC:                 22,
		PeakBlockedActions:              []string{"restart", "scale_down"},
		MaxScaleFactor:                  3,
	}
}

// InPeakWindow reports whether hour falls in [start, end). A window whose start
// is after its end wraps midnight.
func (p Policy) InPeakWindow(hour int) bool {
	start, end := p.PeakHoursStartUTC, p.PeakHoursEndUTC
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// PeakBlocked reports whether the action key is restricted during peak hours.
func (p Policy) PeakBlocked(key string) bool {
	for _, a := range p.PeakBlockedActions {
		if a == key {
			return true
		}
	}
	return false
}
