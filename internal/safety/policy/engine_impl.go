package policy

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/kubilitics/kubilitics-remediation/internal/action"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/blastradius"
)

// ─── Evaluation input ─────────────────────────────────────────────────────────

// subject is everything a check may look at. It is gathered once per
// evaluation so every check sees the same snapshot.
type subject struct {
	act         action.Action
	service     *models.Service
	blastRadius []models.BlastRadiusEntry
	dependents  []*models.Dependent
	hourUTC     int
	policy      Policy
}

// rule is one guardrail. applies reports whether the check runs at all for the
// subject; check produces its outcome.
type rule struct {
	name    string
	applies func(s *subject) bool
	check   func(s *subject) Check
}

func always(*subject) bool { return true }

// rules are evaluated in order and reported in the same order.
var rules = []rule{
	{name: "blast_radius", applies: always, check: checkBlastRadius},
	{name: "critical_dependency", applies: always, check: checkCriticalDependency},
	{
		name: "rollback_safety",
		applies: func(s *subject) bool {
			return s.policy.RollbackAlwaysAllowed && s.act.Type() == action.TypeRollback
		},
		check: checkRollbackSafety,
	},
	{name: "peak_hours", applies: always, check: checkPeakHours},
	{
		name: "scale_factor",
		applies: func(s *subject) bool {
			sc, ok := s.act.(action.Scale)
			return ok && sc.Dir() == action.DirectionUp
		},
		check: checkScaleFactor,
	},
}

// ─── Checks ───────────────────────────────────────────────────────────────────

func checkBlastRadius(s *subject) Check {
	n, max := len(s.blastRadius), s.policy.MaxBlastRadius
	if n > max {
		affected := make([]string, 0, n)
		for _, e := range s.blastRadius {
			affected = append(affected, e.ServiceName)
		}
		return Check{
			Status:           CheckBlocked,
			Message:          fmt.Sprintf("Blast radius (%d) exceeds maximum (%d)", n, max),
			AffectedServices: affected,
		}
	}
	return Check{Status: CheckPassed, Message: fmt.Sprintf("Blast radius (%d) within limits", n)}
}

func checkCriticalDependency(s *subject) Check {
	var critical []string
	for _, d := range s.dependents {
		if d.Criticality == models.CriticalityCritical {
			critical = append(critical, d.ServiceName)
		}
	}
	if len(critical) > 0 && s.policy.CriticalServicesRequireApproval {
		return Check{
			Status:             CheckWarning,
			Message:            fmt.Sprintf("Service has %d critical dependent(s). Requires human approval.", len(critical)),
			RequiresApproval:   true,
			CriticalDependents: critical,
		}
	}
	return Check{Status: CheckPassed, Message: "No critical dependencies affected"}
}

func checkRollbackSafety(s *subject) Check {
	score := 0.5
	if s.service != nil {
		score = s.service.RollbackSafetyScore
	}
	return Check{
		Status:  CheckPassed,
		Message: fmt.Sprintf("Rollback allowed (safety score: %s)", strconv.FormatFloat(score, 'f', -1, 64)),
	}
}

func checkPeakHours(s *subject) Check {
	key := s.act.PolicyKey()
	if s.policy.InPeakWindow(s.hourUTC) && s.policy.PeakBlocked(key) {
		return Check{
			Status: CheckBlocked,
			Message: fmt.Sprintf("Action '%s' is blocked during peak hours (%02d:00-%02d:00 UTC)",
				key, s.policy.PeakHoursStartUTC, s.policy.PeakHoursEndUTC),
		}
	}
	return Check{Status: CheckPassed, Message: "Not in peak hours or action is allowed"}
}

func checkScaleFactor(s *subject) Check {
	sc := s.act.(action.Scale)
	ratio := sc.Ratio()
	if ratio > s.policy.MaxScaleFactor {
		desc := fmt.Sprintf("%.1fx", ratio)
		if sc.HasRange() {
			from, to := sc.Range()
			desc = fmt.Sprintf("%d/%d=%.1fx", to, from, ratio)
		}
		return Check{
			Status: CheckBlocked,
			Message: fmt.Sprintf("Scale factor (%s) exceeds maximum (%sx)",
				desc, strconv.FormatFloat(s.policy.MaxScaleFactor, 'f', -1, 64)),
		}
	}
	return Check{Status: CheckPassed, Message: "Scale factor within limits"}
}

// ─── Engine ───────────────────────────────────────────────────────────────────

type engineImpl struct {
	calc   blastradius.Calculator
	topo   blastradius.Topology
	clock  clock.Clock
	policy atomic.Pointer[Policy]
}

// NewEngine creates a guardrail engine. A nil clock uses the wall clock.
func NewEngine(calc blastradius.Calculator, topo blastradius.Topology, clk clock.Clock, p Policy) Engine {
	if clk == nil {
		clk = clock.New()
	}
	e := &engineImpl{calc: calc, topo: topo, clock: clk}
	e.SetPolicy(p)
	return e
}

func (e *engineImpl) Policy() Policy { return *e.policy.Load() }

func (e *engineImpl) SetPolicy(p Policy) {
	p.PeakBlockedActions = append([]string(nil), p.PeakBlockedActions...)
	e.policy.Store(&p)
}

func (e *engineImpl) Rules() []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.name
	}
	return names
}

func (e *engineImpl) Evaluate(ctx context.Context, act action.Action, service string) (*Result, error) {
	if act == nil {
		return nil, &models.ValidationError{Field: "action_type", Message: "is required"}
	}
	svc, err := e.topo.GetService(ctx, service)
	if err != nil {
		return nil, err
	}
	radius, err := e.calc.BlastRadius(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("blast radius of %s: %w", service, err)
	}
	dependents, err := e.calc.DirectDependents(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("dependents of %s: %w", service, err)
	}

	s := &subject{
		act:         act,
		service:     svc,
		blastRadius: radius,
		dependents:  dependents,
		hourUTC:     e.clock.Now().UTC().Hour(),
		policy:      e.Policy(),
	}

	res := &Result{
		ActionType:  act.PolicyKey(),
		ServiceName: service,
		BlastRadius: radius,
	}
	for _, r := range rules {
		if !r.applies(s) {
			continue
		}
		c := r.check(s)
		c.Name = r.name
		res.Checks = append(res.Checks, c)
		switch c.Status {
		case CheckPassed:
			res.Passed++
		case CheckWarning:
			res.Warnings++
		case CheckBlocked:
			res.Blocked++
		}
		if c.RequiresApproval {
			res.RequiresApproval = true
		}
	}
	res.Total = len(res.Checks)
	res.AllChecksPassed = res.Passed == res.Total

	switch {
	case res.Blocked > 0:
		res.Status = StatusBlocked
	case res.RequiresApproval:
		res.Status = StatusRequiresApproval
	default:
		res.Status = StatusApproved
	}
	return res, nil
}
