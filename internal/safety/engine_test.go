package safety

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kubilitics/kubilitics-remediation/internal/db"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/internal/reasoning"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/policy"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/risk"
)

type failingNarrator struct{}

func (failingNarrator) Narrate(context.Context, string) (string, error) {
	return "", errors.New("quota exceeded")
}

// newTestEngine seeds checkout with six transitive dependents, one of them
// critical, and a clock outside peak hours.
func newTestEngine(t *testing.T, narrator reasoning.Narrator) (*Engine, db.Store) {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	services := map[string]float64{
		"checkout": 0.9, "cart": 0.8, "web": 0.8, "mobile": 0.8,
		"admin": 0.8, "search": 0.8, "reports": 0.8, "batch": 0.3,
	}
	for name, score := range services {
		if err := store.UpsertService(ctx, &models.Service{
			Name: name, Type: "api", Status: models.ServiceHealthy, RollbackSafetyScore: score,
		}); err != nil {
			t.Fatalf("UpsertService(%s) error: %v", name, err)
		}
	}
	edges := []models.ServiceDependency{
		{Service: "cart", DependsOn: "checkout", Criticality: models.CriticalityCritical},
		{Service: "web", DependsOn: "cart", Criticality: models.CriticalityHigh},
		{Service: "mobile", DependsOn: "cart", Criticality: models.CriticalityHigh},
		{Service: "admin", DependsOn: "web", Criticality: models.CriticalityMedium},
		{Service: "search", DependsOn: "web", Criticality: models.CriticalityLow},
		{Service: "reports", DependsOn: "admin", Criticality: models.CriticalityLow},
	}
	for i := range edges {
		edges[i].DependencyType = "http"
		if err := store.UpsertDependency(ctx, &edges[i]); err != nil {
			t.Fatalf("UpsertDependency() error: %v", err)
		}
	}

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	return NewEngine(store, Options{Narrator: narrator, Clock: clk}), store
}

func incident(service string, sev models.Severity) *models.Incident {
	return &models.Incident{
		ID: "inc-1", ServiceName: service, Severity: sev, Status: models.IncidentOpen,
		ErrorSignature: "DB_POOL_EXHAUSTED", ErrorMessage: "connection pool exhausted",
	}
}

func TestRecommend_BlockedByBlastRadius(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	rec, err := engine.Recommend(context.Background(), incident("checkout", models.SeverityCritical), "rollback", nil)
	if err != nil {
		t.Fatalf("Recommend() error: %v", err)
	}
	if rec.Verdict != risk.VerdictBlocked {
		t.Errorf("Verdict = %s, want BLOCKED", rec.Verdict)
	}
	if rec.VerdictReason != "Action blocked by guardrails. Manual override required." {
		t.Errorf("VerdictReason = %q", rec.VerdictReason)
	}
	if rec.SafetyScore != 0.3 {
		t.Errorf("SafetyScore = %v, want 0.3", rec.SafetyScore)
	}
	if !rec.RequiresHumanApproval {
		t.Error("blocked recommendation must require human approval")
	}
	if rec.BlastRadius.TotalAffected != 6 || len(rec.BlastRadius.Services) != 6 {
		t.Errorf("BlastRadius = %+v, want 6 services", rec.BlastRadius)
	}
	if rec.Guardrails.Status != policy.StatusBlocked || rec.Guardrails.Blocked != 1 {
		t.Errorf("Guardrails = %+v", rec.Guardrails)
	}
	if rec.AIReasoning != reasoning.NotConfigured {
		t.Errorf("AIReasoning = %q", rec.AIReasoning)
	}
	if rec.EstimatedDowntimeSeconds != 300 {
		t.Errorf("EstimatedDowntimeSeconds = %d, want 300", rec.EstimatedDowntimeSeconds)
	}
	want := []string{
		"High blast radius (6 services affected)",
		"Some guardrail checks were blocked",
		"Critical severity incident - faster action needed",
	}
	if strings.Join(rec.RiskFactors, "|") != strings.Join(want, "|") {
		t.Errorf("RiskFactors = %v, want %v", rec.RiskFactors, want)
	}
}

func TestRecommend_RecommendedForLeafService(t *testing.T) {
	engine, _ := newTestEngine(t, reasoning.Static("Proceed."))

	rec, err := engine.Recommend(context.Background(), incident("reports", models.SeverityHigh), "restart",
		map[string]interface{}{"expected_resolution_time_minutes": 4})
	if err != nil {
		t.Fatalf("Recommend() error: %v", err)
	}
	if rec.Verdict != risk.VerdictRecommended {
		t.Errorf("Verdict = %s, want RECOMMENDED", rec.Verdict)
	}
	if rec.SafetyScore != 1 {
		t.Errorf("SafetyScore = %v, want 1", rec.SafetyScore)
	}
	if rec.RequiresHumanApproval {
		t.Error("clean recommendation should not require approval beyond the gate")
	}
	if rec.AIReasoning != "Proceed." {
		t.Errorf("AIReasoning = %q", rec.AIReasoning)
	}
	if rec.EstimatedDowntimeSeconds != 240 {
		t.Errorf("EstimatedDowntimeSeconds = %d, want 240", rec.EstimatedDowntimeSeconds)
	}
}

func TestRecommend_LowRollbackScore(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	rec, err := engine.Recommend(context.Background(), incident("batch", models.SeverityMedium), "rollback", nil)
	if err != nil {
		t.Fatalf("Recommend() error: %v", err)
	}
	if rec.SafetyScore != 0.8 {
		t.Errorf("SafetyScore = %v, want 0.8", rec.SafetyScore)
	}
	if len(rec.RiskFactors) != 1 || rec.RiskFactors[0] != "Low rollback safety score (0.3)" {
		t.Errorf("RiskFactors = %v", rec.RiskFactors)
	}
}

func TestRecommend_NarratorFailureKeepsVerdict(t *testing.T) {
	engine, _ := newTestEngine(t, failingNarrator{})

	rec, err := engine.Recommend(context.Background(), incident("reports", models.SeverityLow), "restart", nil)
	if err != nil {
		t.Fatalf("Recommend() error: %v", err)
	}
	if rec.Verdict != risk.VerdictRecommended {
		t.Errorf("Verdict = %s, want RECOMMENDED", rec.Verdict)
	}
	if !strings.Contains(rec.AIReasoning, "quota exceeded") {
		t.Errorf("AIReasoning = %q", rec.AIReasoning)
	}
}

func TestRecommend_InvalidDetails(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	_, err := engine.Recommend(context.Background(), incident("reports", models.SeverityLow), "scale",
		map[string]interface{}{"direction": "sideways"})
	if !models.IsValidation(err) {
		t.Fatalf("Recommend() error = %v, want ValidationError", err)
	}
}

func TestRecommend_UnknownService(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	_, err := engine.Recommend(context.Background(), incident("ghost", models.SeverityLow), "restart", nil)
	if !models.IsNotFound(err) {
		t.Fatalf("Recommend() error = %v, want NotFoundError", err)
	}
}

func TestBlockedGuardrailsAlwaysYieldBlockedVerdict(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	p := engine.Policy()
	p.MaxBlastRadius = 0
	engine.SetPolicy(p)

	for _, svc := range []string{"checkout", "cart", "web", "admin"} {
		for _, typ := range []string{"rollback", "restart", "scale_up", "flush_cache"} {
			rec, err := engine.Recommend(context.Background(), incident(svc, models.SeverityLow), typ, nil)
			if err != nil {
				t.Fatalf("Recommend(%s, %s) error: %v", svc, typ, err)
			}
			if rec.Guardrails.Blocked == 0 {
				t.Fatalf("Recommend(%s, %s): expected a blocked guardrail", svc, typ)
			}
			if rec.Verdict != risk.VerdictBlocked {
				t.Errorf("Recommend(%s, %s) verdict = %s, want BLOCKED", svc, typ, rec.Verdict)
			}
		}
	}
}

func TestEvaluateGuardrails(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	res, err := engine.EvaluateGuardrails(context.Background(), "rollback", "checkout", nil)
	if err != nil {
		t.Fatalf("EvaluateGuardrails() error: %v", err)
	}
	if res.Status != policy.StatusBlocked {
		t.Errorf("Status = %s, want blocked", res.Status)
	}
	if got := engine.Rules(); len(got) != 5 || got[0] != "blast_radius" {
		t.Errorf("Rules() = %v", got)
	}
}

func TestSetWeights(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	w := engine.Weights()
	w.RecommendedThreshold = 1.1
	engine.SetWeights(w)

	rec, err := engine.Recommend(context.Background(), incident("reports", models.SeverityLow), "restart", nil)
	if err != nil {
		t.Fatalf("Recommend() error: %v", err)
	}
	if rec.Verdict != risk.VerdictCaution {
		t.Errorf("Verdict = %s, want CAUTION", rec.Verdict)
	}
}
