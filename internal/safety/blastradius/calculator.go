package blastradius

import (
	"context"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

// Package blastradius computes which services are affected when a service is
// changed or goes down.
//
// Responsibilities:
//   - Walk incoming dependency edges ("who depends on this service") breadth
//     first, so every dependent is reported at its minimum hop distance
//   - Stay cycle-safe: each service is visited at most once regardless of
//     duplicate or cyclic edges
//   - Report direct dependents with the criticality of the edge
//   - Grade the impact of a change with a bounded risk score
//
// Ordering:
//   Results are sorted by hop count ascending, then by service name, so the
//   output is deterministic for a given graph.
//
// Consistency:
//   Each call reads the edge set once and traverses that snapshot. Concurrent
//   topology writes are either fully visible to a call or not at all.
//
// Integration Points:
//   - Guardrail engine: blast_radius and critical_dependency checks
//   - Risk scorer: blast radius penalty
//   - HTTP API / CLI: impact analysis for operators

// Topology is the read side of the store the calculator needs.
type Topology interface {
	GetService(ctx context.Context, name string) (*models.Service, error)
	ListDependencies(ctx context.Context) ([]*models.ServiceDependency, error)
	DirectDependents(ctx context.Context, name string) ([]*models.Dependent, error)
}

// Calculator defines the interface for impact calculation.
type Calculator interface {
	// BlastRadius returns every service that transitively depends on service,
	// ordered by hops then name. The root itself is not included. Fails with a
	// NotFoundError when the root service does not exist.
	BlastRadius(ctx context.Context, service string) ([]models.BlastRadiusEntry, error)

	// DirectDependents returns the services with an edge onto service.
	DirectDependents(ctx context.Context, service string) ([]*models.Dependent, error)

	// AnalyzeImpact summarises the blast radius together with a graded risk.
	AnalyzeImpact(ctx context.Context, service string) (*Impact, error)
}

// Impact is the result of AnalyzeImpact.
type Impact struct {
	ServiceName         string                    `json:"service_name"`
	ServiceType         string                    `json:"service_type"`
	CurrentStatus       models.ServiceStatus      `json:"current_status"`
	CurrentVersion      string                    `json:"current_version"`
	RollbackSafetyScore float64                   `json:"rollback_safety_score"`
	DirectDependents    []*models.Dependent       `json:"direct_dependents"`
	TotalBlastRadius    int                       `json:"total_blast_radius"`
	BlastRadiusChain    []models.BlastRadiusEntry `json:"blast_radius_chain"`
	CriticalDependents  int                       `json:"critical_dependencies"`
	HighDependents      int                       `json:"high_dependencies"`
	RiskScore           float64                   `json:"risk_score"`
	RiskLevel           string                    `json:"risk_level"`
}
