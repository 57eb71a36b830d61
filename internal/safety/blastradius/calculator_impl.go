package blastradius

import (
	"context"
	"math"
	"sort"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

// ImpactWeights grade AnalyzeImpact's risk score.
type ImpactWeights struct {
	CriticalDependent float64
	HighDependent     float64
	AffectedService   float64
}

// DefaultImpactWeights returns the standard impact weights.
func DefaultImpactWeights() ImpactWeights {
	return ImpactWeights{CriticalDependent: 0.3, HighDependent: 0.15, AffectedService: 0.05}
}

type calculatorImpl struct {
	topo    Topology
	weights ImpactWeights
}

// NewCalculator creates a blast radius calculator over the given topology.
func NewCalculator(topo Topology, weights ImpactWeights) Calculator {
	return &calculatorImpl{topo: topo, weights: weights}
}

func (c *calculatorImpl) BlastRadius(ctx context.Context, service string) ([]models.BlastRadiusEntry, error) {
	if _, err := c.topo.GetService(ctx, service); err != nil {
		return nil, err
	}
	edges, err := c.topo.ListDependencies(ctx)
	if err != nil {
		return nil, err
	}
	return Traverse(service, edges), nil
}

func (c *calculatorImpl) DirectDependents(ctx context.Context, service string) ([]*models.Dependent, error) {
	return c.topo.DirectDependents(ctx, service)
}

func (c *calculatorImpl) AnalyzeImpact(ctx context.Context, service string) (*Impact, error) {
	svc, err := c.topo.GetService(ctx, service)
	if err != nil {
		return nil, err
	}
	direct, err := c.topo.DirectDependents(ctx, service)
	if err != nil {
		return nil, err
	}
	edges, err := c.topo.ListDependencies(ctx)
	if err != nil {
		return nil, err
	}
	chain := Traverse(service, edges)

	imp := &Impact{
		ServiceName:         svc.Name,
		ServiceType:         svc.Type,
		CurrentStatus:       svc.Status,
		CurrentVersion:      svc.CurrentVersion,
		RollbackSafetyScore: svc.RollbackSafetyScore,
		DirectDependents:    direct,
		TotalBlastRadius:    len(chain),
		BlastRadiusChain:    chain,
	}
	for _, d := range direct {
		switch d.Criticality {
		case models.CriticalityCritical:
			imp.CriticalDependents++
		case models.CriticalityHigh:
			imp.HighDependents++
		}
	}

	score := float64(imp.CriticalDependents)*c.weights.CriticalDependent +
		float64(imp.HighDependents)*c.weights.HighDependent +
		float64(imp.TotalBlastRadius)*c.weights.AffectedService
	imp.RiskScore = math.Round(math.Min(1, score)*100) / 100
	imp.RiskLevel = riskLevel(imp.RiskScore)
	return imp, nil
}

func riskLevel(score float64) string {
	switch {
	case score >= 0.7:
		return "critical"
	case score >= 0.5:
		return "high"
	case score >= 0.3:
		return "medium"
	}
	return "low"
}

// Traverse runs a breadth-first search from root over incoming edges and
// returns each reachable dependent once, at its minimum hop count, sorted by
// hops then name. The root is never included, even when a cycle leads back
// to it.
func Traverse(root string, edges []*models.ServiceDependency) []models.BlastRadiusEntry {
	dependents := make(map[string][]string)
	for _, e := range edges {
		dependents[e.DependsOn] = append(dependents[e.DependsOn], e.Service)
	}

	visited := map[string]bool{root: true}
	frontier := []string{root}
	var out []models.BlastRadiusEntry

	for hops := 1; len(frontier) > 0; hops++ {
		var next []string
		for _, svc := range frontier {
			for _, dep := range dependents[svc] {
				if visited[dep] {
					continue
				}
				visited[dep] = true
				out = append(out, models.BlastRadiusEntry{ServiceName: dep, Hops: hops})
				next = append(next, dep)
			}
		}
		frontier = next
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Hops != out[j].Hops {
			return out[i].Hops < out[j].Hops
		}
		return out[i].ServiceName < out[j].ServiceName
	})
	return out
}
