package blastradius

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

type fakeTopology struct {
	services map[string]*models.Service
	edges    []*models.ServiceDependency
}

func (f *fakeTopology) GetService(_ context.Context, name string) (*models.Service, error) {
	if s, ok := f.services[name]; ok {
		return s, nil
	}
	return nil, &models.NotFoundError{Kind: "service", ID: name}
}

func (f *fakeTopology) ListDependencies(context.Context) ([]*models.ServiceDependency, error) {
	return f.edges, nil
}

func (f *fakeTopology) DirectDependents(_ context.Context, name string) ([]*models.Dependent, error) {
	var out []*models.Dependent
	for _, e := range f.edges {
		if e.DependsOn == name {
			out = append(out, &models.Dependent{ServiceName: e.Service, Criticality: e.Criticality})
		}
	}
	return out, nil
}

func edge(svc, dependsOn string) *models.ServiceDependency {
	return &models.ServiceDependency{Service: svc, DependsOn: dependsOn, Criticality: models.CriticalityMedium}
}

func newTopology(names ...string) *fakeTopology {
	f := &fakeTopology{services: map[string]*models.Service{}}
	for _, n := range names {
		f.services[n] = &models.Service{Name: n, Type: "api", Status: models.ServiceHealthy}
	}
	return f
}

func TestTraverse_ShortestHopsWithCycles(t *testing.T) {
	edges := []*models.ServiceDependency{
		edge("b", "a"),
		edge("c", "b"),
		edge("c", "a"), // shortcut: c is 1 hop from a
		edge("a", "c"), // cycle back to the root
		edge("d", "c"),
		edge("d", "c"), // duplicate edge
		edge("e", "d"),
		edge("d", "e"), // cycle among dependents
	}

	got := Traverse("a", edges)
	assert.Equal(t, []models.BlastRadiusEntry{
		{ServiceName: "b", Hops: 1},
		{ServiceName: "c", Hops: 1},
		{ServiceName: "d", Hops: 2},
		{ServiceName: "e", Hops: 3},
	}, got)
}

func TestTraverse_NoDuplicatesOnDenseGraph(t *testing.T) {
	var edges []*models.ServiceDependency
	const n = 30
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				edges = append(edges, edge(fmt.Sprintf("s%02d", i), fmt.Sprintf("s%02d", j)))
			}
		}
	}

	got := Traverse("s00", edges)
	require.Len(t, got, n-1)
	seen := map[string]bool{}
	for _, e := range got {
		assert.False(t, seen[e.ServiceName], "duplicate %s", e.ServiceName)
		seen[e.ServiceName] = true
		assert.Equal(t, 1, e.Hops)
	}
}

func TestTraverse_Isolated(t *testing.T) {
	assert.Empty(t, Traverse("lonely", []*models.ServiceDependency{edge("x", "y")}))
}

func TestBlastRadius_MissingRoot(t *testing.T) {
	calc := NewCalculator(newTopology("a"), DefaultImpactWeights())
	_, err := calc.BlastRadius(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestBlastRadius_SixTransitiveDependents(t *testing.T) {
	topo := newTopology("checkout", "cart", "web", "mobile", "admin", "search", "reports")
	topo.edges = []*models.ServiceDependency{
		edge("cart", "checkout"),
		edge("web", "cart"),
		edge("mobile", "cart"),
		edge("admin", "web"),
		edge("search", "web"),
		edge("reports", "admin"),
	}
	calc := NewCalculator(topo, DefaultImpactWeights())

	got, err := calc.BlastRadius(context.Background(), "checkout")
	require.NoError(t, err)
	assert.Len(t, got, 6)
	assert.Equal(t, "cart", got[0].ServiceName)
	assert.Equal(t, 4, got[len(got)-1].Hops)
}

func TestAnalyzeImpact(t *testing.T) {
	topo := newTopology("db", "api", "worker", "web")
	topo.edges = []*models.ServiceDependency{
		{Service: "api", DependsOn: "db", Criticality: models.CriticalityCritical},
		{Service: "worker", DependsOn: "db", Criticality: models.CriticalityHigh},
		{Service: "web", DependsOn: "api", Criticality: models.CriticalityCritical},
	}
	calc := NewCalculator(topo, DefaultImpactWeights())

	imp, err := calc.AnalyzeImpact(context.Background(), "db")
	require.NoError(t, err)
	assert.Equal(t, 3, imp.TotalBlastRadius)
	assert.Equal(t, 1, imp.CriticalDependents)
	assert.Equal(t, 1, imp.HighDependents)
	// 0.3 + 0.15 + 3*0.05
	assert.Equal(t, 0.6, imp.RiskScore)
	assert.Equal(t, "high", imp.RiskLevel)
}

func TestRiskLevel(t *testing.T) {
	assert.Equal(t, "critical", riskLevel(1))
	assert.Equal(t, "critical", riskLevel(0.7))
	assert.Equal(t, "high", riskLevel(0.5))
	assert.Equal(t, "medium", riskLevel(0.3))
	assert.Equal(t, "low", riskLevel(0.05))
}
