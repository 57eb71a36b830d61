package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/action"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/internal/topology"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

// Topology writes go through a one-item seed so API and file input share the
// same defaults and validation.

// UpsertService registers or replaces a service.
func (s *Service) UpsertService(ctx context.Context, req types.UpsertServiceRequest) (*models.Service, error) {
	if err := action.ValidateStruct(req); err != nil {
		return nil, err
	}
	seed := &topology.Seed{Services: []topology.ServiceSpec{{
		Name:                req.Name,
		Type:                req.Type,
		Status:              req.Status,
		CurrentVersion:      req.CurrentVersion,
		Region:              req.Region,
		RollbackSafetyScore: req.RollbackSafetyScore,
	}}}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	if _, err := seed.Apply(ctx, s.store); err != nil {
		return nil, err
	}
	return s.store.GetService(ctx, req.Name)
}

// GetService returns one service.
func (s *Service) GetService(ctx context.Context, name string) (*models.Service, error) {
	return s.store.GetService(ctx, name)
}

// ListServices returns every service.
func (s *Service) ListServices(ctx context.Context) ([]*models.Service, error) {
	return s.store.ListServices(ctx)
}

// UpdateServiceStatus sets a service's stored health state.
func (s *Service) UpdateServiceStatus(ctx context.Context, name string, status models.ServiceStatus) error {
	switch status {
	case models.ServiceHealthy, models.ServiceDegraded, models.ServiceDown:
	default:
		return &models.ValidationError{Field: "status", Message: "must be one of [healthy degraded down]"}
	}
	return s.store.UpdateServiceStatus(ctx, name, status)
}

// AddDependency records that req.ServiceName depends on req.DependsOn. Both
// services must exist.
func (s *Service) AddDependency(ctx context.Context, req types.AddDependencyRequest) (*models.ServiceDependency, error) {
	if err := action.ValidateStruct(req); err != nil {
		return nil, err
	}
	spec := topology.DependencySpec{
		Service:     req.ServiceName,
		DependsOn:   req.DependsOn,
		Type:        req.DependencyType,
		Criticality: req.Criticality,
	}
	seed := &topology.Seed{Dependencies: []topology.DependencySpec{spec}}
	if _, err := seed.Apply(ctx, s.store); err != nil {
		return nil, err
	}

	deps, err := s.store.ListDependencies(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range deps {
		if d.Service == req.ServiceName && d.DependsOn == req.DependsOn {
			return d, nil
		}
	}
	return nil, &models.NotFoundError{Kind: "dependency", ID: req.ServiceName + "->" + req.DependsOn}
}

// ListDependencies returns every edge in the graph.
func (s *Service) ListDependencies(ctx context.Context) ([]*models.ServiceDependency, error) {
	return s.store.ListDependencies(ctx)
}

// SeedTopology applies a YAML seed document.
func (s *Service) SeedTopology(ctx context.Context, doc []byte) (topology.Summary, error) {
	seed, err := topology.ParseBytes(doc)
	if err != nil {
		return topology.Summary{}, err
	}
	return s.ApplySeed(ctx, seed)
}

// ApplySeed applies an already parsed seed.
func (s *Service) ApplySeed(ctx context.Context, seed *topology.Seed) (topology.Summary, error) {
	sum, err := seed.Apply(ctx, s.store)
	if err != nil {
		return sum, err
	}
	s.logger.Info("topology seeded",
		zap.Int("services", sum.Services),
		zap.Int("dependencies", sum.Dependencies),
		zap.Int("playbooks", sum.Playbooks),
	)
	return sum, nil
}

// ListPlaybooks returns every playbook, highest success rate first.
func (s *Service) ListPlaybooks(ctx context.Context) ([]*models.Playbook, error) {
	return s.store.ListPlaybooks(ctx)
}

// ListConfigChanges returns recorded config changes, newest first.
func (s *Service) ListConfigChanges(ctx context.Context, service string, limit int) ([]*models.ConfigChange, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListConfigChanges(ctx, service, limit)
}
