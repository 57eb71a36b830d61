package topology

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-remediation/internal/action"
	"github.com/kubilitics/kubilitics-remediation/internal/db"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

// Package topology loads service topology and playbooks from YAML seed files.
//
// A seed file looks like:
//
//	services:
//	  - name: checkout
//	    type: api
//	    current_version: v2.3.1
//	    rollback_safety_score: 0.8
//	dependencies:
//	  - service: cart
//	    depends_on: checkout
//	    criticality: critical
//	playbooks:
//	  - name: Database connection exhaustion
//	    trigger_pattern: "connection (pool|refused)"
//	    success_rate: 92
//	    solutions:
//	      - rank: 1
//	        action_type: restart
//
// Applying a seed is idempotent: services and edges are upserted by name,
// playbooks by id (derived from the name when omitted).

// ServiceSpec declares one service.
type ServiceSpec struct {
	Name                string   `yaml:"name" json:"name" validate:"required"`
	Type                string   `yaml:"type" json:"type"`
	Status              string   `yaml:"status" json:"status" validate:"omitempty,oneof=healthy degraded down"`
	CurrentVersion      string   `yaml:"current_version" json:"current_version"`
	Region              string   `yaml:"region" json:"region"`
	RollbackSafetyScore *float64 `yaml:"rollback_safety_score" json:"rollback_safety_score" validate:"omitempty,gte=0,lte=1"`
}

// DependencySpec declares the edge Service -> DependsOn.
type DependencySpec struct {
	Service     string `yaml:"service" json:"service" validate:"required"`
	DependsOn   string `yaml:"depends_on" json:"depends_on" validate:"required,nefield=Service"`
	Type        string `yaml:"type" json:"type"`
	Criticality string `yaml:"criticality" json:"criticality" validate:"omitempty,criticality"`
}

// PlaybookSpec declares a playbook and its ranked solutions.
type PlaybookSpec struct {
	ID                       string                    `yaml:"id" json:"id"`
	Name                     string                    `yaml:"name" json:"name" validate:"required"`
	Description              string                    `yaml:"description" json:"description"`
	Category                 string                    `yaml:"category" json:"category"`
	TriggerPattern           string                    `yaml:"trigger_pattern" json:"trigger_pattern" validate:"required"`
	ServicePattern           string                    `yaml:"service_pattern" json:"service_pattern"`
	SuccessRate              float64                   `yaml:"success_rate" json:"success_rate" validate:"gte=0,lte=100"`
	AvgResolutionTimeMinutes float64                   `yaml:"avg_resolution_time_minutes" json:"avg_resolution_time_minutes" validate:"gte=0"`
	TimesUsed                int                       `yaml:"times_used" json:"times_used" validate:"gte=0"`
	Solutions                []models.PlaybookSolution `yaml:"solutions" json:"solutions"`
}

// Seed is the content of a seed file.
type Seed struct {
	Services     []ServiceSpec    `yaml:"services" json:"services" validate:"dive"`
	Dependencies []DependencySpec `yaml:"dependencies" json:"dependencies" validate:"dive"`
	Playbooks    []PlaybookSpec   `yaml:"playbooks" json:"playbooks" validate:"dive"`
}

// Summary counts what Apply wrote.
type Summary struct {
	Services     int `json:"services"`
	Dependencies int `json:"dependencies"`
	Playbooks    int `json:"playbooks"`
}

// playbookNamespace derives stable playbook ids from names.
var playbookNamespace = uuid.MustParse("6f1c2a8e-4b7d-4e0a-9a51-3d2f8c7b9e10")

// Parse decodes and validates a seed document. Unknown keys are rejected.
func Parse(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var s Seed
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return &s, nil
		}
		return nil, &models.ValidationError{Field: "seed", Message: err.Error()}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(b []byte) (*Seed, error) {
	return Parse(bytes.NewReader(b))
}

// LoadFile parses the seed file at path.
func LoadFile(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	s, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}
	return s, nil
}

// Validate checks field constraints, duplicate names, trigger patterns and
// solution action types.
func (s *Seed) Validate() error {
	if err := action.ValidateStruct(s); err != nil {
		return err
	}

	seen := make(map[string]bool, len(s.Services))
	for _, svc := range s.Services {
		if seen[svc.Name] {
			return &models.ValidationError{Field: "services", Message: fmt.Sprintf("duplicate service %q", svc.Name)}
		}
		seen[svc.Name] = true
	}

	for _, pb := range s.Playbooks {
		if _, err := regexp.Compile("(?i)" + pb.TriggerPattern); err != nil {
			return &models.ValidationError{
				Field:   "trigger_pattern",
				Message: fmt.Sprintf("playbook %q: %v", pb.Name, err),
			}
		}
		for _, sol := range pb.Solutions {
			if _, err := action.Parse(sol.ActionType, sol.ActionDetails); err != nil {
				return fmt.Errorf("playbook %q solution %d: %w", pb.Name, sol.Rank, err)
			}
		}
	}
	return nil
}

// Store is the persistence Apply writes to.
type Store interface {
	db.TopologyStore
	db.PlaybookStore
}

// Apply upserts every service, edge and playbook of the seed. Edge endpoints
// must exist, either in the seed or already in the store.
func (s *Seed) Apply(ctx context.Context, store Store) (Summary, error) {
	var sum Summary

	for _, spec := range s.Services {
		if err := store.UpsertService(ctx, spec.model()); err != nil {
			return sum, err
		}
		sum.Services++
	}

	for _, spec := range s.Dependencies {
		for _, name := range []string{spec.Service, spec.DependsOn} {
			if _, err := store.GetService(ctx, name); err != nil {
				return sum, fmt.Errorf("dependency %s -> %s: %w", spec.Service, spec.DependsOn, err)
			}
		}
		if err := store.UpsertDependency(ctx, spec.model()); err != nil {
			return sum, err
		}
		sum.Dependencies++
	}

	for _, spec := range s.Playbooks {
		if err := store.UpsertPlaybook(ctx, spec.model()); err != nil {
			return sum, err
		}
		sum.Playbooks++
	}
	return sum, nil
}

func (s ServiceSpec) model() *models.Service {
	svc := &models.Service{
		Name:                s.Name,
		Type:                s.Type,
		Status:              models.ServiceStatus(s.Status),
		CurrentVersion:      s.CurrentVersion,
		Region:              s.Region,
		RollbackSafetyScore: 0.5,
	}
	if s.RollbackSafetyScore != nil {
		svc.RollbackSafetyScore = *s.RollbackSafetyScore
	}
	return svc
}

func (d DependencySpec) model() *models.ServiceDependency {
	dep := &models.ServiceDependency{
		Service:        d.Service,
		DependsOn:      d.DependsOn,
		DependencyType: d.Type,
		Criticality:    models.Criticality(d.Criticality),
	}
	if dep.DependencyType == "" {
		dep.DependencyType = "sync"
	}
	if dep.Criticality == "" {
		dep.Criticality = models.CriticalityMedium
	}
	return dep
}

func (p PlaybookSpec) model() *models.Playbook {
	id := p.ID
	if id == "" {
		id = uuid.NewSHA1(playbookNamespace, []byte(p.Name)).String()
	}
	sols := make([]models.PlaybookSolution, len(p.Solutions))
	copy(sols, p.Solutions)
	for i := range sols {
		if sols[i].Rank == 0 {
			sols[i].Rank = i + 1
		}
	}
	return &models.Playbook{
		ID:                       id,
		Name:                     p.Name,
		Description:              p.Description,
		Category:                 p.Category,
		TriggerPattern:           p.TriggerPattern,
		ServicePattern:           p.ServicePattern,
		SuccessRate:              p.SuccessRate,
		AvgResolutionTimeMinutes: p.AvgResolutionTimeMinutes,
		TimesUsed:                p.TimesUsed,
		Solutions:                sols,
	}
}
