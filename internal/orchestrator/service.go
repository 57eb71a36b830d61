package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/action"
	"github.com/kubilitics/kubilitics-remediation/internal/approval"
	"github.com/kubilitics/kubilitics-remediation/internal/audit"
	"github.com/kubilitics/kubilitics-remediation/internal/db"
	"github.com/kubilitics/kubilitics-remediation/internal/executor"
	"github.com/kubilitics/kubilitics-remediation/internal/metrics"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/internal/safety"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

// Package orchestrator is the single entry point for every remediation
// operation, shared by the HTTP server and remediationctl.
//
// Responsibilities:
//   - Validate requests at the boundary before anything reaches the store
//   - Own the incident lifecycle (create, update, acknowledge, close, retention)
//   - Route risk questions to the safety engine and actions to the approval gate
//   - Answer historian questions: playbook search, similar incidents, solutions
//   - Maintain the service topology
//   - Record every decision on the audit trail and in metrics
//
// The Service holds no entity state of its own. Any number of Services in any
// number of processes may share one store.

const (
	// DefaultRetention is how long mitigated and resolved incidents stay open
	// to follow-up before the retention job closes them.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultSimilarLimit bounds FindSimilarIncidents when no limit is given.
	DefaultSimilarLimit = 5

	defaultRegion      = "us-central1"
	defaultEnvironment = "production"
)

// Options configures a Service. Store is required; everything else has a
// default built on top of it.
type Options struct {
	Store    db.Store
	Gate     *approval.Gate
	Safety   *safety.Engine
	Executor *executor.Executor
	Audit    audit.Logger
	Clock    clock.Clock
	Logger   *zap.Logger

	DefaultRegion      string
	DefaultEnvironment string
	Retention          time.Duration
	HistoryLimit       int
}

// Service implements the remediation operations.
type Service struct {
	store    db.Store
	gate     *approval.Gate
	safety   *safety.Engine
	executor *executor.Executor
	audit    audit.Logger
	clock    clock.Clock
	logger   *zap.Logger

	mu           sync.RWMutex
	region       string
	environment  string
	retention    time.Duration
	historyLimit int
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNop()
	}
	if opts.Executor == nil {
		opts.Executor = executor.New(executor.WithClock(opts.Clock), executor.WithLogger(opts.Logger))
	}
	if opts.Gate == nil {
		opts.Gate = approval.NewGate(opts.Store, opts.Executor,
			approval.WithClock(opts.Clock),
			approval.WithLogger(opts.Logger),
		)
	}
	if opts.Safety == nil {
		opts.Safety = safety.NewEngine(opts.Store, safety.Options{Clock: opts.Clock, Logger: opts.Logger})
	}
	if opts.DefaultRegion == "" {
		opts.DefaultRegion = defaultRegion
	}
	if opts.DefaultEnvironment == "" {
		opts.DefaultEnvironment = defaultEnvironment
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = approval.DefaultHistoryLimit
	}

	return &Service{
		store:        opts.Store,
		gate:         opts.Gate,
		safety:       opts.Safety,
		executor:     opts.Executor,
		audit:        opts.Audit,
		clock:        opts.Clock,
		logger:       opts.Logger.Named("orchestrator"),
		region:       opts.DefaultRegion,
		environment:  opts.DefaultEnvironment,
		retention:    opts.Retention,
		historyLimit: opts.HistoryLimit,
	}, nil
}

// Gate exposes the approval gate so transports can subscribe to transitions.
func (s *Service) Gate() *approval.Gate { return s.gate }

// Safety exposes the safety engine.
func (s *Service) Safety() *safety.Engine { return s.safety }

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// Dialect reports the store backend.
func (s *Service) Dialect() string { return s.store.Dialect() }

// record reports an audit write failure. The operation itself has already
// succeeded and is not rolled back.
func (s *Service) record(event string, err error) {
	if err != nil {
		s.logger.Warn("failed to write audit event", zap.String("event", event), zap.Error(err))
	}
}

// ─── Incidents ────────────────────────────────────────────────────────────────

// CreateIncident opens an incident in status open. The service must already
// be registered in the topology.
func (s *Service) CreateIncident(ctx context.Context, req types.CreateIncidentRequest) (*models.Incident, error) {
	if err := action.ValidateStruct(req); err != nil {
		return nil, err
	}
	if _, err := s.store.GetService(ctx, req.ServiceName); err != nil {
		return nil, err
	}

	s.mu.RLock()
	region, environment := s.region, s.environment
	s.mu.RUnlock()

	now := s.clock.Now().UTC()
	inc := &models.Incident{
		ID:             uuid.NewString(),
		ServiceName:    req.ServiceName,
		Severity:       models.Severity(req.Severity),
		Status:         models.IncidentOpen,
		ErrorSignature: req.ErrorSignature,
		ErrorMessage:   req.ErrorMessage,
		StackTrace:     req.StackTrace,
		Region:         firstNonEmpty(req.Region, region),
		Environment:    firstNonEmpty(req.Environment, environment),
		ErrorCount:     req.ErrorCount,
		CreatedAt:      now,
		UpdatedAt:      now,
		FirstSeenAt:    now,
		LastSeenAt:     now,
	}
	if req.FirstSeenAt != nil && !req.FirstSeenAt.IsZero() {
		inc.FirstSeenAt = req.FirstSeenAt.UTC()
	}
	if inc.ErrorCount == 0 {
		inc.ErrorCount = 1
	}

	if err := s.store.CreateIncident(ctx, inc); err != nil {
		return nil, err
	}

	metrics.IncidentsCreatedTotal.WithLabelValues(string(inc.Severity)).Inc()
	s.record(string(audit.EventIncidentCreated), s.audit.LogIncidentCreated(ctx, inc))
	s.logger.Info("incident created",
		zap.String("incident_id", inc.ID),
		zap.String("service", inc.ServiceName),
		zap.String("severity", string(inc.Severity)),
		zap.String("signature", inc.ErrorSignature),
	)
	return inc, nil
}

// GetIncident returns one incident.
func (s *Service) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	return s.store.GetIncident(ctx, id)
}

// ListIncidents returns incidents newest first.
func (s *Service) ListIncidents(ctx context.Context, q db.IncidentQuery) ([]*models.Incident, error) {
	return s.store.ListIncidents(ctx, q)
}

// ListOpenIncidents returns open and investigating incidents, critical first.
func (s *Service) ListOpenIncidents(ctx context.Context) ([]*models.Incident, error) {
	return s.store.ListOpenIncidents(ctx)
}

// UpdateIncident applies the given fields. Status moves forward only, except
// that closed is reachable from anywhere.
func (s *Service) UpdateIncident(ctx context.Context, id string, req types.UpdateIncidentRequest) (*models.Incident, error) {
	if err := action.ValidateStruct(req); err != nil {
		return nil, err
	}

	u := db.IncidentUpdate{
		RootCause:             req.RootCause,
		SuspectCommitID:       req.SuspectCommitID,
		SuspectFilePath:       req.SuspectFilePath,
		ConfidenceScore:       req.ConfidenceScore,
		ResolutionAction:      req.ResolutionAction,
		ResolutionNotes:       req.ResolutionNotes,
		ResolutionTimeSeconds: req.ResolutionTimeSeconds,
		ErrorCount:            req.ErrorCount,
		LastSeenAt:            req.LastSeenAt,
	}
	if req.Status != nil {
		st := models.IncidentStatus(*req.Status)
		u.Status = &st
	}
	if u.Empty() {
		return nil, &models.ValidationError{Message: "no fields to update"}
	}
	return s.applyUpdate(ctx, id, u)
}

// AcknowledgeIncident moves an open incident to investigating. Acknowledging
// an incident that is already investigating is a no-op.
func (s *Service) AcknowledgeIncident(ctx context.Context, id string) (*models.Incident, error) {
	st := models.IncidentInvestigating
	return s.applyUpdate(ctx, id, db.IncidentUpdate{Status: &st})
}

// CloseIncident closes an incident administratively from any state but closed.
func (s *Service) CloseIncident(ctx context.Context, id string, req types.CloseIncidentRequest) (*models.Incident, error) {
	cur, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.IncidentClosed {
		return nil, &models.InvalidStateError{
			Kind: "incident", ID: id, Expected: "not closed", Actual: string(cur.Status),
		}
	}

	st := models.IncidentClosed
	u := db.IncidentUpdate{Status: &st}
	if req.Reason != "" {
		notes := req.Reason
		if req.Actor != "" {
			notes = fmt.Sprintf("%s (closed by %s)", req.Reason, req.Actor)
		}
		u.ResolutionNotes = &notes
	}
	return s.applyUpdate(ctx, id, u)
}

func (s *Service) applyUpdate(ctx context.Context, id string, u db.IncidentUpdate) (*models.Incident, error) {
	before, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	inc, err := s.store.UpdateIncident(ctx, id, u, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}

	if inc.Status != before.Status {
		metrics.IncidentTransitionsTotal.WithLabelValues(string(inc.Status)).Inc()
		s.logger.Info("incident status changed",
			zap.String("incident_id", id),
			zap.String("from", string(before.Status)),
			zap.String("to", string(inc.Status)),
		)
	}
	s.record(string(audit.EventIncidentUpdated), s.audit.LogIncidentUpdated(ctx, inc, before.Status))
	return inc, nil
}

// CloseStaleIncidents closes mitigated and resolved incidents whose
// resolution is older than the retention window.
func (s *Service) CloseStaleIncidents(ctx context.Context) (int64, error) {
	s.mu.RLock()
	retention := s.retention
	s.mu.RUnlock()

	now := s.clock.Now().UTC()
	n, err := s.store.CloseStaleIncidents(ctx, now.Add(-retention), now)
	if err != nil {
		return 0, fmt.Errorf("close stale incidents: %w", err)
	}
	if n > 0 {
		metrics.IncidentsClosedStaleTotal.Add(float64(n))
		metrics.IncidentTransitionsTotal.WithLabelValues(string(models.IncidentClosed)).Add(float64(n))
		s.logger.Info("closed stale incidents", zap.Int64("count", n), zap.Duration("retention", retention))
	}
	return n, nil
}

// ServiceHealth derives each service's effective health from its open
// incidents: critical or high makes it down, medium degraded. A stored status
// worse than the derived one wins.
func (s *Service) ServiceHealth(ctx context.Context) (*types.HealthReport, error) {
	services, err := s.store.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	open, err := s.store.ListOpenIncidents(ctx)
	if err != nil {
		return nil, err
	}

	byService := make(map[string][]*models.Incident)
	for _, inc := range open {
		byService[inc.ServiceName] = append(byService[inc.ServiceName], inc)
	}

	report := &types.HealthReport{
		Timestamp:     s.clock.Now().UTC(),
		TotalServices: len(services),
		Services:      make([]types.ServiceHealth, 0, len(services)),
	}
	for _, svc := range services {
		h := types.ServiceHealth{
			Name:           svc.Name,
			Type:           svc.Type,
			Status:         svc.Status,
			CurrentVersion: svc.CurrentVersion,
			Region:         svc.Region,
			Incidents:      []types.IncidentBrief{},
		}
		if h.Status == "" {
			h.Status = models.ServiceHealthy
		}
		for _, inc := range byService[svc.Name] {
			h.Status = worse(h.Status, derivedStatus(inc.Severity))
			h.Incidents = append(h.Incidents, types.IncidentBrief{
				ID:           inc.ID,
				Severity:     inc.Severity,
				Status:       inc.Status,
				ErrorMessage: inc.ErrorMessage,
			})
		}
		h.OpenIncidents = len(h.Incidents)

		switch h.Status {
		case models.ServiceDown:
			report.Down++
		case models.ServiceDegraded:
			report.Degraded++
		default:
			report.Healthy++
		}
		report.Services = append(report.Services, h)
	}
	return report, nil
}

func derivedStatus(sev models.Severity) models.ServiceStatus {
	switch sev {
	case models.SeverityCritical, models.SeverityHigh:
		return models.ServiceDown
	case models.SeverityMedium:
		return models.ServiceDegraded
	}
	return models.ServiceHealthy
}

func worse(a, b models.ServiceStatus) models.ServiceStatus {
	rank := map[models.ServiceStatus]int{models.ServiceHealthy: 0, models.ServiceDegraded: 1, models.ServiceDown: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
