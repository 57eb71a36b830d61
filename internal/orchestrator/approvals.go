package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kubilitics/kubilitics-remediation/internal/action"
	"github.com/kubilitics/kubilitics-remediation/internal/approval"
	"github.com/kubilitics/kubilitics-remediation/internal/metrics"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/internal/tracing"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

// CreateAuditEntry proposes an action. The entry starts in pending_approval.
func (s *Service) CreateAuditEntry(ctx context.Context, req types.CreateAuditEntryRequest) (*models.AuditLogEntry, error) {
	if err := action.ValidateStruct(req); err != nil {
		return nil, err
	}
	ctx, span := tracing.Start(ctx, "approval.Propose",
		attribute.String("incident.id", req.IncidentID),
		attribute.String("action.type", req.ActionType),
	)
	defer span.End()

	entry, err := s.gate.Propose(ctx, approval.Proposal{
		IncidentID:    req.IncidentID,
		ServiceName:   req.ServiceName,
		AgentName:     req.AgentName,
		ActionType:    req.ActionType,
		ActionDetails: req.ActionDetails,
	})
	tracing.RecordError(span, err)
	return entry, err
}

// GetAuditEntry returns one entry.
func (s *Service) GetAuditEntry(ctx context.Context, id string) (*models.AuditLogEntry, error) {
	return s.store.GetAuditEntry(ctx, id)
}

// Approve approves and executes a pending entry.
func (s *Service) Approve(ctx context.Context, id, approvedBy string) (*models.AuditLogEntry, error) {
	return s.gate.Approve(ctx, id, approvedBy)
}

// Reject rejects a pending entry.
func (s *Service) Reject(ctx context.Context, id, rejectedBy, reason string) (*models.AuditLogEntry, error) {
	ctx, span := tracing.Start(ctx, "approval.Reject", attribute.String("audit.id", id))
	defer span.End()

	entry, err := s.gate.Reject(ctx, id, rejectedBy, reason)
	tracing.RecordError(span, err)
	return entry, err
}

// ExecuteEmergency runs an action on a critical incident without approval.
func (s *Service) ExecuteEmergency(ctx context.Context, req types.EmergencyRequest) (*models.AuditLogEntry, error) {
	if err := action.ValidateStruct(req); err != nil {
		return nil, err
	}
	return s.gate.ExecuteEmergency(ctx, approval.EmergencyRequest{
		IncidentID:    req.IncidentID,
		ActionType:    req.ActionType,
		ServiceName:   req.ServiceName,
		ActionDetails: req.ActionDetails,
		Operator:      req.Operator,
	})
}

// ListPendingApprovals returns entries awaiting approval, auto-rejecting any
// that expired.
func (s *Service) ListPendingApprovals(ctx context.Context, incidentID string) ([]*models.PendingApproval, error) {
	pending, err := s.gate.ListPending(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if incidentID == "" {
		metrics.PendingApprovals.Set(float64(len(pending)))
	}
	return pending, nil
}

// ExecutionHistory returns finished entries, most recently finished first.
func (s *Service) ExecutionHistory(ctx context.Context, incidentID string, limit int) ([]*models.AuditLogEntry, error) {
	if limit <= 0 {
		s.mu.RLock()
		limit = s.historyLimit
		s.mu.RUnlock()
	}
	return s.gate.History(ctx, incidentID, limit)
}

// SweepApprovals auto-rejects every expired pending entry.
func (s *Service) SweepApprovals(ctx context.Context) (int, error) {
	ctx, span := tracing.Start(ctx, "approval.Sweep")
	defer span.End()

	n, err := s.gate.Sweep(ctx)
	span.SetAttributes(attribute.Int("expired", n))
	tracing.RecordError(span, err)
	return n, err
}
