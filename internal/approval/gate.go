package approval

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/action"
	"github.com/kubilitics/kubilitics-remediation/internal/db"
	"github.com/kubilitics/kubilitics-remediation/internal/executor"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

// Package approval implements the human approval gate: the state machine that
// every proposed remediation moves through before and during execution.
//
// States and transitions:
//
//   (propose)   ──▶ pending_approval
//   pending_approval ──approve──▶ executing ──▶ completed | failed
//   pending_approval ──reject / timeout──▶ rejected
//   (emergency) ──▶ executing ──▶ completed | failed
//
// Every arrow is a single conditional update in the store
// (UPDATE ... WHERE id = ? AND status = ?). Whichever process performs it
// first wins; everyone else gets an InvalidStateError naming the state they
// found. The transition to completed commits together with the incident
// moving to mitigated.
//
// Expiry:
//   A pending entry older than the approval timeout is auto-rejected. This
//   happens lazily (listing pending entries, approving an expired entry) and
//   proactively (Sweep, run on a schedule by the Sweeper).
//
// Emergency path:
//   Only incidents of critical severity may bypass approval. The entry is
//   created directly in executing and flagged in its result.

const (
	// DefaultTimeout is how long an entry may wait for approval.
	DefaultTimeout = 30 * time.Minute

	// DefaultHistoryLimit bounds History when no limit is given.
	DefaultHistoryLimit = 20

	// TimeoutReason is recorded on entries rejected by expiry.
	TimeoutReason = "auto-rejected: approval timeout exceeded"

	// SystemActor is recorded as the rejecter of expired entries.
	SystemActor = "system"

	defaultRejectReason = "Rejected by operator"
	defaultOperator     = "emergency-auto"
	emergencyAgent      = "executor-agent"
)

// Store is the persistence the gate needs.
type Store interface {
	db.AuditLogStore
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
}

// Proposal is a new action awaiting approval.
type Proposal struct {
	IncidentID    string
	ServiceName   string
	AgentName     string
	ActionType    string
	ActionDetails map[string]interface{}
}

// EmergencyRequest asks to run an action without approval.
type EmergencyRequest struct {
	IncidentID    string
	ActionType    string
	ServiceName   string
	ActionDetails map[string]interface{}
	Operator      string
}

// Gate is the approval state machine. It is safe for concurrent use, and any
// number of gates in any number of processes may share one store.
type Gate struct {
	store    Store
	executor *executor.Executor
	clock    clock.Clock
	logger   *zap.Logger
	tracer   trace.Tracer

	mu        sync.RWMutex
	timeout   time.Duration
	listeners []Listener
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock sets the clock used for ages, expiry and timestamps.
func WithClock(c clock.Clock) Option { return func(g *Gate) { g.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(g *Gate) { g.logger = l } }

// WithTimeout sets the approval timeout.
func WithTimeout(d time.Duration) Option { return func(g *Gate) { g.timeout = d } }

// WithListener registers a transition listener.
func WithListener(l Listener) Option { return func(g *Gate) { g.listeners = append(g.listeners, l) } }

// NewGate creates an approval gate.
func NewGate(store Store, ex *executor.Executor, opts ...Option) *Gate {
	g := &Gate{
		store:    store,
		executor: ex,
		clock:    clock.New(),
		logger:   zap.NewNop(),
		timeout:  DefaultTimeout,
		tracer:   otel.Tracer("github.com/kubilitics/kubilitics-remediation/internal/approval"),
	}
	for _, o := range opts {
		o(g)
	}
	if g.executor == nil {
		g.executor = executor.New(executor.WithClock(g.clock), executor.WithLogger(g.logger))
	}
	return g
}

// Subscribe registers a listener for every subsequent transition.
func (g *Gate) Subscribe(l Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
}

// Timeout returns the approval timeout.
func (g *Gate) Timeout() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.timeout
}

// SetTimeout replaces the approval timeout.
func (g *Gate) SetTimeout(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timeout = d
}

// ─── Proposal ─────────────────────────────────────────────────────────────────

// Propose validates and records a new action in pending_approval. The target
// service is the explicit one, or else the incident's.
func (g *Gate) Propose(ctx context.Context, p Proposal) (*models.AuditLogEntry, error) {
	if _, err := action.Parse(p.ActionType, p.ActionDetails); err != nil {
		return nil, err
	}
	if p.AgentName == "" {
		return nil, &models.ValidationError{Field: "agent_name", Message: "is required"}
	}

	service := p.ServiceName
	if p.IncidentID != "" {
		inc, err := g.store.GetIncident(ctx, p.IncidentID)
		if err != nil {
			return nil, err
		}
		if service == "" {
			service = inc.ServiceName
		}
	}
	if service == "" {
		return nil, &models.ValidationError{Field: "service_name", Message: "is required when no incident is given"}
	}

	entry := &models.AuditLogEntry{
		ID:            uuid.NewString(),
		IncidentID:    p.IncidentID,
		ServiceName:   service,
		AgentName:     p.AgentName,
		ActionType:    p.ActionType,
		ActionDetails: p.ActionDetails,
		Status:        models.AuditPendingApproval,
		CreatedAt:     g.clock.Now().UTC(),
	}
	if err := g.store.CreateAuditEntry(ctx, entry); err != nil {
		return nil, err
	}
	g.publish(ctx, Event{Type: EventProposed, Entry: entry, Actor: p.AgentName, At: entry.CreatedAt})
	return entry, nil
}

// ─── Approve / reject ─────────────────────────────────────────────────────────

// Approve moves a pending entry to executing, runs it, and records the
// outcome. Exactly one of any number of concurrent approvals of the same
// entry executes it; the rest fail with InvalidStateError.
func (g *Gate) Approve(ctx context.Context, id, approver string) (*models.AuditLogEntry, error) {
	if approver == "" {
		approver = "operator"
	}
	ctx, span := g.tracer.Start(ctx, "approval.Approve", trace.WithAttributes(
		attribute.String("audit.id", id),
		attribute.String("approver", approver),
	))
	defer span.End()

	entry, err := g.approve(ctx, id, approver)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return entry, err
}

func (g *Gate) approve(ctx context.Context, id, approver string) (*models.AuditLogEntry, error) {
	current, err := g.store.GetAuditEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == models.AuditPendingApproval && g.expired(current) {
		if _, err := g.expire(ctx, current); err != nil && !models.IsInvalidState(err) {
			return nil, err
		}
		return nil, g.refused(ctx, id)
	}

	now := g.clock.Now().UTC()
	entry, err := g.store.TransitionAuditEntry(ctx, id, models.AuditPendingApproval, db.Transition{
		To:            models.AuditExecuting,
		ApprovedBy:    approver,
		HumanApproved: true,
		ApprovedAt:    &now,
	})
	if err != nil {
		return nil, err
	}
	g.publish(ctx, Event{Type: EventApproved, Entry: entry, From: models.AuditPendingApproval, Actor: approver, At: now})

	// The entry is ours now. Finish it even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	return g.run(ctx, entry, approver, false, func(result map[string]interface{}) string {
		result["approved_by"] = approver
		result["approved_at"] = now.Format(time.RFC3339Nano)
		return fmt.Sprintf("Action '%s' on %s executed successfully. Approved by %s.",
			entry.ActionType, entry.ServiceName, approver)
	})
}

// Reject moves a pending entry to rejected.
func (g *Gate) Reject(ctx context.Context, id, rejectedBy, reason string) (*models.AuditLogEntry, error) {
	if reason == "" {
		reason = defaultRejectReason
	}
	if rejectedBy == "" {
		rejectedBy = "operator"
	}
	entry, err := g.rejectEntry(ctx, id, rejectedBy, reason)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, Event{Type: EventRejected, Entry: entry, From: models.AuditPendingApproval, Actor: rejectedBy, Reason: reason, At: *entry.CompletedAt})
	return entry, nil
}

func (g *Gate) rejectEntry(ctx context.Context, id, rejectedBy, reason string) (*models.AuditLogEntry, error) {
	now := g.clock.Now().UTC()
	return g.store.TransitionAuditEntry(ctx, id, models.AuditPendingApproval, db.Transition{
		To:           models.AuditRejected,
		CompletedAt:  &now,
		ErrorMessage: reason,
		Result: map[string]interface{}{
			"reason":      reason,
			"rejected_by": rejectedBy,
			"rejected_at": now.Format(time.RFC3339Nano),
		},
	})
}

// ─── Emergency ────────────────────────────────────────────────────────────────

// ExecuteEmergency runs an action immediately, bypassing approval. The
// incident must be critical; anything else is a PolicyViolation regardless of
// the action requested.
func (g *Gate) ExecuteEmergency(ctx context.Context, req EmergencyRequest) (*models.AuditLogEntry, error) {
	ctx, span := g.tracer.Start(ctx, "approval.ExecuteEmergency", trace.WithAttributes(
		attribute.String("incident.id", req.IncidentID),
		attribute.String("action.type", req.ActionType),
	))
	defer span.End()

	entry, err := g.executeEmergency(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return entry, err
}

func (g *Gate) executeEmergency(ctx context.Context, req EmergencyRequest) (*models.AuditLogEntry, error) {
	inc, err := g.store.GetIncident(ctx, req.IncidentID)
	if err != nil {
		return nil, err
	}
	if inc.Severity != models.SeverityCritical {
		return nil, &models.PolicyViolation{
			Rule: "emergency_requires_critical",
			Message: fmt.Sprintf("emergency execution requires severity 'critical', but incident %s has severity '%s'; use the approval flow instead",
				inc.ID, inc.Severity),
		}
	}
	if !action.IsKnown(req.ActionType) {
		return nil, &models.ValidationError{
			Field:   "action_type",
			Message: fmt.Sprintf("unknown action type %q, allowed: %v", req.ActionType, action.KnownNames()),
		}
	}
	if _, err := action.Parse(req.ActionType, req.ActionDetails); err != nil {
		return nil, err
	}

	operator := req.Operator
	if operator == "" {
		operator = defaultOperator
	}
	service := req.ServiceName
	if service == "" {
		service = inc.ServiceName
	}

	now := g.clock.Now().UTC()
	entry := &models.AuditLogEntry{
		ID:            uuid.NewString(),
		IncidentID:    inc.ID,
		ServiceName:   service,
		AgentName:     emergencyAgent,
		ActionType:    req.ActionType,
		ActionDetails: req.ActionDetails,
		Status:        models.AuditExecuting,
		ApprovedBy:    operator,
		CreatedAt:     now,
	}
	if err := g.store.CreateAuditEntry(ctx, entry); err != nil {
		return nil, err
	}
	g.publish(ctx, Event{Type: EventEmergency, Entry: entry, Actor: operator, At: now})

	ctx = context.WithoutCancel(ctx)
	return g.run(ctx, entry, operator, true, func(result map[string]interface{}) string {
		result["emergency"] = true
		result["triggered_by"] = operator
		result["executed_at"] = g.clock.Now().UTC().Format(time.RFC3339Nano)
		return fmt.Sprintf("EMERGENCY: %s on %s by %s. Approval gate bypassed due to critical severity.",
			entry.ActionType, entry.ServiceName, operator)
	})
}

// ─── Execution ────────────────────────────────────────────────────────────────

// run executes an entry that is already in executing and records the
// outcome. decorate adds path-specific fields to the result and returns the
// incident resolution notes.
func (g *Gate) run(ctx context.Context, entry *models.AuditLogEntry, actor string, emergency bool,
	decorate func(result map[string]interface{}) string) (*models.AuditLogEntry, error) {

	start := g.clock.Now()
	act, err := action.Parse(entry.ActionType, entry.ActionDetails)
	var (
		req    executor.Request
		result map[string]interface{}
	)
	if err == nil {
		req = executor.Request{
			EntryID:    entry.ID,
			IncidentID: entry.IncidentID,
			Service:    entry.ServiceName,
			Action:     act,
			Actor:      actor,
			Emergency:  emergency,
		}
		result, err = g.executor.Execute(ctx, req)
	}
	if err != nil {
		return nil, g.fail(ctx, entry, actor, emergency, err)
	}

	if result == nil {
		result = map[string]interface{}{}
	}
	notes := decorate(result)
	completedAt := g.clock.Now().UTC()
	done, err := g.store.CompleteExecution(ctx, entry.ID, result, completedAt, db.IncidentResolution{
		Action:       entry.ActionType,
		Notes:        notes,
		ResolvedAt:   completedAt,
		ConfigChange: g.executor.ConfigChangeFor(req),
	})
	if err != nil {
		err = fmt.Errorf("record completion of %s: %w", entry.ID, err)
		if models.IsInvalidState(err) {
			return nil, err
		}
		// The completion rolled back, so the incident is untouched.
		return nil, g.fail(ctx, entry, actor, emergency, err)
	}
	g.publish(ctx, Event{
		Type:     EventExecuted,
		Entry:    done,
		From:     models.AuditExecuting,
		Actor:    actor,
		At:       completedAt,
		Duration: g.clock.Since(start),
	})
	return done, nil
}

// fail records cause on an executing entry and returns it, joined with any
// error from recording it.
func (g *Gate) fail(ctx context.Context, entry *models.AuditLogEntry, actor string, emergency bool, cause error) error {
	now := g.clock.Now().UTC()
	result := map[string]interface{}{"error": cause.Error()}
	if emergency {
		result["emergency"] = true
		result["triggered_by"] = actor
	}
	failed, err := g.store.TransitionAuditEntry(ctx, entry.ID, models.AuditExecuting, db.Transition{
		To:           models.AuditFailed,
		CompletedAt:  &now,
		ErrorMessage: cause.Error(),
		Result:       result,
	})
	if err != nil {
		g.logger.Error("failed to record execution failure",
			zap.String("entry_id", entry.ID), zap.NamedError("cause", cause), zap.Error(err))
		return multierror.Append(cause, fmt.Errorf("record failure of %s: %w", entry.ID, err))
	}
	g.publish(ctx, Event{Type: EventFailed, Entry: failed, From: models.AuditExecuting, Actor: actor, Reason: cause.Error(), At: now})
	return cause
}

// ─── Listing and expiry ───────────────────────────────────────────────────────

// ListPending returns entries still awaiting approval, oldest first, after
// auto-rejecting any that have expired. incidentID optionally filters.
func (g *Gate) ListPending(ctx context.Context, incidentID string) ([]*models.PendingApproval, error) {
	entries, err := g.store.ListAuditEntries(ctx, db.AuditQuery{
		IncidentID: incidentID,
		Statuses:   []models.AuditStatus{models.AuditPendingApproval},
	})
	if err != nil {
		return nil, err
	}

	timeout := g.Timeout()
	now := g.clock.Now()
	out := make([]*models.PendingApproval, 0, len(entries))
	for _, e := range entries {
		age := now.Sub(e.CreatedAt)
		if age > timeout {
			if _, err := g.expire(ctx, e); err != nil && !models.IsInvalidState(err) {
				return nil, err
			}
			continue
		}
		out = append(out, &models.PendingApproval{
			AuditLogEntry:           *e,
			AgeMinutes:              round1(age.Minutes()),
			TimeoutRemainingMinutes: round1((timeout - age).Minutes()),
		})
	}
	return out, nil
}

// Sweep auto-rejects every expired pending entry and returns how many it
// rejected. Entries that another process resolved first are skipped.
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	cutoff := g.clock.Now().Add(-g.Timeout())
	entries, err := g.store.ListAuditEntries(ctx, db.AuditQuery{
		Statuses:      []models.AuditStatus{models.AuditPendingApproval},
		CreatedBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}

	var errs *multierror.Error
	n := 0
	for _, e := range entries {
		if _, err := g.expire(ctx, e); err != nil {
			if models.IsInvalidState(err) || models.IsNotFound(err) {
				continue
			}
			errs = multierror.Append(errs, fmt.Errorf("expire %s: %w", e.ID, err))
			continue
		}
		n++
	}
	if n > 0 {
		g.logger.Info("expired pending approvals", zap.Int("count", n))
	}
	return n, errs.ErrorOrNil()
}

func (g *Gate) expired(e *models.AuditLogEntry) bool {
	return g.clock.Now().Sub(e.CreatedAt) > g.Timeout()
}

func (g *Gate) expire(ctx context.Context, e *models.AuditLogEntry) (*models.AuditLogEntry, error) {
	rejected, err := g.rejectEntry(ctx, e.ID, SystemActor, TimeoutReason)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, Event{Type: EventExpired, Entry: rejected, From: models.AuditPendingApproval, Actor: SystemActor, Reason: TimeoutReason, At: *rejected.CompletedAt})
	return rejected, nil
}

// refused builds the InvalidStateError for an entry that is no longer pending.
func (g *Gate) refused(ctx context.Context, id string) error {
	e, err := g.store.GetAuditEntry(ctx, id)
	if err != nil {
		return err
	}
	return &models.InvalidStateError{Kind: "audit entry", ID: id, Expected: string(models.AuditPendingApproval), Actual: string(e.Status)}
}

// History returns completed, rejected and failed entries, most recently
// finished first.
func (g *Gate) History(ctx context.Context, incidentID string, limit int) ([]*models.AuditLogEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return g.store.ListAuditEntries(ctx, db.AuditQuery{
		IncidentID:        incidentID,
		Statuses:          []models.AuditStatus{models.AuditCompleted, models.AuditRejected, models.AuditFailed},
		OrderByCompletion: true,
		Limit:             limit,
	})
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
