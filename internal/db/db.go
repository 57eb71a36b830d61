package db

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

// Store is the persistence interface shared by every agent process.
//
// All coordination between processes happens here: the approval state machine
// relies on TransitionAuditEntry being a single conditional update and on
// CompleteExecution committing the audit entry and its incident together.
type Store interface {
	TopologyStore
	IncidentStore
	AuditLogStore
	PlaybookStore
	ConfigChangeStore

	// Dialect reports the SQL backend ("sqlite" or "postgres").
	Dialect() string

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Topology store ───────────────────────────────────────────────────────────

// TopologyStore persists services and their dependency edges.
type TopologyStore interface {
	// UpsertService inserts or replaces a service keyed by name.
	UpsertService(ctx context.Context, svc *models.Service) error

	// GetService returns a NotFoundError when the service is absent.
	GetService(ctx context.Context, name string) (*models.Service, error)

	ListServices(ctx context.Context) ([]*models.Service, error)

	// UpdateServiceStatus sets the health state of a service.
	UpdateServiceStatus(ctx context.Context, name string, status models.ServiceStatus) error

	// UpsertDependency records the edge dep.Service -> dep.DependsOn.
	// Re-adding an existing edge updates its type and criticality.
	UpsertDependency(ctx context.Context, dep *models.ServiceDependency) error

	// ListDependencies returns every edge in the graph.
	ListDependencies(ctx context.Context) ([]*models.ServiceDependency, error)

	// DirectDependents returns the services with an edge onto name.
	DirectDependents(ctx context.Context, name string) ([]*models.Dependent, error)
}

// ─── Incident store ───────────────────────────────────────────────────────────

// IncidentUpdate lists the incident fields a caller may change. Nil fields are
// left untouched.
type IncidentUpdate struct {
	Status                *models.IncidentStatus
	RootCause             *string
	SuspectCommitID       *string
	SuspectFilePath       *string
	ConfidenceScore       *float64
	ResolutionAction      *string
	ResolutionNotes       *string
	ResolutionTimeSeconds *int64
	ResolvedAt            *time.Time
	ErrorCount            *int
	LastSeenAt            *time.Time
}

// Empty reports whether no field is set.
func (u IncidentUpdate) Empty() bool {
	return u.Status == nil && u.RootCause == nil && u.SuspectCommitID == nil &&
		u.SuspectFilePath == nil && u.ConfidenceScore == nil && u.ResolutionAction == nil &&
		u.ResolutionNotes == nil && u.ResolutionTimeSeconds == nil && u.ResolvedAt == nil &&
		u.ErrorCount == nil && u.LastSeenAt == nil
}

// IncidentQuery filters incident listings.
type IncidentQuery struct {
	ServiceName string
	Statuses    []models.IncidentStatus
	Severity    models.Severity
	Limit       int
	Offset      int
}

// SimilarQuery selects closed-out incidents that match an error signature.
type SimilarQuery struct {
	Signature   string
	ServiceName string // empty searches every service
	ExcludeID   string
	Limit       int
}

// IncidentStore persists incidents.
type IncidentStore interface {
	CreateIncident(ctx context.Context, inc *models.Incident) error

	// GetIncident returns a NotFoundError when the incident is absent.
	GetIncident(ctx context.Context, id string) (*models.Incident, error)

	// UpdateIncident applies u atomically and returns the updated incident.
	// Status may only move forward, except that closed is reachable from any
	// state. resolved_at is stamped the first time the incident enters
	// mitigated, resolved or closed.
	UpdateIncident(ctx context.Context, id string, u IncidentUpdate, now time.Time) (*models.Incident, error)

	// ListIncidents returns incidents newest first.
	ListIncidents(ctx context.Context, q IncidentQuery) ([]*models.Incident, error)

	// ListOpenIncidents returns open and investigating incidents ordered by
	// severity (critical first), then newest first.
	ListOpenIncidents(ctx context.Context) ([]*models.Incident, error)

	// FindSimilarIncidents returns mitigated, resolved or closed incidents whose
	// signature equals q.Signature or whose message contains it, most recently
	// resolved first.
	FindSimilarIncidents(ctx context.Context, q SimilarQuery) ([]*models.Incident, error)

	// CloseStaleIncidents moves mitigated and resolved incidents whose
	// resolved_at is before cutoff to closed, returning how many moved.
	CloseStaleIncidents(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// ─── Audit log store ──────────────────────────────────────────────────────────

// AuditQuery filters audit-log listings.
type AuditQuery struct {
	IncidentID    string
	Statuses      []models.AuditStatus
	CreatedBefore time.Time // zero means no bound
	// OrderByCompletion sorts by completed_at DESC (NULLs last) instead of
	// created_at ASC.
	OrderByCompletion bool
	Limit             int
}

// Transition describes the fields written alongside a status change.
// Zero-valued fields are not written.
type Transition struct {
	To            models.AuditStatus
	ApprovedBy    string
	HumanApproved bool
	ApprovedAt    *time.Time
	CompletedAt   *time.Time
	Result        map[string]interface{}
	ErrorMessage  string
}

// IncidentResolution is the incident update committed with a completed action.
type IncidentResolution struct {
	Action     string
	Notes      string
	ResolvedAt time.Time
	// ConfigChange, when set, is recorded in the same transaction.
	ConfigChange *models.ConfigChange
}

// AuditLogStore persists audit-log entries and owns their state transitions.
type AuditLogStore interface {
	CreateAuditEntry(ctx context.Context, e *models.AuditLogEntry) error

	// GetAuditEntry returns a NotFoundError when the entry is absent.
	GetAuditEntry(ctx context.Context, id string) (*models.AuditLogEntry, error)

	ListAuditEntries(ctx context.Context, q AuditQuery) ([]*models.AuditLogEntry, error)

	// TransitionAuditEntry moves the entry from `from` to t.To with a single
	// conditional update. When the entry is not in `from` it returns an
	// InvalidStateError naming the status it was found in.
	TransitionAuditEntry(ctx context.Context, id string, from models.AuditStatus, t Transition) (*models.AuditLogEntry, error)

	// CompleteExecution moves an executing entry to completed and, in the same
	// transaction, moves its open or investigating incident to mitigated.
	CompleteExecution(ctx context.Context, id string, result map[string]interface{}, completedAt time.Time, res IncidentResolution) (*models.AuditLogEntry, error)
}

// ─── Playbook store ───────────────────────────────────────────────────────────

// PlaybookStore persists playbooks and their ranked solutions.
type PlaybookStore interface {
	// UpsertPlaybook replaces the playbook and all of its solutions.
	UpsertPlaybook(ctx context.Context, pb *models.Playbook) error

	GetPlaybook(ctx context.Context, id string) (*models.Playbook, error)

	// ListPlaybooks returns every playbook, highest success rate first.
	ListPlaybooks(ctx context.Context) ([]*models.Playbook, error)
}

// ─── Config change store ──────────────────────────────────────────────────────

// ConfigChangeStore persists the append-only configuration change log.
type ConfigChangeStore interface {
	RecordConfigChange(ctx context.Context, c *models.ConfigChange) error

	// ListConfigChanges returns changes newest first, optionally for one service.
	ListConfigChanges(ctx context.Context, serviceName string, limit int) ([]*models.ConfigChange, error)
}
