package models

import "time"

// Package models defines core data types shared by the remediation engine.
//
// These types describe the service topology, incidents, audit-log entries,
// playbooks and configuration-change records that every component reads and
// writes through the persistent store.

// Severity is the impact level of an incident.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities from most (1) to least (4) urgent. Unknown values sort last.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 1
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 4
	}
	return 5
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() < 5 }

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "open"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentMitigated     IncidentStatus = "mitigated"
	IncidentResolved      IncidentStatus = "resolved"
	IncidentClosed        IncidentStatus = "closed"
)

// Order is the position of the status along the forward-only lifecycle.
// mitigated and resolved share a position.
func (s IncidentStatus) Order() int {
	switch s {
	case IncidentOpen:
		return 0
	case IncidentInvestigating:
		return 1
	case IncidentMitigated, IncidentResolved:
		return 2
	case IncidentClosed:
		return 3
	}
	return -1
}

// Active reports whether the incident still needs work.
func (s IncidentStatus) Active() bool {
	return s == IncidentOpen || s == IncidentInvestigating
}

// SetsResolvedAt reports whether entering s stamps resolved_at.
func (s IncidentStatus) SetsResolvedAt() bool {
	return s == IncidentMitigated || s == IncidentResolved || s == IncidentClosed
}

// ServiceStatus is the health state of a service.
type ServiceStatus string

const (
	ServiceHealthy  ServiceStatus = "healthy"
	ServiceDegraded ServiceStatus = "degraded"
	ServiceDown     ServiceStatus = "down"
)

// Criticality grades how strongly a dependent relies on a dependency.
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityHigh     Criticality = "high"
	CriticalityMedium   Criticality = "medium"
	CriticalityLow      Criticality = "low"
)

// AuditStatus is the state of an audit-log entry in the approval state machine.
type AuditStatus string

const (
	AuditPendingApproval AuditStatus = "pending_approval"
	AuditExecuting       AuditStatus = "executing"
	AuditCompleted       AuditStatus = "completed"
	AuditRejected        AuditStatus = "rejected"
	AuditFailed          AuditStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s AuditStatus) Terminal() bool {
	return s == AuditCompleted || s == AuditRejected || s == AuditFailed
}

// Service is a node in the dependency topology.
type Service struct {
	Name                string        `json:"name"`
	Type                string        `json:"type"`
	Status              ServiceStatus `json:"status"`
	CurrentVersion      string        `json:"current_version"`
	Region              string        `json:"region"`
	RollbackSafetyScore float64       `json:"rollback_safety_score"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// ServiceDependency is the directed edge "Service depends on DependsOn".
type ServiceDependency struct {
	Service        string      `json:"service_name"`
	DependsOn      string      `json:"depends_on_service"`
	DependencyType string      `json:"dependency_type"`
	Criticality    Criticality `json:"criticality"`
}

// Incident is a detected production problem and its investigation state.
type Incident struct {
	ID                    string         `json:"id"`
	ServiceName           string         `json:"service_name"`
	Severity              Severity       `json:"severity"`
	Status                IncidentStatus `json:"status"`
	ErrorSignature        string         `json:"error_signature"`
	ErrorMessage          string         `json:"error_message"`
	StackTrace            string         `json:"stack_trace,omitempty"`
	Region                string         `json:"region"`
	Environment           string         `json:"environment"`
	ErrorCount            int            `json:"error_count"`
	RootCause             string         `json:"root_cause,omitempty"`
	SuspectCommitID       string         `json:"suspect_commit_id,omitempty"`
	SuspectFilePath       string         `json:"suspect_file_path,omitempty"`
	ConfidenceScore       float64        `json:"confidence_score"`
	ResolutionAction      string         `json:"resolution_action,omitempty"`
	ResolutionNotes       string         `json:"resolution_notes,omitempty"`
	ResolutionTimeSeconds int64          `json:"resolution_time_seconds,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	FirstSeenAt           time.Time      `json:"first_seen_at"`
	LastSeenAt            time.Time      `json:"last_seen_at"`
	ResolvedAt            *time.Time     `json:"resolved_at,omitempty"`
}

// AuditLogEntry is the durable record of one proposed or executed action.
type AuditLogEntry struct {
	ID            string                 `json:"id"`
	IncidentID    string                 `json:"incident_id,omitempty"`
	ServiceName   string                 `json:"service_name,omitempty"`
	AgentName     string                 `json:"agent_name"`
	ActionType    string                 `json:"action_type"`
	ActionDetails map[string]interface{} `json:"action_details"`
	Status        AuditStatus            `json:"status"`
	Result        map[string]interface{} `json:"result,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	HumanApproved bool                   `json:"human_approved"`
	ApprovedBy    string                 `json:"approved_by,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	ApprovedAt    *time.Time             `json:"approved_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// PendingApproval decorates a pending entry with its age for approver views.
type PendingApproval struct {
	AuditLogEntry
	AgeMinutes              float64 `json:"age_minutes"`
	TimeoutRemainingMinutes float64 `json:"timeout_remaining_minutes"`
}

// Playbook is a reusable remediation template keyed by an error pattern.
type Playbook struct {
	ID                       string             `json:"id"`
	Name                     string             `json:"name"`
	Description              string             `json:"description,omitempty"`
	Category                 string             `json:"category,omitempty"`
	TriggerPattern           string             `json:"trigger_pattern"`
	ServicePattern           string             `json:"service_pattern,omitempty"`
	SuccessRate              float64            `json:"success_rate"`
	AvgResolutionTimeMinutes float64            `json:"avg_resolution_time_minutes,omitempty"`
	TimesUsed                int                `json:"times_used"`
	Solutions                []PlaybookSolution `json:"solutions"`
	CreatedAt                time.Time          `json:"created_at"`
}

// PlaybookSolution is one ranked candidate action of a playbook.
type PlaybookSolution struct {
	Rank                          int                    `json:"rank" yaml:"rank"`
	Description                   string                 `json:"description,omitempty" yaml:"description"`
	ActionType                    string                 `json:"action_type" yaml:"action_type"`
	ActionDetails                 map[string]interface{} `json:"action_details,omitempty" yaml:"action_details"`
	Prerequisites                 []string               `json:"prerequisites,omitempty" yaml:"prerequisites"`
	PostChecks                    []string               `json:"post_checks,omitempty" yaml:"post_checks"`
	ExpectedResolutionTimeMinutes int                    `json:"expected_resolution_time_minutes,omitempty" yaml:"expected_resolution_time_minutes"`
}

// ConfigChange is the immutable record written when a config_change action runs.
type ConfigChange struct {
	ID                string      `json:"id"`
	ServiceName       string      `json:"service_name"`
	ChangeType        string      `json:"change_type"`
	OldValue          interface{} `json:"old_value,omitempty"`
	NewValue          interface{} `json:"new_value,omitempty"`
	ChangedBy         string      `json:"changed_by"`
	Reason            string      `json:"reason,omitempty"`
	RelatedIncidentID string      `json:"related_incident_id,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// BlastRadiusEntry is one service reached by the blast-radius traversal.
type BlastRadiusEntry struct {
	ServiceName string `json:"service_name"`
	Hops        int    `json:"hops"`
}

// Dependent is a direct dependent of a service together with the edge criticality.
type Dependent struct {
	ServiceName    string      `json:"dependent_service"`
	ServiceType    string      `json:"service_type,omitempty"`
	DependencyType string      `json:"dependency_type"`
	Criticality    Criticality `json:"criticality"`
}
