package types

import (
	"time"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

// Package types defines the public API types of kubilitics-remediation.
//
// These types define the REST API contracts and are shared by the HTTP
// server, the orchestrator and remediationctl. Request types carry
// validation tags checked at the boundary before anything reaches the store.

// Request types

// CreateIncidentRequest opens a new incident.
type CreateIncidentRequest struct {
	ServiceName    string     `json:"service_name" validate:"required"`
	Severity       string     `json:"severity" validate:"required,severity"`
	ErrorSignature string     `json:"error_signature" validate:"required"`
	ErrorMessage   string     `json:"error_message" validate:"required"`
	StackTrace     string     `json:"stack_trace,omitempty"`
	Region         string     `json:"region,omitempty"`
	Environment    string     `json:"environment,omitempty"`
	ErrorCount     int        `json:"error_count,omitempty" validate:"gte=0"`
	FirstSeenAt    *time.Time `json:"first_seen_at,omitempty"`
}

// UpdateIncidentRequest changes incident fields. Omitted fields are untouched.
type UpdateIncidentRequest struct {
	Status                *string    `json:"status,omitempty" validate:"omitempty,oneof=open investigating mitigated resolved closed"`
	RootCause             *string    `json:"root_cause,omitempty"`
	SuspectCommitID       *string    `json:"suspect_commit_id,omitempty"`
	SuspectFilePath       *string    `json:"suspect_file_path,omitempty"`
	ConfidenceScore       *float64   `json:"confidence_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	ResolutionAction      *string    `json:"resolution_action,omitempty"`
	ResolutionNotes       *string    `json:"resolution_notes,omitempty"`
	ResolutionTimeSeconds *int64     `json:"resolution_time_seconds,omitempty" validate:"omitempty,gte=0"`
	ErrorCount            *int       `json:"error_count,omitempty" validate:"omitempty,gte=0"`
	LastSeenAt            *time.Time `json:"last_seen_at,omitempty"`
}

// CloseIncidentRequest closes an incident administratively.
type CloseIncidentRequest struct {
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// GuardrailRequest asks for a guardrail evaluation.
type GuardrailRequest struct {
	ActionType    string                 `json:"action_type" validate:"required"`
	ServiceName   string                 `json:"service_name" validate:"required"`
	ActionDetails map[string]interface{} `json:"action_details,omitempty"`
}

// RecommendationRequest asks for a risk-assessed recommendation.
type RecommendationRequest struct {
	IncidentID    string                 `json:"incident_id" validate:"required"`
	ActionType    string                 `json:"action_type" validate:"required"`
	ActionDetails map[string]interface{} `json:"action_details,omitempty"`
}

// CreateAuditEntryRequest proposes an action for approval.
type CreateAuditEntryRequest struct {
	AgentName     string                 `json:"agent_name" validate:"required"`
	ActionType    string                 `json:"action_type" validate:"required"`
	ActionDetails map[string]interface{} `json:"action_details,omitempty"`
	IncidentID    string                 `json:"incident_id,omitempty"`
	ServiceName   string                 `json:"service_name,omitempty"`
}

// ApproveActionRequest approves a pending action.
type ApproveActionRequest struct {
	ApprovedBy string `json:"approved_by"`
}

// RejectActionRequest rejects a pending action.
type RejectActionRequest struct {
	RejectedBy string `json:"rejected_by"`
	Reason     string `json:"reason"`
}

// EmergencyRequest runs an action on a critical incident without approval.
// The action type is checked after the severity precondition.
type EmergencyRequest struct {
	IncidentID    string                 `json:"incident_id" validate:"required"`
	ActionType    string                 `json:"action_type"`
	ServiceName   string                 `json:"service_name,omitempty"`
	ActionDetails map[string]interface{} `json:"action_details,omitempty"`
	Operator      string                 `json:"operator,omitempty"`
}

// SearchPlaybooksRequest searches playbooks by error text.
type SearchPlaybooksRequest struct {
	ErrorMessage string `json:"error_message" validate:"required"`
	ServiceName  string `json:"service_name,omitempty"`
}

// UpsertServiceRequest registers or replaces a service.
type UpsertServiceRequest struct {
	Name                string   `json:"name" validate:"required"`
	Type                string   `json:"type,omitempty"`
	Status              string   `json:"status,omitempty" validate:"omitempty,oneof=healthy degraded down"`
	CurrentVersion      string   `json:"current_version,omitempty"`
	Region              string   `json:"region,omitempty"`
	RollbackSafetyScore *float64 `json:"rollback_safety_score,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// UpdateServiceStatusRequest sets a service's stored health state.
type UpdateServiceStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=healthy degraded down"`
}

// AddDependencyRequest records the edge ServiceName -> DependsOn.
type AddDependencyRequest struct {
	ServiceName    string `json:"service_name" validate:"required"`
	DependsOn      string `json:"depends_on_service" validate:"required,nefield=ServiceName"`
	DependencyType string `json:"dependency_type,omitempty"`
	Criticality    string `json:"criticality,omitempty" validate:"omitempty,criticality"`
}

// Response types

// ServiceHealth is the effective health of one service.
type ServiceHealth struct {
	Name           string               `json:"name"`
	Type           string               `json:"type"`
	Status         models.ServiceStatus `json:"status"`
	CurrentVersion string               `json:"current_version"`
	Region         string               `json:"region"`
	OpenIncidents  int                  `json:"open_incidents"`
	Incidents      []IncidentBrief      `json:"incidents"`
}

// IncidentBrief is the short form of an open incident.
type IncidentBrief struct {
	ID           string                `json:"id"`
	Severity     models.Severity       `json:"severity"`
	Status       models.IncidentStatus `json:"status"`
	ErrorMessage string                `json:"error_message,omitempty"`
}

// HealthReport summarises every service's health.
type HealthReport struct {
	Timestamp     time.Time       `json:"timestamp"`
	TotalServices int             `json:"total_services"`
	Healthy       int             `json:"healthy"`
	Degraded      int             `json:"degraded"`
	Down          int             `json:"down"`
	Services      []ServiceHealth `json:"services"`
}

// PlaybookSearchResult lists playbooks matching an error.
type PlaybookSearchResult struct {
	Query     string             `json:"search_query"`
	Total     int                `json:"total_matches"`
	Playbooks []*models.Playbook `json:"playbooks"`
}

// SimilarIncident is a past incident resembling the current one.
type SimilarIncident struct {
	IncidentID            string          `json:"incident_id"`
	ServiceName           string          `json:"service_name"`
	Severity              models.Severity `json:"severity"`
	ErrorSignature        string          `json:"error_signature"`
	ErrorMessage          string          `json:"error_message,omitempty"`
	RootCause             string          `json:"root_cause,omitempty"`
	ResolutionAction      string          `json:"resolution_action,omitempty"`
	ResolutionTimeSeconds int64           `json:"resolution_time_seconds,omitempty"`
	ConfidenceScore       *float64        `json:"confidence_score,omitempty"`
	OccurredAt            time.Time       `json:"occurred_at"`
	ResolvedAt            *time.Time      `json:"resolved_at,omitempty"`
}

// SimilarIncidentsReport is the result of a similarity search.
type SimilarIncidentsReport struct {
	IncidentID string            `json:"incident_id"`
	Total      int               `json:"total_matches"`
	Broadened  bool              `json:"broadened"`
	Incidents  []SimilarIncident `json:"similar_incidents"`
}

// Solution is one candidate remediation for an incident.
type Solution struct {
	Source                        string                 `json:"source"` // playbook or historical_incident
	SourceName                    string                 `json:"source_name"`
	ActionType                    string                 `json:"action_type"`
	ActionDetails                 map[string]interface{} `json:"action_details,omitempty"`
	Prerequisites                 []string               `json:"prerequisites,omitempty"`
	PostChecks                    []string               `json:"post_checks,omitempty"`
	ExpectedResolutionTimeMinutes int                    `json:"expected_resolution_time_minutes,omitempty"`
	SuccessRate                   float64                `json:"success_rate"`
	Confidence                    float64                `json:"confidence"`
	Rank                          int                    `json:"rank"`
}

// SolutionsReport ranks candidate remediations for an incident.
type SolutionsReport struct {
	IncidentID        string     `json:"incident_id"`
	ServiceName       string     `json:"service_name"`
	TotalSolutions    int        `json:"total_solutions"`
	PlaybooksMatched  int        `json:"playbooks_matched"`
	HistoricalMatches int        `json:"historical_matches"`
	Solutions         []Solution `json:"recommended_solutions"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Field string `json:"field,omitempty"`
	Rule  string `json:"rule,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Dialect  string `json:"dialect"`
}
