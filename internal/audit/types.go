package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Incident events
	EventIncidentCreated EventType = "incident.created"
	EventIncidentUpdated EventType = "incident.updated"

	// Decision events
	EventGuardrailEvaluated     EventType = "guardrail.evaluated"
	EventRecommendationProduced EventType = "recommendation.produced"

	// Action events. The values match the approval gate's transition events.
	EventActionProposed  EventType = "action.proposed"
	EventActionApproved  EventType = "action.approved"
	EventActionRejected  EventType = "action.rejected"
	EventActionExpired   EventType = "action.expired"
	EventActionExecuted  EventType = "action.executed"
	EventActionFailed    EventType = "action.failed"
	EventActionEmergency EventType = "action.emergency"

	// Configuration events
	EventConfigReloaded EventType = "config.reloaded"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event represents a single audit event
type Event struct {
	// Core fields
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Actor information
	User string `json:"user,omitempty"`

	// Subject of the event
	IncidentID   string `json:"incident_id,omitempty"`
	EntryID      string `json:"entry_id,omitempty"`
	Service      string `json:"service,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`

	// Action details
	Action      string                 `json:"action,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// Error information
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	// Duration tracking
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// At overrides the event timestamp.
func (e *Event) At(t time.Time) *Event {
	e.Timestamp = t.UTC()
	return e
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithUser sets the user who triggered the event
func (e *Event) WithUser(user string) *Event {
	e.User = user
	return e
}

// WithIncident links the event to an incident.
func (e *Event) WithIncident(id string) *Event {
	e.IncidentID = id
	return e
}

// WithEntry links the event to an audit-log entry.
func (e *Event) WithEntry(id string) *Event {
	e.EntryID = id
	return e
}

// WithResource sets the service being acted upon
func (e *Event) WithResource(service, resourceType string) *Event {
	e.Service = service
	e.ResourceType = resourceType
	return e
}

// WithAction sets the action being performed
func (e *Event) WithAction(action string) *Event {
	e.Action = action
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
