package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kubilitics/kubilitics-remediation/internal/approval"
	"github.com/kubilitics/kubilitics-remediation/internal/notify"
	"github.com/kubilitics/kubilitics-remediation/internal/reasoning"
)

// Remediation engine metrics for production monitoring
var (
	// Incident metrics
	IncidentsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_remediation_incidents_created_total",
			Help: "Total number of incidents created",
		},
		[]string{"severity"},
	)

	IncidentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_remediation_incident_transitions_total",
			Help: "Total number of incident status changes",
		},
		[]string{"to"},
	)

	IncidentsClosedStaleTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_remediation_incidents_closed_stale_total",
			Help: "Total number of mitigated or resolved incidents closed by retention",
		},
	)

	// Guardrail and risk metrics
	GuardrailEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_remediation_guardrail_evaluations_total",
			Help: "Total number of guardrail evaluations",
		},
		[]string{"action_type", "status"}, // status: approved/requires_approval/blocked
	)

	GuardrailBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_remediation_guardrail_blocked_total",
			Help: "Total number of blocked guardrail checks",
		},
		[]string{"check", "action_type"},
	)

	Recommendations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_remediation_recommendations_total",
			Help: "Total number of safety recommendations produced",
		},
		[]string{"verdict"},
	)

	SafetyScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_remediation_safety_score",
			Help:    "Distribution of computed safety scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// Approval gate metrics
	ApprovalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_remediation_approval_transitions_total",
			Help: "Total number of approval gate transitions",
		},
		[]string{"event", "action_type"},
	)

	PendingApprovals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_remediation_pending_approvals",
			Help: "Entries currently awaiting approval, as of the last listing",
		},
	)

	ActionExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_remediation_action_execution_duration_seconds",
			Help:    "Action execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"action_type"},
	)

	// Narration metrics
	NarratorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_remediation_narrator_requests_total",
			Help: "Total number of AI narration requests",
		},
		[]string{"status"}, // status: success/error
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_remediation_notifications_total",
			Help: "Total number of chat notifications attempted",
		},
		[]string{"status"},
	)

	// Scheduled job metrics
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_remediation_job_runs_total",
			Help: "Total number of scheduled job runs",
		},
		[]string{"job", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_remediation_job_duration_seconds",
			Help:    "Scheduled job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"job"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_remediation_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_remediation_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)

	// Config reload metrics
	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_remediation_config_reloads_total",
			Help: "Total number of configuration reload attempts",
		},
		[]string{"status"},
	)
)

// Status maps an error to the "success"/"error" label.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// TransitionListener records approval gate transitions.
func TransitionListener() approval.Listener {
	return approval.ListenerFunc(func(_ context.Context, ev approval.Event) {
		actionType := ""
		if ev.Entry != nil {
			actionType = ev.Entry.ActionType
		}
		ApprovalTransitions.WithLabelValues(string(ev.Type), actionType).Inc()
		if ev.Type == approval.EventExecuted && ev.Duration > 0 {
			ActionExecutionDuration.WithLabelValues(actionType).Observe(ev.Duration.Seconds())
		}
	})
}

// ObserveJob records a scheduled job run. It matches Sweeper.OnResult.
func ObserveJob(job string, took time.Duration, err error) {
	JobRuns.WithLabelValues(job, Status(err)).Inc()
	JobDuration.WithLabelValues(job).Observe(took.Seconds())
}

type narrator struct{ next reasoning.Narrator }

func (n narrator) Narrate(ctx context.Context, prompt string) (string, error) {
	text, err := n.next.Narrate(ctx, prompt)
	NarratorRequests.WithLabelValues(Status(err)).Inc()
	return text, err
}

// InstrumentNarrator counts narration requests. A nil narrator stays nil so
// callers can keep treating it as "narration disabled".
func InstrumentNarrator(n reasoning.Narrator) reasoning.Narrator {
	if n == nil {
		return nil
	}
	return narrator{next: n}
}

type notifier struct{ next notify.Notifier }

func (n notifier) Notify(ctx context.Context, msg notify.Message) error {
	err := n.next.Notify(ctx, msg)
	NotificationsTotal.WithLabelValues(Status(err)).Inc()
	return err
}

// InstrumentNotifier counts notification deliveries.
func InstrumentNotifier(n notify.Notifier) notify.Notifier {
	if n == nil {
		return nil
	}
	return notifier{next: n}
}
