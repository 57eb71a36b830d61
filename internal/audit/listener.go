package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/approval"
)

// TransitionListener records every approval gate transition on l. Write
// failures are reported on logger and never reach the gate.
func TransitionListener(l Logger, logger *zap.Logger) approval.Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return approval.ListenerFunc(func(ctx context.Context, ev approval.Event) {
		if err := l.Log(ctx, FromTransition(ev)); err != nil {
			logger.Warn("failed to write audit event",
				zap.String("event", string(ev.Type)),
				zap.String("entry_id", ev.Entry.ID),
				zap.Error(err),
			)
		}
	})
}

// FromTransition converts a gate event into an audit event.
func FromTransition(ev approval.Event) *Event {
	e := ev.Entry
	event := NewEvent(EventType(ev.Type)).
		At(ev.At).
		WithEntry(e.ID).
		WithIncident(e.IncidentID).
		WithResource(e.ServiceName, "service").
		WithAction(e.ActionType).
		WithUser(ev.Actor).
		WithDuration(ev.Duration).
		WithMetadata("to", string(e.Status))

	if ev.From != "" {
		event.WithMetadata("from", string(ev.From))
	}
	if ev.Reason != "" {
		event.WithMetadata("reason", ev.Reason)
	}

	switch ev.Type {
	case approval.EventProposed:
		event.WithResult(ResultPending).
			WithDescription(fmt.Sprintf("Action %s proposed for %s by %s", e.ActionType, e.ServiceName, e.AgentName))
	case approval.EventApproved:
		event.WithResult(ResultSuccess).
			WithDescription(fmt.Sprintf("Action %s approved for %s by %s", e.ActionType, e.ServiceName, ev.Actor))
	case approval.EventRejected:
		event.WithResult(ResultDenied).
			WithDescription(fmt.Sprintf("Action %s rejected for %s by %s", e.ActionType, e.ServiceName, ev.Actor))
	case approval.EventExpired:
		event.WithResult(ResultDenied).
			WithDescription(fmt.Sprintf("Action %s for %s expired without approval", e.ActionType, e.ServiceName))
	case approval.EventExecuted:
		event.WithResult(ResultSuccess).
			WithDescription(fmt.Sprintf("Action %s executed for %s", e.ActionType, e.ServiceName))
	case approval.EventEmergency:
		event.WithResult(ResultSuccess).
			WithMetadata("emergency", true).
			WithDescription(fmt.Sprintf("Emergency %s on %s by %s bypassed the approval gate", e.ActionType, e.ServiceName, ev.Actor))
	case approval.EventFailed:
		event.WithResult(ResultFailure).
			WithDescription(fmt.Sprintf("Action %s failed for %s", e.ActionType, e.ServiceName))
		event.Error = e.ErrorMessage
		event.ErrorCode = "execution_failed"
	}

	return event
}
