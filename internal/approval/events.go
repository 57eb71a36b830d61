package approval

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

// EventType names a gate transition. The values double as audit trail event types.
type EventType string

const (
	EventProposed  EventType = "action.proposed"
	EventApproved  EventType = "action.approved"
	EventRejected  EventType = "action.rejected"
	EventExpired   EventType = "action.expired"
	EventExecuted  EventType = "action.executed"
	EventFailed    EventType = "action.failed"
	EventEmergency EventType = "action.emergency"
)

// Event describes one transition of an audit entry.
type Event struct {
	Type  EventType             `json:"type"`
	Entry *models.AuditLogEntry `json:"entry"`
	// From is empty for entries that were just created.
	From     models.AuditStatus `json:"from,omitempty"`
	Actor    string             `json:"actor,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	At       time.Time          `json:"at"`
	Duration time.Duration      `json:"-"`
}

// Listener is notified after every transition. Listeners run synchronously on
// the transitioning goroutine and must not block.
type Listener interface {
	OnTransition(ctx context.Context, ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev Event)

func (f ListenerFunc) OnTransition(ctx context.Context, ev Event) { f(ctx, ev) }

func (g *Gate) publish(ctx context.Context, ev Event) {
	g.logger.Info("audit entry transition",
		zap.String("event", string(ev.Type)),
		zap.String("entry_id", ev.Entry.ID),
		zap.String("status", string(ev.Entry.Status)),
		zap.String("action", ev.Entry.ActionType),
		zap.String("service", ev.Entry.ServiceName),
		zap.String("actor", ev.Actor),
	)

	g.mu.RLock()
	listeners := append([]Listener(nil), g.listeners...)
	g.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Error("transition listener panicked", zap.Any("panic", r), zap.String("event", string(ev.Type)))
				}
			}()
			l.OnTransition(ctx, ev)
		}()
	}
}
