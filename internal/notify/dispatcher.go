package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/approval"
)

// DefaultEvents are the gate transitions announced when none are configured.
// Approvals are left out; the executed or failed message that follows covers them.
var DefaultEvents = []approval.EventType{
	approval.EventProposed,
	approval.EventRejected,
	approval.EventExpired,
	approval.EventExecuted,
	approval.EventFailed,
	approval.EventEmergency,
}

// Dispatcher turns gate transitions into notifications and sends them in the
// background. It implements approval.Listener.
type Dispatcher struct {
	notifier Notifier
	events   map[approval.EventType]bool
	timeout  time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewDispatcher returns a Dispatcher sending the given event types through n.
// An empty events list selects DefaultEvents.
func NewDispatcher(n Notifier, events []approval.EventType, logger *zap.Logger) *Dispatcher {
	if len(events) == 0 {
		events = DefaultEvents
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		notifier: n,
		events:   make(map[approval.EventType]bool, len(events)),
		timeout:  30 * time.Second,
		logger:   logger.Named("notify"),
	}
	for _, e := range events {
		d.events[e] = true
	}
	return d
}

// OnTransition sends a notification for ev if its type is enabled. It never blocks.
func (d *Dispatcher) OnTransition(ctx context.Context, ev approval.Event) {
	if !d.events[ev.Type] {
		return
	}
	msg := MessageFor(ev)

	// Delivery outlives the request that caused the transition.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		if err := d.notifier.Notify(ctx, msg); err != nil {
			d.logger.Warn("notification not delivered",
				zap.String("event", string(ev.Type)),
				zap.String("entry_id", ev.Entry.ID),
				zap.Error(err),
			)
		}
	}()
}

// Close waits for in-flight notifications or until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MessageFor builds the chat message for a gate transition.
func MessageFor(ev approval.Event) Message {
	e := ev.Entry
	msg := Message{
		Fields: map[string]string{
			"Action":  e.ActionType,
			"Service": e.ServiceName,
			"Entry":   e.ID,
		},
	}
	if e.IncidentID != "" {
		msg.Fields["Incident"] = e.IncidentID
	}
	if ev.Actor != "" {
		msg.Fields["By"] = ev.Actor
	}

	switch ev.Type {
	case approval.EventProposed:
		msg.Severity = "info"
		msg.Title = fmt.Sprintf("Approval needed: %s on %s", e.ActionType, e.ServiceName)
		msg.Text = fmt.Sprintf("Proposed by %s.", e.AgentName)
	case approval.EventApproved:
		msg.Severity = "info"
		msg.Title = fmt.Sprintf("Approved: %s on %s", e.ActionType, e.ServiceName)
	case approval.EventRejected:
		msg.Severity = "info"
		msg.Title = fmt.Sprintf("Rejected: %s on %s", e.ActionType, e.ServiceName)
		msg.Text = ev.Reason
	case approval.EventExpired:
		msg.Severity = "warning"
		msg.Title = fmt.Sprintf("Expired: %s on %s", e.ActionType, e.ServiceName)
		msg.Text = ev.Reason
	case approval.EventExecuted:
		msg.Severity = "success"
		msg.Title = fmt.Sprintf("Remediated: %s on %s", e.ActionType, e.ServiceName)
		if m, ok := e.Result["message"].(string); ok {
			msg.Text = m
		}
	case approval.EventFailed:
		msg.Severity = "error"
		msg.Title = fmt.Sprintf("Remediation failed: %s on %s", e.ActionType, e.ServiceName)
		msg.Text = e.ErrorMessage
	case approval.EventEmergency:
		msg.Severity = "critical"
		msg.Title = fmt.Sprintf("EMERGENCY: %s on %s", e.ActionType, e.ServiceName)
		msg.Text = fmt.Sprintf("Approval gate bypassed by %s due to critical severity.", ev.Actor)
	default:
		msg.Title = fmt.Sprintf("%s: %s on %s", ev.Type, e.ActionType, e.ServiceName)
	}
	return msg
}
