package audit

import (
	"context"
	"sync"
)

// MemoryLogger keeps events in memory. It backs the audit trail when no file
// is configured and lets tests inspect what was recorded.
type MemoryLogger struct {
	builders

	mu     sync.Mutex
	events []*Event
	limit  int
}

// NewMemoryLogger returns a MemoryLogger retaining at most limit events
// (oldest dropped first). A limit of zero or less retains everything.
func NewMemoryLogger(limit int) *MemoryLogger {
	m := &MemoryLogger{limit: limit}
	m.builders = builders{sink: m.Log}
	return m
}

func (m *MemoryLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
	return nil
}

// Events returns a copy of the recorded events, oldest first.
func (m *MemoryLogger) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}

// OfType returns the recorded events of type t.
func (m *MemoryLogger) OfType(t EventType) []*Event {
	var out []*Event
	for _, e := range m.Events() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryLogger) Sync() error  { return nil }
func (m *MemoryLogger) Close() error { return nil }

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return nop{builders{sink: func(context.Context, *Event) error { return nil }}}
}

type nop struct{ builders }

func (nop) Log(context.Context, *Event) error { return nil }
func (nop) Sync() error                       { return nil }
func (nop) Close() error                      { return nil }
