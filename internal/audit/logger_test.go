package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kubilitics/kubilitics-remediation/internal/approval"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/internal/safety"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/policy"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/risk"
)

func newTestLogger(t *testing.T) (Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(&Config{Path: path, MaxSize: 10, MaxBackups: 3}, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger, path
}

func readLog(t *testing.T, logger Logger, path string) string {
	t.Helper()
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	return string(content)
}

func TestNewLogger(t *testing.T) {
	logger, _ := newTestLogger(t)
	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}
}

func TestNewLoggerRequiresPath(t *testing.T) {
	_, err := NewLogger(&Config{}, nil)
	if err == nil {
		t.Fatal("Expected error for empty path")
	}
	if !strings.Contains(err.Error(), "path is required") {
		t.Errorf("Expected 'path is required' error, got: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Path != "logs/audit.log" {
		t.Errorf("Expected audit log path 'logs/audit.log', got %s", config.Path)
	}
	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}
	if config.MaxBackups != 10 {
		t.Errorf("Expected max backups 10, got %d", config.MaxBackups)
	}
}

func TestLogEvent(t *testing.T) {
	logger, path := newTestLogger(t)

	event := NewEvent(EventActionApproved).
		WithCorrelationID("test-123").
		WithUser("alice").
		WithResource("checkout", "service").
		WithResult(ResultSuccess)

	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	logContent := readLog(t, logger, path)
	for _, want := range []string{"test-123", "action.approved", "alice", "checkout"} {
		if !strings.Contains(logContent, want) {
			t.Errorf("Log does not contain %q", want)
		}
	}
}

func TestCorrelationIDFromContext(t *testing.T) {
	logger, path := newTestLogger(t)

	ctx := WithCorrelationID(context.Background(), "req-42")
	if err := logger.Log(ctx, NewEvent(EventServerStarted)); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	if !strings.Contains(readLog(t, logger, path), "req-42") {
		t.Error("Log does not contain correlation ID taken from the context")
	}
}

func TestLogIncidentLifecycle(t *testing.T) {
	logger, path := newTestLogger(t)
	ctx := context.Background()

	inc := &models.Incident{ID: "inc-1", ServiceName: "checkout", Severity: models.SeverityCritical, Status: models.IncidentOpen}
	if err := logger.LogIncidentCreated(ctx, inc); err != nil {
		t.Fatalf("LogIncidentCreated failed: %v", err)
	}
	inc.Status = models.IncidentInvestigating
	if err := logger.LogIncidentUpdated(ctx, inc, models.IncidentOpen); err != nil {
		t.Fatalf("LogIncidentUpdated failed: %v", err)
	}

	logContent := readLog(t, logger, path)
	if !strings.Contains(logContent, "incident.created") {
		t.Error("Log does not contain created event")
	}
	if !strings.Contains(logContent, "incident.updated") {
		t.Error("Log does not contain updated event")
	}
	if !strings.Contains(logContent, "moved from open to investigating") {
		t.Error("Log does not describe the status change")
	}
}

func TestLogDecisions(t *testing.T) {
	logger, path := newTestLogger(t)
	ctx := context.Background()

	res := &policy.Result{
		Status:      policy.StatusBlocked,
		ActionType:  "rollback",
		ServiceName: "checkout",
		Checks: []policy.Check{
			{Name: "blast_radius", Status: policy.CheckBlocked, Message: "Blast radius (6) exceeds maximum (5)"},
		},
		Total:   1,
		Blocked: 1,
	}
	if err := logger.LogGuardrailEvaluated(ctx, res); err != nil {
		t.Fatalf("LogGuardrailEvaluated failed: %v", err)
	}

	rec := &safety.Recommendation{
		IncidentID:     "inc-1",
		ServiceName:    "checkout",
		ProposedAction: "rollback",
		Verdict:        risk.VerdictBlocked,
		VerdictReason:  "Action blocked by guardrails. Manual override required.",
		SafetyScore:    0.3,
	}
	if err := logger.LogRecommendation(ctx, rec); err != nil {
		t.Fatalf("LogRecommendation failed: %v", err)
	}

	logContent := readLog(t, logger, path)
	for _, want := range []string{"guardrail.evaluated", "denied", "blocked_by_blast_radius", "recommendation.produced", "BLOCKED"} {
		if !strings.Contains(logContent, want) {
			t.Errorf("Log does not contain %q", want)
		}
	}
}

func TestLogConfigReloadFailure(t *testing.T) {
	logger, path := newTestLogger(t)

	if err := logger.LogConfigReloaded(context.Background(), "config.yaml", errors.New("guardrails.max_blast_radius must be positive")); err != nil {
		t.Fatalf("LogConfigReloaded failed: %v", err)
	}

	logContent := readLog(t, logger, path)
	if !strings.Contains(logContent, "config_invalid") {
		t.Error("Log does not contain error code")
	}
	if !strings.Contains(logContent, `\"result\":\"failure\"`) {
		t.Errorf("Expected failure result in %s", logContent)
	}
}

func TestBufferAutoFlush(t *testing.T) {
	logger, path := newTestLogger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event := NewEvent(EventServerStarted).
			WithCorrelationID("test").
			WithResult(ResultSuccess)

		if err := logger.Log(ctx, event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	// Wait for auto-flush (1 second ticker)
	time.Sleep(1500 * time.Millisecond)

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	if len(content) == 0 {
		t.Error("Audit log is empty after auto-flush")
	}
}

func TestBufferFullFlush(t *testing.T) {
	logger, path := newTestLogger(t)
	ctx := context.Background()

	for i := 0; i < 105; i++ {
		if err := logger.Log(ctx, NewEvent(EventServerStarted).WithResult(ResultSuccess)); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	lines := strings.Split(readLog(t, logger, path), "\n")
	eventCount := 0
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			eventCount++
		}
	}
	if eventCount < 105 {
		t.Errorf("Expected at least 105 events, got %d", eventCount)
	}
}

func TestCloseTwice(t *testing.T) {
	logger, _ := newTestLogger(t)
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestTransitionListener(t *testing.T) {
	mem := NewMemoryLogger(0)
	l := TransitionListener(mem, nil)
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	entry := &models.AuditLogEntry{
		ID:           "entry-1",
		IncidentID:   "inc-1",
		ServiceName:  "checkout",
		ActionType:   "restart",
		Status:       models.AuditFailed,
		ErrorMessage: "execution of restart on checkout failed: boom",
	}
	l.OnTransition(context.Background(), approval.Event{
		Type:   approval.EventFailed,
		Entry:  entry,
		From:   models.AuditExecuting,
		Actor:  "alice",
		Reason: entry.ErrorMessage,
		At:     at,
	})

	events := mem.OfType(EventActionFailed)
	if len(events) != 1 {
		t.Fatalf("Expected 1 failed event, got %d", len(events))
	}
	ev := events[0]
	if ev.Result != ResultFailure {
		t.Errorf("Expected failure result, got %s", ev.Result)
	}
	if ev.EntryID != "entry-1" || ev.IncidentID != "inc-1" || ev.User != "alice" {
		t.Errorf("Unexpected subject: %+v", ev)
	}
	if !ev.Timestamp.Equal(at) {
		t.Errorf("Expected timestamp %s, got %s", at, ev.Timestamp)
	}
	if ev.Metadata["from"] != "executing" || ev.Metadata["to"] != "failed" {
		t.Errorf("Unexpected metadata: %v", ev.Metadata)
	}
	if ev.Error == "" {
		t.Error("Expected error message to be carried")
	}
}

func TestFromTransitionResults(t *testing.T) {
	cases := map[approval.EventType]Result{
		approval.EventProposed:  ResultPending,
		approval.EventApproved:  ResultSuccess,
		approval.EventRejected:  ResultDenied,
		approval.EventExpired:   ResultDenied,
		approval.EventExecuted:  ResultSuccess,
		approval.EventEmergency: ResultSuccess,
	}
	for typ, want := range cases {
		ev := FromTransition(approval.Event{Type: typ, Entry: &models.AuditLogEntry{ID: "e"}})
		if ev.Result != want {
			t.Errorf("%s: expected %s, got %s", typ, want, ev.Result)
		}
		if string(ev.EventType) != string(typ) {
			t.Errorf("%s: event type not carried over, got %s", typ, ev.EventType)
		}
	}
}

func TestEventJSON(t *testing.T) {
	raw, err := json.Marshal(NewEvent(EventActionProposed).WithEntry("e-1").WithAction("scale"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["entry_id"] != "e-1" || decoded["event_type"] != "action.proposed" {
		t.Errorf("Unexpected JSON: %s", raw)
	}
}

func TestMemoryLoggerLimit(t *testing.T) {
	mem := NewMemoryLogger(2)
	ctx := context.Background()
	_ = mem.LogServerStarted(ctx, ":8081")
	_ = mem.LogServerShutdown(ctx, "signal")
	_ = mem.LogConfigReloaded(ctx, "admin", nil)

	events := mem.Events()
	if len(events) != 2 {
		t.Fatalf("Expected 2 retained events, got %d", len(events))
	}
	if events[0].EventType != EventServerShutdown {
		t.Errorf("Expected oldest event to be dropped, first is %s", events[0].EventType)
	}
}

func TestCorrelationID(t *testing.T) {
	id1 := GenerateCorrelationID()
	id2 := GenerateCorrelationID()

	if id1 == id2 {
		t.Error("Generated correlation IDs should be unique")
	}
}
