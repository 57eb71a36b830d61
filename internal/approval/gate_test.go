package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/db"
	"github.com/kubilitics/kubilitics-remediation/internal/executor"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store db.Store
	clock *clock.Mock
	gate  *Gate

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T, exOpts ...executor.Option) *fixture {
	t.Helper()
	return newWrappedFixture(t, func(s db.Store) Store { return s }, exOpts...)
}

// newWrappedFixture lets a test interpose on the store the gate sees while
// assertions still read the real one.
func newWrappedFixture(t *testing.T, wrap func(db.Store) Store, exOpts ...executor.Option) *fixture {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.NewMock()
	clk.Set(epoch)

	f := &fixture{store: store, clock: clk}
	ex := executor.New(append([]executor.Option{executor.WithClock(clk)}, exOpts...)...)
	f.gate = NewGate(wrap(store), ex,
		WithClock(clk),
		WithLogger(zap.NewNop()),
		WithListener(ListenerFunc(func(_ context.Context, ev Event) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, ev)
		})),
	)
	return f
}

func (f *fixture) eventTypes() []EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventType, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

func (f *fixture) incident(t *testing.T, id string, sev models.Severity) *models.Incident {
	t.Helper()
	inc := &models.Incident{
		ID:             id,
		ServiceName:    "checkout",
		Severity:       sev,
		Status:         models.IncidentOpen,
		ErrorSignature: "DB_POOL_EXHAUSTED",
		ErrorMessage:   "connection pool exhausted",
		CreatedAt:      f.clock.Now().Add(-10 * time.Minute),
	}
	require.NoError(t, f.store.CreateIncident(context.Background(), inc))
	return inc
}

func (f *fixture) propose(t *testing.T, incidentID, actionType string, details map[string]interface{}) *models.AuditLogEntry {
	t.Helper()
	e, err := f.gate.Propose(context.Background(), Proposal{
		IncidentID:    incidentID,
		AgentName:     "mediator",
		ActionType:    actionType,
		ActionDetails: details,
	})
	require.NoError(t, err)
	return e
}

func TestPropose(t *testing.T) {
	f := newFixture(t)
	f.incident(t, "inc-1", models.SeverityHigh)
	ctx := context.Background()

	e := f.propose(t, "inc-1", "rollback", map[string]interface{}{"target_revision": "v41"})
	assert.Equal(t, models.AuditPendingApproval, e.Status)
	assert.Equal(t, "checkout", e.ServiceName)
	assert.Equal(t, epoch, e.CreatedAt)

	_, err := f.gate.Propose(ctx, Proposal{IncidentID: "ghost", AgentName: "mediator", ActionType: "restart"})
	assert.True(t, models.IsNotFound(err))

	_, err = f.gate.Propose(ctx, Proposal{AgentName: "mediator", ActionType: "restart"})
	assert.True(t, models.IsValidation(err))

	_, err = f.gate.Propose(ctx, Proposal{IncidentID: "inc-1", AgentName: "mediator", ActionType: "config_change"})
	assert.True(t, models.IsValidation(err), "config_change needs config_key")

	_, err = f.gate.Propose(ctx, Proposal{IncidentID: "inc-1", ActionType: "restart"})
	assert.True(t, models.IsValidation(err))

	e, err = f.gate.Propose(ctx, Proposal{ServiceName: "search", AgentName: "cli", ActionType: "restart"})
	require.NoError(t, err)
	assert.Equal(t, "search", e.ServiceName)
	assert.Empty(t, e.IncidentID)
}

func TestApprove_ExecutesAndMitigates(t *testing.T) {
	f := newFixture(t)
	f.incident(t, "inc-1", models.SeverityHigh)
	e := f.propose(t, "inc-1", "rollback", map[string]interface{}{"target_revision": "v41"})

	f.clock.Add(5 * time.Minute)
	done, err := f.gate.Approve(context.Background(), e.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, models.AuditCompleted, done.Status)
	assert.True(t, done.HumanApproved)
	assert.Equal(t, "alice", done.ApprovedBy)
	require.NotNil(t, done.ApprovedAt)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, "alice", done.Result["approved_by"])
	assert.Equal(t, "v41", done.Result["target_revision"])
	assert.Equal(t, true, done.Result["simulated"])
	assert.NotEmpty(t, done.Result["approved_at"])

	inc, err := f.store.GetIncident(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentMitigated, inc.Status)
	assert.Equal(t, "rollback", inc.ResolutionAction)
	assert.Equal(t, "Action 'rollback' on checkout executed successfully. Approved by alice.", inc.ResolutionNotes)
	require.NotNil(t, inc.ResolvedAt)
	assert.Equal(t, int64(15*60), inc.ResolutionTimeSeconds)

	assert.Equal(t, []EventType{EventProposed, EventApproved, EventExecuted}, f.eventTypes())

	_, err = f.gate.Approve(context.Background(), e.ID, "bob")
	var invalid *models.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, string(models.AuditCompleted), invalid.Actual)
}

func TestApprove_LeavesResolvedIncidentAlone(t *testing.T) {
	f := newFixture(t)
	f.incident(t, "inc-1", models.SeverityHigh)
	e := f.propose(t, "inc-1", "restart", nil)

	status := models.IncidentResolved
	_, err := f.store.UpdateIncident(context.Background(), "inc-1", db.IncidentUpdate{Status: &status}, f.clock.Now())
	require.NoError(t, err)

	_, err = f.gate.Approve(context.Background(), e.ID, "alice")
	require.NoError(t, err)

	inc, err := f.store.GetIncident(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, inc.Status)
}

func TestApprove_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.incident(t, "inc-1", models.SeverityHigh)
	e := f.propose(t, "inc-1", "restart", nil)

	const workers = 8
	var wins, invalid int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.gate.Approve(context.Background(), e.ID, "operator")
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case models.IsInvalidState(err):
				atomic.AddInt32(&invalid, 1)
			default:
				t.Errorf("worker %d: unexpected error %v", i, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(workers-1), invalid)

	executed := 0
	for _, typ := range f.eventTypes() {
		if typ == EventExecuted {
			executed++
		}
	}
	assert.Equal(t, 1, executed)
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	f.incident(t, "inc-1", models.SeverityHigh)
	e := f.propose(t, "inc-1", "restart", nil)

	rejected, err := f.gate.Reject(context.Background(), e.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, models.AuditRejected, rejected.Status)
	assert.Equal(t, "Rejected by operator", rejected.ErrorMessage)
	assert.Equal(t, "Rejected by operator", rejected.Result["reason"])
	assert.Equal(t, "bob", rejected.Result["rejected_by"])
	require.NotNil(t, rejected.CompletedAt)

	_, err = f.gate.Approve(context.Background(), e.ID, "alice")
	assert.True(t, models.IsInvalidState(err))

	_, err = f.gate.Reject(context.Background(), "missing", "bob", "no")
	assert.True(t, models.IsNotFound(err))

	inc, err := f.store.GetIncident(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentOpen, inc.Status)
}

func TestApprove_ExpiredEntryIsAutoRejected(t *testing.T) {
	f := newFixture(t)
	f.incident(t, "inc-1", models.SeverityHigh)
	e := f.propose(t, "inc-1", "restart", nil)

	f.clock.Add(31 * time.Minute)
	_, err := f.gate.Approve(context.Background(), e.ID, "alice")
	var invalid *models.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, string(models.AuditRejected), invalid.Actual)

	got, err := f.store.GetAuditEntry(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditRejected, got.Status)
	assert.Equal(t, TimeoutReason, got.Result["reason"])
	assert.Equal(t, SystemActor, got.Result["rejected_by"])
	assert.Equal(t, []EventType{EventProposed, EventExpired}, f.eventTypes())
}

func TestListPending_LazyExpiry(t *testing.T) {
	f := newFixture(t)
	f.incident(t, "inc-1", models.SeverityHigh)
	f.incident(t, "inc-2", models.SeverityLow)

	old := f.propose(t, "inc-1", "restart", nil)
	f.clock.Add(20 * time.Minute)
	fresh := f.propose(t, "inc-2", "rollback", nil)
	f.clock.Add(15 * time.Minute)

	pending, err := f.gate.ListPending(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)
	assert.Equal(t, 15.0, pending[0].AgeMinutes)
	assert.Equal(t, 15.0, pending[0].TimeoutRemainingMinutes)

	got, err := f.store.GetAuditEntry(context.Background(), old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditRejected, got.Status)

	pending, err = f.gate.ListPending(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	f.incident(t, "inc-1", models.SeverityHigh)
	for i := 0; i < 3; i++ {
		f.propose(t, "inc-1", "restart", nil)
	}
	f.clock.Add(10 * time.Minute)
	keep := f.propose(t, "inc-1", "rollback", nil)

	f.clock.Add(25 * time.Minute)
	n, err := f.gate.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.gate.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := f.store.GetAuditEntry(context.Background(), keep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditPendingApproval, got.Status)
}

func TestRejectAndSweepAreExclusive(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		f.incident(t, "inc-1", models.SeverityHigh)
		e := f.propose(t, "inc-1", "restart", nil)
		f.clock.Add(31 * time.Minute)

		var rejectErr error
		var swept int
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, rejectErr = f.gate.Reject(context.Background(), e.ID, "bob", "not now")
		}()
		go func() {
			defer wg.Done()
			var err error
			swept, err = f.gate.Sweep(context.Background())
			assert.NoError(t, err)
		}()
		wg.Wait()

		if rejectErr == nil {
			assert.Equal(t, 0, swept)
		} else {
			assert.True(t, models.IsInvalidState(rejectErr))
			assert.Equal(t, 1, swept)
		}

		got, err := f.store.GetAuditEntry(context.Background(), e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AuditRejected, got.Status)
	}
}

func TestExecutionFailure(t *testing.T) {
	f := newFixture(t, executor.WithHandler(failingHandler{}))
	f.incident(t, "inc-1", models.SeverityHigh)
	e := f.propose(t, "inc-1", "rollback", nil)

	_, err := f.gate.Approve(context.Background(), e.ID, "alice")
	require.Error(t, err)
	assert.True(t, models.IsExecution(err))

	got, err := f.store.GetAuditEntry(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "revision not found")
	assert.Contains(t, got.Result["error"], "revision not found")
	require.NotNil(t, got.CompletedAt)

	inc, err := f.store.GetIncident(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentOpen, inc.Status)
	assert.Equal(t, []EventType{EventProposed, EventApproved, EventFailed}, f.eventTypes())
}

type failingHandler struct{}

func (failingHandler) Apply(context.Context, executor.Request) (map[string]interface{}, error) {
	return nil, errors.New("revision not found")
}

// brokenCompletion fails every CompleteExecution the way a lost disk would.
type brokenCompletion struct {
	db.Store
}

func (brokenCompletion) CompleteExecution(context.Context, string, map[string]interface{}, time.Time, db.IncidentResolution) (*models.AuditLogEntry, error) {
	return nil, errors.New("disk I/O error")
}

func TestApprove_CompletionFailureMarksEntryFailed(t *testing.T) {
	f := newWrappedFixture(t, func(s db.Store) Store { return brokenCompletion{s} })
	f.incident(t, "inc-1", models.SeverityHigh)
	ctx := context.Background()
	e := f.propose(t, "inc-1", "restart", nil)

	_, err := f.gate.Approve(ctx, e.ID, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")

	got, err := f.store.GetAuditEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "disk I/O error")
	require.NotNil(t, got.CompletedAt)

	inc, err := f.store.GetIncident(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentOpen, inc.Status)
	assert.Equal(t, []EventType{EventProposed, EventApproved, EventFailed}, f.eventTypes())
}

func TestApprove_ConfigChangeRecordedOnlyOnCompletion(t *testing.T) {
	ctx := context.Background()
	details := map[string]interface{}{"config_key": "DB_POOL_SIZE", "new_value": 50}

	f := newFixture(t)
	f.incident(t, "inc-1", models.SeverityHigh)
	e := f.propose(t, "inc-1", "config_change", details)
	_, err := f.gate.Approve(ctx, e.ID, "alice")
	require.NoError(t, err)
	changes, err := f.store.ListConfigChanges(ctx, "checkout", 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "executor-agent (approved by alice)", changes[0].ChangedBy)
	assert.Equal(t, "inc-1", changes[0].RelatedIncidentID)

	broken := newWrappedFixture(t, func(s db.Store) Store { return brokenCompletion{s} })
	broken.incident(t, "inc-1", models.SeverityHigh)
	e = broken.propose(t, "inc-1", "config_change", details)
	_, err = broken.gate.Approve(ctx, e.ID, "alice")
	require.Error(t, err)
	changes, err = broken.store.ListConfigChanges(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestExecuteEmergency_FailureIsTagged(t *testing.T) {
	f := newFixture(t, executor.WithHandler(failingHandler{}))
	f.incident(t, "inc-1", models.SeverityCritical)
	ctx := context.Background()

	_, err := f.gate.ExecuteEmergency(ctx, EmergencyRequest{IncidentID: "inc-1", ActionType: "rollback", Operator: "oncall"})
	require.Error(t, err)
	assert.True(t, models.IsExecution(err))

	entries, err := f.store.ListAuditEntries(ctx, db.AuditQuery{IncidentID: "inc-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, models.AuditFailed, got.Status)
	assert.Equal(t, true, got.Result["emergency"])
	assert.Equal(t, "oncall", got.Result["triggered_by"])
	assert.Contains(t, got.Result["error"], "revision not found")
	assert.Equal(t, []EventType{EventEmergency, EventFailed}, f.eventTypes())
}

func TestExecuteEmergency_RequiresCritical(t *testing.T) {
	f := newFixture(t)
	for _, sev := range []models.Severity{models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
		inc := f.incident(t, "inc-"+string(sev), sev)
		for _, typ := range []string{"rollback", "scale", "restart", "config_change", "custom", "not_a_real_action"} {
			_, err := f.gate.ExecuteEmergency(context.Background(), EmergencyRequest{
				IncidentID: inc.ID, ActionType: typ, Operator: "oncall",
			})
			assert.True(t, models.IsPolicyViolation(err), "%s/%s: %v", sev, typ, err)
		}
	}

	entries, err := f.store.ListAuditEntries(context.Background(), db.AuditQuery{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecuteEmergency(t *testing.T) {
	f := newFixture(t)
	f.incident(t, "inc-1", models.SeverityCritical)
	ctx := context.Background()

	_, err := f.gate.ExecuteEmergency(ctx, EmergencyRequest{IncidentID: "inc-1", ActionType: "flush_cache"})
	assert.True(t, models.IsValidation(err))

	_, err = f.gate.ExecuteEmergency(ctx, EmergencyRequest{IncidentID: "ghost", ActionType: "restart"})
	assert.True(t, models.IsNotFound(err))

	done, err := f.gate.ExecuteEmergency(ctx, EmergencyRequest{
		IncidentID:    "inc-1",
		ActionType:    "scale",
		ActionDetails: map[string]interface{}{"direction": "up", "factor": 3},
		Operator:      "oncall",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AuditCompleted, done.Status)
	assert.False(t, done.HumanApproved)
	assert.Equal(t, "executor-agent", done.AgentName)
	assert.Equal(t, true, done.Result["emergency"])
	assert.Equal(t, "oncall", done.Result["triggered_by"])
	assert.Equal(t, "Scaled checkout up by factor 3. Instance count updated.", done.Result["message"])

	inc, err := f.store.GetIncident(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentMitigated, inc.Status)
	assert.Equal(t, "EMERGENCY: scale on checkout by oncall. Approval gate bypassed due to critical severity.", inc.ResolutionNotes)
	assert.Equal(t, []EventType{EventEmergency, EventExecuted}, f.eventTypes())
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	f.incident(t, "inc-1", models.SeverityHigh)
	ctx := context.Background()

	a := f.propose(t, "inc-1", "restart", nil)
	b := f.propose(t, "inc-1", "rollback", nil)
	c := f.propose(t, "inc-1", "scale", nil)
	pending := f.propose(t, "inc-1", "restart", nil)

	_, err := f.gate.Approve(ctx, a.ID, "alice")
	require.NoError(t, err)
	f.clock.Add(time.Minute)
	_, err = f.gate.Reject(ctx, b.ID, "bob", "too risky")
	require.NoError(t, err)
	f.clock.Add(time.Minute)
	_, err = f.gate.Approve(ctx, c.ID, "alice")
	require.NoError(t, err)

	hist, err := f.gate.History(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, []string{hist[0].ID, hist[1].ID, hist[2].ID})
	for _, h := range hist {
		assert.NotEqual(t, pending.ID, h.ID)
	}

	hist, err = f.gate.History(ctx, "inc-1", 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, c.ID, hist[0].ID)
}

func TestListenerPanicDoesNotBreakGate(t *testing.T) {
	f := newFixture(t)
	f.gate.Subscribe(ListenerFunc(func(context.Context, Event) { panic("boom") }))
	f.incident(t, "inc-1", models.SeverityHigh)

	e := f.propose(t, "inc-1", "restart", nil)
	_, err := f.gate.Approve(context.Background(), e.ID, "alice")
	require.NoError(t, err)
}

func TestSweeperJobs(t *testing.T) {
	s := NewSweeper(zap.NewNop())
	assert.Error(t, s.AddJob("bad", "not a schedule", func(context.Context) error { return nil }))

	f := newFixture(t)
	require.NoError(t, s.AddGate(f.gate, ""))

	var results []error
	s.OnResult = func(_ string, _ time.Duration, err error) { results = append(results, err) }
	s.runJob("ok", func(context.Context) error { return nil })
	s.runJob("fails", func(context.Context) error { return errors.New("db down") })
	s.runJob("panics", func(context.Context) error { panic("boom") })

	require.Len(t, results, 3)
	assert.NoError(t, results[0])
	assert.EqualError(t, results[1], "db down")
	assert.ErrorContains(t, results[2], "panicked")

	s.Start()
	require.NoError(t, s.Stop(context.Background()))
}
