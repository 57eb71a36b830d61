package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/audit"
	"github.com/kubilitics/kubilitics-remediation/internal/config"
	"github.com/kubilitics/kubilitics-remediation/internal/db"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/internal/orchestrator"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

const adminToken = "s3cret"

type testServer struct {
	srv   *Server
	orch  *orchestrator.Service
	audit *audit.MemoryLogger
}

func newTestServer(t *testing.T, mutate func(*config.Config), mgr config.ConfigManager) *testServer {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	mem := audit.NewMemoryLogger(0)

	orch, err := orchestrator.New(orchestrator.Options{Store: store, Audit: mem, Clock: clk, Logger: zap.NewNop()})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Server.AdminToken = adminToken
	cfg.Server.RateLimitRPS = 1000
	cfg.Server.RateLimitBurst = 1000
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(Options{Orchestrator: orch, Config: cfg, ConfigManager: mgr, Audit: mem, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, orch: orch, audit: mem}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) createIncident(t *testing.T, service, severity string) *models.Incident {
	t.Helper()
	if _, err := ts.orch.GetService(context.Background(), service); models.IsNotFound(err) {
		_, err = ts.orch.UpsertService(context.Background(), types.UpsertServiceRequest{Name: service, Type: "api"})
		require.NoError(t, err)
	}
	rec := ts.do(t, http.MethodPost, "/api/v1/incidents", types.CreateIncidentRequest{
		ServiceName:    service,
		Severity:       severity,
		ErrorSignature: "DB_POOL_EXHAUSTED",
		ErrorMessage:   "connection pool exhausted after 30s",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*models.Incident](t, rec)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{&models.NotFoundError{Kind: "incident", ID: "x"}, http.StatusNotFound, KindNotFound},
		{&models.InvalidStateError{ID: "x", Expected: "pending_approval", Actual: "completed"}, http.StatusConflict, KindInvalidState},
		{&models.PolicyViolation{Rule: "emergency_requires_critical", Message: "no"}, http.StatusUnprocessableEntity, KindPolicyViolation},
		{&models.ValidationError{Field: "severity", Message: "bad"}, http.StatusBadRequest, KindValidation},
		{&models.ExecutionError{ActionType: "restart", Service: "api", Err: assert.AnError}, http.StatusBadGateway, KindExecution},
		{assert.AnError, http.StatusInternalServerError, KindInternal},
	}
	for _, tc := range cases {
		status, resp := classify(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.kind, resp.Kind)
	}

	_, resp := classify(&models.PolicyViolation{Rule: "r1", Message: "m"})
	assert.Equal(t, "r1", resp.Rule)
	_, resp = classify(&models.ValidationError{Field: "f1", Message: "m"})
	assert.Equal(t, "f1", resp.Field)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[types.HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "sqlite", resp.Dialect)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.createIncident(t, "checkout", "high")

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kubilitics_remediation_incidents_created_total")
}

func TestIncidentEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	inc := ts.createIncident(t, "checkout", "high")
	assert.Equal(t, models.IncidentOpen, inc.Status)

	rec := ts.do(t, http.MethodGet, "/api/v1/incidents/"+inc.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, inc.ID, decode[*models.Incident](t, rec).ID)

	rec = ts.do(t, http.MethodGet, "/api/v1/incidents/open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*models.Incident](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/incidents?service=checkout&status=open,investigating", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*models.Incident](t, rec), 1)

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/acknowledge", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.IncidentInvestigating, decode[*models.Incident](t, rec).Status)

	rec = ts.do(t, http.MethodPatch, "/api/v1/incidents/"+inc.ID, map[string]string{"status": "open"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, KindInvalidState, decode[types.ErrorResponse](t, rec).Kind)

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/close", map[string]string{"reason": "duplicate"}, "X-Actor", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	closed := decode[*models.Incident](t, rec)
	assert.Equal(t, models.IncidentClosed, closed.Status)
	assert.Contains(t, closed.ResolutionNotes, "alice")

	rec = ts.do(t, http.MethodGet, "/api/v1/incidents/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, KindNotFound, decode[types.ErrorResponse](t, rec).Kind)
}

func TestIncidentValidation(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/incidents", `{"service_name": "checkout"`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents", types.CreateIncidentRequest{
		ServiceName: "checkout", Severity: "urgent", ErrorSignature: "X", ErrorMessage: "y",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[types.ErrorResponse](t, rec)
	assert.Equal(t, KindValidation, resp.Kind)
	assert.Equal(t, "severity", resp.Field)

	rec = ts.do(t, http.MethodGet, "/api/v1/incidents?limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "limit", decode[types.ErrorResponse](t, rec).Field)

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents", types.CreateIncidentRequest{
		ServiceName: "ghost", Severity: "high", ErrorSignature: "X", ErrorMessage: "y",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, KindNotFound, decode[types.ErrorResponse](t, rec).Kind)
}

func TestApprovalEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	inc := ts.createIncident(t, "checkout", "high")

	rec := ts.do(t, http.MethodPost, "/api/v1/actions", types.CreateAuditEntryRequest{
		AgentName:  "remediator",
		ActionType: "restart",
		IncidentID: inc.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decode[*models.AuditLogEntry](t, rec)
	assert.Equal(t, models.AuditPendingApproval, entry.Status)

	rec = ts.do(t, http.MethodGet, "/api/v1/actions/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*models.PendingApproval](t, rec), 1)

	rec = ts.do(t, http.MethodPost, "/api/v1/actions/"+entry.ID+"/approve", nil, "X-Actor", "bob")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[*models.AuditLogEntry](t, rec)
	assert.Equal(t, models.AuditCompleted, done.Status)
	assert.Equal(t, "bob", done.ApprovedBy)
	assert.True(t, done.HumanApproved)

	rec = ts.do(t, http.MethodPost, "/api/v1/actions/"+entry.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/actions/history?incident_id="+inc.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*models.AuditLogEntry](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/incidents/"+inc.ID, nil)
	assert.Equal(t, models.IncidentMitigated, decode[*models.Incident](t, rec).Status)
}

func TestEmergencyRequiresCritical(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	inc := ts.createIncident(t, "checkout", "high")

	rec := ts.do(t, http.MethodPost, "/api/v1/actions/emergency", types.EmergencyRequest{
		IncidentID: inc.ID, ActionType: "restart",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[types.ErrorResponse](t, rec)
	assert.Equal(t, KindPolicyViolation, resp.Kind)
	assert.NotEmpty(t, resp.Rule)
}

func TestGuardrailEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/guardrails/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rules := decode[GuardrailRulesResponse](t, rec)
	assert.NotEmpty(t, rules.Rules)
	assert.Equal(t, 5, rules.Policy.MaxBlastRadius)

	rec = ts.do(t, http.MethodPost, "/api/v1/guardrails/evaluate", types.GuardrailRequest{
		ActionType:    "scale",
		ServiceName:   "checkout",
		ActionDetails: map[string]interface{}{"direction": "up", "factor": 10},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"blocked"`)

	rec = ts.do(t, http.MethodPost, "/api/v1/guardrails/evaluate", types.GuardrailRequest{ServiceName: "checkout"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTopologyEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	for _, name := range []string{"db", "api", "web"} {
		rec := ts.do(t, http.MethodPost, "/api/v1/services", types.UpsertServiceRequest{Name: name, Type: "api"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := ts.do(t, http.MethodPost, "/api/v1/dependencies", types.AddDependencyRequest{ServiceName: "api", DependsOn: "db"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/api/v1/dependencies", types.AddDependencyRequest{ServiceName: "web", DependsOn: "api"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/services/db/blast-radius", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[BlastRadiusResponse](t, rec).TotalAffected)

	rec = ts.do(t, http.MethodPut, "/api/v1/services/db/status", map[string]string{"status": "down"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ServiceDown, decode[*models.Service](t, rec).Status)

	rec = ts.do(t, http.MethodPut, "/api/v1/services/db/status", map[string]string{"status": "sleepy"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/services/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[types.HealthReport](t, rec)
	assert.Equal(t, 3, report.TotalServices)
	assert.Equal(t, 1, report.Down)

	rec = ts.do(t, http.MethodPost, "/api/v1/dependencies", types.AddDependencyRequest{ServiceName: "api", DependsOn: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/admin/approvals/sweep", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/admin/approvals/sweep", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/admin/approvals/sweep", nil, "Authorization", "Bearer "+adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, JobResponse{Job: "approval-sweep"}, decode[JobResponse](t, rec))

	seed := "services:\n  - name: payments\n  - name: ledger\ndependencies:\n  - service: payments\n    depends_on: ledger\n"
	rec = ts.do(t, http.MethodPost, "/api/v1/admin/topology/seed", seed, "Authorization", "Bearer "+adminToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"services":2`)

	rec = ts.do(t, http.MethodGet, "/api/v1/admin/config", nil, "Authorization", "Bearer "+adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), adminToken)

	rec = ts.do(t, http.MethodPost, "/api/v1/admin/reload", nil, "Authorization", "Bearer "+adminToken)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.AdminToken = "" }, nil)
	rec := ts.do(t, http.MethodPost, "/api/v1/admin/approvals/sweep", nil, "Authorization", "Bearer anything")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remediation.yaml")
	require.NoError(t, os.WriteFile(path, []byte("guardrails:\n  max_blast_radius: 5\n"), 0644))
	mgr, err := config.NewConfigManager(path)
	require.NoError(t, err)
	require.NoError(t, mgr.Load(context.Background()))

	ts := newTestServer(t, nil, mgr)
	auth := []string{"Authorization", "Bearer " + adminToken}

	require.NoError(t, os.WriteFile(path, []byte("guardrails:\n  max_blast_radius: 2\n"), 0644))
	rec := ts.do(t, http.MethodPost, "/api/v1/admin/reload", nil, auth...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, ts.orch.Safety().Policy().MaxBlastRadius)

	require.NoError(t, os.WriteFile(path, []byte("guardrails:\n  max_blast_radius: -1\n"), 0644))
	rec = ts.do(t, http.MethodPost, "/api/v1/admin/reload", nil, auth...)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 2, ts.orch.Safety().Policy().MaxBlastRadius)

	assert.Len(t, ts.audit.OfType(audit.EventConfigReloaded), 2)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Server.RateLimitRPS = 0.001
		c.Server.RateLimitBurst = 1
	}, nil)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/services", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodGet, "/api/v1/services", nil).Code)
	// Probes are not limited
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil).Code)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.do(t, http.MethodGet, "/api/v1/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, KindNotFound, decode[types.ErrorResponse](t, rec).Kind)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/incidents", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketStreamsTransitions(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.AllowedOrigins = []string{"*"} }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.srv.Hub().Run(ctx)

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.srv.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	inc := ts.createIncident(t, "checkout", "high")
	rec := ts.do(t, http.MethodPost, "/api/v1/actions", types.CreateAuditEntryRequest{
		AgentName: "remediator", ActionType: "restart", IncidentID: inc.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type  string `json:"type"`
		Event struct {
			Type  string `json:"type"`
			Entry struct {
				IncidentID string `json:"incident_id"`
			} `json:"entry"`
		} `json:"event"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageTypeTransition, msg.Type)
	assert.Equal(t, "action.proposed", msg.Event.Type)
	assert.Equal(t, inc.ID, msg.Event.Entry.IncidentID)
}
