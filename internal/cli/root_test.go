package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/policy"
	"github.com/kubilitics/kubilitics-remediation/internal/topology"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "remediationctl", cmd.Use)
	assert.True(t, cmd.SilenceUsage)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	paths := [][]string{
		{"incident", "create"}, {"incident", "list"}, {"incident", "get"}, {"incident", "update"},
		{"incident", "ack"}, {"incident", "close"}, {"incident", "similar"}, {"incident", "solutions"},
		{"action", "propose"}, {"action", "approve"}, {"action", "reject"}, {"action", "pending"},
		{"action", "history"}, {"action", "emergency"}, {"action", "get"},
		{"guardrails", "evaluate"}, {"guardrails", "rules"}, {"recommend"},
		{"topology", "seed"}, {"topology", "services"}, {"topology", "health"}, {"topology", "blast-radius"},
		{"topology", "impact"}, {"topology", "depend"}, {"topology", "dependencies"}, {"topology", "set-status"},
		{"playbooks", "list"}, {"playbooks", "search"}, {"playbooks", "config-changes"},
		{"sweep"}, {"retention"}, {"config", "show"}, {"config", "validate"},
	}
	for _, p := range paths {
		t.Run(fmt.Sprint(p), func(t *testing.T) {
			sub, _, err := cmd.Find(p)
			require.NoError(t, err)
			assert.Equal(t, p[len(p)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, FormatText, format.DefValue)

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	for _, name := range []string{"config", "db", "actor"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

// env is a throwaway store and config file shared by successive invocations.
type env struct {
	dir    string
	config string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
database:
  type: sqlite
  sqlite_path: %s
guardrails:
  peak_hours_start_utc: 0
  peak_hours_end_utc: 0
audit:
  path: %s
reasoning:
  provider: static
`, filepath.Join(dir, "remediation.db"), filepath.Join(dir, "audit.log"))
	path := filepath.Join(dir, "remediation.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return &env{dir: dir, config: path}
}

func (e *env) run(args ...string) (string, error) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.config, "--format", FormatJSON, "--actor", "alice"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e *env) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(args...)
	require.NoError(t, err, out)
	return out
}

func decodeOut[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func (e *env) seed(t *testing.T) {
	t.Helper()
	sum := decodeOut[topology.Summary](t, e.mustRun(t, "topology", "seed", filepath.Join("..", "..", "configs", "topology.yaml")))
	require.Equal(t, 4, sum.Services)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "yaml", "topology", "services"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("guardrails:\n  max_blast_radius: -1\n"), 0o600))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path, "config", "validate"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "max_blast_radius")
}

func TestIncidentLifecycle(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	inc := decodeOut[models.Incident](t, e.mustRun(t, "incident", "create",
		"--service", "payment-api", "--severity", "high",
		"--signature", "OOM_KILLED", "--message", "container exceeded memory limit"))
	assert.Equal(t, models.IncidentOpen, inc.Status)
	assert.Equal(t, "us-central1", inc.Region)

	acked := decodeOut[models.Incident](t, e.mustRun(t, "incident", "ack", inc.ID))
	assert.Equal(t, models.IncidentInvestigating, acked.Status)

	updated := decodeOut[models.Incident](t, e.mustRun(t, "incident", "update", inc.ID,
		"--root-cause", "leak in image resize cache", "--confidence", "0.8"))
	assert.Equal(t, "leak in image resize cache", updated.RootCause)
	assert.InDelta(t, 0.8, updated.ConfidenceScore, 1e-9)

	open := decodeOut[[]models.Incident](t, e.mustRun(t, "incident", "list", "--open"))
	require.Len(t, open, 1)

	closed := decodeOut[models.Incident](t, e.mustRun(t, "incident", "close", inc.ID, "--reason", "duplicate"))
	assert.Equal(t, models.IncidentClosed, closed.Status)

	_, err := e.run("incident", "close", inc.ID)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestIncidentCreate_Validation(t *testing.T) {
	e := newEnv(t)
	_, err := e.run("incident", "create", "--service", "payment-api", "--signature", "X", "--message", "y")
	require.Error(t, err)
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestApprovalFlow(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	inc := decodeOut[models.Incident](t, e.mustRun(t, "incident", "create",
		"--service", "payment-api", "--severity", "high",
		"--signature", "OOM_KILLED", "--message", "out of memory"))

	entry := decodeOut[models.AuditLogEntry](t, e.mustRun(t, "action", "propose",
		"--incident", inc.ID, "--type", "restart", "--agent", "remediation-agent"))
	assert.Equal(t, models.AuditPendingApproval, entry.Status)
	assert.Equal(t, "payment-api", entry.ServiceName)

	pending := decodeOut[[]models.PendingApproval](t, e.mustRun(t, "action", "pending", "--incident", inc.ID))
	require.Len(t, pending, 1)
	assert.Equal(t, entry.ID, pending[0].ID)

	done := decodeOut[models.AuditLogEntry](t, e.mustRun(t, "action", "approve", entry.ID))
	assert.Equal(t, models.AuditCompleted, done.Status)
	assert.Equal(t, "alice", done.ApprovedBy)
	assert.True(t, done.HumanApproved)

	_, err := e.run("action", "reject", entry.ID, "--reason", "too late")
	require.Error(t, err)

	history := decodeOut[[]models.AuditLogEntry](t, e.mustRun(t, "action", "history", "--incident", inc.ID))
	require.Len(t, history, 1)

	after := decodeOut[models.Incident](t, e.mustRun(t, "incident", "get", inc.ID))
	assert.Equal(t, models.IncidentMitigated, after.Status)
}

func TestRejectAndSweep(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	inc := decodeOut[models.Incident](t, e.mustRun(t, "incident", "create",
		"--service", "order-api", "--severity", "medium",
		"--signature", "GATEWAY_TIMEOUT", "--message", "gateway timeout calling payment-api"))
	entry := decodeOut[models.AuditLogEntry](t, e.mustRun(t, "action", "propose",
		"--incident", inc.ID, "--type", "scale", "--details", `{"direction":"up","factor":2}`))

	rejected := decodeOut[models.AuditLogEntry](t, e.mustRun(t, "action", "reject", entry.ID, "--reason", "capacity is fine"))
	assert.Equal(t, models.AuditRejected, rejected.Status)

	res := decodeOut[jobResult](t, e.mustRun(t, "sweep"))
	assert.Equal(t, "approval-sweep", res.Job)
	assert.Zero(t, res.Affected)

	res = decodeOut[jobResult](t, e.mustRun(t, "retention"))
	assert.Zero(t, res.Affected)
}

func TestEmergencyRequiresCritical(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	inc := decodeOut[models.Incident](t, e.mustRun(t, "incident", "create",
		"--service", "payment-api", "--severity", "high",
		"--signature", "OOM_KILLED", "--message", "out of memory"))

	_, err := e.run("action", "emergency", "--incident", inc.ID, "--type", "rollback")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	crit := decodeOut[models.Incident](t, e.mustRun(t, "incident", "create",
		"--service", "payment-api", "--severity", "critical",
		"--signature", "OOM_KILLED", "--message", "out of memory"))
	entry := decodeOut[models.AuditLogEntry](t, e.mustRun(t, "action", "emergency", "--incident", crit.ID, "--type", "rollback"))
	assert.Equal(t, models.AuditCompleted, entry.Status)
	assert.Equal(t, "alice", entry.ApprovedBy)
	assert.False(t, entry.HumanApproved)
}

func TestGuardrailsEvaluate(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	res := decodeOut[policy.Result](t, e.mustRun(t, "guardrails", "evaluate", "--service", "payment-api", "--type", "rollback"))
	assert.NotEqual(t, policy.StatusBlocked, res.Status)

	out, err := e.run("guardrails", "evaluate", "--service", "payment-api", "--type", "scale",
		"--details", `{"direction":"up","factor":10}`)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	blocked := decodeOut[policy.Result](t, out)
	assert.Equal(t, policy.StatusBlocked, blocked.Status)

	_, err = e.run("guardrails", "evaluate", "--service", "payment-api", "--type", "scale", "--details", "{not json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTopologyCommands(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	svcs := decodeOut[[]models.Service](t, e.mustRun(t, "topology", "services"))
	assert.Len(t, svcs, 4)

	br := decodeOut[[]models.BlastRadiusEntry](t, e.mustRun(t, "topology", "blast-radius", "payment-api"))
	assert.Len(t, br, 3)

	svc := decodeOut[models.Service](t, e.mustRun(t, "topology", "set-status", "order-api", "degraded"))
	assert.Equal(t, models.ServiceDegraded, svc.Status)

	dep := decodeOut[models.ServiceDependency](t, e.mustRun(t, "topology", "depend", "web-frontend", "notification-api",
		"--type", "http", "--criticality", "low"))
	assert.Equal(t, "notification-api", dep.DependsOn)

	deps := decodeOut[[]models.ServiceDependency](t, e.mustRun(t, "topology", "dependencies"))
	assert.Len(t, deps, 4)

	pbs := decodeOut[[]models.Playbook](t, e.mustRun(t, "playbooks", "list"))
	assert.Len(t, pbs, 3)
}

func TestTextOutput(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", e.config, "topology", "services"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "NAME")
	assert.Contains(t, out.String(), "payment-api")
}

func TestConfigShowMasksSecrets(t *testing.T) {
	e := newEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-very-secret-key")

	out := e.mustRun(t, "config", "show")
	assert.NotContains(t, out, "sk-very-secret-key")
}

func TestDBOverride(t *testing.T) {
	e := newEnv(t)
	other := filepath.Join(e.dir, "other.db")

	e.mustRun(t, "--db", other, "topology", "seed", filepath.Join("..", "..", "configs", "topology.yaml"))
	_, err := os.Stat(other)
	require.NoError(t, err)

	svcs := decodeOut[[]models.Service](t, e.mustRun(t, "topology", "services"))
	assert.Empty(t, svcs)
}
