package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-remediation/internal/safety/policy"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/risk"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Server defaults
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, 9091, cfg.Server.GRPCPort)
	assert.Empty(t, cfg.Server.AdminToken)

	// Database defaults
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.NotEmpty(t, cfg.Database.SQLitePath)

	// Approval defaults
	assert.Equal(t, 30*time.Minute, cfg.ApprovalTimeout())
	assert.Equal(t, time.Minute, cfg.ExecutionTimeout())

	// Incident defaults
	assert.Equal(t, 7*24*time.Hour, cfg.Retention())
	assert.Equal(t, "us-central1", cfg.Incidents.DefaultRegion)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Empty(t, cfg.Validate())
}

func TestDefaultConfig_MatchesComponentDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, policy.DefaultPolicy(), cfg.Policy())
	assert.Equal(t, risk.DefaultWeights(), cfg.Weights())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		modifyFn func(*Config)
		errorMsg string
	}{
		{
			name:     "invalid port - too low",
			modifyFn: func(cfg *Config) { cfg.Server.Port = 0 },
			errorMsg: "port must be between 1 and 65535",
		},
		{
			name:     "invalid port - too high",
			modifyFn: func(cfg *Config) { cfg.Server.Port = 70000 },
			errorMsg: "port must be between 1 and 65535",
		},
		{
			name:     "grpc port collides",
			modifyFn: func(cfg *Config) { cfg.Server.GRPCPort = cfg.Server.Port },
			errorMsg: "grpc_port must differ from port",
		},
		{
			name:     "invalid database type",
			modifyFn: func(cfg *Config) { cfg.Database.Type = "mysql" },
			errorMsg: "invalid type 'mysql'",
		},
		{
			name: "missing sqlite path",
			modifyFn: func(cfg *Config) {
				cfg.Database.SQLitePath = ""
			},
			errorMsg: "sqlite_path is required",
		},
		{
			name: "missing postgres url",
			modifyFn: func(cfg *Config) {
				cfg.Database.Type = "postgres"
				cfg.Database.PostgresURL = ""
			},
			errorMsg: "postgres_url is required",
		},
		{
			name:     "peak hour out of range",
			modifyFn: func(cfg *Config) { cfg.Guardrails.PeakHoursEndUTC = 24 },
			errorMsg: "hour must be between 0 and 23",
		},
		{
			name:     "unknown peak blocked action",
			modifyFn: func(cfg *Config) { cfg.Guardrails.PeakBlockedActions = []string{"reboot"} },
			errorMsg: "unknown action 'reboot'",
		},
		{
			name:     "scale factor below one",
			modifyFn: func(cfg *Config) { cfg.Guardrails.MaxScaleFactor = 0.5 },
			errorMsg: "must be at least 1",
		},
		{
			name:     "risk weight out of range",
			modifyFn: func(cfg *Config) { cfg.Risk.HighBlastRadiusPenalty = 1.5 },
			errorMsg: "risk.high_blast_radius_penalty",
		},
		{
			name: "caution above recommended",
			modifyFn: func(cfg *Config) {
				cfg.Risk.CautionThreshold = 0.8
				cfg.Risk.RecommendedThreshold = 0.6
			},
			errorMsg: "must not exceed recommended_threshold",
		},
		{
			name:     "zero approval timeout",
			modifyFn: func(cfg *Config) { cfg.Approval.TimeoutMinutes = 0 },
			errorMsg: "approval.timeout_minutes",
		},
		{
			name:     "bad sweep schedule",
			modifyFn: func(cfg *Config) { cfg.Approval.SweepSchedule = "every minute" },
			errorMsg: "invalid schedule",
		},
		{
			name:     "zero retention",
			modifyFn: func(cfg *Config) { cfg.Incidents.RetentionDays = 0 },
			errorMsg: "incidents.retention_days",
		},
		{
			name:     "relative webhook url",
			modifyFn: func(cfg *Config) { cfg.Notifications.WebhookURL = "/hooks/abc" },
			errorMsg: "must be an absolute http(s) URL",
		},
		{
			name:     "unknown notification event",
			modifyFn: func(cfg *Config) { cfg.Notifications.Events = []string{"incident.created"} },
			errorMsg: "unknown event 'incident.created'",
		},
		{
			name:     "invalid reasoning provider",
			modifyFn: func(cfg *Config) { cfg.Reasoning.Provider = "anthropic" },
			errorMsg: "invalid provider 'anthropic'",
		},
		{
			name:     "invalid log level",
			modifyFn: func(cfg *Config) { cfg.Logging.Level = "loud" },
			errorMsg: "invalid level 'loud'",
		},
		{
			name:     "invalid log format",
			modifyFn: func(cfg *Config) { cfg.Logging.Format = "text" },
			errorMsg: "invalid format 'text'",
		},
		{
			name:     "audit enabled without path",
			modifyFn: func(cfg *Config) { cfg.Audit.Path = "" },
			errorMsg: "path is required when audit is enabled",
		},
		{
			name:     "sample ratio out of range",
			modifyFn: func(cfg *Config) { cfg.Tracing.SampleRatio = 2 },
			errorMsg: "tracing.sample_ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()
			require.NotEmpty(t, errs, "expected validation errors but got none")

			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.errorMsg) {
					found = true
					break
				}
			}
			assert.True(t, found, "expected error message containing '%s', got: %v", tt.errorMsg, errs)
		})
	}
}

func TestConfigValidation_OpenAIWithoutKeyIsAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reasoning.Provider = "openai"
	cfg.Reasoning.APIKey = ""
	assert.Empty(t, cfg.Validate())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remediation.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestConfigManagerLoad(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 9090
  allowed_origins: ["https://ops.example.com"]

guardrails:
  max_blast_radius: 2
  peak_blocked_actions: [restart]

risk:
  high_blast_radius_penalty: 0.25

approval:
  timeout_minutes: 45

notifications:
  channel: "#sre"

logging:
  level: debug
  format: console
`)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	require.NoError(t, mgr.Validate(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 2, cfg.Policy().MaxBlastRadius)
	assert.Equal(t, []string{"restart"}, cfg.Policy().PeakBlockedActions)
	assert.Equal(t, 0.25, cfg.Weights().HighBlastRadiusPenalty)
	assert.Equal(t, 45*time.Minute, cfg.ApprovalTimeout())
	assert.Equal(t, "#sre", cfg.NotifyConfig().Channel)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// untouched keys keep their defaults
	assert.Equal(t, 9091, cfg.Server.GRPCPort)
	assert.Equal(t, 3.0, cfg.Guardrails.MaxScaleFactor)
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("KUBILITICS_SERVER_PORT", "7070")
	t.Setenv("KUBILITICS_GUARDRAILS_MAX_BLAST_RADIUS", "9")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.example.com/x")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/remediation")

	configPath := writeConfig(t, `
server:
  port: 8081
guardrails:
  max_blast_radius: 5
reasoning:
  provider: openai
  api_key: from-file
`)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	cfg := mgr.Get(ctx)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 9, cfg.Guardrails.MaxBlastRadius)
	assert.Equal(t, "sk-env", cfg.NarratorConfig().APIKey)
	assert.Equal(t, "https://hooks.example.com/x", cfg.Notifications.WebhookURL)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "postgres://u:p@db/remediation", cfg.Database.PostgresURL)
}

func TestSampleConfigMatchesDefaults(t *testing.T) {
	for _, k := range []string{"OPENAI_API_KEY", "SLACK_WEBHOOK_URL", "SLACK_BOT_TOKEN", "SLACK_CHANNEL", "DATABASE_URL"} {
		t.Setenv(k, "")
	}
	mgr, err := NewConfigManager("../../configs/remediation.yaml")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	require.NoError(t, mgr.Validate(ctx))

	want := DefaultConfig()
	want.Incidents.SeedFile = "configs/topology.yaml"
	assert.Equal(t, want, mgr.Get(ctx))
}

func TestConfigManagerMissingFile(t *testing.T) {
	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)
	assert.Equal(t, 8081, cfg.Server.Port)
}

func TestConfigManagerMalformedFile(t *testing.T) {
	mgr, err := NewConfigManager(writeConfig(t, "server: [port: 1"))
	require.NoError(t, err)

	err = mgr.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestConfigManagerValidation(t *testing.T) {
	mgr, err := NewConfigManager(writeConfig(t, `
server:
  port: 99999
reasoning:
  provider: invalid-provider
`))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "reasoning.provider")
}

func TestConfigManagerReload(t *testing.T) {
	path := writeConfig(t, "guardrails:\n  max_blast_radius: 4\n")
	mgr, err := NewConfigManager(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	assert.Equal(t, 4, mgr.Get(ctx).Guardrails.MaxBlastRadius)

	require.NoError(t, os.WriteFile(path, []byte("guardrails:\n  max_blast_radius: 7\n"), 0644))
	require.NoError(t, mgr.Reload(ctx))
	assert.Equal(t, 7, mgr.Get(ctx).Guardrails.MaxBlastRadius)
}

func TestConfigManagerReload_KeepsSnapshotOnInvalid(t *testing.T) {
	path := writeConfig(t, "guardrails:\n  max_blast_radius: 4\n")
	mgr, err := NewConfigManager(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	before := mgr.Get(ctx)

	require.NoError(t, os.WriteFile(path, []byte("guardrails:\n  max_scale_factor: 0\n"), 0644))
	err = mgr.Reload(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guardrails.max_scale_factor")
	assert.Same(t, before, mgr.Get(ctx))
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.AdminToken = "admin-secret"
	cfg.Reasoning.APIKey = "sk-secret"
	cfg.Notifications.WebhookURL = "https://hooks.example.com/secret"
	cfg.Database.PostgresURL = "postgres://u:p@db/x"

	red := cfg.Redacted()
	assert.Equal(t, "********", red.Server.AdminToken)
	assert.Equal(t, "********", red.Reasoning.APIKey)
	assert.Equal(t, "********", red.Notifications.WebhookURL)
	assert.Equal(t, "********", red.Database.PostgresURL)
	assert.Empty(t, red.Notifications.Token)

	// original untouched
	assert.Equal(t, "sk-secret", cfg.Reasoning.APIKey)
	red.Guardrails.PeakBlockedActions[0] = "changed"
	assert.Equal(t, "restart", cfg.Guardrails.PeakBlockedActions[0])
}

func TestNotifyEvents(t *testing.T) {
	cfg := DefaultConfig()
	events := cfg.NotifyEvents()
	require.Len(t, events, 6)
	assert.Equal(t, "action.proposed", string(events[0]))
}
