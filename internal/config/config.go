package config

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-remediation/internal/approval"
	"github.com/kubilitics/kubilitics-remediation/internal/audit"
	"github.com/kubilitics/kubilitics-remediation/internal/logging"
	"github.com/kubilitics/kubilitics-remediation/internal/notify"
	"github.com/kubilitics/kubilitics-remediation/internal/reasoning"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/policy"
	"github.com/kubilitics/kubilitics-remediation/internal/safety/risk"
	"github.com/kubilitics/kubilitics-remediation/internal/tracing"
)

// Package config provides configuration management for kubilitics-remediation.
//
// Responsibilities:
//   - Load configuration from YAML files, environment variables, and CLI flags
//   - Validate configuration on startup and on every reload
//   - Provide runtime access to the current configuration snapshot
//   - Reload guardrail, risk and approval settings without a restart
//   - Keep secrets (API keys, webhook URLs) out of files and out of logs
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (highest priority)
//   2. Environment variables (KUBILITICS_* prefix, "." replaced by "_")
//   3. YAML config file (default: /etc/kubilitics/remediation.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server: HTTP and gRPC ports, CORS origins, rate limit, admin token
//   2. Database: sqlite (embedded, default) or postgres (shared)
//   3. Guardrails: blast radius cap, peak window, scale factor cap
//   4. Risk: scorer weights and verdict thresholds
//   5. Approval: approval timeout, execution timeout, sweep schedule
//   6. Incidents: defaults and retention
//   7. Notifications: chat webhook
//   8. Reasoning: AI narration provider
//   9. Logging, Audit, Tracing
//
// Reloadable at runtime: guardrails, risk, approval.timeout_minutes,
// approval.execution_timeout_seconds. Everything else needs a restart.

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port                   int
		GRPCPort               int
		ShutdownTimeoutSeconds int
		// AllowedOrigins is the CORS and WebSocket origin allow-list.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		RateLimitRPS   float64
		RateLimitBurst int
		// AdminToken guards the admin endpoints. Empty disables them.
		AdminToken string
	}

	// Database configuration
	Database struct {
		Type        string
		SQLitePath  string
		PostgresURL string
	}

	// Guardrail thresholds
	Guardrails struct {
		MaxBlastRadius                  int
		CriticalServicesRequireApproval bool
		RollbackAlwaysAllowed           bool
		PeakHoursStartUTC               int
		PeakHoursEndUTC                 int
		PeakBlockedActions              []string
		MaxScaleFactor                  float64
	}

	// Risk scorer weights
	Risk struct {
		StartingScore              float64
		HighBlastRadiusThreshold   int
		HighBlastRadiusPenalty     float64
		ModerateBlastRadiusPenalty float64
		GuardrailBlockedPenalty    float64
		LowRollbackSafetyThreshold float64
		LowRollbackSafetyPenalty   float64
		RecommendedThreshold       float64
		CautionThreshold           float64
		DefaultDowntimeSeconds     int
	}

	// Approval gate configuration
	Approval struct {
		TimeoutMinutes          int
		ExecutionTimeoutSeconds int
		SweepSchedule           string
		HistoryLimit            int
	}

	// Incident defaults and retention
	Incidents struct {
		DefaultRegion      string
		DefaultEnvironment string
		RetentionDays      int
		RetentionSchedule  string
		// SeedFile is applied at startup when set.
		SeedFile string
	}

	// Notification configuration
	Notifications struct {
		WebhookURL string
		Token      string
		Channel    string
		Events     []string
		MaxRetries int
	}

	// Reasoning (AI narration) configuration
	Reasoning struct {
		Provider       string
		APIKey         string
		BaseURL        string
		Model          string
		MaxTokens      int
		Temperature    float64
		TimeoutSeconds int
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		FilePath   string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	// Audit trail configuration
	Audit struct {
		Enabled    bool
		Path       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	// Tracing configuration
	Tracing struct {
		Endpoint    string
		Insecure    bool
		ServiceName string
		SampleRatio float64
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration snapshot. Callers must not modify it.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and delivers each valid new snapshot.
	Watch(ctx context.Context) <-chan Config

	// Reload re-reads all sources. The current snapshot is kept when the
	// new one does not validate.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/kubilitics/remediation.yaml")
}

// ─── Component views ──────────────────────────────────────────────────────────

// Policy returns the guardrail policy.
func (c *Config) Policy() policy.Policy {
	g := c.Guardrails
	return policy.Policy{
		MaxBlastRadius:                  g.MaxBlastRadius,
		CriticalServicesRequireApproval: g.CriticalServicesRequireApproval,
		RollbackAlwaysAllowed:           g.RollbackAlwaysAllowed,
		PeakHoursStartUTC:               g.PeakHoursStartUTC,
		PeakHoursEndUTC:                 g.PeakHoursEndUTC,
		PeakBlockedActions:              append([]string(nil), g.PeakBlockedActions...),
		MaxScaleFactor:                  g.MaxScaleFactor,
	}
}

// Weights returns the risk scorer weights.
func (c *Config) Weights() risk.Weights {
	r := c.Risk
	return risk.Weights{
		StartingScore:              r.StartingScore,
		HighBlastRadiusThreshold:   r.HighBlastRadiusThreshold,
		HighBlastRadiusPenalty:     r.HighBlastRadiusPenalty,
		ModerateBlastRadiusPenalty: r.ModerateBlastRadiusPenalty,
		GuardrailBlockedPenalty:    r.GuardrailBlockedPenalty,
		LowRollbackSafetyThreshold: r.LowRollbackSafetyThreshold,
		LowRollbackSafetyPenalty:   r.LowRollbackSafetyPenalty,
		RecommendedThreshold:       r.RecommendedThreshold,
		CautionThreshold:           r.CautionThreshold,
		DefaultDowntimeSeconds:     r.DefaultDowntimeSeconds,
	}
}

// ApprovalTimeout is how long an entry may wait for approval.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutMinutes) * time.Minute
}

// ExecutionTimeout bounds a single action execution.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Approval.ExecutionTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// Retention is the age after which mitigated and resolved incidents close.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Incidents.RetentionDays) * 24 * time.Hour
}

// NarratorConfig returns the reasoning provider settings.
func (c *Config) NarratorConfig() reasoning.Config {
	r := c.Reasoning
	return reasoning.Config{
		Provider:    r.Provider,
		APIKey:      r.APIKey,
		BaseURL:     r.BaseURL,
		Model:       r.Model,
		MaxTokens:   r.MaxTokens,
		Temperature: float32(r.Temperature),
		Timeout:     time.Duration(r.TimeoutSeconds) * time.Second,
	}
}

// NotifyConfig returns the webhook settings.
func (c *Config) NotifyConfig() notify.Config {
	n := c.Notifications
	return notify.Config{
		URL:        n.WebhookURL,
		Token:      n.Token,
		Channel:    n.Channel,
		MaxRetries: uint64(n.MaxRetries),
	}
}

// NotifyEvents returns the gate transitions to announce.
func (c *Config) NotifyEvents() []approval.EventType {
	out := make([]approval.EventType, 0, len(c.Notifications.Events))
	for _, e := range c.Notifications.Events {
		out = append(out, approval.EventType(e))
	}
	return out
}

// AuditConfig returns the audit trail settings.
func (c *Config) AuditConfig() *audit.Config {
	a := c.Audit
	return &audit.Config{
		Path:       a.Path,
		MaxSize:    a.MaxSizeMB,
		MaxBackups: a.MaxBackups,
		MaxAge:     a.MaxAgeDays,
		Compress:   a.Compress,
	}
}

// LoggingConfig returns the application logger settings.
func (c *Config) LoggingConfig() logging.Config {
	l := c.Logging
	return logging.Config{
		Level:      l.Level,
		Format:     l.Format,
		FilePath:   l.FilePath,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// TracingConfig returns the span export settings.
func (c *Config) TracingConfig() tracing.Config {
	return tracing.Config{
		ServiceName: c.Tracing.ServiceName,
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

// Redacted returns a copy safe to log or serve: secrets are masked.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	cp.Guardrails.PeakBlockedActions = append([]string(nil), c.Guardrails.PeakBlockedActions...)
	cp.Notifications.Events = append([]string(nil), c.Notifications.Events...)

	cp.Server.AdminToken = mask(cp.Server.AdminToken)
	cp.Database.PostgresURL = mask(cp.Database.PostgresURL)
	cp.Notifications.WebhookURL = mask(cp.Notifications.WebhookURL)
	cp.Notifications.Token = mask(cp.Notifications.Token)
	cp.Reasoning.APIKey = mask(cp.Reasoning.APIKey)
	return &cp
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
