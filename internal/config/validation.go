package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap/zapcore"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

var knownActions = map[string]bool{
	"rollback":      true,
	"scale":         true,
	"scale_up":      true,
	"scale_down":    true,
	"restart":       true,
	"config_change": true,
	"custom":        true,
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		add("server.grpc_port", "port must be between 0 and 65535, got %d", c.Server.GRPCPort)
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		add("server.grpc_port", "grpc_port must differ from port")
	}
	if c.Server.ShutdownTimeoutSeconds < 1 {
		add("server.shutdown_timeout_seconds", "must be at least 1, got %d", c.Server.ShutdownTimeoutSeconds)
	}
	if c.Server.RateLimitRPS < 0 {
		add("server.rate_limit_rps", "must not be negative, got %v", c.Server.RateLimitRPS)
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1 {
		add("server.rate_limit_burst", "must be at least 1 when rate limiting is on, got %d", c.Server.RateLimitBurst)
	}

	// Database
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			add("database.sqlite_path", "sqlite_path is required when type is sqlite")
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			add("database.postgres_url", "postgres_url is required when type is postgres")
		}
	default:
		add("database.type", "invalid type '%s', must be one of: sqlite, postgres", c.Database.Type)
	}

	// Guardrails
	if c.Guardrails.MaxBlastRadius < 0 {
		add("guardrails.max_blast_radius", "must not be negative, got %d", c.Guardrails.MaxBlastRadius)
	}
	if !validHour(c.Guardrails.PeakHoursStartUTC) {
		add("guardrails.peak_hours_start_utc", "hour must be between 0 and 23, got %d", c.Guardrails.PeakHoursStartUTC)
	}
	if !validHour(c.Guardrails.PeakHoursEndUTC) {
		add("guardrails.peak_hours_end_utc", "hour must be between 0 and 23, got %d", c.Guardrails.PeakHoursEndUTC)
	}
	for _, a := range c.Guardrails.PeakBlockedActions {
		if !knownActions[a] {
			add("guardrails.peak_blocked_actions", "unknown action '%s'", a)
		}
	}
	if c.Guardrails.MaxScaleFactor < 1 {
		add("guardrails.max_scale_factor", "must be at least 1, got %v", c.Guardrails.MaxScaleFactor)
	}

	// Risk
	r := c.Risk
	for field, v := range map[string]float64{
		"risk.starting_score":                r.StartingScore,
		"risk.high_blast_radius_penalty":     r.HighBlastRadiusPenalty,
		"risk.moderate_blast_radius_penalty": r.ModerateBlastRadiusPenalty,
		"risk.guardrail_blocked_penalty":     r.GuardrailBlockedPenalty,
		"risk.low_rollback_safety_threshold": r.LowRollbackSafetyThreshold,
		"risk.low_rollback_safety_penalty":   r.LowRollbackSafetyPenalty,
		"risk.recommended_threshold":         r.RecommendedThreshold,
		"risk.caution_threshold":             r.CautionThreshold,
	} {
		if v < 0 || v > 1 {
			add(field, "must be between 0 and 1, got %v", v)
		}
	}
	if r.CautionThreshold > r.RecommendedThreshold {
		add("risk.caution_threshold", "must not exceed recommended_threshold (%v > %v)", r.CautionThreshold, r.RecommendedThreshold)
	}
	if r.HighBlastRadiusThreshold < 1 {
		add("risk.high_blast_radius_threshold", "must be at least 1, got %d", r.HighBlastRadiusThreshold)
	}
	if r.DefaultDowntimeSeconds < 0 {
		add("risk.default_downtime_seconds", "must not be negative, got %d", r.DefaultDowntimeSeconds)
	}

	// Approval
	if c.Approval.TimeoutMinutes < 1 {
		add("approval.timeout_minutes", "must be at least 1, got %d", c.Approval.TimeoutMinutes)
	}
	if c.Approval.ExecutionTimeoutSeconds < 1 {
		add("approval.execution_timeout_seconds", "must be at least 1, got %d", c.Approval.ExecutionTimeoutSeconds)
	}
	if err := validSchedule(c.Approval.SweepSchedule); err != nil {
		add("approval.sweep_schedule", "%v", err)
	}
	if c.Approval.HistoryLimit < 1 {
		add("approval.history_limit", "must be at least 1, got %d", c.Approval.HistoryLimit)
	}

	// Incidents
	if c.Incidents.RetentionDays < 1 {
		add("incidents.retention_days", "must be at least 1, got %d", c.Incidents.RetentionDays)
	}
	if err := validSchedule(c.Incidents.RetentionSchedule); err != nil {
		add("incidents.retention_schedule", "%v", err)
	}

	// Notifications
	if c.Notifications.WebhookURL != "" {
		if u, err := url.Parse(c.Notifications.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("notifications.webhook_url", "must be an absolute http(s) URL")
		}
	}
	for _, e := range c.Notifications.Events {
		if !strings.HasPrefix(e, "action.") {
			add("notifications.events", "unknown event '%s'", e)
		}
	}
	if c.Notifications.MaxRetries < 0 {
		add("notifications.max_retries", "must not be negative, got %d", c.Notifications.MaxRetries)
	}

	// Reasoning
	switch c.Reasoning.Provider {
	case "", "none", "static":
	case "openai":
		// A missing key is not fatal: narration degrades to the
		// "AI reasoning unavailable" text at request time.
		if c.Reasoning.MaxTokens < 1 {
			add("reasoning.max_tokens", "must be at least 1, got %d", c.Reasoning.MaxTokens)
		}
	default:
		add("reasoning.provider", "invalid provider '%s', must be one of: none, static, openai", c.Reasoning.Provider)
	}
	if c.Reasoning.Temperature < 0 || c.Reasoning.Temperature > 2 {
		add("reasoning.temperature", "must be between 0 and 2, got %v", c.Reasoning.Temperature)
	}

	// Logging
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		add("logging.format", "invalid format '%s', must be one of: json, console", c.Logging.Format)
	}

	// Audit
	if c.Audit.Enabled && c.Audit.Path == "" {
		add("audit.path", "path is required when audit is enabled")
	}

	// Tracing
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio", "must be between 0 and 1, got %v", c.Tracing.SampleRatio)
	}

	return errs
}

func validHour(h int) bool { return h >= 0 && h <= 23 }

func validSchedule(spec string) error {
	if spec == "" {
		return fmt.Errorf("schedule is required")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule '%s': %v", spec, err)
	}
	return nil
}
