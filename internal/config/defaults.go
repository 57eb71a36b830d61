package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8081
	cfg.Server.GRPCPort = 9091
	cfg.Server.ShutdownTimeoutSeconds = 15
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RateLimitRPS = 20
	cfg.Server.RateLimitBurst = 40
	cfg.Server.AdminToken = ""

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/kubilitics/remediation.db"
	cfg.Database.PostgresURL = ""

	// Guardrail defaults
	cfg.Guardrails.MaxBlastRadius = 5
	cfg.Guardrails.CriticalServicesRequireApproval = true
	cfg.Guardrails.RollbackAlwaysAllowed = true
	cfg.Guardrails.PeakHoursStartUTC = 14
	cfg.Guardrails.PeakHoursEndUTC = 22
	cfg.Guardrails.PeakBlockedActions = []string{"restart", "scale_down"}
	cfg.Guardrails.MaxScaleFactor = 3.0

	// Risk defaults
	cfg.Risk.StartingScore = 1.0
	cfg.Risk.HighBlastRadiusThreshold = 3
	cfg.Risk.HighBlastRadiusPenalty = 0.3
	cfg.Risk.ModerateBlastRadiusPenalty = 0.1
	cfg.Risk.GuardrailBlockedPenalty = 0.4
	cfg.Risk.LowRollbackSafetyThreshold = 0.5
	cfg.Risk.LowRollbackSafetyPenalty = 0.2
	cfg.Risk.RecommendedThreshold = 0.7
	cfg.Risk.CautionThreshold = 0.4
	cfg.Risk.DefaultDowntimeSeconds = 300

	// Approval defaults
	cfg.Approval.TimeoutMinutes = 30
	cfg.Approval.ExecutionTimeoutSeconds = 60
	cfg.Approval.SweepSchedule = "@every 1m"
	cfg.Approval.HistoryLimit = 20

	// Incident defaults
	cfg.Incidents.DefaultRegion = "us-central1"
	cfg.Incidents.DefaultEnvironment = "production"
	cfg.Incidents.RetentionDays = 7
	cfg.Incidents.RetentionSchedule = "@hourly"
	cfg.Incidents.SeedFile = ""

	// Notification defaults (disabled until a webhook URL is set)
	cfg.Notifications.Channel = "#incidents"
	cfg.Notifications.Events = []string{
		"action.proposed",
		"action.rejected",
		"action.expired",
		"action.executed",
		"action.failed",
		"action.emergency",
	}
	cfg.Notifications.MaxRetries = 3

	// Reasoning defaults
	cfg.Reasoning.Provider = "static"
	cfg.Reasoning.Model = "gpt-4o-mini"
	cfg.Reasoning.MaxTokens = 512
	cfg.Reasoning.Temperature = 0.2
	cfg.Reasoning.TimeoutSeconds = 20

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.FilePath = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Audit defaults
	cfg.Audit.Enabled = true
	cfg.Audit.Path = "logs/audit.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 90
	cfg.Audit.Compress = true

	// Tracing defaults (disabled until an endpoint is set)
	cfg.Tracing.Endpoint = ""
	cfg.Tracing.Insecure = true
	cfg.Tracing.ServiceName = "kubilitics-remediation"
	cfg.Tracing.SampleRatio = 1.0

	return cfg
}
