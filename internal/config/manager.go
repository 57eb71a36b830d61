package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string

	mu     sync.RWMutex
	config *Config

	viper     *viper.Viper
	watchChan chan Config
	watchOnce sync.Once
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	v := viper.New()

	// Set config file path
	v.SetConfigFile(m.configPath)
	v.SetConfigType("yaml")

	// Set environment variable prefix
	v.SetEnvPrefix("KUBILITICS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// Config file is optional; defaults and env vars still apply.
	if err := readConfig(v); err != nil {
		return err
	}
	m.viper = v

	cfg := unmarshalConfig(v)
	applyEnvOverrides(cfg)

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

func readConfig(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	return joinErrors(m.Get(ctx).Validate())
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Watch watches for configuration changes and reloads. Only snapshots that
// validate are delivered; an invalid edit leaves the current one in place.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	if m.viper == nil {
		return m.watchChan
	}
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}
			if err := m.Reload(ctx); err != nil {
				return
			}
			cfg := *m.Get(ctx)
			select {
			case m.watchChan <- cfg:
			default:
				// Receiver is behind; drop the stale pending snapshot for this one.
				select {
				case <-m.watchChan:
				default:
				}
				select {
				case m.watchChan <- cfg:
				default:
				}
			}
		})
		m.viper.WatchConfig()
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if m.viper == nil {
		return m.Load(ctx)
	}
	if err := readConfig(m.viper); err != nil {
		return err
	}

	cfg := unmarshalConfig(m.viper)
	applyEnvOverrides(cfg)
	if err := joinErrors(cfg.Validate()); err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// setDefaults sets default values in viper.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server defaults
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.grpc_port", d.Server.GRPCPort)
	v.SetDefault("server.shutdown_timeout_seconds", d.Server.ShutdownTimeoutSeconds)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.rate_limit_rps", d.Server.RateLimitRPS)
	v.SetDefault("server.rate_limit_burst", d.Server.RateLimitBurst)
	v.SetDefault("server.admin_token", d.Server.AdminToken)

	// Database defaults
	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("database.sqlite_path", d.Database.SQLitePath)
	v.SetDefault("database.postgres_url", d.Database.PostgresURL)

	// Guardrail defaults
	v.SetDefault("guardrails.max_blast_radius", d.Guardrails.MaxBlastRadius)
	v.SetDefault("guardrails.critical_services_require_approval", d.Guardrails.CriticalServicesRequireApproval)
	v.SetDefault("guardrails.rollback_always_allowed", d.Guardrails.RollbackAlwaysAllowed)
	v.SetDefault("guardrails.peak_hours_start_utc", d.Guardrails.PeakHoursStartUTC)
	v.SetDefault("guardrails.peak_hours_end_utc", d.Guardrails.PeakHoursEndUTC)
	v.SetDefault("guardrails.peak_blocked_actions", d.Guardrails.PeakBlockedActions)
	v.SetDefault("guardrails.max_scale_factor", d.Guardrails.MaxScaleFactor)

	// Risk defaults
	v.SetDefault("risk.starting_score", d.Risk.StartingScore)
	v.SetDefault("risk.high_blast_radius_threshold", d.Risk.HighBlastRadiusThreshold)
	v.SetDefault("risk.high_blast_radius_penalty", d.Risk.HighBlastRadiusPenalty)
	v.SetDefault("risk.moderate_blast_radius_penalty", d.Risk.ModerateBlastRadiusPenalty)
	v.SetDefault("risk.guardrail_blocked_penalty", d.Risk.GuardrailBlockedPenalty)
	v.SetDefault("risk.low_rollback_safety_threshold", d.Risk.LowRollbackSafetyThreshold)
	v.SetDefault("risk.low_rollback_safety_penalty", d.Risk.LowRollbackSafetyPenalty)
	v.SetDefault("risk.recommended_threshold", d.Risk.RecommendedThreshold)
	v.SetDefault("risk.caution_threshold", d.Risk.CautionThreshold)
	v.SetDefault("risk.default_downtime_seconds", d.Risk.DefaultDowntimeSeconds)

	// Approval defaults
	v.SetDefault("approval.timeout_minutes", d.Approval.TimeoutMinutes)
	v.SetDefault("approval.execution_timeout_seconds", d.Approval.ExecutionTimeoutSeconds)
	v.SetDefault("approval.sweep_schedule", d.Approval.SweepSchedule)
	v.SetDefault("approval.history_limit", d.Approval.HistoryLimit)

	// Incident defaults
	v.SetDefault("incidents.default_region", d.Incidents.DefaultRegion)
	v.SetDefault("incidents.default_environment", d.Incidents.DefaultEnvironment)
	v.SetDefault("incidents.retention_days", d.Incidents.RetentionDays)
	v.SetDefault("incidents.retention_schedule", d.Incidents.RetentionSchedule)
	v.SetDefault("incidents.seed_file", d.Incidents.SeedFile)

	// Notification defaults
	v.SetDefault("notifications.webhook_url", d.Notifications.WebhookURL)
	v.SetDefault("notifications.token", d.Notifications.Token)
	v.SetDefault("notifications.channel", d.Notifications.Channel)
	v.SetDefault("notifications.events", d.Notifications.Events)
	v.SetDefault("notifications.max_retries", d.Notifications.MaxRetries)

	// Reasoning defaults
	v.SetDefault("reasoning.provider", d.Reasoning.Provider)
	v.SetDefault("reasoning.api_key", d.Reasoning.APIKey)
	v.SetDefault("reasoning.base_url", d.Reasoning.BaseURL)
	v.SetDefault("reasoning.model", d.Reasoning.Model)
	v.SetDefault("reasoning.max_tokens", d.Reasoning.MaxTokens)
	v.SetDefault("reasoning.temperature", d.Reasoning.Temperature)
	v.SetDefault("reasoning.timeout_seconds", d.Reasoning.TimeoutSeconds)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)

	// Audit defaults
	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.path", d.Audit.Path)
	v.SetDefault("audit.max_size_mb", d.Audit.MaxSizeMB)
	v.SetDefault("audit.max_backups", d.Audit.MaxBackups)
	v.SetDefault("audit.max_age_days", d.Audit.MaxAgeDays)
	v.SetDefault("audit.compress", d.Audit.Compress)

	// Tracing defaults
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
}

// unmarshalConfig reads every key explicitly so env overrides of nested keys
// (which viper.Unmarshal misses without a bound key) always apply.
func unmarshalConfig(v *viper.Viper) *Config {
	cfg := &Config{}

	// Server
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.GRPCPort = v.GetInt("server.grpc_port")
	cfg.Server.ShutdownTimeoutSeconds = v.GetInt("server.shutdown_timeout_seconds")
	cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	cfg.Server.RateLimitRPS = v.GetFloat64("server.rate_limit_rps")
	cfg.Server.RateLimitBurst = v.GetInt("server.rate_limit_burst")
	cfg.Server.AdminToken = v.GetString("server.admin_token")

	// Database
	cfg.Database.Type = v.GetString("database.type")
	cfg.Database.SQLitePath = v.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = v.GetString("database.postgres_url")

	// Guardrails
	cfg.Guardrails.MaxBlastRadius = v.GetInt("guardrails.max_blast_radius")
	cfg.Guardrails.CriticalServicesRequireApproval = v.GetBool("guardrails.critical_services_require_approval")
	cfg.Guardrails.RollbackAlwaysAllowed = v.GetBool("guardrails.rollback_always_allowed")
	cfg.Guardrails.PeakHoursStartUTC = v.GetInt("guardrails.peak_hours_start_utc")
	cfg.Guardrails.PeakHoursEndUTC = v.GetInt("guardrails.peak_hours_end_utc")
	cfg.Guardrails.PeakBlockedActions = v.GetStringSlice("guardrails.peak_blocked_actions")
	cfg.Guardrails.MaxScaleFactor = v.GetFloat64("guardrails.max_scale_factor")

	// Risk
	cfg.Risk.StartingScore = v.GetFloat64("risk.starting_score")
	cfg.Risk.HighBlastRadiusThreshold = v.GetInt("risk.high_blast_radius_threshold")
	cfg.Risk.HighBlastRadiusPenalty = v.GetFloat64("risk.high_blast_radius_penalty")
	cfg.Risk.ModerateBlastRadiusPenalty = v.GetFloat64("risk.moderate_blast_radius_penalty")
	cfg.Risk.GuardrailBlockedPenalty = v.GetFloat64("risk.guardrail_blocked_penalty")
	cfg.Risk.LowRollbackSafetyThreshold = v.GetFloat64("risk.low_rollback_safety_threshold")
	cfg.Risk.LowRollbackSafetyPenalty = v.GetFloat64("risk.low_rollback_safety_penalty")
	cfg.Risk.RecommendedThreshold = v.GetFloat64("risk.recommended_threshold")
	cfg.Risk.CautionThreshold = v.GetFloat64("risk.caution_threshold")
	cfg.Risk.DefaultDowntimeSeconds = v.GetInt("risk.default_downtime_seconds")

	// Approval
	cfg.Approval.TimeoutMinutes = v.GetInt("approval.timeout_minutes")
	cfg.Approval.ExecutionTimeoutSeconds = v.GetInt("approval.execution_timeout_seconds")
	cfg.Approval.SweepSchedule = v.GetString("approval.sweep_schedule")
	cfg.Approval.HistoryLimit = v.GetInt("approval.history_limit")

	// Incidents
	cfg.Incidents.DefaultRegion = v.GetString("incidents.default_region")
	cfg.Incidents.DefaultEnvironment = v.GetString("incidents.default_environment")
	cfg.Incidents.RetentionDays = v.GetInt("incidents.retention_days")
	cfg.Incidents.RetentionSchedule = v.GetString("incidents.retention_schedule")
	cfg.Incidents.SeedFile = v.GetString("incidents.seed_file")

	// Notifications
	cfg.Notifications.WebhookURL = v.GetString("notifications.webhook_url")
	cfg.Notifications.Token = v.GetString("notifications.token")
	cfg.Notifications.Channel = v.GetString("notifications.channel")
	cfg.Notifications.Events = v.GetStringSlice("notifications.events")
	cfg.Notifications.MaxRetries = v.GetInt("notifications.max_retries")

	// Reasoning
	cfg.Reasoning.Provider = v.GetString("reasoning.provider")
	cfg.Reasoning.APIKey = v.GetString("reasoning.api_key")
	cfg.Reasoning.BaseURL = v.GetString("reasoning.base_url")
	cfg.Reasoning.Model = v.GetString("reasoning.model")
	cfg.Reasoning.MaxTokens = v.GetInt("reasoning.max_tokens")
	cfg.Reasoning.Temperature = v.GetFloat64("reasoning.temperature")
	cfg.Reasoning.TimeoutSeconds = v.GetInt("reasoning.timeout_seconds")

	// Logging
	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.FilePath = v.GetString("logging.file_path")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = v.GetInt("logging.max_age_days")
	cfg.Logging.Compress = v.GetBool("logging.compress")

	// Audit
	cfg.Audit.Enabled = v.GetBool("audit.enabled")
	cfg.Audit.Path = v.GetString("audit.path")
	cfg.Audit.MaxSizeMB = v.GetInt("audit.max_size_mb")
	cfg.Audit.MaxBackups = v.GetInt("audit.max_backups")
	cfg.Audit.MaxAgeDays = v.GetInt("audit.max_age_days")
	cfg.Audit.Compress = v.GetBool("audit.compress")

	// Tracing
	cfg.Tracing.Endpoint = v.GetString("tracing.endpoint")
	cfg.Tracing.Insecure = v.GetBool("tracing.insecure")
	cfg.Tracing.ServiceName = v.GetString("tracing.service_name")
	cfg.Tracing.SampleRatio = v.GetFloat64("tracing.sample_ratio")

	return cfg
}

// applyEnvOverrides applies the conventional, unprefixed environment
// variables for secrets. They win over the file and KUBILITICS_* values.
func applyEnvOverrides(cfg *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.Reasoning.APIKey = apiKey
	}
	if url := os.Getenv("SLACK_WEBHOOK_URL"); url != "" {
		cfg.Notifications.WebhookURL = url
	}
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		cfg.Notifications.Token = token
	}
	if channel := os.Getenv("SLACK_CHANNEL"); channel != "" {
		cfg.Notifications.Channel = channel
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.Type = "postgres"
		cfg.Database.PostgresURL = dsn
	}
}
