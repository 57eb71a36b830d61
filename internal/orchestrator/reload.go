package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/audit"
	"github.com/kubilitics/kubilitics-remediation/internal/config"
	"github.com/kubilitics/kubilitics-remediation/internal/metrics"
)

// ApplyConfig swaps in the runtime-tunable settings of cfg: guardrail policy,
// risk weights, approval and execution timeouts, incident defaults and
// retention. In-flight evaluations finish against the snapshot they started
// with. source names where cfg came from for the audit trail.
func (s *Service) ApplyConfig(ctx context.Context, cfg *config.Config, source string) {
	s.safety.SetPolicy(cfg.Policy())
	s.safety.SetWeights(cfg.Weights())
	if d := cfg.ApprovalTimeout(); d > 0 {
		s.gate.SetTimeout(d)
	}
	s.executor.SetTimeout(cfg.ExecutionTimeout())

	s.mu.Lock()
	if cfg.Incidents.DefaultRegion != "" {
		s.region = cfg.Incidents.DefaultRegion
	}
	if cfg.Incidents.DefaultEnvironment != "" {
		s.environment = cfg.Incidents.DefaultEnvironment
	}
	if d := cfg.Retention(); d > 0 {
		s.retention = d
	}
	if cfg.Approval.HistoryLimit > 0 {
		s.historyLimit = cfg.Approval.HistoryLimit
	}
	s.mu.Unlock()

	metrics.ConfigReloads.WithLabelValues("success").Inc()
	s.record(string(audit.EventConfigReloaded), s.audit.LogConfigReloaded(ctx, source, nil))
	s.logger.Info("configuration applied",
		zap.String("source", source),
		zap.Int("max_blast_radius", cfg.Guardrails.MaxBlastRadius),
		zap.Duration("approval_timeout", cfg.ApprovalTimeout()),
	)
}

// Reload re-reads configuration through mgr and applies it. An invalid
// configuration leaves every setting as it was.
func (s *Service) Reload(ctx context.Context, mgr config.ConfigManager, source string) (*config.Config, error) {
	if err := mgr.Reload(ctx); err != nil {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		s.record(string(audit.EventConfigReloaded), s.audit.LogConfigReloaded(ctx, source, err))
		s.logger.Warn("configuration reload rejected", zap.String("source", source), zap.Error(err))
		return nil, err
	}
	cfg := mgr.Get(ctx)
	s.ApplyConfig(ctx, cfg, source)
	return cfg, nil
}
