package app

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/approval"
	"github.com/kubilitics/kubilitics-remediation/internal/audit"
	"github.com/kubilitics/kubilitics-remediation/internal/config"
	"github.com/kubilitics/kubilitics-remediation/internal/db"
	"github.com/kubilitics/kubilitics-remediation/internal/executor"
	"github.com/kubilitics/kubilitics-remediation/internal/metrics"
	"github.com/kubilitics/kubilitics-remediation/internal/notify"
	"github.com/kubilitics/kubilitics-remediation/internal/orchestrator"
	"github.com/kubilitics/kubilitics-remediation/internal/reasoning"
	"github.com/kubilitics/kubilitics-remediation/internal/safety"
	"github.com/kubilitics/kubilitics-remediation/internal/topology"
)

// Package app assembles the remediation components from a configuration
// snapshot. Both the server and remediationctl start here, so every agent
// process enforces the same guardrails against the same store.
//
// Assembly order:
//  1. Store (sqlite or postgres) with migrations
//  2. Audit trail
//  3. AI narrator, instrumented
//  4. Executor, approval gate and its listeners (audit, metrics, notifications)
//  5. Safety engine
//  6. Orchestrator, with the runtime-tunable settings applied

// RetentionJob is the scheduled job that closes stale incidents.
const RetentionJob = "incident-retention"

// Options configures New. Config is required.
type Options struct {
	Config *config.Config
	Logger *zap.Logger
	Clock  clock.Clock

	// Store replaces the store opened from Config.Database.
	Store db.Store
	// Audit replaces the audit trail built from Config.Audit.
	Audit audit.Logger
	// Notify enables the webhook dispatcher. remediationctl leaves it off.
	Notify bool
	// Listeners are subscribed to the approval gate in addition to the
	// built-in ones.
	Listeners []approval.Listener
}

// App holds the assembled components.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Store        db.Store
	Audit        audit.Logger
	Orchestrator *orchestrator.Service

	dispatcher *notify.Dispatcher
	ownsStore  bool
	ownsAudit  bool
}

// New builds an App. On error everything opened so far is released.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	cfg := opts.Config
	a := &App{Config: cfg, Logger: opts.Logger}

	// 1. Store
	a.Store = opts.Store
	if a.Store == nil {
		store, err := OpenStore(cfg)
		if err != nil {
			return nil, err
		}
		a.Store = store
		a.ownsStore = true
	}

	// 2. Audit trail
	a.Audit = opts.Audit
	if a.Audit == nil {
		if cfg.Audit.Enabled {
			l, err := audit.NewLogger(cfg.AuditConfig(), opts.Logger)
			if err != nil {
				a.release()
				return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
			}
			a.Audit = l
			a.ownsAudit = true
		} else {
			a.Audit = audit.NewNop()
		}
	}

	// 3. Narrator
	narrator, err := reasoning.New(cfg.NarratorConfig(), opts.Logger)
	if err != nil {
		a.release()
		return nil, fmt.Errorf("failed to initialize reasoning provider: %w", err)
	}
	narrator = metrics.InstrumentNarrator(narrator)

	// 4. Executor and approval gate
	ex := executor.New(
		executor.WithClock(opts.Clock),
		executor.WithLogger(opts.Logger),
		executor.WithTimeout(cfg.ExecutionTimeout()),
	)
	gateOpts := []approval.Option{
		approval.WithClock(opts.Clock),
		approval.WithLogger(opts.Logger),
		approval.WithListener(audit.TransitionListener(a.Audit, opts.Logger)),
		approval.WithListener(metrics.TransitionListener()),
	}
	if d := cfg.ApprovalTimeout(); d > 0 {
		gateOpts = append(gateOpts, approval.WithTimeout(d))
	}
	if opts.Notify {
		if wh := notify.NewWebhook(cfg.NotifyConfig(), opts.Logger); wh != nil {
			a.dispatcher = notify.NewDispatcher(metrics.InstrumentNotifier(wh), cfg.NotifyEvents(), opts.Logger)
			gateOpts = append(gateOpts, approval.WithListener(a.dispatcher))
		}
	}
	for _, l := range opts.Listeners {
		gateOpts = append(gateOpts, approval.WithListener(l))
	}
	gate := approval.NewGate(a.Store, ex, gateOpts...)

	// 5. Safety engine
	eng := safety.NewEngine(a.Store, safety.Options{
		Policy:   cfg.Policy(),
		Weights:  cfg.Weights(),
		Narrator: narrator,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
	})

	// 6. Orchestrator
	orch, err := orchestrator.New(orchestrator.Options{
		Store:              a.Store,
		Gate:               gate,
		Safety:             eng,
		Executor:           ex,
		Audit:              a.Audit,
		Clock:              opts.Clock,
		Logger:             opts.Logger,
		DefaultRegion:      cfg.Incidents.DefaultRegion,
		DefaultEnvironment: cfg.Incidents.DefaultEnvironment,
		Retention:          cfg.Retention(),
		HistoryLimit:       cfg.Approval.HistoryLimit,
	})
	if err != nil {
		a.release()
		return nil, err
	}
	a.Orchestrator = orch
	return a, nil
}

// OpenStore opens the store selected by cfg.Database.
func OpenStore(cfg *config.Config) (db.Store, error) {
	dsn := cfg.Database.SQLitePath
	if cfg.Database.Type == db.DialectPostgres {
		dsn = cfg.Database.PostgresURL
	}
	store, err := db.Open(cfg.Database.Type, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Database.Type, err)
	}
	return store, nil
}

// Seed applies the configured seed file, if any.
func (a *App) Seed(ctx context.Context) (topology.Summary, error) {
	path := a.Config.Incidents.SeedFile
	if path == "" {
		return topology.Summary{}, nil
	}
	seed, err := topology.LoadFile(path)
	if err != nil {
		return topology.Summary{}, err
	}
	return a.Orchestrator.ApplySeed(ctx, seed)
}

// Sweeper returns a sweeper with the approval expiry sweep and the incident
// retention job scheduled. The caller starts and stops it.
func (a *App) Sweeper() (*approval.Sweeper, error) {
	s := approval.NewSweeper(a.Logger)
	s.OnResult = metrics.ObserveJob
	if err := s.AddGate(a.Orchestrator.Gate(), a.Config.Approval.SweepSchedule); err != nil {
		return nil, err
	}
	orch := a.Orchestrator
	err := s.AddJob(RetentionJob, a.Config.Incidents.RetentionSchedule, func(ctx context.Context) error {
		_, err := orch.CloseStaleIncidents(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close drains pending notifications and releases what New opened.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("drain notifications: %w", err))
		}
	}
	if err := a.release(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (a *App) release() error {
	var result *multierror.Error
	if a.ownsAudit && a.Audit != nil {
		if err := a.Audit.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close audit log: %w", err))
		}
	}
	if a.ownsStore && a.Store != nil {
		if err := a.Store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
	}
	return result.ErrorOrNil()
}
