package main

// Package main is the entry point for the kubilitics-remediation server.
//
// Responsibilities:
//   - Load and validate configuration from YAML, environment variables, and CLI flags
//   - Build the logger, tracer, store, audit trail and remediation engine
//   - Apply the optional topology seed file
//   - Schedule the approval expiry sweep and incident retention jobs
//   - Apply configuration file edits without a restart
//   - Serve REST, WebSocket and gRPC health until SIGINT/SIGTERM
//
// Port Configuration:
//   - REST API, WebSocket, metrics: 8081
//   - gRPC health: 9091
//
// Graceful Shutdown:
//   - Stops accepting connections and drains in-flight requests
//   - Stops the scheduler and waits for running jobs
//   - Drains pending notifications
//   - Flushes the audit trail and exported spans

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kubilitics/kubilitics-remediation/internal/app"
	"github.com/kubilitics/kubilitics-remediation/internal/cli"
	"github.com/kubilitics/kubilitics-remediation/internal/config"
	"github.com/kubilitics/kubilitics-remediation/internal/logging"
	"github.com/kubilitics/kubilitics-remediation/internal/orchestrator"
	"github.com/kubilitics/kubilitics-remediation/internal/server"
	"github.com/kubilitics/kubilitics-remediation/internal/tracing"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "kubilitics-remediation",
		Short:         "Incident and remediation orchestration server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", envOr("KUBILITICS_CONFIG", cli.DefaultConfigPath), "configuration file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kubilitics-remediation: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, configPath string) error {
	// 1. Configuration
	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	// 2. Logging and tracing
	logger, level, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.Init(ctx, cfg.TracingConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// 3. Engine
	a, err := app.New(ctx, app.Options{Config: cfg, Logger: logger, Notify: true})
	if err != nil {
		return err
	}
	logger.Info("remediation engine ready",
		zap.String("config", configPath),
		zap.String("database", a.Store.Dialect()),
		zap.Int("max_blast_radius", cfg.Guardrails.MaxBlastRadius),
	)

	if sum, err := a.Seed(ctx); err != nil {
		logger.Error("failed to apply seed file", zap.String("path", cfg.Incidents.SeedFile), zap.Error(err))
	} else if cfg.Incidents.SeedFile != "" {
		logger.Info("seed file applied", zap.String("path", cfg.Incidents.SeedFile),
			zap.Int("services", sum.Services), zap.Int("playbooks", sum.Playbooks))
	}

	// 4. Scheduled jobs
	sweeper, err := a.Sweeper()
	if err != nil {
		_ = a.Close(context.Background())
		return err
	}
	sweeper.Start()

	// 5. Hot reload
	go watchConfig(ctx, mgr, a.Orchestrator, level, logger)

	// 6. Serve
	srv, err := server.New(server.Options{
		Orchestrator:  a.Orchestrator,
		Config:        cfg,
		ConfigManager: mgr,
		Audit:         a.Audit,
		Logger:        logger,
	})
	if err != nil {
		_ = a.Close(context.Background())
		return err
	}
	runErr := srv.Run(ctx)

	// Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduled jobs did not stop in time", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("failed to flush spans", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return runErr
}

// watchConfig applies every valid edit of the configuration file until ctx
// is done.
func watchConfig(ctx context.Context, mgr config.ConfigManager, orch *orchestrator.Service, level zap.AtomicLevel, logger *zap.Logger) {
	updates := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-updates:
			orch.ApplyConfig(ctx, &c, "file")
			if lvl, err := zapcore.ParseLevel(c.Logging.Level); err == nil && lvl != level.Level() {
				level.SetLevel(lvl)
				logger.Info("log level changed", zap.Stringer("level", lvl))
			}
		}
	}
}
