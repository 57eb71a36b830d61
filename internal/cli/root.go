package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/app"
	"github.com/kubilitics/kubilitics-remediation/internal/config"
	"github.com/kubilitics/kubilitics-remediation/internal/logging"
)

// Package cli implements remediationctl, the operator and agent command line.
//
// Every command opens the shared store directly and goes through the same
// orchestrator as the HTTP server, so guardrails, approvals and the audit
// trail behave identically whichever surface an agent uses.

// DefaultConfigPath is used when neither --config nor KUBILITICS_CONFIG is set.
const DefaultConfigPath = "/etc/kubilitics/remediation.yaml"

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath string
	DBPath     string
	Format     string
	Actor      string
	Verbose    bool
}

// NewRootCommand creates the remediationctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "remediationctl",
		Short: "Incident and remediation control for kubilitics agents and operators",
		Long: `remediationctl drives the remediation engine against its shared store.

Incidents are opened and tracked, proposed actions are checked against the
guardrails and the service topology, and nothing runs until a human approves
it (or an operator invokes the emergency path on a critical incident).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != FormatText && opts.Format != FormatJSON {
				return WrapExitError(ExitCommandError, "invalid flag",
					fmt.Errorf("--format must be %q or %q, got %q", FormatText, FormatJSON, opts.Format))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath(), "configuration file")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "sqlite database path (overrides the configured database)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.Actor, "actor", defaultActor(), "name recorded as approver, rejecter or operator")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(
		NewIncidentCommand(opts),
		NewActionCommand(opts),
		NewGuardrailsCommand(opts),
		NewRecommendCommand(opts),
		NewTopologyCommand(opts),
		NewPlaybooksCommand(opts),
		NewSweepCommand(opts),
		NewRetentionCommand(opts),
		NewConfigCommand(opts),
	)
	return cmd
}

func defaultConfigPath() string {
	if p := os.Getenv("KUBILITICS_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}

// loadConfig reads and validates configuration, then applies the --db override.
func (o *RootOptions) loadConfig(ctx context.Context) (*config.Config, error) {
	mgr, err := config.NewConfigManager(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "configuration", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, WrapExitError(ExitCommandError, "configuration", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, WrapExitError(ExitCommandError, "configuration", err)
	}
	cfg := *mgr.Get(ctx)
	if o.DBPath != "" {
		cfg.Database.Type = "sqlite"
		cfg.Database.SQLitePath = o.DBPath
	}
	return &cfg, nil
}

func (o *RootOptions) logger() (*zap.Logger, error) {
	if !o.Verbose {
		return zap.NewNop(), nil
	}
	l, _, err := logging.New(logging.Config{Level: "debug", Format: "console"})
	return l, err
}

// session is one command's view of the engine.
type session struct {
	*app.App
	out *printer
}

// open assembles the engine for a command. The caller must Close it.
func (o *RootOptions) open(cmd *cobra.Command) (*session, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := o.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	logger, err := o.logger()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "logger", err)
	}
	a, err := app.New(ctx, app.Options{Config: cfg, Logger: logger})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "startup", err)
	}
	return &session{App: a, out: &printer{format: o.Format, w: cmd.OutOrStdout()}}, nil
}

func (s *session) close() {
	_ = s.App.Close(context.Background())
	_ = s.Logger.Sync()
}

// parseDetails decodes a JSON object flag value.
func parseDetails(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var details map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &details); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --details", err)
	}
	return details, nil
}
