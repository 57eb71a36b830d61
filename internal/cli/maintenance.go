package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-remediation/internal/app"
)

type jobResult struct {
	Job      string `json:"job"`
	Affected int64  `json:"affected"`
}

// NewSweepCommand creates the sweep command, a one-shot run of the approval
// expiry sweep.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reject pending actions older than the approval timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			n, err := s.Orchestrator.SweepApprovals(cmd.Context())
			if err != nil {
				return err
			}
			res := jobResult{Job: "approval-sweep", Affected: int64(n)}
			return s.out.emit(res, func(w io.Writer) { fmt.Fprintf(w, "Expired %d pending action(s)\n", n) })
		},
	}
}

// NewRetentionCommand creates the retention command.
func NewRetentionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retention",
		Short: "Close mitigated and resolved incidents older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			n, err := s.Orchestrator.CloseStaleIncidents(cmd.Context())
			if err != nil {
				return err
			}
			res := jobResult{Job: app.RetentionJob, Affected: n}
			return s.out.emit(res, func(w io.Writer) { fmt.Fprintf(w, "Closed %d stale incident(s)\n", n) })
		},
	}
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets masked",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := rootOpts.loadConfig(cmd.Context())
				if err != nil {
					return err
				}
				p := &printer{format: FormatJSON, w: cmd.OutOrStdout()}
				return p.emit(cfg.Redacted(), nil)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration file without starting anything",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := rootOpts.loadConfig(cmd.Context()); err != nil {
					return err
				}
				p := &printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
				return p.emit(map[string]string{"status": "valid", "path": rootOpts.ConfigPath}, func(w io.Writer) {
					fmt.Fprintf(w, "%s is valid\n", rootOpts.ConfigPath)
				})
			},
		},
	)
	return cmd
}
