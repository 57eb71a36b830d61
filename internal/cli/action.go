package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

// NewActionCommand creates the action command group: proposals, approval
// decisions and the emergency path.
func NewActionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "action",
		Aliases: []string{"actions"},
		Short:   "Propose, approve and reject remediation actions",
	}
	cmd.AddCommand(
		newActionProposeCommand(rootOpts),
		newActionGetCommand(rootOpts),
		newActionApproveCommand(rootOpts),
		newActionRejectCommand(rootOpts),
		newActionPendingCommand(rootOpts),
		newActionHistoryCommand(rootOpts),
		newActionEmergencyCommand(rootOpts),
	)
	return cmd
}

func newActionProposeCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		req     types.CreateAuditEntryRequest
		details string
	)
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose an action; it waits for human approval",
		Example: `  remediationctl action propose --incident 3f2a... --type scale \
    --details '{"direction":"up","factor":2}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDetails(details)
			if err != nil {
				return err
			}
			req.ActionDetails = d

			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			entry, err := s.Orchestrator.CreateAuditEntry(cmd.Context(), req)
			if err != nil {
				return err
			}
			return s.out.emit(entry, func(w io.Writer) { printEntry(w, entry) })
		},
	}
	cmd.Flags().StringVar(&req.IncidentID, "incident", "", "incident the action remediates")
	cmd.Flags().StringVar(&req.ServiceName, "service", "", "target service (defaults to the incident's service)")
	cmd.Flags().StringVar(&req.ActionType, "type", "", "restart, scale, rollback, config_change or scale_down (required)")
	cmd.Flags().StringVar(&details, "details", "", "action details as a JSON object")
	cmd.Flags().StringVar(&req.AgentName, "agent", "remediationctl", "proposing agent")
	return cmd
}

func newActionGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <action-id>",
		Short: "Show one action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			entry, err := s.Orchestrator.GetAuditEntry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return s.out.emit(entry, func(w io.Writer) { printEntry(w, entry) })
		},
	}
}

func newActionApproveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <action-id>",
		Short: "Approve a pending action and execute it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			entry, err := s.Orchestrator.Approve(cmd.Context(), args[0], rootOpts.Actor)
			if err != nil {
				return err
			}
			return s.out.emit(entry, func(w io.Writer) { printEntry(w, entry) })
		},
	}
}

func newActionRejectCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <action-id>",
		Short: "Reject a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			entry, err := s.Orchestrator.Reject(cmd.Context(), args[0], rootOpts.Actor, reason)
			if err != nil {
				return err
			}
			return s.out.emit(entry, func(w io.Writer) { printEntry(w, entry) })
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the action was rejected")
	return cmd
}

func newActionPendingCommand(rootOpts *RootOptions) *cobra.Command {
	var incidentID string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List actions waiting for approval, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			pending, err := s.Orchestrator.ListPendingApprovals(cmd.Context(), incidentID)
			if err != nil {
				return err
			}
			if pending == nil {
				pending = []*models.PendingApproval{}
			}
			return s.out.emit(pending, func(w io.Writer) {
				if len(pending) == 0 {
					fmt.Fprintln(w, "No pending actions.")
					return
				}
				table(w, "ID\tTYPE\tINCIDENT\tSERVICE\tAGE (MIN)\tEXPIRES IN (MIN)", func(tw *tabwriter.Writer) {
					for _, p := range pending {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f\t%.1f\n",
							p.ID, p.ActionType, p.IncidentID, p.ServiceName, p.AgeMinutes, p.TimeoutRemainingMinutes)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&incidentID, "incident", "", "only actions for this incident")
	return cmd
}

func newActionHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		incidentID string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past actions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			entries, err := s.Orchestrator.ExecutionHistory(cmd.Context(), incidentID, limit)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []*models.AuditLogEntry{}
			}
			return s.out.emit(entries, func(w io.Writer) { printEntries(w, entries) })
		},
	}
	cmd.Flags().StringVar(&incidentID, "incident", "", "only actions for this incident")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum actions (defaults to the configured history limit)")
	return cmd
}

func newActionEmergencyCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		req     types.EmergencyRequest
		details string
	)
	cmd := &cobra.Command{
		Use:   "emergency",
		Short: "Execute an action on a critical incident without waiting for approval",
		Long: `Execute an action immediately. Only incidents with severity critical qualify.
The action is recorded against the operator given by --actor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDetails(details)
			if err != nil {
				return err
			}
			req.ActionDetails = d
			req.Operator = rootOpts.Actor

			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			entry, err := s.Orchestrator.ExecuteEmergency(cmd.Context(), req)
			if err != nil {
				return err
			}
			return s.out.emit(entry, func(w io.Writer) { printEntry(w, entry) })
		},
	}
	cmd.Flags().StringVar(&req.IncidentID, "incident", "", "critical incident (required)")
	cmd.Flags().StringVar(&req.ServiceName, "service", "", "target service (defaults to the incident's service)")
	cmd.Flags().StringVar(&req.ActionType, "type", "", "action type (required)")
	cmd.Flags().StringVar(&details, "details", "", "action details as a JSON object")
	return cmd
}
