package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-remediation/internal/db"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

// NewIncidentCommand creates the incident command group.
func NewIncidentCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "incident",
		Aliases: []string{"incidents"},
		Short:   "Open, inspect and close incidents",
	}
	cmd.AddCommand(
		newIncidentCreateCommand(rootOpts),
		newIncidentListCommand(rootOpts),
		newIncidentGetCommand(rootOpts),
		newIncidentUpdateCommand(rootOpts),
		newIncidentAckCommand(rootOpts),
		newIncidentCloseCommand(rootOpts),
		newIncidentSimilarCommand(rootOpts),
		newIncidentSolutionsCommand(rootOpts),
	)
	return cmd
}

func newIncidentCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var req types.CreateIncidentRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a new incident",
		Example: `  remediationctl incident create --service payment-api --severity high \
    --signature DB_POOL_EXHAUSTED --message "connection pool exhausted after 30s"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			inc, err := s.Orchestrator.CreateIncident(cmd.Context(), req)
			if err != nil {
				return err
			}
			return s.out.emit(inc, func(w io.Writer) { printIncident(w, inc) })
		},
	}
	cmd.Flags().StringVar(&req.ServiceName, "service", "", "affected service (required)")
	cmd.Flags().StringVar(&req.Severity, "severity", "", "critical, high, medium or low (required)")
	cmd.Flags().StringVar(&req.ErrorSignature, "signature", "", "error signature (required)")
	cmd.Flags().StringVar(&req.ErrorMessage, "message", "", "error message (required)")
	cmd.Flags().StringVar(&req.StackTrace, "stack-trace", "", "stack trace")
	cmd.Flags().StringVar(&req.Region, "region", "", "region (defaults to the configured region)")
	cmd.Flags().StringVar(&req.Environment, "environment", "", "environment (defaults to the configured environment)")
	cmd.Flags().IntVar(&req.ErrorCount, "error-count", 0, "errors observed so far")
	return cmd
}

func newIncidentListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		open     bool
		service  string
		statuses []string
		severity string
		limit    int
		offset   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			var incs []*models.Incident
			if open {
				incs, err = s.Orchestrator.ListOpenIncidents(cmd.Context())
			} else {
				q := db.IncidentQuery{
					ServiceName: service,
					Severity:    models.Severity(severity),
					Limit:       limit,
					Offset:      offset,
				}
				for _, st := range statuses {
					q.Statuses = append(q.Statuses, models.IncidentStatus(strings.TrimSpace(st)))
				}
				incs, err = s.Orchestrator.ListIncidents(cmd.Context(), q)
			}
			if err != nil {
				return err
			}
			if incs == nil {
				incs = []*models.Incident{}
			}
			return s.out.emit(incs, func(w io.Writer) { printIncidents(w, incs) })
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "only incidents that are not resolved or closed")
	cmd.Flags().StringVar(&service, "service", "", "filter by service")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().StringVar(&severity, "severity", "", "filter by severity")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum incidents to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "incidents to skip")
	return cmd
}

func newIncidentGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <incident-id>",
		Short: "Show one incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			inc, err := s.Orchestrator.GetIncident(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return s.out.emit(inc, func(w io.Writer) { printIncident(w, inc) })
		},
	}
}

func newIncidentUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		status, rootCause, commit, file, resolution, notes string
		confidence                                         float64
	)
	cmd := &cobra.Command{
		Use:   "update <incident-id>",
		Short: "Record investigation findings or move an incident along its lifecycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req types.UpdateIncidentRequest
			set := func(name string, dst **string, v string) {
				if cmd.Flags().Changed(name) {
					*dst = &v
				}
			}
			set("status", &req.Status, status)
			set("root-cause", &req.RootCause, rootCause)
			set("suspect-commit", &req.SuspectCommitID, commit)
			set("suspect-file", &req.SuspectFilePath, file)
			set("resolution-action", &req.ResolutionAction, resolution)
			set("notes", &req.ResolutionNotes, notes)
			if cmd.Flags().Changed("confidence") {
				req.ConfidenceScore = &confidence
			}

			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			inc, err := s.Orchestrator.UpdateIncident(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return s.out.emit(inc, func(w io.Writer) { printIncident(w, inc) })
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "open, investigating, mitigated, resolved or closed")
	cmd.Flags().StringVar(&rootCause, "root-cause", "", "root cause")
	cmd.Flags().StringVar(&commit, "suspect-commit", "", "suspect commit id")
	cmd.Flags().StringVar(&file, "suspect-file", "", "suspect file path")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "root cause confidence between 0 and 1")
	cmd.Flags().StringVar(&resolution, "resolution-action", "", "action that resolved the incident")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func newIncidentAckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <incident-id>",
		Short: "Acknowledge an incident (open -> investigating)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			inc, err := s.Orchestrator.AcknowledgeIncident(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return s.out.emit(inc, func(w io.Writer) { printIncident(w, inc) })
		},
	}
}

func newIncidentCloseCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "close <incident-id>",
		Short: "Close an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			inc, err := s.Orchestrator.CloseIncident(cmd.Context(), args[0], types.CloseIncidentRequest{
				Reason: reason,
				Actor:  rootOpts.Actor,
			})
			if err != nil {
				return err
			}
			return s.out.emit(inc, func(w io.Writer) { printIncident(w, inc) })
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the incident is being closed")
	return cmd
}

func newIncidentSimilarCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "similar <incident-id>",
		Short: "Find resolved incidents with the same error signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			rep, err := s.Orchestrator.FindSimilarIncidents(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return s.out.emit(rep, func(w io.Writer) {
				scope := "same service"
				if rep.Broadened {
					scope = "all services"
				}
				fmt.Fprintf(w, "%d similar incident(s) for %s (%s)\n", rep.Total, rep.IncidentID, scope)
				for _, si := range rep.Incidents {
					fmt.Fprintf(w, "  %s  %s  %s  fixed by %q\n",
						si.IncidentID, si.ServiceName, si.OccurredAt.Format("2006-01-02"), si.ResolutionAction)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum matches")
	return cmd
}

func newIncidentSolutionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "solutions <incident-id>",
		Short: "Rank candidate remediations from playbooks and past incidents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			rep, err := s.Orchestrator.RecommendedSolutions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return s.out.emit(rep, func(w io.Writer) {
				fmt.Fprintf(w, "%d solution(s) for %s on %s\n", rep.TotalSolutions, rep.IncidentID, rep.ServiceName)
				for _, sol := range rep.Solutions {
					fmt.Fprintf(w, "  %d. %-14s confidence %.2f  (%s: %s)\n",
						sol.Rank, sol.ActionType, sol.Confidence, sol.Source, sol.SourceName)
				}
			})
		},
	}
}
