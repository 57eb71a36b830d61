package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-remediation/internal/safety/policy"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

// NewGuardrailsCommand creates the guardrails command group.
func NewGuardrailsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guardrails",
		Short: "Evaluate and list the safety guardrails",
	}
	cmd.AddCommand(newGuardrailsEvaluateCommand(rootOpts), newGuardrailsRulesCommand(rootOpts))
	return cmd
}

func newGuardrailsEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		req     types.GuardrailRequest
		details string
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Check an action against every guardrail",
		Long: `Check an action against every guardrail without proposing it.

Exits with status 1 when the action is blocked, so scripts can gate on it.`,
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

			res, err := s.Orchestrator.EvaluateGuardrails(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := s.out.emit(res, func(w io.Writer) { printGuardrails(w, res) }); err != nil {
				return err
			}
			if res.Status == policy.StatusBlocked {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%s on %s is blocked", req.ActionType, req.ServiceName)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ServiceName, "service", "", "target service (required)")
	cmd.Flags().StringVar(&req.ActionType, "type", "", "action type (required)")
	cmd.Flags().StringVar(&details, "details", "", "action details as a JSON object")
	return cmd
}

func newGuardrailsRulesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the active guardrails and their thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			eng := s.Orchestrator.Safety()
			out := struct {
				Rules  []string      `json:"rules"`
				Policy policy.Policy `json:"policy"`
			}{Rules: eng.Rules(), Policy: eng.Policy()}
			return s.out.emit(out, func(w io.Writer) {
				for _, r := range out.Rules {
					fmt.Fprintf(w, "- %s\n", r)
				}
				p := out.Policy
				fmt.Fprintf(w, "max blast radius %d, max scale factor %.1f, peak hours %02d:00-%02d:00 UTC blocking %s\n",
					p.MaxBlastRadius, p.MaxScaleFactor, p.PeakHoursStartUTC, p.PeakHoursEndUTC, strings.Join(p.PeakBlockedActions, ", "))
			})
		},
	}
}

// NewRecommendCommand creates the recommend command.
func NewRecommendCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		req     types.RecommendationRequest
		details string
	)
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Score a proposed action against an incident",
		Args:  cobra.NoArgs,
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

			rec, err := s.Orchestrator.ProduceRecommendation(cmd.Context(), req)
			if err != nil {
				return err
			}
			return s.out.emit(rec, func(w io.Writer) {
				fmt.Fprintf(w, "%s for %s on %s: %s (safety score %.2f)\n",
					rec.ProposedAction, rec.IncidentID, rec.ServiceName, verdictString(rec.Verdict), rec.SafetyScore)
				fmt.Fprintf(w, "  %s\n", rec.VerdictReason)
				for _, f := range rec.RiskFactors {
					fmt.Fprintf(w, "  - %s\n", f)
				}
				fmt.Fprintf(w, "  blast radius: %d service(s)\n", rec.BlastRadius.TotalAffected)
				if rec.AIReasoning != "" {
					fmt.Fprintf(w, "  %s\n", rec.AIReasoning)
				}
			})
		},
	}
	cmd.Flags().StringVar(&req.IncidentID, "incident", "", "incident (required)")
	cmd.Flags().StringVar(&req.ActionType, "type", "", "action type (required)")
	cmd.Flags().StringVar(&details, "details", "", "action details as a JSON object")
	return cmd
}
