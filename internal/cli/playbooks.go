package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

// NewPlaybooksCommand creates the playbooks command group.
func NewPlaybooksCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "playbooks",
		Aliases: []string{"playbook"},
		Short:   "List and search remediation playbooks",
	}
	cmd.AddCommand(newPlaybooksListCommand(rootOpts), newPlaybooksSearchCommand(rootOpts), newConfigChangesCommand(rootOpts))
	return cmd
}

func printPlaybooks(w io.Writer, pbs []*models.Playbook) {
	if len(pbs) == 0 {
		fmt.Fprintln(w, "No playbooks.")
		return
	}
	table(w, "NAME\tCATEGORY\tSUCCESS RATE\tUSED\tSOLUTIONS", func(tw *tabwriter.Writer) {
		for _, pb := range pbs {
			fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%d\t%d\n",
				pb.Name, pb.Category, pb.SuccessRate, pb.TimesUsed, len(pb.Solutions))
		}
	})
}

func newPlaybooksListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List playbooks by success rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			pbs, err := s.Orchestrator.ListPlaybooks(cmd.Context())
			if err != nil {
				return err
			}
			if pbs == nil {
				pbs = []*models.Playbook{}
			}
			return s.out.emit(pbs, func(w io.Writer) { printPlaybooks(w, pbs) })
		},
	}
}

func newPlaybooksSearchCommand(rootOpts *RootOptions) *cobra.Command {
	var req types.SearchPlaybooksRequest
	cmd := &cobra.Command{
		Use:   "search <error message>",
		Short: "Find playbooks whose trigger matches an error message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ErrorMessage = args[0]

			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			res, err := s.Orchestrator.SearchPlaybooks(cmd.Context(), req)
			if err != nil {
				return err
			}
			return s.out.emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "%d playbook(s) match %q\n", res.Total, res.Query)
				printPlaybooks(w, res.Playbooks)
			})
		},
	}
	cmd.Flags().StringVar(&req.ServiceName, "service", "", "only playbooks that apply to this service")
	return cmd
}

func newConfigChangesCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		service string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "config-changes",
		Short: "List configuration changes made by executed actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			changes, err := s.Orchestrator.ListConfigChanges(cmd.Context(), service, limit)
			if err != nil {
				return err
			}
			if changes == nil {
				changes = []*models.ConfigChange{}
			}
			return s.out.emit(changes, func(w io.Writer) {
				table(w, "SERVICE\tTYPE\tOLD\tNEW\tBY\tINCIDENT\tAT", func(tw *tabwriter.Writer) {
					for _, c := range changes {
						fmt.Fprintf(tw, "%s\t%s\t%v\t%v\t%s\t%s\t%s\n",
							c.ServiceName, c.ChangeType, c.OldValue, c.NewValue, c.ChangedBy, c.RelatedIncidentID,
							c.CreatedAt.Format("2006-01-02 15:04"))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "filter by service")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum changes")
	return cmd
}
