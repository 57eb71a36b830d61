package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

// NewTopologyCommand creates the topology command group.
func NewTopologyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Manage services, dependencies and their health",
	}
	cmd.AddCommand(
		newTopologySeedCommand(rootOpts),
		newTopologyServicesCommand(rootOpts),
		newTopologyStatusCommand(rootOpts),
		newTopologyDependCommand(rootOpts),
		newTopologyDependenciesCommand(rootOpts),
		newTopologyHealthCommand(rootOpts),
		newTopologyBlastRadiusCommand(rootOpts),
		newTopologyImpactCommand(rootOpts),
	)
	return cmd
}

func newTopologySeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load services, dependencies and playbooks from a YAML document",
		Long: `Load services, dependencies and playbooks from a YAML document.

Entries are upserted, so seeding the same file twice is harmless.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "read seed file", err)
			}
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			sum, err := s.Orchestrator.SeedTopology(cmd.Context(), doc)
			if err != nil {
				return err
			}
			return s.out.emit(sum, func(w io.Writer) {
				fmt.Fprintf(w, "Seeded %d service(s), %d dependency(ies), %d playbook(s)\n",
					sum.Services, sum.Dependencies, sum.Playbooks)
			})
		},
	}
}

func newTopologyServicesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List registered services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			svcs, err := s.Orchestrator.ListServices(cmd.Context())
			if err != nil {
				return err
			}
			if svcs == nil {
				svcs = []*models.Service{}
			}
			return s.out.emit(svcs, func(w io.Writer) {
				table(w, "NAME\tTYPE\tSTATUS\tVERSION\tREGION\tROLLBACK SAFETY", func(tw *tabwriter.Writer) {
					for _, svc := range svcs {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f\n",
							svc.Name, svc.Type, svc.Status, svc.CurrentVersion, svc.Region, svc.RollbackSafetyScore)
					}
				})
			})
		},
	}
}

func newTopologyStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <service> <healthy|degraded|down>",
		Short: "Set a service's stored health state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			ctx := cmd.Context()
			if err := s.Orchestrator.UpdateServiceStatus(ctx, args[0], models.ServiceStatus(args[1])); err != nil {
				return err
			}
			svc, err := s.Orchestrator.GetService(ctx, args[0])
			if err != nil {
				return err
			}
			return s.out.emit(svc, func(w io.Writer) {
				fmt.Fprintf(w, "%s is now %s\n", svc.Name, svc.Status)
			})
		},
	}
}

func newTopologyDependCommand(rootOpts *RootOptions) *cobra.Command {
	var req types.AddDependencyRequest
	cmd := &cobra.Command{
		Use:   "depend <service> <depends-on>",
		Short: "Record that a service calls another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ServiceName, req.DependsOn = args[0], args[1]

			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			dep, err := s.Orchestrator.AddDependency(cmd.Context(), req)
			if err != nil {
				return err
			}
			return s.out.emit(dep, func(w io.Writer) {
				fmt.Fprintf(w, "%s -> %s (%s, %s)\n", dep.Service, dep.DependsOn, dep.DependencyType, dep.Criticality)
			})
		},
	}
	cmd.Flags().StringVar(&req.DependencyType, "type", "", "dependency type, e.g. http or grpc")
	cmd.Flags().StringVar(&req.Criticality, "criticality", "", "critical, high, medium or low")
	return cmd
}

func newTopologyDependenciesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dependencies",
		Short: "List dependency edges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			deps, err := s.Orchestrator.ListDependencies(cmd.Context())
			if err != nil {
				return err
			}
			if deps == nil {
				deps = []*models.ServiceDependency{}
			}
			return s.out.emit(deps, func(w io.Writer) {
				table(w, "SERVICE\tDEPENDS ON\tTYPE\tCRITICALITY", func(tw *tabwriter.Writer) {
					for _, d := range deps {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Service, d.DependsOn, d.DependencyType, d.Criticality)
					}
				})
			})
		},
	}
}

func newTopologyHealthCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show every service's effective health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			rep, err := s.Orchestrator.ServiceHealth(cmd.Context())
			if err != nil {
				return err
			}
			return s.out.emit(rep, func(w io.Writer) {
				fmt.Fprintf(w, "%d service(s): %d healthy, %d degraded, %d down\n",
					rep.TotalServices, rep.Healthy, rep.Degraded, rep.Down)
				table(w, "NAME\tSTATUS\tOPEN INCIDENTS", func(tw *tabwriter.Writer) {
					for _, h := range rep.Services {
						fmt.Fprintf(tw, "%s\t%s\t%d\n", h.Name, h.Status, h.OpenIncidents)
					}
				})
			})
		},
	}
}

func newTopologyBlastRadiusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "blast-radius <service>",
		Short: "List every service that transitively depends on a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			entries, err := s.Orchestrator.BlastRadius(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []models.BlastRadiusEntry{}
			}
			return s.out.emit(entries, func(w io.Writer) {
				fmt.Fprintf(w, "%d service(s) affected by %s\n", len(entries), args[0])
				for _, e := range entries {
					fmt.Fprintf(w, "  %s (%d hop(s))\n", e.ServiceName, e.Hops)
				}
			})
		},
	}
}

func newTopologyImpactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "impact <service>",
		Short: "Analyse the impact of acting on a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			imp, err := s.Orchestrator.AnalyzeImpact(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return s.out.emit(imp, func(w io.Writer) {
				fmt.Fprintf(w, "%s (%s, %s): risk %s (%.2f)\n",
					imp.ServiceName, imp.ServiceType, imp.CurrentStatus, imp.RiskLevel, imp.RiskScore)
				fmt.Fprintf(w, "  blast radius %d, %d critical and %d high dependent(s)\n",
					imp.TotalBlastRadius, imp.CriticalDependents, imp.HighDependents)
				for _, d := range imp.DirectDependents {
					fmt.Fprintf(w, "  <- %s (%s)\n", d.ServiceName, d.Criticality)
				}
			})
		},
	}
}
