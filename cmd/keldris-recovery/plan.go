package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/dr"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

func newPlanCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage disaster recovery plans",
		Long: `Manage disaster recovery plans. Plans are written in YAML; start from
'keldris-recovery plan default > plan.yaml' and edit it.`,
	}
	cmd.AddCommand(
		newPlanDefaultCmd(),
		newPlanCreateCmd(flags),
		newPlanUpdateCmd(flags),
		newPlanDeleteCmd(flags),
		newPlanListCmd(flags),
		newPlanShowCmd(flags),
		newPlanRunbookCmd(flags),
	)
	return cmd
}

// readPlan decodes a plan from a YAML file; "-" reads stdin. Unknown keys
// are rejected.
func readPlan(path string) (*models.RecoveryPlan, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var plan models.RecoveryPlan
	if err := dec.Decode(&plan); err != nil {
		return nil, apperrors.Kind(apperrors.ErrValidation, "parse plan %s: %v", path, err)
	}
	return &plan, nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func newPlanDefaultCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "default",
		Short: "Print the standard database recovery plan as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan := dr.DefaultRecoveryPlan(name)
			return writeYAML(cmd.OutOrStdout(), plan)
		},
	}
	cmd.Flags().StringVar(&name, "name", "Database Recovery", "plan name")
	return cmd
}

func newPlanCreateCmd(flags *rootFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a plan from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := readPlan(file)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			created, err := a.orchestrator.CreateRecoveryPlan(ctx, plan, flags.actor)
			if err != nil {
				return err
			}
			return render(cmd, flags, created, func(w io.Writer) {
				fmt.Fprintf(w, "Created plan %s (%s) with %d step(s)\n", created.ID, created.Name, len(created.Steps))
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan YAML file, or - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newPlanUpdateCmd(flags *rootFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "update <plan-id>",
		Short: "Replace a plan's steps and settings from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "plan")
			if err != nil {
				return err
			}
			plan, err := readPlan(file)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			updated, err := a.orchestrator.UpdateRecoveryPlan(ctx, id, plan, flags.actor)
			if err != nil {
				return err
			}
			return render(cmd, flags, updated, func(w io.Writer) {
				fmt.Fprintf(w, "Updated plan %s (%s)\n", updated.ID, updated.Name)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan YAML file, or - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newPlanDeleteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <plan-id>",
		Short: "Delete a plan; its executions and tests are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "plan")
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			deleted, err := a.orchestrator.DeleteRecoveryPlan(ctx, id, flags.actor)
			if err != nil {
				return err
			}
			return render(cmd, flags, map[string]any{"plan_id": id, "deleted": deleted}, func(w io.Writer) {
				if deleted {
					fmt.Fprintf(w, "Deleted plan %s\n", id)
				} else {
					fmt.Fprintf(w, "Plan %s not found\n", id)
				}
			})
		},
	}
}

func newPlanListCmd(flags *rootFlags) *cobra.Command {
	var status, priority string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recovery plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			plans := a.orchestrator.ListRecoveryPlans(ctx, models.PlanFilter{
				Status:   models.PlanStatus(status),
				Priority: models.PlanPriority(priority),
			})
			return render(cmd, flags, plans, func(w io.Writer) {
				if len(plans) == 0 {
					fmt.Fprintln(w, "No recovery plans.")
					return
				}
				tw, flush := table(w, "ID", "NAME", "PRIORITY", "STATUS", "STEPS", "RTO", "RPO", "LAST TESTED")
				defer flush()
				for _, p := range plans {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%dm\t%dm\t%s\n",
						p.ID, p.Name, p.Priority, p.Status, len(p.Steps), p.TargetRTOMinutes, p.TargetRPOMinutes, fmtTimePtr(p.LastTestedAt))
				}
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority")
	return cmd
}

func newPlanShowCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Print a plan as YAML (or JSON with -o json)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "plan")
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			plan, err := a.orchestrator.GetRecoveryPlan(ctx, id)
			if err != nil {
				return err
			}
			if flags.output == "json" {
				return printJSON(cmd.OutOrStdout(), plan)
			}
			return writeYAML(cmd.OutOrStdout(), plan)
		},
	}
}

func newPlanRunbookCmd(flags *rootFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "runbook <plan-id>",
		Short: "Render a plan as a Markdown runbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "plan")
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			doc, err := a.orchestrator.RenderRunbook(ctx, id)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = io.WriteString(cmd.OutOrStdout(), doc)
				return err
			}
			return os.WriteFile(out, []byte(doc), 0o644)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write to this file instead of stdout")
	return cmd
}
