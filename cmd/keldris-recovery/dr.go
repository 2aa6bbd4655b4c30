package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MacJediWizard/keldris-recovery/internal/dr"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

func newDRCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dr",
		Short: "Execute and rehearse disaster recovery plans",
	}
	cmd.AddCommand(
		newDRExecuteCmd(flags),
		newDRTestCmd(flags),
		newDRExecutionsCmd(flags),
		newDRShowCmd(flags),
		newDRTestsCmd(flags),
	)
	return cmd
}

// errStepRejected fails a manual step the operator declined.
var errStepRejected = errors.New("rejected by operator")

// promptConfirmer asks on in/out before each manual step.
func promptConfirmer(in io.Reader, out io.Writer) dr.ConfirmerFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, req dr.StepRequest) error {
		fmt.Fprintf(out, "\nManual step %d: %s\n", req.Step.Order, req.Step.Name)
		if req.Step.Description != "" {
			fmt.Fprintf(out, "  %s\n", req.Step.Description)
		}
		for _, c := range req.Step.ValidationCriteria {
			fmt.Fprintf(out, "  [ ] %s\n", c)
		}
		fmt.Fprint(out, "Mark this step complete? [y/N]: ")

		answer := make(chan string, 1)
		go func() {
			line, _ := reader.ReadString('\n')
			answer <- strings.ToLower(strings.TrimSpace(line))
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-answer:
			if a == "y" || a == "yes" {
				return nil
			}
			return errStepRejected
		}
	}
}

func newDRExecuteCmd(flags *rootFlags) *cobra.Command {
	var (
		reason      string
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "execute <plan-id>",
		Short: "Run a recovery plan",
		Long: `Run a recovery plan's steps in order. Automated steps are dispatched to
their handlers. Manual steps pass with a logged warning unless
--interactive is set, in which case each one is confirmed on stdin.

Interrupting the command cancels the execution.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "plan")
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			var opts appOptions
			if interactive {
				opts.confirmer = promptConfirmer(cmd.InOrStdin(), cmd.ErrOrStderr())
			}
			a, err := openApp(ctx, flags, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			exec, err := a.orchestrator.ExecuteRecoveryPlan(ctx, id, reason, flags.actor)
			if err != nil {
				return err
			}
			if err := render(cmd, flags, exec, func(w io.Writer) { printExecution(w, exec) }); err != nil {
				return err
			}
			if exec.Status != models.ExecutionStatusCompleted {
				return fmt.Errorf("execution %s %s", exec.ID, exec.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the plan is being executed")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "confirm manual steps on stdin")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newDRTestCmd(flags *rootFlags) *cobra.Command {
	var envName string
	cmd := &cobra.Command{
		Use:   "test <plan-id>",
		Short: "Rehearse a plan without changing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "plan")
			if err != nil {
				return err
			}
			env, err := models.ParseTestEnvironment(envName)
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

			test, err := a.orchestrator.TestRecoveryPlan(ctx, id, env, flags.actor)
			if err != nil {
				return err
			}
			return render(cmd, flags, test, func(w io.Writer) { printTest(w, test) })
		},
	}
	cmd.Flags().StringVar(&envName, "env", string(models.TestEnvironmentStaging), "environment: production, staging, development or isolated")
	return cmd
}

func newDRExecutionsCmd(flags *rootFlags) *cobra.Command {
	var planID string
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List recovery executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := optionalPlanID(planID)
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

			execs := a.orchestrator.ListExecutions(ctx, plan)
			return render(cmd, flags, execs, func(w io.Writer) {
				if len(execs) == 0 {
					fmt.Fprintln(w, "No executions.")
					return
				}
				tw, flush := table(w, "ID", "PLAN", "STATUS", "TRIGGERED", "BY", "STEPS", "RTO")
				defer flush()
				for _, e := range execs {
					m := e.Metrics
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%.1fm\n",
						e.ID, e.PlanID, e.Status, fmtTime(e.TriggeredAt), e.TriggeredBy, m.CompletedSteps, m.TotalSteps, m.ActualRTOMinutes)
				}
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "filter by plan ID")
	return cmd
}

func newDRShowCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution with its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "execution")
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

			exec, err := a.orchestrator.GetExecution(ctx, id)
			if err != nil {
				return err
			}
			return render(cmd, flags, exec, func(w io.Writer) { printExecution(w, exec) })
		},
	}
}

func newDRTestsCmd(flags *rootFlags) *cobra.Command {
	var planID string
	cmd := &cobra.Command{
		Use:   "tests",
		Short: "List plan rehearsals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := optionalPlanID(planID)
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

			tests := a.orchestrator.GetTestResults(ctx, plan)
			return render(cmd, flags, tests, func(w io.Writer) {
				if len(tests) == 0 {
					fmt.Fprintln(w, "No rehearsals.")
					return
				}
				tw, flush := table(w, "ID", "PLAN", "ENVIRONMENT", "STATUS", "TESTED", "BY", "NEXT TEST")
				defer flush()
				for _, t := range tests {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						t.ID, t.PlanID, t.Environment, t.OverallStatus, fmtTime(t.TestedAt), t.TestedBy, t.NextTestDate.Format("2006-01-02"))
				}
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "filter by plan ID")
	return cmd
}

func optionalPlanID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := parseID(s, "plan")
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func printExecution(w io.Writer, e *models.RecoveryExecution) {
	m := e.Metrics
	fmt.Fprintf(w, "Execution:  %s\n", e.ID)
	fmt.Fprintf(w, "Plan:       %s\n", e.PlanID)
	fmt.Fprintf(w, "Status:     %s\n", e.Status)
	fmt.Fprintf(w, "Reason:     %s\n", e.Reason)
	fmt.Fprintf(w, "Triggered:  %s by %s\n", fmtTime(e.TriggeredAt), e.TriggeredBy)
	fmt.Fprintf(w, "Completed:  %s\n", fmtTimePtr(e.CompletedAt))
	fmt.Fprintf(w, "Steps:      %d completed, %d failed, %d skipped of %d (%.0f%%)\n",
		m.CompletedSteps, m.FailedSteps, m.SkippedSteps, m.TotalSteps, m.SuccessRate)
	fmt.Fprintf(w, "RTO:        %.1f min\n", m.ActualRTOMinutes)
	if m.ActualRPOMinutes != nil {
		fmt.Fprintf(w, "RPO:        %.1f min\n", *m.ActualRPOMinutes)
	}
	if len(e.Log) == 0 {
		return
	}
	fmt.Fprintln(w, "\nLog:")
	for _, entry := range e.Log {
		fmt.Fprintf(w, "  %s  %-7s  %s\n", entry.Timestamp.Local().Format("15:04:05"), entry.Level, entry.Message)
	}
}

func printTest(w io.Writer, t *models.RecoveryTest) {
	fmt.Fprintf(w, "Test:         %s\n", t.ID)
	fmt.Fprintf(w, "Plan:         %s\n", t.PlanID)
	fmt.Fprintf(w, "Environment:  %s\n", t.Environment)
	fmt.Fprintf(w, "Status:       %s\n", t.OverallStatus)
	fmt.Fprintf(w, "Next test:    %s\n", t.NextTestDate.Format("2006-01-02"))
	fmt.Fprintln(w)
	tw, flush := table(w, "STEP", "STATUS", "EST", "ISSUES")
	for _, r := range t.Results {
		fmt.Fprintf(tw, "%s\t%s\t%dm\t%s\n", r.StepName, r.Status, r.EstimatedMinutes, strings.Join(r.Issues, "; "))
	}
	flush()
	if len(t.Recommendations) > 0 {
		fmt.Fprintln(w, "\nRecommendations:")
		for _, rec := range t.Recommendations {
			fmt.Fprintf(w, "  - %s\n", rec)
		}
	}
}
