package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nimburion/taskguard/pkg/classify"
)

func newCircuitCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuit",
		Short: "Inspect and reset per-task circuit breakers",
	}

	var output string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted circuit breakers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			return root.withApp(cmd, func(ctx context.Context, app *App) error {
				circuits, err := app.Engine.Circuits(ctx)
				if err != nil {
					return err
				}
				if output != outputTable {
					return render(cmd.OutOrStdout(), output, circuits)
				}
				tw := newTable(cmd.OutOrStdout(), "TASK", "FAILURE TYPE", "STATE", "FAILURES", "OPENED AT", "PROBES", "UPDATED")
				for _, c := range circuits {
					tw.row(c.TaskName, c.FailureType, c.State, c.ConsecutiveFailures,
						formatTime(c.OpenedAt), c.HalfOpenProbes, formatTime(c.UpdatedAt))
				}
				return tw.flush()
			})
		},
	}
	addOutputFlag(listCmd, &output)
	cmd.AddCommand(listCmd)

	var actor string
	resetCmd := &cobra.Command{
		Use:   "reset <task> <failure-type>",
		Short: "Close the breaker of a task and failure type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskName := strings.TrimSpace(args[0])
			ft, err := classify.ParseFailureType(args[1])
			if err != nil {
				return err
			}
			return root.withApp(cmd, func(ctx context.Context, app *App) error {
				app.Log.Info("circuit reset requested", "actor", actor, "task", taskName, "failure_type", string(ft))
				if err := app.Engine.ResetCircuit(ctx, taskName, ft); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "circuit %s/%s is CLOSED\n", taskName, ft)
				return nil
			})
		},
	}
	resetCmd.Flags().StringVar(&actor, "actor", defaultActor(), "operator recorded in the log")
	cmd.AddCommand(resetCmd)
	return cmd
}
