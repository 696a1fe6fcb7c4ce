package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nimburion/taskguard/pkg/health"
)

func newHealthcheckCommand(root *rootOptions) *cobra.Command {
	var (
		output string
		strict bool
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the cache, durable stores, lock providers and jobs backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			return root.withApp(cmd, func(ctx context.Context, app *App) error {
				result := app.Health.Check(ctx)
				if output != outputTable {
					if err := render(cmd.OutOrStdout(), output, result); err != nil {
						return err
					}
				} else {
					tw := newTable(cmd.OutOrStdout(), "CHECK", "STATUS", "DURATION", "DETAIL")
					for _, check := range result.Checks {
						detail := check.Message
						if check.Error != "" {
							detail = check.Error
						}
						tw.row(check.Name, check.Status, check.Duration, orDash(detail))
					}
					if err := tw.flush(); err != nil {
						return err
					}
				}
				switch {
				case !result.IsServing():
					return fmt.Errorf("status %s", result.Status)
				case strict && result.Status == health.StatusDegraded:
					return fmt.Errorf("status %s", result.Status)
				}
				return nil
			})
		},
	}
	addOutputFlag(cmd, &output)
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when degraded, not only when unhealthy")
	return cmd
}
