package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nimburion/taskguard/pkg/migrate"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "PostgreSQL schema migration commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withMigrator(cmd, func(ctx context.Context, m *migrate.Manager) error {
				applied, err := m.Up(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back the latest migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := parseSteps(args)
			if err != nil {
				return err
			}
			return root.withMigrator(cmd, func(ctx context.Context, m *migrate.Manager) error {
				reverted, err := m.Down(ctx, steps)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", reverted)
				return nil
			})
		},
	})

	var output string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			return root.withMigrator(cmd, func(ctx context.Context, m *migrate.Manager) error {
				status, err := m.Status(ctx)
				if err != nil {
					return err
				}
				if output != outputTable {
					return render(cmd.OutOrStdout(), output, status)
				}
				tw := newTable(cmd.OutOrStdout(), "VERSION", "STATE", "APPLIED AT")
				for _, applied := range status.Applied {
					tw.row(applied.Version, "applied", formatTime(applied.AppliedAt))
				}
				for _, pending := range status.Pending {
					tw.row(pending.Version, "pending ("+pending.Name+")", "-")
				}
				return tw.flush()
			})
		},
	}
	addOutputFlag(statusCmd, &output)
	cmd.AddCommand(statusCmd)
	return cmd
}

func (o *rootOptions) withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *migrate.Manager) error) error {
	cfg, log, err := o.load(cmd)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return errors.New("database.url is required to run migrations")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("failed to close database", "error", closeErr)
		}
	}()

	manager, err := migrate.NewManager(db, log)
	if err != nil {
		return err
	}
	return fn(ctx, manager)
}

func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	steps, err := strconv.Atoi(args[0])
	if err != nil || steps <= 0 {
		return 0, fmt.Errorf("steps must be a positive integer, got %q", args[0])
	}
	return steps, nil
}
