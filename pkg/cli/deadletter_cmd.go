package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/deadletter"
)

type filterFlags struct {
	task        string
	failureType string
	status      string
	since       string
	until       string
	limit       int
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.task, "task", "", "only entries of this task")
	cmd.Flags().StringVar(&f.failureType, "failure-type", "", "only entries whose last failure has this type")
	cmd.Flags().StringVar(&f.status, "status", "", "only entries in this status (PENDING, RETRYING, RESOLVED, ABANDONED)")
	cmd.Flags().StringVar(&f.since, "since", "", "only entries created after this RFC3339 time or duration ago (e.g. 24h)")
	cmd.Flags().StringVar(&f.until, "until", "", "only entries created before this RFC3339 time or duration ago")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum number of entries (0 for no limit)")
}

func (f *filterFlags) filter(now time.Time) (deadletter.Filter, error) {
	filter := deadletter.Filter{TaskName: strings.TrimSpace(f.task), Limit: f.limit}
	if f.limit < 0 {
		return filter, fmt.Errorf("--limit must not be negative")
	}
	if f.failureType != "" {
		ft, err := classify.ParseFailureType(f.failureType)
		if err != nil {
			return filter, err
		}
		filter.FailureType = ft
	}
	if f.status != "" {
		status, err := deadletter.ParseStatus(f.status)
		if err != nil {
			return filter, err
		}
		filter.Status = status
	}
	var err error
	if filter.Since, err = parseInstant(f.since, now); err != nil {
		return filter, fmt.Errorf("--since: %w", err)
	}
	if filter.Until, err = parseInstant(f.until, now); err != nil {
		return filter, fmt.Errorf("--until: %w", err)
	}
	return filter, nil
}

// parseInstant accepts an RFC3339 time or a duration counted back from now.
func parseInstant(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if at, err := time.Parse(time.RFC3339, value); err == nil {
		return at, nil
	}
	ago, err := time.ParseDuration(value)
	if err != nil || ago < 0 {
		return time.Time{}, fmt.Errorf("%q is neither an RFC3339 time nor a positive duration", value)
	}
	return now.Add(-ago), nil
}

func defaultActor() string {
	if user := strings.TrimSpace(os.Getenv("USER")); user != "" {
		return user
	}
	return "operator"
}

func newDeadLetterCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and replay dead-lettered tasks",
	}
	var actor string
	cmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "operator recorded in the audit trail")

	var listOutput string
	listFilter := &filterFlags{}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(listOutput); err != nil {
				return err
			}
			filter, err := listFilter.filter(time.Now())
			if err != nil {
				return err
			}
			return root.withApp(cmd, func(ctx context.Context, app *App) error {
				entries, err := app.DeadLetters.List(ctx, filter)
				if err != nil {
					return err
				}
				if listOutput != outputTable {
					return render(cmd.OutOrStdout(), listOutput, entries)
				}
				tw := newTable(cmd.OutOrStdout(), "ID", "TASK", "STATUS", "FAILURE TYPE", "ATTEMPTS", "REPLAYS", "REASON", "CREATED")
				for _, entry := range entries {
					tw.row(entry.ID, entry.TaskName, entry.Status, orDash(string(entry.LastFailureType())),
						entry.Attempts, entry.ReplayCount, entry.Reason, formatTime(entry.CreatedAt))
				}
				return tw.flush()
			})
		},
	}
	listFilter.register(listCmd)
	addOutputFlag(listCmd, &listOutput)
	cmd.AddCommand(listCmd)

	var showOutput string
	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Explain an entry and print its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(showOutput); err != nil {
				return err
			}
			return root.withApp(cmd, func(ctx context.Context, app *App) error {
				entry, err := app.DeadLetters.Get(ctx, args[0])
				if err != nil {
					return err
				}
				audit, err := app.DeadLetters.Audit(ctx, entry.ID)
				if err != nil {
					return err
				}
				if showOutput != outputTable {
					return render(cmd.OutOrStdout(), showOutput, struct {
						Entry       *deadletter.Entry       `json:"entry" yaml:"entry"`
						Explanation string                  `json:"explanation" yaml:"explanation"`
						Audit       []deadletter.AuditEvent `json:"audit" yaml:"audit"`
					}{entry, entry.Explain(), audit})
				}
				printEntry(cmd, entry, audit)
				return nil
			})
		},
	}
	addOutputFlag(showCmd, &showOutput)
	cmd.AddCommand(showCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <id>",
		Short: "Replay an entry under a fresh idempotency scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd, func(ctx context.Context, app *App) error {
				entry, err := app.DeadLetters.Retry(ctx, args[0], actor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "entry %s is %s (replay %d)\n", entry.ID, entry.Status, entry.ReplayCount)
				return nil
			})
		},
	})

	var reason string
	abandonCmd := &cobra.Command{
		Use:   "abandon <id>",
		Short: "Close an entry without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("--reason is required")
			}
			return root.withApp(cmd, func(ctx context.Context, app *App) error {
				entry, err := app.DeadLetters.Abandon(ctx, args[0], actor, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "entry %s is %s\n", entry.ID, entry.Status)
				return nil
			})
		},
	}
	abandonCmd.Flags().StringVar(&reason, "reason", "", "why the entry is abandoned")
	cmd.AddCommand(abandonCmd)

	bulkFilter := &filterFlags{}
	bulkCmd := &cobra.Command{
		Use:   "bulk-retry",
		Short: "Replay every PENDING entry matching the filters, paced by dead_letter.bulk_retry_rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := bulkFilter.filter(time.Now())
			if err != nil {
				return err
			}
			return root.withApp(cmd, func(ctx context.Context, app *App) error {
				result, err := app.DeadLetters.BulkRetry(ctx, filter, actor)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "retried %d entr%s\n", len(result.Retried), plural(len(result.Retried), "y", "ies"))
				for _, id := range sortedKeys(result.Failed) {
					fmt.Fprintf(out, "failed %s: %s\n", id, result.Failed[id])
				}
				if err != nil {
					return err
				}
				if len(result.Failed) > 0 {
					return fmt.Errorf("%d entr%s could not be retried", len(result.Failed), plural(len(result.Failed), "y", "ies"))
				}
				return nil
			})
		},
	}
	bulkFilter.register(bulkCmd)
	cmd.AddCommand(bulkCmd)
	return cmd
}

func printEntry(cmd *cobra.Command, entry *deadletter.Entry, audit []deadletter.AuditEvent) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:          %s\n", entry.ID)
	fmt.Fprintf(out, "Task:        %s\n", entry.TaskName)
	fmt.Fprintf(out, "Status:      %s\n", entry.Status)
	fmt.Fprintf(out, "Scope:       %s\n", entry.Scope.Kind)
	fmt.Fprintf(out, "Key:         %s\n", orDash(entry.IdempotencyKey))
	fmt.Fprintf(out, "Attempts:    %d\n", entry.Attempts)
	fmt.Fprintf(out, "Replays:     %d\n", entry.ReplayCount)
	fmt.Fprintf(out, "Created:     %s\n", formatTime(entry.CreatedAt))
	if entry.Resolution != "" {
		fmt.Fprintf(out, "Resolution:  %s\n", entry.Resolution)
	}
	if len(entry.Args) > 0 {
		fmt.Fprintf(out, "Args:        %s\n", entry.Args)
	}
	fmt.Fprintf(out, "\n%s\n", entry.Explain())

	if len(entry.FailureHistory) > 0 {
		fmt.Fprintln(out, "\nFailures:")
		for idx, c := range entry.FailureHistory {
			fmt.Fprintf(out, "  %d. %s\n", idx+1, c.Explain())
		}
	}
	fmt.Fprintln(out, "\nAudit:")
	tw := newTable(out, "  AT", "ACTION", "ACTOR", "DETAIL")
	for _, event := range audit {
		tw.row("  "+formatTime(event.At), event.Action, event.Actor, orDash(event.Detail))
	}
	_ = tw.flush()
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
