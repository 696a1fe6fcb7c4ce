package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nimburion/taskguard/pkg/guard"
	"github.com/nimburion/taskguard/pkg/idempotency"
	"github.com/nimburion/taskguard/pkg/retry"
	"github.com/nimburion/taskguard/pkg/worker"
)

type taskFlags struct {
	args      string
	scopeKind string
	subject   string
	priority  string
}

func (f *taskFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.args, "args", "", "task arguments as JSON")
	cmd.Flags().StringVar(&f.scopeKind, "scope-kind", "", "idempotency scope (GLOBAL, PER_USER, PER_TENANT); defaults to the task's configured scope")
	cmd.Flags().StringVar(&f.subject, "subject", "", "user or tenant id for a per-user or per-tenant scope")
	cmd.Flags().StringVar(&f.priority, "priority", "", "task priority (LOW, NORMAL, HIGH, CRITICAL)")
}

func (f *taskFlags) task(name string) (guard.Task, error) {
	task := guard.Task{Name: strings.TrimSpace(name)}
	if raw := strings.TrimSpace(f.args); raw != "" {
		if !json.Valid([]byte(raw)) {
			return guard.Task{}, fmt.Errorf("--args is not valid JSON")
		}
		task.Args = json.RawMessage(raw)
	}
	if f.scopeKind != "" {
		kind, err := idempotency.ParseScopeKind(f.scopeKind)
		if err != nil {
			return guard.Task{}, err
		}
		task.Scope = idempotency.Scope{Kind: kind, Subject: strings.TrimSpace(f.subject)}
	}
	if f.priority != "" {
		priority, err := retry.ParsePriority(f.priority)
		if err != nil {
			return guard.Task{}, err
		}
		task.Priority = priority
	}
	return task, nil
}

func newSubmitCommand(root *rootOptions) *cobra.Command {
	flags := &taskFlags{}
	cmd := &cobra.Command{
		Use:   "submit <task>",
		Short: "Enqueue a task for the workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := flags.task(args[0])
			if err != nil {
				return err
			}
			return root.withApp(cmd, func(ctx context.Context, app *App) error {
				if err := app.Requeuer.Submit(ctx, task); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "submitted %s to queue %s\n", task.Name, app.Config.Jobs.Queue)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

// runResult is the printable form of a guard.Result.
type runResult struct {
	Outcome      guard.Outcome   `json:"outcome" yaml:"outcome"`
	Key          string          `json:"key" yaml:"key"`
	Value        json.RawMessage `json:"value,omitempty" yaml:"-"`
	Error        string          `json:"error,omitempty" yaml:"error,omitempty"`
	Explanation  string          `json:"explanation,omitempty" yaml:"explanation,omitempty"`
	DeadLetterID string          `json:"dead_letter_id,omitempty" yaml:"dead_letter_id,omitempty"`
	RunAt        string          `json:"run_at,omitempty" yaml:"run_at,omitempty"`
}

func newRunResult(result *guard.Result) runResult {
	out := runResult{Outcome: result.Outcome, Key: result.Key, DeadLetterID: result.DeadLetterID}
	if json.Valid(result.Value) {
		out.Value = result.Value
	}
	if result.Err != nil {
		out.Error = result.Err.Error()
	}
	if result.Classification != nil {
		out.Explanation = result.Classification.Explain()
	}
	if !result.RunAt.IsZero() {
		out.RunAt = formatTime(result.RunAt)
	}
	return out
}

func newRunCommand(root *rootOptions) *cobra.Command {
	flags := &taskFlags{}
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run a task once in this process through the execution wrapper",
		Long: "Runs one invocation with the same duplicate detection, locking, classification\n" +
			"and retry decisions as a worker. A scheduled retry is enqueued for the workers.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := flags.task(args[0])
			if err != nil {
				return err
			}
			return root.withApp(cmd, func(ctx context.Context, app *App) error {
				exec, ok := root.executor(task.Name)
				if !ok {
					return fmt.Errorf("no executor registered for task %q", task.Name)
				}
				result, err := app.Wrapper.Run(ctx, task, exec)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), outputJSON, newRunResult(result))
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func (o *rootOptions) executor(name string) (guard.Executor, bool) {
	if exec, ok := o.Executors[name]; ok {
		return exec, true
	}
	exec, ok := worker.Builtins()[name]
	return exec, ok
}
