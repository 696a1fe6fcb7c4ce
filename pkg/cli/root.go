// Package cli implements the taskguard command line: the worker, schema
// migrations and the operator commands for dead letters and circuits.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/taskguard/pkg/config"
	"github.com/nimburion/taskguard/pkg/guard"
	"github.com/nimburion/taskguard/pkg/observability/logger"
)

const (
	binaryName = "taskguard"

	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// Options customise the root command.
type Options struct {
	// EnvPrefix prefixes environment overrides. Defaults to TASKGUARD.
	EnvPrefix string
	// Executors are registered on the worker next to the built-in ones.
	Executors map[string]guard.Executor
}

type rootOptions struct {
	Options
	configFile string
	// newApp is replaced in tests to share backends between invocations.
	newApp func(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error)
}

// NewRootCommand creates the taskguard command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}
	return newRootCommand(&rootOptions{Options: opts, newApp: NewApp})
}

func newRootCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           binaryName,
		Short:         "Idempotent, lock-guarded task execution with adaptive retries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&root.configFile, "config-file", "c", "", "config file path")
	cmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "", "log format override (json, text)")

	cmd.AddCommand(
		newVersionCommand(),
		newConfigCommand(root),
		newMigrateCommand(root),
		newWorkerCommand(root),
		newSubmitCommand(root),
		newRunCommand(root),
		newDeadLetterCommand(root),
		newCircuitCommand(root),
		newHealthcheckCommand(root),
	)
	return cmd
}

// Execute runs the command and exits with a non-zero code on failure.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// load reads the configuration with flags > env > file > defaults and builds
// a logger writing to the command's stderr.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
	cfg, err := config.NewViperLoader(o.configFile, o.EnvPrefix).WithFlags(cmd.Flags()).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logCfg := cfg.LoggerConfig()
	logCfg.Output = cmd.ErrOrStderr()
	log, err := logger.NewZapLogger(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, log, nil
}

// withApp runs fn against a fully assembled App and closes it afterwards.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	cfg, log, err := o.load(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := o.newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(context.Background()); closeErr != nil {
			log.Error("failed to close backends", "error", closeErr)
		}
	}()
	return fn(ctx, app)
}

func addOutputFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "output", "o", outputTable, "output format (table, json, yaml)")
}

// render writes value as JSON or YAML. Table output is handled by the caller.
func render(w io.Writer, format string, value any) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(value); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func validateOutput(format string) error {
	switch format {
	case outputTable, outputJSON, outputYAML:
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (want table, json or yaml)", format)
	}
}
