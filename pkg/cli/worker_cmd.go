package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nimburion/taskguard/pkg/guard"
	"github.com/nimburion/taskguard/pkg/idempotency"
	"github.com/nimburion/taskguard/pkg/server"
	"github.com/nimburion/taskguard/pkg/version"
	"github.com/nimburion/taskguard/pkg/worker"
)

func newWorkerCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the task queue and run every job through the execution wrapper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd, func(ctx context.Context, app *App) error {
				runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return runWorker(runCtx, app, root.Executors)
			})
		},
	}
	cmd.Flags().String("worker-id", "", "worker identity used in lock holder ids (default hostname-pid)")
	cmd.Flags().Int("concurrency", 0, "number of concurrent consumers")
	cmd.Flags().String("queue", "", "queue to consume")
	return cmd
}

// runWorker blocks until ctx is cancelled. The reconciler, the expired-record
// cleaner and the management listener run next to the consumers and stop with them.
func runWorker(ctx context.Context, app *App, extra map[string]guard.Executor) error {
	cfg := app.Config
	w, err := worker.New(app.Jobs, app.Wrapper, app.Log, worker.Config{
		ID:                     app.WorkerID,
		Queue:                  cfg.Jobs.Queue,
		Concurrency:            cfg.Worker.Concurrency,
		LeaseTTL:               cfg.Jobs.LeaseTTL,
		ReserveTimeout:         cfg.Worker.ReserveTimeout,
		StopTimeout:            cfg.Worker.StopTimeout,
		ContentionRequeueDelay: cfg.Worker.ContentionRequeueDelay,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	for name, exec := range worker.Builtins() {
		if err := w.Register(name, exec); err != nil {
			return err
		}
	}
	for name, exec := range extra {
		if err := w.Register(name, exec); err != nil {
			return fmt.Errorf("register executor %s: %w", name, err)
		}
	}

	var background []func(context.Context) error
	if cfg.Reconciler.Enabled {
		reconciler, err := guard.NewReconciler(app.Duplicates.Durable(), app.Locks, app.DeadLetters, app.Log, guard.ReconcilerConfig{
			Interval:   cfg.Reconciler.Interval,
			StaleAfter: cfg.Reconciler.StaleAfter,
			BatchSize:  cfg.Reconciler.BatchSize,
			WorkerID:   app.WorkerID,
		})
		if err != nil {
			return fmt.Errorf("create reconciler: %w", err)
		}
		background = append(background, reconciler.Start)
	}
	cleaner, err := idempotency.NewExpiredRecordsCleaner(app.Duplicates.Durable(), app.Log, idempotency.ExpiredRecordsCleanerConfig{
		CleanupEvery: cfg.Idempotency.CleanupInterval,
		GracePeriod:  cfg.Idempotency.CleanupGracePeriod,
		BatchSize:    cfg.Idempotency.CleanupBatchSize,
	})
	if err != nil {
		return fmt.Errorf("create cleaner: %w", err)
	}
	background = append(background, cleaner.Run)

	if addr := strings.TrimSpace(cfg.Observability.MetricsAddr); addr != "" {
		mgmt, err := server.NewManagementServer(server.Config{Addr: addr}, app.Log, app.Health, app.Metrics, version.Current(cfg.Service.Name))
		if err != nil {
			return fmt.Errorf("create management server: %w", err)
		}
		background = append(background, mgmt.Start)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, run := range background {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				// A dead listener or sweep takes the worker down with it.
				cancel()
			}
		}(run)
	}

	startErr := w.Start(runCtx)
	cancel()
	wg.Wait()
	if startErr != nil {
		errs = append(errs, startErr)
	}
	return errors.Join(errs...)
}
