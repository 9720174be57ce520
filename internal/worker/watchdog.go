package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mrpilot.dev/pipeline/common/logger"
	"mrpilot.dev/pipeline/core/config"
	"mrpilot.dev/pipeline/internal/model"
)

const watchdogBatchSize = 100

// Watchdog reaps tasks stuck in queued past the scheduling deadline. This
// covers lost queue messages and worker fleets that are down or saturated:
// whatever the cause, a task nobody picked up in time fails with
// scheduling_timeout and lands in the dead-letter store for an operator.
type Watchdog struct {
	txRunner TxRunner
	stores   StoreProvider
	cfg      config.SchedulerConfig

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewWatchdog(txRunner TxRunner, stores StoreProvider, cfg config.SchedulerConfig) *Watchdog {
	return &Watchdog{
		txRunner:  txRunner,
		stores:    stores,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run starts the watchdog loop. Blocks until Stop() is called.
func (w *Watchdog) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "pipeline.worker.watchdog",
	})

	defer close(w.stoppedCh)

	ticker := time.NewTicker(w.cfg.WatchdogInterval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "scheduling watchdog started",
		"interval", w.cfg.WatchdogInterval,
		"queue_deadline", w.cfg.QueueDeadline)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			slog.InfoContext(ctx, "scheduling watchdog stopping")
			return
		case <-ticker.C:
			if err := w.SweepOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "watchdog sweep error", "error", err)
			}
		}
	}
}

// Stop signals the watchdog to stop gracefully.
func (w *Watchdog) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

// SweepOnce reaps every overdue queued task it can find. Each task gets its
// own short transaction so one bad row does not wedge the sweep.
func (w *Watchdog) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-w.cfg.QueueDeadline)

	overdue, err := w.stores.Tasks().ListQueuedBefore(ctx, cutoff, watchdogBatchSize)
	if err != nil {
		return fmt.Errorf("listing overdue queued tasks: %w", err)
	}

	if len(overdue) == 0 {
		return nil
	}

	slog.WarnContext(ctx, "found tasks stuck in queued past deadline",
		"count", len(overdue),
		"cutoff", cutoff)

	for _, task := range overdue {
		if err := w.reap(ctx, task.ID); err != nil {
			slog.ErrorContext(ctx, "failed to reap overdue task",
				"error", err,
				"task_id", task.ID)
		}
	}

	return nil
}

func (w *Watchdog) reap(ctx context.Context, taskID int64) error {
	return w.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		cause := fmt.Errorf("no worker picked up the task within %s", w.cfg.QueueDeadline)

		// Re-read under the transaction: a worker may have claimed the task
		// between the sweep listing and now.
		failed, err := sp.Tasks().Transition(ctx, taskID, model.TaskStatusFailed,
			model.WithReason(string(model.FailureReasonSchedulingTimeout)))
		if err != nil {
			var invalid *model.InvalidTransitionError
			if errors.As(err, &invalid) {
				slog.InfoContext(ctx, "overdue task no longer queued, skipping",
					"task_id", taskID,
					"status", invalid.From)
				return nil
			}
			return err
		}

		if err := appendTaskEvent(ctx, sp, model.OutboxEventTaskFailed, failed, nil); err != nil {
			return err
		}

		return deadLetter(ctx, sp, failed, model.FailureReasonSchedulingTimeout, cause)
	})
}
