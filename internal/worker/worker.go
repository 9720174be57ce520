package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mrpilot.dev/pipeline/common/logger"
	"mrpilot.dev/pipeline/internal/model"
	"mrpilot.dev/pipeline/internal/queue"
	"mrpilot.dev/pipeline/internal/store"
)

type Config struct {
	// MaxAttempts bounds total execution attempts per task, first try
	// included. At the ceiling a transient failure dead-letters as
	// retry_exhaustion.
	MaxAttempts int
}

type Worker struct {
	consumer *queue.RedisConsumer
	txRunner TxRunner
	executor TaskExecutor
	cfg      Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer *queue.RedisConsumer, txRunner TxRunner, executor TaskExecutor, cfg Config) *Worker {
	return &Worker{
		consumer:  consumer,
		txRunner:  txRunner,
		executor:  executor,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "pipeline.worker",
	})

	defer close(w.stoppedCh)

	slog.InfoContext(ctx, "worker started", "max_attempts", w.cfg.MaxAttempts)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if err := w.processMessageSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"message_id", msg.ID,
				"task_id", msg.TaskID)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID,
				"task_id", msg.TaskID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage claims the task, executes it, and records the outcome.
// Exported so it can be reused by the reclaimer.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		TaskID:    &msg.TaskID,
		ProjectID: &msg.ProjectID,
		MessageID: &msg.ID,
	})

	slog.InfoContext(ctx, "processing task",
		"task_type", msg.TaskType,
		"attempt", msg.Attempt)

	task, claimed, err := w.claim(ctx, msg.TaskID)
	if err != nil {
		// Claim transaction failed - don't ACK, let Redis redeliver.
		return fmt.Errorf("claiming task: %w", err)
	}
	if !claimed {
		// Task was superseded, already terminal, or gone. Expected under
		// supersession; the message is spent.
		if ackErr := w.consumer.Ack(ctx, msg); ackErr != nil {
			slog.WarnContext(ctx, "failed to ACK unclaimable message", "error", ackErr)
		}
		return nil
	}

	// Execution runs outside any transaction; it can take minutes.
	result, execErr := w.executor.Execute(ctx, task)
	if execErr == nil {
		return w.complete(ctx, msg, task, result)
	}

	return w.fail(ctx, msg, task, execErr)
}

// claim moves the task to running. A legal-edge violation means someone else
// resolved the task first; that is a skip, not an error.
func (w *Worker) claim(ctx context.Context, taskID int64) (*model.Task, bool, error) {
	var task *model.Task
	err := w.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		var err error
		task, err = sp.Tasks().Transition(ctx, taskID, model.TaskStatusRunning)
		return err
	})
	if err == nil {
		return task, true, nil
	}

	var invalid *model.InvalidTransitionError
	if errors.As(err, &invalid) {
		slog.InfoContext(ctx, "task not claimable, skipping",
			"from_status", invalid.From)
		return nil, false, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		slog.ErrorContext(ctx, "queued message references unknown task")
		return nil, false, nil
	}
	return nil, false, err
}

func (w *Worker) complete(ctx context.Context, msg queue.Message, task *model.Task, result *ExecutionResult) error {
	err := w.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		updated, err := sp.Tasks().Transition(ctx, task.ID, model.TaskStatusCompleted,
			model.WithResult(result.Result, result.SchemaVersion))
		if err != nil {
			return err
		}
		return appendTaskEvent(ctx, sp, model.OutboxEventTaskCompleted, updated, nil)
	})
	if err != nil {
		return fmt.Errorf("completing task: %w", err)
	}

	if ackErr := w.consumer.Ack(ctx, msg); ackErr != nil {
		slog.WarnContext(ctx, "failed to ACK completed message", "error", ackErr)
	}

	slog.InfoContext(ctx, "task completed", "attempt", msg.Attempt)
	return nil
}

// fail records the failure and decides what happens next: permanent failures
// and exhausted retry budgets dead-letter, everything else goes back to the
// queue for another attempt.
func (w *Worker) fail(ctx context.Context, msg queue.Message, task *model.Task, execErr error) error {
	reason, permanent := ClassifyFailure(execErr)
	exhausted := !permanent && msg.Attempt >= w.cfg.MaxAttempts
	retrying := !permanent && !exhausted

	err := w.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		failed, err := sp.Tasks().Transition(ctx, task.ID, model.TaskStatusFailed,
			model.WithReason(execErr.Error()))
		if err != nil {
			return err
		}
		if err := appendTaskEvent(ctx, sp, model.OutboxEventTaskFailed, failed, nil); err != nil {
			return err
		}

		if retrying {
			_, err := sp.Tasks().Transition(ctx, task.ID, model.TaskStatusQueued)
			return err
		}

		return deadLetter(ctx, sp, failed, reason, execErr)
	})
	if err != nil {
		return fmt.Errorf("recording task failure: %w", err)
	}

	if retrying {
		if requeueErr := w.consumer.Requeue(ctx, msg, execErr.Error()); requeueErr != nil {
			// Task is queued but the message is lost; the scheduling
			// watchdog will reap it.
			slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
		}
		slog.WarnContext(ctx, "task failed, retrying",
			"error", execErr,
			"attempt", msg.Attempt)
		return nil
	}

	if ackErr := w.consumer.Ack(ctx, msg); ackErr != nil {
		slog.WarnContext(ctx, "failed to ACK dead-lettered message", "error", ackErr)
	}

	slog.ErrorContext(ctx, "task dead-lettered",
		"error", execErr,
		"reason", reason,
		"attempt", msg.Attempt)
	return nil
}

// deadLetter snapshots the task into the dead-letter store and announces it.
// The attempt history is rebuilt from the transition log's failed entries.
func deadLetter(ctx context.Context, sp StoreProvider, task *model.Task, reason model.FailureReason, cause error) error {
	snapshot, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task snapshot: %w", err)
	}

	attempts, err := attemptHistory(ctx, sp, task.ID)
	if err != nil {
		return err
	}

	detail := cause.Error()
	entry, err := sp.DeadLetters().Create(ctx, &model.DeadLetterEntry{
		TaskID:       task.ID,
		TaskSnapshot: snapshot,
		Reason:       reason,
		ErrorDetail:  &detail,
		Attempts:     attempts,
	})
	if err != nil {
		return fmt.Errorf("creating dead-letter entry: %w", err)
	}

	return appendTaskEvent(ctx, sp, model.OutboxEventTaskDeadLetter, task, &entry.ID)
}

func attemptHistory(ctx context.Context, sp StoreProvider, taskID int64) ([]model.AttemptRecord, error) {
	transitions, err := sp.Tasks().ListTransitions(ctx, taskID, 100)
	if err != nil {
		return nil, fmt.Errorf("listing transitions for attempt history: %w", err)
	}

	var attempts []model.AttemptRecord
	for _, t := range transitions {
		if t.ToStatus != model.TaskStatusFailed {
			continue
		}
		record := model.AttemptRecord{
			Attempt:  int32(len(attempts) + 1),
			FailedAt: t.CreatedAt,
		}
		if t.Reason != nil {
			record.Error = *t.Reason
		}
		attempts = append(attempts, record)
	}
	return attempts, nil
}

// appendTaskEvent writes the outbox event on the same transaction as the
// task change it announces.
func appendTaskEvent(ctx context.Context, sp StoreProvider, eventType model.OutboxEventType, task *model.Task, deadLetterID *int64) error {
	p := model.NewTaskEventPayload(task)
	p.DeadLetterID = deadLetterID

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling outbox payload: %w", err)
	}

	_, err = sp.Outbox().Append(ctx, &model.OutboxEvent{
		EventType:     eventType,
		AggregateType: "task",
		AggregateID:   task.ID,
		Payload:       payload,
	})
	return err
}
