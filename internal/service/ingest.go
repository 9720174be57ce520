package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"mrpilot.dev/pipeline/common/id"
	"mrpilot.dev/pipeline/internal/model"
	"mrpilot.dev/pipeline/internal/queue"
	"mrpilot.dev/pipeline/internal/store"
)

type TriggerIngestParams struct {
	ProjectID  int64              `json:"project_id"`
	DeliveryID string             `json:"delivery_id"`
	EventType  string             `json:"event_type"`
	TaskType   model.TaskType     `json:"task_type"`
	Origin     model.TaskOrigin   `json:"origin"`
	Priority   model.TaskPriority `json:"priority,omitempty"`

	MergeRequestIID *int64  `json:"merge_request_iid,omitempty"`
	IssueIID        *int64  `json:"issue_iid,omitempty"`
	CommitSHA       *string `json:"commit_sha,omitempty"`

	TraceID *string `json:"trace_id,omitempty"`
}

type TriggerIngestResult struct {
	Task       *model.Task
	Duplicate  bool
	Enqueued   bool
	Superseded []int64
}

type TriggerIngestService interface {
	Ingest(ctx context.Context, params TriggerIngestParams) (*TriggerIngestResult, error)

	// Activate moves a received task to queued and enqueues it for
	// execution. Used by ingest itself and by dead-letter retry.
	Activate(ctx context.Context, task *model.Task, traceID *string) (bool, error)
}

type triggerIngestService struct {
	stores   *store.Stores
	txRunner TxRunner
	queue    queue.Producer
	logger   *slog.Logger
}

func NewTriggerIngestService(stores *store.Stores, txRunner TxRunner, queue queue.Producer, logger *slog.Logger) TriggerIngestService {
	if logger == nil {
		logger = slog.Default()
	}
	return &triggerIngestService{
		stores:   stores,
		txRunner: txRunner,
		queue:    queue,
		logger:   logger,
	}
}

// Ingest records the delivery, creates the task, supersedes older open tasks
// on the same merge request, and queues the new task, all in one transaction
// under the subject's advisory lock. The lock is what makes supersession
// airtight: without it two racing triggers each see the other's task as an
// uncommitted received row, and both commit queued. A delivery already
// present in the ledger is a no-op that returns the task it originally
// produced. Only the Redis enqueue happens after commit, so a crash
// mid-ingest never leaves a stream entry pointing at an uncommitted task.
func (s *triggerIngestService) Ingest(ctx context.Context, params TriggerIngestParams) (*TriggerIngestResult, error) {
	if params.ProjectID == 0 || params.DeliveryID == "" || params.EventType == "" {
		return nil, fmt.Errorf("project_id, delivery_id, and event_type are required")
	}
	if !params.TaskType.Valid() {
		return nil, fmt.Errorf("unknown task_type %q", params.TaskType)
	}
	if params.TaskType == model.TaskTypeCodeReview && params.MergeRequestIID == nil {
		return nil, fmt.Errorf("merge_request_iid is required for %s tasks", params.TaskType)
	}

	taskID := id.New()

	var (
		task       *model.Task
		duplicate  bool
		superseded []int64
	)

	if err := s.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		if params.MergeRequestIID != nil {
			if err := sp.Tasks().LockSubject(ctx, params.ProjectID, *params.MergeRequestIID); err != nil {
				return err
			}
		}

		accepted, existing, err := sp.Deliveries().Accept(ctx, &model.DeliveryEntry{
			ProjectID:  params.ProjectID,
			DeliveryID: params.DeliveryID,
			EventType:  params.EventType,
			TaskID:     taskID,
		})
		if err != nil {
			return err
		}
		if !accepted {
			duplicate = true
			task, err = sp.Tasks().GetByID(ctx, existing.TaskID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("fetching original task for duplicate delivery: %w", err)
			}
			return nil
		}

		task, err = sp.Tasks().Create(ctx, &model.Task{
			ID:              taskID,
			Type:            params.TaskType,
			Origin:          params.Origin,
			Priority:        params.Priority,
			ProjectID:       params.ProjectID,
			MergeRequestIID: params.MergeRequestIID,
			IssueIID:        params.IssueIID,
			CommitSHA:       params.CommitSHA,
		})
		if err != nil {
			return err
		}

		if params.MergeRequestIID != nil {
			superseded, err = sp.Tasks().SupersedeOpenForSubject(ctx, params.ProjectID, *params.MergeRequestIID, taskID)
			if err != nil {
				return err
			}
			for _, oldID := range superseded {
				if err := appendTaskEvent(ctx, sp, model.OutboxEventTaskSuperseded, oldID); err != nil {
					return err
				}
			}
		}

		// Queued in the same transaction as create and supersede: a
		// concurrent trigger for the subject blocks on the advisory lock
		// until this commit, then sees the queued row and supersedes it.
		task, err = sp.Tasks().Transition(ctx, taskID, model.TaskStatusQueued)
		return err
	}); err != nil {
		return nil, err
	}

	if duplicate {
		s.logger.InfoContext(ctx, "duplicate delivery deduped",
			"project_id", params.ProjectID,
			"delivery_id", params.DeliveryID,
			"event_type", params.EventType)
		return &TriggerIngestResult{Task: task, Duplicate: true}, nil
	}

	return &TriggerIngestResult{
		Task:       task,
		Enqueued:   s.enqueue(ctx, task, params.TraceID),
		Superseded: superseded,
	}, nil
}

// Activate queues a task that was created outside the ingest path (dead-letter
// retry). It runs under the same subject lock and supersession rules as
// ingest so the one-open-task-per-subject invariant holds no matter how the
// task was born.
func (s *triggerIngestService) Activate(ctx context.Context, task *model.Task, traceID *string) (bool, error) {
	var queuedTask *model.Task
	if err := s.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		if task.MergeRequestIID != nil {
			if err := sp.Tasks().LockSubject(ctx, task.ProjectID, *task.MergeRequestIID); err != nil {
				return err
			}
			superseded, err := sp.Tasks().SupersedeOpenForSubject(ctx, task.ProjectID, *task.MergeRequestIID, task.ID)
			if err != nil {
				return err
			}
			for _, oldID := range superseded {
				if err := appendTaskEvent(ctx, sp, model.OutboxEventTaskSuperseded, oldID); err != nil {
					return err
				}
			}
		}

		var err error
		queuedTask, err = sp.Tasks().Transition(ctx, task.ID, model.TaskStatusQueued)
		return err
	}); err != nil {
		return false, fmt.Errorf("queueing task: %w", err)
	}
	*task = *queuedTask

	return s.enqueue(ctx, task, traceID), nil
}

// enqueue pushes a queued task onto the stream. Failure is not fatal: the
// task stays queued and the scheduling watchdog times it out if no worker
// ever picks it up.
func (s *triggerIngestService) enqueue(ctx context.Context, task *model.Task, traceID *string) bool {
	if err := s.queue.Enqueue(ctx, queue.TaskMessage{
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		TaskType:  string(task.Type),
		EventType: string(task.Origin),
		TraceID:   traceID,
		Attempt:   1,
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to enqueue queued task, watchdog will reap it",
			"error", err,
			"task_id", task.ID)
		return false
	}
	return true
}

// appendTaskEvent snapshots the task's current row into an outbox event.
// Must run on the same transaction that changed the task.
func appendTaskEvent(ctx context.Context, sp StoreProvider, eventType model.OutboxEventType, taskID int64) error {
	task, err := sp.Tasks().GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("fetching task for outbox event: %w", err)
	}

	payload, err := json.Marshal(model.NewTaskEventPayload(task))
	if err != nil {
		return fmt.Errorf("marshaling outbox payload: %w", err)
	}

	_, err = sp.Outbox().Append(ctx, &model.OutboxEvent{
		EventType:     eventType,
		AggregateType: "task",
		AggregateID:   taskID,
		Payload:       payload,
	})
	return err
}
