package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mrpilot.dev/pipeline/common/id"
	"mrpilot.dev/pipeline/internal/model"
	"mrpilot.dev/pipeline/internal/store"
)

// ErrAlreadyResolved signals that the dead-letter entry was already retried
// or dismissed. Retry and dismiss are mutually exclusive and each happens at
// most once.
var ErrAlreadyResolved = errors.New("dead-letter entry already resolved")

type DeadLetterService interface {
	Get(ctx context.Context, entryID int64) (*model.DeadLetterEntry, error)
	List(ctx context.Context, filter store.DeadLetterFilter) ([]model.DeadLetterEntry, error)

	// Retry spawns a fresh task from the entry's snapshot and activates it.
	// The original task stays in its terminal state.
	Retry(ctx context.Context, entryID int64, actor string) (*model.Task, error)

	// Dismiss closes the entry without further work.
	Dismiss(ctx context.Context, entryID int64, actor string) error
}

type deadLetterService struct {
	stores    *store.Stores
	txRunner  TxRunner
	activator TriggerIngestService
	logger    *slog.Logger
}

func NewDeadLetterService(stores *store.Stores, txRunner TxRunner, activator TriggerIngestService, logger *slog.Logger) DeadLetterService {
	if logger == nil {
		logger = slog.Default()
	}
	return &deadLetterService{
		stores:    stores,
		txRunner:  txRunner,
		activator: activator,
		logger:    logger,
	}
}

func (s *deadLetterService) Get(ctx context.Context, entryID int64) (*model.DeadLetterEntry, error) {
	return s.stores.DeadLetters().GetByID(ctx, entryID)
}

func (s *deadLetterService) List(ctx context.Context, filter store.DeadLetterFilter) ([]model.DeadLetterEntry, error) {
	return s.stores.DeadLetters().List(ctx, filter)
}

func (s *deadLetterService) Retry(ctx context.Context, entryID int64, actor string) (*model.Task, error) {
	var newTask *model.Task

	if err := s.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		entry, err := sp.DeadLetters().GetForResolve(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Resolved() {
			return ErrAlreadyResolved
		}

		var snapshot model.Task
		if err := json.Unmarshal(entry.TaskSnapshot, &snapshot); err != nil {
			return fmt.Errorf("unmarshaling task snapshot: %w", err)
		}

		// A brand-new task with the snapshot's subject, not a resurrection
		// of the old row. Retry budget starts over.
		newTask, err = sp.Tasks().Create(ctx, &model.Task{
			ID:              id.New(),
			Type:            snapshot.Type,
			Origin:          snapshot.Origin,
			Priority:        snapshot.Priority,
			ProjectID:       snapshot.ProjectID,
			MergeRequestIID: snapshot.MergeRequestIID,
			IssueIID:        snapshot.IssueIID,
			CommitSHA:       snapshot.CommitSHA,
		})
		if err != nil {
			return err
		}

		return sp.DeadLetters().MarkRetried(ctx, entryID, actor, newTask.ID, time.Now())
	}); err != nil {
		return nil, err
	}

	enqueued, err := s.activator.Activate(ctx, newTask, nil)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "dead-letter entry retried",
		"entry_id", entryID,
		"retry_task_id", newTask.ID,
		"actor", actor,
		"enqueued", enqueued)
	return newTask, nil
}

func (s *deadLetterService) Dismiss(ctx context.Context, entryID int64, actor string) error {
	if err := s.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		entry, err := sp.DeadLetters().GetForResolve(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Resolved() {
			return ErrAlreadyResolved
		}
		return sp.DeadLetters().MarkDismissed(ctx, entryID, actor, time.Now())
	}); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "dead-letter entry dismissed",
		"entry_id", entryID,
		"actor", actor)
	return nil
}
