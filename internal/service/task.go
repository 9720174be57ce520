package service

import (
	"context"

	"mrpilot.dev/pipeline/internal/model"
	"mrpilot.dev/pipeline/internal/store"
)

// TaskService is the read side for operator inspection.
type TaskService interface {
	Get(ctx context.Context, taskID int64) (*model.Task, error)
	History(ctx context.Context, taskID int64, limit int32) ([]model.Transition, error)
}

type taskService struct {
	stores *store.Stores
}

func NewTaskService(stores *store.Stores) TaskService {
	return &taskService{stores: stores}
}

func (s *taskService) Get(ctx context.Context, taskID int64) (*model.Task, error) {
	return s.stores.Tasks().GetByID(ctx, taskID)
}

func (s *taskService) History(ctx context.Context, taskID int64, limit int32) ([]model.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	if _, err := s.stores.Tasks().GetByID(ctx, taskID); err != nil {
		return nil, err
	}
	return s.stores.Tasks().ListTransitions(ctx, taskID, limit)
}
