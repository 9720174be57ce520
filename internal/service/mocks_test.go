package service_test

import (
	"context"
	"time"

	"mrpilot.dev/pipeline/internal/model"
	"mrpilot.dev/pipeline/internal/queue"
	"mrpilot.dev/pipeline/internal/service"
	"mrpilot.dev/pipeline/internal/store"
)

type mockTaskStore struct {
	createFn      func(ctx context.Context, task *model.Task) (*model.Task, error)
	getByIDFn     func(ctx context.Context, id int64) (*model.Task, error)
	transitionFn  func(ctx context.Context, id int64, to model.TaskStatus, opts ...model.TransitionOption) (*model.Task, error)
	supersedeFn   func(ctx context.Context, projectID, mergeRequestIID, newTaskID int64) ([]int64, error)
	createdTasks  []*model.Task
	transitionLog []model.TaskStatus
	lockedSubject [][2]int64
	ops           []string
}

func (m *mockTaskStore) Create(ctx context.Context, task *model.Task) (*model.Task, error) {
	m.ops = append(m.ops, "create")
	m.createdTasks = append(m.createdTasks, task)
	if m.createFn != nil {
		return m.createFn(ctx, task)
	}
	if task.Status == "" {
		task.Status = model.TaskStatusReceived
	}
	return task, nil
}

func (m *mockTaskStore) GetByID(ctx context.Context, id int64) (*model.Task, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *mockTaskStore) Transition(ctx context.Context, id int64, to model.TaskStatus, opts ...model.TransitionOption) (*model.Task, error) {
	m.ops = append(m.ops, "transition")
	m.transitionLog = append(m.transitionLog, to)
	if m.transitionFn != nil {
		return m.transitionFn(ctx, id, to, opts...)
	}
	return &model.Task{ID: id, Status: to}, nil
}

func (m *mockTaskStore) SupersedeOpenForSubject(ctx context.Context, projectID, mergeRequestIID, newTaskID int64) ([]int64, error) {
	m.ops = append(m.ops, "supersede")
	if m.supersedeFn != nil {
		return m.supersedeFn(ctx, projectID, mergeRequestIID, newTaskID)
	}
	return nil, nil
}

func (m *mockTaskStore) LockSubject(ctx context.Context, projectID, mergeRequestIID int64) error {
	m.ops = append(m.ops, "lock")
	m.lockedSubject = append(m.lockedSubject, [2]int64{projectID, mergeRequestIID})
	return nil
}

func (m *mockTaskStore) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int32) ([]model.Task, error) {
	return nil, nil
}

func (m *mockTaskStore) ListTransitions(ctx context.Context, taskID int64, limit int32) ([]model.Transition, error) {
	return nil, nil
}

type mockDeliveryStore struct {
	acceptFn func(ctx context.Context, entry *model.DeliveryEntry) (bool, *model.DeliveryEntry, error)
}

func (m *mockDeliveryStore) Accept(ctx context.Context, entry *model.DeliveryEntry) (bool, *model.DeliveryEntry, error) {
	if m.acceptFn != nil {
		return m.acceptFn(ctx, entry)
	}
	return true, entry, nil
}

type mockOutboxStore struct {
	appendFn func(ctx context.Context, event *model.OutboxEvent) (*model.OutboxEvent, error)
	appended []*model.OutboxEvent
}

func (m *mockOutboxStore) Append(ctx context.Context, event *model.OutboxEvent) (*model.OutboxEvent, error) {
	m.appended = append(m.appended, event)
	if m.appendFn != nil {
		return m.appendFn(ctx, event)
	}
	return event, nil
}

func (m *mockOutboxStore) GetByID(ctx context.Context, id int64) (*model.OutboxEvent, error) {
	return nil, store.ErrNotFound
}

func (m *mockOutboxStore) ClaimDue(ctx context.Context, now time.Time, limit int32) ([]model.OutboxEvent, error) {
	return nil, nil
}

func (m *mockOutboxStore) MarkDispatched(ctx context.Context, id int64, now time.Time) error {
	return nil
}

func (m *mockOutboxStore) ScheduleRetry(ctx context.Context, id int64, nextAt time.Time, errMsg string) error {
	return nil
}

func (m *mockOutboxStore) MarkFailed(ctx context.Context, id int64, now time.Time, errMsg string) error {
	return nil
}

func (m *mockOutboxStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	return 0, nil
}

type mockDeadLetterStore struct {
	getForResolveFn func(ctx context.Context, id int64) (*model.DeadLetterEntry, error)
	markRetriedFn   func(ctx context.Context, id int64, actor string, retryTaskID int64, now time.Time) error
	markDismissedFn func(ctx context.Context, id int64, actor string, now time.Time) error
	retriedCalls    int
	dismissedCalls  int
}

func (m *mockDeadLetterStore) Create(ctx context.Context, entry *model.DeadLetterEntry) (*model.DeadLetterEntry, error) {
	return entry, nil
}

func (m *mockDeadLetterStore) GetByID(ctx context.Context, id int64) (*model.DeadLetterEntry, error) {
	return nil, store.ErrNotFound
}

func (m *mockDeadLetterStore) GetForResolve(ctx context.Context, id int64) (*model.DeadLetterEntry, error) {
	if m.getForResolveFn != nil {
		return m.getForResolveFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *mockDeadLetterStore) MarkRetried(ctx context.Context, id int64, actor string, retryTaskID int64, now time.Time) error {
	m.retriedCalls++
	if m.markRetriedFn != nil {
		return m.markRetriedFn(ctx, id, actor, retryTaskID, now)
	}
	return nil
}

func (m *mockDeadLetterStore) MarkDismissed(ctx context.Context, id int64, actor string, now time.Time) error {
	m.dismissedCalls++
	if m.markDismissedFn != nil {
		return m.markDismissedFn(ctx, id, actor, now)
	}
	return nil
}

func (m *mockDeadLetterStore) List(ctx context.Context, filter store.DeadLetterFilter) ([]model.DeadLetterEntry, error) {
	return nil, nil
}

type mockStoreProvider struct {
	tasks       *mockTaskStore
	deliveries  *mockDeliveryStore
	outbox      *mockOutboxStore
	deadLetters *mockDeadLetterStore
}

func (m *mockStoreProvider) Tasks() store.TaskStore             { return m.tasks }
func (m *mockStoreProvider) Deliveries() store.DeliveryStore    { return m.deliveries }
func (m *mockStoreProvider) Outbox() store.OutboxStore          { return m.outbox }
func (m *mockStoreProvider) DeadLetters() store.DeadLetterStore { return m.deadLetters }

type mockTxRunner struct {
	provider *mockStoreProvider
	calls    int
}

func (m *mockTxRunner) WithTx(ctx context.Context, fn func(stores service.StoreProvider) error) error {
	m.calls++
	return fn(m.provider)
}

type mockQueueProducer struct {
	enqueueFn func(ctx context.Context, msg queue.TaskMessage) error
	enqueued  []queue.TaskMessage
}

func (m *mockQueueProducer) Enqueue(ctx context.Context, msg queue.TaskMessage) error {
	m.enqueued = append(m.enqueued, msg)
	if m.enqueueFn != nil {
		return m.enqueueFn(ctx, msg)
	}
	return nil
}

func (m *mockQueueProducer) Close() error {
	return nil
}
