package worker_test

import (
	"context"
	"time"

	"mrpilot.dev/pipeline/internal/model"
	"mrpilot.dev/pipeline/internal/store"
	"mrpilot.dev/pipeline/internal/worker"
)

type fakeTaskStore struct {
	transitionFn      func(ctx context.Context, id int64, to model.TaskStatus, opts ...model.TransitionOption) (*model.Task, error)
	listQueuedFn      func(ctx context.Context, cutoff time.Time, limit int32) ([]model.Task, error)
	listTransitionsFn func(ctx context.Context, taskID int64, limit int32) ([]model.Transition, error)
	transitionLog     []model.TaskStatus
}

func (f *fakeTaskStore) Create(ctx context.Context, task *model.Task) (*model.Task, error) {
	return task, nil
}

func (f *fakeTaskStore) GetByID(ctx context.Context, id int64) (*model.Task, error) {
	return nil, store.ErrNotFound
}

func (f *fakeTaskStore) Transition(ctx context.Context, id int64, to model.TaskStatus, opts ...model.TransitionOption) (*model.Task, error) {
	f.transitionLog = append(f.transitionLog, to)
	if f.transitionFn != nil {
		return f.transitionFn(ctx, id, to, opts...)
	}
	return &model.Task{ID: id, Status: to}, nil
}

func (f *fakeTaskStore) SupersedeOpenForSubject(ctx context.Context, projectID, mergeRequestIID, newTaskID int64) ([]int64, error) {
	return nil, nil
}

func (f *fakeTaskStore) LockSubject(ctx context.Context, projectID, mergeRequestIID int64) error {
	return nil
}

func (f *fakeTaskStore) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int32) ([]model.Task, error) {
	if f.listQueuedFn != nil {
		return f.listQueuedFn(ctx, cutoff, limit)
	}
	return nil, nil
}

func (f *fakeTaskStore) ListTransitions(ctx context.Context, taskID int64, limit int32) ([]model.Transition, error) {
	if f.listTransitionsFn != nil {
		return f.listTransitionsFn(ctx, taskID, limit)
	}
	return nil, nil
}

type fakeDeliveryStore struct{}

func (f *fakeDeliveryStore) Accept(ctx context.Context, entry *model.DeliveryEntry) (bool, *model.DeliveryEntry, error) {
	return true, entry, nil
}

type retryCall struct {
	id     int64
	nextAt time.Time
	errMsg string
}

type fakeOutboxStore struct {
	claimFn      func(ctx context.Context, now time.Time, limit int32) ([]model.OutboxEvent, error)
	appended     []*model.OutboxEvent
	dispatched   []int64
	retries      []retryCall
	failed       []int64
	released     []time.Time
	releaseCount int64
}

func (f *fakeOutboxStore) Append(ctx context.Context, event *model.OutboxEvent) (*model.OutboxEvent, error) {
	f.appended = append(f.appended, event)
	return event, nil
}

func (f *fakeOutboxStore) GetByID(ctx context.Context, id int64) (*model.OutboxEvent, error) {
	return nil, store.ErrNotFound
}

func (f *fakeOutboxStore) ClaimDue(ctx context.Context, now time.Time, limit int32) ([]model.OutboxEvent, error) {
	if f.claimFn != nil {
		return f.claimFn(ctx, now, limit)
	}
	return nil, nil
}

func (f *fakeOutboxStore) MarkDispatched(ctx context.Context, id int64, now time.Time) error {
	f.dispatched = append(f.dispatched, id)
	return nil
}

func (f *fakeOutboxStore) ScheduleRetry(ctx context.Context, id int64, nextAt time.Time, errMsg string) error {
	f.retries = append(f.retries, retryCall{id: id, nextAt: nextAt, errMsg: errMsg})
	return nil
}

func (f *fakeOutboxStore) MarkFailed(ctx context.Context, id int64, now time.Time, errMsg string) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeOutboxStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	f.released = append(f.released, claimedBefore)
	return f.releaseCount, nil
}

type fakeDeadLetterStore struct {
	created []*model.DeadLetterEntry
}

func (f *fakeDeadLetterStore) Create(ctx context.Context, entry *model.DeadLetterEntry) (*model.DeadLetterEntry, error) {
	if entry.ID == 0 {
		entry.ID = int64(len(f.created) + 1)
	}
	f.created = append(f.created, entry)
	return entry, nil
}

func (f *fakeDeadLetterStore) GetByID(ctx context.Context, id int64) (*model.DeadLetterEntry, error) {
	return nil, store.ErrNotFound
}

func (f *fakeDeadLetterStore) GetForResolve(ctx context.Context, id int64) (*model.DeadLetterEntry, error) {
	return nil, store.ErrNotFound
}

func (f *fakeDeadLetterStore) MarkRetried(ctx context.Context, id int64, actor string, retryTaskID int64, now time.Time) error {
	return nil
}

func (f *fakeDeadLetterStore) MarkDismissed(ctx context.Context, id int64, actor string, now time.Time) error {
	return nil
}

func (f *fakeDeadLetterStore) List(ctx context.Context, filter store.DeadLetterFilter) ([]model.DeadLetterEntry, error) {
	return nil, nil
}

type fakeProvider struct {
	tasks       *fakeTaskStore
	deliveries  *fakeDeliveryStore
	outbox      *fakeOutboxStore
	deadLetters *fakeDeadLetterStore
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		tasks:       &fakeTaskStore{},
		deliveries:  &fakeDeliveryStore{},
		outbox:      &fakeOutboxStore{},
		deadLetters: &fakeDeadLetterStore{},
	}
}

func (f *fakeProvider) Tasks() store.TaskStore             { return f.tasks }
func (f *fakeProvider) Deliveries() store.DeliveryStore    { return f.deliveries }
func (f *fakeProvider) Outbox() store.OutboxStore          { return f.outbox }
func (f *fakeProvider) DeadLetters() store.DeadLetterStore { return f.deadLetters }

type fakeTxRunner struct {
	provider *fakeProvider
}

func (f *fakeTxRunner) WithTx(ctx context.Context, fn func(stores worker.StoreProvider) error) error {
	return fn(f.provider)
}

// fakeSink fails delivery for every event ID present in failWith.
type fakeSink struct {
	failWith  map[int64]error
	delivered []int64
}

func (f *fakeSink) Deliver(ctx context.Context, event model.OutboxEvent) error {
	if err, ok := f.failWith[event.ID]; ok {
		return err
	}
	f.delivered = append(f.delivered, event.ID)
	return nil
}
