package service_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"mrpilot.dev/pipeline/common/id"
	"mrpilot.dev/pipeline/internal/model"
	"mrpilot.dev/pipeline/internal/service"
)

var _ = Describe("DeadLetterService", func() {
	var (
		svc         service.DeadLetterService
		tasks       *mockTaskStore
		deadLetters *mockDeadLetterStore
		producer    *mockQueueProducer
		ctx         context.Context
	)

	mrIID := int64(42)

	snapshotEntry := func() *model.DeadLetterEntry {
		snapshot, err := json.Marshal(&model.Task{
			ID:              321,
			Type:            model.TaskTypeCodeReview,
			Origin:          model.TaskOriginWebhook,
			Status:          model.TaskStatusFailed,
			ProjectID:       100,
			MergeRequestIID: &mrIID,
		})
		Expect(err).NotTo(HaveOccurred())
		return &model.DeadLetterEntry{
			ID:           9000,
			TaskID:       321,
			Reason:       model.FailureReasonRetryExhaustion,
			TaskSnapshot: snapshot,
			CreatedAt:    time.Now().Add(-time.Hour),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		tasks = &mockTaskStore{}
		deadLetters = &mockDeadLetterStore{}
		producer = &mockQueueProducer{}

		err := id.Init(1)
		Expect(err).NotTo(HaveOccurred())

		provider := &mockStoreProvider{
			tasks:       tasks,
			deliveries:  &mockDeliveryStore{},
			outbox:      &mockOutboxStore{},
			deadLetters: deadLetters,
		}
		txRunner := &mockTxRunner{provider: provider}
		activator := service.NewTriggerIngestService(nil, txRunner, producer, nil)
		svc = service.NewDeadLetterService(nil, txRunner, activator, nil)
	})

	Describe("Retry", func() {
		It("spawns a fresh task from the snapshot and activates it", func() {
			entry := snapshotEntry()
			deadLetters.getForResolveFn = func(_ context.Context, entryID int64) (*model.DeadLetterEntry, error) {
				Expect(entryID).To(Equal(int64(9000)))
				return entry, nil
			}

			var retryTaskID int64
			deadLetters.markRetriedFn = func(_ context.Context, entryID int64, actor string, taskID int64, _ time.Time) error {
				Expect(entryID).To(Equal(int64(9000)))
				Expect(actor).To(Equal("oncall"))
				retryTaskID = taskID
				return nil
			}

			newTask, err := svc.Retry(ctx, 9000, "oncall")

			Expect(err).NotTo(HaveOccurred())
			Expect(newTask.ID).NotTo(Equal(int64(321)))
			Expect(newTask.ID).To(Equal(retryTaskID))
			Expect(newTask.Status).To(Equal(model.TaskStatusQueued))

			Expect(tasks.createdTasks).To(HaveLen(1))
			created := tasks.createdTasks[0]
			Expect(created.Type).To(Equal(model.TaskTypeCodeReview))
			Expect(created.ProjectID).To(Equal(int64(100)))
			Expect(created.MergeRequestIID).To(HaveValue(Equal(mrIID)))
			Expect(created.RetryCount).To(BeZero())

			Expect(deadLetters.retriedCalls).To(Equal(1))
			Expect(producer.enqueued).To(HaveLen(1))
			Expect(producer.enqueued[0].TaskID).To(Equal(newTask.ID))
		})

		It("refuses an already retried entry", func() {
			entry := snapshotEntry()
			entry.Retried = true
			deadLetters.getForResolveFn = func(_ context.Context, _ int64) (*model.DeadLetterEntry, error) {
				return entry, nil
			}

			_, err := svc.Retry(ctx, 9000, "oncall")

			Expect(err).To(MatchError(service.ErrAlreadyResolved))
			Expect(tasks.createdTasks).To(BeEmpty())
			Expect(deadLetters.retriedCalls).To(BeZero())
			Expect(producer.enqueued).To(BeEmpty())
		})

		It("refuses a dismissed entry", func() {
			entry := snapshotEntry()
			entry.Dismissed = true
			deadLetters.getForResolveFn = func(_ context.Context, _ int64) (*model.DeadLetterEntry, error) {
				return entry, nil
			}

			_, err := svc.Retry(ctx, 9000, "oncall")

			Expect(err).To(MatchError(service.ErrAlreadyResolved))
			Expect(tasks.createdTasks).To(BeEmpty())
		})
	})

	Describe("Dismiss", func() {
		It("marks an unresolved entry dismissed", func() {
			entry := snapshotEntry()
			deadLetters.getForResolveFn = func(_ context.Context, _ int64) (*model.DeadLetterEntry, error) {
				return entry, nil
			}
			deadLetters.markDismissedFn = func(_ context.Context, entryID int64, actor string, _ time.Time) error {
				Expect(entryID).To(Equal(int64(9000)))
				Expect(actor).To(Equal("oncall"))
				return nil
			}

			Expect(svc.Dismiss(ctx, 9000, "oncall")).To(Succeed())
			Expect(deadLetters.dismissedCalls).To(Equal(1))
		})

		It("refuses an already resolved entry", func() {
			entry := snapshotEntry()
			entry.Retried = true
			deadLetters.getForResolveFn = func(_ context.Context, _ int64) (*model.DeadLetterEntry, error) {
				return entry, nil
			}

			err := svc.Dismiss(ctx, 9000, "oncall")

			Expect(err).To(MatchError(service.ErrAlreadyResolved))
			Expect(deadLetters.dismissedCalls).To(BeZero())
		})
	})
})
