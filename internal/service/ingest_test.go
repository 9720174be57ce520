package service_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"mrpilot.dev/pipeline/common/id"
	"mrpilot.dev/pipeline/internal/model"
	"mrpilot.dev/pipeline/internal/queue"
	"mrpilot.dev/pipeline/internal/service"
)

var _ = Describe("TriggerIngestService", func() {
	var (
		svc         service.TriggerIngestService
		tasks       *mockTaskStore
		deliveries  *mockDeliveryStore
		outbox      *mockOutboxStore
		deadLetters *mockDeadLetterStore
		producer    *mockQueueProducer
		txRunner    *mockTxRunner
		ctx         context.Context
	)

	mrIID := int64(42)

	validParams := func() service.TriggerIngestParams {
		return service.TriggerIngestParams{
			ProjectID:       100,
			DeliveryID:      "uuid-1",
			EventType:       "merge_request",
			TaskType:        model.TaskTypeCodeReview,
			Origin:          model.TaskOriginWebhook,
			MergeRequestIID: &mrIID,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		tasks = &mockTaskStore{}
		deliveries = &mockDeliveryStore{}
		outbox = &mockOutboxStore{}
		deadLetters = &mockDeadLetterStore{}
		producer = &mockQueueProducer{}

		err := id.Init(1)
		Expect(err).NotTo(HaveOccurred())

		provider := &mockStoreProvider{
			tasks:       tasks,
			deliveries:  deliveries,
			outbox:      outbox,
			deadLetters: deadLetters,
		}
		txRunner = &mockTxRunner{provider: provider}
		svc = service.NewTriggerIngestService(nil, txRunner, producer, nil)

		// Keep the task's identity through the queued transition.
		tasks.transitionFn = func(_ context.Context, taskID int64, to model.TaskStatus, _ ...model.TransitionOption) (*model.Task, error) {
			task := &model.Task{ID: taskID, Status: to}
			for _, created := range tasks.createdTasks {
				if created.ID == taskID {
					task.Type = created.Type
					task.ProjectID = created.ProjectID
					task.MergeRequestIID = created.MergeRequestIID
					task.Origin = created.Origin
				}
			}
			return task, nil
		}
	})

	Describe("Ingest", func() {
		It("creates, queues, and enqueues a task for a fresh delivery", func() {
			result, err := svc.Ingest(ctx, validParams())

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Duplicate).To(BeFalse())
			Expect(result.Enqueued).To(BeTrue())

			Expect(tasks.createdTasks).To(HaveLen(1))
			Expect(tasks.createdTasks[0].Type).To(Equal(model.TaskTypeCodeReview))
			Expect(tasks.createdTasks[0].ProjectID).To(Equal(int64(100)))

			Expect(tasks.transitionLog).To(Equal([]model.TaskStatus{model.TaskStatusQueued}))

			Expect(producer.enqueued).To(HaveLen(1))
			Expect(producer.enqueued[0].TaskID).To(Equal(result.Task.ID))
			Expect(producer.enqueued[0].ProjectID).To(Equal(int64(100)))
			Expect(producer.enqueued[0].TaskType).To(Equal(string(model.TaskTypeCodeReview)))
			Expect(producer.enqueued[0].Attempt).To(Equal(1))
		})

		It("treats a replayed delivery as a no-op", func() {
			existing := &model.DeliveryEntry{ProjectID: 100, DeliveryID: "uuid-1", TaskID: 555}
			deliveries.acceptFn = func(_ context.Context, _ *model.DeliveryEntry) (bool, *model.DeliveryEntry, error) {
				return false, existing, nil
			}
			tasks.getByIDFn = func(_ context.Context, taskID int64) (*model.Task, error) {
				Expect(taskID).To(Equal(int64(555)))
				return &model.Task{ID: 555, Status: model.TaskStatusRunning}, nil
			}

			result, err := svc.Ingest(ctx, validParams())

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Duplicate).To(BeTrue())
			Expect(result.Enqueued).To(BeFalse())
			Expect(result.Task.ID).To(Equal(int64(555)))

			Expect(tasks.createdTasks).To(BeEmpty())
			Expect(tasks.transitionLog).To(BeEmpty())
			Expect(producer.enqueued).To(BeEmpty())
		})

		It("supersedes older open tasks and announces each one", func() {
			tasks.supersedeFn = func(_ context.Context, projectID, mergeRequestIID, newTaskID int64) ([]int64, error) {
				Expect(projectID).To(Equal(int64(100)))
				Expect(mergeRequestIID).To(Equal(mrIID))
				return []int64{11, 12}, nil
			}
			tasks.getByIDFn = func(_ context.Context, taskID int64) (*model.Task, error) {
				newID := int64(999)
				return &model.Task{
					ID:           taskID,
					ProjectID:    100,
					Status:       model.TaskStatusSuperseded,
					SupersededBy: &newID,
				}, nil
			}

			result, err := svc.Ingest(ctx, validParams())

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Superseded).To(Equal([]int64{11, 12}))

			Expect(outbox.appended).To(HaveLen(2))
			for _, event := range outbox.appended {
				Expect(event.EventType).To(Equal(model.OutboxEventTaskSuperseded))
				Expect(event.AggregateType).To(Equal("task"))
			}
			Expect(outbox.appended[0].AggregateID).To(Equal(int64(11)))
			Expect(outbox.appended[1].AggregateID).To(Equal(int64(12)))
		})

		It("queues the task in the same transaction that creates and supersedes, under the subject lock", func() {
			result, err := svc.Ingest(ctx, validParams())

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Enqueued).To(BeTrue())

			// One transaction end to end: a racing trigger for the same
			// subject blocks on the advisory lock until the queued row is
			// committed, so it can never miss this task during supersession.
			Expect(txRunner.calls).To(Equal(1))
			Expect(tasks.lockedSubject).To(Equal([][2]int64{{100, 42}}))
			Expect(tasks.ops).To(Equal([]string{"lock", "create", "supersede", "transition"}))
		})

		It("still succeeds when the enqueue fails, leaving the task queued", func() {
			producer.enqueueFn = func(_ context.Context, _ queue.TaskMessage) error {
				return errors.New("redis down")
			}

			result, err := svc.Ingest(ctx, validParams())

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Enqueued).To(BeFalse())
			Expect(tasks.transitionLog).To(Equal([]model.TaskStatus{model.TaskStatusQueued}))
		})

		It("rejects an unknown task type", func() {
			params := validParams()
			params.TaskType = "cleanup"

			_, err := svc.Ingest(ctx, params)
			Expect(err).To(MatchError(ContainSubstring("unknown task_type")))
		})

		It("rejects code review without a merge request", func() {
			params := validParams()
			params.MergeRequestIID = nil

			_, err := svc.Ingest(ctx, params)
			Expect(err).To(MatchError(ContainSubstring("merge_request_iid is required")))
		})

		It("rejects a missing delivery id", func() {
			params := validParams()
			params.DeliveryID = ""

			_, err := svc.Ingest(ctx, params)
			Expect(err).To(HaveOccurred())
			Expect(tasks.createdTasks).To(BeEmpty())
		})
	})
})
