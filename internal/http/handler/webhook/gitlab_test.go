package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"mrpilot.dev/pipeline/core/config"
	"mrpilot.dev/pipeline/internal/http/handler/webhook"
	"mrpilot.dev/pipeline/internal/model"
	"mrpilot.dev/pipeline/internal/service"
)

type mockIngestService struct {
	ingestFn func(ctx context.Context, params service.TriggerIngestParams) (*service.TriggerIngestResult, error)
	calls    []service.TriggerIngestParams
}

func (m *mockIngestService) Ingest(ctx context.Context, params service.TriggerIngestParams) (*service.TriggerIngestResult, error) {
	m.calls = append(m.calls, params)
	if m.ingestFn != nil {
		return m.ingestFn(ctx, params)
	}
	return &service.TriggerIngestResult{
		Task:     &model.Task{ID: 1001, Status: model.TaskStatusQueued},
		Enqueued: true,
	}, nil
}

func (m *mockIngestService) Activate(ctx context.Context, task *model.Task, traceID *string) (bool, error) {
	return true, nil
}

var _ = Describe("GitLabWebhookHandler", func() {
	var (
		router *gin.Engine
		ingest *mockIngestService
		cfg    config.GitLabConfig
	)

	gin.SetMode(gin.TestMode)

	mrPayload := map[string]any{
		"object_kind": "merge_request",
		"project":     map[string]any{"id": 100, "path_with_namespace": "acme/widgets"},
		"object_attributes": map[string]any{
			"iid":         42,
			"action":      "open",
			"last_commit": map[string]any{"id": "deadbeef"},
		},
	}

	post := func(payload any, headers map[string]string) *httptest.ResponseRecorder {
		body, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())

		req := httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	JustBeforeEach(func() {
		router = gin.New()
		handler := webhook.NewGitLabWebhookHandler(ingest, cfg)
		router.POST("/webhooks/gitlab", handler.HandleEvent)
	})

	BeforeEach(func() {
		ingest = &mockIngestService{}
		cfg = config.GitLabConfig{}
	})

	It("maps a merge request event to a code review task", func() {
		rec := post(mrPayload, map[string]string{"X-Gitlab-Event-UUID": "uuid-1"})

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(ingest.calls).To(HaveLen(1))

		params := ingest.calls[0]
		Expect(params.DeliveryID).To(Equal("uuid-1"))
		Expect(params.ProjectID).To(Equal(int64(100)))
		Expect(params.TaskType).To(Equal(model.TaskTypeCodeReview))
		Expect(params.Origin).To(Equal(model.TaskOriginWebhook))
		Expect(params.MergeRequestIID).To(HaveValue(Equal(int64(42))))
		Expect(params.CommitSHA).To(HaveValue(Equal("deadbeef")))

		var body map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body["task_id"]).To(BeEquivalentTo(1001))
		Expect(body["duplicate"]).To(BeFalse())
	})

	It("maps a note on a merge request to a code review task", func() {
		rec := post(map[string]any{
			"object_kind":       "note",
			"project":           map[string]any{"id": 100},
			"object_attributes": map[string]any{"note": "please re-review"},
			"merge_request":     map[string]any{"iid": 42},
		}, map[string]string{"X-Gitlab-Event-UUID": "uuid-2"})

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(ingest.calls).To(HaveLen(1))
		Expect(ingest.calls[0].TaskType).To(Equal(model.TaskTypeCodeReview))
		Expect(ingest.calls[0].MergeRequestIID).To(HaveValue(Equal(int64(42))))
	})

	It("maps a note on an issue to an issue discussion task", func() {
		rec := post(map[string]any{
			"object_kind": "note",
			"project":     map[string]any{"id": 100},
			"issue":       map[string]any{"iid": 7},
		}, map[string]string{"X-Gitlab-Event-UUID": "uuid-3"})

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(ingest.calls).To(HaveLen(1))
		Expect(ingest.calls[0].TaskType).To(Equal(model.TaskTypeIssueDiscussion))
		Expect(ingest.calls[0].IssueIID).To(HaveValue(Equal(int64(7))))
	})

	It("acknowledges but ignores unsupported event kinds", func() {
		rec := post(map[string]any{
			"object_kind": "pipeline",
			"project":     map[string]any{"id": 100},
		}, map[string]string{"X-Gitlab-Event-UUID": "uuid-4"})

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(ingest.calls).To(BeEmpty())

		var body map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body["message"]).To(Equal("event type not supported"))
	})

	It("rejects a delivery without the event UUID header", func() {
		rec := post(mrPayload, nil)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(ingest.calls).To(BeEmpty())
	})

	It("surfaces the duplicate flag for replayed deliveries", func() {
		ingest.ingestFn = func(_ context.Context, _ service.TriggerIngestParams) (*service.TriggerIngestResult, error) {
			return &service.TriggerIngestResult{
				Task:      &model.Task{ID: 555},
				Duplicate: true,
			}, nil
		}

		rec := post(mrPayload, map[string]string{"X-Gitlab-Event-UUID": "uuid-1"})

		Expect(rec.Code).To(Equal(http.StatusOK))
		var body map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body["duplicate"]).To(BeTrue())
		Expect(body["task_id"]).To(BeEquivalentTo(555))
	})

	It("answers a duplicate whose original task is gone without a task id", func() {
		ingest.ingestFn = func(_ context.Context, _ service.TriggerIngestParams) (*service.TriggerIngestResult, error) {
			return &service.TriggerIngestResult{Task: nil, Duplicate: true}, nil
		}

		rec := post(mrPayload, map[string]string{"X-Gitlab-Event-UUID": "uuid-1"})

		Expect(rec.Code).To(Equal(http.StatusOK))
		var body map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body["duplicate"]).To(BeTrue())
		Expect(body).NotTo(HaveKey("task_id"))
	})

	It("returns 500 when ingest fails", func() {
		ingest.ingestFn = func(_ context.Context, _ service.TriggerIngestParams) (*service.TriggerIngestResult, error) {
			return nil, errors.New("db down")
		}

		rec := post(mrPayload, map[string]string{"X-Gitlab-Event-UUID": "uuid-1"})

		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
	})

	Context("with a webhook secret configured", func() {
		BeforeEach(func() {
			cfg.WebhookSecret = "s3cret"
		})

		It("rejects a wrong token", func() {
			rec := post(mrPayload, map[string]string{
				"X-Gitlab-Event-UUID": "uuid-1",
				"X-Gitlab-Token":      "wrong",
			})

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(ingest.calls).To(BeEmpty())
		})

		It("accepts the right token", func() {
			rec := post(mrPayload, map[string]string{
				"X-Gitlab-Event-UUID": "uuid-1",
				"X-Gitlab-Token":      "s3cret",
			})

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(ingest.calls).To(HaveLen(1))
		})
	})
})
