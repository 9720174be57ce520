package webhook

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"mrpilot.dev/pipeline/common/logger"
	"mrpilot.dev/pipeline/core/config"
	"mrpilot.dev/pipeline/internal/model"
	"mrpilot.dev/pipeline/internal/service"
)

type GitLabWebhookHandler struct {
	ingest service.TriggerIngestService
	cfg    config.GitLabConfig
}

func NewGitLabWebhookHandler(ingest service.TriggerIngestService, cfg config.GitLabConfig) *GitLabWebhookHandler {
	return &GitLabWebhookHandler{
		ingest: ingest,
		cfg:    cfg,
	}
}

// HandleEvent turns a GitLab webhook delivery into a task. The event UUID
// header is the idempotency key: GitLab retries deliveries, and every retry
// carries the same UUID.
func (h *GitLabWebhookHandler) HandleEvent(c *gin.Context) {
	ctx := c.Request.Context()

	if h.cfg.WebhookSecret != "" {
		token := c.GetHeader("X-Gitlab-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.WebhookSecret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook token"})
			return
		}
	}

	deliveryID := c.GetHeader("X-Gitlab-Event-UUID")
	if deliveryID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-Gitlab-Event-UUID header"})
		return
	}

	var payload gitlabWebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		DeliveryID: &deliveryID,
		EventType:  &payload.ObjectKind,
	})

	params, ok := mapWebhookEvent(payload)
	if !ok {
		slog.InfoContext(ctx, "unsupported gitlab event, ignoring",
			"object_kind", payload.ObjectKind)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "event type not supported"})
		return
	}
	params.DeliveryID = deliveryID

	result, err := h.ingest.Ingest(ctx, params)
	if err != nil {
		slog.ErrorContext(ctx, "failed to ingest gitlab event",
			"error", err,
			"object_kind", payload.ObjectKind,
			"project_id", params.ProjectID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process event"})
		return
	}

	// A duplicate delivery can come back without a task when the original
	// task row is gone (for example, trimmed by retention).
	attrs := []any{
		"object_kind", payload.ObjectKind,
		"project_id", params.ProjectID,
		"task_type", params.TaskType,
		"duplicate", result.Duplicate,
		"enqueued", result.Enqueued,
		"superseded", len(result.Superseded),
	}
	resp := gin.H{
		"status":    "ok",
		"duplicate": result.Duplicate,
	}
	if result.Task != nil {
		attrs = append(attrs, "task_id", result.Task.ID)
		resp["task_id"] = result.Task.ID
	}

	slog.InfoContext(ctx, "gitlab webhook processed", attrs...)
	c.JSON(http.StatusOK, resp)
}

// mapWebhookEvent resolves the task type and subject from the event shape.
// Merge request events and notes on merge requests review code; issue events
// and notes on issues join the discussion. Everything else is ignored.
func mapWebhookEvent(payload gitlabWebhookPayload) (service.TriggerIngestParams, bool) {
	params := service.TriggerIngestParams{
		ProjectID: payload.Project.ID,
		EventType: payload.ObjectKind,
		Origin:    model.TaskOriginWebhook,
	}
	if params.EventType == "" {
		return params, false
	}

	switch payload.ObjectKind {
	case "merge_request":
		if payload.ObjectAttributes.IID == 0 {
			return params, false
		}
		params.TaskType = model.TaskTypeCodeReview
		iid := payload.ObjectAttributes.IID
		params.MergeRequestIID = &iid
		if payload.ObjectAttributes.LastCommit.ID != "" {
			sha := payload.ObjectAttributes.LastCommit.ID
			params.CommitSHA = &sha
		}

	case "issue":
		if payload.ObjectAttributes.IID == 0 {
			return params, false
		}
		params.TaskType = model.TaskTypeIssueDiscussion
		iid := payload.ObjectAttributes.IID
		params.IssueIID = &iid

	case "note":
		switch {
		case payload.MergeRequest.IID != 0:
			params.TaskType = model.TaskTypeCodeReview
			iid := payload.MergeRequest.IID
			params.MergeRequestIID = &iid
		case payload.Issue.IID != 0:
			params.TaskType = model.TaskTypeIssueDiscussion
			iid := payload.Issue.IID
			params.IssueIID = &iid
		default:
			return params, false
		}

	default:
		return params, false
	}

	if params.ProjectID == 0 {
		return params, false
	}

	return params, true
}

type gitlabWebhookPayload struct {
	ObjectKind string `json:"object_kind"`
	Project    struct {
		ID   int64  `json:"id"`
		Path string `json:"path_with_namespace"`
	} `json:"project"`
	User struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	ObjectAttributes struct {
		ID         int64  `json:"id"`
		IID        int64  `json:"iid"`
		Action     string `json:"action"`
		Note       string `json:"note"`
		LastCommit struct {
			ID string `json:"id"`
		} `json:"last_commit"`
	} `json:"object_attributes"`
	MergeRequest struct {
		IID int64 `json:"iid"`
	} `json:"merge_request"`
	Issue struct {
		IID int64 `json:"iid"`
	} `json:"issue"`
}
