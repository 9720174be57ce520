package dto

import (
	"encoding/json"
	"time"

	"mrpilot.dev/pipeline/internal/model"
)

type TaskResponse struct {
	ID              int64   `json:"id"`
	Type            string  `json:"type"`
	Origin          string  `json:"origin"`
	Priority        string  `json:"priority"`
	ProjectID       int64   `json:"project_id"`
	MergeRequestIID *int64  `json:"merge_request_iid,omitempty"`
	IssueIID        *int64  `json:"issue_iid,omitempty"`
	CommitSHA       *string `json:"commit_sha,omitempty"`

	Status       string  `json:"status"`
	RetryCount   int32   `json:"retry_count"`
	ErrorReason  *string `json:"error_reason,omitempty"`
	SupersededBy *int64  `json:"superseded_by,omitempty"`

	Result              json.RawMessage `json:"result,omitempty"`
	ResultSchemaVersion int32           `json:"result_schema_version"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func FromTask(task *model.Task) TaskResponse {
	return TaskResponse{
		ID:                  task.ID,
		Type:                string(task.Type),
		Origin:              string(task.Origin),
		Priority:            string(task.Priority),
		ProjectID:           task.ProjectID,
		MergeRequestIID:     task.MergeRequestIID,
		IssueIID:            task.IssueIID,
		CommitSHA:           task.CommitSHA,
		Status:              string(task.Status),
		RetryCount:          task.RetryCount,
		ErrorReason:         task.ErrorReason,
		SupersededBy:        task.SupersededBy,
		Result:              task.Result,
		ResultSchemaVersion: task.ResultSchemaVersion,
		StartedAt:           task.StartedAt,
		CompletedAt:         task.CompletedAt,
		CreatedAt:           task.CreatedAt,
		UpdatedAt:           task.UpdatedAt,
	}
}

type TransitionResponse struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Reason     *string   `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func FromTransitions(transitions []model.Transition) []TransitionResponse {
	out := make([]TransitionResponse, len(transitions))
	for i, t := range transitions {
		out[i] = TransitionResponse{
			ID:         t.ID,
			TaskID:     t.TaskID,
			FromStatus: string(t.FromStatus),
			ToStatus:   string(t.ToStatus),
			Reason:     t.Reason,
			CreatedAt:  t.CreatedAt,
		}
	}
	return out
}
