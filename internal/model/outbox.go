package model

import (
	"encoding/json"
	"time"
)

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusDispatched OutboxStatus = "dispatched"
	OutboxStatusFailed     OutboxStatus = "failed"
)

type OutboxEventType string

const (
	OutboxEventTaskCompleted  OutboxEventType = "task.completed"
	OutboxEventTaskFailed     OutboxEventType = "task.failed"
	OutboxEventTaskSuperseded OutboxEventType = "task.superseded"
	OutboxEventTaskDeadLetter OutboxEventType = "task.dead_lettered"
)

// TaskEventPayload is the envelope carried by task lifecycle events.
type TaskEventPayload struct {
	TaskID          int64   `json:"task_id"`
	ProjectID       int64   `json:"project_id"`
	TaskType        string  `json:"task_type"`
	Status          string  `json:"status"`
	MergeRequestIID *int64  `json:"merge_request_iid,omitempty"`
	IssueIID        *int64  `json:"issue_iid,omitempty"`
	ErrorReason     *string `json:"error_reason,omitempty"`
	SupersededBy    *int64  `json:"superseded_by,omitempty"`
	DeadLetterID    *int64  `json:"dead_letter_id,omitempty"`
}

func NewTaskEventPayload(task *Task) TaskEventPayload {
	return TaskEventPayload{
		TaskID:          task.ID,
		ProjectID:       task.ProjectID,
		TaskType:        string(task.Type),
		Status:          string(task.Status),
		MergeRequestIID: task.MergeRequestIID,
		IssueIID:        task.IssueIID,
		ErrorReason:     task.ErrorReason,
		SupersededBy:    task.SupersededBy,
	}
}

// OutboxEvent is one promise to deliver a side effect. The row is written in
// the same transaction as the state change it announces; delivery is
// at-least-once, so consumers must treat a duplicate event id as a no-op.
type OutboxEvent struct {
	ID            int64           `json:"id"`
	EventType     OutboxEventType `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   int64           `json:"aggregate_id"`
	SchemaVersion int32           `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`

	Status      OutboxStatus `json:"status"`
	Attempts    int32        `json:"attempts"`
	AvailableAt time.Time    `json:"available_at"`
	ClaimedAt   *time.Time   `json:"claimed_at,omitempty"`
	LastError   *string      `json:"last_error,omitempty"`

	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
