package dto

import (
	"encoding/json"
	"time"

	"mrpilot.dev/pipeline/internal/model"
)

type DeadLetterResponse struct {
	ID           int64                 `json:"id"`
	TaskID       int64                 `json:"task_id"`
	TaskSnapshot json.RawMessage       `json:"task_snapshot"`
	Reason       string                `json:"reason"`
	ErrorDetail  *string               `json:"error_detail,omitempty"`
	Attempts     []model.AttemptRecord `json:"attempts,omitempty"`

	Dismissed   bool       `json:"dismissed"`
	DismissedBy *string    `json:"dismissed_by,omitempty"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`

	Retried     bool       `json:"retried"`
	RetriedBy   *string    `json:"retried_by,omitempty"`
	RetriedAt   *time.Time `json:"retried_at,omitempty"`
	RetryTaskID *int64     `json:"retry_task_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func FromDeadLetter(entry *model.DeadLetterEntry) DeadLetterResponse {
	return DeadLetterResponse{
		ID:           entry.ID,
		TaskID:       entry.TaskID,
		TaskSnapshot: entry.TaskSnapshot,
		Reason:       string(entry.Reason),
		ErrorDetail:  entry.ErrorDetail,
		Attempts:     entry.Attempts,
		Dismissed:    entry.Dismissed,
		DismissedBy:  entry.DismissedBy,
		DismissedAt:  entry.DismissedAt,
		Retried:      entry.Retried,
		RetriedBy:    entry.RetriedBy,
		RetriedAt:    entry.RetriedAt,
		RetryTaskID:  entry.RetryTaskID,
		CreatedAt:    entry.CreatedAt,
	}
}

func FromDeadLetters(entries []model.DeadLetterEntry) []DeadLetterResponse {
	out := make([]DeadLetterResponse, len(entries))
	for i := range entries {
		out[i] = FromDeadLetter(&entries[i])
	}
	return out
}

// ListDeadLettersQuery narrows the operator listing via query parameters.
type ListDeadLettersQuery struct {
	Dismissed *bool   `form:"dismissed"`
	Retried   *bool   `form:"retried"`
	Reason    *string `form:"reason"`
	Limit     int32   `form:"limit"`
}

// ResolveDeadLetterRequest identifies who retried or dismissed the entry.
type ResolveDeadLetterRequest struct {
	Actor string `json:"actor" binding:"required"`
}

type RetryDeadLetterResponse struct {
	Task TaskResponse `json:"task"`
}
