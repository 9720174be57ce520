package model

import (
	"encoding/json"
	"time"
)

// FailureReason classifies why a task ended up in the dead-letter store.
type FailureReason string

const (
	FailureReasonRetryExhaustion    FailureReason = "retry_exhaustion"
	FailureReasonInvalidRequest     FailureReason = "invalid_request"
	FailureReasonContextTooLarge    FailureReason = "context_too_large"
	FailureReasonSchedulingTimeout  FailureReason = "scheduling_timeout"
	FailureReasonExpiredInQueue     FailureReason = "expired_in_queue"
	FailureReasonTriggerFailed      FailureReason = "trigger_failed"
	FailureReasonMissingCredentials FailureReason = "missing_credentials"
)

// PermanentFailureReasons are classified by the caller as unretryable and
// routed straight to the dead-letter store without burning retry budget.
func (r FailureReason) IsPermanent() bool {
	switch r {
	case FailureReasonInvalidRequest, FailureReasonContextTooLarge, FailureReasonMissingCredentials:
		return true
	}
	return false
}

// AttemptRecord is one entry in a dead-letter entry's attempt history.
type AttemptRecord struct {
	Attempt  int32     `json:"attempt"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterEntry is the terminal, operator-inspectable record of a task
// whose processing could not complete. The originating task is snapshotted
// in full; retry spawns a brand-new task and never reactivates the old row,
// so the entry stays immutable audit history apart from its single
// resolution (retry or dismiss).
type DeadLetterEntry struct {
	ID           int64           `json:"id"`
	TaskID       int64           `json:"task_id"`
	TaskSnapshot json.RawMessage `json:"task_snapshot"`
	Reason       FailureReason   `json:"reason"`
	ErrorDetail  *string         `json:"error_detail,omitempty"`
	Attempts     []AttemptRecord `json:"attempts,omitempty"`

	Dismissed   bool       `json:"dismissed"`
	DismissedBy *string    `json:"dismissed_by,omitempty"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`

	Retried     bool       `json:"retried"`
	RetriedBy   *string    `json:"retried_by,omitempty"`
	RetriedAt   *time.Time `json:"retried_at,omitempty"`
	RetryTaskID *int64     `json:"retry_task_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Resolved reports whether the entry has already been retried or dismissed.
// The two actions are mutually exclusive and each may happen at most once.
func (e *DeadLetterEntry) Resolved() bool {
	return e.Dismissed || e.Retried
}
