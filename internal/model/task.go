package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type TaskStatus string

type TaskType string

type TaskOrigin string

type TaskPriority string

const (
	TaskStatusReceived   TaskStatus = "received"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusSuperseded TaskStatus = "superseded"
)

const (
	TaskTypeCodeReview      TaskType = "code_review"
	TaskTypeFeatureDev      TaskType = "feature_dev"
	TaskTypeIssueDiscussion TaskType = "issue_discussion"
)

const (
	TaskOriginWebhook      TaskOrigin = "webhook"
	TaskOriginConversation TaskOrigin = "conversation"
)

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityNormal TaskPriority = "normal"
	TaskPriorityHigh   TaskPriority = "high"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeCodeReview, TaskTypeFeatureDev, TaskTypeIssueDiscussion:
		return true
	}
	return false
}

// IsTerminal reports whether the status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSuperseded:
		return true
	}
	return false
}

// OpenStatuses are the statuses in which a task is still the subject's
// in-flight work and therefore participates in supersession.
func OpenStatuses() []TaskStatus {
	return []TaskStatus{TaskStatusQueued, TaskStatusRunning}
}

// legalTransitions is the single source of truth for the task lifecycle.
// failed is listed as non-terminal for exactly one edge: the retry back to
// queued, which increments RetryCount.
var legalTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusReceived: {TaskStatusQueued},
	TaskStatusQueued:   {TaskStatusRunning, TaskStatusSuperseded, TaskStatusFailed},
	TaskStatusRunning:  {TaskStatusCompleted, TaskStatusFailed, TaskStatusSuperseded},
	TaskStatusFailed:   {TaskStatusQueued},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to TaskStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError signals an illegal lifecycle edge. This is an
// integrity error: callers must surface it, never swallow or coerce it.
type InvalidTransitionError struct {
	TaskID int64
	From   TaskStatus
	To     TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %d: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// Task is one tracked unit of asynchronous work. Rows are never hard-deleted;
// terminal statuses are permanent history.
type Task struct {
	ID       int64        `json:"id"`
	Type     TaskType     `json:"type"`
	Origin   TaskOrigin   `json:"origin"`
	Priority TaskPriority `json:"priority"`

	// Subject reference: what the task is "about". Project plus merge
	// request IID is the supersession key; issue IID and commit SHA are
	// informational.
	ProjectID       int64   `json:"project_id"`
	MergeRequestIID *int64  `json:"merge_request_iid,omitempty"`
	IssueIID        *int64  `json:"issue_iid,omitempty"`
	CommitSHA       *string `json:"commit_sha,omitempty"`

	Status       TaskStatus `json:"status"`
	RetryCount   int32      `json:"retry_count"`
	ErrorReason  *string    `json:"error_reason,omitempty"`
	SupersededBy *int64     `json:"superseded_by,omitempty"`

	Result              json.RawMessage `json:"result,omitempty"`
	ResultSchemaVersion int32           `json:"result_schema_version"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Transition is one append-only history record. Business logic never reads
// these; they exist for operators and tests.
type Transition struct {
	ID         int64      `json:"id"`
	TaskID     int64      `json:"task_id"`
	FromStatus TaskStatus `json:"from_status"`
	ToStatus   TaskStatus `json:"to_status"`
	Reason     *string    `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TransitionOption carries the side payloads of specific transitions.
type TransitionOption func(*transitionParams)

type transitionParams struct {
	reason       *string
	supersededBy *int64
	result       json.RawMessage
	resultSchema int32
}

// WithReason records an error reason (entering failed) and annotates the
// history row.
func WithReason(reason string) TransitionOption {
	return func(p *transitionParams) { p.reason = &reason }
}

// WithSupersededBy links a superseded task to the task that replaced it.
func WithSupersededBy(taskID int64) TransitionOption {
	return func(p *transitionParams) { p.supersededBy = &taskID }
}

// WithResult attaches the schema-versioned work result (entering completed).
func WithResult(result json.RawMessage, schemaVersion int32) TransitionOption {
	return func(p *transitionParams) {
		p.result = result
		p.resultSchema = schemaVersion
	}
}

// TransitionTo is the sole mutation entry point for the task lifecycle.
// It validates the edge, applies the status change and its side effects
// (timestamps, retry bookkeeping, error reason, result), and returns the
// history record the caller must append in the same transaction as the
// task update.
func (t *Task) TransitionTo(to TaskStatus, now time.Time, opts ...TransitionOption) (Transition, error) {
	from := t.Status
	if !CanTransition(from, to) {
		return Transition{}, &InvalidTransitionError{TaskID: t.ID, From: from, To: to}
	}

	var p transitionParams
	for _, opt := range opts {
		opt(&p)
	}

	switch to {
	case TaskStatusQueued:
		if from == TaskStatusFailed {
			t.RetryCount++
		}
	case TaskStatusRunning:
		if t.StartedAt == nil {
			started := now
			t.StartedAt = &started
		}
	case TaskStatusCompleted:
		completed := now
		t.CompletedAt = &completed
		if p.result != nil {
			t.Result = p.result
			t.ResultSchemaVersion = p.resultSchema
		}
	case TaskStatusFailed:
		if p.reason != nil {
			t.ErrorReason = p.reason
		}
	case TaskStatusSuperseded:
		if p.supersededBy != nil {
			t.SupersededBy = p.supersededBy
		}
	}

	t.Status = to
	t.UpdatedAt = now

	return Transition{
		TaskID:     t.ID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     p.reason,
		CreatedAt:  now,
	}, nil
}
