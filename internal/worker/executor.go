package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mrpilot.dev/pipeline/internal/model"
)

// ExecutionResult is the schema-versioned output of a successful run.
type ExecutionResult struct {
	Result        json.RawMessage
	SchemaVersion int32
}

// TaskExecutor runs one task to completion. Implementations must be safe to
// call concurrently and must respect ctx cancellation; long-running work
// happens here, outside any database transaction.
type TaskExecutor interface {
	Execute(ctx context.Context, task *model.Task) (*ExecutionResult, error)
}

// PermanentError marks a failure that no retry can fix. The worker routes
// these straight to the dead-letter store without burning retry budget.
type PermanentError struct {
	Reason model.FailureReason
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err with an unretryable failure classification.
func Permanent(reason model.FailureReason, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// ClassifyFailure extracts the failure reason from an execution error.
// Anything not explicitly marked permanent is treated as transient.
func ClassifyFailure(err error) (model.FailureReason, bool) {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return perm.Reason, true
	}
	return model.FailureReasonRetryExhaustion, false
}

// StubExecutor acknowledges tasks without doing real work. Used in
// development environments without an execution backend.
type StubExecutor struct {
	Delay time.Duration
}

func (e *StubExecutor) Execute(ctx context.Context, task *model.Task) (*ExecutionResult, error) {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.Delay):
		}
	}

	slog.InfoContext(ctx, "stub executor ran task",
		"task_id", task.ID,
		"task_type", task.Type)

	result, err := json.Marshal(map[string]any{
		"task_id": task.ID,
		"note":    "stub execution, no work performed",
	})
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{Result: result, SchemaVersion: 1}, nil
}
