package store

import (
	"context"
	"errors"
	"time"

	"mrpilot.dev/pipeline/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// TaskStore is the durable record of tasks and their lifecycle. Transition
// and SupersedeOpenForSubject take row locks and must run inside a
// transaction (see service.TxRunner).
type TaskStore interface {
	Create(ctx context.Context, task *model.Task) (*model.Task, error)
	GetByID(ctx context.Context, id int64) (*model.Task, error)

	// Transition locks the row, applies the state machine, and appends the
	// history record atomically. Illegal edges return
	// *model.InvalidTransitionError.
	Transition(ctx context.Context, id int64, to model.TaskStatus, opts ...model.TransitionOption) (*model.Task, error)

	// SupersedeOpenForSubject transitions every queued/running task for
	// (projectID, mergeRequestIID) older than newTaskID to superseded and
	// returns the IDs of the tasks it superseded.
	SupersedeOpenForSubject(ctx context.Context, projectID, mergeRequestIID, newTaskID int64) ([]int64, error)

	// LockSubject takes a transaction-scoped advisory lock on
	// (projectID, mergeRequestIID). Every create-supersede-queue sequence
	// for a subject runs under this lock so concurrent triggers serialize
	// instead of racing past each other's uncommitted rows.
	LockSubject(ctx context.Context, projectID, mergeRequestIID int64) error

	// ListQueuedBefore returns tasks sitting in queued since before cutoff,
	// for the scheduling watchdog.
	ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int32) ([]model.Task, error)

	// ListTransitions returns the append-only history for operator
	// inspection. Business logic never calls this.
	ListTransitions(ctx context.Context, taskID int64, limit int32) ([]model.Transition, error)
}

// DeliveryStore is the idempotency ledger for inbound trigger deliveries.
type DeliveryStore interface {
	// Accept inserts the ledger entry. A uniqueness violation on
	// (project_id, delivery_id) reports accepted=false plus the entry that
	// already claimed the delivery.
	Accept(ctx context.Context, entry *model.DeliveryEntry) (bool, *model.DeliveryEntry, error)
}

// OutboxStore persists intent-to-deliver records. Append runs inside the
// caller's business transaction; ClaimDue takes FOR UPDATE SKIP LOCKED row
// locks and must run inside its own short transaction.
type OutboxStore interface {
	Append(ctx context.Context, event *model.OutboxEvent) (*model.OutboxEvent, error)
	GetByID(ctx context.Context, id int64) (*model.OutboxEvent, error)

	// ClaimDue flips up to limit due pending events to processing,
	// incrementing attempts, and returns them oldest-first. Rows locked by
	// a concurrent worker are skipped, not waited on.
	ClaimDue(ctx context.Context, now time.Time, limit int32) ([]model.OutboxEvent, error)

	MarkDispatched(ctx context.Context, id int64, now time.Time) error

	// ScheduleRetry returns a processing event to pending with available_at
	// pushed to nextAt and last_error recorded.
	ScheduleRetry(ctx context.Context, id int64, nextAt time.Time, errMsg string) error

	// MarkFailed terminally fails an event whose attempts are exhausted.
	MarkFailed(ctx context.Context, id int64, now time.Time, errMsg string) error

	// ReleaseStale returns processing events claimed before claimedBefore
	// to pending, recovering batches orphaned by a crashed dispatcher.
	// Returns how many events it released.
	ReleaseStale(ctx context.Context, claimedBefore time.Time) (int64, error)
}

// DeadLetterFilter narrows operator listings.
type DeadLetterFilter struct {
	Dismissed *bool
	Retried   *bool
	Reason    *model.FailureReason
	Limit     int32
}

// DeadLetterStore holds terminally failed tasks awaiting an operator
// decision. GetForResolve locks the row for the mutually-exclusive
// retry/dismiss check and must run inside a transaction.
type DeadLetterStore interface {
	Create(ctx context.Context, entry *model.DeadLetterEntry) (*model.DeadLetterEntry, error)
	GetByID(ctx context.Context, id int64) (*model.DeadLetterEntry, error)
	GetForResolve(ctx context.Context, id int64) (*model.DeadLetterEntry, error)
	MarkRetried(ctx context.Context, id int64, actor string, retryTaskID int64, now time.Time) error
	MarkDismissed(ctx context.Context, id int64, actor string, now time.Time) error
	List(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetterEntry, error)
}
