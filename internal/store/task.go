package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mrpilot.dev/pipeline/common/id"
	"mrpilot.dev/pipeline/core/db"
	"mrpilot.dev/pipeline/internal/model"
)

const taskColumns = `id, type, origin, priority, project_id, merge_request_iid, issue_iid, commit_sha,
	status, retry_count, error_reason, superseded_by, result, result_schema_version,
	started_at, completed_at, created_at, updated_at`

type taskStore struct {
	q db.Querier
}

func newTaskStore(q db.Querier) TaskStore {
	return &taskStore{q: q}
}

func (s *taskStore) Create(ctx context.Context, task *model.Task) (*model.Task, error) {
	if task.ID == 0 {
		task.ID = id.New()
	}
	if task.Status == "" {
		task.Status = model.TaskStatusReceived
	}
	if task.Priority == "" {
		task.Priority = model.TaskPriorityNormal
	}

	row := s.q.QueryRow(ctx, `
		INSERT INTO tasks (id, type, origin, priority, project_id, merge_request_iid, issue_iid, commit_sha, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+taskColumns,
		task.ID, string(task.Type), string(task.Origin), string(task.Priority),
		task.ProjectID, task.MergeRequestIID, task.IssueIID, task.CommitSHA, string(task.Status))

	created, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	return created, nil
}

func (s *taskStore) GetByID(ctx context.Context, taskID int64) (*model.Task, error) {
	row := s.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

// Transition reads the row under an exclusive lock, applies the state
// machine, and writes the task update plus the history row. The caller's
// transaction makes the pair atomic.
func (s *taskStore) Transition(ctx context.Context, taskID int64, to model.TaskStatus, opts ...model.TransitionOption) (*model.Task, error) {
	row := s.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("locking task: %w", err)
	}

	transition, err := task.TransitionTo(to, time.Now(), opts...)
	if err != nil {
		return nil, err
	}

	return s.persistTransition(ctx, task, transition)
}

func (s *taskStore) persistTransition(ctx context.Context, task *model.Task, transition model.Transition) (*model.Task, error) {
	_, err := s.q.Exec(ctx, `
		UPDATE tasks
		SET status = $2, retry_count = $3, error_reason = $4, superseded_by = $5,
		    result = $6, result_schema_version = $7, started_at = $8, completed_at = $9, updated_at = $10
		WHERE id = $1`,
		task.ID, string(task.Status), task.RetryCount, task.ErrorReason, task.SupersededBy,
		task.Result, task.ResultSchemaVersion, task.StartedAt, task.CompletedAt, task.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("updating task status: %w", err)
	}

	if err := s.appendTransition(ctx, transition); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *taskStore) appendTransition(ctx context.Context, transition model.Transition) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO task_transitions (id, task_id, from_status, to_status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id.New(), transition.TaskID, string(transition.FromStatus), string(transition.ToStatus),
		transition.Reason, transition.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending transition history: %w", err)
	}
	return nil
}

// SupersedeOpenForSubject locks the subject's open tasks and transitions
// them to superseded. Only tasks older than newTaskID are touched: Snowflake
// IDs are time-ordered, so "latest trigger wins" can never form a cycle even
// when two triggers race each other.
func (s *taskStore) SupersedeOpenForSubject(ctx context.Context, projectID, mergeRequestIID, newTaskID int64) ([]int64, error) {
	now := time.Now()

	rows, err := s.q.Query(ctx, `
		WITH open_tasks AS (
			SELECT id, status
			FROM tasks
			WHERE project_id = $1
			  AND merge_request_iid = $2
			  AND status IN ('queued', 'running')
			  AND id < $3
			ORDER BY id
			FOR UPDATE
		)
		UPDATE tasks t
		SET status = 'superseded', superseded_by = $3, updated_at = $4
		FROM open_tasks o
		WHERE t.id = o.id
		RETURNING t.id, o.status`,
		projectID, mergeRequestIID, newTaskID, now)
	if err != nil {
		return nil, fmt.Errorf("superseding open tasks: %w", err)
	}

	type superseded struct {
		taskID int64
		from   string
	}
	var supersededTasks []superseded
	for rows.Next() {
		var st superseded
		if err := rows.Scan(&st.taskID, &st.from); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning superseded task: %w", err)
		}
		supersededTasks = append(supersededTasks, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading superseded tasks: %w", err)
	}

	ids := make([]int64, 0, len(supersededTasks))
	for _, st := range supersededTasks {
		// The SQL filters on queued/running, so this only trips if the
		// filter and the state machine ever drift apart.
		if !model.CanTransition(model.TaskStatus(st.from), model.TaskStatusSuperseded) {
			return nil, &model.InvalidTransitionError{
				TaskID: st.taskID,
				From:   model.TaskStatus(st.from),
				To:     model.TaskStatusSuperseded,
			}
		}
		err := s.appendTransition(ctx, model.Transition{
			TaskID:     st.taskID,
			FromStatus: model.TaskStatus(st.from),
			ToStatus:   model.TaskStatusSuperseded,
			CreatedAt:  now,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, st.taskID)
	}

	return ids, nil
}

// LockSubject takes the transaction-scoped advisory lock for the subject.
// The lock is released automatically at commit or rollback.
func (s *taskStore) LockSubject(ctx context.Context, projectID, mergeRequestIID int64) error {
	key := fmt.Sprintf("%d:%d", projectID, mergeRequestIID)
	if _, err := s.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("locking subject: %w", err)
	}
	return nil
}

func (s *taskStore) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int32) ([]model.Task, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'queued' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("listing queued tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (s *taskStore) ListTransitions(ctx context.Context, taskID int64, limit int32) ([]model.Transition, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, task_id, from_status, to_status, reason, created_at
		FROM task_transitions
		WHERE task_id = $1
		ORDER BY id
		LIMIT $2`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	defer rows.Close()

	var transitions []model.Transition
	for rows.Next() {
		var t model.Transition
		var from, to string
		if err := rows.Scan(&t.ID, &t.TaskID, &from, &to, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		t.FromStatus = model.TaskStatus(from)
		t.ToStatus = model.TaskStatus(to)
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var (
		t                model.Task
		taskType, origin string
		priority, status string
	)
	err := row.Scan(&t.ID, &taskType, &origin, &priority, &t.ProjectID, &t.MergeRequestIID,
		&t.IssueIID, &t.CommitSHA, &status, &t.RetryCount, &t.ErrorReason, &t.SupersededBy,
		&t.Result, &t.ResultSchemaVersion, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = model.TaskType(taskType)
	t.Origin = model.TaskOrigin(origin)
	t.Priority = model.TaskPriority(priority)
	t.Status = model.TaskStatus(status)
	return &t, nil
}
