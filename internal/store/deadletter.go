package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"mrpilot.dev/pipeline/common/id"
	"mrpilot.dev/pipeline/core/db"
	"mrpilot.dev/pipeline/internal/model"
)

const deadLetterColumns = `id, task_id, task_snapshot, reason, error_detail, attempts,
	dismissed, dismissed_by, dismissed_at, retried, retried_by, retried_at, retry_task_id, created_at`

type deadLetterStore struct {
	q db.Querier
}

func newDeadLetterStore(q db.Querier) DeadLetterStore {
	return &deadLetterStore{q: q}
}

func (s *deadLetterStore) Create(ctx context.Context, entry *model.DeadLetterEntry) (*model.DeadLetterEntry, error) {
	if entry.ID == 0 {
		entry.ID = id.New()
	}

	attempts, err := json.Marshal(entry.Attempts)
	if err != nil {
		return nil, fmt.Errorf("marshaling attempt history: %w", err)
	}
	if entry.Attempts == nil {
		attempts = []byte("[]")
	}

	row := s.q.QueryRow(ctx, `
		INSERT INTO dead_letters (id, task_id, task_snapshot, reason, error_detail, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+deadLetterColumns,
		entry.ID, entry.TaskID, entry.TaskSnapshot, string(entry.Reason), entry.ErrorDetail, attempts)

	created, err := scanDeadLetterEntry(row)
	if err != nil {
		return nil, fmt.Errorf("creating dead-letter entry: %w", err)
	}
	return created, nil
}

func (s *deadLetterStore) GetByID(ctx context.Context, entryID int64) (*model.DeadLetterEntry, error) {
	return s.get(ctx, entryID, false)
}

// GetForResolve locks the row so that concurrent retry/dismiss calls
// serialize on it. Must run inside a transaction.
func (s *deadLetterStore) GetForResolve(ctx context.Context, entryID int64) (*model.DeadLetterEntry, error) {
	return s.get(ctx, entryID, true)
}

func (s *deadLetterStore) get(ctx context.Context, entryID int64, forUpdate bool) (*model.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	entry, err := scanDeadLetterEntry(s.q.QueryRow(ctx, query, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (s *deadLetterStore) MarkRetried(ctx context.Context, entryID int64, actor string, retryTaskID int64, now time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE dead_letters
		SET retried = TRUE, retried_by = $2, retried_at = $3, retry_task_id = $4
		WHERE id = $1 AND NOT retried AND NOT dismissed`,
		entryID, actor, now, retryTaskID)
	if err != nil {
		return fmt.Errorf("marking dead-letter entry retried: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *deadLetterStore) MarkDismissed(ctx context.Context, entryID int64, actor string, now time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE dead_letters
		SET dismissed = TRUE, dismissed_by = $2, dismissed_at = $3
		WHERE id = $1 AND NOT retried AND NOT dismissed`,
		entryID, actor, now)
	if err != nil {
		return fmt.Errorf("marking dead-letter entry dismissed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *deadLetterStore) List(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	var (
		conds []string
		args  []any
	)
	if filter.Dismissed != nil {
		args = append(args, *filter.Dismissed)
		conds = append(conds, "dismissed = $"+strconv.Itoa(len(args)))
	}
	if filter.Retried != nil {
		args = append(args, *filter.Retried)
		conds = append(conds, "retried = $"+strconv.Itoa(len(args)))
	}
	if filter.Reason != nil {
		args = append(args, string(*filter.Reason))
		conds = append(conds, "reason = $"+strconv.Itoa(len(args)))
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += " ORDER BY id DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing dead-letter entries: %w", err)
	}
	defer rows.Close()

	var entries []model.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetterEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead-letter entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanDeadLetterEntry(row pgx.Row) (*model.DeadLetterEntry, error) {
	var (
		e        model.DeadLetterEntry
		reason   string
		attempts []byte
	)
	err := row.Scan(&e.ID, &e.TaskID, &e.TaskSnapshot, &reason, &e.ErrorDetail, &attempts,
		&e.Dismissed, &e.DismissedBy, &e.DismissedAt,
		&e.Retried, &e.RetriedBy, &e.RetriedAt, &e.RetryTaskID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Reason = model.FailureReason(reason)
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &e.Attempts); err != nil {
			return nil, fmt.Errorf("unmarshaling attempt history: %w", err)
		}
	}
	return &e, nil
}
