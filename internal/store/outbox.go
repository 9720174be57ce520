package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"mrpilot.dev/pipeline/common/id"
	"mrpilot.dev/pipeline/core/db"
	"mrpilot.dev/pipeline/internal/model"
)

const outboxColumns = `id, event_type, aggregate_type, aggregate_id, schema_version, payload,
	status, attempts, available_at, claimed_at, last_error, dispatched_at, failed_at, created_at`

type outboxStore struct {
	q db.Querier
}

func newOutboxStore(q db.Querier) OutboxStore {
	return &outboxStore{q: q}
}

// Append writes the event on the caller's querier. Run it inside the same
// transaction as the state change it announces, or the outbox guarantee is
// gone.
func (s *outboxStore) Append(ctx context.Context, event *model.OutboxEvent) (*model.OutboxEvent, error) {
	if event.ID == 0 {
		event.ID = id.New()
	}
	if event.Status == "" {
		event.Status = model.OutboxStatusPending
	}
	if event.SchemaVersion == 0 {
		event.SchemaVersion = 1
	}
	if event.AvailableAt.IsZero() {
		event.AvailableAt = time.Now()
	}

	row := s.q.QueryRow(ctx, `
		INSERT INTO outbox_events (id, event_type, aggregate_type, aggregate_id, schema_version, payload, status, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+outboxColumns,
		event.ID, string(event.EventType), event.AggregateType, event.AggregateID,
		event.SchemaVersion, event.Payload, string(event.Status), event.AvailableAt)

	created, err := scanOutboxEvent(row)
	if err != nil {
		return nil, fmt.Errorf("appending outbox event: %w", err)
	}
	return created, nil
}

func (s *outboxStore) GetByID(ctx context.Context, eventID int64) (*model.OutboxEvent, error) {
	row := s.q.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = $1`, eventID)
	event, err := scanOutboxEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return event, nil
}

// ClaimDue marks up to limit due pending events as processing and returns
// them oldest-first. SKIP LOCKED keeps concurrent dispatchers from blocking
// on each other's batches; attempts counts claims, so an event claimed N
// times has attempts = N whether or not delivery succeeded.
func (s *outboxStore) ClaimDue(ctx context.Context, now time.Time, limit int32) ([]model.OutboxEvent, error) {
	rows, err := s.q.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM outbox_events
			WHERE status = 'pending' AND available_at <= $1
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events e
		SET status = 'processing', attempts = e.attempts + 1, claimed_at = $1
		FROM due
		WHERE e.id = due.id
		RETURNING `+qualifiedOutboxColumns("e"),
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming outbox events: %w", err)
	}
	defer rows.Close()

	var events []model.OutboxEvent
	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox event: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// UPDATE ... FROM does not honor the CTE's ORDER BY.
	sortOutboxEvents(events)
	return events, nil
}

func (s *outboxStore) MarkDispatched(ctx context.Context, eventID int64, now time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'dispatched', dispatched_at = $2, last_error = NULL
		WHERE id = $1 AND status = 'processing'`,
		eventID, now)
	if err != nil {
		return fmt.Errorf("marking outbox event dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *outboxStore) ScheduleRetry(ctx context.Context, eventID int64, nextAt time.Time, errMsg string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'pending', available_at = $2, last_error = $3, claimed_at = NULL
		WHERE id = $1 AND status = 'processing'`,
		eventID, nextAt, errMsg)
	if err != nil {
		return fmt.Errorf("scheduling outbox retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *outboxStore) MarkFailed(ctx context.Context, eventID int64, now time.Time, errMsg string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'failed', failed_at = $2, last_error = $3
		WHERE id = $1 AND status = 'processing'`,
		eventID, now, errMsg)
	if err != nil {
		return fmt.Errorf("marking outbox event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseStale returns processing events claimed before claimedBefore to
// pending so they can be claimed again. A dispatcher that crashes between
// claim and outcome leaves its batch in processing; without this sweep
// those events would sit there forever.
func (s *outboxStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1`,
		claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("releasing stale outbox claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

func qualifiedOutboxColumns(alias string) string {
	return alias + `.id, ` + alias + `.event_type, ` + alias + `.aggregate_type, ` + alias + `.aggregate_id, ` +
		alias + `.schema_version, ` + alias + `.payload, ` + alias + `.status, ` + alias + `.attempts, ` +
		alias + `.available_at, ` + alias + `.claimed_at, ` + alias + `.last_error, ` + alias + `.dispatched_at, ` +
		alias + `.failed_at, ` + alias + `.created_at`
}

func sortOutboxEvents(events []model.OutboxEvent) {
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
}

func scanOutboxEvent(row pgx.Row) (*model.OutboxEvent, error) {
	var (
		e                 model.OutboxEvent
		eventType, status string
	)
	err := row.Scan(&e.ID, &eventType, &e.AggregateType, &e.AggregateID, &e.SchemaVersion,
		&e.Payload, &status, &e.Attempts, &e.AvailableAt, &e.ClaimedAt, &e.LastError,
		&e.DispatchedAt, &e.FailedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.EventType = model.OutboxEventType(eventType)
	e.Status = model.OutboxStatus(status)
	return &e, nil
}
