package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"mrpilot.dev/pipeline/common/id"
	"mrpilot.dev/pipeline/core/db"
	"mrpilot.dev/pipeline/internal/model"
)

type deliveryStore struct {
	q db.Querier
}

func newDeliveryStore(q db.Querier) DeliveryStore {
	return &deliveryStore{q: q}
}

// Accept inserts the ledger row. The unique constraint on
// (project_id, delivery_id) is the serialization point: whichever insert
// commits first owns the delivery, every later attempt gets the existing
// entry back with accepted=false. ON CONFLICT DO NOTHING resolves the
// duplicate as an empty result rather than an error, which matters because
// Accept runs inside the ingest transaction: a raised unique violation
// would abort it and poison every statement after (25P02).
func (s *deliveryStore) Accept(ctx context.Context, entry *model.DeliveryEntry) (bool, *model.DeliveryEntry, error) {
	if entry.ID == 0 {
		entry.ID = id.New()
	}

	row := s.q.QueryRow(ctx, `
		INSERT INTO delivery_ledger (id, project_id, delivery_id, event_type, task_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, delivery_id) DO NOTHING
		RETURNING id, project_id, delivery_id, event_type, task_id, received_at`,
		entry.ID, entry.ProjectID, entry.DeliveryID, entry.EventType, entry.TaskID)

	created, err := scanDeliveryEntry(row)
	if err == nil {
		return true, created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, fmt.Errorf("inserting delivery entry: %w", err)
	}

	existing, err := s.getByKey(ctx, entry.ProjectID, entry.DeliveryID)
	if err != nil {
		return false, nil, fmt.Errorf("fetching existing delivery entry: %w", err)
	}
	return false, existing, nil
}

func (s *deliveryStore) getByKey(ctx context.Context, projectID int64, deliveryID string) (*model.DeliveryEntry, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, project_id, delivery_id, event_type, task_id, received_at
		FROM delivery_ledger
		WHERE project_id = $1 AND delivery_id = $2`,
		projectID, deliveryID)

	entry, err := scanDeliveryEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

func scanDeliveryEntry(row pgx.Row) (*model.DeliveryEntry, error) {
	var e model.DeliveryEntry
	err := row.Scan(&e.ID, &e.ProjectID, &e.DeliveryID, &e.EventType, &e.TaskID, &e.ReceivedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
