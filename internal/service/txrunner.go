package service

import (
	"context"

	"mrpilot.dev/pipeline/core/db"
	"mrpilot.dev/pipeline/internal/store"
)

// StoreProvider exposes the stores available to a transactional operation,
// all bound to the same transaction.
type StoreProvider interface {
	Tasks() store.TaskStore
	Deliveries() store.DeliveryStore
	Outbox() store.OutboxStore
	DeadLetters() store.DeadLetterStore
}

// TxRunner runs functions within a transaction and provides stores bound to
// that transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(stores StoreProvider) error) error
}

type dbTxRunner struct {
	db *db.DB
}

// NewTxRunner builds a TxRunner backed by the core DB.
func NewTxRunner(db *db.DB) TxRunner {
	return &dbTxRunner{db: db}
}

func (r *dbTxRunner) WithTx(ctx context.Context, fn func(stores StoreProvider) error) error {
	return r.db.WithTx(ctx, func(q db.Querier) error {
		stores := store.NewStores(q)
		return fn(stores)
	})
}
