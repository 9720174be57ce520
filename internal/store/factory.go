package store

import (
	"mrpilot.dev/pipeline/core/db"
)

// Stores bundles the per-entity stores over a shared querier, which is
// either the pool or a transaction (see db.Querier).
type Stores struct {
	q db.Querier
}

func NewStores(q db.Querier) *Stores {
	return &Stores{q: q}
}

func (s *Stores) Tasks() TaskStore {
	return newTaskStore(s.q)
}

func (s *Stores) Deliveries() DeliveryStore {
	return newDeliveryStore(s.q)
}

func (s *Stores) Outbox() OutboxStore {
	return newOutboxStore(s.q)
}

func (s *Stores) DeadLetters() DeadLetterStore {
	return newDeadLetterStore(s.q)
}
