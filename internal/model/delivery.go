package model

import "time"

// DeliveryEntry records one externally observed trigger delivery, keyed
// uniquely by (project_id, delivery_id). Entries are immutable: a second
// delivery with the same key is detected before any task is created and
// treated as a no-op.
type DeliveryEntry struct {
	ID         int64     `json:"id"`
	ProjectID  int64     `json:"project_id"`
	DeliveryID string    `json:"delivery_id"`
	EventType  string    `json:"event_type"`
	TaskID     int64     `json:"task_id"`
	ReceivedAt time.Time `json:"received_at"`
}
