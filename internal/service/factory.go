package service

import (
	"log/slog"

	"mrpilot.dev/pipeline/internal/queue"
	"mrpilot.dev/pipeline/internal/store"
)

type Services struct {
	stores   *store.Stores
	txRunner TxRunner
	queue    queue.Producer
	logger   *slog.Logger
}

func NewServices(stores *store.Stores, txRunner TxRunner, queue queue.Producer, logger *slog.Logger) *Services {
	return &Services{
		stores:   stores,
		txRunner: txRunner,
		queue:    queue,
		logger:   logger,
	}
}

func (s *Services) Ingest() TriggerIngestService {
	return NewTriggerIngestService(s.stores, s.txRunner, s.queue, s.logger)
}

func (s *Services) Tasks() TaskService {
	return NewTaskService(s.stores)
}

func (s *Services) DeadLetters() DeadLetterService {
	return NewDeadLetterService(s.stores, s.txRunner, s.Ingest(), s.logger)
}
