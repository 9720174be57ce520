package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mrpilot.dev/pipeline/common/logger"
	"mrpilot.dev/pipeline/core/config"
	"mrpilot.dev/pipeline/internal/model"
)

// EventSink receives dispatched outbox events. Delivery is at-least-once;
// sinks must tolerate duplicate event IDs.
type EventSink interface {
	Deliver(ctx context.Context, event model.OutboxEvent) error
}

// Dispatcher drains the outbox. Events are claimed in a short transaction,
// delivered outside any lock, then individually marked dispatched, retried,
// or failed. One slow sink call never holds row locks for the whole batch.
type Dispatcher struct {
	txRunner TxRunner
	stores   StoreProvider
	sink     EventSink
	cfg      config.OutboxConfig

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewDispatcher(txRunner TxRunner, stores StoreProvider, sink EventSink, cfg config.OutboxConfig) *Dispatcher {
	return &Dispatcher{
		txRunner:  txRunner,
		stores:    stores,
		sink:      sink,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run starts the dispatch loop. Blocks until Stop() is called.
func (d *Dispatcher) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "pipeline.worker.dispatcher",
	})

	defer close(d.stoppedCh)

	ticker := time.NewTicker(d.cfg.DispatchInterval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "outbox dispatcher started",
		"interval", d.cfg.DispatchInterval,
		"batch_size", d.cfg.BatchSize,
		"max_attempts", d.cfg.MaxAttempts,
		"backoff_strategy", d.cfg.BackoffStrategy)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			slog.InfoContext(ctx, "outbox dispatcher stopping")
			return
		case <-ticker.C:
			if err := d.DispatchOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "dispatch cycle error", "error", err)
			}
		}
	}
}

// Stop signals the dispatcher to stop gracefully.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.stoppedCh
}

// DispatchOnce performs one claim-and-deliver cycle. Exported for tests and
// for operators who want a manual drain.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	now := time.Now()

	var batch []model.OutboxEvent
	if err := d.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		if d.cfg.StaleAfter > 0 {
			released, err := sp.Outbox().ReleaseStale(ctx, now.Add(-d.cfg.StaleAfter))
			if err != nil {
				return err
			}
			if released > 0 {
				slog.WarnContext(ctx, "released stale outbox claims", "count", released)
			}
		}
		var err error
		batch, err = sp.Outbox().ClaimDue(ctx, now, d.cfg.BatchSize)
		return err
	}); err != nil {
		return fmt.Errorf("claiming batch: %w", err)
	}

	if len(batch) == 0 {
		return nil
	}

	slog.DebugContext(ctx, "claimed outbox batch", "count", len(batch))

	for _, event := range batch {
		d.deliverOne(ctx, event)
	}

	return nil
}

// deliverOne delivers a single claimed event and records the outcome. A
// failed outcome write leaves the event in processing until the stale-claim
// sweep in DispatchOnce returns it to pending; attempts were already counted
// at claim time, so the redelivery still converges on MaxAttempts.
func (d *Dispatcher) deliverOne(ctx context.Context, event model.OutboxEvent) {
	deliverErr := d.sink.Deliver(ctx, event)
	if deliverErr == nil {
		if err := d.stores.Outbox().MarkDispatched(ctx, event.ID, time.Now()); err != nil {
			slog.ErrorContext(ctx, "failed to mark event dispatched",
				"error", err,
				"event_id", event.ID)
		}
		return
	}

	if event.Attempts >= d.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "outbox event delivery attempts exhausted",
			"error", deliverErr,
			"event_id", event.ID,
			"event_type", event.EventType,
			"attempts", event.Attempts)
		if err := d.stores.Outbox().MarkFailed(ctx, event.ID, time.Now(), deliverErr.Error()); err != nil {
			slog.ErrorContext(ctx, "failed to mark event failed",
				"error", err,
				"event_id", event.ID)
		}
		return
	}

	nextAt := time.Now().Add(d.backoff(event.Attempts))
	slog.WarnContext(ctx, "outbox event delivery failed, scheduling retry",
		"error", deliverErr,
		"event_id", event.ID,
		"event_type", event.EventType,
		"attempts", event.Attempts,
		"next_at", nextAt)
	if err := d.stores.Outbox().ScheduleRetry(ctx, event.ID, nextAt, deliverErr.Error()); err != nil {
		slog.ErrorContext(ctx, "failed to schedule event retry",
			"error", err,
			"event_id", event.ID)
	}
}

// backoff computes the delay before the next attempt. attempts is the count
// including the one that just failed, so the first retry of an event waits
// exactly one Backoff under either strategy.
func (d *Dispatcher) backoff(attempts int32) time.Duration {
	if d.cfg.BackoffStrategy != "exponential" {
		return d.cfg.Backoff
	}

	delay := d.cfg.Backoff
	for i := int32(1); i < attempts; i++ {
		delay *= 2
		if delay > time.Hour {
			return time.Hour
		}
	}
	return delay
}
