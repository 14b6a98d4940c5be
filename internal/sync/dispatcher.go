package sync

import (
	"context"
	"log/slog"
	"time"
)

// Dispatcher moves outbox events to the publisher
type Dispatcher struct {
	Outbox    Outbox
	Publisher Publisher
	Logger    *slog.Logger
	BatchSize int
	Backoff   time.Duration
	Idle      time.Duration
}

// DispatchOnce publishes one batch and returns how many were delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	limit := d.BatchSize
	if limit <= 0 {
		limit = 100
	}
	backoff := d.Backoff
	if backoff <= 0 {
		backoff = 10 * time.Second
	}
	logger := d.logger()

	events, err := d.Outbox.DequeueOutbox(ctx, limit)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, ev := range events {
		if err := d.Publisher.Publish(ctx, ev.Subject, ev.Payload, ev.MsgID); err != nil {
			logger.Warn("publish failed, scheduling retry", "outbox_id", ev.ID, "error", err)
			if err := d.Outbox.MarkOutboxRetry(ctx, ev.ID, backoff); err != nil {
				logger.Error("failed to schedule retry", "outbox_id", ev.ID, "error", err)
			}
			continue
		}
		if err := d.Outbox.MarkPublished(ctx, ev.ID); err != nil {
			logger.Error("failed to mark published", "outbox_id", ev.ID, "error", err)
			continue
		}
		published++
	}
	return published, nil
}

// Run dispatches until ctx ends, sleeping when the outbox is empty.
func (d *Dispatcher) Run(ctx context.Context) {
	idle := d.Idle
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger().Error("dequeue outbox", "error", err)
		}

		wait := time.Duration(0)
		if err != nil || n == 0 {
			wait = idle
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}
