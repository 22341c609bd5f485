package sync

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailvault/internal/checkpoint"
	"github.com/Martian-dev/mailvault/internal/ratelimit"
)

// Publisher delivers one outbox message; msgID lets the broker drop duplicates
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Dispatcher moves queued outbox events to the broker
type Dispatcher struct {
	store     *checkpoint.Store
	publisher Publisher

	BatchSize    int
	IdleInterval time.Duration
	RetryBackoff time.Duration
}

// NewDispatcher creates a Dispatcher with the default polling settings
func NewDispatcher(store *checkpoint.Store, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		store:        store,
		publisher:    publisher,
		BatchSize:    100,
		IdleInterval: 500 * time.Millisecond,
		RetryBackoff: 10 * time.Second,
	}
}

// Run continuously dispatches messages from outbox until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := d.DispatchOnce(ctx)
		if err != nil {
			log.Errorf("Error dequeuing outbox: %v", err)
			if sleepErr := ratelimit.Sleep(ctx, time.Second); sleepErr != nil {
				return
			}
			continue
		}
		if n == 0 {
			if sleepErr := ratelimit.Sleep(ctx, d.IdleInterval); sleepErr != nil {
				return
			}
		}
	}
}

// DispatchOnce publishes one batch of due messages and returns how many it
// dequeued. A failed publish is rescheduled after RetryBackoff.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.store.DequeueOutbox(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}

	// a published message must be marked even when ctx ends mid-batch
	markCtx := context.WithoutCancel(ctx)
	for _, msg := range messages {
		if err := d.publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			log.Warnf("Error publishing message %d: %v", msg.ID, err)
			if err := d.store.MarkOutboxRetry(markCtx, msg.ID, d.RetryBackoff); err != nil {
				log.Errorf("Error scheduling retry of message %d: %v", msg.ID, err)
			}
			continue
		}

		if err := d.store.MarkPublished(markCtx, msg.ID); err != nil {
			log.Errorf("Error marking message %d as published: %v", msg.ID, err)
		}
	}
	return len(messages), nil
}

// Drain publishes until nothing due is left or ctx is done
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil || n == 0 {
			return err
		}
		if pending, err := d.store.PendingOutbox(ctx); err != nil || pending == 0 {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
