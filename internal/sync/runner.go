package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailsync/internal/store/sqlite"
)

// Publisher delivers outbox events to the event bus
type Publisher interface {
	EnsureStream(ctx context.Context) error
	Publish(subject string, payload []byte, msgID string) error
}

// OutboxStore is the outbox side of the store
type OutboxStore interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Runner drives the periodic incremental sync and the outbox dispatcher
type Runner struct {
	Coordinator  *Coordinator
	Outbox       OutboxStore
	Publisher    Publisher // nil disables dispatch
	Interval     time.Duration
	RetryBackoff time.Duration
}

// Run blocks until ctx is cancelled
func (r *Runner) Run(ctx context.Context) error {
	if r.Publisher != nil {
		if err := r.Publisher.EnsureStream(ctx); err != nil {
			log.Error().Err(err).Msg("failed to ensure event stream, dispatcher disabled")
		} else {
			go r.dispatchLoop(ctx)
		}
	}

	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("sync scheduler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sync scheduler stopped")
			return nil
		case <-ticker.C:
			if err := r.Coordinator.SyncAll(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("scheduled sync failed")
			}
		}
	}
}

// dispatchLoop continuously dispatches messages from outbox to the publisher
func (r *Runner) dispatchLoop(ctx context.Context) {
	for {
		n, err := r.DispatchOnce(ctx, 100)
		if err != nil {
			log.Error().Err(err).Msg("error dequeuing outbox")
		}

		wait := 500 * time.Millisecond
		if err != nil {
			wait = time.Second
		} else if n > 0 {
			wait = 0
		}
		if err := sleepContext(ctx, wait); err != nil {
			return
		}
	}
}

// DispatchOnce publishes up to limit pending outbox messages and returns how many were attempted
func (r *Runner) DispatchOnce(ctx context.Context, limit int) (int, error) {
	messages, err := r.Outbox.DequeueOutbox(ctx, limit)
	if err != nil {
		return 0, err
	}

	backoff := r.RetryBackoff
	if backoff <= 0 {
		backoff = 10 * time.Second
	}

	for _, msg := range messages {
		if err := r.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			log.Warn().Err(err).Int64("outbox_id", msg.ID).Int("retries", msg.Retries).Msg("publish failed, will retry")
			if err := r.Outbox.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("failed to schedule retry")
			}
			continue
		}

		if err := r.Outbox.MarkPublished(ctx, msg.ID); err != nil {
			log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("failed to mark published")
		}
	}
	return len(messages), nil
}
