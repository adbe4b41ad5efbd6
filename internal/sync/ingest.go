package sync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
)

// EventEmailIngested is the outbox event type written for every newly stored message
const EventEmailIngested = "email.ingested"

// IngestStore is the part of the store the pipeline writes to
type IngestStore interface {
	ExistingMessageIDs(ctx context.Context, tenantID string, ids []string) (map[string]bool, error)
	InsertMessage(ctx context.Context, msg *model.StoredMessage, event *sqlite.OutboxEvent) (bool, error)
	UpsertContact(ctx context.Context, c sqlite.ContactSighting) error
}

// PipelineOptions tunes chunking and fetch concurrency
type PipelineOptions struct {
	ChunkSize  int
	Workers    int
	ChunkDelay time.Duration
}

// IngestResult summarizes one ingestion run. Inserted + Skipped == Processed.
type IngestResult struct {
	Processed int    `json:"processed"`
	Inserted  int    `json:"inserted"`
	Skipped   int    `json:"skipped"`
	MaxCursor string `json:"maxCursor,omitempty"`
}

// ProgressFunc is called after each chunk with the number of IDs handled so far
type ProgressFunc func(current, total int)

// Pipeline fetches, parses and stores messages
type Pipeline struct {
	store IngestStore
	opts  PipelineOptions
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPipeline creates an ingestion pipeline
func NewPipeline(store IngestStore, opts PipelineOptions) *Pipeline {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 50
	}
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.ChunkDelay < 0 {
		opts.ChunkDelay = 0
	}
	return &Pipeline{store: store, opts: opts, sleep: sleepContext}
}

// SetSleep replaces the pacing sleep between chunks
func (p *Pipeline) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	p.sleep = fn
}

// Ingest stores every message in ids that is not stored yet. IDs already present are
// never fetched. A message that fails to fetch is logged and counted as skipped.
func (p *Pipeline) Ingest(ctx context.Context, tenantID string, mailbox Mailbox, ids []string, progress ProgressFunc) (IngestResult, error) {
	res := IngestResult{}
	total := len(ids)

	for start := 0; start < total; start += p.opts.ChunkSize {
		end := start + p.opts.ChunkSize
		if end > total {
			end = total
		}

		if err := p.ingestChunk(ctx, tenantID, mailbox, ids[start:end], &res); err != nil {
			return res, err
		}
		res.Processed = end

		if progress != nil {
			progress(end, total)
		}

		if end < total && p.opts.ChunkDelay > 0 {
			if err := p.sleep(ctx, p.opts.ChunkDelay); err != nil {
				return res, err
			}
		}
	}

	log.Debug().
		Str("tenant_id", tenantID).
		Int("processed", res.Processed).
		Int("inserted", res.Inserted).
		Int("skipped", res.Skipped).
		Str("max_cursor", res.MaxCursor).
		Msg("ingestion complete")
	return res, nil
}

func (p *Pipeline) ingestChunk(ctx context.Context, tenantID string, mailbox Mailbox, chunk []string, res *IngestResult) error {
	existing, err := p.store.ExistingMessageIDs(ctx, tenantID, chunk)
	if err != nil {
		return fmt.Errorf("check existing messages: %w", err)
	}

	todo := make([]string, 0, len(chunk))
	for _, id := range chunk {
		if !existing[id] {
			todo = append(todo, id)
		}
	}
	res.Skipped += len(chunk) - len(todo)
	if len(todo) == 0 {
		return nil
	}

	var mu sync.Mutex
	jobs := make(chan string)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for _, id := range todo {
			select {
			case jobs <- id:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			for id := range jobs {
				inserted, cursor, err := p.ingestOne(gctx, tenantID, mailbox, id)
				if err != nil {
					return err
				}

				mu.Lock()
				if inserted {
					res.Inserted++
				} else {
					res.Skipped++
				}
				res.MaxCursor = MaxCursor(res.MaxCursor, cursor)
				mu.Unlock()
			}
			return nil
		})
	}

	return g.Wait()
}

// ingestOne fetches and stores one message. Only store failures and cancellation are returned as errors.
func (p *Pipeline) ingestOne(ctx context.Context, tenantID string, mailbox Mailbox, id string) (bool, string, error) {
	meta, err := mailbox.GetMessage(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return false, "", ctx.Err()
		}
		log.Warn().Err(err).Str("tenant_id", tenantID).Str("message_id", id).Msg("failed to fetch message, skipping")
		return false, "", nil
	}

	from := parseAddresses(meta.From)
	to := parseAddresses(meta.To)

	sentAt := meta.Date
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	msg := &model.StoredMessage{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		ProviderMessageID: meta.MessageID,
		ThreadID:          meta.ThreadID,
		From:              joinEmails(from, meta.From),
		To:                joinEmails(to, meta.To),
		Subject:           meta.Subject,
		Snippet:           meta.Snippet,
		BodyText:          bodyText(meta),
		Labels:            meta.Labels,
		SentAt:            sentAt,
		HistoryID:         meta.HistoryID,
	}
	if msg.ProviderMessageID == "" {
		msg.ProviderMessageID = id
	}

	event, err := ingestedEvent(msg)
	if err != nil {
		return false, "", err
	}

	inserted, err := p.store.InsertMessage(ctx, msg, event)
	if err != nil {
		return false, "", fmt.Errorf("store message %s: %w", id, err)
	}

	if inserted {
		for _, addr := range append(from, to...) {
			sighting := sqlite.ContactSighting{
				TenantID: tenantID,
				Email:    addr.Email,
				Name:     addr.Name,
				Domain:   addr.Domain,
				SeenAt:   sentAt,
			}
			if err := p.store.UpsertContact(ctx, sighting); err != nil {
				log.Warn().Err(err).Str("tenant_id", tenantID).Str("email", addr.Email).Msg("contact upsert failed")
			}
		}
	}

	return inserted, meta.HistoryID, nil
}

type ingestedPayload struct {
	EventID           string   `json:"event_id"`
	TS                int64    `json:"ts"`
	TenantID          string   `json:"tenant_id"`
	MessageID         string   `json:"message_id"`
	ProviderMessageID string   `json:"provider_message_id"`
	ThreadID          string   `json:"thread_id"`
	From              string   `json:"from"`
	To                string   `json:"to"`
	Subject           string   `json:"subject"`
	Snippet           string   `json:"snippet"`
	Labels            []string `json:"labels"`
	SentAt            int64    `json:"sent_at"`
}

func ingestedEvent(msg *model.StoredMessage) (*sqlite.OutboxEvent, error) {
	payload, err := json.Marshal(ingestedPayload{
		EventID:           uuid.NewString(),
		TS:                time.Now().Unix(),
		TenantID:          msg.TenantID,
		MessageID:         msg.ID,
		ProviderMessageID: msg.ProviderMessageID,
		ThreadID:          msg.ThreadID,
		From:              msg.From,
		To:                msg.To,
		Subject:           msg.Subject,
		Snippet:           msg.Snippet,
		Labels:            msg.Labels,
		SentAt:            msg.SentAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}

	return &sqlite.OutboxEvent{
		Subject:   fmt.Sprintf("tenant.%s.%s", msg.TenantID, EventEmailIngested),
		EventType: EventEmailIngested,
		Payload:   payload,
		MsgID:     fmt.Sprintf("%s|%s|%s", EventEmailIngested, msg.TenantID, msg.ProviderMessageID),
	}, nil
}

func joinEmails(addrs []address, raw string) string {
	if len(addrs) == 0 {
		return strings.TrimSpace(raw)
	}
	emails := make([]string, len(addrs))
	for i, a := range addrs {
		emails[i] = a.Email
	}
	return strings.Join(emails, ", ")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
