package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
)

// Sync modes reported in SyncResult
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

// StateStore is the sync bookkeeping the coordinator owns
type StateStore interface {
	GetSyncState(ctx context.Context, tenantID string) (*model.SyncState, error)
	AcquireLock(ctx context.Context, tenantID, owner, phase string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, tenantID, owner string) error
	UpdateProgress(ctx context.Context, tenantID, owner, phase string, current, total *int, lockExpiresAt time.Time) error
	CompleteSync(ctx context.Context, tenantID, owner, cursor string, at time.Time) error
	FailSync(ctx context.Context, tenantID, owner, errorMsg string) error
	TenantsWithCursor(ctx context.Context) ([]string, error)
}

// SyncResult describes a completed sync run
type SyncResult struct {
	Mode string `json:"mode"`
	IngestResult
	Cursor     string    `json:"cursor"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
}

// Progress is the counter pair shown while a sync runs
type Progress struct {
	Current *int `json:"current"`
	Total   *int `json:"total"`
}

// Status is the externally visible sync state of a tenant
type Status struct {
	HasSynced  bool       `json:"hasSynced"`
	Cursor     string     `json:"cursor,omitempty"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	Phase      string     `json:"phase,omitempty"`
	Progress   *Progress  `json:"progress,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

// Coordinator runs full and incremental syncs under the per-tenant advisory lock
type Coordinator struct {
	store      StateStore
	tokens     TokenSource
	mailboxes  MailboxFactory
	pipeline   *Pipeline
	lockTTL    time.Duration
	instanceID string
	now        func() time.Time
}

// NewCoordinator creates a coordinator. lockTTL bounds how long a crashed run can block the tenant.
func NewCoordinator(store StateStore, tokens TokenSource, mailboxes MailboxFactory, pipeline *Pipeline, lockTTL time.Duration) *Coordinator {
	if lockTTL <= 0 {
		lockTTL = 4 * time.Minute
	}
	return &Coordinator{
		store:      store,
		tokens:     tokens,
		mailboxes:  mailboxes,
		pipeline:   pipeline,
		lockTTL:    lockTTL,
		instanceID: uuid.NewString(),
		now:        time.Now,
	}
}

// SetClock replaces the clock used for lock expiry and timestamps
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// FullSync lists every message in the mailbox, optionally only those after a date, and
// ingests the ones not stored yet.
func (c *Coordinator) FullSync(ctx context.Context, tenantID string, after *time.Time) (*SyncResult, error) {
	owner, err := c.acquire(ctx, tenantID, model.PhaseListing)
	if err != nil {
		return nil, err
	}
	defer c.release(ctx, tenantID, owner)

	log.Info().Str("tenant_id", tenantID).Msg("full sync started")

	res, err := c.runFull(ctx, tenantID, owner, after)
	if err != nil {
		c.fail(ctx, tenantID, owner, err)
		return nil, err
	}

	log.Info().
		Str("tenant_id", tenantID).
		Int("processed", res.Processed).
		Int("inserted", res.Inserted).
		Str("cursor", res.Cursor).
		Msg("full sync complete")
	return res, nil
}

func (c *Coordinator) runFull(ctx context.Context, tenantID, owner string, after *time.Time) (*SyncResult, error) {
	started := c.now()

	mailbox, err := c.open(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	query := ""
	if after != nil {
		query = "after:" + after.Format("2006/01/02")
	}

	var ids []string
	pageToken := ""
	for {
		page, err := mailbox.ListMessageIDs(ctx, query, pageToken)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		ids = append(ids, page.IDs...)
		c.progress(ctx, tenantID, owner, model.PhaseListing, len(ids), -1)

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	c.progress(ctx, tenantID, owner, model.PhaseFetching, 0, len(ids))

	ingested, err := c.pipeline.Ingest(ctx, tenantID, mailbox, ids, func(current, total int) {
		c.progress(ctx, tenantID, owner, model.PhaseFetching, current, total)
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	profileCursor, err := mailbox.HistoryCursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("history cursor: %w", err)
	}

	state, err := c.store.GetSyncState(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	existing := ""
	if state != nil {
		existing = state.HistoryCursor
	}

	cursor := MaxCursor(MaxCursor(existing, profileCursor), ingested.MaxCursor)
	if err := c.complete(ctx, tenantID, owner, cursor); err != nil {
		return nil, err
	}

	return &SyncResult{
		Mode:         ModeFull,
		IngestResult: ingested,
		Cursor:       cursor,
		StartedAt:    started,
		DurationMs:   c.now().Sub(started).Milliseconds(),
	}, nil
}

// IncrementalSync ingests messages added since the stored cursor. Each change-log page is
// ingested as soon as it arrives.
func (c *Coordinator) IncrementalSync(ctx context.Context, tenantID string) (*SyncResult, error) {
	state, err := c.store.GetSyncState(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.HistoryCursor == "" {
		return nil, ErrNoSyncState
	}

	owner, err := c.acquire(ctx, tenantID, model.PhaseSyncing)
	if err != nil {
		return nil, err
	}
	defer c.release(ctx, tenantID, owner)

	res, err := c.runIncremental(ctx, tenantID, owner)
	if err != nil {
		if !errors.Is(err, ErrNoSyncState) {
			c.fail(ctx, tenantID, owner, err)
		}
		return nil, err
	}

	if res.Inserted > 0 {
		log.Info().
			Str("tenant_id", tenantID).
			Int("inserted", res.Inserted).
			Str("cursor", res.Cursor).
			Msg("incremental sync complete")
	}
	return res, nil
}

func (c *Coordinator) runIncremental(ctx context.Context, tenantID, owner string) (*SyncResult, error) {
	started := c.now()

	// the cursor may have moved while the lock was held by someone else
	state, err := c.store.GetSyncState(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.HistoryCursor == "" {
		return nil, ErrNoSyncState
	}
	start := state.HistoryCursor

	mailbox, err := c.open(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var total IngestResult
	discovered := 0
	latest, err := DiffSince(ctx, mailbox, start, func(ids []string) error {
		base := total.Processed
		discovered += len(ids)

		res, err := c.pipeline.Ingest(ctx, tenantID, mailbox, ids, func(current, _ int) {
			c.progress(ctx, tenantID, owner, model.PhaseSyncing, base+current, discovered)
		})
		if err != nil {
			return fmt.Errorf("ingest: %w", err)
		}

		total.Processed += res.Processed
		total.Inserted += res.Inserted
		total.Skipped += res.Skipped
		total.MaxCursor = MaxCursor(total.MaxCursor, res.MaxCursor)
		return nil
	})
	if err != nil {
		return nil, err
	}

	cursor := MaxCursor(MaxCursor(start, latest), total.MaxCursor)
	if err := c.complete(ctx, tenantID, owner, cursor); err != nil {
		return nil, err
	}

	return &SyncResult{
		Mode:         ModeIncremental,
		IngestResult: total,
		Cursor:       cursor,
		StartedAt:    started,
		DurationMs:   c.now().Sub(started).Milliseconds(),
	}, nil
}

// Status reports the tenant's sync state for polling
func (c *Coordinator) Status(ctx context.Context, tenantID string) (*Status, error) {
	state, err := c.store.GetSyncState(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return &Status{}, nil
	}

	st := &Status{
		HasSynced:  state.HistoryCursor != "",
		Cursor:     state.HistoryCursor,
		LastSyncAt: state.LastSyncAt,
		Phase:      state.Phase,
		LastError:  state.LastError,
	}
	if state.ProgressCurrent != nil || state.ProgressTotal != nil {
		st.Progress = &Progress{Current: state.ProgressCurrent, Total: state.ProgressTotal}
	}
	return st, nil
}

// SyncAll runs an incremental sync for every tenant with a cursor. Per-tenant failures are
// logged, and a tenant whose history expired gets a full sync instead.
func (c *Coordinator) SyncAll(ctx context.Context) error {
	tenants, err := c.store.TenantsWithCursor(ctx)
	if err != nil {
		return err
	}

	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := c.IncrementalSync(ctx, tenantID)
		switch {
		case err == nil:
		case errors.Is(err, ErrHistoryExpired):
			log.Warn().Str("tenant_id", tenantID).Msg("history expired, falling back to full sync")
			if _, err := c.FullSync(ctx, tenantID, nil); err != nil {
				log.Error().Err(err).Str("tenant_id", tenantID).Msg("full sync failed")
			}
		case errors.Is(err, ErrLockLost):
			log.Warn().Str("tenant_id", tenantID).Msg("sync lock taken over mid-run")
		case errors.Is(err, ErrAlreadyInProgress):
			log.Debug().Str("tenant_id", tenantID).Msg("sync already running, skipping")
		default:
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("incremental sync failed")
		}
	}
	return nil
}

func (c *Coordinator) acquire(ctx context.Context, tenantID, phase string) (string, error) {
	owner := c.instanceID + "/" + uuid.NewString()
	ok, err := c.store.AcquireLock(ctx, tenantID, owner, phase, c.now(), c.lockTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrAlreadyInProgress
	}
	return owner, nil
}

// release runs even when ctx was cancelled
func (c *Coordinator) release(ctx context.Context, tenantID, owner string) {
	if err := c.store.ReleaseLock(context.WithoutCancel(ctx), tenantID, owner); err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to release sync lock")
	}
}

// complete persists the cursor; it fails with ErrLockLost when another run owns the lock by now
func (c *Coordinator) complete(ctx context.Context, tenantID, owner, cursor string) error {
	err := c.store.CompleteSync(ctx, tenantID, owner, cursor, c.now())
	if errors.Is(err, sqlite.ErrLockNotHeld) {
		return fmt.Errorf("record cursor %s: %w", cursor, ErrLockLost)
	}
	return err
}

// fail records cause on the tenant's state while this run still owns the lock
func (c *Coordinator) fail(ctx context.Context, tenantID, owner string, cause error) {
	if errors.Is(cause, ErrLockLost) {
		log.Warn().Err(cause).Str("tenant_id", tenantID).Msg("sync lock taken over, result discarded")
		return
	}

	log.Error().Err(cause).Str("tenant_id", tenantID).Msg("sync failed")
	err := c.store.FailSync(context.WithoutCancel(ctx), tenantID, owner, cause.Error())
	switch {
	case errors.Is(err, sqlite.ErrLockNotHeld):
		log.Warn().Str("tenant_id", tenantID).Msg("sync lock taken over, error not recorded")
	case err != nil:
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to record sync error")
	}
}

// progress records counters; a negative total is stored as unknown
func (c *Coordinator) progress(ctx context.Context, tenantID, owner, phase string, current, total int) {
	var totalPtr *int
	if total >= 0 {
		totalPtr = &total
	}
	expires := c.now().Add(c.lockTTL)
	if err := c.store.UpdateProgress(ctx, tenantID, owner, phase, &current, totalPtr, expires); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to record progress")
	}
}

// open checks the tenant's credential up front, then hands the session a token func
// backed by the credential manager
func (c *Coordinator) open(ctx context.Context, tenantID string) (Mailbox, error) {
	if _, err := c.tokens.AccessToken(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	token := func(ctx context.Context) (string, error) {
		return c.tokens.AccessToken(ctx, tenantID)
	}
	mailbox, err := c.mailboxes(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	return mailbox, nil
}
