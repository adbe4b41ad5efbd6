package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAcquireLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	ok, err := s.AcquireLock(ctx, "acme", "a", model.PhaseListing, now, 4*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "first acquire creates the row")

	ok, err = s.AcquireLock(ctx, "acme", "b", model.PhaseSyncing, now.Add(time.Minute), 4*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held and unexpired")

	st, err := s.GetSyncState(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "a", st.LockOwner)
	assert.Equal(t, model.PhaseListing, st.Phase)

	ok, err = s.AcquireLock(ctx, "acme", "b", model.PhaseSyncing, now.Add(4*time.Minute), 4*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is taken over without release")

	// a stale owner cannot release the new holder's lock
	require.NoError(t, s.ReleaseLock(ctx, "acme", "a"))
	st, _ = s.GetSyncState(ctx, "acme")
	assert.Equal(t, "b", st.LockOwner)

	require.NoError(t, s.ReleaseLock(ctx, "acme", "b"))
	st, _ = s.GetSyncState(ctx, "acme")
	assert.Empty(t, st.LockOwner)
	assert.Nil(t, st.LockExpiresAt)

	ok, err = s.AcquireLock(ctx, "acme", "c", model.PhaseSyncing, now.Add(5*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncStateLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	st, err := s.GetSyncState(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, st)

	ok, err := s.AcquireLock(ctx, "acme", "o", model.PhaseFetching, now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	cur, total := 10, 40
	require.NoError(t, s.UpdateProgress(ctx, "acme", "o", model.PhaseFetching, &cur, &total, now.Add(2*time.Minute)))
	st, _ = s.GetSyncState(ctx, "acme")
	require.NotNil(t, st.ProgressTotal)
	assert.Equal(t, 10, *st.ProgressCurrent)
	assert.Equal(t, 40, *st.ProgressTotal)
	assert.Equal(t, now.Add(2*time.Minute).UnixMilli(), st.LockExpiresAt.UnixMilli())

	require.NoError(t, s.CompleteSync(ctx, "acme", "o", "555", now))
	assert.ErrorIs(t, s.FailSync(ctx, "acme", "someone-else", "ignored"), ErrLockNotHeld)
	st, _ = s.GetSyncState(ctx, "acme")
	assert.Equal(t, "555", st.HistoryCursor)
	assert.Empty(t, st.Phase)
	assert.Empty(t, st.LastError)

	require.NoError(t, s.FailSync(ctx, "acme", "o", "boom"))
	st, _ = s.GetSyncState(ctx, "acme")
	assert.Equal(t, model.PhaseError, st.Phase)
	assert.Equal(t, "boom", st.LastError)
	assert.Equal(t, "555", st.HistoryCursor)

	tenants, err := s.TenantsWithCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, tenants)
}

func TestInsertMessageIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := &model.StoredMessage{
		ID:                "row-1",
		TenantID:          "acme",
		ProviderMessageID: "p-1",
		Subject:           "hello",
		SentAt:            time.UnixMilli(1700000000000),
	}
	event := &OutboxEvent{Subject: "tenant.acme.email.ingested", EventType: "email.ingested", Payload: []byte(`{}`), MsgID: "email.ingested|acme|p-1"}

	inserted, err := s.InsertMessage(ctx, msg, event)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := *msg
	dup.ID = "row-2"
	dup.Subject = "changed"
	inserted, err = s.InsertMessage(ctx, &dup, event)
	require.NoError(t, err)
	assert.False(t, inserted, "conflict is a no-op, not an error")

	got, err := s.GetMessage(ctx, "acme", "p-1")
	require.NoError(t, err)
	assert.Equal(t, "row-1", got.ID)
	assert.Equal(t, "hello", got.Subject)
	assert.Empty(t, got.Labels)

	// same provider id under another tenant is a different message
	other := *msg
	other.ID = "row-3"
	other.TenantID = "globex"
	inserted, err = s.InsertMessage(ctx, &other, nil)
	require.NoError(t, err)
	assert.True(t, inserted)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "one event per newly stored message")

	existing, err := s.ExistingMessageIDs(ctx, "acme", []string{"p-1", "p-2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"p-1": true}, existing)
}

func TestUpsertContact(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t0 := t1.Add(-48 * time.Hour)

	sight := func(name string, at time.Time) {
		require.NoError(t, s.UpsertContact(ctx, ContactSighting{
			TenantID: "acme", Email: "ada@example.com", Name: name, Domain: "example.com", SeenAt: at,
		}))
	}

	sight("", t1)
	c, err := s.GetContact(ctx, "acme", "ada@example.com")
	require.NoError(t, err)
	assert.Nil(t, c.Name, "blank name is stored as null")

	sight("Ada", t0)
	sight("Countess", t0)
	sight("  ", t0)

	c, err = s.GetContact(ctx, "acme", "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, 4, c.MessageCount)
	require.NotNil(t, c.Name)
	assert.Equal(t, "Ada", *c.Name, "first non-empty name wins")
	assert.True(t, c.LatestMessageAt.Equal(t1), "latest date never moves back")
}

func TestCredentials(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.LoadCredential(ctx, "acme", "google")
	require.NoError(t, err)
	assert.Nil(t, c)

	expiry := time.UnixMilli(1700000000000)
	require.NoError(t, s.SaveCredential(ctx, &model.Credential{
		TenantID: "acme", Provider: "google", AccessToken: "a1", RefreshToken: "r1", Expiry: expiry, Scope: "s",
	}))
	require.NoError(t, s.SaveCredential(ctx, &model.Credential{
		TenantID: "acme", Provider: "google", AccessToken: "a2", RefreshToken: "r1",
	}))

	c, err = s.LoadCredential(ctx, "acme", "google")
	require.NoError(t, err)
	assert.Equal(t, "a2", c.AccessToken)
	assert.True(t, c.Expiry.IsZero())
}

func TestOutboxRetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertMessage(ctx, &model.StoredMessage{ID: "r", TenantID: "acme", ProviderMessageID: "p", SentAt: time.Now()},
		&OutboxEvent{Subject: "s", EventType: "e", Payload: []byte("{}"), MsgID: "m"})
	require.NoError(t, err)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	assert.Equal(t, 0, pending[0].Retries)
	id := pending[0].ID

	require.NoError(t, s.MarkOutboxRetry(ctx, id, time.Hour))
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.MarkOutboxRetry(ctx, id, -time.Minute))
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Retries)

	require.NoError(t, s.MarkPublished(ctx, id))
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Error(t, s.MarkPublished(ctx, id+1))
}

func TestCompleteSyncAfterTakeover(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	ok, err := s.AcquireLock(ctx, "acme", "slow", model.PhaseFetching, now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireLock(ctx, "acme", "fast", model.PhaseSyncing, now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, s.CompleteSync(ctx, "acme", "slow", "900", now), ErrLockNotHeld)
	assert.ErrorIs(t, s.FailSync(ctx, "acme", "slow", "late"), ErrLockNotHeld)

	st, err := s.GetSyncState(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, st.HistoryCursor)
	assert.Nil(t, st.LastSyncAt)
	assert.Empty(t, st.LastError)
	assert.Equal(t, "fast", st.LockOwner)
	assert.Equal(t, model.PhaseSyncing, st.Phase)

	require.NoError(t, s.CompleteSync(ctx, "acme", "fast", "901", now))
}
