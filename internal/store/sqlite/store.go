package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailsync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// ErrLockNotHeld is returned by owner-gated writes once another run has taken the tenant's lock
var ErrLockNotHeld = errors.New("sync lock not held")

// Store is the relational store shared by every tenant
type Store struct {
	DB *sql.DB
}

// OutboxMessage is a pending event handed to the dispatcher
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
	Retries int
}

// OutboxEvent is enqueued together with a newly inserted message
type OutboxEvent struct {
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
}

// ContactSighting is one observation of an address in a message header
type ContactSighting struct {
	TenantID string
	Email    string
	Name     string
	Domain   string
	SeenAt   time.Time
}

// Open opens or creates the database at path using the given database/sql driver
// ("sqlite" for modernc.org/sqlite, "sqlite3" for github.com/mattn/go-sqlite3).
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = "sqlite"
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

func dsn(driver, path string) string {
	if driver == "sqlite3" {
		return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// GetSyncState loads the sync state for a tenant, nil when none exists yet
func (s *Store) GetSyncState(ctx context.Context, tenantID string) (*model.SyncState, error) {
	var (
		st                        model.SyncState
		cursor, owner, phase, msg sql.NullString
		lastSync, lockExp         sql.NullInt64
		cur, total                sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT tenant_id, history_cursor, last_sync_at, lock_owner, lock_expires_at,
		       phase, progress_current, progress_total, last_error
		FROM sync_state WHERE tenant_id = ?
	`, tenantID).Scan(&st.TenantID, &cursor, &lastSync, &owner, &lockExp, &phase, &cur, &total, &msg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	st.HistoryCursor = cursor.String
	st.LastSyncAt = fromMillis(lastSync)
	st.LockOwner = owner.String
	st.LockExpiresAt = fromMillis(lockExp)
	st.Phase = phase.String
	st.ProgressCurrent = fromInt(cur)
	st.ProgressTotal = fromInt(total)
	st.LastError = msg.String
	return &st, nil
}

// AcquireLock takes the tenant's advisory lock if it is free or expired, creating the
// sync state row when missing. It is a single compare-and-swap statement.
func (s *Store) AcquireLock(ctx context.Context, tenantID, owner, phase string, now time.Time, ttl time.Duration) (bool, error) {
	nowMs := now.UnixMilli()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_state (tenant_id, lock_owner, lock_expires_at, phase, last_error,
		                        progress_current, progress_total, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, NULL, NULL, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			lock_owner = excluded.lock_owner,
			lock_expires_at = excluded.lock_expires_at,
			phase = excluded.phase,
			last_error = NULL,
			progress_current = NULL,
			progress_total = NULL,
			updated_at = excluded.updated_at
		WHERE sync_state.lock_owner IS NULL
		   OR sync_state.lock_expires_at IS NULL
		   OR sync_state.lock_expires_at <= ?
	`, tenantID, owner, now.Add(ttl).UnixMilli(), phase, nowMs, nowMs, nowMs)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return n == 1, nil
}

// ReleaseLock clears the lock if it is still held by owner
func (s *Store) ReleaseLock(ctx context.Context, tenantID, owner string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sync_state
		SET lock_owner = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE tenant_id = ? AND lock_owner = ?
	`, time.Now().UnixMilli(), tenantID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// UpdateProgress records the phase and progress counters of a running sync and extends
// the lock held by owner until lockExpiresAt
func (s *Store) UpdateProgress(ctx context.Context, tenantID, owner, phase string, current, total *int, lockExpiresAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sync_state
		SET phase = ?, progress_current = ?, progress_total = ?, lock_expires_at = ?, updated_at = ?
		WHERE tenant_id = ? AND lock_owner = ?
	`, phase, toInt(current), toInt(total), lockExpiresAt.UnixMilli(), time.Now().UnixMilli(), tenantID, owner)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// CompleteSync stores the new cursor and clears phase and error
func (s *Store) CompleteSync(ctx context.Context, tenantID, owner, cursor string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sync_state
		SET history_cursor = ?,
		    last_sync_at = ?,
		    phase = NULL,
		    last_error = NULL,
		    updated_at = ?
		WHERE tenant_id = ? AND lock_owner = ?
	`, nullString(cursor), at.UnixMilli(), time.Now().UnixMilli(), tenantID, owner)
	if err != nil {
		return fmt.Errorf("failed to complete sync: %w", err)
	}
	return requireOwner(res, tenantID)
}

// FailSync marks the sync as failed. The history cursor is left untouched.
func (s *Store) FailSync(ctx context.Context, tenantID, owner, errorMsg string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sync_state
		SET phase = ?, last_error = ?, updated_at = ?
		WHERE tenant_id = ? AND lock_owner = ?
	`, model.PhaseError, errorMsg, time.Now().UnixMilli(), tenantID, owner)
	if err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}
	return requireOwner(res, tenantID)
}

// requireOwner turns an owner-gated update that matched nothing into ErrLockNotHeld
func requireOwner(res sql.Result, tenantID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrLockNotHeld)
	}
	return nil
}

// TenantsWithCursor lists tenants that completed at least one full sync
func (s *Store) TenantsWithCursor(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT tenant_id FROM sync_state
		WHERE history_cursor IS NOT NULL AND history_cursor != ''
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// ExistingMessageIDs returns the subset of ids already stored for the tenant
func (s *Store) ExistingMessageIDs(ctx context.Context, tenantID string, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(ids) == 0 {
		return existing, nil
	}

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.DB.QueryContext(ctx, `
		SELECT provider_message_id FROM messages
		WHERE tenant_id = ? AND provider_message_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// InsertMessage inserts msg unless (tenant, provider message id) already exists.
// The outbox event, if any, is written in the same transaction and only when the row is new.
func (s *Store) InsertMessage(ctx context.Context, msg *model.StoredMessage, event *OutboxEvent) (bool, error) {
	labels, err := json.Marshal(msg.Labels)
	if err != nil {
		return false, fmt.Errorf("failed to encode labels: %w", err)
	}
	if msg.Labels == nil {
		labels = []byte("[]")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(id, tenant_id, provider_message_id, thread_id, from_addr, to_addr, subject, snippet,
		 body_text, labels_json, sent_at, history_id, customer_id, is_customer, classified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.TenantID, msg.ProviderMessageID, msg.ThreadID, msg.From, msg.To, msg.Subject,
		msg.Snippet, msg.BodyText, string(labels), msg.SentAt.UnixMilli(), nullString(msg.HistoryID),
		msg.CustomerID, msg.IsCustomer, msg.Classified, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if event != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now.UnixMilli(), event.Subject, event.EventType, event.Payload, event.MsgID, now.UnixMilli())
		if err != nil {
			return false, fmt.Errorf("failed to insert outbox entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// GetMessage loads one stored message, nil when absent
func (s *Store) GetMessage(ctx context.Context, tenantID, providerMessageID string) (*model.StoredMessage, error) {
	var (
		m                 model.StoredMessage
		labels            string
		sentAt            int64
		historyID, custID sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, tenant_id, provider_message_id, thread_id, from_addr, to_addr, subject, snippet,
		       body_text, labels_json, sent_at, history_id, customer_id, is_customer, classified
		FROM messages WHERE tenant_id = ? AND provider_message_id = ?
	`, tenantID, providerMessageID).Scan(&m.ID, &m.TenantID, &m.ProviderMessageID, &m.ThreadID,
		&m.From, &m.To, &m.Subject, &m.Snippet, &m.BodyText, &labels, &sentAt, &historyID, &custID,
		&m.IsCustomer, &m.Classified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	if err := json.Unmarshal([]byte(labels), &m.Labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	m.SentAt = time.UnixMilli(sentAt)
	m.HistoryID = historyID.String
	if custID.Valid {
		m.CustomerID = &custID.String
	}
	return &m, nil
}

// CountMessages returns how many messages are stored for a tenant
func (s *Store) CountMessages(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE tenant_id = ?`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// UpsertContact records one sighting: the count is incremented, the latest date only moves
// forward and a name is filled in only while none is stored.
func (s *Store) UpsertContact(ctx context.Context, c ContactSighting) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO contacts (tenant_id, email, name, domain, message_count, latest_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(tenant_id, email) DO UPDATE SET
			message_count = contacts.message_count + 1,
			latest_message_at = MAX(contacts.latest_message_at, excluded.latest_message_at),
			name = COALESCE(contacts.name, excluded.name),
			updated_at = excluded.updated_at
	`, c.TenantID, c.Email, nullString(strings.TrimSpace(c.Name)), c.Domain, c.SeenAt.UnixMilli(), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}

// GetContact loads a contact by normalized address, nil when absent
func (s *Store) GetContact(ctx context.Context, tenantID, email string) (*model.ContactRecord, error) {
	var (
		c      model.ContactRecord
		name   sql.NullString
		latest int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT tenant_id, email, name, domain, message_count, latest_message_at
		FROM contacts WHERE tenant_id = ? AND email = ?
	`, tenantID, email).Scan(&c.TenantID, &c.Email, &name, &c.Domain, &c.MessageCount, &latest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load contact: %w", err)
	}
	if name.Valid {
		c.Name = &name.String
	}
	c.LatestMessageAt = time.UnixMilli(latest)
	return &c, nil
}

// LoadCredential loads the OAuth grant for a tenant and provider, nil when none is linked
func (s *Store) LoadCredential(ctx context.Context, tenantID, provider string) (*model.Credential, error) {
	var (
		c      model.Credential
		expiry sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT tenant_id, provider, access_token, refresh_token, expires_at, scope
		FROM credentials WHERE tenant_id = ? AND provider = ?
	`, tenantID, provider).Scan(&c.TenantID, &c.Provider, &c.AccessToken, &c.RefreshToken, &expiry, &c.Scope)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if expiry.Valid {
		c.Expiry = time.UnixMilli(expiry.Int64)
	}
	return &c, nil
}

// SaveCredential inserts or replaces the grant for (tenant, provider)
func (s *Store) SaveCredential(ctx context.Context, c *model.Credential) error {
	var expiry sql.NullInt64
	if !c.Expiry.IsZero() {
		expiry = sql.NullInt64{Int64: c.Expiry.UnixMilli(), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO credentials (tenant_id, provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			updated_at = excluded.updated_at
	`, c.TenantID, c.Provider, c.AccessToken, c.RefreshToken, expiry, c.Scope, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// DequeueOutbox returns up to limit unpublished events that are due, oldest first.
// Nothing is locked: an event stays pending until MarkPublished.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id, retries FROM outbox
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending events: %w", err)
	}
	defer rows.Close()

	pending := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Subject, &m.Payload, &m.MsgID, &m.Retries); err != nil {
			return nil, fmt.Errorf("failed to scan pending event: %w", err)
		}
		pending = append(pending, m)
	}
	return pending, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	return s.updateOutbox(ctx, id, "published_at = ?", time.Now().UnixMilli())
}

// MarkOutboxRetry counts a failed publish and hides the event for backoff
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	return s.updateOutbox(ctx, id, "retries = retries + 1, next_attempt_at = ?", time.Now().Add(backoff).UnixMilli())
}

func (s *Store) updateOutbox(ctx context.Context, id int64, set string, at int64) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE outbox SET `+set+` WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("failed to update event %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("event %d not in outbox", id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func fromInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
