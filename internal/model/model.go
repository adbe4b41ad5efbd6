package model

import "time"

// Sync phases reported through SyncState.Phase. An empty phase means idle.
const (
	PhaseListing  = "listing"
	PhaseFetching = "fetching"
	PhaseSyncing  = "syncing"
	PhaseError    = "error"
)

// SyncState is the per-tenant sync bookkeeping row
type SyncState struct {
	TenantID        string     `json:"tenant_id"`
	HistoryCursor   string     `json:"history_cursor,omitempty"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	LockOwner       string     `json:"-"`
	LockExpiresAt   *time.Time `json:"-"`
	Phase           string     `json:"phase,omitempty"`
	ProgressCurrent *int       `json:"progress_current,omitempty"`
	ProgressTotal   *int       `json:"progress_total,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// StoredMessage is an ingested provider message
type StoredMessage struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	ThreadID          string    `json:"thread_id"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	Subject           string    `json:"subject"`
	Snippet           string    `json:"snippet"`
	BodyText          string    `json:"body_text"`
	Labels            []string  `json:"labels"`
	SentAt            time.Time `json:"sent_at"`
	HistoryID         string    `json:"history_id,omitempty"`
	CustomerID        *string   `json:"customer_id,omitempty"`
	IsCustomer        bool      `json:"is_customer"`
	Classified        bool      `json:"classified"`
}

// ContactRecord aggregates every message seen from or to one address
type ContactRecord struct {
	TenantID        string    `json:"tenant_id"`
	Email           string    `json:"email"`
	Name            *string   `json:"name,omitempty"`
	Domain          string    `json:"domain"`
	MessageCount    int       `json:"message_count"`
	LatestMessageAt time.Time `json:"latest_message_at"`
}

// Credential is one OAuth grant for a (tenant, provider) pair
type Credential struct {
	TenantID     string
	Provider     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time // zero when the provider did not report one
	Scope        string
}
