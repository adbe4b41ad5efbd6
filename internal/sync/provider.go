package sync

import (
	"context"
	"time"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGoogle ProviderName = "GOOGLE"
)

// MessageMeta is one message fetched from the provider, with headers still raw
type MessageMeta struct {
	Provider  ProviderName
	MessageID string // provider ID
	ThreadID  string
	Subject   string
	From      string // raw From header
	To        string // raw To header
	Snippet   string
	Labels    []string
	PlainBody string
	HTMLBody  string
	Date      time.Time
	HistoryID string
}

// MessagePage is one page of a message listing
type MessagePage struct {
	IDs           []string
	NextPageToken string
}

// HistoryRecord is one change-log entry with the IDs of messages it added
type HistoryRecord struct {
	ID         string
	MessageIDs []string
}

// HistoryPage is one page of the change log
type HistoryPage struct {
	Records []HistoryRecord
	// HistoryID is the mailbox's current cursor as reported with the page
	HistoryID     string
	NextPageToken string
}

// Mailbox is a provider session bound to one tenant's access token.
// ListHistory returns ErrHistoryExpired when the start cursor is too old.
type Mailbox interface {
	HistoryCursor(ctx context.Context) (string, error)
	ListMessageIDs(ctx context.Context, query, pageToken string) (*MessagePage, error)
	GetMessage(ctx context.Context, id string) (*MessageMeta, error)
	ListHistory(ctx context.Context, startCursor, pageToken string) (*HistoryPage, error)
}

// TokenFunc returns an access token that is valid right now
type TokenFunc func(ctx context.Context) (string, error)

// MailboxFactory opens a provider session. The session calls token whenever it needs
// credentials, so a run that outlives one access token keeps working.
type MailboxFactory func(ctx context.Context, token TokenFunc) (Mailbox, error)

// TokenSource hands out valid access tokens per tenant
type TokenSource interface {
	AccessToken(ctx context.Context, tenantID string) (string, error)
}
