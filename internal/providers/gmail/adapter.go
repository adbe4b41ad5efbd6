package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/transport"
)

const (
	user     = "me"
	pageSize = 500
)

// Config points the adapter at a Gmail-compatible API
type Config struct {
	// BaseURL is the API root, e.g. https://gmail.googleapis.com
	BaseURL  string
	Throttle transport.Options
	// Base is the innermost transport, http.DefaultTransport when nil
	Base http.RoundTripper
}

// Adapter implements sync.Mailbox for Gmail
type Adapter struct {
	svc *gmail.Service
}

// New creates a Gmail adapter that asks token for credentials on every request. Requests go
// through the rate-limit aware transport, which wraps the bearer token transport.
func New(ctx context.Context, cfg Config, token sync.TokenFunc) (*Adapter, error) {
	base := cfg.Base
	if base == nil {
		base = http.DefaultTransport
	}

	authed := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, &tokenSource{ctx: ctx, token: token}),
		Base:   base,
	}
	httpClient := &http.Client{Transport: transport.New(authed, cfg.Throttle)}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimSuffix(cfg.BaseURL, "/")+"/"))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc}, nil
}

// NewFactory returns a sync.MailboxFactory opening Gmail sessions with cfg
func NewFactory(cfg Config) sync.MailboxFactory {
	return func(ctx context.Context, token sync.TokenFunc) (sync.Mailbox, error) {
		return New(ctx, cfg, token)
	}
}

// tokenSource adapts a sync.TokenFunc to oauth2. The token it returns carries a short
// expiry so ReuseTokenSource goes back to the credential store regularly; the store
// answers from its own cache until the real expiry is near.
type tokenSource struct {
	ctx   context.Context
	token sync.TokenFunc
}

var tokenRecheck = 30 * time.Second

func (s *tokenSource) Token() (*oauth2.Token, error) {
	access, err := s.token(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(tokenRecheck),
	}, nil
}

// HistoryCursor returns the mailbox's current history id
func (a *Adapter) HistoryCursor(ctx context.Context) (string, error) {
	profile, err := a.svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	if profile.HistoryId == 0 {
		return "", nil
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// ListMessageIDs returns one page of message ids, filtered by a Gmail search query when set
func (a *Adapter) ListMessageIDs(ctx context.Context, query, pageToken string) (*sync.MessagePage, error) {
	call := a.svc.Users.Messages.List(user).IncludeSpamTrash(false).MaxResults(pageSize).Context(ctx)
	if query != "" {
		call = call.Q(query)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	page := &sync.MessagePage{
		IDs:           make([]string, 0, len(resp.Messages)),
		NextPageToken: resp.NextPageToken,
	}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// GetMessage fetches a full message and extracts its headers and body parts
func (a *Adapter) GetMessage(ctx context.Context, id string) (*sync.MessageMeta, error) {
	m, err := a.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return normalize(m), nil
}

// ListHistory returns one page of message-added history since startCursor.
// A 404 from the provider means the cursor is outside the retained history.
func (a *Adapter) ListHistory(ctx context.Context, startCursor, pageToken string) (*sync.HistoryPage, error) {
	start, err := strconv.ParseUint(startCursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid history ID in cursor %q: %w", startCursor, err)
	}

	call := a.svc.Users.History.List(user).
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		MaxResults(pageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("start history id %s: %w", startCursor, sync.ErrHistoryExpired)
		}
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	page := &sync.HistoryPage{NextPageToken: resp.NextPageToken}
	if resp.HistoryId != 0 {
		page.HistoryID = strconv.FormatUint(resp.HistoryId, 10)
	}
	for _, h := range resp.History {
		rec := sync.HistoryRecord{ID: strconv.FormatUint(h.Id, 10)}
		for _, added := range h.MessagesAdded {
			if added.Message != nil && added.Message.Id != "" {
				rec.MessageIDs = append(rec.MessageIDs, added.Message.Id)
			}
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// normalize converts a Gmail message to sync.MessageMeta
func normalize(m *gmail.Message) *sync.MessageMeta {
	meta := &sync.MessageMeta{
		Provider:  sync.ProviderGoogle,
		MessageID: m.Id,
		ThreadID:  m.ThreadId,
		Snippet:   m.Snippet,
		Labels:    m.LabelIds,
	}
	if m.HistoryId != 0 {
		meta.HistoryID = strconv.FormatUint(m.HistoryId, 10)
	}
	if m.InternalDate != 0 {
		meta.Date = time.UnixMilli(m.InternalDate)
	}

	if m.Payload == nil {
		return meta
	}

	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			meta.Subject = h.Value
		case "from":
			meta.From = h.Value
		case "to":
			meta.To = h.Value
		case "date":
			if meta.Date.IsZero() {
				if t, err := mail.ParseDate(h.Value); err == nil {
					meta.Date = t
				}
			}
		}
	}

	walkParts(m.Payload, meta)
	return meta
}

// walkParts collects the first text/plain and text/html bodies, skipping attachments
func walkParts(part *gmail.MessagePart, meta *sync.MessageMeta) {
	if part == nil || part.Filename != "" {
		return
	}

	mimeType := strings.ToLower(part.MimeType)
	if part.Body != nil && part.Body.Data != "" {
		switch {
		case strings.HasPrefix(mimeType, "text/plain") && meta.PlainBody == "":
			meta.PlainBody = decodeBody(part.Body.Data)
		case strings.HasPrefix(mimeType, "text/html") && meta.HTMLBody == "":
			meta.HTMLBody = decodeBody(part.Body.Data)
		}
	}

	for _, p := range part.Parts {
		walkParts(p, meta)
	}
}

func decodeBody(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}
