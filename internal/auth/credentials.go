package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/model"
)

var (
	// ErrReconnectRequired means the stored grant is missing or was revoked; the user must link the mailbox again
	ErrReconnectRequired = errors.New("reconnect required")
	// ErrProviderUnavailable means the token endpoint could not refresh the grant for another reason
	ErrProviderUnavailable = errors.New("token provider unavailable")
)

// expirySkew is how early a token is considered expired
const expirySkew = 60 * time.Second

// CredentialStore persists OAuth grants
type CredentialStore interface {
	LoadCredential(ctx context.Context, tenantID, provider string) (*model.Credential, error)
	SaveCredential(ctx context.Context, c *model.Credential) error
}

// OAuthConfig identifies the OAuth client used for refresh-token grants
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// CredentialManager hands out valid access tokens per tenant, refreshing them when needed
type CredentialManager struct {
	store      CredentialStore
	oauth      *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewCredentialManager creates a credential manager backed by store
func NewCredentialManager(store CredentialStore, cfg OAuthConfig) *CredentialManager {
	return &CredentialManager{
		store: store,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// SetClock replaces the clock, for tests
func (m *CredentialManager) SetClock(now func() time.Time) {
	m.now = now
}

// AccessToken returns a token valid for at least the next minute. No network call is made
// while the stored token is still fresh.
func (m *CredentialManager) AccessToken(ctx context.Context, tenantID string) (string, error) {
	cred, err := m.store.LoadCredential(ctx, tenantID, string(ProviderGoogle))
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return "", fmt.Errorf("no mailbox linked for tenant %s: %w", tenantID, ErrReconnectRequired)
	}

	if cred.Expiry.IsZero() || cred.Expiry.After(m.now().Add(expirySkew)) {
		return cred.AccessToken, nil
	}

	if cred.RefreshToken == "" {
		return "", fmt.Errorf("no refresh token for tenant %s: %w", tenantID, ErrReconnectRequired)
	}

	tok, err := m.refresh(ctx, cred.RefreshToken)
	if err != nil {
		return "", err
	}

	updated := &model.Credential{
		TenantID:     cred.TenantID,
		Provider:     cred.Provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        cred.Scope,
	}
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		updated.Scope = scope
	}

	if err := m.store.SaveCredential(ctx, updated); err != nil {
		// a rotated refresh token that is not on file leaves only a revoked one behind
		if updated.RefreshToken != cred.RefreshToken {
			return "", fmt.Errorf("persist rotated refresh token: %w", err)
		}
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to persist refreshed token")
		return tok.AccessToken, nil
	}

	log.Debug().Str("tenant_id", tenantID).Time("expiry", tok.Expiry).Msg("access token refreshed")
	return tok.AccessToken, nil
}

func (m *CredentialManager) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}

	// an empty access token forces the source to run the refresh grant
	tok, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err == nil {
		return tok, nil
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || strings.Contains(string(re.Body), "invalid_grant") {
			return nil, fmt.Errorf("refresh rejected: %w", ErrReconnectRequired)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// Link stores a freshly issued grant for a tenant. A grant without a refresh token keeps
// the refresh token already on file.
func (m *CredentialManager) Link(ctx context.Context, tenantID string, tok *Token) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("empty token")
	}

	cred := &model.Credential{
		TenantID:     tenantID,
		Provider:     string(ProviderGoogle),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        tok.Scope,
	}

	if cred.RefreshToken == "" {
		existing, err := m.store.LoadCredential(ctx, tenantID, string(ProviderGoogle))
		if err != nil {
			return fmt.Errorf("load credential: %w", err)
		}
		if existing != nil {
			cred.RefreshToken = existing.RefreshToken
		}
	}

	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}
