package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Provider represents OAuth providers
type Provider string

const (
	ProviderGoogle Provider = "google"
)

// ErrAccountNotLinked is returned when the auth server has no account for the provider
var ErrAccountNotLinked = errors.New("account not linked")

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// BetterAuthClient fetches OAuth tokens from BetterAuth
type BetterAuthClient struct {
	baseURL string
	client  *http.Client
}

// NewBetterAuthClient creates client to fetch tokens from BetterAuth
func NewBetterAuthClient(authServerURL string) *BetterAuthClient {
	return &BetterAuthClient{
		baseURL: authServerURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches the caller's OAuth grant for provider using their session JWT
func (c *BetterAuthClient) GetToken(ctx context.Context, userJWT string, provider Provider) (*Token, error) {
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, provider)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+userJWT)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no %s account connected: %w", provider, ErrAccountNotLinked)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
		Scope        string `json:"scope"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	tok := &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Scope:        result.Scope,
	}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}
