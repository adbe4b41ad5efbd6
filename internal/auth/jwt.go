package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog/log"
)

// Context keys set by Middleware
const (
	TenantKey  = "tenant_id"
	SessionKey = "session_jwt"
)

// Tenant is the caller resolved from a bearer token
type Tenant struct {
	TenantID string
	UserID   string
	Email    string
}

// JWTVerifier handles JWT token verification with cached JWKS
type JWTVerifier struct {
	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
	refreshTTL  time.Duration
}

// NewJWTVerifier creates a verifier and warms its key cache. The background refresh
// stops when ctx is cancelled.
func NewJWTVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	verifier := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(verifier.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	verifier.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keySet, err := verifier.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	verifier.keySet = keySet
	verifier.lastFetch = time.Now()

	go verifier.backgroundRefresh(ctx)

	return verifier, nil
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()

		if err != nil {
			log.Warn().Err(err).Str("jwks_url", v.jwksURL).Msg("JWKS refresh failed")
			continue
		}
		v.keySetMutex.Lock()
		v.keySet = keySet
		v.lastFetch = time.Now()
		v.keySetMutex.Unlock()
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// TenantFromRequest validates the bearer token and resolves the tenant.
// The tenant is the tenant_id claim, falling back to the subject.
func (v *JWTVerifier) TenantFromRequest(r *http.Request) (*Tenant, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	userID := token.Subject()
	tenantID := userID
	if claim, ok := token.Get("tenant_id"); ok {
		if s, ok := claim.(string); ok && s != "" {
			tenantID = s
		}
	}
	if tenantID == "" {
		return nil, fmt.Errorf("token missing tenant")
	}

	var email string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}

	return &Tenant{TenantID: tenantID, UserID: userID, Email: email}, nil
}

// Middleware rejects requests without a valid bearer token and stores the tenant in the gin context
func (v *JWTVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, err := v.TenantFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(TenantKey, tenant.TenantID)
		c.Set(SessionKey, strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		c.Next()
	}
}

// GetCacheStats returns statistics about the JWKS cache
func (v *JWTVerifier) GetCacheStats() map[string]interface{} {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()

	keyCount := 0
	if v.keySet != nil {
		keyCount = v.keySet.Len()
	}

	return map[string]interface{}{
		"keys_cached": keyCount,
		"last_fetch":  v.lastFetch,
		"refresh_ttl": v.refreshTTL.String(),
		"age_seconds": time.Since(v.lastFetch).Seconds(),
	}
}
