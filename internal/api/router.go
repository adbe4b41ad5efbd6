package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// SyncService runs syncs synchronously
type SyncService interface {
	FullSync(ctx context.Context, tenantID string, after *time.Time) (*sync.SyncResult, error)
	IncrementalSync(ctx context.Context, tenantID string) (*sync.SyncResult, error)
	Status(ctx context.Context, tenantID string) (*sync.Status, error)
}

// BackgroundSyncs runs full syncs in the background
type BackgroundSyncs interface {
	StartFullSync(ctx context.Context, tenantID string, after *time.Time) error
	Stop(tenantID string) error
	IsRunning(tenantID string) bool
}

// TokenImporter fetches the caller's provider grant from the auth server
type TokenImporter interface {
	GetToken(ctx context.Context, userJWT string, provider auth.Provider) (*auth.Token, error)
}

// CredentialLinker stores a provider grant for a tenant
type CredentialLinker interface {
	Link(ctx context.Context, tenantID string, tok *auth.Token) error
}

// Deps are the collaborators of the HTTP API
type Deps struct {
	Syncs       SyncService
	Background  BackgroundSyncs
	Tokens      TokenImporter
	Credentials CredentialLinker
	// Auth resolves the tenant and stores it under auth.TenantKey
	Auth  gin.HandlerFunc
	Stats func() map[string]interface{}
}

type handler struct {
	Deps
}

// NewRouter builds the gin engine
func NewRouter(d Deps) *gin.Engine {
	h := &handler{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", h.health)

	authorized := r.Group("/")
	authorized.Use(d.Auth)

	authorized.POST("/sync/full", h.fullSync)
	authorized.POST("/sync/incremental", h.incrementalSync)
	authorized.GET("/sync/status", h.status)
	authorized.DELETE("/sync", h.stop)
	authorized.POST("/mailbox/link", h.link)

	return r
}

func (h *handler) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.Stats != nil {
		body["jwks"] = h.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) fullSync(c *gin.Context) {
	tenantID := c.GetString(auth.TenantKey)

	var after *time.Time
	if v := c.Query("after"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be YYYY-MM-DD"})
			return
		}
		after = &t
	}

	if c.Query("wait") == "true" {
		res, err := h.Syncs.FullSync(c.Request.Context(), tenantID, after)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	if err := h.Background.StartFullSync(c.Request.Context(), tenantID, after); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (h *handler) incrementalSync(c *gin.Context) {
	tenantID := c.GetString(auth.TenantKey)

	res, err := h.Syncs.IncrementalSync(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) status(c *gin.Context) {
	tenantID := c.GetString(auth.TenantKey)

	st, err := h.Syncs.Status(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hasSynced":  st.HasSynced,
		"cursor":     st.Cursor,
		"lastSyncAt": st.LastSyncAt,
		"phase":      st.Phase,
		"progress":   st.Progress,
		"lastError":  st.LastError,
		"running":    h.Background.IsRunning(tenantID),
	})
}

func (h *handler) stop(c *gin.Context) {
	tenantID := c.GetString(auth.TenantKey)

	if err := h.Background.Stop(tenantID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) link(c *gin.Context) {
	tenantID := c.GetString(auth.TenantKey)

	tok, err := h.Tokens.GetToken(c.Request.Context(), c.GetString(auth.SessionKey), auth.ProviderGoogle)
	if err != nil {
		if errors.Is(err, auth.ErrAccountNotLinked) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to import token")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch token from auth server"})
		return
	}

	if err := h.Credentials.Link(c.Request.Context(), tenantID, tok); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps sync and credential errors to status codes
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "sync_failed"

	switch {
	case errors.Is(err, sync.ErrLockLost):
		status, code = http.StatusConflict, "lock_lost"
	case errors.Is(err, sync.ErrAlreadyInProgress):
		status, code = http.StatusConflict, "already_in_progress"
	case errors.Is(err, sync.ErrNoSyncState):
		status, code = http.StatusPreconditionFailed, "no_sync_state"
	case errors.Is(err, sync.ErrHistoryExpired):
		status, code = http.StatusGone, "history_expired"
	case errors.Is(err, auth.ErrReconnectRequired):
		status, code = http.StatusUnauthorized, "reconnect_required"
	case errors.Is(err, auth.ErrProviderUnavailable):
		status, code = http.StatusServiceUnavailable, "provider_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("tenant_id", c.GetString(auth.TenantKey)).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("tenant_id", c.GetString(auth.TenantKey)).
			Msg("request")
	}
}
